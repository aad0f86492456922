package server

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
)

// CookieCodec seals JSON payloads into opaque, tamper-evident cookie values
// using AES-GCM. The same codec serves the short-lived OAuth state and the
// long-lived session cookie.
type CookieCodec struct {
	key []byte
}

// NewCookieCodec derives a fixed-length key from the configured secret,
// truncating or zero-padding to the AES-256 key size.
func NewCookieCodec(secret string) *CookieCodec {
	key := make([]byte, 32)
	copy(key, secret)
	return &CookieCodec{key: key}
}

// Encrypt serializes v to JSON, seals it with a fresh random nonce, and
// returns base64url(nonce || ciphertext).
func (c *CookieCodec) Encrypt(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt is the inverse of Encrypt. It reports false on any failure: bad
// base64, wrong key, tampered ciphertext, malformed JSON. Callers treat a
// false result as "no session/state", never as a fatal error.
func (c *CookieCodec) Decrypt(opaque string, out any) bool {
	data, err := base64.RawURLEncoding.DecodeString(opaque)
	if err != nil {
		return false
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return false
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return false
	}

	if len(data) < gcm.NonceSize() {
		return false
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return false
	}

	return json.Unmarshal(plaintext, out) == nil
}
