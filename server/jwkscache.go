package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// JWKSCache holds each issuer's signing keys with a fixed TTL. A lookup miss
// on a specific key id triggers exactly one forced refresh before failing,
// which covers key rotation without waiting out the TTL. Concurrent
// refreshes of the same issuer are tolerated: the write is a last-write-wins
// replace and stale reads are bounded by the TTL.
type JWKSCache struct {
	mu      sync.RWMutex
	entries map[string]jwksEntry
	ttl     time.Duration
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

type jwksEntry struct {
	keys      jose.JSONWebKeySet
	jwksURL   string
	fetchedAt time.Time
}

// NewJWKSCache constructs the cache. The clock hook exists so the refresh
// race and TTL expiry are reproducible in tests.
func NewJWKSCache(ttl time.Duration, client *http.Client, logger *slog.Logger) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = DefaultJWKSTTL
	}
	return &JWKSCache{
		entries: make(map[string]jwksEntry),
		ttl:     ttl,
		client:  client,
		logger:  logger,
		now:     time.Now,
	}
}

// KeyFor returns the issuer's signing key for kid, refreshing once if the
// key id is unknown to the cached set.
func (c *JWKSCache) KeyFor(ctx context.Context, issuer, kid string) (*jose.JSONWebKey, error) {
	entry, err := c.current(ctx, issuer, false)
	if err != nil {
		return nil, err
	}
	if key := findJWK(entry.keys, kid); key != nil {
		return key, nil
	}

	entry, err = c.current(ctx, issuer, true)
	if err != nil {
		return nil, err
	}
	if key := findJWK(entry.keys, kid); key != nil {
		return key, nil
	}
	return nil, ErrSigningKeyUnknown
}

func (c *JWKSCache) current(ctx context.Context, issuer string, force bool) (jwksEntry, error) {
	c.mu.RLock()
	entry, ok := c.entries[issuer]
	c.mu.RUnlock()

	if ok && !force && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry, nil
	}

	fresh, err := c.fetch(ctx, issuer, entry.jwksURL)
	if err != nil {
		if ok {
			// Serve the stale set rather than failing the request outright.
			c.logger.Warn("jwks refresh failed, serving cached set", "issuer", issuer, "error", err)
			return entry, nil
		}
		return jwksEntry{}, err
	}

	c.mu.Lock()
	c.entries[issuer] = fresh
	c.mu.Unlock()
	return fresh, nil
}

func (c *JWKSCache) fetch(ctx context.Context, issuer, knownURL string) (jwksEntry, error) {
	jwksURL := knownURL
	if jwksURL == "" {
		var err error
		jwksURL, err = c.discoverJWKSURL(ctx, issuer)
		if err != nil {
			return jwksEntry{}, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return jwksEntry{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return jwksEntry{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jwksEntry{}, fmt.Errorf("fetch jwks: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jwksEntry{}, fmt.Errorf("decode jwks: %w", err)
	}

	return jwksEntry{keys: set, jwksURL: jwksURL, fetchedAt: c.now()}, nil
}

func (c *JWKSCache) discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	wellKnown := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch discovery: %s", resp.Status)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode discovery: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("discovery document missing jwks_uri")
	}
	return doc.JWKSURI, nil
}

func findJWK(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for i := range set.Keys {
		if kid == "" || set.Keys[i].KeyID == kid {
			return &set.Keys[i]
		}
	}
	return nil
}
