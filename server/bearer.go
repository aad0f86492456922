package server

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates bearer tokens against the issuer allow-list, audience,
// and the issuer's published signing keys. Claim checks run before the
// signature check so malformed or mistargeted tokens fail cheaply.
type Verifier struct {
	issuers    map[string]bool
	audience   string
	roleClaim  string
	roleLevels map[string]float64
	cache      *JWKSCache
	skew       time.Duration
	now        func() time.Time
}

// NewVerifier constructs the verifier with an injected JWKS cache.
func NewVerifier(cfg BearerConfig, cache *JWKSCache) *Verifier {
	issuers := make(map[string]bool, len(cfg.Issuers))
	for _, iss := range cfg.Issuers {
		issuers[strings.TrimSuffix(iss, "/")] = true
	}

	roleClaim := cfg.RoleClaim
	if roleClaim == "" {
		roleClaim = "realm_access.roles"
	}
	roleLevels := cfg.RoleLevels
	if len(roleLevels) == 0 {
		roleLevels = DefaultRoleLevels
	}

	return &Verifier{
		issuers:    issuers,
		audience:   cfg.Audience,
		roleClaim:  roleClaim,
		roleLevels: roleLevels,
		cache:      cache,
		skew:       DefaultClockSkew,
		now:        time.Now,
	}
}

// Verify checks the Authorization header end to end and derives the request's
// UserContext. Every failure maps to ErrAuthRequired except expiry, which
// callers disclose so clients know to refresh and retry.
func (v *Verifier) Verify(ctx context.Context, authorization string) (*UserContext, error) {
	raw := extractBearerToken(authorization)
	if raw == "" {
		return nil, ErrAuthRequired
	}

	claims := jwt.MapClaims{}
	tok, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	if err != nil {
		return nil, ErrAuthRequired
	}

	iss, _ := claims["iss"].(string)
	if err := v.validateClaims(iss, claims); err != nil {
		return nil, err
	}

	kid, _ := tok.Header["kid"].(string)
	key, err := v.cache.KeyFor(ctx, iss, kid)
	if err != nil {
		return nil, ErrAuthRequired
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{
			jwt.SigningMethodRS256.Alg(),
			jwt.SigningMethodRS384.Alg(),
			jwt.SigningMethodRS512.Alg(),
			jwt.SigningMethodES256.Alg(),
		}),
		jwt.WithoutClaimsValidation(),
	)
	verified, err := parser.Parse(raw, func(*jwt.Token) (any, error) {
		return key.Key, nil
	})
	if err != nil || !verified.Valid {
		return nil, ErrAuthRequired
	}

	return v.userContext(iss, claims), nil
}

// validateClaims fails fast on issuer, audience, and time-window violations
// before any key fetch happens.
func (v *Verifier) validateClaims(iss string, claims jwt.MapClaims) error {
	if iss == "" || !v.issuers[strings.TrimSuffix(iss, "/")] {
		return ErrAuthRequired
	}

	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil || !containsString(aud, v.audience) {
			return ErrAuthRequired
		}
	}

	now := v.now()

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return ErrAuthRequired
	}
	if exp.Before(now.Add(-v.skew)) {
		return ErrTokenExpired
	}

	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		if iat.After(now.Add(v.skew)) {
			return ErrAuthRequired
		}
	}
	if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil {
		if nbf.After(now.Add(v.skew)) {
			return ErrAuthRequired
		}
	}

	return nil
}

func (v *Verifier) userContext(iss string, claims jwt.MapClaims) *UserContext {
	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)

	roles := stringsAtClaimPath(claims, v.roleClaim)

	level := 0.0
	for _, role := range roles {
		if l, ok := v.roleLevels[role]; ok && l > level {
			level = l
		}
	}

	return &UserContext{
		Issuer:    iss,
		Subject:   sub,
		Email:     email,
		Name:      name,
		Roles:     roles,
		RoleLevel: level,
	}
}

// stringsAtClaimPath walks a dotted path into the claims map and returns the
// string values found there, dropping anything that is not a string.
func stringsAtClaimPath(claims map[string]any, path string) []string {
	var cur any = map[string]any(claims)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}

	raw, ok := cur.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
