package server

import (
	"net/url"
	"time"
)

// RouteEntry maps a path prefix to an upstream origin. Entries are built
// from configuration at startup and never mutated afterwards.
type RouteEntry struct {
	Prefix       string
	Origin       *url.URL
	StripPrefix  bool
	PreserveRoot bool
	IsAPI        bool
}

// StatePayload is the encrypted OAuth state carried through the login
// round-trip. It exists only between /auth/login and /auth/callback.
type StatePayload struct {
	Nonce    string `json:"nonce"`
	Verifier string `json:"verifier"`
	ReturnTo string `json:"return_to"`
	IssuedAt int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

// SessionUser identifies the authenticated browser user.
type SessionUser struct {
	Subject string   `json:"sub"`
	Email   string   `json:"email,omitempty"`
	Name    string   `json:"name,omitempty"`
	Groups  []string `json:"groups,omitempty"`
}

// SessionPayload is the encrypted long-lived session cookie. The embedded
// access token is forwarded to API origins on the user's behalf and is never
// visible to browser script.
type SessionPayload struct {
	User        SessionUser `json:"user"`
	AccessToken string      `json:"access_token"`
	ExpiresAt   int64       `json:"expires_at"`
}

// Expired reports whether the session has passed its expiry.
func (s *SessionPayload) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.Unix()
}

// UserContext is derived per-request from a validated bearer token. It is
// never cached across requests.
type UserContext struct {
	Issuer    string
	Subject   string
	Email     string
	Name      string
	Roles     []string
	RoleLevel float64
}

// Classification marks how an API request is served.
type Classification int

const (
	// ServeNative means a handler in this process owns the endpoint.
	ServeNative Classification = iota
	// ProxyLegacy means the request is forwarded to the legacy API origin.
	ProxyLegacy
)

func (c Classification) String() string {
	if c == ServeNative {
		return "native"
	}
	return "proxy_legacy"
}

// Meta is attached to every native and normalized legacy JSON response.
type Meta struct {
	RequestID           string `json:"request_id"`
	UpstreamStatus      int    `json:"upstream_status,omitempty"`
	UpstreamContentType string `json:"upstream_content_type,omitempty"`
	Page                int    `json:"page,omitempty"`
	PerPage             int    `json:"per_page,omitempty"`
	Total               int    `json:"total,omitempty"`
}

// Envelope is the uniform JSON response shape of the API surface.
type Envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
	Meta  Meta      `json:"meta"`
}

// APIError carries a machine-readable code and a human message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
