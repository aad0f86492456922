package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Hop-by-hop headers are meaningful for a single transport hop only and are
// stripped before forwarding, except on protocol upgrades.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"proxy-connection":    true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Forwarder builds and issues upstream requests. Bodies are streamed in both
// directions; nothing is buffered whole.
type Forwarder struct {
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewForwarder constructs a forwarder with a shared pooled transport.
// Redirects are never followed; 3xx responses belong to the caller.
func NewForwarder(logger *slog.Logger) *Forwarder {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Forwarder{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
		now:    time.Now,
	}
}

// BuildUpstreamRequest clones the inbound request toward target. For API
// routes the browser's cookies never cross the boundary; if a session is
// active its embedded access token is substituted as the bearer credential.
func (f *Forwarder) BuildUpstreamRequest(ctx context.Context, r *http.Request, target *url.URL, route *RouteEntry, sess *SessionPayload) (*http.Request, error) {
	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}

	upgrade := isUpgradeRequest(r)
	for key, values := range r.Header {
		if !upgrade && hopByHopHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			out.Header.Add(key, v)
		}
	}

	out.Host = target.Host
	out.Header.Set("X-Forwarded-Host", r.Host)
	out.Header.Set("X-Forwarded-Path", r.URL.Path)
	out.Header.Set("X-Forwarded-Proto", schemeFromRequest(r))
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}

	if route != nil && route.IsAPI {
		out.Header.Del("Cookie")
		if sess != nil && f.tokenUsable(sess.AccessToken) {
			out.Header.Set("Authorization", "Bearer "+sess.AccessToken)
		}
	}

	return out, nil
}

// RoundTrip issues the upstream call. The caller owns the response body.
func (f *Forwarder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Error("upstream call failed", "target", req.URL.String(), "error", err)
		return nil, ErrUpstream
	}
	return resp, nil
}

// CopyResponse streams the upstream response to the client, minus hop-by-hop
// headers.
func (f *Forwarder) CopyResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.logger.Debug("response copy interrupted", "error", err)
	}
}

// DrainBody consumes whatever is left of the inbound body. Idle unread
// streams leak connections, so every handler path ends here.
func DrainBody(r *http.Request) {
	if r.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r.Body)
	_ = r.Body.Close()
}

// tokenUsable peeks at the embedded access token's own exp without verifying
// the signature; an expired token is dropped rather than forwarded.
func (f *Forwarder) tokenUsable(token string) bool {
	if token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// Opaque (non-JWT) tokens are forwarded as-is.
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return exp.After(f.now())
}

func copyHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isUpgradeRequest(r *http.Request) bool {
	if !strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
		return false
	}
	return r.Header.Get("Upgrade") != ""
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
