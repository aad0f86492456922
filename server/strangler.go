package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// nativeEndpoints lists the method+pattern pairs served by this process.
// Everything else on the API surface still proxies to the legacy origin.
// Segments starting with ':' match any single path segment; there is no
// trailing-slash normalization, a pattern matches its exact shape only.
var nativeEndpoints = []struct {
	method  string
	pattern string
}{
	{http.MethodGet, "/health"},
	{http.MethodGet, "/guild/me"},
	{http.MethodGet, "/builders/companies"},
	{http.MethodGet, "/builders/companies/:id"},
}

// Classify decides whether an API request is served natively or forwarded to
// the legacy origin. Stateless; computed from the static table only.
func Classify(method, path string) Classification {
	segments := strings.Split(path, "/")
	for _, ep := range nativeEndpoints {
		if ep.method != method {
			continue
		}
		if matchSegments(segments, strings.Split(ep.pattern, "/")) {
			return ServeNative
		}
	}
	return ProxyLegacy
}

func matchSegments(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if strings.HasPrefix(want[i], ":") {
			if got[i] == "" {
				return false
			}
			continue
		}
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// Legacy response bodies are buffered up to this limit for normalization;
// anything beyond it is truncated into the error message.
const legacyBodyLimit = 1 << 20

const legacyErrorSnippet = 512

// Strangler forwards not-yet-migrated API calls to the legacy origin and
// normalizes whatever comes back into the {data, meta} envelope.
type Strangler struct {
	legacyOrigin *url.URL
	forwarder    *Forwarder
	logger       *slog.Logger
}

// Safe headers crossing into the legacy origin. Cookies, Host, and Origin
// never do: the legacy API must only ever see credentials the caller meant
// for it.
var legacySafeHeaders = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
	"Content-Type",
	"User-Agent",
	"X-Request-Id",
}

// NewStrangler constructs the legacy proxy, or returns nil when no legacy
// origin is configured.
func NewStrangler(cfg APIConfig, forwarder *Forwarder, logger *slog.Logger) (*Strangler, error) {
	if cfg.LegacyOrigin == "" {
		return nil, nil
	}
	origin, err := parseOrigin(cfg.LegacyOrigin)
	if err != nil {
		return nil, err
	}
	return &Strangler{legacyOrigin: origin, forwarder: forwarder, logger: logger}, nil
}

// ProxyLegacy forwards the request (already stripped of its API prefix) to
// the legacy origin and writes the normalized envelope.
func (s *Strangler) ProxyLegacy(w http.ResponseWriter, r *http.Request, apiPath string, sess *SessionPayload, requestID string) {
	target := *s.legacyOrigin
	target.Path = strings.TrimSuffix(s.legacyOrigin.Path, "/") + apiPath
	target.RawQuery = r.URL.RawQuery

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		writeError(w, requestID, http.StatusBadGateway, "legacy_unreachable", "legacy upstream request failed")
		return
	}

	for _, key := range legacySafeHeaders {
		if v := r.Header.Get(key); v != "" {
			out.Header.Set(key, v)
		}
	}
	out.Header.Set("X-Request-Id", requestID)
	if out.Header.Get("Authorization") == "" && sess != nil && s.forwarder.tokenUsable(sess.AccessToken) {
		out.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	}

	resp, err := s.forwarder.RoundTrip(out)
	if err != nil {
		writeError(w, requestID, http.StatusBadGateway, "legacy_unreachable", "legacy upstream request failed")
		return
	}
	defer resp.Body.Close()

	s.writeNormalized(w, resp, requestID)
}

// writeNormalized folds the legacy response into the envelope shape: JSON
// with a data field gets metadata merged in, bare JSON gets wrapped, and
// non-JSON becomes an error envelope carrying a body snippet.
func (s *Strangler) writeNormalized(w http.ResponseWriter, resp *http.Response, requestID string) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, legacyBodyLimit))
	if err != nil {
		writeError(w, requestID, http.StatusBadGateway, "legacy_unreachable", "legacy upstream read failed")
		return
	}

	meta := Meta{RequestID: requestID, UpstreamStatus: resp.StatusCode}
	contentType := resp.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "application/json") {
		var parsed map[string]any
		if json.Unmarshal(raw, &parsed) == nil {
			var payload map[string]any
			if _, ok := parsed["data"]; ok {
				payload = parsed
			} else {
				payload = map[string]any{"data": parsed}
			}
			payload["meta"] = mergeMeta(parsed["meta"], meta)
			writeJSON(w, resp.StatusCode, payload)
			return
		}
	}

	snippet := string(raw)
	if len(snippet) > legacyErrorSnippet {
		snippet = snippet[:legacyErrorSnippet]
	}
	meta.UpstreamContentType = contentType
	writeJSON(w, resp.StatusCode, Envelope{
		Error: &APIError{Code: "legacy_unexpected_response", Message: snippet},
		Meta:  meta,
	})
}

// mergeMeta layers the router's metadata over whatever meta object the
// legacy payload already carried.
func mergeMeta(existing any, meta Meta) map[string]any {
	out := map[string]any{}
	if m, ok := existing.(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	out["request_id"] = meta.RequestID
	out["upstream_status"] = meta.UpstreamStatus
	return out
}
