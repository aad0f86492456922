package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider implements IdentityProvider for callback tests.
type fakeProvider struct {
	exchangeErr  error
	userInfoErr  error
	user         SessionUser
	endSession   string
	seenVerifier string
	seenCode     string
}

func (p *fakeProvider) AuthCodeURL(state, nonce, verifier string) string {
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state) + "&nonce=" + url.QueryEscape(nonce)
}

func (p *fakeProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	p.seenCode = code
	p.seenVerifier = verifier
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return &oauth2.Token{AccessToken: "at-granted"}, nil
}

func (p *fakeProvider) UserInfo(ctx context.Context, token *oauth2.Token) (SessionUser, error) {
	if p.userInfoErr != nil {
		return SessionUser{}, p.userInfoErr
	}
	return p.user, nil
}

func (p *fakeProvider) EndSessionURL(postLogout string) string {
	if p.endSession == "" {
		return ""
	}
	return p.endSession + "?post_logout_redirect_uri=" + url.QueryEscape(postLogout)
}

func testSessionManager(t *testing.T, provider IdentityProvider) *SessionManager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.CookieSecret = "test-secret"
	cfg.Auth.RedirectHosts = []string{"own-domain.com"}
	return NewSessionManager(cfg, NewCookieCodec(cfg.Server.CookieSecret), provider, discardLogger())
}

func findCookie(t *testing.T, resp *http.Response, name string) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestSessionAbsentUniformly(t *testing.T) {
	sm := testSessionManager(t, nil)

	// No cookie at all.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if sm.Session(r) != nil {
		t.Fatalf("expected nil session without cookie")
	}

	// Undecryptable cookie.
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "garbage"})
	if sm.Session(r) != nil {
		t.Fatalf("expected nil session for bad ciphertext")
	}

	// Valid ciphertext, expired payload.
	sealed, err := sm.codec.Encrypt(SessionPayload{
		User:      SessionUser{Subject: "u1"},
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sealed})
	if sm.Session(r) != nil {
		t.Fatalf("expected nil session for expired payload")
	}
}

func TestHandleLoginIssuesStateCookie(t *testing.T) {
	provider := &fakeProvider{}
	sm := testSessionManager(t, provider)

	rec := httptest.NewRecorder()
	sm.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "/auth/login?returnTo=/console", nil))
	resp := rec.Result()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "https://idp.example.com/authorize?") {
		t.Fatalf("unexpected redirect %q", loc)
	}

	stateCookie := findCookie(t, resp, stateCookieName)
	if stateCookie == nil {
		t.Fatalf("state cookie not set")
	}
	if !stateCookie.HttpOnly {
		t.Fatalf("state cookie must be HttpOnly")
	}

	var state StatePayload
	if !sm.codec.Decrypt(stateCookie.Value, &state) {
		t.Fatalf("state cookie not decryptable")
	}
	if state.ReturnTo != "/console" {
		t.Fatalf("return path not carried in state: %+v", state)
	}
	if state.Nonce == "" || state.Verifier == "" {
		t.Fatalf("state missing nonce or verifier: %+v", state)
	}
	// The URL carries only the nonce, never the verifier or return path.
	parsed, _ := url.Parse(loc)
	if parsed.Query().Get("state") != state.Nonce {
		t.Fatalf("state param %q != nonce %q", parsed.Query().Get("state"), state.Nonce)
	}
	if strings.Contains(loc, state.Verifier) {
		t.Fatalf("verifier leaked into redirect URL")
	}
}

func loginThenCallback(t *testing.T, sm *SessionManager, mangle func(q url.Values, state *StatePayload, cookieVal *string)) *http.Response {
	t.Helper()

	rec := httptest.NewRecorder()
	sm.HandleLogin(rec, httptest.NewRequest(http.MethodGet, "/auth/login?returnTo=/console", nil))
	stateCookie := findCookie(t, rec.Result(), stateCookieName)
	if stateCookie == nil {
		t.Fatalf("no state cookie from login")
	}

	var state StatePayload
	if !sm.codec.Decrypt(stateCookie.Value, &state) {
		t.Fatalf("state cookie not decryptable")
	}

	q := url.Values{}
	q.Set("code", "auth-code-1")
	q.Set("state", state.Nonce)
	cookieVal := stateCookie.Value
	if mangle != nil {
		mangle(q, &state, &cookieVal)
	}

	r := httptest.NewRequest(http.MethodGet, "/auth/callback?"+q.Encode(), nil)
	if cookieVal != "" {
		r.AddCookie(&http.Cookie{Name: stateCookieName, Value: cookieVal})
	}
	rec = httptest.NewRecorder()
	sm.HandleCallback(rec, r)
	return rec.Result()
}

func TestHandleCallbackSuccess(t *testing.T) {
	provider := &fakeProvider{user: SessionUser{Subject: "u1", Email: "u1@example.com", Groups: []string{"ops"}}}
	sm := testSessionManager(t, provider)

	resp := loginThenCallback(t, sm, nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/console" {
		t.Fatalf("redirect = %q, want /console", loc)
	}
	if provider.seenCode != "auth-code-1" {
		t.Fatalf("exchange saw code %q", provider.seenCode)
	}
	if provider.seenVerifier == "" {
		t.Fatalf("exchange did not receive the PKCE verifier")
	}

	// Session issued, state cleared.
	sessCookie := findCookie(t, resp, sessionCookieName)
	if sessCookie == nil {
		t.Fatalf("session cookie not set")
	}
	var sess SessionPayload
	if !sm.codec.Decrypt(sessCookie.Value, &sess) {
		t.Fatalf("session cookie not decryptable")
	}
	if sess.User.Subject != "u1" || sess.AccessToken != "at-granted" {
		t.Fatalf("unexpected session %+v", sess)
	}
	cleared := findCookie(t, resp, stateCookieName)
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Fatalf("state cookie not cleared on callback")
	}
}

func TestHandleCallbackRejections(t *testing.T) {
	cases := []struct {
		name   string
		mangle func(q url.Values, state *StatePayload, cookieVal *string)
	}{
		{"missing code", func(q url.Values, _ *StatePayload, _ *string) { q.Del("code") }},
		{"missing state param", func(q url.Values, _ *StatePayload, _ *string) { q.Del("state") }},
		{"state mismatch", func(q url.Values, _ *StatePayload, _ *string) { q.Set("state", "not-the-nonce") }},
		{"missing state cookie", func(_ url.Values, _ *StatePayload, cookieVal *string) { *cookieVal = "" }},
		{"undecryptable state cookie", func(_ url.Values, _ *StatePayload, cookieVal *string) { *cookieVal = "junk" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := &fakeProvider{}
			sm := testSessionManager(t, provider)
			resp := loginThenCallback(t, sm, tc.mangle)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if findCookie(t, resp, sessionCookieName) != nil {
				t.Fatalf("session cookie must not be issued")
			}
		})
	}
}

func TestHandleCallbackExpiredState(t *testing.T) {
	provider := &fakeProvider{}
	sm := testSessionManager(t, provider)
	sm.now = func() time.Time { return time.Now().Add(DefaultStateTTL + time.Minute) }

	// Seal a state that was issued "in the past" relative to sm.now.
	past := time.Now()
	sealed, _ := sm.codec.Encrypt(StatePayload{
		Nonce:    "n1",
		Verifier: "v1",
		IssuedAt: past.Unix(),
		Expires:  past.Add(DefaultStateTTL).Unix(),
	})

	r := httptest.NewRequest(http.MethodGet, "/auth/callback?code=c&state=n1", nil)
	r.AddCookie(&http.Cookie{Name: stateCookieName, Value: sealed})
	rec := httptest.NewRecorder()
	sm.HandleCallback(rec, r)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for expired state", rec.Code)
	}
}

func TestHandleCallbackExchangeFailure(t *testing.T) {
	provider := &fakeProvider{exchangeErr: fmt.Errorf("idp says no")}
	sm := testSessionManager(t, provider)
	resp := loginThenCallback(t, sm, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestHandleLogout(t *testing.T) {
	provider := &fakeProvider{endSession: "https://idp.example.com/logout"}
	sm := testSessionManager(t, provider)

	rec := httptest.NewRecorder()
	sm.HandleLogout(rec, httptest.NewRequest(http.MethodGet, "/auth/logout?returnTo=/bye", nil))
	resp := rec.Result()

	cleared := findCookie(t, resp, sessionCookieName)
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Fatalf("session cookie not cleared")
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "https://idp.example.com/logout?") || !strings.Contains(loc, url.QueryEscape("/bye")) {
		t.Fatalf("logout redirect = %q", loc)
	}
}

func TestIsLocalPath(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"/", true},
		{"/console/reports", true},
		{"/x?y=1", true},
		{"", false},
		{"relative/path", false},
		{"//evil.example", false},
		{`/\evil.example`, false},
		{`/ok\evil.example`, false},
		{"https://evil.example/x", false},
	}
	for _, tc := range cases {
		if got := isLocalPath(tc.in); got != tc.want {
			t.Errorf("isLocalPath(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestHandleLogoutRejectsBackslashReturn(t *testing.T) {
	sm := testSessionManager(t, nil)

	// Browsers fold "\" into "/", so "/\evil.example" would leave the origin
	// as "//evil.example". The redirect must fall back to the default.
	rec := httptest.NewRecorder()
	sm.HandleLogout(rec, httptest.NewRequest(http.MethodGet, "/auth/logout?returnTo=%2F%5Cevil.example", nil))
	resp := rec.Result()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Fatalf("Location = %q, want default /", loc)
	}
}

func TestHandleMe(t *testing.T) {
	sm := testSessionManager(t, nil)

	rec := httptest.NewRecorder()
	sm.HandleMe(rec, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["authenticated"] != false {
		t.Fatalf("expected authenticated=false, got %v", body)
	}

	sealed, _ := sm.codec.Encrypt(SessionPayload{
		User:      SessionUser{Subject: "u1", Email: "u1@example.com"},
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: sealed})
	rec = httptest.NewRecorder()
	sm.HandleMe(rec, r)
	body = nil
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["authenticated"] != true {
		t.Fatalf("expected authenticated=true, got %v", body)
	}
	user, _ := body["user"].(map[string]any)
	if user["sub"] != "u1" {
		t.Fatalf("user payload = %v", body["user"])
	}
}

func TestSanitizeReturnTo(t *testing.T) {
	sm := testSessionManager(t, nil)

	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/dashboard", "/dashboard"},
		{"/dashboard?tab=2", "/dashboard?tab=2"},
		{"//evil.example", ""},
		{`/\evil.example`, ""},
		{`/\\evil.example`, ""},
		{`/dash\board`, ""},
		{`\evil.example`, ""},
		{"https://evil.example/phish", ""},
		{`https://own-domain.com/\evil.example`, ""},
		{"https://own-domain.com/x?y=1", "/x?y=1"},
		{"https://sub.own-domain.com/x?y=1", "/x?y=1"},
		{"https://own-domain.com", "/"},
		{"https://notown-domain.com/x", ""},
		{"javascript:alert(1)", ""},
	}
	for _, tc := range cases {
		if got := sm.SanitizeReturnTo(tc.in); got != tc.want {
			t.Errorf("SanitizeReturnTo(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
