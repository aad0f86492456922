package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	sessionCookieName = "session"
	stateCookieName   = "oauth_state"
)

// SessionManager owns the browser login lifecycle: PKCE login redirect,
// OAuth callback, session introspection, and logout. Sessions are stateless;
// everything lives in the encrypted cookie.
type SessionManager struct {
	codec         *CookieCodec
	provider      IdentityProvider
	logger        *slog.Logger
	ttl           time.Duration
	secure        bool
	cookieDomain  string
	redirectHosts []string
	defaultReturn string
	now           func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, codec *CookieCodec, provider IdentityProvider, logger *slog.Logger) *SessionManager {
	defaultReturn := cfg.Auth.DefaultReturnTo
	if defaultReturn == "" {
		defaultReturn = "/"
	}

	return &SessionManager{
		codec:         codec,
		provider:      provider,
		logger:        logger,
		ttl:           cfg.SessionTTL(),
		secure:        !cfg.Server.DevMode,
		cookieDomain:  cfg.Server.CookieDomain,
		redirectHosts: cfg.Auth.RedirectHosts,
		defaultReturn: defaultReturn,
		now:           time.Now,
	}
}

// Session decrypts the session cookie if present. A missing cookie, a
// decrypt failure, and an expired session are all uniformly "not
// authenticated"; callers never learn which.
func (sm *SessionManager) Session(r *http.Request) *SessionPayload {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	var sess SessionPayload
	if !sm.codec.Decrypt(cookie.Value, &sess) {
		return nil
	}
	if sess.Expired(sm.now()) {
		return nil
	}
	return &sess
}

// HandleLogin begins the PKCE flow. The return path travels inside the
// encrypted state cookie; the state URL parameter carries only the nonce.
func (sm *SessionManager) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if sm.provider == nil {
		http.Error(w, "login not configured", http.StatusNotImplemented)
		return
	}

	nonce := randomToken()
	verifier := oauth2.GenerateVerifier()
	now := sm.now()

	state := StatePayload{
		Nonce:    nonce,
		Verifier: verifier,
		ReturnTo: r.URL.Query().Get("returnTo"),
		IssuedAt: now.Unix(),
		Expires:  now.Add(DefaultStateTTL).Unix(),
	}

	sealed, err := sm.codec.Encrypt(state)
	if err != nil {
		sm.logger.Error("state encrypt", "error", err)
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, sm.cookie(stateCookieName, sealed, int(DefaultStateTTL.Seconds())))
	http.Redirect(w, r, sm.provider.AuthCodeURL(nonce, nonce, verifier), http.StatusFound)
}

// HandleCallback consumes the state cookie, exchanges the code, fetches the
// user profile, and issues the session cookie.
func (sm *SessionManager) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if sm.provider == nil {
		http.Error(w, "login not configured", http.StatusNotImplemented)
		return
	}

	code := r.URL.Query().Get("code")
	stateParam := r.URL.Query().Get("state")

	cookie, err := r.Cookie(stateCookieName)
	if err != nil {
		http.Error(w, ErrInvalidState.Error(), http.StatusBadRequest)
		return
	}

	var state StatePayload
	if !sm.codec.Decrypt(cookie.Value, &state) {
		http.Error(w, ErrInvalidState.Error(), http.StatusBadRequest)
		return
	}
	if code == "" || stateParam == "" || stateParam != state.Nonce || state.Expires < sm.now().Unix() {
		http.Error(w, ErrInvalidState.Error(), http.StatusBadRequest)
		return
	}

	// State is single-use: clear it before talking to the provider.
	http.SetCookie(w, sm.cookie(stateCookieName, "", -1))

	token, err := sm.provider.Exchange(r.Context(), code, state.Verifier)
	if err != nil {
		sm.logger.Error("token exchange", "error", err)
		http.Error(w, ErrExchangeFailed.Error(), http.StatusInternalServerError)
		return
	}

	user, err := sm.provider.UserInfo(r.Context(), token)
	if err != nil {
		sm.logger.Error("userinfo fetch", "error", err)
		http.Error(w, ErrExchangeFailed.Error(), http.StatusInternalServerError)
		return
	}

	sess := SessionPayload{
		User:        user,
		AccessToken: token.AccessToken,
		ExpiresAt:   sm.now().Add(sm.ttl).Unix(),
	}
	sealed, err := sm.codec.Encrypt(sess)
	if err != nil {
		sm.logger.Error("session encrypt", "error", err)
		http.Error(w, "session failure", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, sm.cookie(sessionCookieName, sealed, int(sm.ttl.Seconds())))

	target := sm.SanitizeReturnTo(state.ReturnTo)
	if target == "" {
		target = sm.defaultReturn
	}
	sm.logger.Info("session issued", "sub", user.Subject, "return_to", target)
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleLogout expires the session cookie and redirects either through the
// provider's end-session endpoint or straight to the return path.
func (sm *SessionManager) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, sm.cookie(sessionCookieName, "", -1))

	target := sm.SanitizeReturnTo(r.URL.Query().Get("returnTo"))
	if target == "" {
		target = sm.defaultReturn
	}

	if sm.provider != nil {
		if end := sm.provider.EndSessionURL(target); end != "" {
			http.Redirect(w, r, end, http.StatusFound)
			return
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleMe reports session state without distinguishing why a session is
// absent.
func (sm *SessionManager) HandleMe(w http.ResponseWriter, r *http.Request) {
	sess := sm.Session(r)
	if sess == nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": sess.User})
}

// SanitizeReturnTo guards against open redirects. Same-origin paths pass
// through; absolute URLs are reduced to path+query when their host is on the
// allow-list, and rejected otherwise.
func (sm *SessionManager) SanitizeReturnTo(raw string) string {
	if raw == "" {
		return ""
	}

	if strings.HasPrefix(raw, "/") {
		if isLocalPath(raw) {
			return raw
		}
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	if !sm.hostAllowed(u.Hostname()) {
		return ""
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	if !isLocalPath(path) {
		return ""
	}
	return path
}

// isLocalPath reports whether raw is a rooted same-origin path. Protocol-
// relative ("//") and backslash variants are both excluded: browsers
// normalize "\" to "/" in URLs, so "/\host" reaches the client as the
// protocol-relative "//host".
func isLocalPath(raw string) bool {
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return false
	}
	return !strings.Contains(raw, "\\")
}

func (sm *SessionManager) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range sm.redirectHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (sm *SessionManager) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

func randomToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbacktoken"))
	}
	return hex.EncodeToString(buf)
}
