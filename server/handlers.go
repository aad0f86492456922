package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// The builder directory needs at least member standing.
const minDirectoryRoleLevel = 1

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Codec     *CookieCodec
	Sessions  *SessionManager
	Resolver  *Resolver
	Forwarder *Forwarder
	Rewriter  *Rewriter
	JWKS      *JWKSCache
	Verifier  *Verifier
	Strangler *Strangler
	Directory DirectoryStore
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	codec := NewCookieCodec(cfg.Server.CookieSecret)

	var provider IdentityProvider
	if cfg.Auth.Issuer != "" {
		p, err := NewOIDCProvider(ctx, cfg, logger)
		if err != nil {
			if !cfg.Server.DevMode {
				return nil, fmt.Errorf("init provider: %w", err)
			}
			logger.Warn("provider init failed", "issuer", cfg.Auth.Issuer, "error", err)
		} else {
			provider = p
		}
	}

	resolver, err := NewResolver(cfg)
	if err != nil {
		return nil, fmt.Errorf("init routes: %w", err)
	}

	rewriter, err := NewRewriter(cfg.Rewrite, logger)
	if err != nil {
		return nil, fmt.Errorf("init rewriter: %w", err)
	}

	forwarder := NewForwarder(logger)

	strangler, err := NewStrangler(cfg.API, forwarder, logger)
	if err != nil {
		return nil, fmt.Errorf("init legacy proxy: %w", err)
	}

	jwks := NewJWKSCache(cfg.JWKSTTL(), nil, logger)

	directory := NewMemoryDirectory(nil)
	if cfg.Server.DevMode {
		directory.Add(Company{ID: "acme", Name: "Acme Builders", Region: "northwest"})
		directory.Add(Company{ID: "meridian", Name: "Meridian Homes", Region: "southeast"})
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Codec:     codec,
		Sessions:  NewSessionManager(cfg, codec, provider, logger),
		Resolver:  resolver,
		Forwarder: forwarder,
		Rewriter:  rewriter,
		JWKS:      jwks,
		Verifier:  NewVerifier(cfg.Bearer, jwks),
		Strangler: strangler,
		Directory: directory,
	}, nil
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleProxy is the catch-all: console gating, route resolution, upstream
// forwarding, and optional response rewriting.
func (a *App) handleProxy(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)

	path := r.URL.Path
	sess := a.Sessions.Session(r)

	if a.Resolver.IsConsolePath(path) {
		if sess == nil {
			http.Redirect(w, r, "/auth/login?returnTo="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
			return
		}
		if a.Resolver.RequiresAdmin(path) && !a.Resolver.AdminAllowed(sess.User.Groups) {
			// The preference cookie is client-writable: only a rooted local
			// path that does not itself need admin can be bounced to.
			target := a.Resolver.ConsoleDefault()
			if c, err := r.Cookie(consoleCookieName); err == nil && isLocalPath(c.Value) && !a.Resolver.RequiresAdmin(c.Value) {
				target = c.Value
			}
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		a.rememberConsole(w, path)
	}

	route := a.Resolver.Match(path)
	if route == nil {
		route = a.Resolver.FallbackRoute(r.Header.Get("Referer"))
	}
	if route == nil {
		writeError(w, RequestIDFromContext(r.Context()), http.StatusNotFound, "not_found", ErrNoRoute.Error())
		return
	}

	target := a.Resolver.ResolveTarget(r.URL, route)
	req, err := a.Forwarder.BuildUpstreamRequest(r.Context(), r, target, route, sess)
	if err != nil {
		writeError(w, RequestIDFromContext(r.Context()), http.StatusBadGateway, "upstream_unreachable", "could not build upstream request")
		return
	}

	resp, err := a.Forwarder.RoundTrip(req)
	if err != nil {
		writeError(w, RequestIDFromContext(r.Context()), http.StatusBadGateway, "upstream_unreachable", "upstream request failed")
		return
	}

	a.writeUpstream(w, r, route, resp)
}

// writeUpstream relays an upstream response, applying redirect and body
// rewriting for the rewritten origin.
func (a *App) writeUpstream(w http.ResponseWriter, r *http.Request, route *RouteEntry, resp *http.Response) {
	if a.Rewriter.AppliesToRoute(route) && resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		rewritten := a.Rewriter.RewriteLocation(loc)

		if a.Rewriter.IsMountRoot(rewritten) {
			// Perform the hop ourselves instead of bouncing the browser
			// through a visible double-redirect.
			resp.Body.Close()
			hop, err := a.internalHop(r, route)
			if err != nil {
				writeError(w, RequestIDFromContext(r.Context()), http.StatusBadGateway, "upstream_unreachable", "upstream redirect hop failed")
				return
			}
			resp = hop
		} else if rewritten != loc {
			resp.Header.Set("Location", rewritten)
		}
	}

	if a.Rewriter.Applies(route, resp) {
		a.Rewriter.WriteRewritten(w, resp)
		return
	}
	a.Forwarder.CopyResponse(w, resp)
}

// internalHop re-fetches the rewritten origin's root once, following the
// redirect on the server side. The origin's own base path is the root, not
// the host root.
func (a *App) internalHop(r *http.Request, route *RouteEntry) (*http.Response, error) {
	target := *route.Origin
	if target.Path == "" {
		target.Path = "/"
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", r.Header.Get("Accept"))
	req.Header.Set("X-Forwarded-Host", r.Host)
	return a.Forwarder.RoundTrip(req)
}

func (a *App) rememberConsole(w http.ResponseWriter, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     consoleCookieName,
		Value:    path,
		Path:     "/",
		MaxAge:   int(DefaultConsoleCookieTTL.Seconds()),
		SameSite: http.SameSiteLaxMode,
	})
}

// handleAPI owns the API surface: classify, then serve natively or forward
// to the legacy origin.
func (a *App) handleAPI(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)

	requestID := RequestIDFromContext(r.Context())
	apiPath := strings.TrimPrefix(r.URL.Path, a.Config.API.Prefix)
	if apiPath == "" {
		apiPath = "/"
	}

	if Classify(r.Method, apiPath) == ProxyLegacy {
		if a.Strangler == nil {
			writeError(w, requestID, http.StatusNotFound, "not_found", "no handler for this endpoint")
			return
		}
		a.Strangler.ProxyLegacy(w, r, apiPath, a.Sessions.Session(r), requestID)
		return
	}

	a.serveNative(w, r, apiPath, requestID)
}

func (a *App) serveNative(w http.ResponseWriter, r *http.Request, apiPath, requestID string) {
	if apiPath == "/health" {
		writeJSON(w, http.StatusOK, Envelope{Data: map[string]string{"status": "ok"}, Meta: Meta{RequestID: requestID}})
		return
	}

	user, err := a.Verifier.Verify(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		a.writeAuthError(w, requestID, err)
		return
	}

	if strings.HasPrefix(apiPath, "/builders/") && user.RoleLevel < minDirectoryRoleLevel {
		a.writeAuthError(w, requestID, ErrForbidden)
		return
	}

	switch {
	case apiPath == "/guild/me":
		a.apiGuildMe(w, r, user, requestID)
	case apiPath == "/builders/companies":
		a.apiListCompanies(w, r, requestID)
	case strings.HasPrefix(apiPath, "/builders/companies/"):
		a.apiGetCompany(w, r, strings.TrimPrefix(apiPath, "/builders/companies/"), requestID)
	default:
		writeError(w, requestID, http.StatusNotFound, "not_found", "no handler for this endpoint")
	}
}

func (a *App) apiGuildMe(w http.ResponseWriter, r *http.Request, user *UserContext, requestID string) {
	writeJSON(w, http.StatusOK, Envelope{
		Data: map[string]any{
			"subject":    user.Subject,
			"email":      user.Email,
			"name":       user.Name,
			"roles":      user.Roles,
			"role_level": user.RoleLevel,
		},
		Meta: Meta{RequestID: requestID},
	})
}

func (a *App) apiListCompanies(w http.ResponseWriter, r *http.Request, requestID string) {
	page, perPage, err := parsePagination(r)
	if err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	rows, total, err := a.Directory.ListCompanies(r.Context(), page, perPage)
	if err != nil {
		a.Logger.Error("list companies", "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal", "directory query failed")
		return
	}

	writeJSON(w, http.StatusOK, Envelope{
		Data: rows,
		Meta: Meta{RequestID: requestID, Page: page, PerPage: perPage, Total: total},
	})
}

func (a *App) apiGetCompany(w http.ResponseWriter, r *http.Request, id, requestID string) {
	company, found, err := a.Directory.GetCompany(r.Context(), id)
	if err != nil {
		a.Logger.Error("get company", "id", id, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal", "directory query failed")
		return
	}
	if !found {
		writeError(w, requestID, http.StatusNotFound, "not_found", "company not found")
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: company, Meta: Meta{RequestID: requestID}})
}

// writeAuthError keeps auth failures indistinguishable except for the
// expired case, which carries the challenge clients key refresh logic off.
func (a *App) writeAuthError(w http.ResponseWriter, requestID string, err error) {
	if errors.Is(err, ErrForbidden) {
		writeError(w, requestID, http.StatusForbidden, "forbidden", ErrForbidden.Error())
		return
	}
	if errors.Is(err, ErrTokenExpired) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="Token expired"`)
		writeError(w, requestID, http.StatusUnauthorized, "token_expired", "token expired")
		return
	}
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, requestID, http.StatusUnauthorized, "auth_required", "authentication required")
}

func parsePagination(r *http.Request) (page, perPage int, err error) {
	page, perPage = 1, 20
	q := r.URL.Query()

	if raw := q.Get("page"); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil || page < 1 {
			return 0, 0, fmt.Errorf("%w: page must be a positive integer", ErrBadRequest)
		}
	}
	if raw := q.Get("per_page"); raw != "" {
		perPage, err = strconv.Atoi(raw)
		if err != nil || perPage < 1 || perPage > 100 {
			return 0, 0, fmt.Errorf("%w: per_page must be between 1 and 100", ErrBadRequest)
		}
	}
	return page, perPage, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, Envelope{
		Error: &APIError{Code: code, Message: message},
		Meta:  Meta{RequestID: requestID},
	})
}
