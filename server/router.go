package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router. Canonical-host redirection runs before
// everything else so gating and routing always see canonical semantics.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(a.canonicalHostMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Get("/healthz", a.handleHealthz)

	r.Get("/auth/login", a.Sessions.HandleLogin)
	r.Get("/auth/callback", a.Sessions.HandleCallback)
	r.Get("/auth/logout", a.Sessions.HandleLogout)
	r.Get("/auth/me", a.Sessions.HandleMe)

	r.Handle(a.Config.API.Prefix+"/*", http.HandlerFunc(a.handleAPI))

	r.NotFound(a.handleProxy)

	return r
}

func (a *App) canonicalHostMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if target, ok := a.Resolver.CanonicalRedirect(r.Host, r.URL.RequestURI()); ok {
			http.Redirect(w, r, target, http.StatusMovedPermanently)
			return
		}
		next.ServeHTTP(w, r)
	})
}
