package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// IdentityProvider is the minimal behaviour the session flow needs from the
// upstream IdP.
type IdentityProvider interface {
	AuthCodeURL(state, nonce, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
	UserInfo(ctx context.Context, token *oauth2.Token) (SessionUser, error)
	EndSessionURL(postLogout string) string
}

// OIDCProvider wraps the configured upstream IdP, resolved via discovery.
type OIDCProvider struct {
	oauthConfig   *oauth2.Config
	provider      *oidc.Provider
	endSessionURL string
	logger        *slog.Logger
}

// NewOIDCProvider initializes the provider via OIDC discovery.
func NewOIDCProvider(ctx context.Context, cfg Config, logger *slog.Logger) (*OIDCProvider, error) {
	if cfg.Auth.Issuer == "" {
		return nil, fmt.Errorf("issuer required")
	}

	op, err := oidc.NewProvider(ctx, cfg.Auth.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider: %w", err)
	}

	endpoint := op.Endpoint()
	if cfg.Auth.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := cfg.Auth.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	redirect := strings.TrimSuffix(cfg.Server.PublicURL, "/") + "/auth/callback"
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		RedirectURL:  redirect,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}

	return &OIDCProvider{
		oauthConfig:   oauthCfg,
		provider:      op,
		endSessionURL: cfg.Auth.EndSessionURL,
		logger:        logger,
	}, nil
}

// AuthCodeURL constructs the authorization request with a PKCE S256
// challenge derived from verifier.
func (p *OIDCProvider) AuthCodeURL(state, nonce, verifier string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
	}
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	return p.oauthConfig.AuthCodeURL(state, opts...)
}

// Exchange completes the code exchange, presenting the PKCE verifier.
func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	tok, err := p.oauthConfig.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// UserInfo fetches the user profile with the exchanged access token and
// normalizes it into a SessionUser.
func (p *OIDCProvider) UserInfo(ctx context.Context, token *oauth2.Token) (SessionUser, error) {
	info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return SessionUser{}, fmt.Errorf("fetch userinfo: %w", err)
	}

	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return SessionUser{}, fmt.Errorf("parse userinfo claims: %w", err)
	}

	user := SessionUser{Subject: info.Subject, Email: info.Email}
	if name, ok := claims["name"].(string); ok {
		user.Name = name
	} else if preferred, ok := claims["preferred_username"].(string); ok {
		user.Name = preferred
	}
	if raw, ok := claims["groups"].([]any); ok {
		for _, g := range raw {
			if s, ok := g.(string); ok {
				user.Groups = append(user.Groups, s)
			}
		}
	}

	return user, nil
}

// EndSessionURL builds the provider logout URL carrying the post-logout
// redirect, or returns "" when the provider has no end-session endpoint.
func (p *OIDCProvider) EndSessionURL(postLogout string) string {
	if p.endSessionURL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(p.endSessionURL, "?") {
		sep = "&"
	}
	return p.endSessionURL + sep + "post_logout_redirect_uri=" + url.QueryEscape(postLogout)
}
