package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded session and state defaults
const (
	DefaultSessionTTL       = 7 * 24 * time.Hour
	DefaultStateTTL         = 10 * time.Minute
	DefaultJWKSTTL          = 10 * time.Minute
	DefaultClockSkew        = 30 * time.Second
	DefaultConsoleCookieTTL = 365 * 24 * time.Hour
)

// DefaultRoleLevels maps role claims to numeric privilege levels. Unknown
// roles contribute nothing.
var DefaultRoleLevels = map[string]float64{
	"admin":      4,
	"editor":     3,
	"builder":    2,
	"member":     1,
	"restricted": 0.5,
}

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server        ServerConfig  `yaml:"server"`
	Auth          AuthConfig    `yaml:"auth"`
	Routes        []RouteConfig `yaml:"routes"`
	DefaultOrigin string        `yaml:"default_origin"`
	Console       ConsoleConfig `yaml:"console"`
	Rewrite       RewriteConfig `yaml:"rewrite"`
	Bearer        BearerConfig  `yaml:"bearer"`
	API           APIConfig     `yaml:"api"`
}

// ServerConfig controls listener, TLS, and cookie concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	CanonicalHost   string    `yaml:"canonical_host"`
	HostAliases     []string  `yaml:"host_aliases"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	CookieSecret    string    `yaml:"cookie_secret"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// AuthConfig describes the upstream OIDC identity provider and the
// browser-session flow built on it.
type AuthConfig struct {
	Issuer          string   `yaml:"issuer"`
	ClientID        string   `yaml:"client_id"`
	ClientSecret    string   `yaml:"client_secret"`
	Scopes          []string `yaml:"scopes"`
	EndSessionURL   string   `yaml:"end_session_url"`
	RedirectHosts   []string `yaml:"redirect_hosts"`
	DefaultReturnTo string   `yaml:"default_return_to"`
	SessionTTL      string   `yaml:"session_ttl"`
}

// RouteConfig maps a path prefix to an upstream origin.
type RouteConfig struct {
	Prefix       string `yaml:"prefix"`
	Origin       string `yaml:"origin"`
	StripPrefix  bool   `yaml:"strip_prefix"`
	PreserveRoot bool   `yaml:"preserve_root"`
	API          bool   `yaml:"api"`
}

// ConsoleConfig gates authenticated console paths.
type ConsoleConfig struct {
	Prefixes      []string `yaml:"prefixes"`
	AdminPrefixes []string `yaml:"admin_prefixes"`
	AdminGroups   []string `yaml:"admin_groups"`
	DefaultPath   string   `yaml:"default_path"`
}

// RewriteConfig identifies the origin whose HTML responses are rewritten
// into the router's namespace.
type RewriteConfig struct {
	Origin      string   `yaml:"origin"`
	Hostnames   []string `yaml:"hostnames"`
	MountPrefix string   `yaml:"mount_prefix"`
	APIHost     string   `yaml:"api_host"`
	DevPort     int      `yaml:"dev_port"`
	BannerHTML  string   `yaml:"banner_html"`
}

// BearerConfig controls bearer-token verification for the API surface.
type BearerConfig struct {
	Issuers    []string           `yaml:"issuers"`
	Audience   string             `yaml:"audience"`
	JWKSTTL    string             `yaml:"jwks_ttl"`
	RoleClaim  string             `yaml:"role_claim"`
	RoleLevels map[string]float64 `yaml:"role_levels"`
}

// APIConfig locates the API surface and its legacy origin.
type APIConfig struct {
	Prefix       string `yaml:"prefix"`
	LegacyOrigin string `yaml:"legacy_origin"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
		},
		Auth: AuthConfig{
			Scopes:          []string{"openid", "profile", "email"},
			DefaultReturnTo: "/",
			SessionTTL:      DefaultSessionTTL.String(),
		},
		Console: ConsoleConfig{
			DefaultPath: "/console",
		},
		Bearer: BearerConfig{
			JWKSTTL:    DefaultJWKSTTL.String(),
			RoleClaim:  "realm_access.roles",
			RoleLevels: DefaultRoleLevels,
		},
		API: APIConfig{
			Prefix: "/api",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"EDGED_SERVER_PUBLIC_URL":      func(v string) { cfg.Server.PublicURL = v },
		"EDGED_SERVER_CANONICAL_HOST":  func(v string) { cfg.Server.CanonicalHost = v },
		"EDGED_SERVER_DEV_LISTEN_ADDR": func(v string) { cfg.Server.DevListenAddr = v },
		"EDGED_SERVER_DEV_MODE":        func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"EDGED_SERVER_COOKIE_SECRET":   func(v string) { cfg.Server.CookieSecret = v },
		"EDGED_SERVER_COOKIE_DOMAIN":   func(v string) { cfg.Server.CookieDomain = v },
		"EDGED_AUTH_ISSUER":            func(v string) { cfg.Auth.Issuer = v },
		"EDGED_AUTH_CLIENT_ID":         func(v string) { cfg.Auth.ClientID = v },
		"EDGED_AUTH_CLIENT_SECRET":     func(v string) { cfg.Auth.ClientSecret = v },
		"EDGED_BEARER_AUDIENCE":        func(v string) { cfg.Bearer.Audience = v },
		"EDGED_API_LEGACY_ORIGIN":      func(v string) { cfg.API.LegacyOrigin = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL)
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if c.Server.CookieSecret == "" {
		slog.Error("Missing required configuration", "field", "server.cookie_secret")
		return errors.New("server.cookie_secret is required")
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	seen := make(map[string]bool, len(c.Routes))
	for i, route := range c.Routes {
		if route.Prefix == "" || !strings.HasPrefix(route.Prefix, "/") {
			slog.Error("Invalid route prefix", "index", i, "prefix", route.Prefix)
			return fmt.Errorf("routes[%d]: prefix must start with /", i)
		}
		if seen[route.Prefix] {
			slog.Error("Duplicate route prefix", "index", i, "prefix", route.Prefix)
			return fmt.Errorf("routes[%d]: duplicate prefix %s", i, route.Prefix)
		}
		seen[route.Prefix] = true
		if _, err := parseOrigin(route.Origin); err != nil {
			slog.Error("Invalid route origin", "index", i, "prefix", route.Prefix, "origin", route.Origin, "error", err)
			return fmt.Errorf("routes[%d] (%s): %w", i, route.Prefix, err)
		}
	}

	if c.DefaultOrigin != "" {
		if _, err := parseOrigin(c.DefaultOrigin); err != nil {
			slog.Error("Invalid default origin", "origin", c.DefaultOrigin, "error", err)
			return fmt.Errorf("default_origin: %w", err)
		}
	}

	if !c.Server.DevMode && c.Auth.Issuer == "" {
		slog.Error("Missing required configuration", "field", "auth.issuer")
		return errors.New("auth.issuer is required in production mode")
	}
	if c.Auth.Issuer != "" && c.Auth.ClientID == "" {
		slog.Error("Missing required configuration", "field", "auth.client_id")
		return errors.New("auth.client_id is required when auth.issuer is set")
	}

	if c.Rewrite.Origin != "" {
		if _, err := parseOrigin(c.Rewrite.Origin); err != nil {
			slog.Error("Invalid rewrite origin", "origin", c.Rewrite.Origin, "error", err)
			return fmt.Errorf("rewrite.origin: %w", err)
		}
		if c.Rewrite.MountPrefix == "" || !strings.HasPrefix(c.Rewrite.MountPrefix, "/") {
			slog.Error("Invalid rewrite mount prefix", "mount_prefix", c.Rewrite.MountPrefix)
			return errors.New("rewrite.mount_prefix must start with /")
		}
	}

	if c.API.LegacyOrigin != "" {
		if _, err := parseOrigin(c.API.LegacyOrigin); err != nil {
			slog.Error("Invalid legacy API origin", "origin", c.API.LegacyOrigin, "error", err)
			return fmt.Errorf("api.legacy_origin: %w", err)
		}
	}

	return nil
}

// SessionTTL returns the configured session lifetime.
func (c Config) SessionTTL() time.Duration {
	return parseDuration(c.Auth.SessionTTL, DefaultSessionTTL)
}

// JWKSTTL returns the configured JWKS cache lifetime.
func (c Config) JWKSTTL() time.Duration {
	return parseDuration(c.Bearer.JWKSTTL, DefaultJWKSTTL)
}

func parseOrigin(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("origin is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid origin URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin must be http or https, got: %s", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("origin missing host: %s", raw)
	}
	return u, nil
}
