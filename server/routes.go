package server

import (
	"fmt"
	"net/url"
	"strings"
)

const consoleCookieName = "last_console"

// Resolver owns the immutable route table and the canonical-host and
// console-gating rules. Built once at startup, read-only afterwards.
type Resolver struct {
	routes        []RouteEntry
	canonicalHost string
	hostAliases   map[string]bool
	defaultOrigin *url.URL
	console       ConsoleConfig
}

// NewResolver builds the resolver from configuration.
func NewResolver(cfg Config) (*Resolver, error) {
	routes := make([]RouteEntry, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		origin, err := parseOrigin(rc.Origin)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.Prefix, err)
		}
		routes = append(routes, RouteEntry{
			Prefix:       strings.TrimSuffix(rc.Prefix, "/"),
			Origin:       origin,
			StripPrefix:  rc.StripPrefix,
			PreserveRoot: rc.PreserveRoot,
			IsAPI:        rc.API,
		})
	}

	aliases := make(map[string]bool, len(cfg.Server.HostAliases))
	for _, alias := range cfg.Server.HostAliases {
		aliases[strings.ToLower(alias)] = true
	}

	var defaultOrigin *url.URL
	if cfg.DefaultOrigin != "" {
		origin, err := parseOrigin(cfg.DefaultOrigin)
		if err != nil {
			return nil, fmt.Errorf("default origin: %w", err)
		}
		defaultOrigin = origin
	}

	return &Resolver{
		routes:        routes,
		canonicalHost: strings.ToLower(cfg.Server.CanonicalHost),
		hostAliases:   aliases,
		defaultOrigin: defaultOrigin,
		console:       cfg.Console,
	}, nil
}

// CanonicalRedirect reports the canonical location for a request arriving on
// a host alias. This check runs before any routing or gating.
func (rs *Resolver) CanonicalRedirect(host, requestURI string) (string, bool) {
	if rs.canonicalHost == "" {
		return "", false
	}
	bare := strings.ToLower(strings.Split(host, ":")[0])
	if bare == rs.canonicalHost || !rs.hostAliases[bare] {
		return "", false
	}
	return "https://" + rs.canonicalHost + requestURI, true
}

// Match returns the first route whose prefix matches path, in table order.
func (rs *Resolver) Match(path string) *RouteEntry {
	for i := range rs.routes {
		route := &rs.routes[i]
		if path == route.Prefix || strings.HasPrefix(path, route.Prefix+"/") {
			return route
		}
	}
	return nil
}

// ResolveTarget computes the upstream URL for a matched route. Pure: the
// result depends only on the inbound URL and the route entry. The query
// string always passes through unmodified.
func (rs *Resolver) ResolveTarget(u *url.URL, route *RouteEntry) *url.URL {
	target := *route.Origin
	path := u.Path

	if route.StripPrefix {
		if route.PreserveRoot && (path == route.Prefix || path == route.Prefix+"/") {
			path = "/"
		} else {
			path = strings.TrimPrefix(path, route.Prefix)
			if path == "" {
				path = "/"
			}
		}
	}

	target.Path = strings.TrimSuffix(route.Origin.Path, "/") + path
	target.RawQuery = u.RawQuery
	return &target
}

// FallbackRoute picks an origin when no prefix matches. Sub-application
// assets are often requested with absolute root paths; the Referer tells us
// which namespace the request really belongs to.
func (rs *Resolver) FallbackRoute(referer string) *RouteEntry {
	if referer != "" {
		if ref, err := url.Parse(referer); err == nil {
			if route := rs.Match(ref.Path); route != nil && !route.IsAPI {
				return route
			}
		}
	}
	if rs.defaultOrigin == nil {
		return nil
	}
	return &RouteEntry{Prefix: "", Origin: rs.defaultOrigin}
}

// IsConsolePath reports whether path requires an active session.
func (rs *Resolver) IsConsolePath(path string) bool {
	return matchesAnyPrefix(path, rs.console.Prefixes)
}

// RequiresAdmin reports whether path additionally requires membership in an
// admin group.
func (rs *Resolver) RequiresAdmin(path string) bool {
	return matchesAnyPrefix(path, rs.console.AdminPrefixes)
}

// AdminAllowed reports whether any of the session's groups is a configured
// admin group.
func (rs *Resolver) AdminAllowed(groups []string) bool {
	for _, g := range groups {
		for _, admin := range rs.console.AdminGroups {
			if g == admin {
				return true
			}
		}
	}
	return false
}

// ConsoleDefault is where a user lands after a failed admin check.
func (rs *Resolver) ConsoleDefault() string {
	if rs.console.DefaultPath == "" {
		return "/"
	}
	return rs.console.DefaultPath
}

func matchesAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		prefix = strings.TrimSuffix(prefix, "/")
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
