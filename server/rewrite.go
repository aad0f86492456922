package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Rewriter re-homes one proxied origin's HTML under the router's own path
// namespace. Responses are transformed token-at-a-time in a single forward
// pass; the document is never buffered whole.
type Rewriter struct {
	origin      *url.URL
	hostnames   map[string]bool
	mountPrefix string
	bannerHTML  string
	shimScript  string
	logger      *slog.Logger
}

// urlAttrs names the attribute each rewritten element carries its URL in.
// Each visitor is stateless and idempotent; order relative to the others
// does not matter.
var urlAttrs = map[string]string{
	"a":      "href",
	"link":   "href",
	"script": "src",
	"img":    "src",
	"form":   "action",
}

const defaultBannerHTML = `<div class="edged-banner" style="height:48px;line-height:48px;text-align:center;background:#101828;color:#fff">Served via the builder network</div>`

// NewRewriter constructs the rewriter, or returns nil when no rewrite origin
// is configured.
func NewRewriter(cfg RewriteConfig, logger *slog.Logger) (*Rewriter, error) {
	if cfg.Origin == "" {
		return nil, nil
	}
	origin, err := parseOrigin(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("rewrite origin: %w", err)
	}

	hostnames := map[string]bool{strings.ToLower(origin.Hostname()): true}
	for _, h := range cfg.Hostnames {
		hostnames[strings.ToLower(h)] = true
	}

	banner := cfg.BannerHTML
	if banner == "" {
		banner = defaultBannerHTML
	}

	mount := strings.TrimSuffix(cfg.MountPrefix, "/")

	return &Rewriter{
		origin:      origin,
		hostnames:   hostnames,
		mountPrefix: mount,
		bannerHTML:  banner,
		shimScript:  buildShimScript(mount, cfg.APIHost, cfg.DevPort),
		logger:      logger,
	}, nil
}

// Applies reports whether resp should be rewritten: HTML content from the
// designated origin only.
func (rw *Rewriter) Applies(route *RouteEntry, resp *http.Response) bool {
	if rw == nil || route == nil {
		return false
	}
	if route.Origin.Host != rw.origin.Host {
		return false
	}
	ct := resp.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "text/html")
}

// AppliesToRoute reports whether route targets the rewritten origin at all,
// independent of any response.
func (rw *Rewriter) AppliesToRoute(route *RouteEntry) bool {
	return rw != nil && route != nil && route.Origin.Host == rw.origin.Host
}

// RewriteLocation maps a redirect target back into the router's namespace.
// Already-mounted locations come back unchanged, so the operation is
// idempotent. A bare "/" maps to the mount prefix itself (the landing loop
// guard) so a redirect from the deepest mount path to its own root lands on
// the canonical deep path instead of the router root.
func (rw *Rewriter) RewriteLocation(loc string) string {
	if rw == nil || loc == "" {
		return loc
	}

	u, err := url.Parse(loc)
	if err != nil {
		return loc
	}

	if u.Host != "" {
		if !rw.hostnames[strings.ToLower(u.Hostname())] {
			return loc
		}
		return rw.mountPath(u.Path, u.RawQuery)
	}

	if !strings.HasPrefix(u.Path, "/") {
		return loc
	}
	if u.Path == rw.mountPrefix || strings.HasPrefix(u.Path, rw.mountPrefix+"/") {
		return loc
	}
	return rw.mountPath(u.Path, u.RawQuery)
}

// IsMountRoot reports whether a rewritten location targets the mount root,
// the case where the router performs the redirect hop itself instead of
// bouncing the browser.
func (rw *Rewriter) IsMountRoot(loc string) bool {
	if rw == nil {
		return false
	}
	return loc == rw.mountPrefix || loc == rw.mountPrefix+"/"
}

func (rw *Rewriter) mountPath(path, query string) string {
	if path == "" || path == "/" {
		path = rw.mountPrefix
	} else {
		path = rw.mountPrefix + path
	}
	if query != "" {
		path += "?" + query
	}
	return path
}

// RewriteBody streams src to dst, rewriting URL attributes and injecting the
// shim script and banner. Single forward pass, constant memory.
func (rw *Rewriter) RewriteBody(dst io.Writer, src io.Reader) error {
	z := html.NewTokenizer(src)
	w := &errWriter{w: dst}

	var shimDone, bannerDone, bannerClosed bool

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return w.err
			}
			return z.Err()

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			rw.visitTag(&tok)
			w.WriteString(tok.String())

			switch tok.Data {
			case "head":
				if !shimDone {
					w.WriteString(rw.shimScript)
					shimDone = true
				}
			case "body":
				if !shimDone {
					w.WriteString(rw.shimScript)
					shimDone = true
				}
				if !bannerDone {
					w.WriteString(rw.bannerHTML)
					bannerDone = true
				}
			}

		case html.EndTagToken:
			tok := z.Token()
			if tok.Data == "body" && bannerDone && !bannerClosed {
				w.WriteString(rw.bannerHTML)
				bannerClosed = true
			}
			w.WriteString(tok.String())

		default:
			w.Write(z.Raw())
		}

		if w.err != nil {
			return w.err
		}
	}
}

// visitTag applies the per-tag visitor: URL attribute rewriting, plus the
// header offset for the injected banner.
func (rw *Rewriter) visitTag(tok *html.Token) {
	if attr, ok := urlAttrs[tok.Data]; ok {
		for i := range tok.Attr {
			if tok.Attr[i].Key == attr {
				tok.Attr[i].Val = rw.rewriteAttrURL(tok.Attr[i].Val)
			}
		}
	}

	if tok.Data == "header" {
		offsetHeader(tok)
	}
}

// rewriteAttrURL applies the location rules to element URLs, leaving scheme
// handlers and fragment-only links alone.
func (rw *Rewriter) rewriteAttrURL(val string) string {
	trimmed := strings.TrimSpace(val)
	lower := strings.ToLower(trimmed)
	if trimmed == "" ||
		strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "tel:") ||
		strings.HasPrefix(lower, "javascript:") ||
		strings.HasPrefix(trimmed, "#") {
		return val
	}
	return rw.RewriteLocation(trimmed)
}

// offsetHeader pushes a fixed page header down by the banner height.
func offsetHeader(tok *html.Token) {
	const offset = "margin-top:48px"
	for i := range tok.Attr {
		if tok.Attr[i].Key == "style" {
			style := strings.TrimSuffix(strings.TrimSpace(tok.Attr[i].Val), ";")
			if style == "" {
				tok.Attr[i].Val = offset
			} else {
				tok.Attr[i].Val = style + ";" + offset
			}
			return
		}
	}
	tok.Attr = append(tok.Attr, html.Attribute{Key: "style", Val: offset})
}

// WriteRewritten streams a rewritten HTML response to the client. The body
// length changes, so Content-Length is dropped in favour of chunked encoding.
func (rw *Rewriter) WriteRewritten(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	copyHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	w.Header().Del("Content-Security-Policy")
	w.WriteHeader(resp.StatusCode)
	if err := rw.RewriteBody(w, resp.Body); err != nil {
		rw.logger.Debug("body rewrite interrupted", "error", err)
	}
}

// buildShimScript produces the inline script that re-homes same-origin
// fetch/XHR/sendBeacon calls issued by the rewritten page. The page's own
// client code does not know it is served under a foreign prefix.
func buildShimScript(mountPrefix, apiHost string, devPort int) string {
	devBase := ""
	if devPort > 0 {
		devBase = fmt.Sprintf("http://localhost:%d", devPort)
	}
	return fmt.Sprintf(`<script>(function(){
var MOUNT=%q,API=%q,DEV=%q;
function rehome(u){
  try{
    if(typeof u!=="string")return u;
    var base=DEV&&location.hostname==="localhost"?DEV:"";
    if(API&&u.indexOf("https://"+API)===0)return base+MOUNT+u.slice(("https://"+API).length);
    if(u.charAt(0)==="/"&&u.indexOf(MOUNT)!==0&&u.indexOf("//")!==0)return base+MOUNT+u;
    return u;
  }catch(e){return u;}
}
var of=window.fetch;
window.fetch=function(u,o){return of.call(this,rehome(u),o);};
var oo=XMLHttpRequest.prototype.open;
XMLHttpRequest.prototype.open=function(m,u){arguments[1]=rehome(u);return oo.apply(this,arguments);};
if(navigator.sendBeacon){var ob=navigator.sendBeacon.bind(navigator);
navigator.sendBeacon=function(u,d){return ob(rehome(u),d);};}
})();</script>`, mountPrefix, apiHost, devBase)
}

type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) Write(p []byte) (int, error) {
	if ew.err != nil {
		return 0, ew.err
	}
	n, err := ew.w.Write(p)
	ew.err = err
	return n, err
}

func (ew *errWriter) WriteString(s string) {
	ew.Write([]byte(s))
}
