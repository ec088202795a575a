package sitehttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/keithlinneman/siwes-logbook/internal/httpmw"
	"github.com/keithlinneman/siwes-logbook/internal/log"
	"github.com/keithlinneman/siwes-logbook/internal/session"
	"github.com/keithlinneman/siwes-logbook/internal/xerrors"
)

// Identity headers set on proxied requests for signed-in users. Inbound
// copies are always removed so clients cannot forge them.
const (
	HeaderUserID   = "X-Siwes-User-Id"
	HeaderUserRole = "X-Siwes-User-Role"
	HeaderClientIP = "X-Real-Ip"
)

// Upstream is a reverse proxy to the logbook application.
type Upstream struct {
	target  *url.URL
	proxy   *httputil.ReverseProxy
	logger  log.Logger
	onError func()
}

type Option func(*Upstream)

// WithTransport replaces the proxy transport (tests, custom timeouts).
func WithTransport(rt http.RoundTripper) Option {
	return func(u *Upstream) { u.proxy.Transport = rt }
}

// WithFlushInterval sets how often streamed responses are flushed.
func WithFlushInterval(d time.Duration) Option {
	return func(u *Upstream) { u.proxy.FlushInterval = d }
}

// WithLogger sets the fallback logger used when a request carries none.
func WithLogger(l log.Logger) Option {
	return func(u *Upstream) { u.logger = l }
}

// WithOnError is called once per failed upstream round trip.
func WithOnError(fn func()) Option {
	return func(u *Upstream) { u.onError = fn }
}

// NewUpstream builds a proxy to rawURL, which must be an absolute http(s) URL.
func NewUpstream(rawURL string, opts ...Option) (*Upstream, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse upstream url %q", rawURL)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, xerrors.Newf("upstream url %q must be absolute http(s)", rawURL)
	}

	u := &Upstream{target: target, logger: log.Nop()}
	u.proxy = &httputil.ReverseProxy{
		Rewrite:        u.rewrite,
		ModifyResponse: modifyResponse,
		ErrorHandler:   u.fail,
	}
	for _, o := range opts {
		o(u)
	}
	return u, nil
}

// Target is the upstream base URL.
func (u *Upstream) Target() *url.URL { return u.target }

func (u *Upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.proxy.ServeHTTP(w, r)
}

func (u *Upstream) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(u.target)
	pr.Out.Host = pr.In.Host
	pr.SetXForwarded()

	h := pr.Out.Header
	h.Del(HeaderUserID)
	h.Del(HeaderUserRole)
	h.Del(HeaderClientIP)

	ctx := pr.In.Context()
	if ip := httpmw.ClientIPFromContext(ctx); ip != "" {
		h.Set(HeaderClientIP, ip)
	}
	if s := session.FromContext(ctx); s.Authenticated() {
		h.Set(HeaderUserID, s.User.ID)
		h.Set(HeaderUserRole, string(s.User.Role))
	}
}

func modifyResponse(resp *http.Response) error {
	resp.Header.Del("X-Powered-By")
	for _, h := range httpmw.SecurityHeaderNames {
		resp.Header.Del(h)
	}
	return nil
}

func (u *Upstream) fail(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if errors.Is(err, context.Canceled) {
		// client went away; nobody is left to answer
		return
	}
	if u.onError != nil {
		u.onError()
	}
	L := log.FromContext(ctx)
	if L == log.Nop() {
		L = u.logger
	}
	L.Error(ctx, xerrors.EnsureTrace(err), "upstream request failed", "upstream", u.target.Host)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   "upstream unavailable",
	})
}
