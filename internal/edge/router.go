// Package edge is the request-edge router: it decides which checks a request
// goes through before it reaches the logbook application.
//
// Static assets pass untouched. Everything else runs the rate limiter and
// then the CSRF guard; the first rejection is returned as-is. API requests
// continue from there and handle their own authentication. Page requests are
// matched against the visitor's session: signed-in users are sent away from
// the auth pages to the dashboard, anonymous users are sent from protected
// pages to the sign-in page.
package edge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/siwes-logbook/internal/csrf"
	"github.com/keithlinneman/siwes-logbook/internal/httpmw"
	"github.com/keithlinneman/siwes-logbook/internal/log"
	"github.com/keithlinneman/siwes-logbook/internal/otelx"
	"github.com/keithlinneman/siwes-logbook/internal/ratelimit"
	"github.com/keithlinneman/siwes-logbook/internal/session"
)

// AuthorizeFunc may reject a page request after authentication. Returning
// nil or a 200 response lets the request through.
type AuthorizeFunc func(r *http.Request, s *session.Session, prev *httpmw.Response) *httpmw.Response

type Router struct {
	policy         Policy
	limiter        *ratelimit.Limiter
	csrf           *csrf.Guard
	resolver       session.Resolver
	sessionTimeout time.Duration
	authorize      AuthorizeFunc

	// OnRedirect runs for every redirect with "dashboard" or "signin".
	OnRedirect func(target string)
	// OnSessionError runs when the resolver fails or panics.
	OnSessionError func()
}

type Option func(*Router)

func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(rt *Router) { rt.limiter = l }
}

func WithCSRF(g *csrf.Guard) Option {
	return func(rt *Router) { rt.csrf = g }
}

func WithResolver(r session.Resolver) Option {
	return func(rt *Router) {
		if r != nil {
			rt.resolver = r
		}
	}
}

// WithSessionTimeout bounds each session lookup. 0 disables the bound.
func WithSessionTimeout(d time.Duration) Option {
	return func(rt *Router) { rt.sessionTimeout = d }
}

func WithAuthorize(fn AuthorizeFunc) Option {
	return func(rt *Router) { rt.authorize = fn }
}

func WithOnRedirect(fn func(target string)) Option {
	return func(rt *Router) { rt.OnRedirect = fn }
}

func WithOnSessionError(fn func()) Option {
	return func(rt *Router) { rt.OnSessionError = fn }
}

func New(p Policy, opts ...Option) *Router {
	rt := &Router{
		policy:         p,
		resolver:       session.Anonymous,
		sessionTimeout: 2 * time.Second,
	}
	for _, o := range opts {
		o(rt)
	}
	return rt
}

func (rt *Router) Policy() Policy { return rt.policy }

func (rt *Router) guards() []httpmw.Guard {
	var gs []httpmw.Guard
	if rt.limiter != nil {
		gs = append(gs, rt.limiter.Recovered())
	}
	if rt.csrf != nil {
		gs = append(gs, rt.csrf.Recovered())
	}
	return gs
}

func (rt *Router) Middleware(next http.Handler) http.Handler {
	guards := rt.guards()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		class := rt.policy.Classify(path)
		otelx.Annotate(r.Context(), attribute.String("edge.class", class.String()))
		if class == ClassStatic {
			next.ServeHTTP(w, r)
			return
		}

		resp := httpmw.Compose(r, guards...)
		if !resp.Passed() {
			resp.Send(w)
			return
		}
		r = csrf.Attach(r, resp)
		canonical := Canonical(path)

		if rt.policy.IsAPI(canonical) {
			resp.ApplyHeaders(w)
			next.ServeHTTP(w, r)
			return
		}

		sess := rt.resolve(r)
		authed := sess.Authenticated()

		switch {
		case authed && rt.policy.IsAuthPage(canonical):
			rt.redirect(w, r, resp, "dashboard", rt.policy.DashboardPath)
			return
		case !authed && rt.policy.IsProtected(canonical):
			rt.redirect(w, r, resp, "signin", rt.policy.SignInPath)
			return
		}

		if rt.authorize != nil {
			if out := rt.authorize(r, sess, resp); out != nil && !out.Passed() {
				out.Send(w)
				return
			}
		}

		resp.ApplyHeaders(w)
		next.ServeHTTP(w, r.WithContext(session.WithSession(r.Context(), sess)))
	})
}

// resolve looks up the session. Failures and panics count as signed out.
func (rt *Router) resolve(r *http.Request) (s *session.Session) {
	ctx := r.Context()
	if rt.sessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.sessionTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			rt.sessionFailed(ctx, fmt.Errorf("panic: %v", p))
			s = nil
		}
	}()

	s, err := rt.resolver.Session(ctx, r)
	if err != nil {
		rt.sessionFailed(ctx, err)
		return nil
	}
	return s
}

func (rt *Router) sessionFailed(ctx context.Context, err error) {
	if rt.OnSessionError != nil {
		rt.OnSessionError()
	}
	log.FromContext(ctx).Error(ctx, err, "session lookup failed, treating request as signed out")
}

func (rt *Router) redirect(w http.ResponseWriter, r *http.Request, prev *httpmw.Response, target, location string) {
	if rt.OnRedirect != nil {
		rt.OnRedirect(target)
	}
	ctx := r.Context()
	log.FromContext(ctx).Debug(ctx, "edge redirect", "target", target, "url.path", r.URL.Path)
	httpmw.Redirect(prev, http.StatusTemporaryRedirect, location).Send(w)
}
