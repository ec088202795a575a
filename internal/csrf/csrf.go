package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/siwes-logbook/internal/httpmw"
	"github.com/keithlinneman/siwes-logbook/internal/log"
	"github.com/keithlinneman/siwes-logbook/internal/otelx"
	"github.com/keithlinneman/siwes-logbook/internal/pathutil"
	"github.com/keithlinneman/siwes-logbook/internal/xerrors"
)

const (
	CookieName      = "csrf-token"
	HeaderName      = "X-CSRF-Token"
	DefaultLifetime = 15 * time.Minute
)

// DefaultExempt are path prefixes never validated: auth callbacks, inbound
// webhooks and the public API.
var DefaultExempt = []string{"/api/auth", "/api/webhooks", "/api/public"}

var messages = map[error]string{
	ErrTokenMissing:   "CSRF token missing. Please refresh the page and try again.",
	ErrTokenMalformed: "Invalid CSRF token format",
	ErrTokenExpired:   "CSRF token expired. Please refresh the page and try again.",
	ErrTokenMismatch:  "CSRF token mismatch",
}

// Guard validates and issues CSRF cookies.
type Guard struct {
	lifetime      time.Duration
	exempt        []string
	secure        bool
	requireHeader bool
	now           func() time.Time
	random        io.Reader
	logger        log.Logger

	// OnRejected runs for every rejected request with the Reason label.
	OnRejected func(reason string)
	// OnMinted runs each time a token is issued.
	OnMinted func()

	rejectLog rate.Sometimes
}

type Option func(*Guard)

func WithLifetime(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.lifetime = d
		}
	}
}

// WithExempt replaces the exempt path prefixes.
func WithExempt(prefixes ...string) Option {
	return func(g *Guard) { g.exempt = prefixes }
}

// WithSecureCookie marks issued cookies Secure. Turn on in production.
func WithSecureCookie(on bool) Option {
	return func(g *Guard) { g.secure = on }
}

// WithHeaderEcho additionally requires unsafe requests to repeat the cookie
// token in X-CSRF-Token.
func WithHeaderEcho(on bool) Option {
	return func(g *Guard) { g.requireHeader = on }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithRandom replaces crypto/rand as the token source.
func WithRandom(r io.Reader) Option {
	return func(g *Guard) {
		if r != nil {
			g.random = r
		}
	}
}

func WithLogger(l log.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithOnRejected(fn func(reason string)) Option {
	return func(g *Guard) { g.OnRejected = fn }
}

func WithOnMinted(fn func()) Option {
	return func(g *Guard) { g.OnMinted = fn }
}

func New(opts ...Option) *Guard {
	g := &Guard{
		lifetime:  DefaultLifetime,
		exempt:    DefaultExempt,
		now:       time.Now,
		random:    rand.Reader,
		logger:    log.Nop(),
		rejectLog: rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Exempt reports whether path skips validation.
func (g *Guard) Exempt(path string) bool {
	return pathutil.HasAnyPrefix(path, g.exempt)
}

func unsafeMethod(m string) bool {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	}
	return false
}

// Mint issues a fresh token expiring one lifetime from now.
func (g *Guard) Mint() (Token, error) {
	var b [tokenBytes]byte
	if _, err := io.ReadFull(g.random, b[:]); err != nil {
		return Token{}, xerrors.Wrap(err, "csrf: read random")
	}
	exp := g.now().Add(g.lifetime).UnixMilli()
	return Token{Value: hex.EncodeToString(b[:]), ExpiresAt: time.UnixMilli(exp)}, nil
}

// Cookie renders t as the CSRF cookie.
func (g *Guard) Cookie(t Token) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    t.Encode(),
		Path:     "/",
		MaxAge:   int(g.lifetime / time.Second),
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// verify returns the cookie token of r or the reason it is not acceptable.
func (g *Guard) verify(r *http.Request) (Token, error) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return Token{}, ErrTokenMissing
	}
	t, err := Parse(c.Value)
	if err != nil {
		return Token{}, err
	}
	if t.Expired(g.now()) {
		return Token{}, ErrTokenExpired
	}
	return t, nil
}

// Check is the guard. Unsafe requests on non-exempt paths must carry a valid
// cookie. A new cookie is issued on GET and whenever the request has none.
func (g *Guard) Check(r *http.Request, prev *httpmw.Response) *httpmw.Response {
	_, cookieErr := r.Cookie(CookieName)

	if unsafeMethod(r.Method) && !g.Exempt(r.URL.Path) {
		t, err := g.verify(r)
		if err == nil && g.requireHeader && !equal(r.Header.Get(HeaderName), t.Value) {
			err = ErrTokenMismatch
		}
		if err != nil {
			return g.reject(r, err)
		}
	}

	if r.Method == http.MethodGet || cookieErr != nil {
		t, err := g.Mint()
		if err != nil {
			ctx := r.Context()
			g.logger.Error(ctx, err, "csrf token mint failed")
			return httpmw.Reject(http.StatusInternalServerError, map[string]any{
				"success": false,
				"error":   "Unable to issue CSRF token",
			})
		}
		prev.SetCookie(g.Cookie(t))
		if g.OnMinted != nil {
			g.OnMinted()
		}
	}
	return prev
}

// Recovered is Check with panics turned into a 403.
func (g *Guard) Recovered() httpmw.Guard {
	return httpmw.RecoverGuard(g.Check, func(r *http.Request, _ *httpmw.Response, p any) *httpmw.Response {
		g.logger.Error(r.Context(), fmt.Errorf("panic: %v", p), "csrf guard panicked")
		return g.reject(r, ErrTokenMalformed)
	})
}

func (g *Guard) reject(r *http.Request, err error) *httpmw.Response {
	ctx := r.Context()
	reason := Reason(err)
	otelx.Annotate(ctx, attribute.String("edge.csrf.rejected", reason))
	otelx.Event(ctx, "csrf.rejected", attribute.String("edge.csrf.reason", reason))
	if g.OnRejected != nil {
		g.OnRejected(reason)
	}
	g.rejectLog.Do(func() {
		log.FromContext(ctx).Warn(ctx, "csrf validation failed", "reason", reason, "http.request.method", r.Method)
	})

	msg, ok := messages[err]
	if !ok {
		// wrapped Parse errors
		msg = messages[ErrTokenMalformed]
	}
	return httpmw.Reject(http.StatusForbidden, map[string]any{
		"success": false,
		"error":   msg,
	})
}

// Middleware is the http.Handler form of Check. A token minted for the
// request is also placed in the request context for TokenFromRequest.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	guard := g.Recovered()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := httpmw.Compose(r, guard)
		if !resp.Passed() {
			resp.Send(w)
			return
		}
		resp.ApplyHeaders(w)
		next.ServeHTTP(w, Attach(r, resp))
	})
}

// Attach returns r with the token minted into resp (if any) in its context.
func Attach(r *http.Request, resp *httpmw.Response) *http.Request {
	c, ok := resp.Cookie(CookieName)
	if !ok {
		return r
	}
	t, err := Parse(c.Value)
	if err != nil {
		return r
	}
	return r.WithContext(WithToken(r.Context(), t))
}

// TokenFromRequest returns the token the client should echo: the one minted
// for this request if any, otherwise the cookie token while it is valid.
func (g *Guard) TokenFromRequest(r *http.Request) (Token, bool) {
	if t, ok := tokenFromContext(r.Context()); ok {
		return t, true
	}
	t, err := g.verify(r)
	if err != nil {
		return Token{}, false
	}
	return t, true
}

// Validate reports whether r carries a valid, unexpired cookie whose token
// equals provided.
func (g *Guard) Validate(r *http.Request, provided string) bool {
	t, err := g.verify(r)
	if err != nil {
		return false
	}
	return equal(provided, t.Value)
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
