package ratelimit

import (
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/siwes-logbook/internal/httpmw"
	"github.com/keithlinneman/siwes-logbook/internal/log"
	"github.com/keithlinneman/siwes-logbook/internal/otelx"
	"github.com/keithlinneman/siwes-logbook/internal/pathutil"
)

const (
	DefaultWindow   = 60 * time.Second
	DefaultLimit    = 100
	DefaultSweepP   = 0.01
	deniedMessage   = "Too many requests. Please try again later."
	degradedMessage = "Rate limiting is temporarily unavailable. Please try again later."
)

// DefaultExempt are path prefixes that are never counted.
var DefaultExempt = []string{"/api/health", "/api/status"}

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Status is a read-only view of one client's budget on one path.
type Status struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"-"`
}

// Limiter is the fixed-window rate limit guard.
type Limiter struct {
	store    Store
	window   time.Duration
	limit    int
	exempt   []string
	sweepP   float64
	keyFn    func(*http.Request) string
	now      func() time.Time
	roll     func() float64
	failOpen bool
	logger   log.Logger

	// OnDenied runs for every rejected request.
	OnDenied func(key string)
	// OnFirstDenied runs once per key and window, on the first rejection.
	OnFirstDenied func(key string)
	// OnError runs when the store fails.
	OnError func(err error)
	// OnSwept runs after an inline sweep with the number of removed entries.
	OnSwept func(n int)

	denyLog  rate.Sometimes
	errorLog rate.Sometimes
}

type Option func(*Limiter)

// WithStore replaces the default MemoryStore.
func WithStore(s Store) Option {
	return func(l *Limiter) { l.store = s }
}

// WithWindow sets the window length and the number of requests allowed in it.
func WithWindow(window time.Duration, limit int) Option {
	return func(l *Limiter) {
		if window > 0 {
			l.window = window
		}
		if limit > 0 {
			l.limit = limit
		}
	}
}

// WithExempt replaces the exempt path prefixes.
func WithExempt(prefixes ...string) Option {
	return func(l *Limiter) { l.exempt = prefixes }
}

// WithSweepProbability sets the chance that a request triggers an inline
// sweep of a store implementing Sweeper. 0 disables inline sweeps.
func WithSweepProbability(p float64) Option {
	return func(l *Limiter) { l.sweepP = p }
}

// WithKeyFunc replaces ClientID as the client identifier.
func WithKeyFunc(fn func(*http.Request) string) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.keyFn = fn
		}
	}
}

// WithClock sets the time source used for Retry-After and Status. It is
// handed to the default MemoryStore only: a store passed with WithStore keeps
// its own clock (NewMemoryStore's argument, WithRedisClock) and decides
// ResetAt with it, so give both the same clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithRandom sets the sweep dice, returning values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.roll = fn
		}
	}
}

// WithFailOpen decides what happens when the store errors: pass the request
// (true) or answer 503 (false).
func WithFailOpen(open bool) Option {
	return func(l *Limiter) { l.failOpen = open }
}

func WithLogger(lg log.Logger) Option {
	return func(l *Limiter) {
		if lg != nil {
			l.logger = lg
		}
	}
}

func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.OnDenied = fn }
}

func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.OnFirstDenied = fn }
}

func WithOnError(fn func(err error)) Option {
	return func(l *Limiter) { l.OnError = fn }
}

func WithOnSwept(fn func(n int)) Option {
	return func(l *Limiter) { l.OnSwept = fn }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		window:   DefaultWindow,
		limit:    DefaultLimit,
		exempt:   DefaultExempt,
		sweepP:   DefaultSweepP,
		keyFn:    ClientID,
		now:      time.Now,
		roll:     rand.Float64,
		failOpen: true,
		logger:   log.Nop(),
		denyLog:  rate.Sometimes{Interval: 10 * time.Second},
		errorLog: rate.Sometimes{Interval: 30 * time.Second},
	}
	for _, o := range opts {
		o(l)
	}
	if l.store == nil {
		l.store = NewMemoryStore(l.now)
	}
	return l
}

// Store returns the backing store.
func (l *Limiter) Store() Store { return l.store }

// Exempt reports whether path is never counted.
func (l *Limiter) Exempt(path string) bool {
	return pathutil.HasAnyPrefix(path, l.exempt)
}

// Key is the counter key for r on path.
func (l *Limiter) Key(r *http.Request, path string) string {
	return l.keyFn(r) + ":" + path
}

// Check is the guard. It counts the request and annotates prev with budget
// headers, or returns a 429 once the client is over the limit.
func (l *Limiter) Check(r *http.Request, prev *httpmw.Response) *httpmw.Response {
	if l.Exempt(r.URL.Path) {
		return prev
	}
	l.maybeSweep()

	ctx := r.Context()
	key := l.Key(r, r.URL.Path)
	e, err := l.store.Hit(ctx, key, l.window)
	if err != nil {
		if l.OnError != nil {
			l.OnError(err)
		}
		l.errorLog.Do(func() {
			l.logger.Error(ctx, err, "rate limit store failed", "fail_open", l.failOpen)
		})
		if l.failOpen {
			return prev
		}
		return httpmw.Reject(http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"error":   degradedMessage,
		})
	}

	now := l.now()
	remaining := max(0, l.limit-e.Count)
	reset := strconv.FormatInt(e.ResetAt.UnixMilli(), 10)

	if e.Count > l.limit {
		retry := retryAfter(now, e.ResetAt)
		l.denied(r, key, e.Count)

		resp := httpmw.Reject(http.StatusTooManyRequests, map[string]any{
			"success":    false,
			"error":      deniedMessage,
			"retryAfter": retry,
		})
		resp.Header.Set("Retry-After", strconv.Itoa(retry))
		resp.Header.Set(HeaderLimit, strconv.Itoa(l.limit))
		resp.Header.Set(HeaderRemaining, "0")
		resp.Header.Set(HeaderReset, reset)
		return resp
	}

	prev.Header.Set(HeaderLimit, strconv.Itoa(l.limit))
	prev.Header.Set(HeaderRemaining, strconv.Itoa(remaining))
	prev.Header.Set(HeaderReset, reset)
	return prev
}

// Recovered is Check with panics handled by the fail policy: pass the
// request when failing open, 503 otherwise.
func (l *Limiter) Recovered() httpmw.Guard {
	return httpmw.RecoverGuard(l.Check, func(r *http.Request, prev *httpmw.Response, p any) *httpmw.Response {
		ctx := r.Context()
		l.logger.Error(ctx, fmt.Errorf("panic: %v", p), "rate limit guard panicked", "fail_open", l.failOpen)
		if l.failOpen {
			return prev
		}
		return httpmw.Reject(http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"error":   degradedMessage,
		})
	})
}

// Middleware is the http.Handler form of Check.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return httpmw.Guarded(l.Recovered())(next)
}

// Status reports the caller's budget on path without counting a request.
func (l *Limiter) Status(r *http.Request, path string) (Status, error) {
	now := l.now()
	full := Status{Limit: l.limit, Remaining: l.limit, ResetAt: now.Add(l.window)}

	e, ok, err := l.store.Peek(r.Context(), l.Key(r, path))
	if err != nil {
		return Status{}, err
	}
	if !ok || e.Expired(now) {
		return full, nil
	}
	return Status{Limit: l.limit, Remaining: max(0, l.limit-e.Count), ResetAt: e.ResetAt}, nil
}

func (l *Limiter) maybeSweep() {
	if l.sweepP <= 0 {
		return
	}
	sw, ok := l.store.(Sweeper)
	if !ok || l.roll() >= l.sweepP {
		return
	}
	n := sw.Sweep()
	if l.OnSwept != nil {
		l.OnSwept(n)
	}
}

func (l *Limiter) denied(r *http.Request, key string, count int) {
	ctx := r.Context()
	otelx.Annotate(ctx, attribute.Bool("edge.ratelimit.denied", true))
	otelx.Event(ctx, "ratelimit.denied", attribute.Int("edge.ratelimit.count", count))
	if l.OnDenied != nil {
		l.OnDenied(key)
	}
	if count == l.limit+1 && l.OnFirstDenied != nil {
		l.OnFirstDenied(key)
	}
	l.denyLog.Do(func() {
		log.FromContext(ctx).Warn(ctx, "rate limit exceeded", "url.path", r.URL.Path, "limit", l.limit)
	})
}

// retryAfter is whole seconds until reset, rounded up, never below 1.
func retryAfter(now, resetAt time.Time) int {
	s := int(math.Ceil(resetAt.Sub(now).Seconds()))
	return max(1, s)
}
