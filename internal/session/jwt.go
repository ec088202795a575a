package session

import (
	"context"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/keithlinneman/siwes-logbook/internal/log"
	"github.com/keithlinneman/siwes-logbook/internal/xerrors"
)

const DefaultCookieName = "session-token"

// JWTResolver reads an HS256-signed JWT from the session cookie. Tokens that
// fail verification are treated as no session, not as errors: a stale or
// tampered cookie just means the visitor is signed out.
type JWTResolver struct {
	cookie string
	secret []byte
	now    func() time.Time
	skew   time.Duration
	logger log.Logger
}

type JWTOption func(*JWTResolver)

func WithCookieName(name string) JWTOption {
	return func(j *JWTResolver) {
		if name != "" {
			j.cookie = name
		}
	}
}

func WithClock(now func() time.Time) JWTOption {
	return func(j *JWTResolver) {
		if now != nil {
			j.now = now
		}
	}
}

// WithSkew tolerates clock drift on exp and nbf.
func WithSkew(d time.Duration) JWTOption {
	return func(j *JWTResolver) { j.skew = d }
}

func WithLogger(l log.Logger) JWTOption {
	return func(j *JWTResolver) {
		if l != nil {
			j.logger = l
		}
	}
}

func NewJWTResolver(secret []byte, opts ...JWTOption) (*JWTResolver, error) {
	if len(secret) < 32 {
		return nil, xerrors.New("session: secret must be at least 32 bytes")
	}
	j := &JWTResolver{
		cookie: DefaultCookieName,
		secret: secret,
		now:    time.Now,
		skew:   30 * time.Second,
		logger: log.Nop(),
	}
	for _, o := range opts {
		o(j)
	}
	return j, nil
}

func (j *JWTResolver) Session(ctx context.Context, r *http.Request) (*Session, error) {
	c, err := r.Cookie(j.cookie)
	if err != nil || c.Value == "" {
		return nil, nil
	}

	tok, err := jwt.Parse([]byte(c.Value),
		jwt.WithKey(jwa.HS256, j.secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(j.now)),
		jwt.WithAcceptableSkew(j.skew),
		jwt.WithRequiredClaim(jwt.SubjectKey),
	)
	if err != nil {
		j.logger.Debug(ctx, "session token rejected", "err", err.Error())
		return nil, nil
	}

	u := &User{ID: tok.Subject()}
	if v, ok := tok.Get("role"); ok {
		if s, ok := v.(string); ok {
			u.Role = Role(s)
		}
	}
	if v, ok := tok.Get("matricNumber"); ok {
		if s, ok := v.(string); ok {
			u.MatricNumber = s
		}
	}
	return &Session{User: u}, nil
}

// Sign issues a session token for u valid for ttl. The logbook application
// normally issues sessions; this exists for tooling and tests.
func (j *JWTResolver) Sign(u User, ttl time.Duration) (string, error) {
	now := j.now()
	tok, err := jwt.NewBuilder().
		Subject(u.ID).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Claim("role", string(u.Role)).
		Build()
	if err != nil {
		return "", xerrors.Wrap(err, "session: build token")
	}
	if u.MatricNumber != "" {
		if err := tok.Set("matricNumber", u.MatricNumber); err != nil {
			return "", xerrors.Wrap(err, "session: set claim")
		}
	}
	b, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", xerrors.Wrap(err, "session: sign token")
	}
	return string(b), nil
}
