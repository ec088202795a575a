package csrf

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"time"

	"github.com/keithlinneman/siwes-logbook/internal/xerrors"
)

const tokenBytes = 32

var (
	ErrTokenMissing   = errors.New("csrf: token missing")
	ErrTokenMalformed = errors.New("csrf: token malformed")
	ErrTokenExpired   = errors.New("csrf: token expired")
	ErrTokenMismatch  = errors.New("csrf: token mismatch")
)

// Token is a minted CSRF token and its expiry (millisecond precision).
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether now is past the expiry. The expiry instant itself
// is still valid.
func (t Token) Expired(now time.Time) bool { return now.After(t.ExpiresAt) }

type wireToken struct {
	Token     *string `json:"token"`
	ExpiresAt *int64  `json:"expiresAt"`
}

// Encode renders t as a cookie value.
func (t Token) Encode() string {
	v, ms := t.Value, t.ExpiresAt.UnixMilli()
	b, _ := json.Marshal(wireToken{Token: &v, ExpiresAt: &ms})
	return url.QueryEscape(string(b))
}

// Parse decodes a cookie value. Anything other than exactly the two expected
// fields with a 64 char hex token and a positive expiry is ErrTokenMalformed.
func Parse(value string) (Token, error) {
	raw, err := url.QueryUnescape(value)
	if err != nil {
		return Token{}, xerrors.Wrap(ErrTokenMalformed, "unescape")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	var w wireToken
	if err := dec.Decode(&w); err != nil {
		return Token{}, xerrors.Wrapf(ErrTokenMalformed, "decode: %v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Token{}, xerrors.Wrap(ErrTokenMalformed, "trailing data")
	}
	if w.Token == nil || w.ExpiresAt == nil {
		return Token{}, xerrors.Wrap(ErrTokenMalformed, "missing field")
	}
	if len(*w.Token) != 2*tokenBytes {
		return Token{}, xerrors.Wrap(ErrTokenMalformed, "token length")
	}
	if _, err := hex.DecodeString(*w.Token); err != nil {
		return Token{}, xerrors.Wrap(ErrTokenMalformed, "token not hex")
	}
	if *w.ExpiresAt <= 0 {
		return Token{}, xerrors.Wrap(ErrTokenMalformed, "expiry not positive")
	}
	return Token{Value: *w.Token, ExpiresAt: time.UnixMilli(*w.ExpiresAt)}, nil
}

// Reason maps a validation error to a short metric label.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return "missing"
	case errors.Is(err, ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenMismatch):
		return "mismatch"
	}
	return "other"
}

type tokenKey struct{}

// WithToken stores the token minted for this request so handlers further down
// can hand it to the client before the browser has stored the cookie.
func WithToken(ctx context.Context, t Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, t)
}

func tokenFromContext(ctx context.Context) (Token, bool) {
	t, ok := ctx.Value(tokenKey{}).(Token)
	return t, ok
}
