// Package session resolves the signed-in user for a request. Sessions are
// issued by the logbook application; this service only reads them.
package session

import (
	"context"
	"net/http"
)

// Role mirrors the logbook's user roles.
type Role string

const (
	RoleStudent            Role = "STUDENT"
	RoleIndustrySupervisor Role = "INDUSTRY_SUPERVISOR"
	RoleSchoolSupervisor   Role = "SCHOOL_SUPERVISOR"
	RoleAdmin              Role = "ADMIN"
)

type User struct {
	ID           string
	Role         Role
	MatricNumber string
}

// Session is the resolved session. A nil *Session, or one with a nil User,
// is unauthenticated.
type Session struct {
	User *User
}

// Authenticated reports whether s carries a user.
func (s *Session) Authenticated() bool { return s != nil && s.User != nil }

// Resolver looks up the session for a request. A request without a session
// returns nil, nil; errors are reserved for lookup failures.
type Resolver interface {
	Session(ctx context.Context, r *http.Request) (*Session, error)
}

type ResolverFunc func(ctx context.Context, r *http.Request) (*Session, error)

func (f ResolverFunc) Session(ctx context.Context, r *http.Request) (*Session, error) {
	return f(ctx, r)
}

// Anonymous never finds a session.
var Anonymous Resolver = ResolverFunc(func(context.Context, *http.Request) (*Session, error) {
	return nil, nil
})

type ctxKey struct{}

// WithSession stores s in ctx for handlers behind the edge router.
func WithSession(ctx context.Context, s *Session) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session resolved by the edge router, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}
