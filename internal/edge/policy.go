package edge

import (
	"path"
	"slices"
	"strings"

	"github.com/keithlinneman/siwes-logbook/internal/csrf"
	"github.com/keithlinneman/siwes-logbook/internal/pathutil"
	"github.com/keithlinneman/siwes-logbook/internal/ratelimit"
)

// Class is the routing category of a request path.
type Class int

const (
	ClassStatic Class = iota
	ClassRateLimitExempt
	ClassCSRFExempt
	ClassAPI
	ClassProtected
	ClassPublic
)

func (c Class) String() string {
	switch c {
	case ClassStatic:
		return "static"
	case ClassRateLimitExempt:
		return "ratelimit_exempt"
	case ClassCSRFExempt:
		return "csrf_exempt"
	case ClassAPI:
		return "api"
	case ClassProtected:
		return "protected"
	case ClassPublic:
		return "public"
	}
	return "unknown"
}

// Policy is the path configuration of the edge router.
type Policy struct {
	StaticPrefixes    []string
	StaticExtensions  []string
	RateLimitExempt   []string
	CSRFExempt        []string
	APIPrefix         string
	AuthPrefix        string
	ProtectedPrefixes []string
	DashboardPath     string
	SignInPath        string
}

func DefaultPolicy() Policy {
	return Policy{
		StaticPrefixes:    []string{"/_next/", "/static/"},
		StaticExtensions:  []string{"ico", "png", "jpg", "jpeg", "svg", "css", "js", "woff", "woff2", "ttf", "eot"},
		RateLimitExempt:   slices.Clone(ratelimit.DefaultExempt),
		CSRFExempt:        slices.Clone(csrf.DefaultExempt),
		APIPrefix:         "/api/",
		AuthPrefix:        "/auth/",
		ProtectedPrefixes: []string{"/dashboard", "/logbook", "/supervisor"},
		DashboardPath:     "/dashboard",
		SignInPath:        "/auth/signin",
	}
}

// IsStatic reports whether path is an asset that skips every check. Paths
// with dot segments never are.
func (p Policy) IsStatic(path string) bool {
	if pathutil.HasDotSegments(path) {
		return false
	}
	if pathutil.HasAnyPrefix(path, p.StaticPrefixes) {
		return true
	}
	ext := pathutil.Ext(path)
	return ext != "" && slices.Contains(p.StaticExtensions, ext)
}

func (p Policy) IsAPI(path string) bool {
	return p.APIPrefix != "" && strings.HasPrefix(path, p.APIPrefix)
}

func (p Policy) IsAuthPage(path string) bool {
	return p.AuthPrefix != "" && strings.HasPrefix(path, p.AuthPrefix)
}

func (p Policy) IsProtected(path string) bool {
	return pathutil.HasAnyPrefix(path, p.ProtectedPrefixes)
}

// Canonical resolves dot segments the way the upstream application will, so
// "/static/../dashboard" is judged as "/dashboard".
func Canonical(p string) string {
	if !pathutil.HasDotSegments(p) {
		return p
	}
	return path.Clean("/" + p)
}

// Classify picks the first matching class in the order static, rate limit
// exempt, CSRF exempt, API, protected, public. Paths with dot segments are
// never static and are otherwise classified in canonical form.
func (p Policy) Classify(raw string) Class {
	if p.IsStatic(raw) {
		return ClassStatic
	}
	c := Canonical(raw)
	switch {
	case pathutil.HasAnyPrefix(c, p.RateLimitExempt):
		return ClassRateLimitExempt
	case pathutil.HasAnyPrefix(c, p.CSRFExempt):
		return ClassCSRFExempt
	case p.IsAPI(c):
		return ClassAPI
	case p.IsProtected(c):
		return ClassProtected
	}
	return ClassPublic
}
