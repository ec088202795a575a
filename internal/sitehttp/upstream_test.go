package sitehttp

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/keithlinneman/siwes-logbook/internal/httpmw"
	"github.com/keithlinneman/siwes-logbook/internal/session"
)

type seenRequest struct {
	path, query, host string
	header            http.Header
}

func newBackend(t *testing.T) (*httptest.Server, *seenRequest) {
	t.Helper()
	seen := &seenRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.path = r.URL.Path
		seen.query = r.URL.RawQuery
		seen.host = r.Host
		seen.header = r.Header.Clone()
		w.Header().Set("X-Powered-By", "Next.js")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>logbook</html>")
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func TestNewUpstream_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "/relative", "ftp://host", "http://", "://bad"} {
		if _, err := NewUpstream(raw); err == nil {
			t.Errorf("NewUpstream(%q) should fail", raw)
		}
	}
}

func TestUpstream_ForwardsRequest(t *testing.T) {
	backend, seen := newBackend(t)
	up, err := NewUpstream(backend.URL)
	if err != nil {
		t.Fatalf("NewUpstream: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://logbook.example/logbook/week/3?tab=entries", nil)
	req.Header.Set(HeaderUserID, "forged")
	req.Header.Set(HeaderUserRole, "ADMIN")
	ctx := httpmw.WithClientIP(req.Context(), "198.51.100.4")
	ctx = session.WithSession(ctx, &session.Session{User: &session.User{ID: "u-1", Role: session.RoleStudent}})
	rec := httptest.NewRecorder()
	up.ServeHTTP(rec, req.WithContext(ctx))

	if rec.Code != http.StatusOK || rec.Body.String() != "<html>logbook</html>" {
		t.Fatalf("response = %d %q", rec.Code, rec.Body.String())
	}
	if seen.path != "/logbook/week/3" || seen.query != "tab=entries" {
		t.Fatalf("upstream saw %s?%s", seen.path, seen.query)
	}
	if seen.host != "logbook.example" {
		t.Fatalf("upstream Host = %q, want original host", seen.host)
	}
	if got := seen.header.Get(HeaderUserID); got != "u-1" {
		t.Fatalf("%s = %q, want session user", HeaderUserID, got)
	}
	if got := seen.header.Get(HeaderUserRole); got != "STUDENT" {
		t.Fatalf("%s = %q, want session role", HeaderUserRole, got)
	}
	if got := seen.header.Get(HeaderClientIP); got != "198.51.100.4" {
		t.Fatalf("%s = %q", HeaderClientIP, got)
	}
	if seen.header.Get("X-Forwarded-For") == "" {
		t.Fatal("X-Forwarded-For should be set")
	}
	if rec.Header().Get("X-Powered-By") != "" {
		t.Fatal("X-Powered-By should be removed from upstream responses")
	}
	if rec.Header().Get("X-Frame-Options") != "" {
		t.Fatal("upstream security headers should be dropped in favor of the edge's")
	}
}

func TestUpstream_StripsForgedIdentityWhenAnonymous(t *testing.T) {
	backend, seen := newBackend(t)
	up, _ := NewUpstream(backend.URL)

	req := httptest.NewRequest(http.MethodGet, "/about", nil)
	req.Header.Set(HeaderUserID, "forged")
	req.Header.Set(HeaderUserRole, "ADMIN")
	req.Header.Set(HeaderClientIP, "10.9.9.9")
	up.ServeHTTP(httptest.NewRecorder(), req)

	for _, h := range []string{HeaderUserID, HeaderUserRole, HeaderClientIP} {
		if got := seen.header.Get(h); got != "" {
			t.Errorf("%s = %q, forged header should be dropped", h, got)
		}
	}
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func TestUpstream_ErrorIs502JSON(t *testing.T) {
	var failures int
	up, err := NewUpstream("http://127.0.0.1:1", WithTransport(failingTransport{}), WithOnError(func() { failures++ }))
	if err != nil {
		t.Fatalf("NewUpstream: %v", err)
	}

	rec := httptest.NewRecorder()
	up.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if body["success"] != false || body["error"] != "upstream unavailable" {
		t.Fatalf("body = %v", body)
	}
	if failures != 1 {
		t.Fatalf("OnError calls = %d, want 1", failures)
	}
}

func TestUpstream_Target(t *testing.T) {
	up, _ := NewUpstream("http://app:3000")
	if up.Target().Host != "app:3000" {
		t.Fatalf("target = %v", up.Target())
	}
}
