package csrf

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/siwes-logbook/internal/httpmw"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t *time.Time) func() time.Time { return func() time.Time { return *t } }

func newGuard(t *testing.T, now *time.Time, opts ...Option) *Guard {
	t.Helper()
	base := []Option{WithClock(fixedClock(now)), WithRandom(bytes.NewReader(bytes.Repeat([]byte{0xab}, 1024)))}
	return New(append(base, opts...)...)
}

func cookieValue(token string, expires time.Time) string {
	return url.QueryEscape(`{"token":"` + token + `","expiresAt":` + jsonInt(expires.UnixMilli()) + `}`)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

var validHex = strings.Repeat("0123456789abcdef", 4)

func request(method, path, cookie string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	if cookie != "" {
		r.AddCookie(&http.Cookie{Name: CookieName, Value: cookie})
	}
	return r
}

func errorMessage(t *testing.T, resp *httpmw.Response) string {
	t.Helper()
	var body struct {
		Success    bool   `json:"success"`
		Error      string `json:"error"`
		RetryAfter *int   `json:"retryAfter"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Success || body.RetryAfter != nil {
		t.Fatalf("unexpected body %s", resp.Body)
	}
	return body.Error
}

func TestCheck_Rejections(t *testing.T) {
	now := epoch
	g := newGuard(t, &now)

	tests := []struct {
		name   string
		cookie string
		want   string
	}{
		{"missing", "", "CSRF token missing. Please refresh the page and try again."},
		{"not json", "garbage", "Invalid CSRF token format"},
		{"bad escape", "%zz", "Invalid CSRF token format"},
		{"missing expiry", url.QueryEscape(`{"token":"` + validHex + `"}`), "Invalid CSRF token format"},
		{"expired", cookieValue(validHex, epoch.Add(-time.Millisecond)), "CSRF token expired. Please refresh the page and try again."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := g.Check(request(http.MethodPost, "/api/logbook", tt.cookie), httpmw.Next())
			if resp.Status != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", resp.Status)
			}
			if got := errorMessage(t, resp); got != tt.want {
				t.Fatalf("error = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheck_ExpiryBoundaryIsValid(t *testing.T) {
	now := epoch
	g := newGuard(t, &now)
	resp := g.Check(request(http.MethodPut, "/api/logbook/1", cookieValue(validHex, epoch)), httpmw.Next())
	if !resp.Passed() {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
	if len(resp.Cookies) != 0 {
		t.Fatal("unsafe request with cookie should not mint")
	}
}

func TestCheck_UnsafeMethodsOnly(t *testing.T) {
	now := epoch
	g := newGuard(t, &now)
	for _, m := range []string{http.MethodHead, http.MethodOptions} {
		if !g.Check(request(m, "/api/logbook", ""), httpmw.Next()).Passed() {
			t.Fatalf("%s rejected", m)
		}
	}
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		if g.Check(request(m, "/api/logbook", ""), httpmw.Next()).Passed() {
			t.Fatalf("%s without cookie passed", m)
		}
	}
}

func TestCheck_ExemptRoutesMintWithoutCookie(t *testing.T) {
	now := epoch
	var minted int
	g := newGuard(t, &now, WithOnMinted(func() { minted++ }))
	resp := g.Check(request(http.MethodPost, "/api/auth/callback", ""), httpmw.Next())
	if !resp.Passed() {
		t.Fatalf("status = %d", resp.Status)
	}
	if _, ok := resp.Cookie(CookieName); !ok || minted != 1 {
		t.Fatal("exempt POST without cookie should mint a token")
	}
}

func TestCheck_GetMintsCookie(t *testing.T) {
	now := epoch
	g := newGuard(t, &now, WithSecureCookie(true))
	resp := g.Check(request(http.MethodGet, "/dashboard", cookieValue(validHex, epoch.Add(time.Hour))), httpmw.Next())

	c, ok := resp.Cookie(CookieName)
	if !ok {
		t.Fatal("no cookie minted on GET")
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode || c.Path != "/" || c.MaxAge != 900 {
		t.Fatalf("cookie attrs = %+v", c)
	}
	tok, err := Parse(c.Value)
	if err != nil {
		t.Fatalf("parse minted cookie: %v", err)
	}
	if tok.Value != strings.Repeat("ab", 32) {
		t.Fatalf("token = %s", tok.Value)
	}
	if !tok.ExpiresAt.Equal(epoch.Add(15 * time.Minute)) {
		t.Fatalf("expiresAt = %v", tok.ExpiresAt)
	}

	rec := httptest.NewRecorder()
	resp.ApplyHeaders(rec)
	if sc := rec.Header().Get("Set-Cookie"); strings.ContainsAny(sc[len(CookieName)+1:strings.Index(sc, ";")], `"{}`) {
		t.Fatalf("cookie value not escaped: %s", sc)
	}
}

func TestCheck_HeaderEcho(t *testing.T) {
	now := epoch
	g := newGuard(t, &now, WithHeaderEcho(true))
	cookie := cookieValue(validHex, epoch.Add(time.Minute))

	r := request(http.MethodPost, "/api/logbook", cookie)
	resp := g.Check(r, httpmw.Next())
	if got := errorMessage(t, resp); got != "CSRF token mismatch" {
		t.Fatalf("error = %q", got)
	}

	r = request(http.MethodPost, "/api/logbook", cookie)
	r.Header.Set(HeaderName, validHex)
	if !g.Check(r, httpmw.Next()).Passed() {
		t.Fatal("matching header rejected")
	}
}

func TestCheck_OnRejectedReason(t *testing.T) {
	now := epoch
	var reasons []string
	g := newGuard(t, &now, WithOnRejected(func(r string) { reasons = append(reasons, r) }))
	g.Check(request(http.MethodPost, "/x", ""), httpmw.Next())
	g.Check(request(http.MethodPost, "/x", "junk"), httpmw.Next())
	g.Check(request(http.MethodPost, "/x", cookieValue(validHex, epoch.Add(-time.Second))), httpmw.Next())
	if strings.Join(reasons, ",") != "missing,malformed,expired" {
		t.Fatalf("reasons = %v", reasons)
	}
}

func TestCheck_MintFailureIs500(t *testing.T) {
	now := epoch
	g := New(WithClock(fixedClock(&now)), WithRandom(bytes.NewReader(nil)))
	if resp := g.Check(request(http.MethodGet, "/", ""), httpmw.Next()); resp.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.Status)
	}
}

func TestParse(t *testing.T) {
	good := cookieValue(validHex, epoch)
	if tok, err := Parse(good); err != nil || tok.Value != validHex || !tok.ExpiresAt.Equal(epoch) {
		t.Fatalf("Parse(good) = %+v, %v", tok, err)
	}

	bad := []string{
		"",
		url.QueryEscape(`{"token":"` + validHex + `","expiresAt":1,"extra":true}`),
		url.QueryEscape(`{"token":"abc","expiresAt":1}`),
		url.QueryEscape(`{"token":"` + strings.Repeat("zz", 32) + `","expiresAt":1}`),
		url.QueryEscape(`{"token":"` + validHex + `","expiresAt":0}`),
		url.QueryEscape(`{"token":"` + validHex + `","expiresAt":"soon"}`),
		url.QueryEscape(`{"token":"` + validHex + `","expiresAt":1}{}`),
		url.QueryEscape(`null`),
	}
	for _, v := range bad {
		if _, err := Parse(v); !errors.Is(err, ErrTokenMalformed) {
			t.Errorf("Parse(%q) err = %v, want ErrTokenMalformed", v, err)
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tok := Token{Value: validHex, ExpiresAt: epoch}
	got, err := Parse(tok.Encode())
	if err != nil || got.Value != tok.Value || !got.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Fatalf("round trip = %+v, %v", got, err)
	}
}

func TestValidate(t *testing.T) {
	now := epoch
	g := newGuard(t, &now)
	r := request(http.MethodPost, "/x", cookieValue(validHex, epoch.Add(time.Minute)))
	if !g.Validate(r, validHex) {
		t.Fatal("valid token rejected")
	}
	if g.Validate(r, strings.Repeat("f", 64)) {
		t.Fatal("wrong token accepted")
	}
	if g.Validate(request(http.MethodPost, "/x", ""), validHex) {
		t.Fatal("missing cookie accepted")
	}
	now = epoch.Add(2 * time.Minute)
	if g.Validate(r, validHex) {
		t.Fatal("expired cookie accepted")
	}
}

func TestTokenFromRequest(t *testing.T) {
	now := epoch
	g := newGuard(t, &now)

	if _, ok := g.TokenFromRequest(request(http.MethodGet, "/", "")); ok {
		t.Fatal("token without cookie")
	}
	if tok, ok := g.TokenFromRequest(request(http.MethodGet, "/", cookieValue(validHex, epoch))); !ok || tok.Value != validHex {
		t.Fatal("valid cookie not returned")
	}

	var seen Token
	h := g.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen, _ = g.TokenFromRequest(r)
	}))
	h.ServeHTTP(httptest.NewRecorder(), request(http.MethodGet, "/api/csrf", ""))
	if seen.Value != strings.Repeat("ab", 32) {
		t.Fatalf("minted token not visible downstream: %+v", seen)
	}
}

func TestMiddleware_RejectWritesJSON(t *testing.T) {
	now := epoch
	g := newGuard(t, &now)
	h := g.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler reached")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, request(http.MethodDelete, "/api/logbook/1", ""))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type = %q", ct)
	}
}

type panicReader struct{}

func (panicReader) Read([]byte) (int, error) { panic("entropy exhausted") }

func TestRecovered_FailsClosed(t *testing.T) {
	now := epoch
	g := New(WithClock(fixedClock(&now)), WithRandom(panicReader{}))
	resp := g.Recovered()(request(http.MethodGet, "/", ""), httpmw.Next())
	if resp.Status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.Status)
	}
}
