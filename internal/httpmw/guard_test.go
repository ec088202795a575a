package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func setHeader(name, value string) Guard {
	return func(_ *http.Request, prev *Response) *Response {
		prev.Header.Set(name, value)
		return prev
	}
}

func TestCompose_NoGuardsPasses(t *testing.T) {
	resp := Compose(httptest.NewRequest(http.MethodGet, "/", nil))
	if !resp.Passed() {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
}

func TestCompose_AccumulatesHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	resp := Compose(r, setHeader("X-A", "1"), nil, setHeader("X-B", "2"))
	if got := resp.Header.Get("X-A"); got != "1" {
		t.Fatalf("X-A = %q", got)
	}
	if got := resp.Header.Get("X-B"); got != "2" {
		t.Fatalf("X-B = %q", got)
	}
}

func TestCompose_ShortCircuitsOnReject(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	called := false
	deny := func(*http.Request, *Response) *Response {
		return Reject(http.StatusTooManyRequests, map[string]any{"success": false})
	}
	second := func(_ *http.Request, prev *Response) *Response {
		called = true
		prev.Header.Set("X-Second", "yes")
		return prev
	}

	resp := Compose(r, deny, second)
	if resp.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.Status)
	}
	if called {
		t.Fatal("second guard ran after rejection")
	}
	if resp.Header.Get("X-Second") != "" {
		t.Fatal("second guard header leaked into rejection")
	}
}

func TestCompose_NilReturnKeepsPrevious(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	resp := Compose(r, setHeader("X-A", "1"), func(*http.Request, *Response) *Response { return nil })
	if !resp.Passed() || resp.Header.Get("X-A") != "1" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestResponse_SetCookieReplaces(t *testing.T) {
	resp := Next()
	resp.SetCookie(&http.Cookie{Name: "a", Value: "1"})
	resp.SetCookie(&http.Cookie{Name: "a", Value: "2"})
	if len(resp.Cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(resp.Cookies))
	}
	if c, ok := resp.Cookie("a"); !ok || c.Value != "2" {
		t.Fatalf("cookie = %+v", c)
	}
}

func TestRedirect_KeepsHeadersAndCookies(t *testing.T) {
	prev := Next()
	prev.Header.Set("X-RateLimit-Limit", "100")
	prev.SetCookie(&http.Cookie{Name: "csrf-token", Value: "v"})

	out := Redirect(prev, http.StatusTemporaryRedirect, "/dashboard")
	rec := httptest.NewRecorder()
	out.Send(rec)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/dashboard" {
		t.Fatalf("Location = %q", got)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "100" {
		t.Fatal("rate limit header dropped")
	}
	if len(rec.Result().Cookies()) != 1 {
		t.Fatal("cookie dropped")
	}
}

func TestGuarded_PassAppliesHeaders(t *testing.T) {
	h := Guarded(setHeader("X-Guard", "ok"))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Guard") != "ok" {
		t.Fatal("guard header missing")
	}
}

func TestGuarded_RejectSkipsHandler(t *testing.T) {
	deny := func(*http.Request, *Response) *Response {
		return Reject(http.StatusForbidden, map[string]any{"success": false, "error": "no"})
	}
	h := Guarded(deny)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler called")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != `{"error":"no","success":false}` {
		t.Fatalf("body = %s", got)
	}
}

func TestRecoverGuard(t *testing.T) {
	boom := func(*http.Request, *Response) *Response { panic("boom") }
	var seen any
	g := RecoverGuard(boom, func(_ *http.Request, prev *Response, p any) *Response {
		seen = p
		return prev
	})
	resp := Compose(httptest.NewRequest(http.MethodGet, "/", nil), g)
	if !resp.Passed() {
		t.Fatalf("status = %d", resp.Status)
	}
	if seen != "boom" {
		t.Fatalf("recovered = %v", seen)
	}
	if RecoverGuard(nil, nil) != nil {
		t.Fatal("nil guard should stay nil")
	}
}
