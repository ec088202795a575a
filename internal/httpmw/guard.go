package httpmw

import (
	"encoding/json"
	"net/http"
)

// Response is the outcome accumulated by guards for a single request. A
// Status of 200 means "continue"; anything else is terminal and is written to
// the client as-is.
type Response struct {
	Status   int
	Header   http.Header
	Cookies  []*http.Cookie
	Body     []byte
	Location string
}

// Guard inspects r and the response produced so far and returns the response
// to hand to the next guard. Returning prev (possibly annotated) continues the
// pipeline; returning a non-200 response rejects the request.
type Guard func(r *http.Request, prev *Response) *Response

// Next is the pass-through response every pipeline starts from.
func Next() *Response {
	return &Response{Status: http.StatusOK, Header: make(http.Header)}
}

// Reject builds a terminal JSON response. Marshal failures degrade to an
// empty JSON object so a rejection can never turn into a 500.
func Reject(status int, body any) *Response {
	b, err := json.Marshal(body)
	if err != nil {
		b = []byte("{}")
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return &Response{Status: status, Header: h, Body: b}
}

// Redirect builds a terminal redirect that keeps the headers and cookies
// accumulated on from.
func Redirect(from *Response, status int, location string) *Response {
	out := &Response{Status: status, Header: make(http.Header), Location: location}
	if from != nil {
		for k, v := range from.Header {
			out.Header[k] = append([]string(nil), v...)
		}
		out.Cookies = append(out.Cookies, from.Cookies...)
	}
	return out
}

// Passed reports whether the pipeline may continue.
func (r *Response) Passed() bool { return r != nil && r.Status == http.StatusOK }

// SetCookie adds c, replacing an earlier cookie with the same name.
func (r *Response) SetCookie(c *http.Cookie) {
	for i, old := range r.Cookies {
		if old.Name == c.Name {
			r.Cookies[i] = c
			return
		}
	}
	r.Cookies = append(r.Cookies, c)
}

// Cookie returns the cookie named name set on the response, if any.
func (r *Response) Cookie(name string) (*http.Cookie, bool) {
	for _, c := range r.Cookies {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// ApplyHeaders copies headers and cookies onto w without writing a status.
func (r *Response) ApplyHeaders(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range r.Header {
		dst[k] = append([]string(nil), v...)
	}
	for _, c := range r.Cookies {
		http.SetCookie(w, c)
	}
}

// Send writes the full response: headers, cookies, Location, status and body.
func (r *Response) Send(w http.ResponseWriter) {
	r.ApplyHeaders(w)
	if r.Location != "" {
		w.Header().Set("Location", r.Location)
	}
	w.WriteHeader(r.Status)
	if len(r.Body) > 0 {
		_, _ = w.Write(r.Body)
	}
}

// Compose runs guards in order starting from Next. The first non-200
// response is returned verbatim and no later guard runs. Nil guards are
// skipped and a guard returning nil leaves the response unchanged.
func Compose(r *http.Request, guards ...Guard) *Response {
	resp := Next()
	for _, g := range guards {
		if g == nil {
			continue
		}
		out := g(r, resp)
		if out == nil {
			continue
		}
		resp = out
		if !resp.Passed() {
			return resp
		}
	}
	return resp
}

// Guarded adapts guards into middleware: rejected requests get the guard's
// response, passing requests continue to next with accumulated headers and
// cookies applied.
func Guarded(guards ...Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resp := Compose(r, guards...)
			if !resp.Passed() {
				resp.Send(w)
				return
			}
			resp.ApplyHeaders(w)
			next.ServeHTTP(w, r)
		})
	}
}

// RecoverGuard converts a panic inside g into fallback(r, prev, recovered).
func RecoverGuard(g Guard, fallback func(r *http.Request, prev *Response, p any) *Response) Guard {
	if g == nil {
		return nil
	}
	return func(r *http.Request, prev *Response) (out *Response) {
		defer func() {
			if p := recover(); p != nil {
				out = fallback(r, prev, p)
			}
		}()
		return g(r, prev)
	}
}
