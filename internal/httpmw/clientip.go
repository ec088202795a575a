package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction behavior.
type ClientIPOptions struct {
	// TrustedHops is the number of trusted reverse proxies in front of this
	// server. 0 ignores X-Forwarded-For, 1 takes the rightmost entry, 2 the
	// second from the right, and so on.
	TrustedHops int
}

// ClientIP resolves the client address with no trusted proxies.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the resolved client address in the request
// context and strips forwarded headers it did not trust, so nothing further
// down (including the upstream app) can be fooled by them.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return ClientIPContext(opts)(StripForwarded(opts)(next))
	}
}

// ClientIPContext stores the resolved client address in the request context
// and leaves the headers alone. Pair it with StripForwarded further in when
// something between the two still needs the raw forwarding headers.
func ClientIPContext(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _ := resolve(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// StripForwarded deletes X-Forwarded-For and X-Forwarded-Proto unless they
// came through the trusted proxy chain.
func StripForwarded(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, trusted := resolve(r, opts.TrustedHops); !trusted {
				r.Header.Del("X-Forwarded-For")
				r.Header.Del("X-Forwarded-Proto")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ResolveClientIP returns the client address using the trusted-hop rules
// without touching the request headers.
func ResolveClientIP(r *http.Request, trustedHops int) string {
	ip, _ := resolve(r, trustedHops)
	return ip
}

// resolve reports the client address and whether forwarded headers were trusted.
// Forwarded headers are only honored when the peer is a private address and
// at least trustedHops entries are present.
func resolve(r *http.Request, trustedHops int) (string, bool) {
	if r.RemoteAddr == "" {
		return "0.0.0.0", false
	}
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, false
	}
	ip := net.ParseIP(peer)
	if ip == nil {
		return "0.0.0.0", false
	}
	if !ip.IsPrivate() || trustedHops <= 0 {
		return peer, false
	}

	xf := r.Header.Get("X-Forwarded-For")
	if xf == "" {
		return peer, true
	}
	parts := strings.Split(xf, ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer entries than proxies we expect, treat as tampering
		return peer, false
	}
	if cand := strings.TrimSpace(parts[idx]); net.ParseIP(cand) != nil {
		return cand, true
	}
	return peer, true
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
