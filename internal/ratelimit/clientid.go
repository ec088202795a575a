package ratelimit

import (
	"net/http"
	"strings"

	"github.com/keithlinneman/siwes-logbook/internal/httpmw"
)

// ClientID identifies the caller from proxy headers: the first entry of
// X-Forwarded-For, else X-Real-IP, else "unknown". It trusts the headers as
// sent, so the service must sit behind a proxy that overwrites them.
func ClientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	return "unknown"
}

// TrustedHopsClientID resolves the caller with the trusted-proxy rules of
// httpmw.ResolveClientIP instead of believing forwarded headers outright.
func TrustedHopsClientID(hops int) func(*http.Request) string {
	return func(r *http.Request) string {
		return httpmw.ResolveClientIP(r, hops)
	}
}
