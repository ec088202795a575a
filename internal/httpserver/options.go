package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/siwes-logbook/internal/httpmw"
	"github.com/keithlinneman/siwes-logbook/internal/log"
)

// RouteRegistrar attaches routes to the public router. The upstream fallback
// registrar goes last.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler

	// Edge is the edge router middleware (rate limit, CSRF, page access).
	// It runs before forwarding headers are stripped because the rate
	// limiter keys clients on X-Forwarded-For.
	Edge func(http.Handler) http.Handler

	ClientIP     httpmw.ClientIPOptions
	Security     httpmw.SecurityOptions
	MaxBodyBytes int64
	Routes       []RouteRegistrar

	// Quiet paths are neither traced nor access logged (assets, probes).
	Quiet func(path string) bool
}
