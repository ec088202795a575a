// Package edgehttp serves the few API routes the edge service answers itself.
// Everything else under /api belongs to the logbook application.
package edgehttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/siwes-logbook/internal/csrf"
	"github.com/keithlinneman/siwes-logbook/internal/health"
	"github.com/keithlinneman/siwes-logbook/internal/log"
	"github.com/keithlinneman/siwes-logbook/internal/ratelimit"
	"github.com/keithlinneman/siwes-logbook/internal/version"
)

// API implements httpserver.RouteRegistrar for the local endpoints.
type API struct {
	CSRF      *csrf.Guard
	Limiter   *ratelimit.Limiter
	Health    health.Probe
	Readiness health.Probe
	Version   version.Info
	Now       func() time.Time
	logger    log.Logger
}

// NewAPI constructs the local API. Any of csrf, limiter or the probes may be
// nil; their routes then answer 503 or report healthy respectively.
func NewAPI(g *csrf.Guard, l *ratelimit.Limiter, healthProbe, readiness health.Probe, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		CSRF:      g,
		Limiter:   l,
		Health:    healthProbe,
		Readiness: readiness,
		Version:   version.Get(),
		Now:       time.Now,
		logger:    logger,
	}
}

// RegisterRoutes attaches the local API endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/api/csrf", api.HandleCSRF)
	r.Get("/api/ratelimit/status", api.HandleRateLimitStatus)
	r.Get("/api/health", api.HandleHealth)
	r.Get("/api/status", api.HandleStatus)
}

// HandleCSRF returns the token minted for this request by the edge router,
// or the still valid one the client already holds.
func (api *API) HandleCSRF(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if api.CSRF == nil {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, ErrorResponse{Error: "CSRF protection is not enabled"})
		return
	}
	t, ok := api.CSRF.TokenFromRequest(r)
	if !ok {
		// only reachable when the router did not run the guard for this path
		api.logger.Warn(ctx, "csrf endpoint reached without a token")
		api.writeJSON(ctx, w, http.StatusInternalServerError, ErrorResponse{Error: "Unable to issue CSRF token"})
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, CSRFResponse{
		Success:   true,
		Token:     t.Value,
		ExpiresAt: t.ExpiresAt.UnixMilli(),
	})
}

// HandleRateLimitStatus reports the caller's remaining quota for ?path=.
// Looking it up does not count against that path.
func (api *API) HandleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if api.Limiter == nil {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, ErrorResponse{Error: "Rate limiting is not enabled"})
		return
	}
	p := r.URL.Query().Get("path")
	if !strings.HasPrefix(p, "/") {
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: "path query parameter must be an absolute path"})
		return
	}

	st, err := api.Limiter.Status(r, p)
	if err != nil {
		log.FromContext(ctx).Error(ctx, err, "rate limit status lookup failed", "ratelimit.path", p)
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, ErrorResponse{Error: "Rate limiting is temporarily unavailable. Please try again later."})
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, RateLimitStatusResponse{
		Success:   true,
		Path:      p,
		Limit:     st.Limit,
		Remaining: st.Remaining,
		ResetAt:   st.ResetAt.UnixMilli(),
	})
}

// HandleHealth is liveness: the process is up and answering.
func (api *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	api.probe(w, r, api.Health, "ok")
}

// HandleStatus is readiness: draining, or the shared rate limit store down,
// answers 503.
func (api *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	api.probe(w, r, api.Readiness, "ready")
}

func (api *API) probe(w http.ResponseWriter, r *http.Request, p health.Probe, okStatus string) {
	ctx := r.Context()
	resp := HealthResponse{
		Success:   true,
		Status:    okStatus,
		Service:   api.Version.AppName + "." + api.Version.Component,
		Version:   api.Version.Version,
		Commit:    api.Version.Commit,
		Timestamp: api.Now().UnixMilli(),
	}
	status := http.StatusOK
	if p != nil {
		if err := p.Check(ctx); err != nil {
			resp.Success = false
			resp.Status = "unavailable"
			resp.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	api.writeJSON(ctx, w, status, resp)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
