// Package metrics owns the Prometheus registry served on the ops listener.
// Labels are limited to method, route pattern, status and small fixed enums
// so client-controlled paths cannot blow up cardinality.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/siwes-logbook/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	profilingActive prometheus.Gauge

	ratelimitDenied      prometheus.Counter
	ratelimitStoreErrors prometheus.Counter
	ratelimitSwept       prometheus.Counter
	ratelimitEntries     prometheus.Gauge
	csrfRejected         *prometheus.CounterVec
	csrfMinted           prometheus.Counter
	redirects            *prometheus.CounterVec
	sessionErrors        prometheus.Counter
	upstreamErrors       prometheus.Counter
}

func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 9),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx responses by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_id", "go_version", "vcs_dirty"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_ratelimit_denied_total",
			Help: "Requests rejected with 429 by the rate limiter",
		}),
		ratelimitStoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_ratelimit_store_errors_total",
			Help: "Rate limit store failures",
		}),
		ratelimitSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_ratelimit_swept_total",
			Help: "Expired rate limit entries removed by sweeps",
		}),
		ratelimitEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_ratelimit_entries",
			Help: "Rate limit entries held in memory after the last background sweep",
		}),
		csrfRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_csrf_rejected_total",
			Help: "Requests rejected by the CSRF guard by reason",
		}, []string{"reason"}),
		csrfMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_csrf_minted_total",
			Help: "CSRF tokens issued",
		}),
		redirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_redirects_total",
			Help: "Page redirects issued by the edge router by target",
		}, []string{"target"}),
		sessionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_session_errors_total",
			Help: "Session lookups that failed and were treated as signed out",
		}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_upstream_errors_total",
			Help: "Requests that failed to reach the logbook application",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.ratelimitDenied,
		m.ratelimitStoreErrors,
		m.ratelimitSwept,
		m.ratelimitEntries,
		m.csrfRejected,
		m.csrfMinted,
		m.redirects,
		m.sessionErrors,
		m.upstreamErrors,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// Registry exposes the registry for tests and extra collectors.
func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

// SetBuildInfoFromVersion is called once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        vi.AppName,
		"component":  vi.Component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_id":   vi.BuildId,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncHttpPanic() { m.httpPanicTotal.Inc() }

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncRateLimitDenied() { m.ratelimitDenied.Inc() }

func (m *ServerMetrics) IncRateLimitStoreError() { m.ratelimitStoreErrors.Inc() }

func (m *ServerMetrics) AddRateLimitSwept(n int) {
	if n > 0 {
		m.ratelimitSwept.Add(float64(n))
	}
}

func (m *ServerMetrics) SetRateLimitEntries(n int) { m.ratelimitEntries.Set(float64(n)) }

func (m *ServerMetrics) IncCSRFRejected(reason string) {
	m.csrfRejected.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncCSRFMinted() { m.csrfMinted.Inc() }

func (m *ServerMetrics) IncRedirect(target string) {
	m.redirects.WithLabelValues(target).Inc()
}

func (m *ServerMetrics) IncSessionError() { m.sessionErrors.Inc() }

func (m *ServerMetrics) IncUpstreamError() { m.upstreamErrors.Inc() }
