package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/siwes-logbook/internal/version"
)

func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

// counterValue returns the value of the sample whose labels include want.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	for _, m := range f.GetMetric() {
		if labelsMatch(m, want) {
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %q has no sample with labels %v", name, want)
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string)
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestHandler_ServesRegistry(t *testing.T) {
	m := New()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"go_goroutines", "http_inflight_requests", "edge_ratelimit_denied_total", "edge_csrf_minted_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("missing %s", name)
		}
	}
}

func TestEdgeCounters(t *testing.T) {
	m := New()
	m.IncRateLimitDenied()
	m.IncRateLimitDenied()
	m.IncRateLimitStoreError()
	m.AddRateLimitSwept(3)
	m.AddRateLimitSwept(0)
	m.SetRateLimitEntries(7)
	m.IncCSRFRejected("missing")
	m.IncCSRFRejected("expired")
	m.IncCSRFRejected("missing")
	m.IncCSRFMinted()
	m.IncRedirect("signin")
	m.IncSessionError()
	m.IncUpstreamError()
	m.IncHttpPanic()

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"edge_ratelimit_denied_total", nil, 2},
		{"edge_ratelimit_store_errors_total", nil, 1},
		{"edge_ratelimit_swept_total", nil, 3},
		{"edge_ratelimit_entries", nil, 7},
		{"edge_csrf_rejected_total", map[string]string{"reason": "missing"}, 2},
		{"edge_csrf_rejected_total", map[string]string{"reason": "expired"}, 1},
		{"edge_csrf_minted_total", nil, 1},
		{"edge_redirects_total", map[string]string{"target": "signin"}, 1},
		{"edge_session_errors_total", nil, 1},
		{"edge_upstream_errors_total", nil, 1},
		{"http_panic_total", nil, 1},
	}
	for _, tt := range tests {
		if got := counterValue(t, m.reg, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()
	dirty := true
	m.SetBuildInfoFromVersion(version.Info{
		AppName:   "siwes-logbook",
		Component: "edge",
		Version:   "1.2.3",
		Commit:    "abc123",
		GoVersion: "go1.24.0",
		VCSDirty:  &dirty,
	})
	want := map[string]string{
		"app":       "siwes-logbook",
		"component": "edge",
		"version":   "1.2.3",
		"vcs_dirty": "true",
	}
	if got := counterValue(t, m.reg, "build_info", want); got != 1 {
		t.Fatalf("build_info = %v", got)
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if counterValue(t, m.reg, "profiling_active", nil) != 1 {
		t.Fatal("profiling_active not set")
	}
	m.SetProfilingActive(false)
	if counterValue(t, m.reg, "profiling_active", nil) != 0 {
		t.Fatal("profiling_active not cleared")
	}
}
