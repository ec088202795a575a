package opshttp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/siwes-logbook/internal/health"
	"github.com/keithlinneman/siwes-logbook/internal/log"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func startOps(t *testing.T, opts *Options) (int, func(context.Context) error) {
	t.Helper()
	if opts.Port == 0 {
		opts.Port = freePort(t)
	}
	stop, err := Start(context.Background(), log.Nop(), opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })
	return opts.Port, stop
}

func get(t *testing.T, port int, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(b)
}

func TestStart_Endpoints(t *testing.T) {
	var gate health.ShutdownGate
	port, _ := startOps(t, &Options{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "edge_csrf_minted_total 3\n")
		}),
		Health:      health.Fixed(true, ""),
		Readiness:   health.All(gate.Probe(), health.Fixed(true, "")),
		EnablePprof: true,
	})

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/healthz", http.StatusOK, "ok"},
		{"/readyz", http.StatusOK, "ready"},
		{"/metrics", http.StatusOK, "edge_csrf_minted_total"},
		{"/debug/pprof/", http.StatusOK, "goroutine"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, body := get(t, port, tt.path)
			if code != tt.wantCode || !strings.Contains(body, tt.wantBody) {
				t.Fatalf("GET %s = %d %q, want %d containing %q", tt.path, code, body, tt.wantCode, tt.wantBody)
			}
		})
	}

	gate.Set("draining")
	if code, body := get(t, port, "/readyz"); code != http.StatusServiceUnavailable || !strings.Contains(body, "draining") {
		t.Fatalf("readyz while draining = %d %q", code, body)
	}
	if code, _ := get(t, port, "/healthz"); code != http.StatusOK {
		t.Fatalf("healthz while draining = %d, liveness must not follow the gate", code)
	}
}

func TestStart_DisabledFeatures404(t *testing.T) {
	port, _ := startOps(t, &Options{})
	for _, p := range []string{"/metrics", "/debug/pprof/", "/debug/pprof/heap"} {
		if code, _ := get(t, port, p); code != http.StatusNotFound {
			t.Fatalf("GET %s = %d, want 404", p, code)
		}
	}
	if code, _ := get(t, port, "/healthz"); code != http.StatusOK {
		t.Fatalf("healthz with nil probe = %d, want 200", code)
	}
}

func TestStart_RedisReadinessFailure(t *testing.T) {
	port, _ := startOps(t, &Options{
		Readiness: health.Fixed(false, "redis: connection refused"),
	})
	code, body := get(t, port, "/readyz")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "redis: connection refused") {
		t.Fatalf("readyz = %d %q", code, body)
	}
}

func TestStart_RecoverMW(t *testing.T) {
	var panics atomic.Int32
	port, _ := startOps(t, &Options{
		Metrics: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("collector exploded")
		}),
		UseRecoverMW: true,
		OnPanic:      func() { panics.Add(1) },
	})

	if code, _ := get(t, port, "/metrics"); code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", code)
	}
	if n := panics.Load(); n != 1 {
		t.Fatalf("OnPanic calls = %d, want 1", n)
	}
}

func TestStart_StopIsIdempotent(t *testing.T) {
	port, stop := startOps(t, &Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := stop(ctx); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond); err == nil {
		t.Fatal("listener still accepting after stop")
	}
}

func TestStart_PortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	if _, err := Start(context.Background(), log.Nop(), &Options{Port: port}); err == nil {
		t.Fatal("expected error on occupied port")
	}
}

func TestRequireNonPublicNetwork(t *testing.T) {
	h := requireNonPublicNetwork(log.Nop(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "allowed")
	}))

	tests := []struct {
		remote string
		want   int
	}{
		{"127.0.0.1:5000", http.StatusOK},
		{"[::1]:5000", http.StatusOK},
		{"10.0.3.7:5000", http.StatusOK},
		{"172.16.0.1:5000", http.StatusOK},
		{"192.168.1.20:5000", http.StatusOK},
		{"[fd00::1]:5000", http.StatusOK},
		{"169.254.169.254:80", http.StatusOK},
		{"[::ffff:10.1.2.3]:5000", http.StatusOK},
		{"203.0.113.9:5000", http.StatusForbidden},
		{"[2001:db8::1]:5000", http.StatusForbidden},
		{"[::ffff:203.0.113.9]:5000", http.StatusForbidden},
		{"", http.StatusForbidden},
		{"not-an-addr", http.StatusForbidden},
		{"999.1.1.1:80", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.RemoteAddr = tt.remote
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("RemoteAddr %q: status = %d, want %d", tt.remote, rec.Code, tt.want)
			}
		})
	}
}

func TestRequireNonPublicNetwork_IgnoresForwardedFor(t *testing.T) {
	h := requireNonPublicNetwork(log.Nop(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "203.0.113.9:5000"
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
