package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/siwes-logbook/internal/xerrors"
)

func newTestLogger(t *testing.T, lvl slog.Level) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(Options{App: "siwes-edge", Level: lvl, JSON: true, Writer: &buf, IncludeErrorLinks: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":  slog.LevelDebug,
		" INFO ": slog.LevelInfo,
		"Warn":   slog.LevelWarn,
		"error":  slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelWarn)
	ctx := context.Background()
	l.Debug(ctx, "dropped")
	l.Info(ctx, "dropped")
	l.Warn(ctx, "kept", "reason", "csrf_missing")

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0]["msg"] != "kept" || lines[0]["reason"] != "csrf_missing" {
		t.Fatalf("unexpected record %v", lines[0])
	}
	if lines[0]["app"] != "siwes-edge" {
		t.Fatalf("app attr missing: %v", lines[0])
	}
}

func TestLogger_WithIsCopyOnWrite(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)
	a := l.With("component", "ratelimit")
	b := l.With("component", "csrf", 42, "ignored", "odd")

	a.Info(context.Background(), "a")
	b.Info(context.Background(), "b")

	lines := decodeLines(t, buf)
	if lines[0]["component"] != "ratelimit" || lines[1]["component"] != "csrf" {
		t.Fatalf("components leaked between loggers: %v", lines)
	}
	if _, ok := lines[1]["odd"]; ok {
		t.Fatal("trailing odd key should be dropped")
	}
}

func TestLogger_ErrorEnrichment(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)
	root := errors.New("connection refused")
	err := xerrors.Wrap(xerrors.WithStack(root), "redis hit")

	l.Error(context.Background(), err, "rate limit store failed")

	rec := decodeLines(t, buf)[0]
	if rec["err"] != "redis hit: connection refused" {
		t.Fatalf("err = %v", rec["err"])
	}
	if rec["cause_type"] != "*errors.errorString" {
		t.Fatalf("cause_type = %v", rec["cause_type"])
	}
	if _, ok := rec["error_chain"]; !ok {
		t.Fatal("expected error_chain")
	}
	if _, ok := rec["error_links"]; !ok {
		t.Fatal("expected error_links")
	}
	if s, _ := rec["stack"].(string); s == "" {
		t.Fatal("expected stack at error level")
	}
}

func TestLogger_TraceIDs(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced")

	rec := decodeLines(t, buf)[0]
	if rec["trace_id"] != sc.TraceID().String() || rec["span_id"] != sc.SpanID().String() {
		t.Fatalf("trace ids missing: %v", rec)
	}
}

func TestErrorChain_Joined(t *testing.T) {
	err := errors.Join(errors.New("a"), errors.New("b"))
	chain := errorChain(err)
	if len(chain) != 3 {
		t.Fatalf("chain = %v", chain)
	}
}

func TestContext_RoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()).(nopLogger); !ok {
		t.Fatal("empty context should yield Nop")
	}
	l, _ := newTestLogger(t, slog.LevelInfo)
	ctx := WithContext(context.Background(), l)
	if FromContext(ctx) != l {
		t.Fatal("stored logger not returned")
	}
}

func TestNop_IsSafe(t *testing.T) {
	n := Nop().With("a", 1)
	n.Error(context.Background(), nil, "x")
	if err := n.Sync(); err != nil {
		t.Fatal(err)
	}
}
