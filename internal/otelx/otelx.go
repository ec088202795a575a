// Package otelx sets up OpenTelemetry tracing and carries the span helpers
// the edge guards use to record their decisions.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/siwes-logbook/internal/version"
	"github.com/keithlinneman/siwes-logbook/internal/xerrors"
)

type Options struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	Sample      float64
	Version     version.Info
	Environment string
}

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	)
}

// Init installs the global tracer provider and propagator. When tracing is
// disabled spans are still created (so trace IDs reach logs and response
// headers) but nothing is exported.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagator())
	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	// the exporter dials a local collector; bound it so startup never hangs
	dialCtx, dialCancel := context.WithTimeout(ctx, 3*time.Second)
	defer dialCancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "otlp exporter endpoint=%s", o.Endpoint)
	}

	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(Resource(o)...),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(o.Sample),
		)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Resource is the service identity attached to every exported span.
func Resource(o Options) []attribute.KeyValue {
	vi := o.Version
	if vi.AppName == "" {
		vi.AppName = version.AppName
	}
	if vi.Component == "" {
		vi.Component = version.Component
	}
	kv := []attribute.KeyValue{
		semconv.ServiceName(vi.AppName + "." + vi.Component),
		semconv.ServiceVersion(vi.Version),
	}
	if vi.Commit != "" {
		kv = append(kv, attribute.String("vcs.commit", vi.Commit))
	}
	if o.Environment != "" {
		kv = append(kv, semconv.DeploymentEnvironment(o.Environment))
	}
	return kv
}

// Annotate sets attributes on the span in ctx if it is recording.
func Annotate(ctx context.Context, kv ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(kv...)
	}
}

// Event records a named span event, used for guard rejections.
func Event(ctx context.Context, name string, kv ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(kv...))
	}
}
