// Package observability wires OpenTelemetry tracing for the submission
// pipeline: provider setup, the HTTP server middleware, and span helpers
// carrying the PoC domain attributes.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool
	Exporter    string // otlp-http, stdout
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

var (
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer = noop.NewTracerProvider().Tracer("")
	tracingOn      bool
)

// Init sets up the global tracer provider. With Enabled false the package
// stays on a no-op tracer and every helper is free.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		return nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate >= 0 && cfg.SampleRate < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracerProvider = tp
	tracer = tp.Tracer(cfg.ServiceName)
	tracingOn = true
	return nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "otlp":
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		return exp, nil
	case "stdout":
		// Used by tests and local runs that only need span plumbing.
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}
}

// Shutdown flushes buffered spans and stops the provider.
func Shutdown(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return tracerProvider.Shutdown(ctx)
}

// Tracer returns the active tracer (no-op until Init enables tracing).
func Tracer() trace.Tracer {
	return tracer
}

// Enabled reports whether spans are being recorded.
func Enabled() bool {
	return tracingOn
}

type discardExporter struct{}

func (discardExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	return nil
}

func (discardExporter) Shutdown(ctx context.Context) error {
	return nil
}
