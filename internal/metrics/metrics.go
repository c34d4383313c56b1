// Package metrics wires the otel tracer provider cdcgate's components
// use for span instrumentation.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the package-level tracer every component derives its spans
// from, matching the one-tracer-var-per-concern convention the storage
// layer uses ("github.com/steveyegge/beads/storage/dolt" -> here,
// "github.com/cdcfanout/cdcgate").
var Tracer = otel.Tracer("github.com/cdcfanout/cdcgate")

// Setup installs a stdouttrace-backed TracerProvider as the global otel
// provider. Call once at process startup; returns a shutdown func.
func Setup(ctx context.Context) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("metrics: stdouttrace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("cdcgate"),
	))
	if err != nil {
		return nil, fmt.Errorf("metrics: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartSpan is a thin convenience wrapper so call sites don't each
// repeat Tracer.Start's import.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name)
}
