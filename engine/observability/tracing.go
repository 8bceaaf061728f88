// Package observability provides process-level metrics, tracing
// bootstrap, health reporting, and execution-snapshot rendering for the
// engine, distinct from engine/middleware's per-pipeline/per-stage
// metrics. Grounded on coreengine/observability/tracing.go and
// coreengine/observability/metrics.go, generalized from the teacher's
// pipeline/agent/LLM/grpc concerns to dispatcher/scheduler/checkpoint
// concerns.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// InitTracer bootstraps OpenTelemetry tracing with an OTLP/gRPC
// exporter pointed at collectorEndpoint, registers it as the global
// tracer provider, and installs the W3C trace-context + baggage
// propagator so spans correlate across the dispatcher's worker RPCs.
// Returns a shutdown function that must be called on process exit.
func InitTracer(serviceName, collectorEndpoint string) (func(context.Context) error, error) {
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(collectorEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}
