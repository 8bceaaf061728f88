package middleware

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stagegraph/flowengine/engine"
)

// Tracing opens one span per stage under a pipeline-execution root
// span, using the global TracerProvider installed by
// engine/observability.InitTracer (grounded on coreengine/
// observability/tracing.go, which wires the same global provider via
// otel.SetTracerProvider). Exec-scoped spans are tracked by
// ExecutionID since engine.Middleware hooks do not thread a
// context.Context carrying span state between OnStageStart and
// OnStageComplete.
func Tracing(tracerName string) *engine.Middleware {
	tracer := otel.Tracer(tracerName)

	var mu sync.Mutex
	rootSpans := make(map[string]trace.Span)
	stageSpans := make(map[string]trace.Span) // keyed by executionID+":"+stageName

	return &engine.Middleware{
		Name: "tracing",
		OnPipelineStart: func(ctx context.Context, ec *engine.Context) error {
			_, span := tracer.Start(ctx, "pipeline.execute",
				trace.WithAttributes(attribute.String("execution_id", ec.ExecutionID)))
			mu.Lock()
			rootSpans[ec.ExecutionID] = span
			mu.Unlock()
			return nil
		},
		OnStageStart: func(ctx context.Context, ec *engine.Context, stageName string) {
			mu.Lock()
			root, hasRoot := rootSpans[ec.ExecutionID]
			mu.Unlock()
			if hasRoot {
				ctx = trace.ContextWithSpan(ctx, root)
			}
			_, span := tracer.Start(ctx, "stage."+stageName,
				trace.WithAttributes(
					attribute.String("execution_id", ec.ExecutionID),
					attribute.String("stage", stageName),
				))
			mu.Lock()
			stageSpans[ec.ExecutionID+":"+stageName] = span
			mu.Unlock()
		},
		OnStageComplete: func(ctx context.Context, ec *engine.Context, stageName string, result *engine.StageResult) {
			mu.Lock()
			span, ok := stageSpans[ec.ExecutionID+":"+stageName]
			delete(stageSpans, ec.ExecutionID+":"+stageName)
			mu.Unlock()
			if !ok {
				return
			}
			if result.Success {
				span.SetStatus(codes.Ok, "")
			} else {
				span.SetStatus(codes.Error, result.Err.Error())
				span.RecordError(result.Err)
			}
			span.SetAttributes(attribute.Int("attempts", result.Metadata.Attempts))
			span.End()
		},
		OnPipelineComplete: func(ctx context.Context, ec *engine.Context, result *engine.PipelineResult) {
			mu.Lock()
			span, ok := rootSpans[ec.ExecutionID]
			delete(rootSpans, ec.ExecutionID)
			mu.Unlock()
			if !ok {
				return
			}
			if result.Success {
				span.SetStatus(codes.Ok, "")
			} else {
				span.SetStatus(codes.Error, "pipeline failed")
			}
			span.End()
		},
	}
}
