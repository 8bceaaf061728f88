// Package middleware provides the built-in engine.Middleware
// implementations of §4.4: logging, metrics, performance timing,
// validation, rate limiting, circuit breaking, timeout, audit, tracing,
// and an alternate caching layer. Each is a constructor returning a
// populated *engine.Middleware rather than a named-dispatch handler,
// per the Design Notes resolution of the spec's string-dispatch
// deviation.
package middleware

import (
	"context"

	"github.com/stagegraph/flowengine/engine"
)

// Logging logs pipeline and stage lifecycle transitions through
// logger, adapted from commbus/middleware.go's LoggingMiddleware
// Before/After pair (there: message category + type; here: pipeline
// name + stage name).
func Logging(logger engine.Logger) *engine.Middleware {
	return &engine.Middleware{
		Name: "logging",
		OnPipelineStart: func(ctx context.Context, ec *engine.Context) error {
			logger.Info("pipeline_start", "execution_id", ec.ExecutionID)
			return nil
		},
		OnStageStart: func(ctx context.Context, ec *engine.Context, stageName string) {
			logger.Debug("stage_start", "execution_id", ec.ExecutionID, "stage", stageName)
		},
		OnStageComplete: func(ctx context.Context, ec *engine.Context, stageName string, result *engine.StageResult) {
			if result.Success {
				logger.Debug("stage_complete", "execution_id", ec.ExecutionID, "stage", stageName,
					"attempts", result.Metadata.Attempts, "duration", result.Metadata.Duration)
			} else {
				logger.Warn("stage_failed", "execution_id", ec.ExecutionID, "stage", stageName,
					"attempts", result.Metadata.Attempts, "err", result.Err)
			}
		},
		OnError: func(ctx context.Context, ec *engine.Context, stageName string, err error) {
			logger.Error("stage_error", "execution_id", ec.ExecutionID, "stage", stageName, "err", err)
		},
		OnPipelineComplete: func(ctx context.Context, ec *engine.Context, result *engine.PipelineResult) {
			logger.Info("pipeline_complete", "execution_id", ec.ExecutionID, "success", result.Success)
		},
	}
}
