package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stagegraph/flowengine/engine"
)

// Prometheus instrumentation, adapted from coreengine/observability/
// metrics.go's jeeves_pipeline_executions_total/jeeves_agent_*
// counter+histogram pairs, retargeted from pipeline/agent/LLM/grpc to
// pipeline/stage.
var (
	pipelineExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowengine_pipeline_executions_total",
			Help: "Total number of pipeline executions.",
		},
		[]string{"pipeline", "status"},
	)

	pipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowengine_pipeline_duration_seconds",
			Help:    "Pipeline execution duration in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"pipeline"},
	)

	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowengine_stage_executions_total",
			Help: "Total number of stage executions.",
		},
		[]string{"stage", "status"},
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowengine_stage_duration_seconds",
			Help:    "Stage execution duration in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"stage"},
	)

	stageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowengine_stage_retries_total",
			Help: "Total number of stage retry attempts beyond the first.",
		},
		[]string{"stage"},
	)
)

// Metrics records pipeline and stage execution counts/durations to the
// process's default Prometheus registry.
func Metrics(pipelineName string) *engine.Middleware {
	var start time.Time
	stageStarts := make(map[string]time.Time)

	return &engine.Middleware{
		Name: "metrics",
		OnPipelineStart: func(ctx context.Context, ec *engine.Context) error {
			start = time.Now()
			return nil
		},
		OnStageStart: func(ctx context.Context, ec *engine.Context, stageName string) {
			stageStarts[stageName] = time.Now()
		},
		OnStageComplete: func(ctx context.Context, ec *engine.Context, stageName string, result *engine.StageResult) {
			status := "success"
			if !result.Success {
				status = "error"
			}
			stageExecutionsTotal.WithLabelValues(stageName, status).Inc()
			if t, ok := stageStarts[stageName]; ok {
				stageDurationSeconds.WithLabelValues(stageName).Observe(time.Since(t).Seconds())
			}
			if result.Metadata.Attempts > 1 {
				stageRetriesTotal.WithLabelValues(stageName).Add(float64(result.Metadata.Attempts - 1))
			}
		},
		OnPipelineComplete: func(ctx context.Context, ec *engine.Context, result *engine.PipelineResult) {
			status := "success"
			if !result.Success {
				status = "error"
			}
			pipelineExecutionsTotal.WithLabelValues(pipelineName, status).Inc()
			pipelineDurationSeconds.WithLabelValues(pipelineName).Observe(time.Since(start).Seconds())
		},
	}
}
