package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/stagegraph/flowengine/engine"
)

// PerformanceThreshold pairs a stage name with the duration ceiling
// above which Performance logs a warning for that stage.
type PerformanceThreshold struct {
	Stage string
	Max   time.Duration
}

// Performance warns via logger whenever a stage's wall-clock duration
// exceeds its configured threshold (or defaultMax if unconfigured),
// without affecting the stage's outcome — a soft SLO tripwire distinct
// from the hard per-stage Timeout in engine/runtime.
func Performance(logger engine.Logger, defaultMax time.Duration, thresholds []PerformanceThreshold) *engine.Middleware {
	limits := make(map[string]time.Duration, len(thresholds))
	for _, t := range thresholds {
		limits[t.Stage] = t.Max
	}

	var mu sync.Mutex
	starts := make(map[string]time.Time)

	return &engine.Middleware{
		Name: "performance",
		OnStageStart: func(ctx context.Context, ec *engine.Context, stageName string) {
			mu.Lock()
			starts[ec.ExecutionID+":"+stageName] = time.Now()
			mu.Unlock()
		},
		OnStageComplete: func(ctx context.Context, ec *engine.Context, stageName string, result *engine.StageResult) {
			key := ec.ExecutionID + ":" + stageName
			mu.Lock()
			start, ok := starts[key]
			delete(starts, key)
			mu.Unlock()
			if !ok {
				return
			}

			limit, hasLimit := limits[stageName]
			if !hasLimit {
				limit = defaultMax
			}
			if limit <= 0 {
				return
			}
			if elapsed := time.Since(start); elapsed > limit {
				logger.Warn("stage_exceeded_performance_threshold",
					"stage", stageName, "elapsed", elapsed, "threshold", limit)
			}
		},
	}
}
