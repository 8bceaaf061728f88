package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/stagegraph/flowengine/engine"
)

// Middleware builds an engine.Middleware that triggers
// CheckpointManager.Create on stage-complete, either unconditionally
// (interval <= 0) or when now - lastCheckpointAt >= interval, per
// §4.5. pipelineName is recorded on every checkpoint it writes.
// Stages marked NoCheckpoint are skipped per the Design Notes.
func (m *CheckpointManager) Middleware(pipelineName string, interval time.Duration, noCheckpointStages map[string]bool) *engine.Middleware {
	var mu sync.Mutex
	lastAt := make(map[string]time.Time) // executionID -> last checkpoint time
	completed := make(map[string][]string)

	return &engine.Middleware{
		Name: "checkpoint",
		OnStageComplete: func(ctx context.Context, ec *engine.Context, stageName string, result *engine.StageResult) {
			if !result.Success || noCheckpointStages[stageName] {
				return
			}

			mu.Lock()
			completed[ec.ExecutionID] = append(completed[ec.ExecutionID], stageName)
			names := append([]string(nil), completed[ec.ExecutionID]...)
			due := interval <= 0
			if !due {
				last, ok := lastAt[ec.ExecutionID]
				due = !ok || time.Since(last) >= interval
			}
			if due {
				lastAt[ec.ExecutionID] = time.Now()
			}
			mu.Unlock()

			if !due {
				return
			}
			_, _ = m.Create(ctx, ec.ExecutionID, pipelineName, ec, names, stageName)
		},
		OnPipelineComplete: func(ctx context.Context, ec *engine.Context, result *engine.PipelineResult) {
			mu.Lock()
			delete(completed, ec.ExecutionID)
			delete(lastAt, ec.ExecutionID)
			mu.Unlock()
		},
	}
}
