package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/stagegraph/flowengine/engine"
)

// Timeout aborts the whole pipeline if it has not completed within max
// of OnPipelineStart, independent of any per-stage timeout configured
// on individual stages. It races a timer against pipeline completion
// using the execution's own CancelHandle, so stages already in flight
// observe cancellation the same way §4.1's cancellation check does.
func Timeout(max time.Duration) *engine.Middleware {
	var mu sync.Mutex
	timers := make(map[string]*time.Timer)

	return &engine.Middleware{
		Name: "timeout",
		OnPipelineStart: func(ctx context.Context, ec *engine.Context) error {
			timer := time.AfterFunc(max, func() {
				ec.Cancel.Signal()
			})
			mu.Lock()
			timers[ec.ExecutionID] = timer
			mu.Unlock()
			return nil
		},
		OnPipelineComplete: func(ctx context.Context, ec *engine.Context, result *engine.PipelineResult) {
			mu.Lock()
			timer, ok := timers[ec.ExecutionID]
			delete(timers, ec.ExecutionID)
			mu.Unlock()
			if ok {
				timer.Stop()
			}
		},
	}
}
