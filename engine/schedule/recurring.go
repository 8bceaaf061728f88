package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/stagegraph/flowengine/engine"
)

// RecurringExecutor runs a function at a fixed interval up to
// maxExecutions, emitting a lifecycle event per execution, per §4.8.
type RecurringExecutor struct {
	events *engine.EventBus

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewRecurringExecutor constructs an executor publishing per-execution
// events onto events, if non-nil.
func NewRecurringExecutor(events *engine.EventBus) *RecurringExecutor {
	return &RecurringExecutor{events: events, running: make(map[string]context.CancelFunc)}
}

// Start runs fn every interval, up to maxExecutions times (0 = no
// bound), under the given id. Starting a second run under an id
// already active stops the first.
func (r *RecurringExecutor) Start(ctx context.Context, id string, interval time.Duration, maxExecutions int, fn func(ctx context.Context, execution int)) {
	r.Stop(id)

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.running[id] = cancel
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		count := 0
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				count++
				r.emit(id, count)
				fn(runCtx, count)
				if maxExecutions > 0 && count >= maxExecutions {
					r.Stop(id)
					return
				}
			}
		}
	}()
}

// Stop halts the recurring execution registered under id, if any.
func (r *RecurringExecutor) Stop(id string) {
	r.mu.Lock()
	cancel, ok := r.running[id]
	if ok {
		delete(r.running, id)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// IsRunning reports whether id has an active recurring execution.
func (r *RecurringExecutor) IsRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[id]
	return ok
}

func (r *RecurringExecutor) emit(id string, execution int) {
	if r.events == nil {
		return
	}
	r.events.Publish(engine.Event{
		Type:        "schedule-recurring-tick",
		Timestamp:   time.Now().UTC(),
		ExecutionID: id,
		Data:        map[string]any{"execution": execution},
	})
}
