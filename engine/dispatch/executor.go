package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/stagegraph/flowengine/engine"
)

// ExecuteOptions configures one DistributedExecutor.ExecuteStage call.
type ExecuteOptions struct {
	Priority    int
	MaxAttempts int
}

// Future resolves once a worker publishes a terminal result for the
// matching WorkItem, per §4.6.
type Future struct {
	done chan struct{}
	result *engine.StageResult
	err    error
}

// Wait blocks until the future resolves or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (*engine.StageResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(result *engine.StageResult, err error) {
	f.result, f.err = result, err
	close(f.done)
}

// DistributedExecutor hands a Stage to the queue/worker pool and
// resolves a Future when a worker reports a terminal result for the
// matching WorkItem.id, retrying on worker failure up to MaxAttempts.
// Grounded on commbus/protocols.go's DistributedBus
// (EnqueueTask/CompleteTask/FailTask) generalized to a pull-based
// queue+pool rather than an external broker.
type DistributedExecutor struct {
	queue *MessageQueue

	mu      sync.Mutex
	pending map[string]*Future
}

// NewDistributedExecutor constructs an executor dispatching through
// queue. Pass ResultHandler (DistributedExecutor.HandleResult) to every
// Worker created for this queue so terminal results route back here.
func NewDistributedExecutor(queue *MessageQueue) *DistributedExecutor {
	return &DistributedExecutor{
		queue:   queue,
		pending: make(map[string]*Future),
	}
}

// ExecuteStage enqueues stage for off-process execution against ec and
// returns a Future resolving when a worker reports a terminal result.
func (e *DistributedExecutor) ExecuteStage(stage *engine.Stage, ec *engine.Context, opts ExecuteOptions) *Future {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	item := &WorkItem{
		ID:          uuid.NewString(),
		StageName:   stage.Name,
		Stage:       stage,
		Context:     ec,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
	}

	future := &Future{done: make(chan struct{})}
	e.mu.Lock()
	e.pending[item.ID] = future
	e.mu.Unlock()

	e.queue.Enqueue(item)
	return future
}

// HandleResult is the ResultHandler every Worker dispatching for this
// executor's queue must be constructed with; it resolves the matching
// pending Future. Worker.handle only invokes this for a terminal
// outcome — success, or failure with attempts exhausted — a failure
// with attempts remaining is re-enqueued internally and never reaches
// here.
func (e *DistributedExecutor) HandleResult(item *WorkItem, result *engine.StageResult) {
	e.mu.Lock()
	future, ok := e.pending[item.ID]
	if ok {
		delete(e.pending, item.ID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	if result.Success {
		future.resolve(result, nil)
		return
	}
	future.resolve(result, fmt.Errorf("dispatch: stage %q failed after %d attempts: %w", item.StageName, item.Attempts, result.Err))
}

// PendingCount reports the number of futures still awaiting a terminal
// result, useful for tests and introspection.
func (e *DistributedExecutor) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
