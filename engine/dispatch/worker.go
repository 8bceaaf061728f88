package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/runtime"
)

// State is a Worker's lifecycle state, per §4.6.
type State string

const (
	StateIdle    State = "idle"
	StateBusy    State = "busy"
	StateError   State = "error"
	StateOffline State = "offline"
)

// LoadMetrics is the periodic heartbeat payload a Worker reports.
type LoadMetrics struct {
	ActiveItems   int
	Completed     int
	Failed        int
	LastHeartbeat time.Time
}

// ResultHandler receives a WorkItem's terminal outcome so the owning
// DistributedExecutor can resolve the matching future.
type ResultHandler func(item *WorkItem, result *engine.StageResult)

// Worker owns a capability set (the stage names it can execute) and
// polls a MessageQueue, skipping and re-enqueuing items outside its
// capabilities, per §4.6.
type Worker struct {
	ID           string
	capabilities map[string]bool

	mu        sync.Mutex
	state     State
	completed int
	failed    int
	active    int
	lastBeat  time.Time

	queue   *MessageQueue
	onResult ResultHandler
}

// NewWorker constructs a worker able to execute the named stages.
func NewWorker(id string, capabilities []string, queue *MessageQueue, onResult ResultHandler) *Worker {
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}
	return &Worker{
		ID:           id,
		capabilities: caps,
		state:        StateIdle,
		lastBeat:     time.Now(),
		queue:        queue,
		onResult:     onResult,
	}
}

// CanHandle reports whether the worker declares the given stage name
// among its capabilities.
func (w *Worker) CanHandle(stageName string) bool {
	return w.capabilities[stageName]
}

// Heartbeat records the time of a liveness beat, to be read by
// the WorkerPool's single sweep ticker.
func (w *Worker) Heartbeat() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastBeat = time.Now()
}

// Metrics returns a snapshot of the worker's load metrics.
func (w *Worker) Metrics() LoadMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return LoadMetrics{
		ActiveItems:   w.active,
		Completed:     w.completed,
		Failed:        w.failed,
		LastHeartbeat: w.lastBeat,
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run polls the queue until ctx is done, executing items within the
// worker's capability set via engine/runtime and re-enqueueing items it
// cannot handle. Items whose attempts are exhausted are reported to
// onResult as a terminal failure.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		w.handle(ctx, item)
	}
}

func (w *Worker) handle(ctx context.Context, item *WorkItem) {
	if !w.CanHandle(item.StageName) {
		w.queue.Requeue(item)
		return
	}

	w.setState(StateBusy)
	w.mu.Lock()
	w.active++
	w.mu.Unlock()
	w.Heartbeat()

	item.Attempts++
	result := runtime.Run(ctx, item.Stage, item.Context)

	w.mu.Lock()
	w.active--
	w.mu.Unlock()

	if result.Success {
		w.mu.Lock()
		w.completed++
		w.mu.Unlock()
		w.queue.Complete()
		w.setState(StateIdle)
		if w.onResult != nil {
			w.onResult(item, result)
		}
		return
	}

	w.mu.Lock()
	w.failed++
	w.mu.Unlock()

	if item.Attempts < item.MaxAttempts {
		w.queue.Requeue(item)
		w.setState(StateIdle)
		return
	}

	w.queue.Fail()
	w.setState(StateError)
	if w.onResult != nil {
		w.onResult(item, result)
	}
}
