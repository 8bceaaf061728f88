// Package dispatch implements the distributed dispatcher (§4.6):
// a priority MessageQueue, capability-aware Workers, a bounded
// WorkerPool with a single heartbeat-sweep ticker, a LoadBalancer for
// direct assignment, and a DistributedExecutor that hands a Stage to a
// worker and resolves a future when a terminal result lands. Grounded
// near-1:1 on commbus/protocols.go's DistributedTask/DistributedBus
// interface (EnqueueTask/DequeueTask/CompleteTask/FailTask/
// RegisterWorker/Heartbeat/GetQueueStats) and coreengine/kernel/
// services.go's ServiceRegistry (health/load tracking, dispatch retry).
package dispatch

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/stagegraph/flowengine/engine"
)

// WorkItem is the §3 data-model record queued for distributed
// execution: {id, stageName, contextSnapshot, priority, enqueuedAt,
// attempts, maxAttempts}.
type WorkItem struct {
	ID          string
	StageName   string
	Stage       *engine.Stage
	Context     *engine.Context
	Priority    int
	EnqueuedAt  time.Time
	Attempts    int
	MaxAttempts int
}

// heapItem wraps a WorkItem with its heap index for container/heap.
type heapItem struct {
	item  *WorkItem
	index int
}

// priorityHeap orders by (-priority, enqueuedAt): highest priority
// first, ties broken by earliest enqueue time (§4.6 "Ordering").
type priorityHeap []*heapItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].item.EnqueuedAt.Before(h[j].item.EnqueuedAt)
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	it := x.(*heapItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// MessageQueue is a FIFO-within-priority queue: Enqueue orders by
// (-priority, enqueuedAt); Dequeue is destructive and blocks until an
// item is available or ctx is cancelled.
type MessageQueue struct {
	mu      sync.Mutex
	heap    priorityHeap
	notify  chan struct{}

	pending   int
	inFlight  int
	completed int
	failed    int
}

// NewMessageQueue returns an empty queue.
func NewMessageQueue() *MessageQueue {
	return &MessageQueue{notify: make(chan struct{}, 1)}
}

// Enqueue adds item to the queue, stamping EnqueuedAt if unset.
func (q *MessageQueue) Enqueue(item *WorkItem) {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	heap.Push(&q.heap, &heapItem{item: item})
	q.pending++
	q.mu.Unlock()
	q.wake()
}

func (q *MessageQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue pops the highest-priority item, blocking until one is
// available or ctx is done. Returns (nil, ctx.Err()) on cancellation.
func (q *MessageQueue) Dequeue(ctx context.Context) (*WorkItem, error) {
	for {
		q.mu.Lock()
		if len(q.heap) > 0 {
			hi := heap.Pop(&q.heap).(*heapItem)
			q.pending--
			q.inFlight++
			q.mu.Unlock()
			return hi.item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// TryDequeue pops an item without blocking, returning ok=false if the
// queue is empty.
func (q *MessageQueue) TryDequeue() (item *WorkItem, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil, false
	}
	hi := heap.Pop(&q.heap).(*heapItem)
	q.pending--
	q.inFlight++
	return hi.item, true
}

// Requeue re-enqueues item after a worker failure, retaining its
// original priority but stamping a fresh EnqueuedAt per §4.6
// "Ordering".
func (q *MessageQueue) Requeue(item *WorkItem) {
	item.EnqueuedAt = time.Now()
	q.mu.Lock()
	q.inFlight--
	heap.Push(&q.heap, &heapItem{item: item})
	q.pending++
	q.mu.Unlock()
	q.wake()
}

// Complete records a successful terminal result for an in-flight item.
func (q *MessageQueue) Complete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--
	q.completed++
}

// Fail records a terminal failure (attempts exhausted) for an
// in-flight item.
func (q *MessageQueue) Fail() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--
	q.failed++
}

// Stats is the §4.6 QueueStats analogue.
type Stats struct {
	PendingCount    int
	InProgressCount int
	CompletedCount  int
	FailedCount     int
}

// Stats reports current queue statistics.
func (q *MessageQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		PendingCount:    q.pending,
		InProgressCount: q.inFlight,
		CompletedCount:  q.completed,
		FailedCount:     q.failed,
	}
}
