package dispatch

import (
	"fmt"
	"math/rand"
	"sync"
)

// Strategy is a LoadBalancer selection strategy, per §4.6.
type Strategy string

const (
	StrategyRoundRobin  Strategy = "round-robin"
	StrategyLeastLoaded Strategy = "least-loaded"
	StrategyRandom      Strategy = "random"
)

// LoadBalancer picks a worker for direct assignment (as opposed to
// broadcast-via-queue), for callers that want to target one worker
// rather than let the pool compete for an item. DistributedExecutor
// does not use it: it always enqueues onto the shared queue.
type LoadBalancer struct {
	strategy Strategy

	mu       sync.Mutex
	rrCursor int
}

// NewLoadBalancer constructs a balancer using the given strategy.
func NewLoadBalancer(strategy Strategy) *LoadBalancer {
	if strategy == "" {
		strategy = StrategyLeastLoaded
	}
	return &LoadBalancer{strategy: strategy}
}

// Select picks one worker able to handle stageName from candidates,
// per the balancer's configured strategy.
func (b *LoadBalancer) Select(candidates []*Worker, stageName string) (*Worker, error) {
	var eligible []*Worker
	for _, w := range candidates {
		if w.CanHandle(stageName) && w.State() != StateOffline && w.State() != StateError {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("dispatch: no healthy worker can handle stage %q", stageName)
	}

	switch b.strategy {
	case StrategyRandom:
		return eligible[rand.Intn(len(eligible))], nil
	case StrategyLeastLoaded:
		best := eligible[0]
		bestLoad := best.Metrics().ActiveItems
		for _, w := range eligible[1:] {
			if load := w.Metrics().ActiveItems; load < bestLoad {
				best, bestLoad = w, load
			}
		}
		return best, nil
	default: // StrategyRoundRobin
		b.mu.Lock()
		idx := b.rrCursor % len(eligible)
		b.rrCursor++
		b.mu.Unlock()
		return eligible[idx], nil
	}
}
