package runtime

import (
	"sync"
	"time"
)

// Budget is a supplemented feature (SPEC_FULL.md §10): per-execution
// resource bounds, adapted from the teacher's ResourceQuota/
// ResourceUsage (coreengine/kernel/types.go) and ResourceTracker
// (resources.go), repurposed from LLM-call/tool-call/agent-hop
// counting to stage-count/wall-clock/fan-out counting for the
// stage-graph engine.
type Budget struct {
	MaxStages      int
	MaxWallClock   time.Duration
	MaxConcurrency int // fan-out ceiling reported by ConcurrencyLimit

	mu        sync.Mutex
	stages    int
	startedAt time.Time
}

// NewBudget returns a budget with the given limits. Zero means
// unbounded for that dimension.
func NewBudget(maxStages int, maxWallClock time.Duration, maxConcurrency int) *Budget {
	return &Budget{
		MaxStages:      maxStages,
		MaxWallClock:   maxWallClock,
		MaxConcurrency: maxConcurrency,
		startedAt:      time.Now(),
	}
}

// RecordStage increments the stage counter and reports the exceeded
// reason, or "" if still within bounds.
func (b *Budget) RecordStage() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stages++
	if b.MaxStages > 0 && b.stages > b.MaxStages {
		return "max_stages_exceeded"
	}
	if b.MaxWallClock > 0 && time.Since(b.startedAt) > b.MaxWallClock {
		return "max_wall_clock_exceeded"
	}
	return ""
}

// ConcurrencyLimit returns the effective fan-out ceiling for a
// combinator, given its own requested maxConcurrency (0 = unbounded).
func (b *Budget) ConcurrencyLimit(requested int) int {
	if b == nil || b.MaxConcurrency <= 0 {
		return requested
	}
	if requested <= 0 || requested > b.MaxConcurrency {
		return b.MaxConcurrency
	}
	return requested
}

// StageCount returns the number of stages recorded so far.
func (b *Budget) StageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stages
}

// Elapsed returns wall-clock time since the budget was created.
func (b *Budget) Elapsed() time.Duration {
	return time.Since(b.startedAt)
}
