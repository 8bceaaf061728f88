package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stagegraph/flowengine/engine"
)

// Executor runs one scheduled execution attempt for entry, honoring
// ctx's deadline/cancellation.
type Executor func(ctx context.Context, entry *ScheduleEntry) error

// SchedulerConfig configures a PipelineScheduler's tick cadence and
// execution-history retention.
type SchedulerConfig struct {
	TickInterval    time.Duration // default 60s
	RetentionPeriod time.Duration // executions older than this are pruned; 0 = unbounded
}

// DefaultSchedulerConfig returns the spec's documented defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{TickInterval: 60 * time.Second}
}

// PipelineScheduler registers ScheduleEntry values, ticks them against
// their trigger, enforces dependsOn preconditions, and retries failed
// executions with capped exponential backoff, per §4.8. Grounded on
// coreengine/kernel/cleanup.go's ticker-plus-done-channel idiom for the
// tick loop and cenkalti/backoff/v4 for the capped retry backoff.
type PipelineScheduler struct {
	cfg      SchedulerConfig
	executor Executor
	graph    *DependencyGraph
	events   *engine.EventBus

	mu      sync.Mutex
	entries map[string]*ScheduleEntry
	history map[string][]ExecutionRecord

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPipelineScheduler constructs a scheduler running executions
// through executor and publishing lifecycle events (scheduled/started/
// retry/completed/failed) onto events, if non-nil.
func NewPipelineScheduler(cfg SchedulerConfig, executor Executor, events *engine.EventBus) *PipelineScheduler {
	if cfg.TickInterval <= 0 {
		cfg = DefaultSchedulerConfig()
	}
	return &PipelineScheduler{
		cfg:      cfg,
		executor: executor,
		graph:    NewDependencyGraph(),
		events:   events,
		entries:  make(map[string]*ScheduleEntry),
		history:  make(map[string][]ExecutionRecord),
	}
}

// Register validates entry's cron (if its trigger is cron-based),
// rejects a duplicate ID, and rejects a dependsOn set that would
// introduce a dependency cycle.
func (s *PipelineScheduler) Register(entry *ScheduleEntry) error {
	if entry.Trigger.Kind == TriggerCron {
		c, err := ParseCron(entry.Trigger.Cron)
		if err != nil {
			return err
		}
		entry.cron = c
	}
	entry.createdAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; exists {
		return fmt.Errorf("schedule: entry %q already registered", entry.ID)
	}

	existed := s.graph.nodes[entry.ID]
	s.graph.AddNode(entry.ID)
	var added []string
	for _, dep := range entry.DependsOn {
		if err := s.graph.AddEdge(entry.ID, dep); err != nil {
			// Roll back only the edges this call added, never the
			// dependency nodes themselves — a dep may already be
			// shared by other registered entries.
			for _, a := range added {
				s.graph.RemoveEdge(entry.ID, a)
			}
			if !existed {
				s.graph.RemoveNode(entry.ID) // not a node before this call, so safe to drop entirely
			}
			return err
		}
		added = append(added, dep)
	}

	s.entries[entry.ID] = entry
	return nil
}

// Unregister removes an entry and its graph edges.
func (s *PipelineScheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	delete(s.history, id)
	s.graph.RemoveNode(id)
}

// Start begins the periodic tick loop.
func (s *PipelineScheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	ticker := time.NewTicker(s.cfg.TickInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the tick loop and waits for any in-flight tick to finish.
func (s *PipelineScheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *PipelineScheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	due := make([]*ScheduleEntry, 0)
	for _, e := range s.entries {
		if !e.Enabled {
			continue
		}
		if s.isDue(e, now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.mu.Lock()
		e.lastRun = now
		e.fired = true
		s.mu.Unlock()
		go s.runWithPreconditions(ctx, e)
	}

	s.pruneHistory(now)
}

func (s *PipelineScheduler) isDue(e *ScheduleEntry, now time.Time) bool {
	switch e.Trigger.Kind {
	case TriggerCron:
		return e.cron != nil && e.cron.Matches(now)
	case TriggerInterval:
		return e.lastRun.IsZero() || now.Sub(e.lastRun) >= e.Trigger.Interval
	case TriggerDelay:
		return !e.fired && now.Sub(e.createdAt) >= e.Trigger.Delay
	default:
		return false
	}
}

// runWithPreconditions checks dependsOn before running, per §4.8
// "Execution preconditions: all dependsOn scheduleIds have at least
// one successful completion recorded."
func (s *PipelineScheduler) runWithPreconditions(ctx context.Context, e *ScheduleEntry) {
	s.emit(engine.EventType(StatusScheduled), e.ID, nil)

	for _, dep := range e.DependsOn {
		if !s.hasSuccess(dep) {
			err := fmt.Errorf("dependency %q has no successful completion", dep)
			now := time.Now()
			s.record(ExecutionRecord{ScheduleID: e.ID, Status: StatusFailed, StartedAt: now, FinishedAt: now, Err: err})
			s.emit(engine.EventType(StatusFailed), e.ID, err)
			return
		}
	}

	s.runWithRetry(ctx, e)
}

func (s *PipelineScheduler) hasSuccess(scheduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.history[scheduleID] {
		if rec.Status == StatusCompleted {
			return true
		}
	}
	return false
}

func (s *PipelineScheduler) runWithRetry(ctx context.Context, e *ScheduleEntry) {
	maxRetries := 0
	if e.RetryPolicy != nil {
		maxRetries = e.RetryPolicy.MaxRetries
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = 30 * time.Second

	attempt := 0
	for {
		attempt++
		execCtx := ctx
		var cancelTimeout context.CancelFunc
		if e.Timeout > 0 {
			execCtx, cancelTimeout = context.WithTimeout(ctx, e.Timeout)
		}

		started := time.Now()
		s.emit(engine.EventType(StatusStarted), e.ID, map[string]any{"attempt": attempt})
		err := s.executor(execCtx, e)
		if cancelTimeout != nil {
			cancelTimeout()
		}
		finished := time.Now()

		if err == nil {
			s.record(ExecutionRecord{ScheduleID: e.ID, Status: StatusCompleted, Attempt: attempt, StartedAt: started, FinishedAt: finished})
			s.emit(engine.EventType(StatusCompleted), e.ID, map[string]any{"attempt": attempt})
			return
		}

		if attempt > maxRetries {
			s.record(ExecutionRecord{ScheduleID: e.ID, Status: StatusFailed, Attempt: attempt, StartedAt: started, FinishedAt: finished, Err: err})
			s.emit(engine.EventType(StatusFailed), e.ID, map[string]any{"attempt": attempt, "error": err.Error()})
			return
		}

		s.record(ExecutionRecord{ScheduleID: e.ID, Status: StatusRetry, Attempt: attempt, StartedAt: started, FinishedAt: finished, Err: err})
		s.emit(engine.EventType(StatusRetry), e.ID, map[string]any{"attempt": attempt, "error": err.Error()})

		delay := b.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *PipelineScheduler) record(rec ExecutionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[rec.ScheduleID] = append(s.history[rec.ScheduleID], rec)
}

func (s *PipelineScheduler) emit(eventType engine.EventType, scheduleID string, data any) {
	if s.events == nil {
		return
	}
	d, _ := data.(map[string]any)
	s.events.Publish(engine.Event{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: scheduleID,
		Data:        d,
	})
}

// History returns a copy of the retained execution records for
// scheduleID, oldest first.
func (s *PipelineScheduler) History(scheduleID string) []ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.history[scheduleID]
	out := make([]ExecutionRecord, len(recs))
	copy(out, recs)
	return out
}

// ClearHistory discards retained executions for scheduleID, or every
// entry's history if scheduleID is "".
func (s *PipelineScheduler) ClearHistory(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if scheduleID == "" {
		s.history = make(map[string][]ExecutionRecord)
		return
	}
	delete(s.history, scheduleID)
}

func (s *PipelineScheduler) pruneHistory(now time.Time) {
	if s.cfg.RetentionPeriod <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, recs := range s.history {
		kept := recs[:0]
		for _, r := range recs {
			if now.Sub(r.FinishedAt) <= s.cfg.RetentionPeriod {
				kept = append(kept, r)
			}
		}
		s.history[id] = kept
	}
}
