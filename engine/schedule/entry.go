package schedule

import "time"

// TriggerKind is a ScheduleEntry's activation mode, per §3's
// `trigger (cron|interval|delay)`.
type TriggerKind string

const (
	TriggerCron     TriggerKind = "cron"
	TriggerInterval TriggerKind = "interval"
	TriggerDelay    TriggerKind = "delay"
)

// Trigger is the oneof activation configuration for a ScheduleEntry.
type Trigger struct {
	Kind     TriggerKind
	Cron     string        // used when Kind == TriggerCron
	Interval time.Duration // used when Kind == TriggerInterval
	Delay    time.Duration // used when Kind == TriggerDelay
}

// RetryPolicy bounds per-execution retry attempts with exponential
// backoff capped at 30s, per §4.8.
type RetryPolicy struct {
	MaxRetries int
}

// ScheduleEntry is the §3 data-model record: {id, pipeline, trigger,
// input, enabled, dependsOn[], retryPolicy?, timeout?} plus execution
// history (tracked separately by PipelineScheduler.History).
type ScheduleEntry struct {
	ID          string
	Pipeline    string
	Trigger     Trigger
	Input       any
	Enabled     bool
	DependsOn   []string
	RetryPolicy *RetryPolicy
	Timeout     time.Duration

	cron      *Cron
	lastRun   time.Time
	createdAt time.Time
	fired     bool // for TriggerDelay: has the single shot already fired
}

// ExecutionStatus is the terminal outcome recorded for one scheduled
// execution attempt.
type ExecutionStatus string

const (
	StatusScheduled ExecutionStatus = "scheduled"
	StatusStarted   ExecutionStatus = "started"
	StatusRetry     ExecutionStatus = "retry"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// ExecutionRecord is one entry in a ScheduleEntry's execution history.
type ExecutionRecord struct {
	ScheduleID string
	Status     ExecutionStatus
	Attempt    int
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}
