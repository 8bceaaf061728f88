package engine

import (
	"context"
	"time"
)

// ExecuteFunc is the body of a Stage: it reads/writes ec and returns a
// StageResult. Stages MAY mutate ec.State/ec.Shared; purity is not
// required.
type ExecuteFunc func(ctx context.Context, ec *Context) (*StageResult, error)

// ValidateFunc gates execution before Execute runs. Returning false
// fails the stage with ValidationFailed without consuming a retry.
type ValidateFunc func(ctx context.Context, ec *Context) bool

// CleanupFunc always runs after a stage's final attempt (success or
// terminal failure), regardless of outcome. Errors from Cleanup are
// recorded on the result but never overwrite the primary outcome.
type CleanupFunc func(ctx context.Context, ec *Context, result *StageResult) error

// Stage is the atomic unit of pipeline work. Combinators (engine/
// combinator) construct new Stage values from other stages, so a
// combinator's output composes with itself and with plain stages
// interchangeably.
type Stage struct {
	Name        string
	Description string

	Retryable  bool
	MaxRetries int
	Timeout    time.Duration // 0 = no per-stage timeout
	BaseDelay  time.Duration // retry backoff base; runtime defaults if zero
	MaxDelay   time.Duration // retry backoff cap; runtime defaults if zero

	Validate ValidateFunc
	Cleanup  CleanupFunc
	Execute  ExecuteFunc

	// NoCheckpoint/NoCache mark a stage whose output is not
	// serializable by the canonical encoder (engine/canon), per the
	// Design Notes requirement that such stages be explicitly flagged
	// rather than silently corrupting a checkpoint or cache entry.
	NoCheckpoint bool
	NoCache      bool
}

// StageResultMetadata is the {duration, attempts, ...} bag attached to
// every StageResult.
type StageResultMetadata struct {
	Duration time.Duration
	Attempts int
	Extra    map[string]any
}

// StageResult is the outcome of running one stage once (across all of
// its retries).
type StageResult struct {
	Success bool
	Output  any
	Err     error

	// Continue=false on a successful result terminates the surrounding
	// sequence after this stage, treated as success by the orchestrator.
	Continue bool

	// Branch names an alternate continuation. Per the Design Notes
	// resolution of the spec's open question, this is advisory
	// metadata only: the pipeline orchestrator does not act on it.
	// Only engine/combinator's branch combinator redirects control
	// flow.
	Branch string

	Metadata StageResultMetadata
}

// Ok constructs a successful, continuing result.
func Ok(output any) *StageResult {
	return &StageResult{Success: true, Output: output, Continue: true}
}

// Fail constructs a failed, sequence-terminating result carrying err.
func Fail(err error) *StageResult {
	return &StageResult{Success: false, Err: err, Continue: false}
}

// Metrics accumulates per-pipeline rolling counters, updated by the
// orchestrator only (§5: "Pipeline metric counters: updated from the
// orchestrator only, no user access").
type Metrics struct {
	Executions      int64
	Successes       int64
	Failures        int64
	TotalDuration   time.Duration
	StageExecutions map[string]int64
	StageFailures   map[string]int64
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		StageExecutions: make(map[string]int64),
		StageFailures:   make(map[string]int64),
	}
}

// PipelineResult is the final outcome of one execute() call.
type PipelineResult struct {
	Success      bool
	Output       any
	Err          error
	Context      *Context
	StageResults map[string]*StageResult
	Metrics      *Metrics
}

// Middleware is a fixed struct of optional hook functions, not a
// name-dispatched interface, per the Design Notes resolution of the
// spec's "variadic hooks dispatched by string" deviation. Hooks run in
// registration order; all but the pre-execution hooks are best-effort
// (errors are logged and swallowed).
type Middleware struct {
	Name string

	// OnPipelineStart may return an error to abort the pipeline before
	// any stage runs (used by rateLimit/circuitBreaker/validation).
	OnPipelineStart func(ctx context.Context, ec *Context) error

	OnStageStart func(ctx context.Context, ec *Context, stageName string)

	OnStageComplete func(ctx context.Context, ec *Context, stageName string, result *StageResult)

	OnError func(ctx context.Context, ec *Context, stageName string, err error)

	OnPipelineComplete func(ctx context.Context, ec *Context, result *PipelineResult)
}
