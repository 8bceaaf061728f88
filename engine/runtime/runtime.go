// Package runtime implements the stage runtime (§4.1): running one
// stage to completion with cancellation checks, validation, timeout,
// retry-with-backoff, and cleanup.
package runtime

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stagegraph/flowengine/engine"
)

const (
	defaultBaseDelay = 50 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
)

// Run executes stage against ec exactly as §4.1 prescribes:
//
//  1. Cancellation check -> Cancelled.
//  2. Validate -> ValidationFailed (no retry consumed).
//  3. Execute under the stage's timeout, if any. A timeout is a fatal
//     failure for that attempt and, per §4.1/§9, is subject to retry
//     like any other attempt failure — the teacher's timeout-bypasses-
//     retry behavior is deliberately not replicated.
//  4. On failure, retry with exponential backoff while
//     attempts <= maxRetries, aborting immediately if cancellation is
//     observed during backoff.
//  5. Cleanup always runs after the final attempt; its errors are
//     recorded but never override the primary result.
//  6. {duration, attempts} is attached to the result metadata.
func Run(ctx context.Context, stage *engine.Stage, ec *engine.Context) *engine.StageResult {
	start := time.Now()
	result := runWithRetry(ctx, stage, ec)
	result.Metadata.Duration = time.Since(start)

	if stage.Cleanup != nil {
		if cleanupErr := safeCleanup(ctx, stage, ec, result); cleanupErr != nil {
			if result.Metadata.Extra == nil {
				result.Metadata.Extra = make(map[string]any)
			}
			result.Metadata.Extra["cleanup_error"] = cleanupErr.Error()
		}
	}
	return result
}

func runWithRetry(ctx context.Context, stage *engine.Stage, ec *engine.Context) *engine.StageResult {
	b := newBackOff(stage)
	attempts := 0

	for {
		if err := ec.Cancel.Err(); err != nil {
			return failedAttempt(err, attempts)
		}

		attempts++
		result, retryable := attempt(ctx, stage, ec, attempts)
		if result.Success || !retryable || !stage.Retryable || attempts > stage.MaxRetries {
			result.Metadata.Attempts = attempts
			return result
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			result.Metadata.Attempts = attempts
			return result
		}

		timer := time.NewTimer(delay)
		select {
		case <-ec.Cancel.Done():
			timer.Stop()
			r := failedAttempt(ec.Cancel.Err(), attempts)
			r.Metadata.Attempts = attempts
			return r
		case <-timer.C:
		}
	}
}

// attempt runs one execution attempt and reports whether the failure
// (if any) is the retryable kind of failure (StageFailed/Timeout) as
// opposed to terminal kinds (ValidationFailed, Cancelled).
func attempt(ctx context.Context, stage *engine.Stage, ec *engine.Context, attemptNo int) (*engine.StageResult, bool) {
	if stage.Validate != nil && !stage.Validate(ctx, ec) {
		return &engine.StageResult{
			Success:  false,
			Err:      engine.NewError(engine.ErrValidationFailed, stage.Name, nil),
			Continue: false,
		}, false
	}

	execCtx := ctx
	var cancelTimeout context.CancelFunc
	if stage.Timeout > 0 {
		execCtx, cancelTimeout = context.WithTimeout(ctx, stage.Timeout)
		defer cancelTimeout()
	}

	result, err := safeExecute(execCtx, stage, ec)
	if err == nil && result != nil && result.Success {
		return result, false
	}

	if execCtx.Err() == context.DeadlineExceeded {
		return &engine.StageResult{
			Success:  false,
			Err:      engine.NewError(engine.ErrTimeout, stage.Name, execCtx.Err()),
			Continue: false,
		}, true
	}

	if err != nil {
		return &engine.StageResult{
			Success:  false,
			Err:      engine.NewError(engine.ErrStageFailed, stage.Name, err),
			Continue: false,
		}, true
	}
	if result == nil {
		return &engine.StageResult{
			Success:  false,
			Err:      engine.NewError(engine.ErrStageFailed, stage.Name, nil),
			Continue: false,
		}, true
	}
	// result.Success == false with an explicit error already set.
	if result.Err == nil {
		result.Err = engine.NewError(engine.ErrStageFailed, stage.Name, nil)
	}
	return result, true
}

// safeExecute wraps stage.Execute with panic recovery, adapted from
// the teacher's SafeExecuteWithResult[T] in coreengine/kernel/
// recovery.go: a stage panic becomes a StageFailed error instead of
// crashing the runtime.
func safeExecute(ctx context.Context, stage *engine.Stage, ec *engine.Context) (result *engine.StageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.NewError(engine.ErrStageFailed, stage.Name,
				panicError{value: r, stack: debug.Stack()})
		}
	}()
	return stage.Execute(ctx, ec)
}

func safeCleanup(ctx context.Context, stage *engine.Stage, ec *engine.Context, result *engine.StageResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r, stack: debug.Stack()}
		}
	}()
	return stage.Cleanup(ctx, ec, result)
}

func failedAttempt(err error, attempts int) *engine.StageResult {
	return &engine.StageResult{
		Success:  false,
		Err:      err,
		Continue: false,
		Metadata: engine.StageResultMetadata{Attempts: attempts},
	}
}

func newBackOff(stage *engine.Stage) backoff.BackOff {
	base := stage.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	maxDelay := stage.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = maxDelay
	eb.MaxElapsedTime = 0 // bounded by stage.MaxRetries, not elapsed time
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	return eb
}

type panicError struct {
	value any
	stack []byte
}

func (p panicError) Error() string {
	return "panic recovered: " + toString(p.value)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if e, ok := v.(error); ok {
		return e.Error()
	}
	return "non-string panic value"
}
