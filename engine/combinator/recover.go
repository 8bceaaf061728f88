package combinator

import (
	"context"
	"time"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/runtime"
)

// RecoveryStrategy decides what to do after inner fails. It returns a
// StageResult to use in inner's place, or ok=false to let the original
// failure propagate unchanged.
type RecoveryStrategy interface {
	Recover(ctx context.Context, ec *engine.Context, inner *engine.Stage, failure *engine.StageResult) (result *engine.StageResult, ok bool)
}

// Recover wraps inner with a RecoveryStrategy consulted only when
// inner's own retry budget (Stage.MaxRetries, handled inside
// engine/runtime) is exhausted. This is a second, strategy-driven line
// of defense above plain retry, not a replacement for it (§4.3).
func Recover(name string, inner *engine.Stage, strategy RecoveryStrategy) *engine.Stage {
	return &engine.Stage{
		Name: name,
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			result := runtime.Run(ctx, inner, ec)
			if result.Success {
				return result, nil
			}
			if recovered, ok := strategy.Recover(ctx, ec, inner, result); ok {
				return recovered, nil
			}
			return result, nil
		},
	}
}

// RetryStrategy re-runs inner up to Attempts additional times, waiting
// Delay between attempts, independent of inner's own MaxRetries — used
// when a stage's own retry budget is deliberately kept low but the
// surrounding combinator should still make a few more attempts after a
// recovery decision elsewhere has been made (e.g. after a fallback
// input substitution).
type RetryStrategy struct {
	Attempts int
	Delay    time.Duration
}

// Recover implements RecoveryStrategy.
func (r RetryStrategy) Recover(ctx context.Context, ec *engine.Context, inner *engine.Stage, failure *engine.StageResult) (*engine.StageResult, bool) {
	last := failure
	for i := 0; i < r.Attempts; i++ {
		if err := ec.Cancel.Err(); err != nil {
			return nil, false
		}
		if r.Delay > 0 {
			timer := time.NewTimer(r.Delay)
			select {
			case <-ec.Cancel.Done():
				timer.Stop()
				return nil, false
			case <-timer.C:
			}
		}
		last = runtime.Run(ctx, inner, ec)
		if last.Success {
			return last, true
		}
	}
	return nil, false
}

// FallbackFunc produces a substitute output when inner fails.
type FallbackFunc func(ctx context.Context, ec *engine.Context, failure *engine.StageResult) (any, error)

// FallbackStrategy substitutes a computed value for inner's output
// instead of retrying — the "use a cached/default value" recovery
// shape (§4.3).
type FallbackStrategy struct {
	Fallback FallbackFunc
}

// Recover implements RecoveryStrategy.
func (f FallbackStrategy) Recover(ctx context.Context, ec *engine.Context, inner *engine.Stage, failure *engine.StageResult) (*engine.StageResult, bool) {
	output, err := f.Fallback(ctx, ec, failure)
	if err != nil {
		return nil, false
	}
	return &engine.StageResult{Success: true, Output: output, Continue: true}, true
}
