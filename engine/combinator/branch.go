package combinator

import (
	"context"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/runtime"
)

// Predicate evaluates whether a branch's condition holds for ec.
type Predicate func(ctx context.Context, ec *engine.Context) bool

// Condition pairs a predicate with the stage sequence that runs when
// it is the first to match.
type Condition struct {
	Predicate Predicate
	Stages    []*engine.Stage
}

// Branch evaluates conditions in order; the first whose Predicate is
// true runs its Stages sequentially. If none match and defaultStages
// is non-empty, it runs instead. If nothing matches, the combinator
// succeeds with a nil output (§4.3).
func Branch(name string, conditions []Condition, defaultStages []*engine.Stage) *engine.Stage {
	return &engine.Stage{
		Name: name,
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			chosen := defaultStages
			for _, cond := range conditions {
				if cond.Predicate(ctx, ec) {
					chosen = cond.Stages
					break
				}
			}
			if len(chosen) == 0 {
				return &engine.StageResult{Success: true, Output: nil, Continue: true}, nil
			}
			return runSequence(ctx, ec, chosen)
		},
	}
}

// runSequence runs stages in order against the same ec, stopping on
// the first failure or on continue=false, and returns the last
// stage's output as the combinator's own output.
func runSequence(ctx context.Context, ec *engine.Context, stages []*engine.Stage) (*engine.StageResult, error) {
	var last *engine.StageResult
	for _, s := range stages {
		if err := ec.Cancel.Err(); err != nil {
			return nil, err
		}
		result := runtime.Run(ctx, s, ec)
		last = result
		if result.Success && result.Output != nil {
			ec.State.Set(s.Name, result.Output)
			ec.LastOutput = result.Output
		}
		if !result.Success {
			return result, nil
		}
		if !result.Continue {
			break
		}
	}
	return &engine.StageResult{
		Success:  true,
		Output:   last.Output,
		Continue: true,
	}, nil
}
