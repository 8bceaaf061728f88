package combinator

import (
	"context"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/runtime"
)

// LoopPredicate is evaluated before each iteration; i is the
// zero-based iteration index about to run.
type LoopPredicate func(ctx context.Context, ec *engine.Context, i int) bool

// LoopOptions bounds the loop combinator.
type LoopOptions struct {
	MaxIterations int
}

// LoopOutput carries the ordered per-iteration outputs.
type LoopOutput struct {
	Iterations []any
}

// Loop evaluates predicate(ctx, ec, i) before each iteration of body,
// stopping at a false predicate, MaxIterations, or a body failure
// (§4.3). Grounded on the teacher's dag_executor.go coordinate loop
// shape, generalized from DAG-readiness to a simple bounded repeat.
func Loop(name string, body *engine.Stage, predicate LoopPredicate, opts LoopOptions) *engine.Stage {
	return &engine.Stage{
		Name: name,
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			var iterations []any

			for i := 0; opts.MaxIterations <= 0 || i < opts.MaxIterations; i++ {
				if err := ec.Cancel.Err(); err != nil {
					return nil, err
				}
				if !predicate(ctx, ec, i) {
					break
				}

				result := runtime.Run(ctx, body, ec)
				if !result.Success {
					return &engine.StageResult{
						Success:  false,
						Output:   LoopOutput{Iterations: iterations},
						Err:      result.Err,
						Continue: false,
					}, nil
				}
				iterations = append(iterations, result.Output)
				if result.Output != nil {
					ec.State.Set(body.Name, result.Output)
					ec.LastOutput = result.Output
				}
			}

			return &engine.StageResult{
				Success:  true,
				Output:   LoopOutput{Iterations: iterations},
				Continue: true,
			}, nil
		},
	}
}
