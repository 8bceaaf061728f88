package combinator

import (
	"context"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/runtime"
)

// Compose chains stages so each one's output becomes the next one's
// input, exposed through ec.LastOutput the same way the pipeline
// orchestrator threads stage output (§4.2 step 5). Composed stages
// still write their own name into ec.State, so Compose is equivalent
// to inlining its stages into the parent pipeline except that it is
// itself a single *engine.Stage and so can be nested inside Parallel,
// Branch, or Loop.
func Compose(name string, stages ...*engine.Stage) *engine.Stage {
	return &engine.Stage{
		Name: name,
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			var last *engine.StageResult
			for _, s := range stages {
				if err := ec.Cancel.Err(); err != nil {
					return nil, err
				}
				result := runtime.Run(ctx, s, ec)
				last = result
				if !result.Success {
					return result, nil
				}
				if result.Output != nil {
					ec.State.Set(s.Name, result.Output)
					ec.LastOutput = result.Output
				}
				if !result.Continue {
					break
				}
			}
			if last == nil {
				return &engine.StageResult{Success: true, Output: nil, Continue: true}, nil
			}
			return &engine.StageResult{Success: true, Output: last.Output, Continue: true}, nil
		},
	}
}
