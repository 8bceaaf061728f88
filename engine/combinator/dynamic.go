package combinator

import (
	"context"

	"github.com/stagegraph/flowengine/engine"
)

// StageFactory builds a fresh stage list for one invocation of Dynamic,
// given the context at the time Dynamic itself runs. Each invocation
// gets its own list — the factory is free to vary stage count and
// identity per execution (§4.3).
type StageFactory func(ctx context.Context, ec *engine.Context) ([]*engine.Stage, error)

// DynamicOutput is the combinator's Output on success.
type DynamicOutput struct {
	StageNames []any
	Last       any
}

// Dynamic calls factory to produce the stage list, then runs it
// sequentially exactly like Branch's chosen branch. Unlike a static
// pipeline, the set of stages to run is only known at invocation time —
// useful for stage lists derived from upstream output (fan-out counts,
// plugin-discovered steps).
func Dynamic(name string, factory StageFactory) *engine.Stage {
	return &engine.Stage{
		Name: name,
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			stages, err := factory(ctx, ec)
			if err != nil {
				return nil, err
			}
			if len(stages) == 0 {
				return &engine.StageResult{Success: true, Output: DynamicOutput{}, Continue: true}, nil
			}
			result, err := runSequence(ctx, ec, stages)
			if err != nil {
				return nil, err
			}
			names := make([]any, len(stages))
			for i, s := range stages {
				names[i] = s.Name
			}
			if !result.Success {
				return result, nil
			}
			return &engine.StageResult{
				Success:  true,
				Output:   DynamicOutput{StageNames: names, Last: result.Output},
				Continue: true,
			}, nil
		},
	}
}
