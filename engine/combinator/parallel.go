// Package combinator implements the combinator library (§4.3): each
// combinator returns an *engine.Stage, so combinators compose with
// themselves and with plain stages interchangeably. parallel is
// grounded on the teacher's coreengine/runtime/runtime.go
// runSequentialCore's goroutine+WaitGroup substage fan-out and
// GenericEnvelope.Clone() for per-substage context isolation.
package combinator

import (
	"context"
	"sync"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/runtime"
)

// ParallelOptions configures the parallel combinator.
type ParallelOptions struct {
	MaxConcurrency  int
	ContinueOnError bool
	Timeout         int // milliseconds; not read by Parallel, each substage runs under its own Stage.Timeout
}

// ParallelOutput is the combinator's Output: the per-substage outputs
// in declared order, each either the substage's success output or a
// *engine.StageResult failure record (§8 invariant 6).
type ParallelOutput struct {
	Results []any
}

// Parallel runs substages over clones of the same context in batches
// of opts.MaxConcurrency, returning results in declared order
// regardless of completion order. Per §5, the engine provides no
// write-conflict protection: substages MUST write disjoint keys or
// rely on the caller merging collected outputs back with
// engine.Context.MergeFrom.
func Parallel(name string, substages []*engine.Stage, opts ParallelOptions) *engine.Stage {
	batchSize := opts.MaxConcurrency
	if batchSize <= 0 {
		batchSize = len(substages)
	}

	return &engine.Stage{
		Name: name,
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			outputs := make([]any, len(substages))
			failed := false

			for start := 0; start < len(substages); start += batchSize {
				end := start + batchSize
				if end > len(substages) {
					end = len(substages)
				}
				if err := ec.Cancel.Err(); err != nil {
					return nil, err
				}

				runBatch(ctx, ec, substages[start:end], outputs[start:end])

				for i := start; i < end; i++ {
					if sr, ok := outputs[i].(*engine.StageResult); ok && !sr.Success {
						failed = true
					}
				}
				if failed && !opts.ContinueOnError {
					break
				}
			}

			result := &engine.StageResult{
				Success:  !failed || opts.ContinueOnError,
				Output:   ParallelOutput{Results: outputs},
				Continue: true,
			}
			if failed && !opts.ContinueOnError {
				result.Err = engine.NewError(engine.ErrStageFailed, name, nil)
			}
			return result, nil
		},
	}
}

func runBatch(ctx context.Context, ec *engine.Context, batch []*engine.Stage, out []any) {
	var wg sync.WaitGroup
	for i, sub := range batch {
		i, sub := i, sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			subEC := ec.Clone()
			result := runtime.Run(ctx, sub, subEC)
			if result.Success {
				out[i] = result.Output
			} else {
				out[i] = result
			}
		}()
	}
	wg.Wait()
}
