package combinator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/stagegraph/flowengine/engine"
)

// ItemsFunc extracts a finite sequence of items from ec for
// map/filter/reduce to iterate over.
type ItemsFunc func(ctx context.Context, ec *engine.Context) ([]any, error)

// MapFunc is applied to one item, per §4.3.
type MapFunc func(ctx context.Context, ec *engine.Context, item any) (any, error)

// FilterFunc reports whether item should be kept.
type FilterFunc func(ctx context.Context, ec *engine.Context, item any) (bool, error)

// ReduceFunc folds item into acc.
type ReduceFunc func(ctx context.Context, ec *engine.Context, acc any, item any) (any, error)

// Map applies fn to each item from itemsFn, batching up to
// maxConcurrency concurrent calls via golang.org/x/sync/errgroup (the
// pack's idiom for error-propagating bounded fan-out, e.g. PromptKit's
// runtime pipeline), preserving declared item order in the output.
func Map(name string, itemsFn ItemsFunc, fn MapFunc, maxConcurrency int) *engine.Stage {
	return &engine.Stage{
		Name: name,
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			items, err := itemsFn(ctx, ec)
			if err != nil {
				return nil, err
			}
			out := make([]any, len(items))

			g, gctx := errgroup.WithContext(ctx)
			if maxConcurrency > 0 {
				g.SetLimit(maxConcurrency)
			}
			for i, item := range items {
				i, item := i, item
				g.Go(func() error {
					v, err := fn(gctx, ec, item)
					if err != nil {
						return err
					}
					out[i] = v
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}
			return &engine.StageResult{Success: true, Output: out, Continue: true}, nil
		},
	}
}

// Filter keeps items for which fn returns true, preserving order.
// Evaluation is batched the same way as Map.
func Filter(name string, itemsFn ItemsFunc, fn FilterFunc, maxConcurrency int) *engine.Stage {
	return &engine.Stage{
		Name: name,
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			items, err := itemsFn(ctx, ec)
			if err != nil {
				return nil, err
			}
			keep := make([]bool, len(items))

			g, gctx := errgroup.WithContext(ctx)
			if maxConcurrency > 0 {
				g.SetLimit(maxConcurrency)
			}
			for i, item := range items {
				i, item := i, item
				g.Go(func() error {
					ok, err := fn(gctx, ec, item)
					if err != nil {
						return err
					}
					keep[i] = ok
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}

			out := make([]any, 0, len(items))
			for i, item := range items {
				if keep[i] {
					out = append(out, item)
				}
			}
			return &engine.StageResult{Success: true, Output: out, Continue: true}, nil
		},
	}
}

// Reduce folds items left to right into init, strictly sequentially —
// per §4.3, reduce is never batched.
func Reduce(name string, itemsFn ItemsFunc, fn ReduceFunc, init any) *engine.Stage {
	return &engine.Stage{
		Name: name,
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			items, err := itemsFn(ctx, ec)
			if err != nil {
				return nil, err
			}
			acc := init
			for _, item := range items {
				if err := ec.Cancel.Err(); err != nil {
					return nil, err
				}
				acc, err = fn(ctx, ec, acc, item)
				if err != nil {
					return nil, err
				}
			}
			return &engine.StageResult{Success: true, Output: acc, Continue: true}, nil
		},
	}
}
