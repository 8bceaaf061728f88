package main

import (
	"context"
	"fmt"
	"time"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/registry"
	"github.com/stagegraph/flowengine/engine/typeutil"
)

// builtinStageKinds is the small, built-in stage-kind catalog a bare
// stagegraphd deployment can compose without writing Go code. A real
// deployment registers additional kinds into the same *registry.KindRegistry
// before calling buildStage — this catalog is the floor, not a ceiling.
func builtinStageKinds() *registry.KindRegistry {
	kinds := registry.NewKindRegistry()

	must := func(def *registry.KindDefinition) {
		if err := kinds.Register(def); err != nil {
			panic("stagegraphd: builtin stage kind: " + err.Error())
		}
	}

	must(&registry.KindDefinition{
		Name:        "echo",
		Description: "returns the pipeline input unchanged",
		Factory: func(params map[string]any) (engine.ExecuteFunc, error) {
			return func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
				return engine.Ok(ec.Input), nil
			}, nil
		},
	})

	must(&registry.KindDefinition{
		Name:        "noop",
		Description: "does nothing and produces no output",
		Factory: func(params map[string]any) (engine.ExecuteFunc, error) {
			return func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
				return engine.Ok(nil), nil
			}, nil
		},
	})

	must(&registry.KindDefinition{
		Name:        "sleep",
		Description: "delays briefly, then returns the input unchanged",
		Factory: func(params map[string]any) (engine.ExecuteFunc, error) {
			return func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
				select {
				case <-time.After(10 * time.Millisecond):
					return engine.Ok(ec.Input), nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}, nil
		},
	})

	must(&registry.KindDefinition{
		Name:        "lookup",
		Description: "resolves a dot-separated path against a map input",
		Factory: func(params map[string]any) (engine.ExecuteFunc, error) {
			path, ok := typeutil.SafeString(params["path"])
			if !ok || path == "" {
				return nil, fmt.Errorf(`stage kind "lookup" requires a non-empty "path" param`)
			}
			// Input commonly arrives over a JSON boundary (stdin, a
			// checkpoint restore, the gRPC wire codec), so the field
			// read goes through typeutil rather than a bare type
			// assertion on ec.Input.
			return func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
				data, ok := typeutil.SafeMapStringAny(ec.Input)
				if !ok {
					return nil, fmt.Errorf("lookup: input is not a map, got %T", ec.Input)
				}
				value, ok := typeutil.GetNestedValue(data, path)
				if !ok {
					return nil, fmt.Errorf("lookup: path %q not found in input", path)
				}
				return engine.Ok(value), nil
			}, nil
		},
	})

	must(&registry.KindDefinition{
		Name:        "fail",
		Description: "always fails; useful for exercising retry/checkpoint behavior",
		Factory: func(params map[string]any) (engine.ExecuteFunc, error) {
			return func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
				return nil, fmt.Errorf("forced failure")
			}, nil
		},
	})

	return kinds
}

var stageKinds = builtinStageKinds()

func buildStage(sc StageConfig) (*engine.Stage, error) {
	params := map[string]any{"path": sc.Path}
	fn, err := stageKinds.Build(sc.Kind, params)
	if err != nil {
		return nil, fmt.Errorf("stagegraphd: stage %q: %w", sc.Name, err)
	}
	return &engine.Stage{
		Name:       sc.Name,
		Retryable:  sc.Retryable,
		MaxRetries: sc.MaxRetries,
		Timeout:    sc.Timeout,
		Execute:    fn,
	}, nil
}
