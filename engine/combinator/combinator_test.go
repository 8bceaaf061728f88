package combinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagegraph/flowengine/engine"
)

func newTestContext() *engine.Context {
	return engine.NewContext(nil, engine.NewCancelHandle(context.Background()))
}

func okStage(name string, output any) *engine.Stage {
	return &engine.Stage{
		Name: name,
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			return engine.Ok(output), nil
		},
	}
}

func failStage(name string, err error) *engine.Stage {
	return &engine.Stage{
		Name: name,
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			return engine.Fail(err), nil
		},
	}
}

func TestParallelRunsAllSubstagesAndPreservesOrder(t *testing.T) {
	substages := []*engine.Stage{
		okStage("a", 1),
		okStage("b", 2),
		okStage("c", 3),
	}
	stage := Parallel("fanout", substages, ParallelOptions{MaxConcurrency: 2})

	ec := newTestContext()
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	require.True(t, result.Success)

	out := result.Output.(ParallelOutput)
	require.Len(t, out.Results, 3)
	assert.Equal(t, 1, out.Results[0])
	assert.Equal(t, 2, out.Results[1])
	assert.Equal(t, 3, out.Results[2])
}

func TestParallelFailsFastWithoutContinueOnError(t *testing.T) {
	substages := []*engine.Stage{
		okStage("a", 1),
		failStage("b", errors.New("boom")),
	}
	stage := Parallel("fanout", substages, ParallelOptions{})

	ec := newTestContext()
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestBranchRunsFirstMatchingCondition(t *testing.T) {
	var ran int32
	stage := Branch("route", []Condition{
		{
			Predicate: func(ctx context.Context, ec *engine.Context) bool { return false },
			Stages:    []*engine.Stage{failStage("never", errors.New("should not run"))},
		},
		{
			Predicate: func(ctx context.Context, ec *engine.Context) bool { return true },
			Stages: []*engine.Stage{{
				Name: "matched",
				Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
					atomic.AddInt32(&ran, 1)
					return engine.Ok("matched"), nil
				},
			}},
		},
	}, nil)

	ec := newTestContext()
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	assert.Equal(t, "matched", result.Output)
}

func TestBranchFallsBackToDefault(t *testing.T) {
	stage := Branch("route", []Condition{
		{Predicate: func(ctx context.Context, ec *engine.Context) bool { return false }, Stages: nil},
	}, []*engine.Stage{okStage("fallback", "default")})

	ec := newTestContext()
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "default", result.Output)
}

func TestLoopStopsAtMaxIterations(t *testing.T) {
	var calls int32
	body := &engine.Stage{
		Name: "body",
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			n := atomic.AddInt32(&calls, 1)
			return engine.Ok(n), nil
		},
	}
	stage := Loop("loop", body, func(ctx context.Context, ec *engine.Context, i int) bool {
		return true
	}, LoopOptions{MaxIterations: 3})

	ec := newTestContext()
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	out := result.Output.(LoopOutput)
	assert.Len(t, out.Iterations, 3)
}

func TestLoopStopsOnFalsePredicate(t *testing.T) {
	body := okStage("body", "x")
	stage := Loop("loop", body, func(ctx context.Context, ec *engine.Context, i int) bool {
		return i < 2
	}, LoopOptions{MaxIterations: 100})

	ec := newTestContext()
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	out := result.Output.(LoopOutput)
	assert.Len(t, out.Iterations, 2)
}

func TestLoopStopsOnBodyFailure(t *testing.T) {
	body := failStage("body", errors.New("boom"))
	stage := Loop("loop", body, func(ctx context.Context, ec *engine.Context, i int) bool {
		return true
	}, LoopOptions{MaxIterations: 5})

	ec := newTestContext()
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestMapAppliesFnToEveryItemInOrder(t *testing.T) {
	items := func(ctx context.Context, ec *engine.Context) ([]any, error) {
		return []any{1, 2, 3}, nil
	}
	stage := Map("double", items, func(ctx context.Context, ec *engine.Context, item any) (any, error) {
		return item.(int) * 2, nil
	}, 2)

	ec := newTestContext()
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, []any{2, 4, 6}, result.Output)
}

func TestMapPropagatesFirstError(t *testing.T) {
	items := func(ctx context.Context, ec *engine.Context) ([]any, error) {
		return []any{1, 2, 3}, nil
	}
	stage := Map("fails", items, func(ctx context.Context, ec *engine.Context, item any) (any, error) {
		if item.(int) == 2 {
			return nil, errors.New("boom")
		}
		return item, nil
	}, 0)

	ec := newTestContext()
	_, err := stage.Execute(context.Background(), ec)
	assert.Error(t, err)
}

func TestFilterKeepsOnlyMatching(t *testing.T) {
	items := func(ctx context.Context, ec *engine.Context) ([]any, error) {
		return []any{1, 2, 3, 4}, nil
	}
	stage := Filter("evens", items, func(ctx context.Context, ec *engine.Context, item any) (bool, error) {
		return item.(int)%2 == 0, nil
	}, 0)

	ec := newTestContext()
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, []any{2, 4}, result.Output)
}

func TestReduceFoldsSequentially(t *testing.T) {
	items := func(ctx context.Context, ec *engine.Context) ([]any, error) {
		return []any{1, 2, 3, 4}, nil
	}
	stage := Reduce("sum", items, func(ctx context.Context, ec *engine.Context, acc any, item any) (any, error) {
		return acc.(int) + item.(int), nil
	}, 0)

	ec := newTestContext()
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, 10, result.Output)
}

func TestDynamicBuildsStagesAtInvocationTime(t *testing.T) {
	calls := 0
	factory := func(ctx context.Context, ec *engine.Context) ([]*engine.Stage, error) {
		calls++
		return []*engine.Stage{okStage("s1", "a"), okStage("s2", "b")}, nil
	}
	stage := Dynamic("dyn", factory)

	ec := newTestContext()
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	require.True(t, result.Success)
	out := result.Output.(DynamicOutput)
	assert.Equal(t, []any{"s1", "s2"}, out.StageNames)
	assert.Equal(t, "b", out.Last)
	assert.Equal(t, 1, calls)
}

func TestComposeThreadsOutputBetweenStages(t *testing.T) {
	double := &engine.Stage{
		Name: "double",
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			v, _ := engine.Get[int](ec.State, "start")
			return engine.Ok(v * 2), nil
		},
	}
	increment := &engine.Stage{
		Name: "increment",
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			return engine.Ok(ec.LastOutput.(int) + 1), nil
		},
	}
	stage := Compose("pipeline", double, increment)

	ec := newTestContext()
	ec.State.Set("start", 10)
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, 21, result.Output)
}

func TestRecoverFallbackSubstitutesOutputOnFailure(t *testing.T) {
	inner := failStage("inner", errors.New("boom"))
	strategy := FallbackStrategy{
		Fallback: func(ctx context.Context, ec *engine.Context, failure *engine.StageResult) (any, error) {
			return "fallback-value", nil
		},
	}
	stage := Recover("recovered", inner, strategy)

	ec := newTestContext()
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "fallback-value", result.Output)
}

func TestRecoverRetryStrategyEventuallySucceeds(t *testing.T) {
	var attempts int32
	inner := &engine.Stage{
		Name: "flaky",
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return engine.Fail(errors.New("not yet")), nil
			}
			return engine.Ok("finally"), nil
		},
	}
	stage := Recover("recovered", inner, RetryStrategy{Attempts: 5, Delay: 0})

	ec := newTestContext()
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "finally", result.Output)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(3))
}

func TestRecoverPropagatesFailureWhenStrategyDeclines(t *testing.T) {
	inner := failStage("inner", errors.New("boom"))
	strategy := RetryStrategy{Attempts: 1, Delay: 0}
	stage := Recover("recovered", inner, strategy)

	ec := newTestContext()
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.False(t, result.Success)
}
