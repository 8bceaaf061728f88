package testharness

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/pipeline"
)

func TestMockStageDefaultsToSuccess(t *testing.T) {
	m := NewMockStage("s1")
	stage := m.Stage()

	ec := engine.NewContext("in", nil)
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, m.CallCount())
	assert.Equal(t, "in", m.Calls()[0].Input)
}

func TestMockStageWithErrorFailsExecute(t *testing.T) {
	m := NewMockStage("s1").WithError(errors.New("boom"))
	stage := m.Stage()

	ec := engine.NewContext("in", nil)
	_, err := stage.Execute(context.Background(), ec)
	assert.EqualError(t, err, "boom")
}

func TestMockStageWithFuncOverridesDefault(t *testing.T) {
	m := NewMockStage("s1").WithFunc(func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
		return engine.Ok("custom"), nil
	})
	stage := m.Stage()

	ec := engine.NewContext("in", nil)
	result, err := stage.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "custom", result.Output)
}

func TestMockStageReset(t *testing.T) {
	m := NewMockStage("s1")
	stage := m.Stage()
	ec := engine.NewContext("in", nil)
	_, _ = stage.Execute(context.Background(), ec)
	require.Equal(t, 1, m.CallCount())

	m.Reset()
	assert.Equal(t, 0, m.CallCount())
	assert.Empty(t, m.Calls())
}

func TestLinearPipelineRunsAllMockStagesInOrder(t *testing.T) {
	p, mocks, err := NewLinearPipeline("demo", "a", "b", "c")
	require.NoError(t, err)
	require.Len(t, mocks, 3)

	result := p.Execute(context.Background(), "input", nil)
	require.NoError(t, AssertPipelineSucceeded(result))
	require.NoError(t, AssertStageOrder(result.Context, []string{"a", "b", "c"}))
	for _, m := range mocks {
		assert.Equal(t, 1, m.CallCount())
	}
}

func TestLinearPipelineStopsAtFailingStage(t *testing.T) {
	p, mocks, err := NewLinearPipeline("demo", "a", "b", "c")
	require.NoError(t, err)
	mocks[1].WithResult(engine.Fail(errors.New("stage b exploded")))

	result := p.Execute(context.Background(), "input", nil)
	require.NoError(t, AssertPipelineFailed(result))
	require.NoError(t, AssertStageSucceeded(result, "a"))
	require.NoError(t, AssertStageFailed(result, "b"))
	require.NoError(t, AssertStageNotRun(result, "c"))
}

func TestSpyMiddlewareRecordsHookInvocations(t *testing.T) {
	spy := NewSpyMiddleware()
	built, err := pipeline.NewBuilder("demo").
		AddStage(NewMockStage("a").Stage()).
		AddStage(NewMockStage("b").Stage()).
		Use(spy.Middleware()).
		Build()
	require.NoError(t, err)

	result := built.Execute(context.Background(), "input", nil)
	require.NoError(t, AssertPipelineSucceeded(result))
	assert.Equal(t, []string{"a", "b"}, spy.StartedStages())
	assert.Equal(t, []string{"a", "b"}, spy.CompletedStages())
	assert.Equal(t, 1, spy.PipelineStarts())
	assert.Equal(t, 1, spy.PipelineCompletions())
}
