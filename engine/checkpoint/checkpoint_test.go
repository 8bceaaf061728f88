package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/pipeline"
)

func newTestContext(executionID string) *engine.Context {
	ec := engine.NewContext("input-value", engine.NewCancelHandle(context.Background()))
	ec.ExecutionID = executionID
	ec.State.Set("s1", "s1-output")
	ec.Shared["tenant"] = "acme"
	ec.AppendMessage("hello")
	return ec
}

func TestCreateAndLoadRoundTrips(t *testing.T) {
	mgr := NewCheckpointManager(NewMemoryStorage(), 10)
	ec := newTestContext("exec-1")

	cp, err := mgr.Create(context.Background(), "exec-1", "demo-pipeline", ec, []string{"s1"}, "s1")
	require.NoError(t, err)
	require.NotEmpty(t, cp.ID)

	loaded, err := mgr.Load(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", loaded.ExecutionID)
	assert.Equal(t, "demo-pipeline", loaded.PipelineName)
	assert.Equal(t, []string{"s1"}, loaded.CompletedStageNames)
	assert.Equal(t, "s1-output", loaded.ContextSnapshot["State"].(map[string]any)["s1"])
	assert.Equal(t, "acme", loaded.ContextSnapshot["Shared"].(map[string]any)["tenant"])
}

func TestCreateEnforcesMaxCheckpointsFIFO(t *testing.T) {
	mgr := NewCheckpointManager(NewMemoryStorage(), 2)
	ec := newTestContext("exec-2")

	var ids []string
	for i := 0; i < 4; i++ {
		cp, err := mgr.Create(context.Background(), "exec-2", "demo", ec, nil, "")
		require.NoError(t, err)
		ids = append(ids, cp.ID)
		time.Sleep(time.Millisecond) // ensure distinct TakenAt ordering
	}

	list, err := mgr.List(context.Background(), "exec-2")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	for _, id := range ids[:2] {
		_, err := mgr.Load(context.Background(), id)
		assert.Error(t, err, "oldest checkpoints should have been deleted")
	}
}

func TestLatestReturnsMostRecentlyTaken(t *testing.T) {
	mgr := NewCheckpointManager(NewMemoryStorage(), 10)
	ec := newTestContext("exec-3")

	_, err := mgr.Create(context.Background(), "exec-3", "demo", ec, []string{"s1"}, "s1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	last, err := mgr.Create(context.Background(), "exec-3", "demo", ec, []string{"s1", "s2"}, "s2")
	require.NoError(t, err)

	latest, err := mgr.Latest(context.Background(), "exec-3")
	require.NoError(t, err)
	assert.Equal(t, last.ID, latest.ID)
}

func TestForkCreatesIndependentCheckpointUnderNewExecution(t *testing.T) {
	mgr := NewCheckpointManager(NewMemoryStorage(), 10)
	ec := newTestContext("exec-4")

	cp, err := mgr.Create(context.Background(), "exec-4", "demo", ec, []string{"s1"}, "s1")
	require.NoError(t, err)

	forkedID, err := mgr.Fork(context.Background(), cp.ID, "exec-4-fork")
	require.NoError(t, err)

	forked, err := mgr.Load(context.Background(), forkedID)
	require.NoError(t, err)
	assert.Equal(t, "exec-4-fork", forked.ExecutionID)
	assert.Equal(t, cp.ID, forked.ParentCheckpointID)

	original, err := mgr.Load(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "exec-4", original.ExecutionID)
}

func TestResumeSkipsCompletedStagesAndPreservesOrder(t *testing.T) {
	var ran []string
	makeStage := func(name string) *engine.Stage {
		return &engine.Stage{
			Name: name,
			Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
				ran = append(ran, name)
				return engine.Ok(name), nil
			},
		}
	}

	builder := pipeline.NewBuilder("resumable")
	for _, name := range []string{"s1", "s2", "s3", "s4", "s5"} {
		builder.AddStage(makeStage(name))
	}
	p, err := builder.Build()
	require.NoError(t, err)

	mgr := NewCheckpointManager(NewMemoryStorage(), 10)
	ec := newTestContext("exec-5")
	cp, err := mgr.Create(context.Background(), "exec-5", "resumable", ec, []string{"s1", "s2", "s3"}, "s3")
	require.NoError(t, err)

	result, err := mgr.Resume(context.Background(), cp.ID, p)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, []string{"s4", "s5"}, ran)
}

func TestSnapshotManagerCaptureAndRevert(t *testing.T) {
	sm := NewSnapshotManager(3)
	ec := newTestContext("exec-6")

	sm.Capture(ec)
	ec.State.Set("s2", "second")
	sm.Capture(ec)
	ec.State.Set("s3", "third")

	ok := sm.Revert(ec, 1) // revert to the snapshot before the most recent capture
	require.True(t, ok)
	assert.False(t, ec.State.Has("s3"))
	assert.False(t, ec.State.Has("s2"))

	v, has := engine.Get[string](ec.State, "s1")
	assert.True(t, has)
	assert.Equal(t, "s1-output", v)
}

func TestSnapshotManagerRevertReportsFalseWhenNoHistory(t *testing.T) {
	sm := NewSnapshotManager(3)
	ec := newTestContext("exec-7")
	assert.False(t, sm.Revert(ec, 0))
}

func TestCheckpointMiddlewareHonorsNoCheckpointFlag(t *testing.T) {
	mgr := NewCheckpointManager(NewMemoryStorage(), 10)
	mw := mgr.Middleware("demo", 0, map[string]bool{"skip-me": true})
	ec := newTestContext("exec-8")

	mw.OnStageComplete(context.Background(), ec, "skip-me", engine.Ok("x"))
	list, err := mgr.List(context.Background(), "exec-8")
	require.NoError(t, err)
	assert.Empty(t, list)

	mw.OnStageComplete(context.Background(), ec, "s1", engine.Ok("x"))
	list, err = mgr.List(context.Background(), "exec-8")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
