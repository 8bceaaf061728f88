package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagegraph/flowengine/engine"
	"github.com/stagegraph/flowengine/engine/cache"
)

func newTestContext() *engine.Context {
	return engine.NewContext(nil, engine.NewCancelHandle(context.Background()))
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreakerMiddleware(2, 50*time.Millisecond, nil)
	mw := cb.Middleware()
	ec := newTestContext()

	mw.OnStageComplete(context.Background(), ec, "flaky", engine.Fail(errors.New("boom")))
	assert.Equal(t, "closed", cb.GetStates()["flaky"])

	mw.OnStageComplete(context.Background(), ec, "flaky", engine.Fail(errors.New("boom")))
	assert.Equal(t, "open", cb.GetStates()["flaky"])

	assert.False(t, cb.Guard("flaky")(context.Background(), ec))
}

func TestCircuitBreakerHalfOpensAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreakerMiddleware(1, 10*time.Millisecond, nil)
	mw := cb.Middleware()
	ec := newTestContext()

	mw.OnStageComplete(context.Background(), ec, "flaky", engine.Fail(errors.New("boom")))
	require.Equal(t, "open", cb.GetStates()["flaky"])

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Guard("flaky")(context.Background(), ec))
	assert.Equal(t, "half-open", cb.GetStates()["flaky"])

	mw.OnStageComplete(context.Background(), ec, "flaky", engine.Ok("recovered"))
	assert.Equal(t, "closed", cb.GetStates()["flaky"])
}

func TestCircuitBreakerExcludedStageNeverOpens(t *testing.T) {
	cb := NewCircuitBreakerMiddleware(1, time.Hour, []string{"exempt"})
	mw := cb.Middleware()
	ec := newTestContext()

	mw.OnStageComplete(context.Background(), ec, "exempt", engine.Fail(errors.New("boom")))
	assert.True(t, cb.Guard("exempt")(context.Background(), ec))
}

func TestRateLimitBlocksOverLimit(t *testing.T) {
	mw := RateLimit(2, time.Minute, nil)
	ec := newTestContext()

	require.NoError(t, mw.OnPipelineStart(context.Background(), ec))
	require.NoError(t, mw.OnPipelineStart(context.Background(), ec))
	err := mw.OnPipelineStart(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.ErrRateLimitExceeded))
}

func TestRateLimitTracksKeysIndependently(t *testing.T) {
	calls := 0
	mw := RateLimit(1, time.Minute, func(ec *engine.Context) string {
		calls++
		if calls <= 1 {
			return "tenant-a"
		}
		return "tenant-b"
	})
	ec := newTestContext()
	require.NoError(t, mw.OnPipelineStart(context.Background(), ec))
	require.NoError(t, mw.OnPipelineStart(context.Background(), ec))
}

func TestValidationAbortsOnFirstFailingValidator(t *testing.T) {
	calledSecond := false
	mw := Validation(
		func(ctx context.Context, ec *engine.Context) error { return errors.New("bad input") },
		func(ctx context.Context, ec *engine.Context) error { calledSecond = true; return nil },
	)
	ec := newTestContext()
	err := mw.OnPipelineStart(context.Background(), ec)
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.ErrValidationFailed))
	assert.False(t, calledSecond)
}

func TestAuditWritesOneRecordPerStageCompletion(t *testing.T) {
	sink := NewMemoryAuditSink()
	mw := Audit(sink)
	ec := newTestContext()

	mw.OnStageComplete(context.Background(), ec, "s1", engine.Ok("out"))
	mw.OnStageComplete(context.Background(), ec, "s2", engine.Fail(errors.New("boom")))

	records := sink.Records()
	require.Len(t, records, 2)
	assert.True(t, records[0].Success)
	assert.False(t, records[1].Success)
	assert.Equal(t, "s2", records[1].Stage)
}

func TestTimeoutSignalsCancelAfterDeadline(t *testing.T) {
	mw := Timeout(10 * time.Millisecond)
	ec := newTestContext()
	require.NoError(t, mw.OnPipelineStart(context.Background(), ec))

	select {
	case <-ec.Cancel.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected cancellation after timeout")
	}
}

func TestTimeoutDoesNotFireAfterPipelineCompletes(t *testing.T) {
	mw := Timeout(50 * time.Millisecond)
	ec := newTestContext()
	require.NoError(t, mw.OnPipelineStart(context.Background(), ec))
	mw.OnPipelineComplete(context.Background(), ec, &engine.PipelineResult{Success: true})

	select {
	case <-ec.Cancel.Done():
		t.Fatal("cancel fired even though timer was stopped")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestCachingMemoizesStageOutput(t *testing.T) {
	c := cache.New(cache.NewL1(16))
	mw := Caching(c, time.Minute, nil, func(ec *engine.Context, stageName string) (string, bool) {
		return stageName, true
	})

	ec := newTestContext()
	mw.OnStageStart(context.Background(), ec, "s1")
	assert.False(t, ec.State.Has("s1"))
	mw.OnStageComplete(context.Background(), ec, "s1", engine.Ok("computed"))

	ec2 := newTestContext()
	mw.OnStageStart(context.Background(), ec2, "s1")
	v, ok := engine.Get[string](ec2.State, "s1")
	require.True(t, ok)
	assert.Equal(t, "computed", v)
}

func TestCachingSkipsNoCacheStages(t *testing.T) {
	c := cache.New(cache.NewL1(16))
	mw := Caching(c, time.Minute, map[string]bool{"s1": true}, func(ec *engine.Context, stageName string) (string, bool) {
		return stageName, true
	})

	ec := newTestContext()
	mw.OnStageStart(context.Background(), ec, "s1")
	mw.OnStageComplete(context.Background(), ec, "s1", engine.Ok("computed"))
	assert.False(t, c.Has("s1"))
}
