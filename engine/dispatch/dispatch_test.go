package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagegraph/flowengine/engine"
)

func okStage(name string) *engine.Stage {
	return &engine.Stage{
		Name: name,
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			return engine.Ok(name + "-output"), nil
		},
	}
}

func failingStage(name string, failUntilAttempt int) *engine.Stage {
	attempt := 0
	return &engine.Stage{
		Name: name,
		Execute: func(ctx context.Context, ec *engine.Context) (*engine.StageResult, error) {
			attempt++
			if attempt < failUntilAttempt {
				return engine.Fail(engine.NewError(engine.ErrStageFailed, name, nil)), nil
			}
			return engine.Ok(name + "-output"), nil
		},
	}
}

func TestMessageQueueOrdersByPriorityThenEnqueueOrder(t *testing.T) {
	q := NewMessageQueue()
	q.Enqueue(&WorkItem{ID: "low", Priority: 1})
	q.Enqueue(&WorkItem{ID: "high", Priority: 10})
	q.Enqueue(&WorkItem{ID: "low2", Priority: 1})

	first, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "high", first.ID)

	second, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "low", second.ID)

	third, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "low2", third.ID)
}

func TestMessageQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMessageQueue()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resultCh := make(chan *WorkItem, 1)
	go func() {
		item, err := q.Dequeue(ctx)
		if err == nil {
			resultCh <- item
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(&WorkItem{ID: "arrives-late", Priority: 1})

	select {
	case item := <-resultCh:
		assert.Equal(t, "arrives-late", item.ID)
	case <-time.After(time.Second):
		t.Fatal("Dequeue never unblocked after Enqueue")
	}
}

func TestWorkerSkipsAndRequeuesItemsOutsideCapabilities(t *testing.T) {
	q := NewMessageQueue()
	var handled []*WorkItem
	w := NewWorker("w1", []string{"stage-b"}, q, func(item *WorkItem, result *engine.StageResult) {
		handled = append(handled, item)
	})

	stageA := okStage("stage-a")
	ec := engine.NewContext(nil, nil)
	q.Enqueue(&WorkItem{ID: "item-a", StageName: "stage-a", Stage: stageA, Context: ec, MaxAttempts: 1})

	item, ok := q.TryDequeue()
	require.True(t, ok)
	w.handle(context.Background(), item)

	assert.Empty(t, handled, "worker should not have executed a stage outside its capabilities")
	requeued, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "item-a", requeued.ID)
}

func TestWorkerExecutesStageWithinCapabilitiesAndReportsResult(t *testing.T) {
	q := NewMessageQueue()
	var results []*engine.StageResult
	w := NewWorker("w1", []string{"stage-a"}, q, func(item *WorkItem, result *engine.StageResult) {
		results = append(results, result)
	})

	ec := engine.NewContext(nil, nil)
	item := &WorkItem{ID: "item-a", StageName: "stage-a", Stage: okStage("stage-a"), Context: ec, MaxAttempts: 1}
	w.handle(context.Background(), item)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, StateIdle, w.State())
	assert.Equal(t, 1, w.Metrics().Completed)
}

func TestWorkerRequeuesOnFailureUntilMaxAttemptsThenReportsFailure(t *testing.T) {
	q := NewMessageQueue()
	var results []*engine.StageResult
	w := NewWorker("w1", []string{"flaky"}, q, func(item *WorkItem, result *engine.StageResult) {
		results = append(results, result)
	})

	ec := engine.NewContext(nil, nil)
	stage := failingStage("flaky", 99) // never succeeds within attempt budget
	item := &WorkItem{ID: "item-1", StageName: "flaky", Stage: stage, Context: ec, MaxAttempts: 2}

	w.handle(context.Background(), item)
	assert.Empty(t, results, "should not report yet: attempts remain")
	assert.Equal(t, 1, item.Attempts)

	requeued, ok := q.TryDequeue()
	require.True(t, ok)
	w.handle(context.Background(), requeued)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, StateError, w.State())
}

func TestWorkerPoolRespectsMaxWorkers(t *testing.T) {
	q := NewMessageQueue()
	pool := NewWorkerPool(PoolConfig{MaxWorkers: 1, HeartbeatInterval: time.Second, StaleAfter: 5 * time.Second}, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, pool.AddWorker(ctx, NewWorker("w1", []string{"x"}, q, nil)))
	err := pool.AddWorker(ctx, NewWorker("w2", []string{"x"}, q, nil))
	assert.Error(t, err)
}

func TestWorkerPoolSweepMarksStaleWorkersOffline(t *testing.T) {
	q := NewMessageQueue()
	pool := NewWorkerPool(PoolConfig{MaxWorkers: 2, HeartbeatInterval: 10 * time.Millisecond, StaleAfter: 50 * time.Millisecond}, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWorker("w1", []string{"x"}, q, nil)
	require.NoError(t, pool.AddWorker(ctx, w))

	stop := pool.StartHeartbeatSweep(ctx)
	defer stop()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateOffline, w.State())

	w.Heartbeat()
	time.Sleep(40 * time.Millisecond)
	assert.NotEqual(t, StateOffline, w.State())
}

func TestLoadBalancerLeastLoadedPicksLowestActiveCount(t *testing.T) {
	q := NewMessageQueue()
	busy := NewWorker("busy", []string{"x"}, q, nil)
	idle := NewWorker("idle", []string{"x"}, q, nil)
	busy.active = 5

	lb := NewLoadBalancer(StrategyLeastLoaded)
	chosen, err := lb.Select([]*Worker{busy, idle}, "x")
	require.NoError(t, err)
	assert.Equal(t, "idle", chosen.ID)
}

func TestLoadBalancerReturnsErrorWhenNoEligibleWorker(t *testing.T) {
	q := NewMessageQueue()
	w := NewWorker("w1", []string{"y"}, q, nil)
	lb := NewLoadBalancer(StrategyRoundRobin)
	_, err := lb.Select([]*Worker{w}, "x")
	assert.Error(t, err)
}

func TestDistributedExecutorResolvesFutureOnSuccess(t *testing.T) {
	q := NewMessageQueue()
	exec := NewDistributedExecutor(q)
	w := NewWorker("w1", []string{"stage-a"}, q, exec.HandleResult)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	ec := engine.NewContext(nil, nil)
	future := exec.ExecuteStage(okStage("stage-a"), ec, ExecuteOptions{Priority: 5, MaxAttempts: 1})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	result, err := future.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, exec.PendingCount())
}

func TestDistributedExecutorFailsFutureAfterAttemptsExhausted(t *testing.T) {
	q := NewMessageQueue()
	exec := NewDistributedExecutor(q)
	w := NewWorker("w1", []string{"flaky"}, q, exec.HandleResult)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	ec := engine.NewContext(nil, nil)
	stage := failingStage("flaky", 99)
	future := exec.ExecuteStage(stage, ec, ExecuteOptions{MaxAttempts: 2})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	_, err := future.Wait(waitCtx)
	assert.Error(t, err)
}
