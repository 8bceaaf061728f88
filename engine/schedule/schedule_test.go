package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagegraph/flowengine/engine"
)

func TestDependencyGraphRejectsEdgeThatIntroducesCycle(t *testing.T) {
	g := NewDependencyGraph()
	require.NoError(t, g.AddEdge("b", "a")) // b depends on a
	require.NoError(t, g.AddEdge("c", "b")) // c depends on b
	err := g.AddEdge("a", "c")              // a depends on c -> cycle a->c->b->a
	assert.Error(t, err)
}

func TestDependencyGraphRejectsSelfDependency(t *testing.T) {
	g := NewDependencyGraph()
	assert.Error(t, g.AddEdge("a", "a"))
}

func TestDependencyGraphTopologicalOrderRespectsDependencies(t *testing.T) {
	g := NewDependencyGraph()
	require.NoError(t, g.AddEdge("b", "a"))
	require.NoError(t, g.AddEdge("c", "b"))

	order, err := g.TopologicalOrder([]string{"a", "b", "c"})
	require.NoError(t, err)

	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["b"], pos["c"])
}

func TestCronParsesAndMatchesExactFields(t *testing.T) {
	c, err := ParseCron("30 14 * * 1-5")
	require.NoError(t, err)

	monday230pm := time.Date(2026, 8, 3, 14, 30, 0, 0, time.UTC) // a Monday
	assert.True(t, c.Matches(monday230pm))

	saturday230pm := time.Date(2026, 8, 1, 14, 30, 0, 0, time.UTC) // a Saturday
	assert.False(t, c.Matches(saturday230pm))

	wrongMinute := time.Date(2026, 8, 3, 14, 31, 0, 0, time.UTC)
	assert.False(t, c.Matches(wrongMinute))
}

func TestCronStepField(t *testing.T) {
	c, err := ParseCron("*/15 * * * *")
	require.NoError(t, err)
	assert.True(t, c.Matches(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, c.Matches(time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC)))
	assert.False(t, c.Matches(time.Date(2026, 1, 1, 0, 20, 0, 0, time.UTC)))
}

func TestCronNextAdvancesToFirstMatch(t *testing.T) {
	c, err := ParseCron("0 0 1 1 *") // once a year, Jan 1 midnight
	require.NoError(t, err)

	after := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	next, ok := c.Next(after)
	require.True(t, ok)
	assert.Equal(t, 2027, next.Year())
	assert.Equal(t, time.January, next.Month())
	assert.Equal(t, 1, next.Day())
}

func TestCronRejectsWrongFieldCount(t *testing.T) {
	_, err := ParseCron("* * *")
	assert.Error(t, err)
}

func TestPipelineSchedulerRunsDueEntryAndRecordsCompletion(t *testing.T) {
	var calls int
	var mu sync.Mutex
	executor := func(ctx context.Context, entry *ScheduleEntry) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}

	sched := NewPipelineScheduler(SchedulerConfig{TickInterval: 10 * time.Millisecond}, executor, nil)
	entry := &ScheduleEntry{
		ID:      "job-1",
		Enabled: true,
		Trigger: Trigger{Kind: TriggerInterval, Interval: 5 * time.Millisecond},
	}
	require.NoError(t, sched.Register(entry))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	require.Eventually(t, func() bool {
		return len(sched.History("job-1")) > 0
	}, time.Second, 5*time.Millisecond)

	hist := sched.History("job-1")
	assert.Equal(t, StatusCompleted, hist[0].Status)
}

func TestPipelineSchedulerSkipsExecutionWhenDependencyNeverSucceeded(t *testing.T) {
	var ran bool
	executor := func(ctx context.Context, entry *ScheduleEntry) error {
		ran = true
		return nil
	}

	sched := NewPipelineScheduler(SchedulerConfig{TickInterval: 10 * time.Millisecond}, executor, nil)
	require.NoError(t, sched.Register(&ScheduleEntry{ID: "upstream", Enabled: false, Trigger: Trigger{Kind: TriggerInterval, Interval: time.Hour}}))
	entry := &ScheduleEntry{
		ID:        "downstream",
		Enabled:   true,
		Trigger:   Trigger{Kind: TriggerInterval, Interval: 5 * time.Millisecond},
		DependsOn: []string{"upstream"},
	}
	require.NoError(t, sched.Register(entry))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	require.Eventually(t, func() bool {
		return len(sched.History("downstream")) > 0
	}, time.Second, 5*time.Millisecond)

	assert.False(t, ran, "downstream must not run: upstream has never completed successfully")
	hist := sched.History("downstream")
	assert.Equal(t, StatusFailed, hist[0].Status)
}

func TestPipelineSchedulerRetriesUpToMaxRetriesThenFails(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	executor := func(ctx context.Context, entry *ScheduleEntry) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("boom")
	}

	events := engine.NewEventBus()
	ch, unsub := events.Subscribe(32, engine.PolicyBlock)
	defer unsub()

	sched := NewPipelineScheduler(SchedulerConfig{TickInterval: 5 * time.Millisecond}, executor, events)
	entry := &ScheduleEntry{
		ID:          "flaky-job",
		Enabled:     true,
		Trigger:     Trigger{Kind: TriggerDelay, Delay: 0},
		RetryPolicy: &RetryPolicy{MaxRetries: 2},
	}
	require.NoError(t, sched.Register(entry))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	var gotFailed bool
	timeout := time.After(5 * time.Second)
	for !gotFailed {
		select {
		case ev := <-ch:
			if string(ev.Type) == string(StatusFailed) {
				gotFailed = true
			}
		case <-timeout:
			t.Fatal("never observed a failed event")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestDelayedExecutorRunsOnceAfterDelayAndIsCancellable(t *testing.T) {
	d := NewDelayedExecutor()
	fired := make(chan struct{}, 1)
	d.Schedule("job", 20*time.Millisecond, func(ctx context.Context) { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("delayed execution never fired")
	}
	assert.False(t, d.Pending("job"))
}

func TestDelayedExecutorCancelPreventsFiring(t *testing.T) {
	d := NewDelayedExecutor()
	fired := false
	d.Schedule("job", 30*time.Millisecond, func(ctx context.Context) { fired = true })
	assert.True(t, d.Cancel("job"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired)
}

func TestRecurringExecutorStopsAfterMaxExecutions(t *testing.T) {
	r := NewRecurringExecutor(nil)
	var count int
	var mu sync.Mutex

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx, "job", 5*time.Millisecond, 3, func(ctx context.Context, execution int) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		return !r.IsRunning("job")
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, count)
}
