package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apexorch/apex/internal/agentruntime"
	"github.com/apexorch/apex/internal/capacity"
	"github.com/apexorch/apex/internal/clock"
	"github.com/apexorch/apex/internal/config"
	"github.com/apexorch/apex/internal/eventbus"
	"github.com/apexorch/apex/internal/logger"
	"github.com/apexorch/apex/internal/store"
	"github.com/apexorch/apex/internal/workflow"
)

// fakeRuntime completes every dispatched stage immediately and successfully,
// unless configured to fail: fail forces a hard StageError on every
// dispatch, transientFailures sends that many transient StageErrors before
// falling through to success.
type fakeRuntime struct {
	fail              bool
	transientFailures atomic.Int32
}

func (f *fakeRuntime) Dispatch(ctx context.Context, input agentruntime.DispatchInput) (<-chan agentruntime.AgentEvent, error) {
	ch := make(chan agentruntime.AgentEvent, 1)
	switch {
	case f.fail:
		ch <- agentruntime.StageError{Err: context.DeadlineExceeded, Transient: false}
	case f.transientFailures.Add(-1) >= 0:
		ch <- agentruntime.StageError{Err: context.DeadlineExceeded, Transient: true}
	default:
		ch <- agentruntime.StageResult{}
	}
	close(ch)
	return ch, nil
}

func testDeps(t *testing.T) (*store.Store, *workflow.Registry, *capacity.Monitor, *eventbus.Bus) {
	t.Helper()
	log := logger.Default()

	dbPath := filepath.Join(t.TempDir(), "apex.db")
	st, err := store.Open(dbPath, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := workflow.NewRegistry()

	limits := config.LimitsConfig{
		MaxConcurrentTasks: 10,
		MaxTokensPerTask:   1_000_000,
		MaxCostPerTask:     "100.0000",
		DailyBudget:        "1000.0000",
	}
	tb := config.TimeBasedConfig{
		Enabled:           false,
		DayModeThresholds: config.ModeThresholds{TokensPct: 100, CostPct: 100, ConcurrencyPct: 100, BudgetPct: 100},
	}
	clk := clock.NewReal()
	bus := eventbus.NewBus(log)
	mon, err := capacity.NewMonitor(tb, limits, clk, bus, log)
	require.NoError(t, err)

	return st, reg, mon, bus
}

func TestTickDispatchesPendingTaskAndCompletesIt(t *testing.T) {
	st, reg, mon, bus := testDeps(t)
	ctx := context.Background()

	id, err := st.CreateTask(ctx, store.CreateTaskSpec{
		Description: "do the thing",
		Workflow:    "review-only",
		Autonomy:    store.AutonomyAutonomous,
		Priority:    store.PriorityNormal,
		ProjectPath: "/tmp/proj",
	})
	require.NoError(t, err)

	var completed chan struct{} = make(chan struct{})
	bus.On("task:completed", func(ctx context.Context, e eventbus.Event) {
		close(completed)
	})

	sched := New(st, reg, mon, bus, &fakeRuntime{}, clock.NewReal(), logger.Default(), Config{
		PollInterval:  10 * time.Millisecond,
		ShutdownDrain: time.Second,
		MaxConcurrent: 2,
		RetryDelay:    10 * time.Millisecond,
	})

	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("task never completed")
	}

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, task.Status)
}

func TestStartTwiceReturnsErrAlreadyRunning(t *testing.T) {
	st, reg, mon, bus := testDeps(t)
	sched := New(st, reg, mon, bus, &fakeRuntime{}, clock.NewReal(), logger.Default(), Config{
		PollInterval: time.Hour, ShutdownDrain: time.Second, MaxConcurrent: 1, RetryDelay: time.Second,
	})
	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))
	require.ErrorIs(t, sched.Start(ctx), ErrAlreadyRunning)
	require.NoError(t, sched.Stop(context.Background()))
}

func TestStopWithoutStartReturnsErrNotRunning(t *testing.T) {
	st, reg, mon, bus := testDeps(t)
	sched := New(st, reg, mon, bus, &fakeRuntime{}, clock.NewReal(), logger.Default(), Config{
		PollInterval: time.Hour, ShutdownDrain: time.Second, MaxConcurrent: 1, RetryDelay: time.Second,
	})
	require.ErrorIs(t, sched.Stop(context.Background()), ErrNotRunning)
}

func TestDispatchFailureTransitionsTaskToFailed(t *testing.T) {
	st, reg, mon, bus := testDeps(t)
	ctx := context.Background()

	id, err := st.CreateTask(ctx, store.CreateTaskSpec{
		Description: "will fail",
		Workflow:    "review-only",
		Autonomy:    store.AutonomyAutonomous,
		Priority:    store.PriorityNormal,
		ProjectPath: "/tmp/proj",
	})
	require.NoError(t, err)

	failed := make(chan struct{})
	bus.On("task:failed", func(ctx context.Context, e eventbus.Event) { close(failed) })

	sched := New(st, reg, mon, bus, &fakeRuntime{fail: true}, clock.NewReal(), logger.Default(), Config{
		PollInterval: 10 * time.Millisecond, ShutdownDrain: time.Second, MaxConcurrent: 2, RetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("task never failed")
	}

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, task.Status)
}

func TestTransientFailureRetriesViaPendingRequeue(t *testing.T) {
	st, reg, mon, bus := testDeps(t)
	ctx := context.Background()

	id, err := st.CreateTask(ctx, store.CreateTaskSpec{
		Description: "flaky",
		Workflow:    "review-only",
		Autonomy:    store.AutonomyAutonomous,
		Priority:    store.PriorityNormal,
		ProjectPath: "/tmp/proj",
	})
	require.NoError(t, err)

	completed := make(chan struct{})
	bus.On("task:completed", func(ctx context.Context, e eventbus.Event) { close(completed) })

	rt := &fakeRuntime{}
	rt.transientFailures.Store(1)

	sched := New(st, reg, mon, bus, rt, clock.NewReal(), logger.Default(), Config{
		PollInterval:  10 * time.Millisecond,
		ShutdownDrain: time.Second,
		MaxConcurrent: 2,
		RetryDelay:    10 * time.Millisecond,
	})

	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("task never completed after transient retry")
	}

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, task.Status)
	require.Equal(t, 1, task.RetryCount)
}
