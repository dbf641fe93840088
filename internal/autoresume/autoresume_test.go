package autoresume

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apexorch/apex/internal/clock"
	"github.com/apexorch/apex/internal/eventbus"
	"github.com/apexorch/apex/internal/logger"
	"github.com/apexorch/apex/internal/store"
)

// fakeStore serves a fixed, mutable slice of paused tasks. fakeResumer
// removes a task from it on successful resume, mirroring the real Store
// (a resumed task is no longer returned by GetPausedTasksForResume).
type fakeStore struct {
	mu    sync.Mutex
	tasks []*store.Task
}

func (f *fakeStore) GetPausedTasksForResume(ctx context.Context, now time.Time) ([]*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Task, len(f.tasks))
	copy(out, f.tasks)
	return out, nil
}

func (f *fakeStore) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.tasks[:0]
	for _, t := range f.tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	f.tasks = out
}

// fakeResumer records ResumeTask calls in order and can be told to fail
// for specific ids. On success it removes the task from the backing store.
type fakeResumer struct {
	mu       sync.Mutex
	resumed  []string
	failWith map[string]error
	store    *fakeStore
}

func (f *fakeResumer) ResumeTask(ctx context.Context, id string) error {
	f.mu.Lock()
	err, shouldFail := f.failWith[id]
	f.mu.Unlock()
	if shouldFail {
		return err
	}
	f.mu.Lock()
	f.resumed = append(f.resumed, id)
	f.mu.Unlock()
	if f.store != nil {
		f.store.remove(id)
	}
	return nil
}

func waitForEvent(t *testing.T, bus *eventbus.Bus, name string) <-chan eventbus.Event {
	t.Helper()
	ch := make(chan eventbus.Event, 8)
	bus.On(name, func(ctx context.Context, e eventbus.Event) { ch <- e })
	return ch
}

func TestResumesInPriorityOrder(t *testing.T) {
	bus := eventbus.NewBus(nil)
	fs := &fakeStore{tasks: []*store.Task{
		{ID: "urgent", Priority: store.PriorityUrgent},
		{ID: "normal", Priority: store.PriorityNormal},
		{ID: "low", Priority: store.PriorityLow},
	}}
	fr := &fakeResumer{store: fs}
	c := New(fs, fr, bus, clock.NewReal(), logger.Default())
	events := waitForEvent(t, bus, "tasks:auto-resumed")
	c.Start(context.Background())

	bus.Publish(context.Background(), eventbus.CapacityRestored{Reason: "capacity_dropped"})

	select {
	case ev := <-events:
		summary := ev.(eventbus.TasksAutoResumed)
		require.Equal(t, "capacity_dropped", summary.Reason)
		require.Equal(t, 3, summary.ResumedCount)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tasks:auto-resumed")
	}
	require.Equal(t, []string{"urgent", "normal", "low"}, fr.resumed)
}

func TestPartialFailureToleratedAndReported(t *testing.T) {
	bus := eventbus.NewBus(nil)
	fs := &fakeStore{tasks: []*store.Task{
		{ID: "t1", Priority: store.PriorityNormal},
		{ID: "t2", Priority: store.PriorityNormal, CreatedAt: time.Now().Add(time.Second)},
	}}
	fr := &fakeResumer{store: fs, failWith: map[string]error{"t2": errBoom}}
	c := New(fs, fr, bus, clock.NewReal(), logger.Default())
	events := waitForEvent(t, bus, "tasks:auto-resumed")
	c.Start(context.Background())

	bus.Publish(context.Background(), eventbus.CapacityRestored{Reason: "mode_switch"})

	select {
	case ev := <-events:
		summary := ev.(eventbus.TasksAutoResumed)
		require.Equal(t, 1, summary.ResumedCount)
		require.Equal(t, []string{"t2"}, summary.Errors)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tasks:auto-resumed")
	}
	require.Equal(t, []string{"t1"}, fr.resumed)
}

func TestConcurrentTriggersCoalesce(t *testing.T) {
	bus := eventbus.NewBus(nil)
	fs := &fakeStore{tasks: []*store.Task{{ID: "t1", Priority: store.PriorityNormal}}}
	fr := &fakeResumer{store: fs}
	c := New(fs, fr, bus, clock.NewReal(), logger.Default())
	events := waitForEvent(t, bus, "tasks:auto-resumed")
	c.Start(context.Background())

	bus.Publish(context.Background(), eventbus.CapacityRestored{Reason: "capacity_dropped"})
	bus.Publish(context.Background(), eventbus.CapacityRestored{Reason: "capacity_dropped"})

	var summaries []eventbus.TasksAutoResumed
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			summaries = append(summaries, ev.(eventbus.TasksAutoResumed))
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for summary %d", i)
		}
	}
	// First pass resumes the only task; the coalesced follow-up pass
	// finds nothing left eligible and still reports resumedCount = 0.
	require.Equal(t, 1, summaries[0].ResumedCount)
	require.Equal(t, 0, summaries[1].ResumedCount)
	require.Len(t, fr.resumed, 1)
}

type boomError struct{}

func (*boomError) Error() string { return "boom" }

var errBoom = &boomError{}
