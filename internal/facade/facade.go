// Package facade implements the Orchestrator Facade: the thin public
// entrypoint (submitTask, pauseTask, resumeTask, cancelTask, on/off,
// initialize/shutdown) that wires the Store, Scheduler and event bus
// together. It is the one place those three collaborators are handed to
// each other, breaking the Store/Scheduler/Facade cyclic reference §9
// warns about.
package facade

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apexorch/apex/internal/apperrors"
	"github.com/apexorch/apex/internal/clock"
	"github.com/apexorch/apex/internal/eventbus"
	"github.com/apexorch/apex/internal/logger"
	"github.com/apexorch/apex/internal/scheduler"
	"github.com/apexorch/apex/internal/store"
)

// Facade is the orchestrator's public surface. Every mutation goes
// through the Store; every notification goes through the Bus.
type Facade struct {
	store *store.Store
	sched *scheduler.Scheduler
	bus   *eventbus.Bus
	clk   clock.Clock
	log   *logger.Logger

	mu          sync.Mutex
	initialized bool
}

// New constructs a Facade over an already-built Store, Scheduler and Bus.
// Call Initialize before submitting tasks.
func New(st *store.Store, sched *scheduler.Scheduler, bus *eventbus.Bus, clk clock.Clock, log *logger.Logger) *Facade {
	return &Facade{
		store: st,
		sched: sched,
		bus:   bus,
		clk:   clk,
		log:   log.WithFields(zap.String("component", "facade")),
	}
}

// Initialize starts the Scheduler loop. Idempotent.
func (f *Facade) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initialized {
		return nil
	}
	if err := f.sched.Start(ctx); err != nil && err != scheduler.ErrAlreadyRunning {
		return err
	}
	f.initialized = true
	return nil
}

// Shutdown stops the Scheduler loop, draining in-flight stages within
// drainMs before forcibly cancelling them.
func (f *Facade) Shutdown(ctx context.Context, drainMs time.Duration) error {
	f.mu.Lock()
	f.initialized = false
	f.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, drainMs)
	defer cancel()
	if err := f.sched.Stop(shutdownCtx); err != nil && err != scheduler.ErrNotRunning {
		return err
	}
	if shutdownCtx.Err() != nil {
		return apperrors.ShutdownExceeded("drain deadline exceeded before scheduler stopped")
	}
	return nil
}

// SubmitTask validates and persists a new task, then wakes the Scheduler
// so it is considered on the very next tick rather than waiting out the
// poll interval.
func (f *Facade) SubmitTask(ctx context.Context, spec store.CreateTaskSpec) (string, error) {
	id, err := f.store.CreateTask(ctx, spec)
	if err != nil {
		return "", err
	}
	f.sched.Wake()
	return id, nil
}

// PauseTask transitions a running task to paused with reason manual (or
// user_request, when requested by an interactive caller), signalling the
// Scheduler to stop its in-flight stage at the next suspension point.
func (f *Facade) PauseTask(ctx context.Context, id string, reason store.PauseReason) error {
	task, err := f.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return apperrors.Validation("id", "task not found")
	}
	if task.Status != store.StatusRunning {
		return apperrors.IllegalTransition("pauseTask requires status running")
	}

	f.sched.RequestCancel(id)

	now := f.clk.Now()
	if err := f.store.UpdateTask(ctx, id, store.TaskPatch{
		Status:      pp(store.StatusPaused),
		PausedAt:    pptr(&now),
		PauseReason: pprr(&reason),
	}); err != nil {
		return err
	}
	f.bus.Publish(ctx, eventbus.TaskPaused{TaskID: id, Reason: reason})
	return nil
}

// ResumeTask transitions a paused task back to running and wakes the
// Scheduler so dispatch is reconsidered immediately.
func (f *Facade) ResumeTask(ctx context.Context, id string) error {
	task, err := f.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return apperrors.Validation("id", "task not found")
	}
	if task.Status != store.StatusPaused {
		return apperrors.IllegalTransition("resumeTask requires status paused")
	}

	if err := f.store.UpdateTask(ctx, id, store.TaskPatch{
		Status:      pp(store.StatusRunning),
		PausedAt:    pptr(nil),
		PauseReason: pprr(nil),
	}); err != nil {
		return err
	}
	f.bus.Publish(ctx, eventbus.TaskResumed{TaskID: id})
	f.sched.Wake()
	return nil
}

// CancelTask transitions a task to cancelled from any non-terminal status.
// Idempotent: cancelling an already-cancelled task is a no-op success.
func (f *Facade) CancelTask(ctx context.Context, id string) error {
	task, err := f.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return apperrors.Validation("id", "task not found")
	}
	if task.Status == store.StatusCancelled {
		return nil
	}
	if task.Status.IsTerminal() {
		return apperrors.IllegalTransition("cannot cancel a task in terminal status " + string(task.Status))
	}

	f.sched.RequestCancel(id)

	if err := f.store.UpdateTask(ctx, id, store.TaskPatch{Status: pp(store.StatusCancelled)}); err != nil {
		return err
	}
	f.bus.Publish(ctx, eventbus.TaskCancelled{TaskID: id})
	return nil
}

// GetTask is a convenience read-through to the Store for ambient callers
// (cmd/apexctl) that don't need the full Store surface.
func (f *Facade) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return f.store.GetTask(ctx, id)
}

// ListTasks is a convenience read-through to the Store.
func (f *Facade) ListTasks(ctx context.Context, pred store.ListPredicate) ([]*store.Task, error) {
	return f.store.ListTasks(ctx, pred)
}

// On registers an event handler. See eventbus.Bus.On.
func (f *Facade) On(name string, handler eventbus.Handler) eventbus.Subscription {
	return f.bus.On(name, handler)
}

// Off removes a previously registered handler. See eventbus.Bus.Off.
func (f *Facade) Off(sub eventbus.Subscription) {
	f.bus.Off(sub)
}

func pp[T any](v T) *T           { return &v }
func pptr(v *time.Time) **time.Time { return &v }
func pprr(v *store.PauseReason) **store.PauseReason { return &v }
