// Package autoresume implements the Auto-Resume Coordinator: it listens
// for capacity:restored events, selects eligible paused tasks in priority
// order, and resumes them through the Facade, tolerating partial failure.
package autoresume

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apexorch/apex/internal/clock"
	"github.com/apexorch/apex/internal/eventbus"
	"github.com/apexorch/apex/internal/logger"
	"github.com/apexorch/apex/internal/store"
)

// resumer is the subset of the Facade the Coordinator depends on — kept
// narrow so tests can stub it without a real Store/Scheduler.
type resumer interface {
	ResumeTask(ctx context.Context, id string) error
}

// Coordinator reacts to capacity:restored by resuming eligible paused
// tasks in priority order. Concurrent triggers are coalesced: an event
// arriving mid-pass sets a pending flag rather than spawning an
// overlapping resume run; the in-flight pass checks the flag after
// finishing and re-runs once more if it was set — "a second event
// arriving while the coordinator is iterating is queued and processed
// after the first completes."
type Coordinator struct {
	store Store
	face  resumer
	bus   *eventbus.Bus
	clk   clock.Clock
	log   *logger.Logger

	mu      sync.Mutex
	running bool
	pending bool
	pendingReason string
}

// Store is the Task Store surface the Coordinator reads from.
type Store interface {
	GetPausedTasksForResume(ctx context.Context, now time.Time) ([]*store.Task, error)
}

// New constructs a Coordinator. Call Start to begin listening.
func New(st Store, face resumer, bus *eventbus.Bus, clk clock.Clock, log *logger.Logger) *Coordinator {
	return &Coordinator{
		store: st,
		face:  face,
		bus:   bus,
		clk:   clk,
		log:   log.WithFields(zap.String("component", "autoresume")),
	}
}

// Start subscribes to capacity:restored. Returns the Subscription for Stop.
func (c *Coordinator) Start(ctx context.Context) eventbus.Subscription {
	return c.bus.On("capacity:restored", func(ctx context.Context, ev eventbus.Event) {
		restored, ok := ev.(eventbus.CapacityRestored)
		if !ok {
			return
		}
		c.trigger(ctx, restored.Reason)
	})
}

// Stop unsubscribes the Coordinator from the bus.
func (c *Coordinator) Stop(sub eventbus.Subscription) {
	c.bus.Off(sub)
}

// trigger begins a resume pass, or — if one is already in flight —
// records that another pass is needed once the current one finishes.
func (c *Coordinator) trigger(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.running {
		c.pending = true
		c.pendingReason = reason
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.runPasses(ctx, reason)
}

// runPasses runs one resume pass, then keeps running follow-up passes for
// as long as a new trigger arrived while the previous one was in flight.
func (c *Coordinator) runPasses(ctx context.Context, reason string) {
	for {
		c.runOnePass(ctx, reason)

		c.mu.Lock()
		if !c.pending {
			c.running = false
			c.mu.Unlock()
			return
		}
		reason = c.pendingReason
		c.pending = false
		c.mu.Unlock()
	}
}

func (c *Coordinator) runOnePass(ctx context.Context, reason string) {
	tasks, err := c.store.GetPausedTasksForResume(ctx, c.clk.Now())
	if err != nil {
		c.log.Error("autoresume: failed to list paused tasks", zap.Error(err))
		c.bus.Publish(ctx, eventbus.TasksAutoResumed{Reason: reason, ResumedCount: 0, Errors: []string{err.Error()}})
		return
	}

	var resumed int
	var errs []string
	for _, task := range tasks {
		if err := c.face.ResumeTask(ctx, task.ID); err != nil {
			c.log.Warn("autoresume: resume failed, continuing", zap.String("task_id", task.ID), zap.Error(err))
			errs = append(errs, task.ID)
			continue
		}
		resumed++
	}

	c.bus.Publish(ctx, eventbus.TasksAutoResumed{Reason: reason, ResumedCount: resumed, Errors: errs})
}
