// Package scheduler is the daemon loop: it drives pending tasks through
// their workflow, respects the Capacity Monitor's decisions, and routes
// agent output to the Store and event bus.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/apexorch/apex/internal/agentruntime"
	"github.com/apexorch/apex/internal/apperrors"
	"github.com/apexorch/apex/internal/capacity"
	"github.com/apexorch/apex/internal/clock"
	"github.com/apexorch/apex/internal/eventbus"
	"github.com/apexorch/apex/internal/logger"
	"github.com/apexorch/apex/internal/store"
	"github.com/apexorch/apex/internal/workflow"
)

var (
	ErrAlreadyRunning = errors.New("scheduler is already running")
	ErrNotRunning     = errors.New("scheduler is not running")
)

// Config holds the tunables §4.4 names plus the concurrency slot budget
// the teacher's scheduler.go/queue.go pair is built around.
type Config struct {
	PollInterval  time.Duration
	ShutdownDrain time.Duration
	MaxConcurrent int
	RetryDelay    time.Duration
}

// Scheduler is the daemon loop described in §4.4. One tick: snapshot
// pending tasks, dispatch as capacity allows, advance running tasks as
// their stages complete, sleep until the next signal.
//
// Consuming a running task's streamed agent events (§4.4 step 3) happens
// on the goroutine that drives that task rather than by re-polling it
// every tick: the agent runtime already hands back a channel per dispatch,
// and forwarding it as it arrives is the idiomatic Go shape for "route
// streaming events" — functionally equivalent to polling, without an
// extra state snapshot per tick.
type Scheduler struct {
	store    *store.Store
	registry *workflow.Registry
	monitor  *capacity.Monitor
	bus      *eventbus.Bus
	runtime  agentruntime.Runtime
	clk      clock.Clock
	log      *logger.Logger
	cfg      Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wakeCh  chan struct{}
	slots   chan struct{}

	runMu      sync.Mutex
	runCancels map[string]context.CancelFunc
}

// New constructs a Scheduler. Start arms the loop.
func New(st *store.Store, reg *workflow.Registry, mon *capacity.Monitor, bus *eventbus.Bus, rt agentruntime.Runtime, clk clock.Clock, log *logger.Logger, cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Scheduler{
		store:      st,
		registry:   reg,
		monitor:    mon,
		bus:        bus,
		runtime:    rt,
		clk:        clk,
		log:        log.WithFields(zap.String("component", "scheduler")),
		cfg:        cfg,
		wakeCh:     make(chan struct{}, 1),
		slots:      make(chan struct{}, cfg.MaxConcurrent),
		runCancels: map[string]context.CancelFunc{},
	}
}

// Start spawns the processing loop. Idempotent — returns ErrAlreadyRunning
// on a double start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.processLoop(loopCtx)
	return nil
}

// Stop signals the loop to stop accepting new dispatch, waits up to
// ShutdownDrain for in-flight stages to finish, then cancels outstanding
// work. Idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancelLoop := s.cancel
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		cancelLoop()
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(s.cfg.ShutdownDrain):
		s.log.Warn("shutdown drain deadline exceeded; cancelling in-flight stages")
		s.cancelAllRunning()
		<-drained
	case <-ctx.Done():
		s.cancelAllRunning()
		<-drained
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Wake requests an immediate tick instead of waiting for the poll
// interval. Non-blocking: a pending wake-up coalesces with this one.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// RequestCancel cancels a task's in-flight stage goroutine, if any is
// currently running. Returns false if the task has no active goroutine
// (it may be pending, paused, or already terminal — the Facade is
// responsible for the corresponding Store transition either way).
func (s *Scheduler) RequestCancel(taskID string) bool {
	s.runMu.Lock()
	cancel, ok := s.runCancels[taskID]
	s.runMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Scheduler) cancelAllRunning() {
	s.runMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.runCancels))
	for _, c := range s.runCancels {
		cancels = append(cancels, c)
	}
	s.runMu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wakeCh:
			s.tick(ctx)
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick implements §4.4 steps 1-2: snapshot pending tasks, dispatch or
// pause each as capacity allows.
func (s *Scheduler) tick(ctx context.Context) {
	pending, err := s.store.ListTasks(ctx, store.ListPredicate{Statuses: []store.Status{store.StatusPending}})
	if err != nil {
		s.log.Error("tick: failed to snapshot pending tasks", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	q := newDispatchQueue(pending)
	now := s.clk.Now()

	for q.Len() > 0 {
		select {
		case s.slots <- struct{}{}:
		default:
			return // no free concurrency slots this tick
		}

		task := q.Pop()
		decision := s.monitor.IsCapacityAvailable(now, capacity.Estimate{})

		if !decision.Allowed {
			<-s.slots
			if err := s.pauseForCapacity(ctx, task, decision); err != nil {
				s.log.Error("tick: failed to pause task for capacity", zap.String("task_id", task.ID), zap.Error(err))
			}
			continue
		}

		if err := s.markRunning(ctx, task); err != nil {
			<-s.slots
			s.log.Error("tick: failed to mark task running; leaving pending", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}

		s.monitor.TaskStarted()
		s.wg.Add(1)
		// Stage work is detached from the loop context so Stop can drain it;
		// it is cancelled per task through runCancels instead.
		go s.driveTask(context.WithoutCancel(ctx), task)
	}
}

func (s *Scheduler) pauseForCapacity(ctx context.Context, task *store.Task, decision capacity.Decision) error {
	now := s.clk.Now()
	reason := decision.WouldPauseAs
	return s.store.UpdateTask(ctx, task.ID, store.TaskPatch{
		Status:      ptr(store.StatusPaused),
		PausedAt:    ptrptr(&now),
		PauseReason: ptrptr(&reason),
	})
}

func (s *Scheduler) markRunning(ctx context.Context, task *store.Task) error {
	return s.store.UpdateTask(ctx, task.ID, store.TaskPatch{Status: ptr(store.StatusRunning)})
}

// driveTask runs task.Workflow's blocks to completion starting at the
// task's current stage, handling retry/fail per §4.4's failure table.
func (s *Scheduler) driveTask(ctx context.Context, task *store.Task) {
	defer s.wg.Done()
	defer func() { <-s.slots }()
	defer s.monitor.TaskFinished()

	runCtx, cancel := context.WithCancel(ctx)
	s.runMu.Lock()
	s.runCancels[task.ID] = cancel
	s.runMu.Unlock()
	defer func() {
		s.runMu.Lock()
		delete(s.runCancels, task.ID)
		s.runMu.Unlock()
		cancel()
	}()

	s.bus.Publish(runCtx, eventbus.TaskStarted{TaskID: task.ID})

	plan, err := s.registry.Resolve(task.Workflow)
	if err != nil {
		s.failTask(runCtx, task, err)
		return
	}

	startIdx := blockIndexForStage(plan, task.CurrentStage)

	for idx := startIdx; idx < len(plan.Blocks); idx++ {
		block := plan.Blocks[idx]
		stageErr := s.runBlock(runCtx, task, block)
		if stageErr != nil {
			s.handleStageFailure(ctx, task, stageErr)
			return
		}
		last := block.Stages[len(block.Stages)-1]
		prevStage := task.CurrentStage
		if err := s.store.UpdateTask(runCtx, task.ID, store.TaskPatch{
			CurrentStage: ptr(last.Name),
			CurrentAgent: ptr(last.Agent),
		}); err != nil {
			s.log.Error("driveTask: failed to advance cursor", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		task.CurrentStage = last.Name
		s.bus.Publish(runCtx, eventbus.TaskStageChanged{TaskID: task.ID, From: prevStage, To: last.Name})
	}

	if err := s.waitForSubtasks(runCtx, task.ID); err != nil {
		s.log.Error("driveTask: failed waiting for subtasks to reach a terminal status", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	now := s.clk.Now()
	if err := s.store.UpdateTask(runCtx, task.ID, store.TaskPatch{
		Status:      ptr(store.StatusCompleted),
		CompletedAt: ptrptr(&now),
	}); err != nil {
		s.log.Error("driveTask: failed to mark task completed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	s.bus.Publish(runCtx, eventbus.TaskCompleted{TaskID: task.ID})
}

// waitForSubtasks blocks until every non-cancelled subtask of taskID has
// reached a terminal status, polling at PollInterval — §3's precondition
// for parent task completion. Returns the context's error if cancelled
// first.
func (s *Scheduler) waitForSubtasks(ctx context.Context, taskID string) error {
	for {
		done, err := s.store.AllSubtasksTerminal(ctx, taskID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clk.After(ctx, s.clk.Now().Add(s.cfg.PollInterval)):
		}
	}
}

func blockIndexForStage(plan *workflow.Plan, stageName string) int {
	if stageName == "" {
		return 0
	}
	for i, block := range plan.Blocks {
		for _, st := range block.Stages {
			if st.Name == stageName {
				return i + 1
			}
		}
	}
	return 0
}

// runBlock dispatches a block's stages. Non-parallel blocks run one stage
// inline; parallel blocks fan out with errgroup so the first failure
// cancels the shared context and its error is the one returned — "fail
// fast, cancel siblings".
func (s *Scheduler) runBlock(ctx context.Context, task *store.Task, block workflow.Block) error {
	if !block.Parallel {
		return s.runStage(ctx, task, block.Stages[0])
	}

	group := block.Stages[0].Group
	s.bus.Publish(ctx, eventbus.StageParallelStarted{TaskID: task.ID, Group: group})

	g, gctx := errgroup.WithContext(ctx)
	for _, stage := range block.Stages {
		stage := stage
		g.Go(func() error { return s.runStage(gctx, task, stage) })
	}
	err := g.Wait()
	if err == nil {
		s.bus.Publish(ctx, eventbus.StageParallelCompleted{TaskID: task.ID, Group: group})
	}
	return err
}

func (s *Scheduler) runStage(ctx context.Context, task *store.Task, stage workflow.Stage) error {
	if task.CurrentAgent != stage.Agent {
		s.bus.Publish(ctx, eventbus.AgentTransition{TaskID: task.ID, From: task.CurrentAgent, To: stage.Agent})
	}

	events, err := s.runtime.Dispatch(ctx, agentruntime.DispatchInput{
		TaskID:      task.ID,
		Stage:       stage.Name,
		Agent:       stage.Agent,
		Description: task.Description,
		Acceptance:  task.Acceptance,
		ProjectPath: task.ProjectPath,
		BranchName:  task.BranchName,
	})
	if err != nil {
		return apperrors.AgentFatal("dispatch failed", err)
	}

	for ev := range events {
		switch e := ev.(type) {
		case agentruntime.Thinking:
			s.bus.Publish(ctx, eventbus.AgentThinking{TaskID: task.ID, Text: e.Text})
		case agentruntime.Message:
			s.bus.Publish(ctx, eventbus.AgentMessage{TaskID: task.ID, Text: e.Text})
		case agentruntime.ToolUse:
			s.bus.Publish(ctx, eventbus.AgentToolUse{TaskID: task.ID, Tool: e.Tool})
		case agentruntime.UsageDelta:
			s.applyUsage(ctx, task, e.Usage)
		case agentruntime.SubtaskSpawned:
			s.spawnSubtask(ctx, task, e.Description)
		case agentruntime.SubtaskFinished:
			s.finishSubtask(ctx, task, e.SubtaskID)
		case agentruntime.StageResult:
			return nil
		case agentruntime.StageError:
			if e.Transient {
				return apperrors.AgentTransient("agent stage failed", e.Err)
			}
			return apperrors.AgentFatal("agent stage failed", e.Err)
		}
	}
	return nil
}

func (s *Scheduler) spawnSubtask(ctx context.Context, task *store.Task, description string) {
	id, err := s.store.CreateSubtask(ctx, task.ID, description)
	if err != nil {
		s.log.Error("spawnSubtask: store insert failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	s.bus.Publish(ctx, eventbus.SubtaskCreated{TaskID: task.ID, SubtaskID: id})
}

func (s *Scheduler) finishSubtask(ctx context.Context, task *store.Task, subtaskID string) {
	if err := s.store.CompleteSubtask(ctx, task.ID, subtaskID); err != nil {
		s.log.Error("finishSubtask: store update failed", zap.String("task_id", task.ID), zap.String("subtask_id", subtaskID), zap.Error(err))
		return
	}
	s.bus.Publish(ctx, eventbus.SubtaskCompleted{TaskID: task.ID, SubtaskID: subtaskID})
}

func (s *Scheduler) applyUsage(ctx context.Context, task *store.Task, delta store.Usage) {
	next := store.Usage{
		InputTokens:   task.Usage.InputTokens + delta.InputTokens,
		OutputTokens:  task.Usage.OutputTokens + delta.OutputTokens,
		TotalTokens:   task.Usage.TotalTokens + delta.TotalTokens,
		EstimatedCost: task.Usage.EstimatedCost.Add(delta.EstimatedCost),
	}
	if err := s.store.UpdateTask(ctx, task.ID, store.TaskPatch{Usage: &next}); err != nil {
		s.log.Error("applyUsage: store update failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	task.Usage = next
	s.bus.Publish(ctx, eventbus.UsageUpdated{TaskID: task.ID, Usage: next})
	s.monitor.AddDailySpent(delta.EstimatedCost)
	s.monitor.OnUsageUpdate(ctx, capacity.Snapshot{CurrentTokens: next.TotalTokens, CurrentCost: next.EstimatedCost})
}

// handleStageFailure implements the §4.4 failure table for agent errors:
// transient errors retry (bounded by maxRetries) via a pending requeue;
// anything else fails the task.
func (s *Scheduler) handleStageFailure(ctx context.Context, task *store.Task, stageErr error) {
	if apperrors.IsAgentTransient(stageErr) && task.RetryCount < task.MaxRetries {
		s.retryTask(ctx, task)
		return
	}
	s.failTask(ctx, task, stageErr)
}

func (s *Scheduler) retryTask(ctx context.Context, task *store.Task) {
	retryCount := task.RetryCount + 1
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(ctx, s.clk.Now().Add(s.cfg.RetryDelay)):
		}
		if err := s.store.UpdateTask(context.Background(), task.ID, store.TaskPatch{
			Status:     ptr(store.StatusPending),
			RetryCount: ptr(retryCount),
		}); err != nil {
			s.log.Error("retryTask: failed to requeue task", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		s.Wake()
	}()
}

func (s *Scheduler) failTask(ctx context.Context, task *store.Task, cause error) {
	if err := s.store.UpdateTask(ctx, task.ID, store.TaskPatch{Status: ptr(store.StatusFailed)}); err != nil {
		s.log.Error("failTask: store update failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	s.bus.Publish(ctx, eventbus.TaskFailed{TaskID: task.ID, Err: cause.Error()})
}

func ptr[T any](v T) *T { return &v }

func ptrptr[T any](v *T) **T { return &v }
