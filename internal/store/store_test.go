package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apexorch/apex/internal/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "apex.db")
	s, err := Open(dbPath, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateTask(ctx, CreateTaskSpec{
		Description: "ship the thing",
		Workflow:    "standard",
		Autonomy:    AutonomyAutonomous,
		Priority:    PriorityNormal,
		ProjectPath: "/tmp/proj",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)
	require.Equal(t, 3, task.MaxRetries)
	require.WithinDuration(t, time.Now(), task.CreatedAt, 5*time.Second)
}

func TestCreateTaskRejectsMissingFields(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateTask(context.Background(), CreateTaskSpec{Workflow: "standard", ProjectPath: "/x"})
	require.Error(t, err)
}

func TestGetTaskMissingReturnsNilNotError(t *testing.T) {
	s := newTestStore(t)
	task, err := s.GetTask(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestUpdateTaskValidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, _ := s.CreateTask(ctx, CreateTaskSpec{Description: "d", Workflow: "w", ProjectPath: "/p"})

	running := StatusRunning
	require.NoError(t, s.UpdateTask(ctx, id, TaskPatch{Status: &running}))

	task, _ := s.GetTask(ctx, id)
	require.Equal(t, StatusRunning, task.Status)
}

func TestUpdateTaskRejectsIllegalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, _ := s.CreateTask(ctx, CreateTaskSpec{Description: "d", Workflow: "w", ProjectPath: "/p"})

	completed := StatusCompleted
	err := s.UpdateTask(ctx, id, TaskPatch{Status: &completed})
	require.Error(t, err)
}

func TestUpdateTaskPauseRequiresReasonAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, _ := s.CreateTask(ctx, CreateTaskSpec{Description: "d", Workflow: "w", ProjectPath: "/p"})
	running := StatusRunning
	require.NoError(t, s.UpdateTask(ctx, id, TaskPatch{Status: &running}))

	paused := StatusPaused
	err := s.UpdateTask(ctx, id, TaskPatch{Status: &paused})
	require.Error(t, err, "pausing without pausedAt/pauseReason must be rejected")

	now := time.Now().UTC()
	reason := PauseCapacity
	require.NoError(t, s.UpdateTask(ctx, id, TaskPatch{
		Status:      &paused,
		PausedAt:    ptrptr(&now),
		PauseReason: ptrptr(&reason),
	}))

	task, _ := s.GetTask(ctx, id)
	require.Equal(t, StatusPaused, task.Status)
	require.NotNil(t, task.PausedAt)
	require.Equal(t, PauseCapacity, *task.PauseReason)
}

func TestUpdateTaskRejectsDecreasingUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, _ := s.CreateTask(ctx, CreateTaskSpec{Description: "d", Workflow: "w", ProjectPath: "/p"})

	usage := Usage{TotalTokens: 100}
	require.NoError(t, s.UpdateTask(ctx, id, TaskPatch{Usage: &usage}))

	lower := Usage{TotalTokens: 50}
	err := s.UpdateTask(ctx, id, TaskPatch{Usage: &lower})
	require.Error(t, err)
}

func TestUpdateTaskRejectsMutationAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, _ := s.CreateTask(ctx, CreateTaskSpec{Description: "d", Workflow: "w", ProjectPath: "/p"})
	running := StatusRunning
	require.NoError(t, s.UpdateTask(ctx, id, TaskPatch{Status: &running}))
	completed := StatusCompleted
	require.NoError(t, s.UpdateTask(ctx, id, TaskPatch{Status: &completed}))

	stage := "anything"
	err := s.UpdateTask(ctx, id, TaskPatch{CurrentStage: &stage})
	require.Error(t, err)
}

func TestGetPausedTasksForResumeOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mkPaused := func(priority Priority) string {
		id, _ := s.CreateTask(ctx, CreateTaskSpec{Description: "d", Workflow: "w", ProjectPath: "/p", Priority: priority})
		running := StatusRunning
		_ = s.UpdateTask(ctx, id, TaskPatch{Status: &running})
		paused := StatusPaused
		now := time.Now().UTC()
		reason := PauseCapacity
		_ = s.UpdateTask(ctx, id, TaskPatch{Status: &paused, PausedAt: ptrptr(&now), PauseReason: ptrptr(&reason)})
		return id
	}

	low := mkPaused(PriorityLow)
	time.Sleep(2 * time.Millisecond)
	urgent := mkPaused(PriorityUrgent)
	time.Sleep(2 * time.Millisecond)
	normal := mkPaused(PriorityNormal)

	tasks, err := s.GetPausedTasksForResume(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	require.Equal(t, urgent, tasks[0].ID)
	require.Equal(t, normal, tasks[1].ID)
	require.Equal(t, low, tasks[2].ID)
}

func TestGetPausedTasksForResumeIgnoresNonResumableReasons(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(reason PauseReason) string {
		id, _ := s.CreateTask(ctx, CreateTaskSpec{Description: "d", Workflow: "w", ProjectPath: "/p"})
		running := StatusRunning
		_ = s.UpdateTask(ctx, id, TaskPatch{Status: &running})
		paused := StatusPaused
		now := time.Now().UTC()
		r := reason
		_ = s.UpdateTask(ctx, id, TaskPatch{Status: &paused, PausedAt: ptrptr(&now), PauseReason: ptrptr(&r)})
		return id
	}

	_ = mk(PauseManual)
	_ = mk(PauseUserRequest)
	capacityID := mk(PauseCapacity)

	tasks, err := s.GetPausedTasksForResume(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, capacityID, tasks[0].ID)
}

func TestGetPausedTasksForResumeRespectsResumeAfterGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(24 * time.Hour)
	past := time.Now().UTC().Add(-1 * time.Minute)

	mk := func(resumeAfter time.Time) string {
		id, _ := s.CreateTask(ctx, CreateTaskSpec{Description: "d", Workflow: "w", ProjectPath: "/p"})
		running := StatusRunning
		_ = s.UpdateTask(ctx, id, TaskPatch{Status: &running})
		paused := StatusPaused
		now := time.Now().UTC()
		reason := PauseCapacity
		ra := resumeAfter
		_ = s.UpdateTask(ctx, id, TaskPatch{
			Status: &paused, PausedAt: ptrptr(&now), PauseReason: ptrptr(&reason), ResumeAfter: ptrptr(&ra),
		})
		return id
	}

	_ = mk(future)
	eligible := mk(past)

	tasks, err := s.GetPausedTasksForResume(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, eligible, tasks[0].ID)
}

func TestSubtasksGateParentCompletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	parentID, _ := s.CreateTask(ctx, CreateTaskSpec{Description: "d", Workflow: "w", ProjectPath: "/p"})

	subID, err := s.CreateSubtask(ctx, parentID, "child work")
	require.NoError(t, err)

	done, err := s.AllSubtasksTerminal(ctx, parentID)
	require.NoError(t, err)
	require.False(t, done)

	// Directly flip the subtask row to completed for this test's purposes —
	// Subtask status transitions beyond creation are driven by the scheduler,
	// not exercised here.
	_, err = s.writer.ExecContext(ctx, "UPDATE subtasks SET status = ? WHERE id = ?", string(StatusCompleted), subID)
	require.NoError(t, err)

	done, err = s.AllSubtasksTerminal(ctx, parentID)
	require.NoError(t, err)
	require.True(t, done)
}

// ptrptr adapts a *T into a **T for TaskPatch's double-pointer "set vs
// leave unchanged vs clear" fields.
func ptrptr[T any](v *T) **T {
	return &v
}
