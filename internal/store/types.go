// Package store implements the durable Task Store: transactional SQLite
// persistence for tasks and subtasks, with atomic state-machine enforcement.
package store

import (
	"time"

	"github.com/apexorch/apex/internal/money"
)

// Status is a Task or Subtask lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further mutation is ever accepted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Autonomy controls whether a task runs unattended or pauses for input.
type Autonomy string

const (
	AutonomyAutonomous  Autonomy = "autonomous"
	AutonomyInteractive Autonomy = "interactive"
)

// Priority is a total order: Urgent > High > Normal > Low.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns a numeric rank for priority comparisons; higher sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// PauseReason is a tagged union explaining why a task is paused.
type PauseReason string

const (
	PauseCapacity    PauseReason = "capacity"
	PauseBudget      PauseReason = "budget"
	PauseUsageLimit  PauseReason = "usage_limit"
	PauseManual      PauseReason = "manual"
	PauseUserRequest PauseReason = "user_request"
	PauseError       PauseReason = "error"
	PauseDependency  PauseReason = "dependency"
)

// AutoResumable reports whether the auto-resume coordinator may resume a
// task paused for this reason.
func (r PauseReason) AutoResumable() bool {
	switch r {
	case PauseCapacity, PauseBudget, PauseUsageLimit:
		return true
	default:
		return false
	}
}

// Usage is the cumulative resource consumption of a task.
type Usage struct {
	InputTokens    int64
	OutputTokens   int64
	TotalTokens    int64
	EstimatedCost  money.Money
}

// Task is a unit of work owned exclusively by the Store.
type Task struct {
	ID             string
	Description    string
	Acceptance     string
	Workflow       string
	Autonomy       Autonomy
	Priority       Priority
	ProjectPath    string
	BranchName     string
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	PausedAt       *time.Time
	CompletedAt    *time.Time
	RetryCount     int
	MaxRetries     int
	Usage          Usage
	CurrentStage   string
	CurrentAgent   string
	PauseReason    *PauseReason
	ResumeAfter    *time.Time
}

// Subtask is a child work item created by an agent.
type Subtask struct {
	ID           string
	ParentTaskID string
	Description  string
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// CreateTaskSpec is the input to createTask.
type CreateTaskSpec struct {
	Description string
	Acceptance  string
	Workflow    string
	Autonomy    Autonomy
	Priority    Priority
	ProjectPath string
	BranchName  string
	MaxRetries  int
}

// TaskPatch carries the allowed mutable fields for updateTask; nil fields
// are left unchanged. PausedAt/PauseReason must be set or cleared together.
type TaskPatch struct {
	Status       *Status
	CurrentStage *string
	CurrentAgent *string
	Usage        *Usage
	RetryCount   *int
	PausedAt     **time.Time
	PauseReason  **PauseReason
	ResumeAfter  **time.Time
	CompletedAt  **time.Time
}

// ListPredicate filters listTasks results.
type ListPredicate struct {
	Statuses     []Status
	Priorities   []Priority
	PauseReasons []PauseReason
	ResumeBefore *time.Time // only tasks whose resumeAfter is unset or <= this
}
