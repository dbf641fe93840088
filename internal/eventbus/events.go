package eventbus

import "github.com/apexorch/apex/internal/store"

// Event is implemented by every tagged event variant the bus carries. EventName
// returns the canonical event name from the taxonomy.
type Event interface {
	EventName() string
}

type TaskStarted struct{ TaskID string }

func (TaskStarted) EventName() string { return "task:started" }

type TaskStageChanged struct {
	TaskID   string
	From, To string
}

func (TaskStageChanged) EventName() string { return "task:stage-changed" }

type TaskCompleted struct{ TaskID string }

func (TaskCompleted) EventName() string { return "task:completed" }

type TaskFailed struct {
	TaskID string
	Err    string
}

func (TaskFailed) EventName() string { return "task:failed" }

type TaskCancelled struct{ TaskID string }

func (TaskCancelled) EventName() string { return "task:cancelled" }

type TaskPaused struct {
	TaskID string
	Reason store.PauseReason
}

func (TaskPaused) EventName() string { return "task:paused" }

type TaskResumed struct{ TaskID string }

func (TaskResumed) EventName() string { return "task:resumed" }

type SubtaskCreated struct{ TaskID, SubtaskID string }

func (SubtaskCreated) EventName() string { return "subtask:created" }

type SubtaskCompleted struct{ TaskID, SubtaskID string }

func (SubtaskCompleted) EventName() string { return "subtask:completed" }

type AgentTransition struct {
	TaskID     string
	From, To   string
}

func (AgentTransition) EventName() string { return "agent:transition" }

type AgentMessage struct{ TaskID, Text string }

func (AgentMessage) EventName() string { return "agent:message" }

type AgentToolUse struct{ TaskID, Tool string }

func (AgentToolUse) EventName() string { return "agent:tool-use" }

type AgentThinking struct{ TaskID, Text string }

func (AgentThinking) EventName() string { return "agent:thinking" }

type StageParallelStarted struct{ TaskID, Group string }

func (StageParallelStarted) EventName() string { return "stage:parallel-started" }

type StageParallelCompleted struct{ TaskID, Group string }

func (StageParallelCompleted) EventName() string { return "stage:parallel-completed" }

type UsageUpdated struct {
	TaskID string
	Usage  store.Usage
}

func (UsageUpdated) EventName() string { return "usage:updated" }

type CapacityRestored struct{ Reason string }

func (CapacityRestored) EventName() string { return "capacity:restored" }

type TasksAutoResumed struct {
	Reason       string
	ResumedCount int
	Errors       []string
}

func (TasksAutoResumed) EventName() string { return "tasks:auto-resumed" }

// BusDropped is the §9 backpressure stat event: the external mirror's bounded
// queue overflowed and its oldest queued event was dropped. Subject is the
// dropped event's name and Count the running number of drops for that name.
type BusDropped struct {
	Subject string
	Count   int
}

func (BusDropped) EventName() string { return "bus:dropped" }
