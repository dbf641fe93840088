package agentruntime

import "context"

// NoopRuntime immediately completes every dispatched stage with no events.
// It is the default Runtime wired by cmd/apexd when no concrete agent
// process (Claude Code, an MCP-backed tool runner, …) has been configured —
// enough to exercise the Scheduler's dispatch and bookkeeping end to end
// without depending on any specific agent vendor, which §1 keeps opaque.
type NoopRuntime struct{}

// NewNoopRuntime constructs a NoopRuntime.
func NewNoopRuntime() *NoopRuntime { return &NoopRuntime{} }

// Dispatch satisfies Runtime by returning a channel that immediately
// yields one StageResult.
func (NoopRuntime) Dispatch(ctx context.Context, input DispatchInput) (<-chan AgentEvent, error) {
	ch := make(chan AgentEvent, 1)
	ch <- StageResult{}
	close(ch)
	return ch, nil
}
