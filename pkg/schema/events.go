package schema

// Lifecycle event types published by the orchestrator and stored in the event log.
const (
	EventRunStarted   = "run.started"
	EventNodeExecuted = "node.executed"
	EventRunWaiting   = "run.waiting"
	EventRunResumed   = "run.resumed"
	EventRunCompleted = "run.completed"
	EventRunError     = "run.error"
	EventRunExpired   = "run.expired"

	EventEffectFailed   = "effect.failed"
	EventTimerScheduled = "timer.scheduled"
	EventTimerFired     = "timer.fired"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusWaiting   RunStatus = "WAITING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusExpired   RunStatus = "EXPIRED"
	RunStatusError     RunStatus = "ERROR"
)

// IsTerminal returns true when no further transition is possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusExpired, RunStatusError:
		return true
	}
	return false
}

// IsActive returns true for RUNNING and WAITING, the states that occupy a conversation.
func (s RunStatus) IsActive() bool {
	return s == RunStatusRunning || s == RunStatusWaiting
}

// WaitKind distinguishes the two suspension points.
type WaitKind string

const (
	WaitKindTimer WaitKind = "timer"
	WaitKindReply WaitKind = "reply"
)

// Reply-timeout policies.
const (
	OnTimeoutTerminate = "terminate"
	OnTimeoutGoto      = "goto"
)
