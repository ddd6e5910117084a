package schema

// Event type constants for the execution trace log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionTimedOut  = "execution_timeout"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"

	EventNodeStarted   = "node_started"
	EventNodeStreaming = "node_streaming"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"

	EventLoopIterationStarted   = "loop_iteration_started"
	EventLoopIterationCompleted = "loop_iteration_completed"
	EventConditionEvaluated     = "condition_evaluated"
	EventParallelItemStarted    = "parallel_item_started"
	EventParallelItemCompleted  = "parallel_item_completed"
	EventParallelItemFailed     = "parallel_item_failed"

	EventOutputEdited = "output_edited"
)

// ExecutionStatus represents the lifecycle state of an execution.
// Transitions are monotonic: running pauses and resumes, then lands on
// exactly one terminal status.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled, ExecutionStatusTimeout:
		return true
	}
	return false
}

// NodeStatus represents the lifecycle state of a per-node result record.
// Skipped marks untaken-branch nodes so they remain visible in the trace.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)
