package engine

import (
	"context"
	"sync"

	"github.com/narratia/inkflow/internal/store"
	"github.com/narratia/inkflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender receives trace events emitted on state transitions.
// Satisfied by the store and by the executor's emitter.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM manages execution lifecycle state transitions.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[executionHookKey][]TransitionHook
	after    map[executionHookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM that emits events via the appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[executionHookKey][]TransitionHook),
		after:    make(map[executionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an execution transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes an execution state transition, emitting
// the corresponding trace event. The caller persists the new status.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := executionHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := executionEventType(from, to); eventType != "" {
		event := &store.Event{
			ExecutionID: executionID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidExecutionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		if from == schema.ExecutionStatusPaused {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionStatusPaused:
		return schema.EventExecutionPaused
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	case schema.ExecutionStatusTimeout:
		return schema.EventExecutionTimedOut
	default:
		return ""
	}
}

// --- Node FSM ---

type nodeHookKey struct {
	from, to schema.NodeStatus
}

// NodeFSM manages per-node-result state transitions.
type NodeFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[nodeHookKey][]TransitionHook
	after    map[nodeHookKey][]TransitionHook
}

// NewNodeFSM creates a NodeFSM that emits events via the appender.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{
		appender: appender,
		before:   make(map[nodeHookKey][]TransitionHook),
		after:    make(map[nodeHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a node transition.
func (f *NodeFSM) OnBefore(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a node transition.
func (f *NodeFSM) OnAfter(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a node state transition, emitting the
// corresponding trace event.
func (f *NodeFSM) Transition(ctx context.Context, executionID, nodeID string, from, to schema.NodeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := nodeHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := nodeEventType(to); eventType != "" {
		event := &store.Event{
			ExecutionID: executionID,
			NodeID:      nodeID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
				WithNode(nodeID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidNodeTransition(from, to schema.NodeStatus) bool {
	allowed, ok := ValidNodeTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusCompleted:
		return schema.EventNodeCompleted
	case schema.NodeStatusFailed:
		return schema.EventNodeFailed
	case schema.NodeStatusSkipped:
		return schema.EventNodeSkipped
	default:
		return ""
	}
}

// --- Transition tables ---

// ExecutionStatusNew is the zero value before the first transition; an
// execution row is only persisted once it enters running.
const ExecutionStatusNew schema.ExecutionStatus = ""

// ValidExecutionTransitions defines the allowed execution state transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	ExecutionStatusNew:             {schema.ExecutionStatusRunning},
	schema.ExecutionStatusRunning:  {schema.ExecutionStatusPaused, schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled, schema.ExecutionStatusTimeout},
	schema.ExecutionStatusPaused:   {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled, schema.ExecutionStatusFailed, schema.ExecutionStatusTimeout},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
	schema.ExecutionStatusTimeout:   {},
}

// ValidNodeTransitions defines the allowed node result state transitions.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending:   {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusRunning:   {schema.NodeStatusCompleted, schema.NodeStatusFailed, schema.NodeStatusSkipped},
	schema.NodeStatusCompleted: {},
	schema.NodeStatusFailed:    {},
	schema.NodeStatusSkipped:   {},
}
