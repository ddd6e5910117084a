package nodes

import (
	"context"

	"github.com/narratia/inkflow/internal/variables"
	"github.com/narratia/inkflow/pkg/schema"
)

// Signal tells the executor how to move the cursor after a node runs.
type Signal int

const (
	// SignalContinue advances to the next node in order.
	SignalContinue Signal = iota
	// SignalJump moves the cursor to Result.Target (legacy condition/loop).
	SignalJump
	// SignalEnd finishes the execution with the current output.
	SignalEnd
)

// Result is what a node handler produced.
type Result struct {
	Output string
	Signal Signal
	Target string         // node ID for SignalJump
	Meta   map[string]any // trace payload extras (condition outcome etc.)
}

// ExecContext carries per-node execution state into a handler.
type ExecContext struct {
	Node        *schema.Node
	Vars        *variables.Store
	Input       string // the upstream output flowing into this node
	ExecutionID string
	ProjectID   string
	Iteration   int // 1-based loop iteration, 1 outside loops

	// LoopCount is how many times a legacy loop node has already jumped
	// back; LoopCeiling is the workflow-level iteration ceiling.
	LoopCount   int
	LoopCeiling int

	// History holds completed ai_chat exchanges from earlier in the
	// execution, oldest first. ai_chat nodes include the most recent
	// history_count turns in their request.
	History []Turn

	// OnDelta observes streamed AI fragments as they arrive. May be nil.
	OnDelta func(delta string) error
}

// Turn is one completed prompt/response exchange with a model.
type Turn struct {
	Prompt   string
	Response string
}

// Handler executes one node type.
type Handler interface {
	Type() schema.NodeType
	Execute(ctx context.Context, ec *ExecContext) (*Result, error)
}
