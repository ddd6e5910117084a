package schema

import "encoding/json"

// NodeType enumerates the kinds of nodes the engine can interpret.
type NodeType string

const (
	NodeTypeStart       NodeType = "start"
	NodeTypeOutput      NodeType = "output"
	NodeTypeAIChat      NodeType = "ai_chat"
	NodeTypeTextExtract NodeType = "text_extract"
	NodeTypeTextConcat  NodeType = "text_concat"
	NodeTypeVarUpdate   NodeType = "var_update"

	// Legacy self-contained control nodes. They carry explicit jump targets
	// in config and never participate in block pairing.
	NodeTypeCondition NodeType = "condition"
	NodeTypeLoop      NodeType = "loop"
	NodeTypeBatch     NodeType = "batch"

	// Block-structured control nodes. Start/end pairs share a block_id.
	NodeTypeLoopStart     NodeType = "loop_start"
	NodeTypeLoopEnd       NodeType = "loop_end"
	NodeTypeParallelStart NodeType = "parallel_start"
	NodeTypeParallelEnd   NodeType = "parallel_end"
	NodeTypeConditionIf   NodeType = "condition_if"
	NodeTypeConditionElse NodeType = "condition_else"
	NodeTypeConditionEnd  NodeType = "condition_end"
)

// KnownNodeTypes lists every type the interpreter dispatches on.
var KnownNodeTypes = []NodeType{
	NodeTypeStart, NodeTypeOutput, NodeTypeAIChat, NodeTypeTextExtract,
	NodeTypeTextConcat, NodeTypeVarUpdate, NodeTypeCondition, NodeTypeLoop,
	NodeTypeBatch, NodeTypeLoopStart, NodeTypeLoopEnd, NodeTypeParallelStart,
	NodeTypeParallelEnd, NodeTypeConditionIf, NodeTypeConditionElse,
	NodeTypeConditionEnd,
}

// IsBlockStart reports whether the type opens a paired block.
func (t NodeType) IsBlockStart() bool {
	return t == NodeTypeLoopStart || t == NodeTypeParallelStart || t == NodeTypeConditionIf
}

// IsBlockEnd reports whether the type closes a paired block.
func (t NodeType) IsBlockEnd() bool {
	return t == NodeTypeLoopEnd || t == NodeTypeParallelEnd || t == NodeTypeConditionEnd
}

// BlockEnd returns the end type matching a block-start type.
func (t NodeType) BlockEnd() NodeType {
	switch t {
	case NodeTypeLoopStart:
		return NodeTypeLoopEnd
	case NodeTypeParallelStart:
		return NodeTypeParallelEnd
	case NodeTypeConditionIf:
		return NodeTypeConditionEnd
	default:
		return ""
	}
}

// Node is one executable step in a workflow. The flat, order-indexed node
// list is the authored form; block nesting is reconstructed from block_id
// and parent_block_id before execution.
type Node struct {
	ID            string          `json:"id"`
	Type          NodeType        `json:"type"`
	Name          string          `json:"name,omitempty"`
	Config        json.RawMessage `json:"config,omitempty"`
	OrderIndex    int             `json:"order_index"`
	BlockID       string          `json:"block_id,omitempty"`
	ParentBlockID string          `json:"parent_block_id,omitempty"`
}

// Workflow is the executable definition the engine consumes.
type Workflow struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id,omitempty"`
	Name           string         `json:"name,omitempty"`
	Nodes          []Node         `json:"nodes"`
	LoopMaxCount   int            `json:"loop_max_count,omitempty"`  // global loop ceiling, default 10
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"` // wall-clock budget, default 300
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Loop and concurrency bounds. Enforced at configuration time and re-clamped
// defensively at run time.
const (
	LoopIterationFloor   = 1
	LoopIterationCeiling = 50
	ConcurrencyFloor     = 1
	ConcurrencyCeiling   = 10

	DefaultLoopMaxCount   = 10
	DefaultTimeoutSeconds = 300
)

// ClampLoopMax bounds a loop iteration count to [1, ceiling]. A ceiling of 0
// falls back to the global default.
func ClampLoopMax(n, ceiling int) int {
	if ceiling <= 0 {
		ceiling = DefaultLoopMaxCount
	}
	if ceiling > LoopIterationCeiling {
		ceiling = LoopIterationCeiling
	}
	if n <= 0 {
		return ceiling
	}
	if n < LoopIterationFloor {
		return LoopIterationFloor
	}
	if n > ceiling {
		return ceiling
	}
	return n
}

// ClampConcurrency bounds parallel/batch fan-out to [1, 10].
func ClampConcurrency(n int) int {
	if n < ConcurrencyFloor {
		return ConcurrencyFloor
	}
	if n > ConcurrencyCeiling {
		return ConcurrencyCeiling
	}
	return n
}

// --- Per-type node configs ---
//
// Configs are decoded from Node.Config with encoding/json, which ignores
// unknown keys; editor-only fields pass through untouched.

// StartConfig declares workflow-scoped variables and their initial values.
type StartConfig struct {
	Variables map[string]string `json:"variables,omitempty"`
}

// OutputConfig formats the resolved input as the final output candidate.
type OutputConfig struct {
	Format string `json:"format,omitempty"` // text | markdown (default: text)
}

// AIChatConfig drives a streaming model call.
type AIChatConfig struct {
	Provider       string       `json:"provider,omitempty"`
	Model          string       `json:"model,omitempty"`
	Prompt         string       `json:"prompt"`
	SystemPrompt   string       `json:"system_prompt,omitempty"`
	InjectSettings bool         `json:"inject_settings,omitempty"`
	Categories     []string     `json:"categories,omitempty"`    // setting categories to inject; empty = all enabled
	HistoryCount   int          `json:"history_count,omitempty"` // prior ai_chat turns to include
	Temperature    *float64     `json:"temperature,omitempty"`
	MaxTokens      int          `json:"max_tokens,omitempty"`
	Retry          *RetryPolicy `json:"retry,omitempty"`
}

// RetryPolicy configures retry behavior for transient AI provider failures.
type RetryPolicy struct {
	Max     int    `json:"max"`
	Backoff string `json:"backoff,omitempty"` // none | constant | linear | exponential
	Delay   string `json:"delay,omitempty"`   // initial delay, e.g. "1s"
}

// TextExtractConfig pulls a substring out of the node input.
type TextExtractConfig struct {
	Mode        string `json:"mode"` // regex | marker | json_path
	Pattern     string `json:"pattern,omitempty"`
	StartMarker string `json:"start_marker,omitempty"`
	EndMarker   string `json:"end_marker,omitempty"`
	Path        string `json:"path,omitempty"` // jq expression for json_path mode
	Strict      bool   `json:"strict,omitempty"`
}

// ConcatSource is one input to a text_concat node.
type ConcatSource struct {
	Type  string `json:"type"` // previous | variable | literal
	Value string `json:"value,omitempty"`
}

// TextConcatConfig joins N sources with a separator.
type TextConcatConfig struct {
	Sources   []ConcatSource `json:"sources"`
	Separator string         `json:"separator,omitempty"`
}

// VarUpdateConfig sets a named variable.
type VarUpdateConfig struct {
	Name   string `json:"name"`
	Source string `json:"source,omitempty"` // input | literal (default: input)
	Value  string `json:"value,omitempty"`
}

// ConditionSpec is the shared condition description used by condition_if
// blocks and legacy condition nodes.
type ConditionSpec struct {
	Mode       string   `json:"mode"`                 // keyword | length | regex | expression | ai
	Keywords   []string `json:"keywords,omitempty"`   // keyword mode
	Match      string   `json:"match,omitempty"`      // any | all | none (default: any)
	Op         string   `json:"op,omitempty"`         // length mode: gt | gte | lt | lte | eq
	Length     int      `json:"length,omitempty"`     // length mode threshold
	Pattern    string   `json:"pattern,omitempty"`    // regex mode
	Expression string   `json:"expression,omitempty"` // expression mode, evaluated against variables
	Prompt     string   `json:"prompt,omitempty"`     // ai mode judgment prompt
	Provider   string   `json:"provider,omitempty"`   // ai mode provider override
	Model      string   `json:"model,omitempty"`      // ai mode model override
}

// ConditionBlockConfig configures a condition_if block-start node.
type ConditionBlockConfig struct {
	ConditionSpec
}

// BranchAction is what a legacy condition node does on one outcome.
type BranchAction struct {
	Action string `json:"action"` // jump | continue | end
	Target string `json:"target,omitempty"`
}

// LegacyConditionConfig configures a self-contained condition node with
// explicit jump targets.
type LegacyConditionConfig struct {
	ConditionSpec
	OnTrue  BranchAction `json:"on_true"`
	OnFalse BranchAction `json:"on_false"`
}

// LoopBlockConfig configures a loop_start block-start node.
type LoopBlockConfig struct {
	Mode          string `json:"mode,omitempty"` // count | condition (default: count)
	MaxIterations int    `json:"max_iterations,omitempty"`
	Condition     string `json:"condition,omitempty"` // expression re-evaluated each pass
}

// LegacyLoopConfig configures a self-contained loop node that jumps back to
// an explicit target node.
type LegacyLoopConfig struct {
	Target        string `json:"target"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// SplitSpec describes how batch/parallel input is divided into items.
type SplitSpec struct {
	SplitMode string `json:"split_mode,omitempty"` // line | separator | json_array (default: line)
	Separator string `json:"separator,omitempty"`
}

// JoinSpec describes how batch/parallel item results are merged.
type JoinSpec struct {
	OutputMode    string `json:"output_mode,omitempty"` // array | concat (default: array)
	JoinSeparator string `json:"join_separator,omitempty"`
}

// ParallelBlockConfig configures a parallel_start block-start node. The body
// between the pair runs once per split item, up to Concurrency at a time.
type ParallelBlockConfig struct {
	SplitSpec
	JoinSpec
	Concurrency int `json:"concurrency,omitempty"`
}

// BatchConfig configures the legacy batch node: split input, run target
// nodes once per item, join.
type BatchConfig struct {
	SplitSpec
	JoinSpec
	Targets     []string `json:"targets"`
	Concurrency int      `json:"concurrency,omitempty"`
}
