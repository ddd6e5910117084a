package nodes

import (
	"context"

	"github.com/narratia/inkflow/pkg/schema"
)

// LegacyConditionHandler evaluates a self-contained condition node and turns
// the configured branch action into a cursor signal.
type LegacyConditionHandler struct {
	eval *Evaluator
}

// NewLegacyConditionHandler creates the handler with a shared evaluator.
func NewLegacyConditionHandler(eval *Evaluator) *LegacyConditionHandler {
	return &LegacyConditionHandler{eval: eval}
}

func (h *LegacyConditionHandler) Type() schema.NodeType { return schema.NodeTypeCondition }

func (h *LegacyConditionHandler) Execute(ctx context.Context, ec *ExecContext) (*Result, error) {
	var cfg schema.LegacyConditionConfig
	if err := decodeConfig(ec.Node, &cfg); err != nil {
		return nil, err
	}

	outcome, err := h.eval.Evaluate(ctx, cfg.ConditionSpec, ec.Input, ec.Vars)
	if err != nil {
		return nil, err
	}

	branch := cfg.OnFalse
	if outcome {
		branch = cfg.OnTrue
	}

	res := &Result{
		Output: ec.Input, // conditions pass data through untouched
		Meta:   map[string]any{"result": outcome, "action": branch.Action},
	}
	switch branch.Action {
	case "", "continue":
		res.Signal = SignalContinue
	case "jump":
		if branch.Target == "" {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"condition jump requires a target").WithNode(ec.Node.ID)
		}
		res.Signal = SignalJump
		res.Target = branch.Target
	case "end":
		res.Signal = SignalEnd
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown branch action %q", branch.Action).WithNode(ec.Node.ID)
	}
	return res, nil
}

// LegacyLoopHandler re-runs the span from its target node by jumping back
// until the clamped iteration count is spent, then falls through.
type LegacyLoopHandler struct{}

func (h *LegacyLoopHandler) Type() schema.NodeType { return schema.NodeTypeLoop }

func (h *LegacyLoopHandler) Execute(_ context.Context, ec *ExecContext) (*Result, error) {
	var cfg schema.LegacyLoopConfig
	if err := decodeConfig(ec.Node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Target == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "loop requires a target").WithNode(ec.Node.ID)
	}

	max := schema.ClampLoopMax(cfg.MaxIterations, ec.LoopCeiling)
	res := &Result{
		Output: ec.Input,
		Meta:   map[string]any{"iteration": ec.LoopCount + 1, "max_iterations": max},
	}
	// LoopCount jumps already taken means LoopCount+1 passes completed.
	if ec.LoopCount+1 < max {
		res.Signal = SignalJump
		res.Target = cfg.Target
	}
	return res, nil
}
