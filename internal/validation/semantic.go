package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/narratia/inkflow/internal/blocks"
	"github.com/narratia/inkflow/pkg/schema"
)

// validateSemantic runs the checks JSON Schema cannot express: node ordering,
// identifier uniqueness, jump target resolution, and block pairing.
func validateSemantic(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if len(wf.Nodes) == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, "workflow has no nodes")
		return result
	}

	if wf.Nodes[0].Type != schema.NodeTypeStart {
		result.AddError("nodes[0]", schema.ErrCodeValidation,
			fmt.Sprintf("workflow must begin with a start node, got %q", wf.Nodes[0].Type))
	}

	known := make(map[schema.NodeType]struct{}, len(schema.KnownNodeTypes))
	for _, t := range schema.KnownNodeTypes {
		known[t] = struct{}{}
	}

	ids := make(map[string]int, len(wf.Nodes))
	hasOutput := false
	for i, n := range wf.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)

		if n.ID == "" {
			result.AddError(path+".id", schema.ErrCodeValidation, "node id is empty")
		} else if prev, dup := ids[n.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q, first used at nodes[%d]", n.ID, prev))
		} else {
			ids[n.ID] = i
		}

		if _, ok := known[n.Type]; !ok {
			result.AddError(path+".type", schema.ErrCodeValidation,
				fmt.Sprintf("unknown node type %q", n.Type))
		}

		if n.OrderIndex != i {
			result.AddError(path+".order_index", schema.ErrCodeValidation,
				fmt.Sprintf("order_index %d does not match position %d", n.OrderIndex, i))
		}

		if n.Type == schema.NodeTypeOutput {
			hasOutput = true
		}
		if i > 0 && n.Type == schema.NodeTypeStart {
			result.AddError(path, schema.ErrCodeValidation,
				"start node must be first, found another at position "+fmt.Sprint(i))
		}
	}

	if !hasOutput {
		result.AddWarning("nodes", schema.ErrCodeValidation,
			"workflow has no output node; the last node result becomes the final output")
	}

	for i := range wf.Nodes {
		checkNode(result, wf, i, &wf.Nodes[i], ids)
	}

	if _, err := blocks.Resolve(wf.Nodes); err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			result.AddError("nodes", fe.Code, fe.Message)
		} else {
			result.AddError("nodes", schema.ErrCodeStructure, err.Error())
		}
	}

	return result
}

// checkNode runs per-type semantic checks: jump target resolution, regex
// compilation, loop and concurrency bounds. Config decode failures are left
// to the schema layer.
func checkNode(result *schema.ValidationResult, wf *schema.Workflow, i int, n *schema.Node, ids map[string]int) {
	path := fmt.Sprintf("nodes[%d].config", i)

	switch n.Type {
	case schema.NodeTypeCondition:
		var cfg schema.LegacyConditionConfig
		if json.Unmarshal(n.Config, &cfg) != nil {
			return
		}
		checkConditionSpec(result, path, &cfg.ConditionSpec)
		checkBranch(result, path+".on_true", cfg.OnTrue, ids)
		checkBranch(result, path+".on_false", cfg.OnFalse, ids)

	case schema.NodeTypeConditionIf:
		var cfg schema.ConditionBlockConfig
		if json.Unmarshal(n.Config, &cfg) != nil {
			return
		}
		checkConditionSpec(result, path, &cfg.ConditionSpec)

	case schema.NodeTypeTextExtract:
		var cfg schema.TextExtractConfig
		if json.Unmarshal(n.Config, &cfg) != nil {
			return
		}
		switch cfg.Mode {
		case "regex":
			if cfg.Pattern == "" {
				result.AddError(path+".pattern", schema.ErrCodeValidation,
					"regex extraction requires a pattern")
			} else if _, err := regexp.Compile(cfg.Pattern); err != nil {
				result.AddError(path+".pattern", schema.ErrCodeValidation,
					fmt.Sprintf("invalid regex pattern: %v", err))
			}
		case "marker":
			if cfg.StartMarker == "" {
				result.AddError(path+".start_marker", schema.ErrCodeValidation,
					"marker extraction requires a start_marker")
			}
		case "json_path":
			if cfg.Path == "" {
				result.AddError(path+".path", schema.ErrCodeValidation,
					"json_path extraction requires a path expression")
			}
		}

	case schema.NodeTypeLoop:
		var cfg schema.LegacyLoopConfig
		if json.Unmarshal(n.Config, &cfg) != nil || cfg.Target == "" {
			return
		}
		target, ok := ids[cfg.Target]
		if !ok {
			result.AddError(path+".target", schema.ErrCodeValidation,
				fmt.Sprintf("loop target %q does not exist", cfg.Target))
			return
		}
		if target >= i {
			result.AddWarning(path+".target", schema.ErrCodeValidation,
				fmt.Sprintf("loop target %q does not precede the loop node; the loop will never repeat earlier work", cfg.Target))
		}

	case schema.NodeTypeBatch:
		var cfg schema.BatchConfig
		if json.Unmarshal(n.Config, &cfg) != nil {
			return
		}
		for j, target := range cfg.Targets {
			if target == "" {
				continue
			}
			if _, ok := ids[target]; !ok {
				result.AddError(fmt.Sprintf("%s.targets[%d]", path, j), schema.ErrCodeValidation,
					fmt.Sprintf("batch target %q does not exist", target))
			} else if target == n.ID {
				result.AddError(fmt.Sprintf("%s.targets[%d]", path, j), schema.ErrCodeValidation,
					"batch node cannot target itself")
			}
		}

	case schema.NodeTypeLoopStart:
		var cfg schema.LoopBlockConfig
		if json.Unmarshal(n.Config, &cfg) != nil {
			return
		}
		if cfg.Mode == "condition" && cfg.Condition == "" {
			result.AddError(path+".condition", schema.ErrCodeValidation,
				"condition-mode loop requires a condition expression")
		}
		if cfg.MaxIterations > schema.LoopIterationCeiling {
			result.AddWarning(path+".max_iterations", schema.ErrCodeValidation,
				fmt.Sprintf("max_iterations %d exceeds the ceiling and will be clamped to %d",
					cfg.MaxIterations, schema.LoopIterationCeiling))
		}
		ceiling := wf.LoopMaxCount
		if ceiling <= 0 {
			ceiling = schema.DefaultLoopMaxCount
		}
		if cfg.MaxIterations > ceiling {
			result.AddWarning(path+".max_iterations", schema.ErrCodeValidation,
				fmt.Sprintf("max_iterations %d exceeds the workflow loop ceiling %d and will be clamped",
					cfg.MaxIterations, ceiling))
		}

	case schema.NodeTypeParallelStart:
		var cfg schema.ParallelBlockConfig
		if json.Unmarshal(n.Config, &cfg) != nil {
			return
		}
		if cfg.Concurrency > schema.ConcurrencyCeiling {
			result.AddWarning(path+".concurrency", schema.ErrCodeValidation,
				fmt.Sprintf("concurrency %d exceeds the ceiling and will be clamped to %d",
					cfg.Concurrency, schema.ConcurrencyCeiling))
		}
		if cfg.SplitMode == "separator" && cfg.Separator == "" {
			result.AddError(path+".separator", schema.ErrCodeValidation,
				"separator split mode requires a separator")
		}
	}
}

// checkConditionSpec validates the mode-specific requirements shared by
// condition_if blocks and legacy condition nodes.
func checkConditionSpec(result *schema.ValidationResult, path string, spec *schema.ConditionSpec) {
	switch spec.Mode {
	case "keyword":
		if len(spec.Keywords) == 0 {
			result.AddError(path+".keywords", schema.ErrCodeValidation,
				"keyword condition requires at least one keyword")
		}
	case "regex":
		if spec.Pattern == "" {
			result.AddError(path+".pattern", schema.ErrCodeValidation,
				"regex condition requires a pattern")
		} else if _, err := regexp.Compile(spec.Pattern); err != nil {
			result.AddError(path+".pattern", schema.ErrCodeValidation,
				fmt.Sprintf("invalid regex pattern: %v", err))
		}
	case "expression":
		if spec.Expression == "" {
			result.AddError(path+".expression", schema.ErrCodeValidation,
				"expression condition requires an expression")
		}
	case "ai":
		if spec.Prompt == "" {
			result.AddError(path+".prompt", schema.ErrCodeValidation,
				"ai condition requires a judgment prompt")
		}
	}
}

func checkBranch(result *schema.ValidationResult, path string, b schema.BranchAction, ids map[string]int) {
	if b.Action != "jump" {
		return
	}
	if b.Target == "" {
		result.AddError(path+".target", schema.ErrCodeValidation,
			"jump action requires a target node id")
		return
	}
	if _, ok := ids[b.Target]; !ok {
		result.AddError(path+".target", schema.ErrCodeValidation,
			fmt.Sprintf("jump target %q does not exist", b.Target))
	}
}
