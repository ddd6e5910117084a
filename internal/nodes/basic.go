package nodes

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/narratia/inkflow/pkg/schema"
)

// decodeConfig unmarshals a node's config into the handler's typed struct.
// Unknown keys are ignored so editor-only fields pass through harmlessly.
func decodeConfig(node *schema.Node, v any) error {
	if len(node.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(node.Config, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid %s config: %s", node.Type, err.Error()).WithNode(node.ID).WithCause(err)
	}
	return nil
}

// StartHandler seeds declared variables and passes the execution input through.
type StartHandler struct{}

func (h *StartHandler) Type() schema.NodeType { return schema.NodeTypeStart }

func (h *StartHandler) Execute(_ context.Context, ec *ExecContext) (*Result, error) {
	var cfg schema.StartConfig
	if err := decodeConfig(ec.Node, &cfg); err != nil {
		return nil, err
	}
	for name, value := range cfg.Variables {
		ec.Vars.Set(name, ec.Vars.Resolve(value))
	}
	return &Result{Output: ec.Input}, nil
}

// OutputHandler resolves its input as the execution's final output candidate.
type OutputHandler struct{}

func (h *OutputHandler) Type() schema.NodeType { return schema.NodeTypeOutput }

func (h *OutputHandler) Execute(_ context.Context, ec *ExecContext) (*Result, error) {
	var cfg schema.OutputConfig
	if err := decodeConfig(ec.Node, &cfg); err != nil {
		return nil, err
	}
	out := ec.Vars.Resolve(ec.Input)
	if cfg.Format == "markdown" {
		out = strings.TrimSpace(out)
	}
	return &Result{Output: out}, nil
}

// TextConcatHandler joins N sources with a separator.
type TextConcatHandler struct{}

func (h *TextConcatHandler) Type() schema.NodeType { return schema.NodeTypeTextConcat }

func (h *TextConcatHandler) Execute(_ context.Context, ec *ExecContext) (*Result, error) {
	var cfg schema.TextConcatConfig
	if err := decodeConfig(ec.Node, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Sources) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "text_concat requires sources").WithNode(ec.Node.ID)
	}

	parts := make([]string, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		switch src.Type {
		case "previous":
			parts = append(parts, ec.Input)
		case "variable":
			val, _ := ec.Vars.Get(src.Value)
			parts = append(parts, val)
		case "literal":
			parts = append(parts, ec.Vars.Resolve(src.Value))
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown concat source type %q", src.Type).WithNode(ec.Node.ID)
		}
	}
	return &Result{Output: strings.Join(parts, cfg.Separator)}, nil
}

// VarUpdateHandler sets a named variable from the input or a literal,
// then passes its input through unchanged.
type VarUpdateHandler struct{}

func (h *VarUpdateHandler) Type() schema.NodeType { return schema.NodeTypeVarUpdate }

func (h *VarUpdateHandler) Execute(_ context.Context, ec *ExecContext) (*Result, error) {
	var cfg schema.VarUpdateConfig
	if err := decodeConfig(ec.Node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "var_update requires a variable name").WithNode(ec.Node.ID)
	}

	switch cfg.Source {
	case "", "input":
		ec.Vars.Set(cfg.Name, ec.Input)
	case "literal":
		ec.Vars.Set(cfg.Name, ec.Vars.Resolve(cfg.Value))
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown var_update source %q", cfg.Source).WithNode(ec.Node.ID)
	}
	return &Result{Output: ec.Input}, nil
}
