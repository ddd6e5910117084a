package expressions

import "context"

// Engine evaluates expressions against a variable scope.
// Two implementations: Expr (condition logic), GoJQ (JSON extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
