package nodes

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/narratia/inkflow/internal/ai"
	"github.com/narratia/inkflow/internal/expressions"
	"github.com/narratia/inkflow/internal/variables"
	"github.com/narratia/inkflow/pkg/schema"
)

// Evaluator decides condition outcomes for condition_if blocks, legacy
// condition nodes, and condition-mode loops.
type Evaluator struct {
	expr      *expressions.ExprEngine
	providers *ai.Registry

	// Fallbacks for ai-mode conditions that don't name a provider/model.
	DefaultProvider string
	DefaultModel    string

	regexMu    sync.RWMutex
	regexCache map[string]*regexp.Regexp
}

// NewEvaluator creates an Evaluator. providers may be nil when ai-mode
// conditions are not used.
func NewEvaluator(expr *expressions.ExprEngine, providers *ai.Registry) *Evaluator {
	return &Evaluator{
		expr:       expr,
		providers:  providers,
		regexCache: make(map[string]*regexp.Regexp),
	}
}

// Evaluate resolves a condition against the node input and variable scope.
func (e *Evaluator) Evaluate(ctx context.Context, spec schema.ConditionSpec, input string, vars *variables.Store) (bool, error) {
	switch spec.Mode {
	case "keyword":
		return evalKeyword(spec, input)
	case "length":
		return evalLength(spec, input)
	case "regex":
		re, err := e.compileRegex(spec.Pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(input), nil
	case "expression":
		env := vars.Env()
		env["input"] = input
		return e.expr.EvaluateBool(ctx, spec.Expression, env)
	case "ai":
		return e.evalAI(ctx, spec, input, vars)
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition mode %q", spec.Mode)
	}
}

func evalKeyword(spec schema.ConditionSpec, input string) (bool, error) {
	if len(spec.Keywords) == 0 {
		return false, schema.NewError(schema.ErrCodeValidation, "keyword condition requires keywords")
	}
	matched := 0
	for _, kw := range spec.Keywords {
		if kw != "" && strings.Contains(input, kw) {
			matched++
		}
	}
	switch spec.Match {
	case "", "any":
		return matched > 0, nil
	case "all":
		return matched == len(spec.Keywords), nil
	case "none":
		return matched == 0, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown keyword match %q", spec.Match)
	}
}

func evalLength(spec schema.ConditionSpec, input string) (bool, error) {
	// Rune count, not bytes: prose in any script measures the same way.
	n := len([]rune(input))
	switch spec.Op {
	case "gt":
		return n > spec.Length, nil
	case "gte":
		return n >= spec.Length, nil
	case "lt":
		return n < spec.Length, nil
	case "lte":
		return n <= spec.Length, nil
	case "eq":
		return n == spec.Length, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown length op %q", spec.Op)
	}
}

const aiJudgeSystemPrompt = "You are a strict yes/no classifier for a writing workflow. " +
	"Answer with exactly YES or NO and nothing else."

func (e *Evaluator) evalAI(ctx context.Context, spec schema.ConditionSpec, input string, vars *variables.Store) (bool, error) {
	if e.providers == nil {
		return false, schema.NewError(schema.ErrCodeValidation, "ai condition requires a provider registry")
	}
	provider := spec.Provider
	if provider == "" {
		provider = e.DefaultProvider
	}
	model := spec.Model
	if model == "" {
		model = e.DefaultModel
	}
	client, err := e.providers.Get(provider)
	if err != nil {
		return false, err
	}

	prompt := vars.Resolve(spec.Prompt)
	stream, err := client.Stream(ctx, ai.Request{
		Model: model,
		Messages: []ai.Message{
			{Role: "system", Content: aiJudgeSystemPrompt},
			{Role: "user", Content: prompt + "\n\nText to judge:\n" + input},
		},
	})
	if err != nil {
		return false, err
	}
	answer, err := ai.Collect(ctx, stream, nil)
	if err != nil {
		return false, err
	}

	verdict := strings.ToLower(strings.TrimSpace(answer))
	switch {
	case strings.HasPrefix(verdict, "yes") || strings.HasPrefix(verdict, "true"):
		return true, nil
	case strings.HasPrefix(verdict, "no") || strings.HasPrefix(verdict, "false"):
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeAIProvider,
			"ai condition returned unparseable verdict %q", truncate(answer, 80))
	}
}

func (e *Evaluator) compileRegex(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "regex condition requires a pattern")
	}
	e.regexMu.RLock()
	re, ok := e.regexCache[pattern]
	e.regexMu.RUnlock()
	if ok {
		return re, nil
	}

	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid regex %q: %s", pattern, err.Error()).WithCause(err)
	}

	e.regexMu.Lock()
	e.regexCache[pattern] = compiled
	e.regexMu.Unlock()
	return compiled, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
