package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `draft_count > 2`, map[string]any{"draft_count": 3})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(ctx, `len(chapter) > 10`, map[string]any{"chapter": "short"})
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestExprEngine_UndefinedVariablesAllowed(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `missing == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprEngine_CompileErrorIsValidation(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `1 +`, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile error")
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}

func TestExprEngine_CacheReuse(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out, err := e.Evaluate(ctx, `n * 2`, map[string]any{"n": i})
		require.NoError(t, err)
		assert.Equal(t, i*2, out)
	}
	assert.Len(t, e.cache, 1)
}

func TestExprEngine_EvaluateBool(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	tests := []struct {
		expr string
		data map[string]any
		want bool
	}{
		{`approved == "yes"`, map[string]any{"approved": "yes"}, true},
		{`approved`, map[string]any{"approved": ""}, false},
		{`approved`, map[string]any{"approved": "anything"}, true},
		{`count`, map[string]any{"count": 0}, false},
		{`missing`, map[string]any{}, false},
	}
	for _, tt := range tests {
		got, err := e.EvaluateBool(ctx, tt.expr, tt.data)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
}
