package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoJQEngine_SingleResult(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.title`, map[string]any{"title": "Chapter 1"})
	require.NoError(t, err)
	assert.Equal(t, "Chapter 1", out)
}

func TestGoJQEngine_MultipleResults(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.scenes[]`, map[string]any{
		"scenes": []any{"opening", "climax"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"opening", "climax"}, out)
}

func TestGoJQEngine_Query_ArrayInput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Query(context.Background(), `.[].name`, []any{
		map[string]any{"name": "Mara"},
		map[string]any{"name": "Jun"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"Mara", "Jun"}, out)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.[unclosed`, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse error")
}

func TestGoJQEngine_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()

	t.Setenv("INKFLOW_LEAK_TEST", "secret")
	out, err := e.Evaluate(context.Background(), `$ENV.INKFLOW_LEAK_TEST`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQEngine_CacheReuse(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(ctx, `.x`, map[string]any{"x": i})
		require.NoError(t, err)
	}
	assert.Len(t, e.cache, 1)
}
