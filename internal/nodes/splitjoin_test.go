package nodes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narratia/inkflow/pkg/schema"
)

func TestSplit_LineMode(t *testing.T) {
	items, err := Split(schema.SplitSpec{}, "chapter one\nchapter two\n\n  \nchapter three")
	require.NoError(t, err)
	assert.Equal(t, []string{"chapter one", "chapter two", "chapter three"}, items)
}

func TestSplit_SeparatorMode(t *testing.T) {
	items, err := Split(schema.SplitSpec{SplitMode: "separator", Separator: "---"}, "a---b--- ---c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)
}

func TestSplit_SeparatorModeRequiresSeparator(t *testing.T) {
	_, err := Split(schema.SplitSpec{SplitMode: "separator"}, "a,b")
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestSplit_JSONArrayMode(t *testing.T) {
	items, err := Split(schema.SplitSpec{SplitMode: "json_array"},
		`["alpha", 42, null, {"title":"beta"}]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "42", "", `{"title":"beta"}`}, items)
}

func TestSplit_JSONArrayModeBadInput(t *testing.T) {
	_, err := Split(schema.SplitSpec{SplitMode: "json_array"}, "not json")
	require.Error(t, err)
}

func TestSplit_UnknownMode(t *testing.T) {
	_, err := Split(schema.SplitSpec{SplitMode: "chunks"}, "x")
	require.Error(t, err)
}

func TestJoin_ArrayMode(t *testing.T) {
	out, err := Join(schema.JoinSpec{}, []string{"one", "two"})
	require.NoError(t, err)
	assert.JSONEq(t, `["one","two"]`, out)
}

func TestJoin_ArrayModeEmpty(t *testing.T) {
	out, err := Join(schema.JoinSpec{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestJoin_ConcatMode(t *testing.T) {
	out, err := Join(schema.JoinSpec{OutputMode: "concat"}, []string{"one", "two"})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", out)

	out, err = Join(schema.JoinSpec{OutputMode: "concat", JoinSeparator: " | "}, []string{"one", "two"})
	require.NoError(t, err)
	assert.Equal(t, "one | two", out)
}

func TestJoin_UnknownMode(t *testing.T) {
	_, err := Join(schema.JoinSpec{OutputMode: "zip"}, []string{"a"})
	require.Error(t, err)
}
