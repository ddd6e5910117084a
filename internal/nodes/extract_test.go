package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narratia/inkflow/internal/expressions"
	"github.com/narratia/inkflow/pkg/schema"
)

func newExtractExec(t *testing.T, config, input string) (*TextExtractHandler, *ExecContext) {
	t.Helper()
	h := NewTextExtractHandler(expressions.NewGoJQEngine())
	return h, newExec(t, schema.NodeTypeTextExtract, config, input)
}

func TestTextExtract_RegexCaptureGroup(t *testing.T) {
	h, ec := newExtractExec(t, `{"mode":"regex","pattern":"Title: (.+)"}`, "Title: The Long Night\nBody follows.")

	res, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "The Long Night", res.Output)
	assert.Equal(t, true, res.Meta["matched"])
}

func TestTextExtract_RegexWholeMatch(t *testing.T) {
	h, ec := newExtractExec(t, `{"mode":"regex","pattern":"\\d{4}"}`, "published in 1987, reprinted 2003")

	res, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "1987", res.Output)
}

func TestTextExtract_RegexMissNonStrict(t *testing.T) {
	h, ec := newExtractExec(t, `{"mode":"regex","pattern":"Title: (.+)"}`, "no title here")

	res, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "", res.Output)
	assert.Equal(t, false, res.Meta["matched"])
}

func TestTextExtract_RegexMissStrict(t *testing.T) {
	h, ec := newExtractExec(t, `{"mode":"regex","pattern":"Title: (.+)","strict":true}`, "no title here")

	_, err := h.Execute(context.Background(), ec)
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExtractionMiss, fe.Code)
	assert.Equal(t, "n1", fe.NodeID)
}

func TestTextExtract_MarkerPair(t *testing.T) {
	h, ec := newExtractExec(t,
		`{"mode":"marker","start_marker":"<draft>","end_marker":"</draft>"}`,
		"preamble <draft>\nthe actual text\n</draft> trailer")

	res, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "the actual text", res.Output)
}

func TestTextExtract_MarkerOpenEnded(t *testing.T) {
	h, ec := newExtractExec(t, `{"mode":"marker","start_marker":"Answer:"}`, "Reasoning...\nAnswer: forty-two")

	res, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "forty-two", res.Output)
}

func TestTextExtract_MarkerMissingEnd(t *testing.T) {
	h, ec := newExtractExec(t,
		`{"mode":"marker","start_marker":"<draft>","end_marker":"</draft>"}`,
		"<draft>never closed")

	res, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, false, res.Meta["matched"])
}

func TestTextExtract_JSONPathSingle(t *testing.T) {
	h, ec := newExtractExec(t, `{"mode":"json_path","path":".story.title"}`,
		`{"story":{"title":"Ash and Ember","words":80000}}`)

	res, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "Ash and Ember", res.Output)
}

func TestTextExtract_JSONPathMultiple(t *testing.T) {
	h, ec := newExtractExec(t, `{"mode":"json_path","path":".chapters[].title"}`,
		`{"chapters":[{"title":"One"},{"title":"Two"}]}`)

	res, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.JSONEq(t, `["One","Two"]`, res.Output)
}

func TestTextExtract_JSONPathNullIsMiss(t *testing.T) {
	h, ec := newExtractExec(t, `{"mode":"json_path","path":".missing"}`, `{"present":1}`)

	res, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, false, res.Meta["matched"])
}

func TestTextExtract_JSONPathBadInputStrict(t *testing.T) {
	h, ec := newExtractExec(t, `{"mode":"json_path","path":".x","strict":true}`, "not json")

	_, err := h.Execute(context.Background(), ec)
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExtractionMiss, fe.Code)
}

func TestTextExtract_UnknownMode(t *testing.T) {
	h, ec := newExtractExec(t, `{"mode":"psychic"}`, "x")

	_, err := h.Execute(context.Background(), ec)
	require.Error(t, err)
}
