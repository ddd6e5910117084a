package nodes

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narratia/inkflow/internal/variables"
	"github.com/narratia/inkflow/pkg/schema"
)

func newExec(t *testing.T, nodeType schema.NodeType, config string, input string) *ExecContext {
	t.Helper()
	return &ExecContext{
		Node: &schema.Node{
			ID:     "n1",
			Type:   nodeType,
			Config: json.RawMessage(config),
		},
		Vars:        variables.New(),
		Input:       input,
		ExecutionID: "exec-1",
		Iteration:   1,
	}
}

func TestStartHandler_SeedsVariables(t *testing.T) {
	h := &StartHandler{}
	ec := newExec(t, schema.NodeTypeStart, `{"variables":{"genre":"noir","hero":"Mara"}}`, "the outline")

	res, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "the outline", res.Output)

	genre, ok := ec.Vars.Get("genre")
	require.True(t, ok)
	assert.Equal(t, "noir", genre)
}

func TestStartHandler_ResolvesSeedTemplates(t *testing.T) {
	h := &StartHandler{}
	ec := newExec(t, schema.NodeTypeStart, `{"variables":{"greeting":"hello {{name}}"}}`, "")
	ec.Vars.Set("name", "Mara")

	_, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)

	got, _ := ec.Vars.Get("greeting")
	assert.Equal(t, "hello Mara", got)
}

func TestOutputHandler_ResolvesInput(t *testing.T) {
	h := &OutputHandler{}
	ec := newExec(t, schema.NodeTypeOutput, `{}`, "Chapter by {{author}}")
	ec.Vars.Set("author", "Mara")

	res, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "Chapter by Mara", res.Output)
}

func TestTextConcatHandler_JoinsSources(t *testing.T) {
	h := &TextConcatHandler{}
	cfg := `{"sources":[
		{"type":"literal","value":"# {{title}}"},
		{"type":"previous"},
		{"type":"variable","value":"epilogue"}
	],"separator":"\n\n"}`
	ec := newExec(t, schema.NodeTypeTextConcat, cfg, "body text")
	ec.Vars.Set("title", "Chapter 1")
	ec.Vars.Set("epilogue", "The End")

	res, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "# Chapter 1\n\nbody text\n\nThe End", res.Output)
}

func TestTextConcatHandler_UnsetVariableIsEmpty(t *testing.T) {
	h := &TextConcatHandler{}
	cfg := `{"sources":[{"type":"variable","value":"missing"},{"type":"previous"}],"separator":"-"}`
	ec := newExec(t, schema.NodeTypeTextConcat, cfg, "x")

	res, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "-x", res.Output)
}

func TestTextConcatHandler_RequiresSources(t *testing.T) {
	h := &TextConcatHandler{}
	ec := newExec(t, schema.NodeTypeTextConcat, `{}`, "x")

	_, err := h.Execute(context.Background(), ec)
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestVarUpdateHandler_FromInput(t *testing.T) {
	h := &VarUpdateHandler{}
	ec := newExec(t, schema.NodeTypeVarUpdate, `{"name":"draft"}`, "first draft text")

	res, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "first draft text", res.Output) // passthrough

	got, _ := ec.Vars.Get("draft")
	assert.Equal(t, "first draft text", got)
}

func TestVarUpdateHandler_FromLiteral(t *testing.T) {
	h := &VarUpdateHandler{}
	ec := newExec(t, schema.NodeTypeVarUpdate, `{"name":"status","source":"literal","value":"done: {{stage}}"}`, "ignored")
	ec.Vars.Set("stage", "draft")

	_, err := h.Execute(context.Background(), ec)
	require.NoError(t, err)

	got, _ := ec.Vars.Get("status")
	assert.Equal(t, "done: draft", got)
}

func TestDecodeConfig_BadJSON(t *testing.T) {
	h := &VarUpdateHandler{}
	ec := newExec(t, schema.NodeTypeVarUpdate, `{not json`, "x")

	_, err := h.Execute(context.Background(), ec)
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.Equal(t, "n1", fe.NodeID)
}
