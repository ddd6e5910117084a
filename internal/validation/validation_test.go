package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/narratia/inkflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	v, err := NewWorkflowValidator()
	require.NoError(t, err)
	return v
}

func node(id string, typ schema.NodeType, config string) schema.Node {
	n := schema.Node{ID: id, Type: typ}
	if config != "" {
		n.Config = json.RawMessage(config)
	}
	return n
}

func workflow(nodes ...schema.Node) *schema.Workflow {
	for i := range nodes {
		nodes[i].OrderIndex = i
	}
	return &schema.Workflow{ID: "wf-1", Name: "test", Nodes: nodes}
}

func errorPaths(result *schema.ValidationResult) []string {
	paths := make([]string, 0, len(result.Errors))
	for _, issue := range result.Errors {
		paths = append(paths, issue.Path)
	}
	return paths
}

func TestValidWorkflowPasses(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateWorkflow(workflow(
		node("n-start", schema.NodeTypeStart, `{"variables":{"topic":"ghosts"}}`),
		node("n-draft", schema.NodeTypeAIChat, `{"prompt":"Write about {{topic}}"}`),
		node("n-out", schema.NodeTypeOutput, `{"format":"markdown"}`),
	))

	assert.True(t, result.Valid(), "errors: %v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestNilWorkflowFails(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateWorkflow(nil)

	require.False(t, result.Valid())
	assert.Equal(t, "workflow is nil", result.Errors[0].Message)
}

func TestEmptyNodeListFails(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateWorkflow(workflow())

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "nodes", result.Errors[0].Path)
}

func TestFirstNodeMustBeStart(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateWorkflow(workflow(
		node("n-draft", schema.NodeTypeAIChat, `{"prompt":"hi"}`),
		node("n-out", schema.NodeTypeOutput, ""),
	))

	require.False(t, result.Valid())
	assert.Contains(t, errorPaths(result), "nodes[0]")
	assert.Contains(t, result.Errors[0].Message, "start node")
}

func TestDuplicateNodeIDs(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateWorkflow(workflow(
		node("n-start", schema.NodeTypeStart, ""),
		node("n-dup", schema.NodeTypeVarUpdate, `{"name":"a"}`),
		node("n-dup", schema.NodeTypeOutput, ""),
	))

	require.False(t, result.Valid())
	assert.Contains(t, errorPaths(result), "nodes[2].id")
	assert.Contains(t, result.Errors[0].Message, `duplicate node id "n-dup"`)
}

func TestUnknownNodeType(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateWorkflow(workflow(
		node("n-start", schema.NodeTypeStart, ""),
		node("n-mystery", schema.NodeType("teleport"), ""),
	))

	require.False(t, result.Valid())
	assert.Contains(t, errorPaths(result), "nodes[1].type")
}

func TestOrderIndexMustMatchPosition(t *testing.T) {
	v := newValidator(t)

	wf := workflow(
		node("n-start", schema.NodeTypeStart, ""),
		node("n-out", schema.NodeTypeOutput, ""),
	)
	wf.Nodes[1].OrderIndex = 5

	result := v.ValidateWorkflow(wf)

	require.False(t, result.Valid())
	assert.Contains(t, errorPaths(result), "nodes[1].order_index")
}

func TestAIChatRequiresPrompt(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateWorkflow(workflow(
		node("n-start", schema.NodeTypeStart, ""),
		node("n-draft", schema.NodeTypeAIChat, `{"model":"gpt-4o"}`),
	))

	require.False(t, result.Valid())
	assert.Contains(t, errorPaths(result), "nodes[1].config")
}

func TestConfigRejectsMalformedJSON(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateWorkflow(workflow(
		node("n-start", schema.NodeTypeStart, ""),
		node("n-draft", schema.NodeTypeAIChat, `{"prompt":`),
	))

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "not valid JSON")
}

func TestConfigBoundsEnforced(t *testing.T) {
	tests := []struct {
		name   string
		node   schema.Node
		substr string
	}{
		{
			name:   "loop iterations over ceiling",
			node:   node("n-x", schema.NodeTypeLoopStart, `{"block_id":"b1","max_iterations":99}`),
			substr: "max_iterations",
		},
		{
			name:   "concurrency over ceiling",
			node:   node("n-x", schema.NodeTypeParallelStart, `{"concurrency":50}`),
			substr: "concurrency",
		},
		{
			name:   "temperature out of range",
			node:   node("n-x", schema.NodeTypeAIChat, `{"prompt":"p","temperature":3.5}`),
			substr: "temperature",
		},
		{
			name:   "bad extraction mode",
			node:   node("n-x", schema.NodeTypeTextExtract, `{"mode":"xpath"}`),
			substr: "mode",
		},
	}

	cv, err := NewConfigValidator()
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cv.ValidateConfig(&tt.node)
			require.Error(t, err)

			var fe *schema.FlowError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, schema.ErrCodeValidation, fe.Code)
			assert.Equal(t, "n-x", fe.NodeID)
			assert.Contains(t, fmt.Sprint(fe.Details["violations"]), tt.substr)
		})
	}
}

func TestBlockEndTypesHaveNoConfigSchema(t *testing.T) {
	cv, err := NewConfigValidator()
	require.NoError(t, err)

	n := node("n-end", schema.NodeTypeLoopEnd, `{"anything":"goes"}`)
	assert.NoError(t, cv.ValidateConfig(&n))
}

func TestConditionJumpTargetMustExist(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateWorkflow(workflow(
		node("n-start", schema.NodeTypeStart, ""),
		node("n-check", schema.NodeTypeCondition,
			`{"mode":"keyword","keywords":["done"],"on_true":{"action":"jump","target":"n-ghost"},"on_false":{"action":"continue"}}`),
	))

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, `jump target "n-ghost"`)
}

func TestLoopTargetChecks(t *testing.T) {
	t.Run("missing target is an error", func(t *testing.T) {
		v := newValidator(t)

		result := v.ValidateWorkflow(workflow(
			node("n-start", schema.NodeTypeStart, ""),
			node("n-loop", schema.NodeTypeLoop, `{"target":"n-ghost"}`),
		))

		require.False(t, result.Valid())
		assert.Contains(t, result.Errors[0].Message, `loop target "n-ghost"`)
	})

	t.Run("forward target is a warning", func(t *testing.T) {
		v := newValidator(t)

		result := v.ValidateWorkflow(workflow(
			node("n-start", schema.NodeTypeStart, ""),
			node("n-loop", schema.NodeTypeLoop, `{"target":"n-after"}`),
			node("n-after", schema.NodeTypeOutput, ""),
		))

		assert.True(t, result.Valid())
		require.Len(t, result.Warnings, 1)
		assert.Contains(t, result.Warnings[0].Message, "does not precede")
	})
}

func TestBatchCannotTargetItself(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateWorkflow(workflow(
		node("n-start", schema.NodeTypeStart, ""),
		node("n-work", schema.NodeTypeVarUpdate, `{"name":"a"}`),
		node("n-batch", schema.NodeTypeBatch, `{"targets":["n-work","n-batch"]}`),
	))

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "cannot target itself")
}

func TestConditionModeRequirements(t *testing.T) {
	tests := []struct {
		name   string
		config string
		substr string
	}{
		{"keyword without keywords", `{"block_id":"b1","mode":"keyword"}`, "at least one keyword"},
		{"regex without pattern", `{"block_id":"b1","mode":"regex"}`, "requires a pattern"},
		{"regex with bad pattern", `{"block_id":"b1","mode":"regex","pattern":"[unclosed"}`, "invalid regex"},
		{"expression without expression", `{"block_id":"b1","mode":"expression"}`, "requires an expression"},
		{"ai without prompt", `{"block_id":"b1","mode":"ai"}`, "judgment prompt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newValidator(t)

			wf := workflow(
				node("n-start", schema.NodeTypeStart, ""),
				node("n-if", schema.NodeTypeConditionIf, tt.config),
				node("n-fi", schema.NodeTypeConditionEnd, ""),
			)
			wf.Nodes[1].BlockID = "b1"
			wf.Nodes[2].BlockID = "b1"

			result := v.ValidateWorkflow(wf)

			require.False(t, result.Valid())
			found := false
			for _, issue := range result.Errors {
				if strings.HasPrefix(issue.Path, "nodes[1].config") {
					assert.Contains(t, issue.Message, tt.substr)
					found = true
				}
			}
			assert.True(t, found)
		})
	}
}

func TestConditionModeLoopRequiresExpression(t *testing.T) {
	v := newValidator(t)

	wf := workflow(
		node("n-start", schema.NodeTypeStart, ""),
		node("n-loop", schema.NodeTypeLoopStart, `{"mode":"condition"}`),
		node("n-pool", schema.NodeTypeLoopEnd, ""),
	)
	wf.Nodes[1].BlockID = "b1"
	wf.Nodes[2].BlockID = "b1"

	result := v.ValidateWorkflow(wf)

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "condition expression")
}

func TestLoopCeilingWarning(t *testing.T) {
	v := newValidator(t)

	wf := workflow(
		node("n-start", schema.NodeTypeStart, ""),
		node("n-loop", schema.NodeTypeLoopStart, `{"max_iterations":30}`),
		node("n-pool", schema.NodeTypeLoopEnd, ""),
	)
	wf.Nodes[1].BlockID = "b1"
	wf.Nodes[2].BlockID = "b1"
	wf.LoopMaxCount = 10

	result := v.ValidateWorkflow(wf)

	assert.True(t, result.Valid())
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w.Message, "workflow loop ceiling 10") {
			found = true
		}
	}
	assert.True(t, found, "warnings: %v", result.Warnings)
}

func TestSeparatorSplitRequiresSeparator(t *testing.T) {
	v := newValidator(t)

	wf := workflow(
		node("n-start", schema.NodeTypeStart, ""),
		node("n-par", schema.NodeTypeParallelStart, `{"split_mode":"separator"}`),
		node("n-rap", schema.NodeTypeParallelEnd, ""),
	)
	wf.Nodes[1].BlockID = "b1"
	wf.Nodes[2].BlockID = "b1"

	result := v.ValidateWorkflow(wf)

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "requires a separator")
}

func TestTextExtractRegexPatternChecked(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateWorkflow(workflow(
		node("n-start", schema.NodeTypeStart, ""),
		node("n-pull", schema.NodeTypeTextExtract, `{"mode":"regex","pattern":"(?P<broken"}`),
	))

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "invalid regex")
}

func TestUnclosedBlockIsStructuralError(t *testing.T) {
	v := newValidator(t)

	wf := workflow(
		node("n-start", schema.NodeTypeStart, ""),
		node("n-loop", schema.NodeTypeLoopStart, ""),
		node("n-out", schema.NodeTypeOutput, ""),
	)
	wf.Nodes[1].BlockID = "b1"

	result := v.ValidateWorkflow(wf)

	require.False(t, result.Valid())
	codes := make([]string, 0, len(result.Errors))
	for _, issue := range result.Errors {
		codes = append(codes, issue.Code)
	}
	assert.Contains(t, codes, schema.ErrCodeStructure)
}

func TestMissingOutputNodeWarns(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateWorkflow(workflow(
		node("n-start", schema.NodeTypeStart, ""),
		node("n-draft", schema.NodeTypeAIChat, `{"prompt":"hi"}`),
	))

	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "no output node")
}
