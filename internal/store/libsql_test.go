package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narratia/inkflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedProject(t *testing.T, s *LibSQLStore) *Project {
	t.Helper()
	p := &Project{ID: uuid.New().String(), Name: "novel-project"}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func seedWorkflow(t *testing.T, s *LibSQLStore, projectID string) *Workflow {
	t.Helper()
	wf := &Workflow{
		ID:             uuid.New().String(),
		ProjectID:      projectID,
		Name:           "chapter-draft",
		LoopMaxCount:   10,
		TimeoutSeconds: 300,
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

// --- Project tests ---

func TestCreateAndGetProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &Project{ID: uuid.New().String(), Name: "space-opera", Description: "serial fiction"}
	require.NoError(t, s.CreateProject(ctx, p))

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "space-opera", got.Name)
	assert.Equal(t, "serial fiction", got.Description)
}

func TestGetProject_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetProject(context.Background(), "nonexistent")
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestDeleteProject_CascadesWorkflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf := seedWorkflow(t, s, p.ID)

	require.NoError(t, s.DeleteProject(ctx, p.ID))

	_, err := s.GetWorkflow(ctx, wf.ID)
	require.Error(t, err)
}

// --- Workflow and node tests ---

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	wf := &Workflow{
		ID:             uuid.New().String(),
		ProjectID:      p.ID,
		Name:           "outline-to-prose",
		LoopMaxCount:   5,
		TimeoutSeconds: 120,
	}
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "outline-to-prose", got.Name)
	assert.Equal(t, 5, got.LoopMaxCount)
	assert.Equal(t, 120, got.TimeoutSeconds)
}

func TestReplaceNodes_RewritesOrderIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf := seedWorkflow(t, s, p.ID)

	nodes := []*Node{
		{ID: "n1", Type: schema.NodeTypeStart, Name: "start", OrderIndex: 7},
		{ID: "n2", Type: schema.NodeTypeAIChat, Name: "draft", Config: json.RawMessage(`{"prompt":"write"}`), OrderIndex: 3},
		{ID: "n3", Type: schema.NodeTypeOutput, Name: "out", OrderIndex: 0},
	}
	require.NoError(t, s.ReplaceNodes(ctx, wf.ID, nodes))

	got, err := s.ListNodes(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Slice order wins over the incoming order_index values.
	assert.Equal(t, "n1", got[0].ID)
	assert.Equal(t, 0, got[0].OrderIndex)
	assert.Equal(t, "n3", got[2].ID)
	assert.Equal(t, 2, got[2].OrderIndex)
	assert.JSONEq(t, `{"prompt":"write"}`, string(got[1].Config))
}

func TestReplaceNodes_SwapsPreviousList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf := seedWorkflow(t, s, p.ID)

	require.NoError(t, s.ReplaceNodes(ctx, wf.ID, []*Node{
		{ID: "old", Type: schema.NodeTypeStart, Name: "start"},
	}))
	require.NoError(t, s.ReplaceNodes(ctx, wf.ID, []*Node{
		{ID: "new1", Type: schema.NodeTypeStart, Name: "start"},
		{ID: "new2", Type: schema.NodeTypeOutput, Name: "out"},
	}))

	got, err := s.ListNodes(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new1", got[0].ID)
}

func TestListNodes_PreservesBlockPairing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf := seedWorkflow(t, s, p.ID)

	require.NoError(t, s.ReplaceNodes(ctx, wf.ID, []*Node{
		{ID: "a", Type: schema.NodeTypeLoopStart, Name: "loop", BlockID: "blk-1"},
		{ID: "b", Type: schema.NodeTypeAIChat, Name: "draft", ParentBlockID: "blk-1"},
		{ID: "c", Type: schema.NodeTypeLoopEnd, Name: "loop-end", BlockID: "blk-1"},
	}))

	got, err := s.ListNodes(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "blk-1", got[0].BlockID)
	assert.Equal(t, "blk-1", got[1].ParentBlockID)
	assert.Empty(t, got[1].BlockID)
}

// --- Version tests ---

func TestSnapshotWorkflow_AutoIncrementsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf := seedWorkflow(t, s, p.ID)

	v1 := &WorkflowVersion{ID: uuid.New().String(), WorkflowID: wf.ID, Snapshot: json.RawMessage(`{"nodes":[]}`)}
	require.NoError(t, s.SnapshotWorkflow(ctx, v1))
	assert.Equal(t, 1, v1.VersionNumber)

	v2 := &WorkflowVersion{ID: uuid.New().String(), WorkflowID: wf.ID, Snapshot: json.RawMessage(`{"nodes":[1]}`)}
	require.NoError(t, s.SnapshotWorkflow(ctx, v2))
	assert.Equal(t, 2, v2.VersionNumber)

	versions, err := s.ListVersions(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].VersionNumber) // newest first

	got, err := s.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"nodes":[]}`, string(got.Snapshot))
}

// --- Setting tests ---

func TestSettings_FilterByCategoryAndEnabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	for _, set := range []*Setting{
		{ID: "s1", ProjectID: p.ID, Category: "character", Name: "hero", Content: "stoic pilot", Enabled: true},
		{ID: "s2", ProjectID: p.ID, Category: "character", Name: "rival", Content: "smuggler", Enabled: false},
		{ID: "s3", ProjectID: p.ID, Category: "world", Name: "station", Content: "orbital ring", Enabled: true},
	} {
		require.NoError(t, s.UpsertSetting(ctx, set))
	}

	enabled := true
	got, err := s.ListSettings(ctx, SettingFilter{ProjectID: p.ID, Category: "character", Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hero", got[0].Name)
}

func TestUpsertSetting_UpdatesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	set := &Setting{ID: "s1", ProjectID: p.ID, Category: "style", Name: "tone", Content: "noir", Enabled: true}
	require.NoError(t, s.UpsertSetting(ctx, set))
	set.Content = "hopeful"
	require.NoError(t, s.UpsertSetting(ctx, set))

	got, err := s.ListSettings(ctx, SettingFilter{ProjectID: p.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hopeful", got[0].Content)
}

func TestSettingPrompts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	require.NoError(t, s.UpsertSettingPrompt(ctx, &SettingPrompt{
		ID: "sp1", ProjectID: p.ID, Category: "character",
		PromptTemplate: "Characters:\n{{settings}}", Enabled: true,
	}))

	got, err := s.ListSettingPrompts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].PromptTemplate, "{{settings}}")
}

// --- Global config tests ---

func TestGlobalConfig_SeededAndUpdatable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg, err := s.GetGlobalConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.DefaultLoopMax)
	assert.Equal(t, 300, cfg.DefaultTimeout)

	cfg.AIProviders = json.RawMessage(`{"openai":{"base_url":"https://api.openai.com/v1"}}`)
	cfg.DefaultLoopMax = 20
	require.NoError(t, s.UpdateGlobalConfig(ctx, cfg))

	got, err := s.GetGlobalConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, got.DefaultLoopMax)
	assert.JSONEq(t, `{"openai":{"base_url":"https://api.openai.com/v1"}}`, string(got.AIProviders))
}

// --- Execution tests ---

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf := seedWorkflow(t, s, p.ID)

	exec := &Execution{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Status:     schema.ExecutionStatusRunning,
		Input:      "chapter one outline",
	}
	require.NoError(t, s.CreateExecution(ctx, exec))

	done := schema.ExecutionStatusCompleted
	out := "final chapter text"
	now := time.Now().UTC()
	require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{
		Status:      &done,
		FinalOutput: &out,
		FinishedAt:  &now,
	}))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, "final chapter text", got.FinalOutput)
	assert.NotNil(t, got.FinishedAt)
}

func TestUpdateExecution_NoFieldsIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateExecution(context.Background(), "whatever", ExecutionUpdate{}))
}

func TestListExecutions_FilterByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf := seedWorkflow(t, s, p.ID)

	for _, st := range []schema.ExecutionStatus{
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCompleted,
	} {
		require.NoError(t, s.CreateExecution(ctx, &Execution{
			ID: uuid.New().String(), WorkflowID: wf.ID, Status: st,
		}))
	}

	failed := schema.ExecutionStatusFailed
	got, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID, Status: &failed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, schema.ExecutionStatusFailed, got[0].Status)
}

func TestNodeResults_IterationDefaultsToOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf := seedWorkflow(t, s, p.ID)
	exec := &Execution{ID: uuid.New().String(), WorkflowID: wf.ID, Status: schema.ExecutionStatusRunning}
	require.NoError(t, s.CreateExecution(ctx, exec))

	r := &NodeResult{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		NodeID:      "n1",
		Status:      schema.NodeStatusRunning,
	}
	require.NoError(t, s.CreateNodeResult(ctx, r))

	got, err := s.GetNodeResult(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Iteration)
}

func TestUpdateNodeResult_OutputEdit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf := seedWorkflow(t, s, p.ID)
	exec := &Execution{ID: uuid.New().String(), WorkflowID: wf.ID, Status: schema.ExecutionStatusPaused}
	require.NoError(t, s.CreateExecution(ctx, exec))

	r := &NodeResult{ID: uuid.New().String(), ExecutionID: exec.ID, NodeID: "n1", Output: "draft", Status: schema.NodeStatusCompleted}
	require.NoError(t, s.CreateNodeResult(ctx, r))

	edited := "edited draft"
	require.NoError(t, s.UpdateNodeResult(ctx, r.ID, NodeResultUpdate{Output: &edited}))

	got, err := s.GetNodeResult(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited draft", got.Output)
	assert.Equal(t, schema.NodeStatusCompleted, got.Status)
}

// --- Event tests ---

func TestAppendEvent_SequencesPerExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf := seedWorkflow(t, s, p.ID)

	execA := &Execution{ID: uuid.New().String(), WorkflowID: wf.ID, Status: schema.ExecutionStatusRunning}
	execB := &Execution{ID: uuid.New().String(), WorkflowID: wf.ID, Status: schema.ExecutionStatusRunning}
	require.NoError(t, s.CreateExecution(ctx, execA))
	require.NoError(t, s.CreateExecution(ctx, execB))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: execA.ID, Type: schema.EventNodeStarted}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: execB.ID, Type: schema.EventExecutionStarted}))

	gotA, err := s.GetEvents(ctx, execA.ID, 0)
	require.NoError(t, err)
	require.Len(t, gotA, 3)
	assert.Equal(t, int64(1), gotA[0].Sequence)
	assert.Equal(t, int64(3), gotA[2].Sequence)

	gotB, err := s.GetEvents(ctx, execB.ID, 0)
	require.NoError(t, err)
	require.Len(t, gotB, 1)
	assert.Equal(t, int64(1), gotB[0].Sequence)
}

func TestGetEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf := seedWorkflow(t, s, p.ID)
	exec := &Execution{ID: uuid.New().String(), WorkflowID: wf.ID, Status: schema.ExecutionStatusRunning}
	require.NoError(t, s.CreateExecution(ctx, exec))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: exec.ID, Type: schema.EventNodeCompleted}))
	}

	got, err := s.GetEvents(ctx, exec.ID, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Sequence)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf := seedWorkflow(t, s, p.ID)
	exec := &Execution{ID: uuid.New().String(), WorkflowID: wf.ID, Status: schema.ExecutionStatusRunning}
	require.NoError(t, s.CreateExecution(ctx, exec))

	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: exec.ID, Type: schema.EventExecutionStarted}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: exec.ID, NodeID: "n1", Type: schema.EventNodeFailed, Payload: json.RawMessage(`{"error":"boom"}`)}))

	got, err := s.GetEventsByType(ctx, schema.EventNodeFailed, EventFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "n1", got[0].NodeID)
	assert.JSONEq(t, `{"error":"boom"}`, string(got[0].Payload))
}

// --- Scheduled run tests ---

func TestScheduledRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	wf := seedWorkflow(t, s, p.ID)

	run := &ScheduledRun{
		ID:             uuid.New().String(),
		WorkflowID:     wf.ID,
		CronExpression: "0 6 * * *",
		Input:          "daily chapter",
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledRun(ctx, run))

	now := time.Now().UTC()
	require.NoError(t, s.UpdateScheduledRun(ctx, run.ID, ScheduledRunUpdate{
		LastRunAt:     &now,
		LastRunStatus: string(schema.ExecutionStatusCompleted),
	}))

	enabled := true
	got, err := s.ListScheduledRuns(ctx, ScheduledRunFilter{WorkflowID: wf.ID, Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0 6 * * *", got[0].CronExpression)
	assert.NotNil(t, got[0].LastRunAt)

	require.NoError(t, s.DeleteScheduledRun(ctx, run.ID))
	got, err = s.ListScheduledRuns(ctx, ScheduledRunFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Empty(t, got)
}

// --- Secret tests ---

func TestSecretsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "provider/openai", []byte("ciphertext-1")))
	require.NoError(t, s.StoreSecret(ctx, "provider/openai", []byte("ciphertext-2"))) // overwrite

	got, err := s.GetSecret(ctx, "provider/openai")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext-2"), got)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"provider/openai"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "provider/openai"))
	_, err = s.GetSecret(ctx, "provider/openai")
	require.Error(t, err)
}
