package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narratia/inkflow/internal/store"
	"github.com/narratia/inkflow/pkg/schema"
)

type captureAppender struct {
	mu     sync.Mutex
	events []*store.Event
	fail   error
}

func (c *captureAppender) AppendEvent(_ context.Context, event *store.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.events = append(c.events, event)
	return nil
}

func (c *captureAppender) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func TestExecutionFSM_LifecyclePath(t *testing.T) {
	app := &captureAppender{}
	fsm := NewExecutionFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "e1", ExecutionStatusNew, schema.ExecutionStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "e1", schema.ExecutionStatusRunning, schema.ExecutionStatusPaused))
	require.NoError(t, fsm.Transition(ctx, "e1", schema.ExecutionStatusPaused, schema.ExecutionStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "e1", schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted))

	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventExecutionPaused,
		schema.EventExecutionResumed,
		schema.EventExecutionCompleted,
	}, app.types())
}

func TestExecutionFSM_RejectsTerminalTransitions(t *testing.T) {
	fsm := NewExecutionFSM(&captureAppender{})
	ctx := context.Background()

	for _, terminal := range []schema.ExecutionStatus{
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
		schema.ExecutionStatusTimeout,
	} {
		err := fsm.Transition(ctx, "e1", terminal, schema.ExecutionStatusRunning)
		require.Error(t, err, "from %s", terminal)
		fe, ok := err.(*schema.FlowError)
		require.True(t, ok)
		assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
	}
}

func TestExecutionFSM_PausedCanCancel(t *testing.T) {
	app := &captureAppender{}
	fsm := NewExecutionFSM(app)

	require.NoError(t, fsm.Transition(context.Background(), "e1",
		schema.ExecutionStatusPaused, schema.ExecutionStatusCancelled))
	assert.Equal(t, []string{schema.EventExecutionCancelled}, app.types())
}

func TestExecutionFSM_Hooks(t *testing.T) {
	app := &captureAppender{}
	fsm := NewExecutionFSM(app)

	var order []string
	fsm.OnBefore(schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, func(from, to string) error {
		order = append(order, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, func(from, to string) error {
		order = append(order, "after:"+from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "e1",
		schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted))
	assert.Equal(t, []string{"before:running->completed", "after:running->completed"}, order)
}

func TestExecutionFSM_BeforeHookBlocksTransition(t *testing.T) {
	app := &captureAppender{}
	fsm := NewExecutionFSM(app)
	fsm.OnBefore(schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, func(_, _ string) error {
		return schema.NewError(schema.ErrCodeConflict, "not yet")
	})

	err := fsm.Transition(context.Background(), "e1",
		schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted)
	require.Error(t, err)
	assert.Empty(t, app.types())
}

func TestNodeFSM_LifecycleEvents(t *testing.T) {
	app := &captureAppender{}
	fsm := NewNodeFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "e1", "n1", schema.NodeStatusPending, schema.NodeStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "e1", "n1", schema.NodeStatusRunning, schema.NodeStatusCompleted))
	require.NoError(t, fsm.Transition(ctx, "e1", "n2", schema.NodeStatusPending, schema.NodeStatusSkipped))

	assert.Equal(t, []string{
		schema.EventNodeStarted,
		schema.EventNodeCompleted,
		schema.EventNodeSkipped,
	}, app.types())
	assert.Equal(t, "n1", app.events[0].NodeID)
	assert.Equal(t, "e1", app.events[0].ExecutionID)
}

func TestNodeFSM_InvalidTransition(t *testing.T) {
	fsm := NewNodeFSM(&captureAppender{})

	err := fsm.Transition(context.Background(), "e1", "n1",
		schema.NodeStatusCompleted, schema.NodeStatusRunning)
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
	assert.Equal(t, "n1", fe.NodeID)
}

func TestFSM_AppendFailureSurfacesAsStoreError(t *testing.T) {
	app := &captureAppender{fail: schema.NewError(schema.ErrCodeStore, "disk full")}
	fsm := NewExecutionFSM(app)

	err := fsm.Transition(context.Background(), "e1",
		ExecutionStatusNew, schema.ExecutionStatusRunning)
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeStore, fe.Code)
}
