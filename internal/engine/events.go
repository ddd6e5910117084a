package engine

import (
	"context"
	"encoding/json"

	"github.com/narratia/inkflow/internal/store"
	"github.com/narratia/inkflow/internal/streaming"
	"github.com/narratia/inkflow/pkg/schema"
)

// emitter persists trace events and mirrors them to hub subscribers in one
// call. Persistence failures propagate; hub delivery is best-effort.
type emitter struct {
	appender EventAppender
	hub      streaming.EventHub
}

func newEmitter(appender EventAppender, hub streaming.EventHub) *emitter {
	return &emitter{appender: appender, hub: hub}
}

// AppendEvent satisfies EventAppender so the FSMs can emit through the
// emitter and reach both the trace log and live subscribers.
func (m *emitter) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := m.appender.AppendEvent(ctx, event); err != nil {
		return err
	}
	m.mirror(ctx, event)
	return nil
}

// Emit builds, persists, and mirrors an event with an optional payload.
func (m *emitter) Emit(ctx context.Context, executionID, nodeID, eventType string, payload map[string]any) error {
	event := &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
	}
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "marshal event payload: %s", err.Error()).WithCause(err)
		}
		event.Payload = raw
	}
	return m.AppendEvent(ctx, event)
}

// Stream mirrors a transient event to hub subscribers without persisting it.
// AI token deltas go through here; the full output lands in the node result.
func (m *emitter) Stream(ctx context.Context, executionID, nodeID, eventType string, payload any) {
	if m.hub == nil {
		return
	}
	_ = m.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: executionID,
		NodeID:      nodeID,
		EventType:   eventType,
		Payload:     payload,
	})
}

func (m *emitter) mirror(ctx context.Context, event *store.Event) {
	if m.hub == nil {
		return
	}
	var payload any
	if len(event.Payload) > 0 {
		payload = json.RawMessage(event.Payload)
	}
	_ = m.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: event.ExecutionID,
		NodeID:      event.NodeID,
		EventType:   event.Type,
		Payload:     payload,
	})
}
