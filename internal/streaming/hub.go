package streaming

import "context"

// StreamEvent is a real-time event emitted during workflow execution,
// including per-chunk AI streaming deltas.
type StreamEvent struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id,omitempty"`
	EventType   string `json:"event_type"`
	Payload     any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	NodeID      string   `json:"node_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
