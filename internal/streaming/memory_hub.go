package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// MemoryHub fans stream events out to in-process subscribers. Delivery is
// best-effort: a subscriber that stops draining loses events rather than
// stalling the execution that publishes them.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscription
	seq  atomic.Uint64
}

type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
}

// wants reports whether the subscription's filter admits the event. Empty
// filter fields match everything.
func (s *subscription) wants(e StreamEvent) bool {
	f := s.filter
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.NodeID != "" && f.NodeID != e.NodeID {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscription)}
}

// Publish delivers the event to every subscriber whose filter admits it.
// A full subscriber buffer drops the event for that subscriber only.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a filtered subscription and returns its channel along
// with a cancel function that detaches it. The channel is never closed;
// readers stop by cancelling.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	sub := &subscription{
		ch:     make(chan StreamEvent, defaultChannelBuffer),
		filter: filter,
	}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return sub.ch, cancel, nil
}
