package nodes

import (
	"sort"
	"sync"

	"github.com/narratia/inkflow/pkg/schema"
)

// Registry is the thread-safe node handler lookup used by the executor.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.NodeType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[schema.NodeType]Handler),
	}
}

// Register adds a handler to the registry. Returns error on duplicate type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	t := h.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for %q already registered", t)
	}

	r.handlers[t] = h
	return nil
}

// Get retrieves the handler for a node type.
func (r *Registry) Get(t schema.NodeType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no handler for node type %q", t)
	}
	return h, nil
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
