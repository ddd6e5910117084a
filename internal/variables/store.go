package variables

import (
	"encoding/json"
	"strings"
)

// Store is the mutable variable mapping for a single execution. It holds
// named variables plus per-node-id outputs for {{@nodeId > label}}
// references. Each execution owns exactly one Store; parallel branches work
// on clones merged back only at the join barrier, so the Store itself is not
// synchronized.
type Store struct {
	vars    map[string]string
	outputs map[string]string // node ID -> last output this run
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		vars:    make(map[string]string),
		outputs: make(map[string]string),
	}
}

// Seed bulk-loads variables, e.g. workflow-declared globals or a restored
// snapshot.
func (s *Store) Seed(vars map[string]string) {
	for k, v := range vars {
		s.vars[k] = v
	}
}

// Set stores a variable value, visible to all subsequent resolutions.
func (s *Store) Set(name, value string) {
	s.vars[name] = value
}

// Get returns the value for name and whether it is present.
func (s *Store) Get(name string) (string, bool) {
	v, ok := s.vars[name]
	return v, ok
}

// SetNodeOutput records a node's output for later @nodeId references.
func (s *Store) SetNodeOutput(nodeID, output string) {
	s.outputs[nodeID] = output
}

// NodeOutput returns the most recent output recorded for nodeID this run.
func (s *Store) NodeOutput(nodeID string) (string, bool) {
	v, ok := s.outputs[nodeID]
	return v, ok
}

// Resolve substitutes {{name}} and {{@nodeId > label}} occurrences in the
// template. Unset references become the empty string; resolution never
// fails. Single pass: substituted values are not re-scanned, so values
// containing {{...}} cannot trigger further substitution.
func (s *Store) Resolve(template string) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	var out strings.Builder
	out.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			out.WriteString(template[i:])
			break
		}
		out.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			// Unterminated reference: emit the rest verbatim.
			out.WriteString(template[i+idx:])
			break
		}
		end += start

		ref := strings.TrimSpace(template[start:end])
		out.WriteString(s.lookup(ref))
		i = end + 2
	}

	return out.String()
}

// lookup resolves a single reference body. "@nodeId > label" references a
// node output; the label portion is display-only and ignored here.
func (s *Store) lookup(ref string) string {
	if strings.HasPrefix(ref, "@") {
		nodeID := ref[1:]
		if gt := strings.Index(nodeID, ">"); gt != -1 {
			nodeID = nodeID[:gt]
		}
		nodeID = strings.TrimSpace(nodeID)
		v, _ := s.outputs[nodeID]
		return v
	}
	v, _ := s.vars[ref]
	return v
}

// Clone returns an independent copy, used to seed parallel item sub-scopes
// at fan-out time. Writes to the clone never reach the parent.
func (s *Store) Clone() *Store {
	c := New()
	for k, v := range s.vars {
		c.vars[k] = v
	}
	for k, v := range s.outputs {
		c.outputs[k] = v
	}
	return c
}

// Merge folds a parallel item's sub-scope back into the parent at the join
// barrier. Item writes overwrite parent entries; merge order is item order,
// so the last item wins on conflicting names.
func (s *Store) Merge(other *Store) {
	for k, v := range other.vars {
		s.vars[k] = v
	}
	for k, v := range other.outputs {
		s.outputs[k] = v
	}
}

// Variables returns a copy of the named-variable map.
func (s *Store) Variables() map[string]string {
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// Env exposes the variable map as an expression environment for
// condition-mode loops and expression-mode conditions.
func (s *Store) Env() map[string]any {
	env := make(map[string]any, len(s.vars))
	for k, v := range s.vars {
		env[k] = v
	}
	return env
}

// Snapshot serializes the named variables for persistence at execution end
// or pause.
func (s *Store) Snapshot() (json.RawMessage, error) {
	return json.Marshal(s.vars)
}

// FromSnapshot rebuilds a Store from a persisted snapshot. Resolution
// against the restored store reproduces the original results for the same
// templates.
func FromSnapshot(raw json.RawMessage) (*Store, error) {
	s := New()
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.vars); err != nil {
		return nil, err
	}
	return s, nil
}
