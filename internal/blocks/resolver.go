// Package blocks reconstructs nested control flow from the flat,
// order-indexed node list. The resolver runs once per execution, before any
// node runs; every structural problem it finds is fail-fast.
package blocks

import (
	"github.com/narratia/inkflow/pkg/schema"
)

// Pairing maps one block instance: start/end node indices plus, for
// condition blocks, the optional condition_else index.
type Pairing struct {
	BlockID    string
	Kind       schema.NodeType // loop_start, parallel_start, condition_if
	StartIndex int
	EndIndex   int
	ElseIndex  int // -1 when the condition block has no else branch
	ParentID   string
	Children   []string
}

// Table is the resolved jump table for a workflow: block pairings indexed
// both by start position and by block ID, computed once per run.
type Table struct {
	byStart map[int]*Pairing
	byID    map[string]*Pairing
	roots   []string
}

// ByStart returns the pairing whose block-start node sits at index.
func (t *Table) ByStart(index int) (*Pairing, bool) {
	p, ok := t.byStart[index]
	return p, ok
}

// ByID returns the pairing for a block ID.
func (t *Table) ByID(blockID string) (*Pairing, bool) {
	p, ok := t.byID[blockID]
	return p, ok
}

// Roots returns the block IDs that have no enclosing block, in source order.
func (t *Table) Roots() []string {
	return t.roots
}

// Len returns the number of resolved blocks.
func (t *Table) Len() int {
	return len(t.byID)
}

// Resolve scans the node list left to right with a stack, pushing on
// block-start types and pairing on the matching end type. Mismatched or
// unterminated pairs are structural errors; the run never starts.
//
// Legacy single-node control types (condition, loop, batch) carry explicit
// jump targets in config and do not participate here.
func Resolve(nodes []schema.Node) (*Table, error) {
	t := &Table{
		byStart: make(map[int]*Pairing),
		byID:    make(map[string]*Pairing),
	}

	type frame struct {
		pairing *Pairing
	}
	var stack []frame

	for i := range nodes {
		n := &nodes[i]

		switch {
		case n.Type.IsBlockStart():
			if n.BlockID == "" {
				return nil, schema.NewErrorf(schema.ErrCodeStructure,
					"%s node at index %d has no block_id", n.Type, i).WithNode(n.ID)
			}
			if _, dup := t.byID[n.BlockID]; dup {
				return nil, schema.NewErrorf(schema.ErrCodeStructure,
					"duplicate block_id %q at index %d", n.BlockID, i).WithNode(n.ID)
			}
			p := &Pairing{
				BlockID:    n.BlockID,
				Kind:       n.Type,
				StartIndex: i,
				EndIndex:   -1,
				ElseIndex:  -1,
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1].pairing
				p.ParentID = parent.BlockID
				parent.Children = append(parent.Children, p.BlockID)
			} else {
				t.roots = append(t.roots, p.BlockID)
			}
			t.byStart[i] = p
			t.byID[p.BlockID] = p
			stack = append(stack, frame{pairing: p})

		case n.Type == schema.NodeTypeConditionElse:
			if len(stack) == 0 {
				return nil, schema.NewErrorf(schema.ErrCodeStructure,
					"condition_else at index %d outside any block", i).WithNode(n.ID)
			}
			top := stack[len(stack)-1].pairing
			if top.Kind != schema.NodeTypeConditionIf || top.BlockID != n.BlockID {
				return nil, schema.NewErrorf(schema.ErrCodeStructure,
					"condition_else at index %d: block_id %q does not match open block %q",
					i, n.BlockID, top.BlockID).WithNode(n.ID)
			}
			if top.ElseIndex != -1 {
				return nil, schema.NewErrorf(schema.ErrCodeStructure,
					"condition block %q has more than one else branch", n.BlockID).WithNode(n.ID)
			}
			top.ElseIndex = i

		case n.Type.IsBlockEnd():
			if len(stack) == 0 {
				return nil, schema.NewErrorf(schema.ErrCodeStructure,
					"%s at index %d with no matching block start", n.Type, i).WithNode(n.ID)
			}
			top := stack[len(stack)-1].pairing
			if top.Kind.BlockEnd() != n.Type {
				return nil, schema.NewErrorf(schema.ErrCodeStructure,
					"%s at index %d closes a %s block (blocks must nest properly)",
					n.Type, i, top.Kind).WithNode(n.ID)
			}
			if top.BlockID != n.BlockID {
				return nil, schema.NewErrorf(schema.ErrCodeStructure,
					"%s at index %d: block_id %q does not match open block %q",
					n.Type, i, n.BlockID, top.BlockID).WithNode(n.ID)
			}
			top.EndIndex = i
			stack = stack[:len(stack)-1]
		}
	}

	if len(stack) > 0 {
		open := stack[len(stack)-1].pairing
		return nil, schema.NewErrorf(schema.ErrCodeStructure,
			"block %q (%s at index %d) is never closed", open.BlockID, open.Kind, open.StartIndex)
	}

	return t, nil
}
