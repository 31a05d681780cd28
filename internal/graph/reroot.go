package graph

import (
	"fmt"
	"slices"
)

// Change is one (node, new parent) pair produced by a structural edit; a nil
// parent makes the node a root.
type Change struct {
	NodeID   int64
	ParentID *int64
}

// Reroot makes newRoot the parentless node by inverting the parent chain
// between newRoot and the current root. Subtrees off that chain keep their
// orientation. The index is updated in place and the changed pairs are
// returned ordered from the new root outward.
//
// Rerooting at the current root returns ErrAlreadyRoot and changes nothing.
func Reroot(ix *Index, newRoot int64) ([]Change, error) {
	n, ok := ix.nodes[newRoot]
	if !ok {
		return nil, fmt.Errorf("reroot at %d: %w", newRoot, ErrNodeNotFound)
	}
	if n.ParentID == nil {
		return nil, ErrAlreadyRoot
	}

	path, err := ix.PathToRoot(newRoot)
	if err != nil {
		return nil, err
	}

	changes := make([]Change, 0, len(path))
	changes = append(changes, Change{NodeID: newRoot})
	for i := 1; i < len(path); i++ {
		p := path[i-1]
		changes = append(changes, Change{NodeID: path[i], ParentID: &p})
	}

	for i := 0; i+1 < len(path); i++ {
		child, parent := ix.nodes[path[i]], ix.nodes[path[i+1]]
		parent.Children = slices.DeleteFunc(parent.Children, func(id int64) bool { return id == child.ID })
		child.Children = append(child.Children, parent.ID)
	}
	for _, c := range changes {
		ix.nodes[c.NodeID].ParentID = c.ParentID
	}
	ix.root = newRoot
	return changes, nil
}
