package graph

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrInvariantViolation means the rows do not form a single rooted tree.
	// It indicates corrupt storage and is never retried.
	ErrInvariantViolation = errors.New("tree invariant violation")
	// ErrNodeNotFound means an id is not part of the index.
	ErrNodeNotFound = errors.New("node not in tree")
	// ErrAlreadyRoot is returned by Reroot when the node is the root already.
	ErrAlreadyRoot = errors.New("node is already root")
	// ErrNoPattern is returned by FindLabeledNodes when no label pattern is given.
	ErrNoPattern = errors.New("no label pattern")
)

// Point is a location in project space
type Point struct {
	X, Y, Z float64
}

// Row is one (id, parent) pair with its payload, as stored.
type Row struct {
	ID         int64
	ParentID   *int64
	Location   Point
	Radius     float64
	Confidence int
	CreatedAt  int64 // Unix millis
}

// Node is a row plus its children in the current orientation
type Node struct {
	Row
	Children []int64
}

// Index is an addressable tree over a flat set of rows: a map from id to node
// plus an explicit root. Nodes refer to each other only by id.
type Index struct {
	nodes map[int64]*Node
	root  int64
}

// Build constructs an Index from rows. It fails with ErrInvariantViolation on
// duplicate ids, dangling parents, a missing or repeated root, or a cycle.
func Build(rows []Row) (*Index, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvariantViolation)
	}

	nodes := make(map[int64]*Node, len(rows))
	var roots []int64
	for _, r := range rows {
		if _, dup := nodes[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %d", ErrInvariantViolation, r.ID)
		}
		nodes[r.ID] = &Node{Row: r}
		if r.ParentID == nil {
			roots = append(roots, r.ID)
		}
	}

	switch {
	case len(roots) == 0:
		return nil, fmt.Errorf("%w: no root, every node has a parent", ErrInvariantViolation)
	case len(roots) > 1:
		slices.Sort(roots)
		return nil, fmt.Errorf("%w: %d roots %v", ErrInvariantViolation, len(roots), roots)
	}

	for _, r := range rows {
		if r.ParentID == nil {
			continue
		}
		parent, ok := nodes[*r.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: node %d has missing parent %d", ErrInvariantViolation, r.ID, *r.ParentID)
		}
		parent.Children = append(parent.Children, r.ID)
	}

	ix := &Index{nodes: nodes, root: roots[0]}

	// Every node has a parent in the set, so anything the root cannot reach
	// sits on a cycle.
	reached := 0
	queue := []int64{ix.root}
	seen := map[int64]bool{ix.root: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		reached++
		for _, c := range nodes[id].Children {
			if !seen[c] {
				seen[c] = true
				queue = append(queue, c)
			}
		}
	}
	if reached != len(nodes) {
		fragments := len(Components(rows))
		return nil, fmt.Errorf("%w: cycle detected, %d of %d nodes unreachable from root %d (%d fragments)",
			ErrInvariantViolation, len(nodes)-reached, len(nodes), ix.root, fragments)
	}
	return ix, nil
}

// Root returns the id of the parentless node
func (ix *Index) Root() int64 { return ix.root }

// Len returns the number of nodes
func (ix *Index) Len() int { return len(ix.nodes) }

// Has reports whether id is in the tree
func (ix *Index) Has(id int64) bool {
	_, ok := ix.nodes[id]
	return ok
}

// Node returns the node with the given id
func (ix *Index) Node(id int64) (*Node, bool) {
	n, ok := ix.nodes[id]
	return n, ok
}

// Children returns the children of id in the current orientation
func (ix *Index) Children(id int64) []int64 {
	if n, ok := ix.nodes[id]; ok {
		return n.Children
	}
	return nil
}

// Parent returns the parent of id; ok is false for the root or unknown ids.
func (ix *Index) Parent(id int64) (parent int64, ok bool) {
	n, found := ix.nodes[id]
	if !found || n.ParentID == nil {
		return 0, false
	}
	return *n.ParentID, true
}

// Degree returns the undirected degree of id
func (ix *Index) Degree(id int64) int {
	n, ok := ix.nodes[id]
	if !ok {
		return 0
	}
	d := len(n.Children)
	if n.ParentID != nil {
		d++
	}
	return d
}

// IDs returns all node ids in ascending order
func (ix *Index) IDs() []int64 {
	ids := make([]int64, 0, len(ix.nodes))
	for id := range ix.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ParentMap returns a copy of the parent relation; the root maps to nil.
func (ix *Index) ParentMap() map[int64]*int64 {
	m := make(map[int64]*int64, len(ix.nodes))
	for id, n := range ix.nodes {
		if n.ParentID != nil {
			p := *n.ParentID
			m[id] = &p
		} else {
			m[id] = nil
		}
	}
	return m
}

// Rows returns the nodes as rows in ascending id order
func (ix *Index) Rows() []Row {
	rows := make([]Row, 0, len(ix.nodes))
	for _, id := range ix.IDs() {
		rows = append(rows, ix.nodes[id].Row)
	}
	return rows
}

// PathToRoot returns id followed by each of its ancestors up to the root.
func (ix *Index) PathToRoot(id int64) ([]int64, error) {
	n, ok := ix.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	path := []int64{id}
	for n.ParentID != nil {
		if len(path) > len(ix.nodes) {
			return nil, fmt.Errorf("%w: ancestor chain of %d does not end", ErrInvariantViolation, id)
		}
		path = append(path, *n.ParentID)
		n = ix.nodes[*n.ParentID]
	}
	return path, nil
}
