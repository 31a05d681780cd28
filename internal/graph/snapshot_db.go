package graph

import (
	"context"
	"fmt"

	"catmaid/arbor/internal/db"
)

// RowFromTreenode converts a stored treenode into an index row
func RowFromTreenode(t db.Treenode) Row {
	r := Row{
		ID:         t.ID,
		Location:   Point{X: t.X, Y: t.Y, Z: t.Z},
		Confidence: t.Confidence,
		CreatedAt:  t.CreatedAt,
	}
	if t.ParentID != nil {
		p := *t.ParentID
		r.ParentID = &p
	}
	if t.Radius.Valid {
		r.Radius = t.Radius.Float64
	}
	return r
}

// LoadSkeleton reads every treenode of a skeleton and builds its index.
// An empty skeleton reports db.ErrNotFound.
func LoadSkeleton(ctx context.Context, s *db.Session, skeletonID int64) (*Index, error) {
	nodes, err := s.SkeletonTreenodes(ctx, skeletonID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("skeleton %d: %w", skeletonID, db.ErrNotFound)
	}

	rows := make([]Row, 0, len(nodes))
	for _, t := range nodes {
		rows = append(rows, RowFromTreenode(t))
	}
	ix, err := Build(rows)
	if err != nil {
		return nil, fmt.Errorf("skeleton %d: %w", skeletonID, err)
	}
	return ix, nil
}

// ParentChanges converts index changes into storage updates
func ParentChanges(changes []Change) []db.ParentChange {
	out := make([]db.ParentChange, len(changes))
	for i, c := range changes {
		out[i] = db.ParentChange{NodeID: c.NodeID, ParentID: c.ParentID}
	}
	return out
}
