package skeleton

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"catmaid/arbor/internal/authz"
	"catmaid/arbor/internal/db"
	"catmaid/arbor/internal/graph"
)

// RerootResult reports a persisted reroot. AlreadyRoot is set, and nothing
// is written, when the node was the root already.
type RerootResult struct {
	SkeletonID  int64 `json:"skeleton_id"`
	NewRootID   int64 `json:"new_root_id"`
	Changed     int   `json:"changed"`
	AlreadyRoot bool  `json:"already_root"`
}

// Reroot makes treenodeID the root of its skeleton.
func (s *Service) Reroot(ctx context.Context, a Actor, treenodeID int64) (*RerootResult, error) {
	res := &RerootResult{NewRootID: treenodeID}
	err := s.run(a, "reroot", logrus.Fields{"treenode_id": treenodeID}, func() error {
		var tn *db.Treenode
		err := s.db.ExecuteWrite(ctx, func(tx *db.Session) error {
			var err error
			if tn, err = tx.GetTreenode(ctx, a.ProjectID, treenodeID); err != nil {
				return err
			}
			res.SkeletonID = tn.SkeletonID
			neuron, err := neuronOf(ctx, db.NewLookup(tx, a.ProjectID), tn.SkeletonID)
			if err != nil {
				return err
			}
			if err := authz.RequireEdit(ctx, s.authz, tx, a.Principal, neuron, authz.ClassInstance); err != nil {
				return err
			}
			if err := tx.LockSkeletons(ctx, tn.SkeletonID); err != nil {
				return err
			}
			ix, err := graph.LoadSkeleton(ctx, tx, tn.SkeletonID)
			if err != nil {
				return err
			}
			changes, err := graph.Reroot(ix, treenodeID)
			if errors.Is(err, graph.ErrAlreadyRoot) {
				res.AlreadyRoot = true
				return nil
			}
			if err != nil {
				return err
			}
			res.Changed = len(changes)
			return tx.UpdateParents(ctx, a.UserID, graph.ParentChanges(changes))
		})
		if err != nil || res.AlreadyRoot {
			return err
		}
		s.appendLog(ctx, a, "reroot_skeleton", location(tn), fmt.Sprintf(
			"Rerooted skeleton %d at treenode %d", tn.SkeletonID, treenodeID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
