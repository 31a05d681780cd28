package skeleton

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/sirupsen/logrus"

	"catmaid/arbor/internal/annotation"
	"catmaid/arbor/internal/authz"
	"catmaid/arbor/internal/db"
	"catmaid/arbor/internal/graph"
)

// JoinRequest attaches the skeleton of ToTreenodeID below FromTreenodeID.
// A nil Annotations map merges both neurons' annotations, with the from side
// winning on a name collision. An explicit map replaces them, and may only
// drop links the caller can edit.
type JoinRequest struct {
	FromTreenodeID int64 `validate:"required,min=1"`
	ToTreenodeID   int64 `validate:"required,min=1"`
	Annotations    map[string]int64
}

// JoinResult names the surviving and the deleted skeleton
type JoinResult struct {
	ResultSkeletonID  int64 `json:"result_skeleton_id"`
	DeletedSkeletonID int64 `json:"deleted_skeleton_id"`
	Moved             int64 `json:"moved"`
}

// Join merges two skeletons: the "to" skeleton is rerooted at the to node,
// which then becomes a child of the from node.
func (s *Service) Join(ctx context.Context, a Actor, req JoinRequest) (*JoinResult, error) {
	var res *JoinResult
	fields := logrus.Fields{"from_treenode_id": req.FromTreenodeID, "to_treenode_id": req.ToTreenodeID}
	err := s.run(a, "join", fields, func() error {
		if err := s.check(req); err != nil {
			return err
		}
		var at graph.Point
		err := s.db.ExecuteWrite(ctx, func(tx *db.Session) error {
			var err error
			res, at, err = s.join(ctx, db.NewLookup(tx, a.ProjectID), a, req)
			return err
		})
		if err != nil {
			return err
		}
		s.metrics.RecordReassigned("join", res.Moved)
		s.appendLog(ctx, a, "join_skeleton", at, fmt.Sprintf(
			"Joined skeleton %d into skeleton %d at treenodes %d and %d",
			res.DeletedSkeletonID, res.ResultSkeletonID, req.FromTreenodeID, req.ToTreenodeID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) join(ctx context.Context, lk *db.Lookup, a Actor, req JoinRequest) (*JoinResult, graph.Point, error) {
	tx := lk.Session()
	from, err := tx.GetTreenode(ctx, a.ProjectID, req.FromTreenodeID)
	if err != nil {
		return nil, graph.Point{}, err
	}
	at := location(from)
	to, err := tx.GetTreenode(ctx, a.ProjectID, req.ToTreenodeID)
	if err != nil {
		return nil, at, err
	}
	if from.SkeletonID == to.SkeletonID {
		return nil, at, fmt.Errorf("skeleton %d: %w", from.SkeletonID, ErrSameSkeletonJoin)
	}

	fromNeuron, err := neuronOf(ctx, lk, from.SkeletonID)
	if err != nil {
		return nil, at, err
	}
	toNeuron, err := neuronOf(ctx, lk, to.SkeletonID)
	if err != nil {
		return nil, at, err
	}
	for _, n := range []int64{fromNeuron, toNeuron} {
		if err := authz.RequireEdit(ctx, s.authz, tx, a.Principal, n, authz.ClassInstance); err != nil {
			return nil, at, err
		}
	}

	fromAnn, err := annotation.EntityAnnotations(ctx, lk, fromNeuron)
	if err != nil {
		return nil, at, err
	}
	toAnn, err := annotation.EntityAnnotations(ctx, lk, toNeuron)
	if err != nil {
		return nil, at, err
	}
	merged := req.Annotations
	if merged == nil {
		merged = annotation.NameMap(toAnn)
		maps.Copy(merged, annotation.NameMap(fromAnn))
	} else if err := s.checkDropped(ctx, tx, a, merged, fromAnn, toAnn); err != nil {
		return nil, at, err
	}

	if err := tx.LockSkeletons(ctx, from.SkeletonID, to.SkeletonID); err != nil {
		return nil, at, err
	}
	ix, err := graph.LoadSkeleton(ctx, tx, to.SkeletonID)
	if err != nil {
		return nil, at, err
	}
	changes, err := graph.Reroot(ix, to.ID)
	switch {
	case errors.Is(err, graph.ErrAlreadyRoot):
	case err != nil:
		return nil, at, err
	default:
		if err := tx.UpdateParents(ctx, a.UserID, graph.ParentChanges(changes)); err != nil {
			return nil, at, err
		}
	}

	moved, err := tx.MergeSkeleton(ctx, to.SkeletonID, from.SkeletonID)
	if err != nil {
		return nil, at, err
	}
	if err := tx.UpdateParents(ctx, a.UserID, []db.ParentChange{{NodeID: to.ID, ParentID: &from.ID}}); err != nil {
		return nil, at, err
	}
	if err := tx.DeleteClassInstance(ctx, to.SkeletonID); err != nil {
		return nil, at, err
	}

	if err := annotation.Replace(ctx, lk, a.UserID, fromNeuron, merged); err != nil {
		return nil, at, err
	}
	if _, err := deleteNeuronIfUnused(ctx, lk, toNeuron); err != nil {
		return nil, at, err
	}

	return &JoinResult{ResultSkeletonID: from.SkeletonID, DeletedSkeletonID: to.SkeletonID, Moved: moved}, at, nil
}

// checkDropped fails if an annotation link missing from keep is one the
// caller may not edit.
func (s *Service) checkDropped(ctx context.Context, tx *db.Session, a Actor, keep map[string]int64, sides ...[]annotation.Annotation) error {
	for _, side := range sides {
		for _, ann := range side {
			if _, ok := keep[ann.Name]; ok {
				continue
			}
			ok, err := s.authz.CanEdit(ctx, tx, a.Principal, ann.LinkID, authz.Link)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("annotation %q: %w", ann.Name, ErrAnnotationPermissionViolation)
			}
		}
	}
	return nil
}

// deleteNeuronIfUnused deletes a neuron no skeleton models any more, then
// its annotations if nothing else uses them.
func deleteNeuronIfUnused(ctx context.Context, lk *db.Lookup, neuronID int64) (bool, error) {
	tx := lk.Session()
	modelOf, err := lk.RelationID(ctx, db.RelModelOf)
	if err != nil {
		return false, err
	}
	n, err := tx.CountLinksTo(ctx, modelOf, neuronID)
	if err != nil || n > 0 {
		return false, err
	}
	anns, err := annotation.EntityAnnotations(ctx, lk, neuronID)
	if err != nil {
		return false, err
	}
	if err := tx.DeleteClassInstance(ctx, neuronID); err != nil {
		return false, err
	}
	ids := make([]int64, len(anns))
	for i, an := range anns {
		ids[i] = an.ID
	}
	if _, err := annotation.DeleteIfUnused(ctx, lk, ids...); err != nil {
		return true, err
	}
	return true, nil
}
