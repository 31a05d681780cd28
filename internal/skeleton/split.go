package skeleton

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"catmaid/arbor/internal/annotation"
	"catmaid/arbor/internal/authz"
	"catmaid/arbor/internal/db"
	"catmaid/arbor/internal/graph"
)

// SplitRequest splits the skeleton of TreenodeID above that node. The
// annotation maps (name -> annotator) become the exact annotation sets of
// the upstream and downstream neurons; one of them must contain every
// current annotation.
type SplitRequest struct {
	TreenodeID int64 `validate:"required,min=1"`
	Upstream   map[string]int64
	Downstream map[string]int64
}

// SplitResult names the two skeletons after a split
type SplitResult struct {
	NewSkeletonID      int64 `json:"new_skeleton_id"`
	ExistingSkeletonID int64 `json:"existing_skeleton_id"`
	Moved              int64 `json:"moved"`
}

// Split detaches the subtree rooted at req.TreenodeID into a new skeleton
// modelling a new neuron.
func (s *Service) Split(ctx context.Context, a Actor, req SplitRequest) (*SplitResult, error) {
	var res *SplitResult
	err := s.run(a, "split", logrus.Fields{"treenode_id": req.TreenodeID}, func() error {
		if err := s.check(req); err != nil {
			return err
		}
		var at graph.Point
		err := s.db.ExecuteWrite(ctx, func(tx *db.Session) error {
			var err error
			res, at, err = s.split(ctx, db.NewLookup(tx, a.ProjectID), a, req)
			return err
		})
		if err != nil {
			return err
		}
		s.metrics.RecordReassigned("split", res.Moved)
		s.appendLog(ctx, a, "split_skeleton", at, fmt.Sprintf(
			"Split skeleton %d at treenode %d, new skeleton %d",
			res.ExistingSkeletonID, req.TreenodeID, res.NewSkeletonID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) split(ctx context.Context, lk *db.Lookup, a Actor, req SplitRequest) (*SplitResult, graph.Point, error) {
	tx := lk.Session()
	tn, err := tx.GetTreenode(ctx, a.ProjectID, req.TreenodeID)
	if err != nil {
		return nil, graph.Point{}, err
	}
	at := location(tn)
	if tn.ParentID == nil {
		return nil, at, fmt.Errorf("treenode %d: %w", tn.ID, ErrInvalidSplitPoint)
	}

	neuron, err := neuronOf(ctx, lk, tn.SkeletonID)
	if err != nil {
		return nil, at, err
	}
	if err := authz.RequireEdit(ctx, s.authz, tx, a.Principal, neuron, authz.ClassInstance); err != nil {
		return nil, at, err
	}

	current, err := annotation.EntityAnnotations(ctx, lk, neuron)
	if err != nil {
		return nil, at, err
	}
	if !containsAll(req.Upstream, current) && !containsAll(req.Downstream, current) {
		return nil, at, fmt.Errorf("skeleton %d: %w", tn.SkeletonID, ErrInvalidAnnotationDistribution)
	}

	if err := tx.LockSkeletons(ctx, tn.SkeletonID); err != nil {
		return nil, at, err
	}
	ix, err := graph.LoadSkeleton(ctx, tx, tn.SkeletonID)
	if err != nil {
		return nil, at, err
	}
	downstream, err := graph.Subtree(ix, tn.ID)
	if err != nil {
		return nil, at, err
	}

	newSkel, newNeuron, err := newSkeleton(ctx, lk, a.UserID, "")
	if err != nil {
		return nil, at, err
	}
	moved, err := tx.ReassignTreenodes(ctx, downstream, newSkel)
	if err != nil {
		return nil, at, err
	}
	if err := tx.UpdateParents(ctx, a.UserID, []db.ParentChange{{NodeID: tn.ID}}); err != nil {
		return nil, at, err
	}

	dropped, err := annotation.Relink(ctx, lk, a.UserID, neuron, req.Upstream)
	if err != nil {
		return nil, at, err
	}
	if _, err := annotation.Relink(ctx, lk, a.UserID, newNeuron, req.Downstream); err != nil {
		return nil, at, err
	}
	if _, err := annotation.DeleteIfUnused(ctx, lk, dropped...); err != nil {
		return nil, at, err
	}

	return &SplitResult{NewSkeletonID: newSkel, ExistingSkeletonID: tn.SkeletonID, Moved: moved}, at, nil
}

func containsAll(set map[string]int64, current []annotation.Annotation) bool {
	for _, c := range current {
		if _, ok := set[c.Name]; !ok {
			return false
		}
	}
	return true
}
