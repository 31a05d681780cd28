package skeleton

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"catmaid/arbor/internal/annotation"
	"catmaid/arbor/internal/authz"
	"catmaid/arbor/internal/db"
	"catmaid/arbor/internal/graph"
)

// CreateTreenodeRequest places a node. Without a parent the node is the root
// of a new skeleton modelling a new neuron.
type CreateTreenodeRequest struct {
	ParentID   *int64 `validate:"omitempty,min=1"`
	Location   graph.Point
	Radius     *float64 `validate:"omitempty,gte=0"`
	Confidence int      `validate:"omitempty,min=1,max=5"`
	NeuronName string   `validate:"max=255"`
}

// CreateTreenodeResult identifies the new node and its skeleton
type CreateTreenodeResult struct {
	TreenodeID int64 `json:"treenode_id"`
	SkeletonID int64 `json:"skeleton_id"`
	NeuronID   int64 `json:"neuron_id,omitempty"` // set when a skeleton was created
}

// CreateTreenode inserts one treenode.
func (s *Service) CreateTreenode(ctx context.Context, a Actor, req CreateTreenodeRequest) (*CreateTreenodeResult, error) {
	res := &CreateTreenodeResult{}
	err := s.run(a, "create_treenode", logrus.Fields{"parent_id": req.ParentID}, func() error {
		if err := s.check(req); err != nil {
			return err
		}
		err := s.db.ExecuteWrite(ctx, func(tx *db.Session) error {
			lk := db.NewLookup(tx, a.ProjectID)
			tn := &db.Treenode{
				ProjectID: a.ProjectID, UserID: a.UserID,
				X: req.Location.X, Y: req.Location.Y, Z: req.Location.Z,
				Confidence: req.Confidence, ParentID: req.ParentID,
			}
			if tn.Confidence == 0 {
				tn.Confidence = 5
			}
			if req.Radius != nil {
				tn.Radius = sql.NullFloat64{Float64: *req.Radius, Valid: true}
			}

			if req.ParentID != nil {
				parent, err := tx.GetTreenode(ctx, a.ProjectID, *req.ParentID)
				if err != nil {
					return err
				}
				if err := tx.LockSkeletons(ctx, parent.SkeletonID); err != nil {
					return err
				}
				tn.SkeletonID = parent.SkeletonID
			} else {
				var err error
				tn.SkeletonID, res.NeuronID, err = newSkeleton(ctx, lk, a.UserID, req.NeuronName)
				if err != nil {
					return err
				}
			}

			id, err := tx.InsertTreenode(ctx, tn)
			if err != nil {
				return err
			}
			res.TreenodeID, res.SkeletonID = id, tn.SkeletonID
			return nil
		})
		if err != nil {
			return err
		}
		if res.NeuronID != 0 {
			s.appendLog(ctx, a, "create_neuron", req.Location, fmt.Sprintf(
				"Created neuron %d with skeleton %d", res.NeuronID, res.SkeletonID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteTreenodeResult reports what a node deletion removed
type DeleteTreenodeResult struct {
	SkeletonID      int64 `json:"skeleton_id"`
	Reparented      int   `json:"reparented"`
	SkeletonDeleted bool  `json:"skeleton_deleted"`
	NeuronDeleted   bool  `json:"neuron_deleted"`
}

// DeleteTreenode removes a node. Children of a non-root node move to its
// parent. A root may only be deleted when it is the last node, which also
// deletes the skeleton and, once unused, its neuron.
func (s *Service) DeleteTreenode(ctx context.Context, a Actor, treenodeID int64) (*DeleteTreenodeResult, error) {
	res := &DeleteTreenodeResult{}
	err := s.run(a, "delete_treenode", logrus.Fields{"treenode_id": treenodeID}, func() error {
		var tn *db.Treenode
		err := s.db.ExecuteWrite(ctx, func(tx *db.Session) error {
			var err error
			if tn, err = tx.GetTreenode(ctx, a.ProjectID, treenodeID); err != nil {
				return err
			}
			res.SkeletonID = tn.SkeletonID
			if err := authz.RequireEdit(ctx, s.authz, tx, a.Principal, tn.ID, authz.Treenode); err != nil {
				return err
			}
			if err := tx.LockSkeletons(ctx, tn.SkeletonID); err != nil {
				return err
			}
			children, err := tx.ChildIDs(ctx, tn.ID)
			if err != nil {
				return err
			}

			if tn.ParentID != nil {
				if err := tx.ReparentChildren(ctx, a.UserID, tn.ID, tn.ParentID); err != nil {
					return err
				}
				res.Reparented = len(children)
				return tx.DeleteTreenode(ctx, tn.ID)
			}

			if len(children) > 0 {
				return fmt.Errorf("treenode %d: %w", tn.ID, ErrHasChildren)
			}
			lk := db.NewLookup(tx, a.ProjectID)
			neuron, err := neuronOf(ctx, lk, tn.SkeletonID)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				return err
			}
			if err := tx.DeleteTreenode(ctx, tn.ID); err != nil {
				return err
			}
			if err := tx.DeleteClassInstance(ctx, tn.SkeletonID); err != nil {
				return err
			}
			res.SkeletonDeleted = true
			if neuron != 0 {
				res.NeuronDeleted, err = deleteNeuronIfUnused(ctx, lk, neuron)
			}
			return err
		})
		if err != nil {
			return err
		}
		op := "delete_treenode"
		if res.NeuronDeleted {
			op = "delete_neuron"
		}
		s.appendLog(ctx, a, op, location(tn), fmt.Sprintf("Deleted treenode %d of skeleton %d", tn.ID, tn.SkeletonID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Tag attaches labels to a treenode, creating label instances on first use.
// It returns the label ids in input order.
func (s *Service) Tag(ctx context.Context, a Actor, treenodeID int64, labels []string) ([]int64, error) {
	var ids []int64
	err := s.run(a, "tag", logrus.Fields{"treenode_id": treenodeID}, func() error {
		if len(labels) == 0 {
			return fmt.Errorf("%w: no labels", ErrInvalidRequest)
		}
		return s.db.ExecuteWrite(ctx, func(tx *db.Session) error {
			lk := db.NewLookup(tx, a.ProjectID)
			if _, err := tx.GetTreenode(ctx, a.ProjectID, treenodeID); err != nil {
				return err
			}
			labelCls, err := lk.ClassID(ctx, db.ClassLabel)
			if err != nil {
				return err
			}
			labeledAs, err := lk.RelationID(ctx, db.RelLabeledAs)
			if err != nil {
				return err
			}
			for _, name := range labels {
				var id int64
				ci, err := tx.FindClassInstance(ctx, a.ProjectID, labelCls, name)
				switch {
				case err == nil:
					id = ci.ID
				case errors.Is(err, db.ErrNotFound):
					if id, err = tx.CreateClassInstance(ctx, a.ProjectID, a.UserID, labelCls, name); err != nil {
						return err
					}
				default:
					return err
				}
				if _, err := tx.TagTreenode(ctx, a.ProjectID, a.UserID, labeledAs, treenodeID, id); err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// LinkConnectorRequest links a treenode to a connector. A zero ConnectorID
// creates a connector at Location.
type LinkConnectorRequest struct {
	TreenodeID  int64       `validate:"required,min=1"`
	ConnectorID int64       `validate:"min=0"`
	Relation    db.Relation `validate:"required,oneof=presynaptic_to postsynaptic_to gapjunction_with"`
	Confidence  int         `validate:"omitempty,min=1,max=5"`
	Location    graph.Point
}

// LinkConnectorResult identifies the connector and the new link
type LinkConnectorResult struct {
	ConnectorID int64 `json:"connector_id"`
	LinkID      int64 `json:"link_id"`
}

// LinkConnector creates a treenode_connector row.
func (s *Service) LinkConnector(ctx context.Context, a Actor, req LinkConnectorRequest) (*LinkConnectorResult, error) {
	res := &LinkConnectorResult{ConnectorID: req.ConnectorID}
	err := s.run(a, "link_connector", logrus.Fields{"treenode_id": req.TreenodeID, "relation": req.Relation}, func() error {
		if err := s.check(req); err != nil {
			return err
		}
		conf := req.Confidence
		if conf == 0 {
			conf = 5
		}
		return s.db.ExecuteWrite(ctx, func(tx *db.Session) error {
			lk := db.NewLookup(tx, a.ProjectID)
			tn, err := tx.GetTreenode(ctx, a.ProjectID, req.TreenodeID)
			if err != nil {
				return err
			}
			if err := tx.LockSkeletons(ctx, tn.SkeletonID); err != nil {
				return err
			}
			rel, err := lk.RelationID(ctx, req.Relation)
			if err != nil {
				return err
			}
			if res.ConnectorID == 0 {
				res.ConnectorID, err = tx.InsertConnector(ctx, &db.Connector{
					ProjectID: a.ProjectID, UserID: a.UserID,
					X: req.Location.X, Y: req.Location.Y, Z: req.Location.Z, Confidence: 5,
				})
				if err != nil {
					return err
				}
			}
			res.LinkID, err = tx.LinkTreenodeConnector(ctx, &db.TreenodeConnector{
				ProjectID: a.ProjectID, UserID: a.UserID, RelationID: rel,
				TreenodeID: req.TreenodeID, ConnectorID: res.ConnectorID, Confidence: conf,
			})
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Annotate links entities to annotations (name -> annotator) and logs the
// annotations that were created.
func (s *Service) Annotate(ctx context.Context, a Actor, entityIDs []int64, annotations map[string]int64) (*annotation.AnnotateResult, error) {
	var res *annotation.AnnotateResult
	err := s.run(a, "annotate", logrus.Fields{"entities": len(entityIDs)}, func() error {
		if len(entityIDs) == 0 || len(annotations) == 0 {
			return fmt.Errorf("%w: entities and annotations are required", ErrInvalidRequest)
		}
		err := s.db.ExecuteWrite(ctx, func(tx *db.Session) error {
			var err error
			res, err = annotation.Annotate(ctx, db.NewLookup(tx, a.ProjectID), a.UserID, entityIDs, annotations)
			return err
		})
		if err != nil {
			return err
		}
		if len(res.New) > 0 {
			s.appendLog(ctx, a, "annotate_entities", graph.Point{}, fmt.Sprintf("Created annotations %v", res.New))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RemoveAnnotations unlinks annotations from entities. Links the actor may
// not edit are skipped: the outcomes are returned together with an error
// aggregating those denials, and every permitted removal is committed.
func (s *Service) RemoveAnnotations(ctx context.Context, a Actor, entityIDs, annotationIDs []int64) ([]annotation.RemoveOutcome, error) {
	var outcomes []annotation.RemoveOutcome
	var denied error
	err := s.run(a, "remove_annotations", logrus.Fields{"entities": len(entityIDs)}, func() error {
		return s.db.ExecuteWrite(ctx, func(tx *db.Session) error {
			var err error
			outcomes, err = annotation.Remove(ctx, db.NewLookup(tx, a.ProjectID), s.authz, a.Principal, entityIDs, annotationIDs)
			if errors.Is(err, authz.ErrPermissionDenied) && outcomes != nil {
				denied = err
				return nil
			}
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if denied != nil {
		s.log.WithError(denied).WithField("op", "remove_annotations").Warn("some annotations were not removed")
	}
	return outcomes, denied
}
