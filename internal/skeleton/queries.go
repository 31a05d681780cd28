package skeleton

import (
	"context"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"

	"catmaid/arbor/internal/db"
	"catmaid/arbor/internal/graph"
)

// OpenLeaves lists the unfinished ends of the skeleton containing
// treenodeID, nearest to that node first. A nil endTags uses
// graph.EndTagPattern.
func (s *Service) OpenLeaves(ctx context.Context, a Actor, treenodeID int64, endTags *regexp.Regexp) ([]graph.Leaf, error) {
	var leaves []graph.Leaf
	err := s.run(a, "open_leaves", logrus.Fields{"treenode_id": treenodeID}, func() error {
		return s.db.ExecuteRead(ctx, func(rs *db.Session) error {
			ix, tags, err := s.loadTagged(ctx, rs, a.ProjectID, treenodeID)
			if err != nil {
				return err
			}
			leaves, err = graph.FindOpenLeaves(ix, treenodeID, tags, endTags)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return leaves, nil
}

// LabeledNodes lists nodes of the skeleton containing treenodeID that carry
// a label matching pattern, nearest first.
func (s *Service) LabeledNodes(ctx context.Context, a Actor, treenodeID int64, pattern *regexp.Regexp) ([]graph.Leaf, error) {
	var nodes []graph.Leaf
	fields := logrus.Fields{"treenode_id": treenodeID}
	if pattern != nil {
		fields["pattern"] = pattern.String()
	}
	err := s.run(a, "labeled_nodes", fields, func() error {
		if pattern == nil {
			return fmt.Errorf("%w: a label pattern is required", ErrInvalidRequest)
		}
		return s.db.ExecuteRead(ctx, func(rs *db.Session) error {
			ix, tags, err := s.loadTagged(ctx, rs, a.ProjectID, treenodeID)
			if err != nil {
				return err
			}
			nodes, err = graph.FindLabeledNodes(ix, treenodeID, tags, pattern)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *Service) loadTagged(ctx context.Context, rs *db.Session, projectID, treenodeID int64) (*graph.Index, map[int64][]string, error) {
	tn, err := rs.GetTreenode(ctx, projectID, treenodeID)
	if err != nil {
		return nil, nil, err
	}
	ix, err := graph.LoadSkeleton(ctx, rs, tn.SkeletonID)
	if err != nil {
		return nil, nil, err
	}
	labeledAs, err := db.NewLookup(rs, projectID).RelationID(ctx, db.RelLabeledAs)
	if err != nil {
		return nil, nil, err
	}
	tags, err := rs.TreenodeTags(ctx, tn.SkeletonID, labeledAs)
	if err != nil {
		return nil, nil, err
	}
	return ix, tags, nil
}

// Check loads a skeleton, verifying it is a single rooted tree, and
// summarises its shape. Corrupt storage surfaces as
// graph.ErrInvariantViolation.
func (s *Service) Check(ctx context.Context, a Actor, skeletonID int64, topN int) (*graph.Stats, error) {
	var st *graph.Stats
	err := s.run(a, "check", logrus.Fields{"skeleton_id": skeletonID}, func() error {
		return s.db.ExecuteRead(ctx, func(rs *db.Session) error {
			ix, err := graph.LoadSkeleton(ctx, rs, skeletonID)
			if err != nil {
				return err
			}
			st = graph.ComputeStats(ix, topN)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Ancestor is one step of a skeleton's containment chain
type Ancestor struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Class    string `json:"class"`
	Relation string `json:"relation,omitempty"` // relation to the previous entry
}

// Ancestry returns the skeleton, the neuron it models and the chain of
// part_of containers above that neuron, innermost first.
func (s *Service) Ancestry(ctx context.Context, a Actor, skeletonID int64) ([]Ancestor, error) {
	var chain []Ancestor
	err := s.run(a, "ancestry", logrus.Fields{"skeleton_id": skeletonID}, func() error {
		return s.db.ExecuteRead(ctx, func(rs *db.Session) error {
			lk := db.NewLookup(rs, a.ProjectID)
			partOf, err := lk.RelationID(ctx, db.RelPartOf)
			if err != nil {
				return err
			}
			add := func(id int64, rel db.Relation) error {
				ci, err := rs.GetClassInstance(ctx, id)
				if err != nil {
					return err
				}
				cls, err := lk.ClassByID(ctx, ci.ClassID)
				if err != nil {
					return err
				}
				chain = append(chain, Ancestor{ID: ci.ID, Name: ci.Name, Class: cls.Name(), Relation: string(rel)})
				return nil
			}

			if err := add(skeletonID, ""); err != nil {
				return err
			}
			if chain[0].Class != db.ClassSkeleton.Name() {
				return fmt.Errorf("%w: %d is a %s, not a skeleton", ErrInvalidRequest, skeletonID, chain[0].Class)
			}
			cur, err := neuronOf(ctx, lk, skeletonID)
			if err != nil {
				return err
			}
			if err := add(cur, db.RelModelOf); err != nil {
				return err
			}
			seen := map[int64]bool{skeletonID: true, cur: true}
			for {
				links, err := rs.LinksFrom(ctx, partOf, cur)
				if err != nil {
					return err
				}
				if len(links) == 0 || seen[links[0].B] {
					return nil
				}
				cur = links[0].B
				seen[cur] = true
				if err := add(cur, db.RelPartOf); err != nil {
					return err
				}
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}
