// Package connectivity aggregates synapses between skeletons.
package connectivity

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"catmaid/arbor/internal/db"
)

// Direction selects which side of a synapse the queried skeletons are on.
type Direction int

const (
	// Downstream partners receive synapses from the queried skeletons.
	Downstream Direction = iota
	// Upstream partners make synapses onto the queried skeletons.
	Upstream
)

func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// Op combines the partner sets of several queried skeletons.
type Op int

const (
	Or Op = iota
	And
)

// Buckets is the number of confidence levels.
const Buckets = 5

// Histogram counts synapses by confidence; index i holds confidence i+1.
type Histogram [Buckets]int

// Sum returns the total count
func (h Histogram) Sum() int {
	n := 0
	for _, c := range h {
		n += c
	}
	return n
}

// Partner is one skeleton connected to the queried set
type Partner struct {
	SkeletonID int64               `json:"skeleton_id"`
	Sources    map[int64]Histogram `json:"skids"` // per queried skeleton
	Total      Histogram           `json:"total"`
	NumNodes   int                 `json:"num_nodes"`
	Reviewers  []int64             `json:"reviewers"`
}

func bucket(confidence int) int {
	return min(max(confidence, 1), Buckets) - 1
}

// ConnectedSkeletons returns the partners of skeletonIDs in direction d,
// keyed by partner skeleton id. Each synapse adds one to the bucket of the
// lower of its two link confidences. With And and more than one queried
// skeleton, only partners connected to every queried skeleton are kept.
func ConnectedSkeletons(ctx context.Context, lk *db.Lookup, skeletonIDs []int64, d Direction, op Op) (map[int64]*Partner, error) {
	s := lk.Session()
	pre, err := lk.RelationID(ctx, db.RelPresynapticTo)
	if err != nil {
		return nil, err
	}
	post, err := lk.RelationID(ctx, db.RelPostsynapticTo)
	if err != nil {
		return nil, err
	}
	relSource, relPartner := pre, post
	if d == Upstream {
		relSource, relPartner = post, pre
	}

	edges, err := s.SynapseEdges(ctx, lk.ProjectID(), skeletonIDs, relSource, relPartner)
	if err != nil {
		return nil, fmt.Errorf("%s partners: %w", d, err)
	}

	partners := make(map[int64]*Partner)
	for _, e := range edges {
		p, ok := partners[e.PartnerID]
		if !ok {
			p = &Partner{SkeletonID: e.PartnerID, Sources: make(map[int64]Histogram)}
			partners[e.PartnerID] = p
		}
		b := bucket(e.Confidence)
		h := p.Sources[e.SourceID]
		h[b]++
		p.Sources[e.SourceID] = h
		p.Total[b]++
	}

	queried := slices.Compact(slices.Sorted(slices.Values(skeletonIDs)))
	if op == And && len(queried) > 1 {
		for id, p := range partners {
			if len(p.Sources) != len(queried) {
				delete(partners, id)
			}
		}
	}
	if len(partners) == 0 {
		return partners, nil
	}

	ids := make([]int64, 0, len(partners))
	for id := range partners {
		ids = append(ids, id)
	}
	counts, err := s.CountTreenodes(ctx, ids)
	if err != nil {
		return nil, err
	}
	reviewers, err := s.Reviewers(ctx, ids)
	if err != nil {
		return nil, err
	}
	for id, p := range partners {
		p.NumNodes = counts[id]
		p.Reviewers = reviewers[id]
	}
	return partners, nil
}

// Result holds both directions for one query
type Result struct {
	Incoming map[int64]*Partner `json:"incoming"`
	Outgoing map[int64]*Partner `json:"outgoing"`
}

// Connectivity computes upstream and downstream partners concurrently, each
// in its own read session.
func Connectivity(ctx context.Context, d *db.DB, projectID int64, skeletonIDs []int64, upstreamOp, downstreamOp Op) (*Result, error) {
	res := &Result{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.ExecuteRead(gctx, func(s *db.Session) error {
			var err error
			res.Incoming, err = ConnectedSkeletons(gctx, db.NewLookup(s, projectID), skeletonIDs, Upstream, upstreamOp)
			return err
		})
	})
	g.Go(func() error {
		return d.ExecuteRead(gctx, func(s *db.Session) error {
			var err error
			res.Outgoing, err = ConnectedSkeletons(gctx, db.NewLookup(s, projectID), skeletonIDs, Downstream, downstreamOp)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// Matrix counts synapses from each row skeleton onto each column skeleton.
// Pairs without synapses have no entry.
func Matrix(ctx context.Context, lk *db.Lookup, rows, cols []int64) (map[int64]map[int64]int, error) {
	pre, err := lk.RelationID(ctx, db.RelPresynapticTo)
	if err != nil {
		return nil, err
	}
	post, err := lk.RelationID(ctx, db.RelPostsynapticTo)
	if err != nil {
		return nil, err
	}
	counts, err := lk.Session().SynapseCounts(ctx, lk.ProjectID(), rows, cols, pre, post)
	if err != nil {
		return nil, err
	}
	m := make(map[int64]map[int64]int)
	for _, c := range counts {
		if c.N == 0 {
			continue
		}
		if m[c.SourceID] == nil {
			m[c.SourceID] = make(map[int64]int)
		}
		m[c.SourceID][c.TargetID] = c.N
	}
	return m, nil
}
