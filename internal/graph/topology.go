package graph

import (
	"math"
	"slices"
)

// DegreeBucket is one bucket in the degree histogram
type DegreeBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Stats summarises the shape of one skeleton
type Stats struct {
	Root            int64          `json:"root"`
	TotalNodes      int            `json:"total_nodes"`
	BranchPoints    int            `json:"branch_points"`
	EndNodes        int            `json:"end_nodes"`
	MaxDepth        int            `json:"max_depth"`
	CableLength     float64        `json:"cable_length"`
	DegreeHistogram []DegreeBucket `json:"degree_histogram"`
	DeepestNodes    []int64        `json:"deepest_nodes,omitempty"`
}

// ComputeStats analyzes tree topology: branch and end points, depth, cable
// length and degree distribution. The topN deepest nodes are listed.
func ComputeStats(ix *Index, topN int) *Stats {
	st := &Stats{Root: ix.root, TotalNodes: ix.Len(), DegreeHistogram: defaultHistogram()}

	buckets := [5]int{}
	for _, n := range ix.nodes {
		deg := ix.Degree(n.ID)
		buckets[degreeBucket(deg)]++
		switch {
		case deg >= 3:
			st.BranchPoints++
		case deg <= 1:
			st.EndNodes++
		}
		if n.ParentID != nil {
			st.CableLength += distance(n.Location, ix.nodes[*n.ParentID].Location)
		}
	}
	for i := range st.DegreeHistogram {
		st.DegreeHistogram[i].Count = buckets[i]
	}

	depth := map[int64]int{ix.root: 0}
	order := []int64{ix.root}
	for i := 0; i < len(order); i++ {
		for _, c := range ix.nodes[order[i]].Children {
			depth[c] = depth[order[i]] + 1
			order = append(order, c)
		}
	}
	for _, d := range depth {
		st.MaxDepth = max(st.MaxDepth, d)
	}

	ids := ix.IDs()
	slices.SortStableFunc(ids, func(a, b int64) int { return depth[b] - depth[a] })
	if len(ids) > topN {
		ids = ids[:topN]
	}
	if topN > 0 {
		st.DeepestNodes = ids
	}
	return st
}

func distance(a, b Point) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func defaultHistogram() []DegreeBucket {
	return []DegreeBucket{
		{Label: "0"}, {Label: "1"}, {Label: "2"}, {Label: "3"}, {Label: "4+"},
	}
}

func degreeBucket(degree int) int {
	if degree >= 4 {
		return 4
	}
	return degree
}
