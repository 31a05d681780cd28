package graph

import (
	"cmp"
	"regexp"
	"slices"
)

// EndTagPattern matches labels that mark a leaf as intentionally finished.
var EndTagPattern = regexp.MustCompile(`(?i)uncertain continuation|not a branch|soma|^(really|uncertain|anterior|posterior)?\s?ends?$`)

// Leaf is a node reported by FindOpenLeaves or FindLabeledNodes
type Leaf struct {
	ID        int64    `json:"id"`
	Location  Point    `json:"location"`
	Distance  int      `json:"distance"`
	CreatedAt int64    `json:"created_at"`
	Tags      []string `json:"tags,omitempty"`
}

// FindOpenLeaves returns the leaves of the tree, seen from origin, that carry
// no label matching endTags (EndTagPattern when nil). Distances are hop counts
// from origin. Results are ordered by distance, then id.
//
// A node other than origin is a leaf when it has at most one neighbour. The
// origin itself counts only when it is the sole node, or when it has exactly
// one neighbour and is not the stored root.
func FindOpenLeaves(ix *Index, origin int64, tags map[int64][]string, endTags *regexp.Regexp) ([]Leaf, error) {
	if endTags == nil {
		endTags = EndTagPattern
	}
	seq, err := EdgeCounts(ix, origin)
	if err != nil {
		return nil, err
	}

	var out []Leaf
	for id, d := range seq {
		deg := ix.Degree(id)
		var leaf bool
		if id == origin {
			leaf = deg == 0 || (deg == 1 && id != ix.root)
		} else {
			leaf = deg <= 1
		}
		if !leaf || slices.ContainsFunc(tags[id], endTags.MatchString) {
			continue
		}
		n := ix.nodes[id]
		out = append(out, Leaf{ID: id, Location: n.Location, Distance: d, CreatedAt: n.CreatedAt})
	}
	sortLeaves(out)
	return out, nil
}

// FindLabeledNodes returns every node, origin included, carrying at least one
// label matching pattern, with the matching labels attached. Results are
// ordered by distance from origin, then id.
func FindLabeledNodes(ix *Index, origin int64, tags map[int64][]string, pattern *regexp.Regexp) ([]Leaf, error) {
	if pattern == nil {
		return nil, ErrNoPattern
	}
	seq, err := EdgeCounts(ix, origin)
	if err != nil {
		return nil, err
	}

	var out []Leaf
	for id, d := range seq {
		var matched []string
		for _, t := range tags[id] {
			if pattern.MatchString(t) {
				matched = append(matched, t)
			}
		}
		if len(matched) == 0 {
			continue
		}
		slices.Sort(matched)
		n := ix.nodes[id]
		out = append(out, Leaf{ID: id, Location: n.Location, Distance: d, CreatedAt: n.CreatedAt, Tags: matched})
	}
	sortLeaves(out)
	return out, nil
}

func sortLeaves(ls []Leaf) {
	slices.SortFunc(ls, func(a, b Leaf) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
