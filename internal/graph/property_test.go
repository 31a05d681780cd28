package graph

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// randomTree turns a slice of seeds into a tree of len(seeds)+1 nodes: node
// i+2 hangs off one of the nodes created before it.
func randomTree(seeds []uint16) []Row {
	rows := []Row{{ID: 1}}
	for i, s := range seeds {
		id := int64(i + 2)
		parent := int64(int(s)%(i+1)) + 1
		rows = append(rows, Row{ID: id, ParentID: ptr(parent)})
	}
	return rows
}

func pick(ix *Index, n uint16) int64 {
	return int64(int(n)%ix.Len()) + 1
}

func TestTreeProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("random trees build", prop.ForAll(
		func(seeds []uint16) bool {
			ix, err := Build(randomTree(seeds))
			return err == nil && ix.Len() == len(seeds)+1 && ix.Root() == 1
		},
		gen.SliceOf(gen.UInt16()),
	))

	properties.Property("reroot then reroot back restores parents", prop.ForAll(
		func(seeds []uint16, n uint16) bool {
			ix, err := Build(randomTree(seeds))
			if err != nil {
				return false
			}
			before := ix.ParentMap()
			target := pick(ix, n)
			if _, err := Reroot(ix, target); err != nil {
				return target == 1
			}
			if _, err := Reroot(ix, 1); err != nil {
				return false
			}
			for id, p := range ix.ParentMap() {
				if !samePtr(p, before[id]) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt16()),
		gen.UInt16(),
	))

	properties.Property("rerooted rows still form a tree", prop.ForAll(
		func(seeds []uint16, n uint16) bool {
			ix, _ := Build(randomTree(seeds))
			target := pick(ix, n)
			Reroot(ix, target)
			rebuilt, err := Build(ix.Rows())
			return err == nil && rebuilt.Root() == target
		},
		gen.SliceOf(gen.UInt16()),
		gen.UInt16(),
	))

	properties.Property("distances from root match depth", prop.ForAll(
		func(seeds []uint16) bool {
			ix, _ := Build(randomTree(seeds))
			d, err := Distances(ix, ix.Root())
			if err != nil || len(d) != ix.Len() {
				return false
			}
			for id, dist := range d {
				path, _ := ix.PathToRoot(id)
				if len(path)-1 != dist {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt16()),
	))

	properties.Property("subtree and its complement partition the tree", prop.ForAll(
		func(seeds []uint16, n uint16) bool {
			ix, _ := Build(randomTree(seeds))
			start := pick(ix, n)
			sub, err := Subtree(ix, start)
			if err != nil {
				return false
			}
			in := make(map[int64]bool, len(sub))
			for _, id := range sub {
				if in[id] {
					return false
				}
				in[id] = true
			}
			// every node outside the subtree reaches the root without entering it
			for _, id := range ix.IDs() {
				if in[id] {
					continue
				}
				path, _ := ix.PathToRoot(id)
				for _, a := range path {
					if in[a] {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt16()),
		gen.UInt16(),
	))

	properties.Property("open leaves have degree at most one", prop.ForAll(
		func(seeds []uint16, n uint16) bool {
			ix, _ := Build(randomTree(seeds))
			origin := pick(ix, n)
			leaves, err := FindOpenLeaves(ix, origin, nil, nil)
			if err != nil || len(leaves) == 0 {
				return false
			}
			for _, l := range leaves {
				if ix.Degree(l.ID) > 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt16()),
		gen.UInt16(),
	))

	properties.TestingRun(t)
}
