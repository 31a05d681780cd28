package graph

import (
	"cmp"
	"slices"
)

// UnionFind implements union-find with path compression and union by rank
type UnionFind struct {
	parent map[int64]int64
	rank   map[int64]int
}

// NewUnionFind creates a new UnionFind where each element is its own component
func NewUnionFind(ids []int64) *UnionFind {
	uf := &UnionFind{
		parent: make(map[int64]int64, len(ids)),
		rank:   make(map[int64]int, len(ids)),
	}
	for _, id := range ids {
		uf.parent[id] = id
	}
	return uf
}

// Find returns the root of the component containing id, with path compression
func (uf *UnionFind) Find(id int64) int64 {
	root := id
	for {
		p, ok := uf.parent[root]
		if !ok || p == root {
			break
		}
		root = p
	}
	for id != root {
		next := uf.parent[id]
		uf.parent[id] = root
		id = next
	}
	return root
}

// Union merges the components containing a and b. Returns true if they were separate.
func (uf *UnionFind) Union(a, b int64) bool {
	rootA := uf.Find(a)
	rootB := uf.Find(b)
	if rootA == rootB {
		return false
	}

	rankA, rankB := uf.rank[rootA], uf.rank[rootB]

	switch {
	case rankA < rankB:
		uf.parent[rootA] = rootB
	case rankA > rankB:
		uf.parent[rootB] = rootA
	default:
		uf.parent[rootB] = rootA
		uf.rank[rootA]++
	}
	return true
}

// Components returns all connected components as sorted slices of IDs,
// largest first.
func (uf *UnionFind) Components() [][]int64 {
	groups := make(map[int64][]int64)
	for id := range uf.parent {
		root := uf.Find(id)
		groups[root] = append(groups[root], id)
	}
	result := make([][]int64, 0, len(groups))
	for _, members := range groups {
		slices.Sort(members)
		result = append(result, members)
	}
	slices.SortFunc(result, func(a, b []int64) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return cmp.Compare(a[0], b[0])
	})
	return result
}

// Components groups rows into connected fragments by their parent links,
// ignoring links to ids outside the set. A valid skeleton has exactly one.
func Components(rows []Row) [][]int64 {
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	uf := NewUnionFind(ids)
	for _, r := range rows {
		if r.ParentID == nil {
			continue
		}
		if _, ok := uf.parent[*r.ParentID]; ok {
			uf.Union(r.ID, *r.ParentID)
		}
	}
	return uf.Components()
}
