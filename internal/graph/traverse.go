package graph

import (
	"fmt"
	"iter"
)

func (ix *Index) neighbors(id int64) []int64 {
	n := ix.nodes[id]
	if n.ParentID == nil {
		return n.Children
	}
	out := make([]int64, 0, len(n.Children)+1)
	out = append(out, *n.ParentID)
	return append(out, n.Children...)
}

// EdgeCounts returns a lazy breadth-first sequence of (node, hop distance)
// from origin. Edges are followed in both directions, so every node of the
// tree is reached exactly once.
func EdgeCounts(ix *Index, origin int64) (iter.Seq2[int64, int], error) {
	if !ix.Has(origin) {
		return nil, fmt.Errorf("distances from %d: %w", origin, ErrNodeNotFound)
	}
	return func(yield func(int64, int) bool) {
		dist := map[int64]int{origin: 0}
		queue := []int64{origin}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			d := dist[id]
			if !yield(id, d) {
				return
			}
			for _, nb := range ix.neighbors(id) {
				if _, seen := dist[nb]; !seen {
					dist[nb] = d + 1
					queue = append(queue, nb)
				}
			}
		}
	}, nil
}

// Distances collects EdgeCounts into a map.
func Distances(ix *Index, origin int64) (map[int64]int, error) {
	seq, err := EdgeCounts(ix, origin)
	if err != nil {
		return nil, err
	}
	dist := make(map[int64]int, ix.Len())
	for id, d := range seq {
		dist[id] = d
	}
	return dist, nil
}

// Subtree returns start and every node below it in the current orientation,
// in breadth-first order.
func Subtree(ix *Index, start int64) ([]int64, error) {
	if !ix.Has(start) {
		return nil, fmt.Errorf("subtree of %d: %w", start, ErrNodeNotFound)
	}
	out := []int64{start}
	for i := 0; i < len(out); i++ {
		out = append(out, ix.nodes[out[i]].Children...)
	}
	return out, nil
}
