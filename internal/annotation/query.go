package annotation

import (
	"context"
	"maps"
	"regexp"
	"slices"
	"time"

	"catmaid/arbor/internal/db"
)

// SubAnnotationIDs returns, for each query set, every annotation reachable
// by following annotated_with links downward from the set's members: the
// annotations annotated with a member, those annotated with them, and so
// on. Query ids appear in the result only if reachable from another member.
// Each node is expanded once, so cycles terminate.
func SubAnnotationIDs(ctx context.Context, lk *db.Lookup, sets [][]int64) ([][]int64, error) {
	children, err := annotationChildren(ctx, lk)
	if err != nil {
		return nil, err
	}
	out := make([][]int64, len(sets))
	for i, set := range sets {
		out[i] = closure(children, set)
	}
	return out, nil
}

// annotationChildren maps each annotation to the annotations annotated with it.
func annotationChildren(ctx context.Context, lk *db.Lookup) (map[int64][]int64, error) {
	rel, err := lk.RelationID(ctx, db.RelAnnotatedWith)
	if err != nil {
		return nil, err
	}
	annCls, err := lk.ClassID(ctx, db.ClassAnnotation)
	if err != nil {
		return nil, err
	}
	links, err := lk.Session().ClassLinks(ctx, lk.ProjectID(), rel, annCls)
	if err != nil {
		return nil, err
	}
	children := make(map[int64][]int64)
	for _, l := range links {
		children[l.B] = append(children[l.B], l.A)
	}
	return children, nil
}

func closure(children map[int64][]int64, set []int64) []int64 {
	added := make(map[int64]bool)
	work := slices.Clone(set)
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		for _, c := range children[id] {
			if !added[c] {
				added[c] = true
				work = append(work, c)
			}
		}
	}
	return slices.Sorted(maps.Keys(added))
}

// Filter selects entities for Entities. Positive sets are combined with AND,
// the ids within one set with OR.
type Filter struct {
	// Classes restricts results; empty means neurons and annotations.
	Classes []db.Class
	// Name keeps entities whose name matches.
	Name *regexp.Regexp
	// AnnotatedWith sets must each be matched by at least one link.
	AnnotatedWith [][]int64
	// NotAnnotatedWith sets must not be matched by any link.
	NotAnnotatedWith [][]int64
	// Expand lists annotation ids whose sub-annotations also count wherever
	// the id appears in a set.
	Expand []int64
	// AnnotatedBy restricts matching links to these annotators.
	AnnotatedBy []int64
	// From and To bound link creation time; zero is open.
	From, To time.Time
}

// Entity is one result of Entities
type Entity struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Class       string  `json:"type"`
	SkeletonIDs []int64 `json:"skeleton_ids,omitempty"`
}

// Entities returns the class instances satisfying f, ordered by id. Neurons
// carry the skeletons that model them.
func Entities(ctx context.Context, lk *db.Lookup, f Filter) ([]Entity, error) {
	s := lk.Session()
	rel, err := lk.RelationID(ctx, db.RelAnnotatedWith)
	if err != nil {
		return nil, err
	}

	classes := f.Classes
	if len(classes) == 0 {
		classes = []db.Class{db.ClassNeuron, db.ClassAnnotation}
	}
	classIDs := make([]int64, len(classes))
	className := make(map[int64]string, len(classes))
	for i, c := range classes {
		if classIDs[i], err = lk.ClassID(ctx, c); err != nil {
			return nil, err
		}
		className[classIDs[i]] = c.Name()
	}

	annotatedWith, notAnnotatedWith := f.AnnotatedWith, f.NotAnnotatedWith
	if len(f.Expand) > 0 {
		children, err := annotationChildren(ctx, lk)
		if err != nil {
			return nil, err
		}
		expand := func(sets [][]int64) [][]int64 {
			out := make([][]int64, len(sets))
			for i, set := range sets {
				out[i] = slices.Clone(set)
				for _, id := range set {
					if slices.Contains(f.Expand, id) {
						out[i] = append(out[i], closure(children, []int64{id})...)
					}
				}
			}
			return out
		}
		annotatedWith, notAnnotatedWith = expand(annotatedWith), expand(notAnnotatedWith)
	}

	q := db.EntityQuery{
		ProjectID:        lk.ProjectID(),
		AnnotatedWithRel: rel,
		ClassIDs:         classIDs,
		AnnotatedWith:    annotatedWith,
		NotAnnotatedWith: notAnnotatedWith,
		AnnotatedBy:      f.AnnotatedBy,
	}
	if !f.From.IsZero() {
		q.From = f.From.UnixMilli()
	}
	if !f.To.IsZero() {
		q.To = f.To.UnixMilli()
	}
	rows, err := s.AnnotatedEntities(ctx, q)
	if err != nil {
		return nil, err
	}

	var out []Entity
	var neurons []int64
	neuronCls, err := lk.ClassID(ctx, db.ClassNeuron)
	if err != nil {
		return nil, err
	}
	for _, ci := range rows {
		if f.Name != nil && !f.Name.MatchString(ci.Name) {
			continue
		}
		out = append(out, Entity{ID: ci.ID, Name: ci.Name, Class: className[ci.ClassID]})
		if ci.ClassID == neuronCls {
			neurons = append(neurons, ci.ID)
		}
	}

	if len(neurons) > 0 {
		modelOf, err := lk.RelationID(ctx, db.RelModelOf)
		if err != nil {
			return nil, err
		}
		links, err := s.LinksTo(ctx, modelOf, neurons...)
		if err != nil {
			return nil, err
		}
		skeletons := make(map[int64][]int64)
		for _, l := range links {
			skeletons[l.B] = append(skeletons[l.B], l.A)
		}
		for i := range out {
			out[i].SkeletonIDs = skeletons[out[i].ID]
		}
	}
	return out, nil
}
