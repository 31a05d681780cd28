// Package annotation maintains the annotated_with graph between class
// instances: linking and unlinking annotations, cleaning up unused ones,
// sub-annotation closure and filtered entity queries.
package annotation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"catmaid/arbor/internal/db"
)

var countPattern = regexp.MustCompile(`\{n(\d+)\}`)

// ExpandName replaces every {nX} in name with X+i, giving each of several
// entities its own numbered annotation. A bare {n} counts from 1.
func ExpandName(name string, i int) string {
	name = strings.ReplaceAll(name, "{n}", "{n1}")
	return countPattern.ReplaceAllStringFunc(name, func(m string) string {
		start, err := strconv.Atoi(countPattern.FindStringSubmatch(m)[1])
		if err != nil {
			return m
		}
		return strconv.Itoa(start + i)
	})
}

// Annotated is one annotation touched by Annotate
type Annotated struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	AnnotatorID int64   `json:"annotator_id"`
	Entities    []int64 `json:"entities"`
}

// AnnotateResult lists the annotations used and the names that did not exist before.
type AnnotateResult struct {
	Annotations map[string]*Annotated `json:"annotations"`
	New         []string              `json:"new_annotations"`
}

// Annotate links every entity to every annotation in annotations, a map of
// annotation name to annotator user id (0 means userID). Names containing
// {nX} are expanded per entity with ExpandName. Missing annotations are
// created owned by userID; existing links are left alone, so repeating a
// call changes nothing.
func Annotate(ctx context.Context, lk *db.Lookup, userID int64, entityIDs []int64, annotations map[string]int64) (*AnnotateResult, error) {
	return annotate(ctx, lk, userID, entityIDs, annotations, true)
}

func annotate(ctx context.Context, lk *db.Lookup, userID int64, entityIDs []int64, annotations map[string]int64, expand bool) (*AnnotateResult, error) {
	s := lk.Session()
	annCls, err := lk.ClassID(ctx, db.ClassAnnotation)
	if err != nil {
		return nil, err
	}
	rel, err := lk.RelationID(ctx, db.RelAnnotatedWith)
	if err != nil {
		return nil, err
	}

	res := &AnnotateResult{Annotations: make(map[string]*Annotated)}
	for _, pattern := range slices.Sorted(maps.Keys(annotations)) {
		annotator := annotations[pattern]
		if annotator == 0 {
			annotator = userID
		}
		for i, entity := range entityIDs {
			name := pattern
			if expand {
				name = ExpandName(pattern, i)
			}
			a, ok := res.Annotations[name]
			if !ok {
				ci, err := s.FindClassInstance(ctx, lk.ProjectID(), annCls, name)
				switch {
				case err == nil:
					a = &Annotated{ID: ci.ID, Name: name, AnnotatorID: annotator}
				case errors.Is(err, db.ErrNotFound):
					id, err := s.CreateClassInstance(ctx, lk.ProjectID(), userID, annCls, name)
					if err != nil {
						return nil, err
					}
					a = &Annotated{ID: id, Name: name, AnnotatorID: annotator}
					res.New = append(res.New, name)
				default:
					return nil, fmt.Errorf("looking up annotation %q: %w", name, err)
				}
				res.Annotations[name] = a
			}

			if _, err := s.FindLink(ctx, rel, entity, a.ID); errors.Is(err, db.ErrNotFound) {
				if _, err := s.CreateLink(ctx, lk.ProjectID(), annotator, rel, entity, a.ID); err != nil {
					return nil, err
				}
			} else if err != nil {
				return nil, fmt.Errorf("looking up link %d -> %q: %w", entity, name, err)
			}
			a.Entities = append(a.Entities, entity)
		}
	}
	slices.Sort(res.New)
	return res, nil
}

// Annotation is one annotated_with link of an entity
type Annotation struct {
	ID          int64  `json:"id"` // annotation instance
	Name        string `json:"name"`
	LinkID      int64  `json:"link_id"`
	AnnotatorID int64  `json:"annotator_id"`
}

// EntityAnnotations returns the annotations of an entity ordered by name.
func EntityAnnotations(ctx context.Context, lk *db.Lookup, entityID int64) ([]Annotation, error) {
	s := lk.Session()
	rel, err := lk.RelationID(ctx, db.RelAnnotatedWith)
	if err != nil {
		return nil, err
	}
	links, err := s.LinksFrom(ctx, rel, entityID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(links))
	for i, l := range links {
		ids[i] = l.B
	}
	cis, err := s.ClassInstances(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(cis))
	for _, ci := range cis {
		names[ci.ID] = ci.Name
	}

	out := make([]Annotation, 0, len(links))
	for _, l := range links {
		out = append(out, Annotation{ID: l.B, Name: names[l.B], LinkID: l.ID, AnnotatorID: l.UserID})
	}
	slices.SortFunc(out, func(a, b Annotation) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// NeuronAnnotations returns the neuron a skeleton models and that neuron's
// annotations.
func NeuronAnnotations(ctx context.Context, lk *db.Lookup, skeletonID int64) (int64, []Annotation, error) {
	modelOf, err := lk.RelationID(ctx, db.RelModelOf)
	if err != nil {
		return 0, nil, err
	}
	links, err := lk.Session().LinksFrom(ctx, modelOf, skeletonID)
	if err != nil {
		return 0, nil, err
	}
	if len(links) == 0 {
		return 0, nil, fmt.Errorf("neuron of skeleton %d: %w", skeletonID, db.ErrNotFound)
	}
	anns, err := EntityAnnotations(ctx, lk, links[0].B)
	return links[0].B, anns, err
}

// NameMap turns annotations into the name -> annotator map used by Annotate and Replace.
func NameMap(as []Annotation) map[string]int64 {
	m := make(map[string]int64, len(as))
	for _, a := range as {
		m[a.Name] = a.AnnotatorID
	}
	return m
}

// Replace makes annotations the exact annotation set of entityID. Links
// whose name is kept but whose annotator differs are reattributed; dropped
// annotations are deleted when nothing else uses them. Names are taken
// literally.
func Replace(ctx context.Context, lk *db.Lookup, userID, entityID int64, annotations map[string]int64) error {
	dropped, err := Relink(ctx, lk, userID, entityID, annotations)
	if err != nil {
		return err
	}
	_, err = DeleteIfUnused(ctx, lk, dropped...)
	return err
}

// Relink is Replace without the cleanup: it returns the ids of the
// annotations unlinked from entityID. Callers relinking several entities in
// one transaction pass the union to DeleteIfUnused once every entity has its
// new set, so an annotation moving between them keeps its id.
func Relink(ctx context.Context, lk *db.Lookup, userID, entityID int64, annotations map[string]int64) ([]int64, error) {
	s := lk.Session()
	existing, err := EntityAnnotations(ctx, lk, entityID)
	if err != nil {
		return nil, err
	}

	var dropped []int64
	have := make(map[string]bool, len(existing))
	for _, a := range existing {
		want, keep := annotations[a.Name]
		if !keep {
			if err := s.DeleteLink(ctx, a.LinkID); err != nil {
				return nil, err
			}
			dropped = append(dropped, a.ID)
			continue
		}
		have[a.Name] = true
		if want != 0 && want != a.AnnotatorID {
			if err := s.SetLinkOwner(ctx, a.LinkID, want); err != nil {
				return nil, err
			}
		}
	}

	missing := make(map[string]int64)
	for name, annotator := range annotations {
		if !have[name] {
			missing[name] = annotator
		}
	}
	if len(missing) > 0 {
		if _, err := annotate(ctx, lk, userID, []int64{entityID}, missing, false); err != nil {
			return nil, err
		}
	}
	return dropped, nil
}
