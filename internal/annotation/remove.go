package annotation

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"catmaid/arbor/internal/authz"
	"catmaid/arbor/internal/db"
)

// RemoveOutcome reports what happened to one annotation in Remove.
type RemoveOutcome struct {
	AnnotationID int64   `json:"annotation_id"`
	Removed      []int64 `json:"removed"` // entities unlinked
	Denied       []int64 `json:"denied"`  // entities whose link the principal may not edit
	Deleted      bool    `json:"deleted"` // annotation instance deleted as unused
}

// Remove unlinks each annotation from each entity where the principal may
// edit the link, then deletes annotations left unused. Links the principal
// may not edit are kept and reported; the returned error aggregates those
// denials and the outcomes are valid alongside it. Any other failure aborts.
func Remove(ctx context.Context, lk *db.Lookup, az authz.Authorizer, p authz.Principal, entityIDs, annotationIDs []int64) ([]RemoveOutcome, error) {
	s := lk.Session()
	rel, err := lk.RelationID(ctx, db.RelAnnotatedWith)
	if err != nil {
		return nil, err
	}

	var denied *multierror.Error
	outcomes := make([]RemoveOutcome, 0, len(annotationIDs))
	for _, annID := range annotationIDs {
		out := RemoveOutcome{AnnotationID: annID}
		for _, entity := range entityIDs {
			link, err := s.FindLink(ctx, rel, entity, annID)
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			err = authz.RequireEdit(ctx, az, s, p, link.ID, authz.Link)
			if errors.Is(err, authz.ErrPermissionDenied) {
				out.Denied = append(out.Denied, entity)
				denied = multierror.Append(denied, fmt.Errorf("annotation %d on %d: %w", annID, entity, err))
				continue
			}
			if err != nil {
				return nil, err
			}
			if err := s.DeleteLink(ctx, link.ID); err != nil {
				return nil, err
			}
			out.Removed = append(out.Removed, entity)
		}
		if len(out.Removed) > 0 {
			deleted, err := DeleteIfUnused(ctx, lk, annID)
			if err != nil {
				return nil, err
			}
			out.Deleted = len(deleted) > 0 && deleted[0] == annID
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, denied.ErrorOrNil()
}

// DeleteIfUnused deletes each given annotation that no longer annotates
// anything, then repeats the check for the meta-annotations of every deleted
// one. Ids that are not annotations are ignored. It returns the deleted ids
// in deletion order. Each id is examined at most once, so a cyclic
// meta-annotation graph terminates.
func DeleteIfUnused(ctx context.Context, lk *db.Lookup, ids ...int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s := lk.Session()
	rel, err := lk.RelationID(ctx, db.RelAnnotatedWith)
	if err != nil {
		return nil, err
	}
	annCls, err := lk.ClassID(ctx, db.ClassAnnotation)
	if err != nil {
		return nil, err
	}

	var deleted []int64
	visited := make(map[int64]bool)
	work := append([]int64(nil), ids...)
	for len(work) > 0 {
		id := work[0]
		work = work[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		ci, err := s.GetClassInstance(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		if ci.ClassID != annCls {
			continue
		}
		n, err := s.CountLinksTo(ctx, rel, id)
		if err != nil {
			return deleted, err
		}
		if n > 0 {
			continue
		}

		metas, err := s.LinksFrom(ctx, rel, id)
		if err != nil {
			return deleted, err
		}
		if err := s.DeleteClassInstance(ctx, id); err != nil {
			return deleted, err
		}
		deleted = append(deleted, id)
		for _, m := range metas {
			work = append(work, m.B)
		}
	}
	return deleted, nil
}
