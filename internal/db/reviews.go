package db

import (
	"context"
	"fmt"
)

// InsertReview records a review of a treenode; the skeleton id is taken from the treenode.
func (s *Session) InsertReview(ctx context.Context, projectID, reviewerID, treenodeID int64) (int64, error) {
	id, err := s.insertReturningID(ctx, `
		INSERT INTO review (project_id, reviewer_id, review_time, skeleton_id, treenode_id)
		SELECT ?, ?, ?, t.skeleton_id, t.id FROM treenode t WHERE t.id = ?`,
		projectID, reviewerID, nowMillis(), treenodeID)
	if err != nil {
		return 0, fmt.Errorf("reviewing treenode %d: %w", treenodeID, err)
	}
	return id, nil
}

// SkeletonReviews returns every review row of a skeleton.
func (s *Session) SkeletonReviews(ctx context.Context, skeletonID int64) ([]Review, error) {
	var out []Review
	if err := s.selectRows(ctx, &out, `
		SELECT id, project_id, reviewer_id, review_time, skeleton_id, treenode_id
		FROM review WHERE skeleton_id = ? ORDER BY id`, skeletonID); err != nil {
		return nil, fmt.Errorf("loading reviews of skeleton %d: %w", skeletonID, err)
	}
	return out, nil
}

// Reviewers returns the distinct reviewer ids of each skeleton.
func (s *Session) Reviewers(ctx context.Context, skeletonIDs []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64)
	for _, chunk := range chunkIDs(sortedUnique(skeletonIDs)) {
		var rows []struct {
			SkeletonID int64 `db:"skeleton_id"`
			ReviewerID int64 `db:"reviewer_id"`
		}
		if err := s.selectRows(ctx, &rows, `
			SELECT DISTINCT skeleton_id, reviewer_id FROM review
			WHERE skeleton_id IN (?) ORDER BY skeleton_id, reviewer_id`, chunk); err != nil {
			return nil, fmt.Errorf("loading reviewers: %w", err)
		}
		for _, r := range rows {
			out[r.SkeletonID] = append(out[r.SkeletonID], r.ReviewerID)
		}
	}
	return out, nil
}
