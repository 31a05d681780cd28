package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const treenodeColumns = `id, project_id, user_id, editor_id, location_x, location_y, location_z,
	radius, confidence, parent_id, skeleton_id, creation_time, edition_time`

func nowMillis() int64 { return time.Now().UnixMilli() }

// GetTreenode returns a single treenode of a project.
func (s *Session) GetTreenode(ctx context.Context, projectID, id int64) (*Treenode, error) {
	var t Treenode
	err := s.get(ctx, &t, `SELECT `+treenodeColumns+` FROM treenode WHERE project_id = ? AND id = ?`, projectID, id)
	if err != nil {
		return nil, fmt.Errorf("treenode %d: %w", id, err)
	}
	return &t, nil
}

// SkeletonTreenodes returns all treenodes of a skeleton ordered by id.
func (s *Session) SkeletonTreenodes(ctx context.Context, skeletonID int64) ([]Treenode, error) {
	var nodes []Treenode
	err := s.selectRows(ctx, &nodes,
		`SELECT `+treenodeColumns+` FROM treenode WHERE skeleton_id = ? ORDER BY id`, skeletonID)
	if err != nil {
		return nil, fmt.Errorf("loading treenodes of skeleton %d: %w", skeletonID, err)
	}
	return nodes, nil
}

// ChildIDs returns the ids of the direct children of a treenode.
func (s *Session) ChildIDs(ctx context.Context, id int64) ([]int64, error) {
	var ids []int64
	if err := s.selectRows(ctx, &ids, `SELECT id FROM treenode WHERE parent_id = ? ORDER BY id`, id); err != nil {
		return nil, fmt.Errorf("children of treenode %d: %w", id, err)
	}
	return ids, nil
}

// InsertTreenode inserts t and returns its new id. ID, CreatedAt and EditedAt
// are assigned by the store.
func (s *Session) InsertTreenode(ctx context.Context, t *Treenode) (int64, error) {
	now := nowMillis()
	editor := t.EditorID
	if editor == 0 {
		editor = t.UserID
	}
	id, err := s.insertReturningID(ctx, `
		INSERT INTO treenode (project_id, user_id, editor_id, location_x, location_y, location_z,
			radius, confidence, parent_id, skeleton_id, creation_time, edition_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ProjectID, t.UserID, editor, t.X, t.Y, t.Z,
		t.Radius, t.Confidence, t.ParentID, t.SkeletonID, now, now)
	if err != nil {
		return 0, fmt.Errorf("inserting treenode: %w", err)
	}
	t.ID, t.EditorID, t.CreatedAt, t.EditedAt = id, editor, now, now
	return id, nil
}

// DeleteTreenode removes a treenode row. Callers must detach children first.
func (s *Session) DeleteTreenode(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM treenode WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting treenode %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deleting treenode %d: %w", id, ErrNotFound)
	}
	return nil
}

// ParentChange is one (node, new parent) pair; a nil parent makes the node a root.
type ParentChange struct {
	NodeID   int64
	ParentID *int64
}

// UpdateParents applies a batch of parent changes as one UPDATE per
// idChunk/3 changes, all stamped with the same edition time.
func (s *Session) UpdateParents(ctx context.Context, editorID int64, changes []ParentChange) error {
	now := nowMillis()
	for len(changes) > 0 {
		batch := changes[:min(len(changes), max(idChunk/3, 1))]
		changes = changes[len(batch):]

		var q strings.Builder
		q.WriteString(`UPDATE treenode SET parent_id = CASE id`)
		args := make([]any, 0, 3*len(batch)+2)
		ids := make([]int64, len(batch))
		for i, c := range batch {
			q.WriteString(` WHEN ? THEN CAST(? AS BIGINT)`)
			args = append(args, c.NodeID, c.ParentID)
			ids[i] = c.NodeID
		}
		q.WriteString(` END, editor_id = ?, edition_time = ? WHERE id IN (?)`)
		args = append(args, editorID, now, ids)

		res, err := s.exec(ctx, q.String(), args...)
		if err != nil {
			return fmt.Errorf("updating parents of %d treenodes: %w", len(batch), err)
		}
		if n, _ := res.RowsAffected(); n != int64(len(sortedUnique(ids))) {
			return fmt.Errorf("updating parents: %d of %d treenodes: %w", n, len(batch), ErrNotFound)
		}
	}
	return nil
}

// ReparentChildren points every child of id at newParent.
func (s *Session) ReparentChildren(ctx context.Context, editorID, id int64, newParent *int64) error {
	_, err := s.exec(ctx,
		`UPDATE treenode SET parent_id = ?, editor_id = ?, edition_time = ? WHERE parent_id = ?`,
		newParent, editorID, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("reparenting children of treenode %d: %w", id, err)
	}
	return nil
}

// ReassignTreenodes moves the given treenodes, their connector links and their
// reviews to skeleton newSkeletonID. It returns the number of treenodes moved.
func (s *Session) ReassignTreenodes(ctx context.Context, ids []int64, newSkeletonID int64) (int64, error) {
	var moved int64
	for _, chunk := range chunkIDs(ids) {
		res, err := s.exec(ctx, `UPDATE treenode SET skeleton_id = ? WHERE id IN (?)`, newSkeletonID, chunk)
		if err != nil {
			return moved, fmt.Errorf("reassigning treenodes: %w", err)
		}
		n, _ := res.RowsAffected()
		moved += n
		if _, err := s.exec(ctx, `UPDATE treenode_connector SET skeleton_id = ? WHERE treenode_id IN (?)`, newSkeletonID, chunk); err != nil {
			return moved, fmt.Errorf("reassigning treenode connectors: %w", err)
		}
		if _, err := s.exec(ctx, `UPDATE review SET skeleton_id = ? WHERE treenode_id IN (?)`, newSkeletonID, chunk); err != nil {
			return moved, fmt.Errorf("reassigning reviews: %w", err)
		}
	}
	return moved, nil
}

// MergeSkeleton moves every treenode, connector link and review of skeleton
// from onto skeleton to. It returns the number of treenodes moved.
func (s *Session) MergeSkeleton(ctx context.Context, from, to int64) (int64, error) {
	res, err := s.exec(ctx, `UPDATE treenode SET skeleton_id = ? WHERE skeleton_id = ?`, to, from)
	if err != nil {
		return 0, fmt.Errorf("merging skeleton %d into %d: %w", from, to, err)
	}
	moved, _ := res.RowsAffected()
	if _, err := s.exec(ctx, `UPDATE treenode_connector SET skeleton_id = ? WHERE skeleton_id = ?`, to, from); err != nil {
		return moved, fmt.Errorf("merging connector links of skeleton %d: %w", from, err)
	}
	if _, err := s.exec(ctx, `UPDATE review SET skeleton_id = ? WHERE skeleton_id = ?`, to, from); err != nil {
		return moved, fmt.Errorf("merging reviews of skeleton %d: %w", from, err)
	}
	return moved, nil
}

// ErrNotLocking is returned when a lock is requested outside a write transaction.
var ErrNotLocking = errors.New("skeleton locks require a write transaction")

// LockSkeletons takes exclusive row locks on the treenodes and treenode
// connectors of the given skeletons, in ascending id order. On SQLite the
// enclosing transaction already holds the database write lock.
func (s *Session) LockSkeletons(ctx context.Context, skeletonIDs ...int64) error {
	if !s.locking {
		return ErrNotLocking
	}
	if s.dialect != Postgres || len(skeletonIDs) == 0 {
		return nil
	}
	ids := sortedUnique(skeletonIDs)
	var locked []int64
	if err := s.selectRows(ctx, &locked,
		`SELECT id FROM treenode WHERE skeleton_id IN (?) ORDER BY id FOR UPDATE`, ids); err != nil {
		return fmt.Errorf("locking treenodes: %w", err)
	}
	locked = locked[:0]
	if err := s.selectRows(ctx, &locked,
		`SELECT id FROM treenode_connector WHERE skeleton_id IN (?) ORDER BY id FOR UPDATE`, ids); err != nil {
		return fmt.Errorf("locking treenode connectors: %w", err)
	}
	return nil
}

// CountTreenodes returns the number of treenodes per skeleton.
func (s *Session) CountTreenodes(ctx context.Context, skeletonIDs []int64) (map[int64]int, error) {
	counts := make(map[int64]int, len(skeletonIDs))
	for _, chunk := range chunkIDs(sortedUnique(skeletonIDs)) {
		var rows []struct {
			SkeletonID int64 `db:"skeleton_id"`
			N          int   `db:"n"`
		}
		if err := s.selectRows(ctx, &rows,
			`SELECT skeleton_id, COUNT(*) AS n FROM treenode WHERE skeleton_id IN (?) GROUP BY skeleton_id`, chunk); err != nil {
			return nil, fmt.Errorf("counting treenodes: %w", err)
		}
		for _, r := range rows {
			counts[r.SkeletonID] = r.N
		}
	}
	return counts, nil
}

// TreenodeTags returns the label names attached to each treenode of a skeleton.
func (s *Session) TreenodeTags(ctx context.Context, skeletonID, labeledAs int64) (map[int64][]string, error) {
	var rows []struct {
		TreenodeID int64  `db:"treenode_id"`
		Name       string `db:"name"`
	}
	err := s.selectRows(ctx, &rows, `
		SELECT tci.treenode_id, ci.name
		FROM treenode_class_instance tci
		JOIN treenode t ON t.id = tci.treenode_id
		JOIN class_instance ci ON ci.id = tci.class_instance_id
		WHERE t.skeleton_id = ? AND tci.relation_id = ?
		ORDER BY tci.treenode_id, ci.name`, skeletonID, labeledAs)
	if err != nil {
		return nil, fmt.Errorf("loading tags of skeleton %d: %w", skeletonID, err)
	}
	tags := make(map[int64][]string)
	for _, r := range rows {
		tags[r.TreenodeID] = append(tags[r.TreenodeID], r.Name)
	}
	return tags, nil
}

// TagTreenode links a treenode to a label instance.
func (s *Session) TagTreenode(ctx context.Context, projectID, userID, labeledAs, treenodeID, labelID int64) (int64, error) {
	var existing int64
	err := s.get(ctx, &existing, `
		SELECT id FROM treenode_class_instance
		WHERE relation_id = ? AND treenode_id = ? AND class_instance_id = ?`,
		labeledAs, treenodeID, labelID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	return s.insertReturningID(ctx, `
		INSERT INTO treenode_class_instance (project_id, user_id, relation_id, treenode_id, class_instance_id, creation_time)
		VALUES (?, ?, ?, ?, ?, ?)`, projectID, userID, labeledAs, treenodeID, labelID, nowMillis())
}

func sortedUnique(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
