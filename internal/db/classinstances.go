package db

import (
	"context"
	"fmt"
)

const classInstanceColumns = `id, project_id, user_id, class_id, name, creation_time, edition_time`

const linkColumns = `id, project_id, user_id, relation_id, class_instance_a, class_instance_b, creation_time`

// CreateClassInstance inserts a class instance and returns its id.
func (s *Session) CreateClassInstance(ctx context.Context, projectID, userID, classID int64, name string) (int64, error) {
	now := nowMillis()
	id, err := s.insertReturningID(ctx, `
		INSERT INTO class_instance (project_id, user_id, class_id, name, creation_time, edition_time)
		VALUES (?, ?, ?, ?, ?, ?)`, projectID, userID, classID, name, now, now)
	if err != nil {
		return 0, fmt.Errorf("creating class instance %q: %w", name, err)
	}
	return id, nil
}

// RenameClassInstance changes the name of a class instance.
func (s *Session) RenameClassInstance(ctx context.Context, id int64, name string) error {
	if _, err := s.exec(ctx, `UPDATE class_instance SET name = ?, edition_time = ? WHERE id = ?`,
		name, nowMillis(), id); err != nil {
		return fmt.Errorf("renaming class instance %d: %w", id, err)
	}
	return nil
}

// GetClassInstance returns a class instance by id.
func (s *Session) GetClassInstance(ctx context.Context, id int64) (*ClassInstance, error) {
	var ci ClassInstance
	if err := s.get(ctx, &ci, `SELECT `+classInstanceColumns+` FROM class_instance WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("class instance %d: %w", id, err)
	}
	return &ci, nil
}

// ClassInstances returns the class instances with the given ids, in id order.
func (s *Session) ClassInstances(ctx context.Context, ids []int64) ([]ClassInstance, error) {
	var out []ClassInstance
	for _, chunk := range chunkIDs(sortedUnique(ids)) {
		var part []ClassInstance
		if err := s.selectRows(ctx, &part,
			`SELECT `+classInstanceColumns+` FROM class_instance WHERE id IN (?) ORDER BY id`, chunk); err != nil {
			return nil, fmt.Errorf("loading class instances: %w", err)
		}
		out = append(out, part...)
	}
	return out, nil
}

// FindClassInstance returns the instance of classID named name, or ErrNotFound.
func (s *Session) FindClassInstance(ctx context.Context, projectID, classID int64, name string) (*ClassInstance, error) {
	var ci ClassInstance
	err := s.get(ctx, &ci, `
		SELECT `+classInstanceColumns+` FROM class_instance
		WHERE project_id = ? AND class_id = ? AND name = ?
		ORDER BY id LIMIT 1`, projectID, classID, name)
	if err != nil {
		return nil, err
	}
	return &ci, nil
}

// DeleteClassInstance removes a class instance; its links cascade.
func (s *Session) DeleteClassInstance(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `DELETE FROM class_instance WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting class instance %d: %w", id, err)
	}
	return nil
}

// CreateLink inserts a link a --relation--> b and returns its id.
func (s *Session) CreateLink(ctx context.Context, projectID, userID, relationID, a, b int64) (int64, error) {
	now := nowMillis()
	id, err := s.insertReturningID(ctx, `
		INSERT INTO class_instance_class_instance
			(project_id, user_id, relation_id, class_instance_a, class_instance_b, creation_time, edition_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, projectID, userID, relationID, a, b, now, now)
	if err != nil {
		return 0, fmt.Errorf("linking %d to %d: %w", a, b, err)
	}
	return id, nil
}

// FindLink returns the first link a --relation--> b, or ErrNotFound.
func (s *Session) FindLink(ctx context.Context, relationID, a, b int64) (*Link, error) {
	var l Link
	err := s.get(ctx, &l, `
		SELECT `+linkColumns+` FROM class_instance_class_instance
		WHERE relation_id = ? AND class_instance_a = ? AND class_instance_b = ?
		ORDER BY id LIMIT 1`, relationID, a, b)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// DeleteLink removes a link by id.
func (s *Session) DeleteLink(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `DELETE FROM class_instance_class_instance WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting link %d: %w", id, err)
	}
	return nil
}

// LinksFrom returns links a --relation--> * for the given a ids.
func (s *Session) LinksFrom(ctx context.Context, relationID int64, a ...int64) ([]Link, error) {
	return s.links(ctx, "class_instance_a", relationID, a)
}

// LinksTo returns links * --relation--> b for the given b ids.
func (s *Session) LinksTo(ctx context.Context, relationID int64, b ...int64) ([]Link, error) {
	return s.links(ctx, "class_instance_b", relationID, b)
}

func (s *Session) links(ctx context.Context, column string, relationID int64, ids []int64) ([]Link, error) {
	var out []Link
	for _, chunk := range chunkIDs(sortedUnique(ids)) {
		var part []Link
		if err := s.selectRows(ctx, &part, `
			SELECT `+linkColumns+` FROM class_instance_class_instance
			WHERE relation_id = ? AND `+column+` IN (?) ORDER BY id`, relationID, chunk); err != nil {
			return nil, fmt.Errorf("loading links: %w", err)
		}
		out = append(out, part...)
	}
	return out, nil
}

// CountLinksTo counts links * --relation--> b.
func (s *Session) CountLinksTo(ctx context.Context, relationID, b int64) (int, error) {
	var n int
	if err := s.get(ctx, &n, `
		SELECT COUNT(*) FROM class_instance_class_instance
		WHERE relation_id = ? AND class_instance_b = ?`, relationID, b); err != nil {
		return 0, fmt.Errorf("counting links to %d: %w", b, err)
	}
	return n, nil
}

// ClassLinks returns every link of relationID whose two ends are both
// instances of classID in the project.
func (s *Session) ClassLinks(ctx context.Context, projectID, relationID, classID int64) ([]Link, error) {
	var out []Link
	err := s.selectRows(ctx, &out, `
		SELECT cici.id, cici.project_id, cici.user_id, cici.relation_id,
		       cici.class_instance_a, cici.class_instance_b, cici.creation_time
		FROM class_instance_class_instance cici
		JOIN class_instance a ON a.id = cici.class_instance_a
		JOIN class_instance b ON b.id = cici.class_instance_b
		WHERE cici.project_id = ? AND cici.relation_id = ?
		  AND a.class_id = ? AND b.class_id = ?
		ORDER BY cici.id`, projectID, relationID, classID, classID)
	if err != nil {
		return nil, fmt.Errorf("loading class links: %w", err)
	}
	return out, nil
}

var ownedTables = map[string]bool{
	"class_instance":                true,
	"class_instance_class_instance": true,
	"treenode":                      true,
	"connector":                     true,
}

// Owner returns the user_id of row id in table, which must be one of the
// tables carrying an owner column.
func (s *Session) Owner(ctx context.Context, table string, id int64) (int64, error) {
	if !ownedTables[table] {
		return 0, fmt.Errorf("table %q has no owner", table)
	}
	var owner int64
	if err := s.get(ctx, &owner, `SELECT user_id FROM `+table+` WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("owner of %s %d: %w", table, id, err)
	}
	return owner, nil
}

// SetLinkOwner changes the user a link is attributed to.
func (s *Session) SetLinkOwner(ctx context.Context, id, userID int64) error {
	if _, err := s.exec(ctx, `UPDATE class_instance_class_instance SET user_id = ?, edition_time = ? WHERE id = ?`,
		userID, nowMillis(), id); err != nil {
		return fmt.Errorf("updating owner of link %d: %w", id, err)
	}
	return nil
}
