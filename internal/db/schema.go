package db

import (
	"context"
	"fmt"
	"strings"
)

// tables lists the schema in dependency order. {{id}} and {{bigint}} are
// replaced per dialect.
var tables = []string{
	`CREATE TABLE IF NOT EXISTS auth_user (
		id {{id}},
		username TEXT NOT NULL UNIQUE,
		is_superuser BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS project (
		id {{id}},
		title TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS class (
		id {{id}},
		project_id {{bigint}} NOT NULL REFERENCES project(id) ON DELETE CASCADE,
		class_name TEXT NOT NULL,
		UNIQUE (project_id, class_name)
	)`,
	`CREATE TABLE IF NOT EXISTS relation (
		id {{id}},
		project_id {{bigint}} NOT NULL REFERENCES project(id) ON DELETE CASCADE,
		relation_name TEXT NOT NULL,
		UNIQUE (project_id, relation_name)
	)`,
	`CREATE TABLE IF NOT EXISTS class_instance (
		id {{id}},
		project_id {{bigint}} NOT NULL REFERENCES project(id) ON DELETE CASCADE,
		user_id {{bigint}} NOT NULL REFERENCES auth_user(id),
		class_id {{bigint}} NOT NULL REFERENCES class(id),
		name TEXT NOT NULL,
		creation_time {{bigint}} NOT NULL,
		edition_time {{bigint}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS class_instance_project_class_name
		ON class_instance (project_id, class_id, name)`,
	`CREATE TABLE IF NOT EXISTS class_instance_class_instance (
		id {{id}},
		project_id {{bigint}} NOT NULL REFERENCES project(id) ON DELETE CASCADE,
		user_id {{bigint}} NOT NULL REFERENCES auth_user(id),
		relation_id {{bigint}} NOT NULL REFERENCES relation(id),
		class_instance_a {{bigint}} NOT NULL REFERENCES class_instance(id) ON DELETE CASCADE,
		class_instance_b {{bigint}} NOT NULL REFERENCES class_instance(id) ON DELETE CASCADE,
		creation_time {{bigint}} NOT NULL,
		edition_time {{bigint}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS cici_a ON class_instance_class_instance (class_instance_a, relation_id)`,
	`CREATE INDEX IF NOT EXISTS cici_b ON class_instance_class_instance (class_instance_b, relation_id)`,
	`CREATE TABLE IF NOT EXISTS treenode (
		id {{id}},
		project_id {{bigint}} NOT NULL REFERENCES project(id) ON DELETE CASCADE,
		user_id {{bigint}} NOT NULL REFERENCES auth_user(id),
		editor_id {{bigint}} NOT NULL REFERENCES auth_user(id),
		location_x DOUBLE PRECISION NOT NULL,
		location_y DOUBLE PRECISION NOT NULL,
		location_z DOUBLE PRECISION NOT NULL,
		radius DOUBLE PRECISION,
		confidence INTEGER NOT NULL DEFAULT 5,
		parent_id {{bigint}} REFERENCES treenode(id),
		skeleton_id {{bigint}} NOT NULL REFERENCES class_instance(id),
		creation_time {{bigint}} NOT NULL,
		edition_time {{bigint}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS treenode_skeleton ON treenode (skeleton_id)`,
	`CREATE INDEX IF NOT EXISTS treenode_parent ON treenode (parent_id)`,
	`CREATE TABLE IF NOT EXISTS connector (
		id {{id}},
		project_id {{bigint}} NOT NULL REFERENCES project(id) ON DELETE CASCADE,
		user_id {{bigint}} NOT NULL REFERENCES auth_user(id),
		location_x DOUBLE PRECISION NOT NULL,
		location_y DOUBLE PRECISION NOT NULL,
		location_z DOUBLE PRECISION NOT NULL,
		confidence INTEGER NOT NULL DEFAULT 5,
		creation_time {{bigint}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS treenode_connector (
		id {{id}},
		project_id {{bigint}} NOT NULL REFERENCES project(id) ON DELETE CASCADE,
		user_id {{bigint}} NOT NULL REFERENCES auth_user(id),
		relation_id {{bigint}} NOT NULL REFERENCES relation(id),
		treenode_id {{bigint}} NOT NULL REFERENCES treenode(id) ON DELETE CASCADE,
		connector_id {{bigint}} NOT NULL REFERENCES connector(id) ON DELETE CASCADE,
		skeleton_id {{bigint}} NOT NULL REFERENCES class_instance(id),
		confidence INTEGER NOT NULL DEFAULT 5,
		creation_time {{bigint}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS treenode_connector_skeleton ON treenode_connector (skeleton_id, relation_id)`,
	`CREATE INDEX IF NOT EXISTS treenode_connector_connector ON treenode_connector (connector_id, relation_id)`,
	`CREATE TABLE IF NOT EXISTS treenode_class_instance (
		id {{id}},
		project_id {{bigint}} NOT NULL REFERENCES project(id) ON DELETE CASCADE,
		user_id {{bigint}} NOT NULL REFERENCES auth_user(id),
		relation_id {{bigint}} NOT NULL REFERENCES relation(id),
		treenode_id {{bigint}} NOT NULL REFERENCES treenode(id) ON DELETE CASCADE,
		class_instance_id {{bigint}} NOT NULL REFERENCES class_instance(id) ON DELETE CASCADE,
		creation_time {{bigint}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS treenode_class_instance_treenode ON treenode_class_instance (treenode_id)`,
	`CREATE TABLE IF NOT EXISTS review (
		id {{id}},
		project_id {{bigint}} NOT NULL REFERENCES project(id) ON DELETE CASCADE,
		reviewer_id {{bigint}} NOT NULL REFERENCES auth_user(id),
		review_time {{bigint}} NOT NULL,
		skeleton_id {{bigint}} NOT NULL REFERENCES class_instance(id),
		treenode_id {{bigint}} NOT NULL REFERENCES treenode(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS review_skeleton ON review (skeleton_id)`,
	`CREATE TABLE IF NOT EXISTS log (
		id {{id}},
		project_id {{bigint}} NOT NULL REFERENCES project(id) ON DELETE CASCADE,
		user_id {{bigint}} NOT NULL REFERENCES auth_user(id),
		operation_type TEXT NOT NULL,
		location_x DOUBLE PRECISION,
		location_y DOUBLE PRECISION,
		location_z DOUBLE PRECISION,
		freetext TEXT,
		creation_time {{bigint}} NOT NULL
	)`,
}

func (d Dialect) ddl(stmt string) string {
	id, bigint := "INTEGER PRIMARY KEY AUTOINCREMENT", "INTEGER"
	if d == Postgres {
		id, bigint = "BIGSERIAL PRIMARY KEY", "BIGINT"
	}
	return strings.NewReplacer("{{id}}", id, "{{bigint}}", bigint).Replace(stmt)
}

// Migrate creates any missing tables and indexes.
func (d *DB) Migrate(ctx context.Context) error {
	return d.ExecuteWrite(ctx, func(s *Session) error {
		for _, stmt := range tables {
			if _, err := s.ext.ExecContext(ctx, d.Dialect.ddl(stmt)); err != nil {
				return fmt.Errorf("migrating schema: %w", err)
			}
		}
		return nil
	})
}

// knownClasses and knownRelations are seeded into every new project.
var (
	knownClasses   = []Class{ClassAnnotation, ClassNeuron, ClassSkeleton, ClassLabel, ClassGroup}
	knownRelations = []Relation{
		RelAnnotatedWith, RelModelOf, RelPartOf, RelLabeledAs,
		RelPresynapticTo, RelPostsynapticTo, RelGapJunctionWith, RelElementOf,
	}
)

// CreateProject inserts a project and seeds its classes and relations.
func (s *Session) CreateProject(ctx context.Context, title string) (int64, error) {
	id, err := s.insertReturningID(ctx, `INSERT INTO project (title) VALUES (?)`, title)
	if err != nil {
		return 0, fmt.Errorf("creating project: %w", err)
	}
	lk := NewLookup(s, id)
	for _, c := range knownClasses {
		if _, err := lk.ClassID(ctx, c); err != nil {
			return 0, err
		}
	}
	for _, r := range knownRelations {
		if _, err := lk.RelationID(ctx, r); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// CreateUser inserts a user and returns its id.
func (s *Session) CreateUser(ctx context.Context, username string, superuser bool) (int64, error) {
	id, err := s.insertReturningID(ctx,
		`INSERT INTO auth_user (username, is_superuser) VALUES (?, ?)`, username, superuser)
	if err != nil {
		return 0, fmt.Errorf("creating user %q: %w", username, err)
	}
	return id, nil
}

// GetUser returns a user by id.
func (s *Session) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := s.get(ctx, &u, `SELECT id, username, is_superuser FROM auth_user WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("user %d: %w", id, err)
	}
	return &u, nil
}
