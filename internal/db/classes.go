package db

import (
	"context"
	"errors"
	"fmt"
)

type classKind uint8

const (
	customClass classKind = iota
	annotationClass
	neuronClass
	skeletonClass
	labelClass
	groupClass
)

var classNames = map[classKind]string{
	annotationClass: "annotation",
	neuronClass:     "neuron",
	skeletonClass:   "skeleton",
	labelClass:      "label",
	groupClass:      "group",
}

// Class is a class-instance type. The known classes are fixed; anything else
// is carried as a custom class with its raw name.
type Class struct {
	kind   classKind
	custom string
}

var (
	ClassAnnotation = Class{kind: annotationClass}
	ClassNeuron     = Class{kind: neuronClass}
	ClassSkeleton   = Class{kind: skeletonClass}
	ClassLabel      = Class{kind: labelClass}
	ClassGroup      = Class{kind: groupClass}
)

// ParseClass returns the known class for name, or a custom class.
func ParseClass(name string) Class {
	for k, n := range classNames {
		if n == name {
			return Class{kind: k}
		}
	}
	return Class{kind: customClass, custom: name}
}

// Name returns the class_name stored in the database.
func (c Class) Name() string {
	if c.kind == customClass {
		return c.custom
	}
	return classNames[c.kind]
}

// IsCustom reports whether c is not one of the known classes.
func (c Class) IsCustom() bool { return c.kind == customClass }

func (c Class) String() string { return c.Name() }

// Relation is a typed relation name.
type Relation string

const (
	RelAnnotatedWith   Relation = "annotated_with"
	RelModelOf         Relation = "model_of"
	RelPartOf          Relation = "part_of"
	RelLabeledAs       Relation = "labeled_as"
	RelPresynapticTo   Relation = "presynaptic_to"
	RelPostsynapticTo  Relation = "postsynaptic_to"
	RelGapJunctionWith Relation = "gapjunction_with"
	RelElementOf       Relation = "element_of"
)

// Lookup resolves class and relation ids for one project. It is bound to a
// session and meant to live for a single transaction; missing classes and
// relations are created on first use.
type Lookup struct {
	s         *Session
	projectID int64
	classes   map[string]int64
	relations map[Relation]int64
}

// NewLookup creates a lookup service for projectID on s.
func NewLookup(s *Session, projectID int64) *Lookup {
	return &Lookup{
		s:         s,
		projectID: projectID,
		classes:   make(map[string]int64),
		relations: make(map[Relation]int64),
	}
}

// ProjectID returns the project this lookup is bound to.
func (l *Lookup) ProjectID() int64 { return l.projectID }

// Session returns the session this lookup queries through.
func (l *Lookup) Session() *Session { return l.s }

// ClassID returns the id of class c in the project.
func (l *Lookup) ClassID(ctx context.Context, c Class) (int64, error) {
	name := c.Name()
	if id, ok := l.classes[name]; ok {
		return id, nil
	}
	id, err := l.getOrCreate(ctx, "class", "class_name", name)
	if err != nil {
		return 0, fmt.Errorf("resolving class %q: %w", name, err)
	}
	l.classes[name] = id
	return id, nil
}

// RelationID returns the id of relation r in the project.
func (l *Lookup) RelationID(ctx context.Context, r Relation) (int64, error) {
	if id, ok := l.relations[r]; ok {
		return id, nil
	}
	id, err := l.getOrCreate(ctx, "relation", "relation_name", string(r))
	if err != nil {
		return 0, fmt.Errorf("resolving relation %q: %w", r, err)
	}
	l.relations[r] = id
	return id, nil
}

// ClassByID maps a class id back to its Class.
func (l *Lookup) ClassByID(ctx context.Context, id int64) (Class, error) {
	for name, cid := range l.classes {
		if cid == id {
			return ParseClass(name), nil
		}
	}
	var name string
	if err := l.s.get(ctx, &name, `SELECT class_name FROM class WHERE id = ?`, id); err != nil {
		return Class{}, fmt.Errorf("class %d: %w", id, err)
	}
	l.classes[name] = id
	return ParseClass(name), nil
}

func (l *Lookup) getOrCreate(ctx context.Context, table, column, name string) (int64, error) {
	var id int64
	err := l.s.get(ctx, &id,
		fmt.Sprintf(`SELECT id FROM %s WHERE project_id = ? AND %s = ?`, table, column),
		l.projectID, name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	return l.s.insertReturningID(ctx,
		fmt.Sprintf(`INSERT INTO %s (project_id, %s) VALUES (?, ?)`, table, column),
		l.projectID, name)
}
