// Package authz decides whether a principal may edit stored objects.
package authz

import (
	"context"
	"errors"
	"fmt"

	"catmaid/arbor/internal/db"
)

// ErrPermissionDenied is returned when a principal may not edit an object
var ErrPermissionDenied = errors.New("permission denied")

// ObjectType names the kind of object an edit targets
type ObjectType int

const (
	ClassInstance ObjectType = iota
	Link
	Treenode
	Connector
)

func (t ObjectType) table() string {
	switch t {
	case Link:
		return "class_instance_class_instance"
	case Treenode:
		return "treenode"
	case Connector:
		return "connector"
	default:
		return "class_instance"
	}
}

func (t ObjectType) String() string {
	switch t {
	case Link:
		return "link"
	case Treenode:
		return "treenode"
	case Connector:
		return "connector"
	default:
		return "class instance"
	}
}

// Principal is the acting user
type Principal struct {
	UserID    int64
	Superuser bool
}

// Authorizer answers can-edit questions. Implementations query through the
// caller's session so they see uncommitted rows of the same transaction.
type Authorizer interface {
	CanEdit(ctx context.Context, s *db.Session, p Principal, id int64, t ObjectType) (bool, error)
}

// OwnerPolicy lets superusers edit everything and everyone else edit what
// they created.
type OwnerPolicy struct{}

// CanEdit implements Authorizer
func (OwnerPolicy) CanEdit(ctx context.Context, s *db.Session, p Principal, id int64, t ObjectType) (bool, error) {
	if p.Superuser {
		return true, nil
	}
	owner, err := s.Owner(ctx, t.table(), id)
	if err != nil {
		return false, err
	}
	return owner == p.UserID, nil
}

// AllowAll permits every edit.
type AllowAll struct{}

// CanEdit implements Authorizer
func (AllowAll) CanEdit(context.Context, *db.Session, Principal, int64, ObjectType) (bool, error) {
	return true, nil
}

// RequireEdit returns ErrPermissionDenied unless a may edit the object.
func RequireEdit(ctx context.Context, a Authorizer, s *db.Session, p Principal, id int64, t ObjectType) error {
	ok, err := a.CanEdit(ctx, s, p, id, t)
	if err != nil {
		return fmt.Errorf("checking permission on %s %d: %w", t, id, err)
	}
	if !ok {
		return fmt.Errorf("user %d may not edit %s %d: %w", p.UserID, t, id, ErrPermissionDenied)
	}
	return nil
}
