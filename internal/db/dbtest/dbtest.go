// Package dbtest builds throwaway SQLite stores for package tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"catmaid/arbor/internal/db"
)

// Fixture is a migrated store with one project and three users.
type Fixture struct {
	DB        *db.DB
	ProjectID int64
	Owner     int64 // ordinary user
	Other     int64 // second ordinary user
	Admin     int64 // superuser
}

// New creates a fixture in a temp directory; it is closed on cleanup.
func New(t testing.TB) *Fixture {
	t.Helper()
	ctx := context.Background()

	d, err := db.OpenDB(filepath.Join(t.TempDir(), "arbor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Migrate(ctx))

	f := &Fixture{DB: d}
	require.NoError(t, d.ExecuteWrite(ctx, func(s *db.Session) error {
		var err error
		if f.Owner, err = s.CreateUser(ctx, "owner", false); err != nil {
			return err
		}
		if f.Other, err = s.CreateUser(ctx, "other", false); err != nil {
			return err
		}
		if f.Admin, err = s.CreateUser(ctx, "admin", true); err != nil {
			return err
		}
		f.ProjectID, err = s.CreateProject(ctx, "test")
		return err
	}))
	return f
}

// Write runs fn in a write transaction with a fresh lookup and fails the test on error.
func (f *Fixture) Write(t testing.TB, fn func(ctx context.Context, lk *db.Lookup) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.DB.ExecuteWrite(ctx, func(s *db.Session) error {
		return fn(ctx, db.NewLookup(s, f.ProjectID))
	}))
}

// Read runs fn in a read session with a fresh lookup and fails the test on error.
func (f *Fixture) Read(t testing.TB, fn func(ctx context.Context, lk *db.Lookup) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.DB.ExecuteRead(ctx, func(s *db.Session) error {
		return fn(ctx, db.NewLookup(s, f.ProjectID))
	}))
}

// Neuron creates a neuron instance owned by user.
func (f *Fixture) Neuron(t testing.TB, user int64, name string) int64 {
	t.Helper()
	var id int64
	f.Write(t, func(ctx context.Context, lk *db.Lookup) error {
		cls, err := lk.ClassID(ctx, db.ClassNeuron)
		if err != nil {
			return err
		}
		id, err = lk.Session().CreateClassInstance(ctx, f.ProjectID, user, cls, name)
		return err
	})
	return id
}

// Skeleton stores a tree under a new skeleton and neuron owned by user.
// parents maps local node index to parent index, -1 for the root; the
// returned slice maps local index to treenode id.
func (f *Fixture) Skeleton(t testing.TB, user int64, parents []int) (skeletonID, neuronID int64, nodes []int64) {
	t.Helper()
	f.Write(t, func(ctx context.Context, lk *db.Lookup) error {
		s := lk.Session()
		skCls, err := lk.ClassID(ctx, db.ClassSkeleton)
		if err != nil {
			return err
		}
		nCls, err := lk.ClassID(ctx, db.ClassNeuron)
		if err != nil {
			return err
		}
		modelOf, err := lk.RelationID(ctx, db.RelModelOf)
		if err != nil {
			return err
		}
		if skeletonID, err = s.CreateClassInstance(ctx, f.ProjectID, user, skCls, "skeleton"); err != nil {
			return err
		}
		if neuronID, err = s.CreateClassInstance(ctx, f.ProjectID, user, nCls, "neuron"); err != nil {
			return err
		}
		if _, err = s.CreateLink(ctx, f.ProjectID, user, modelOf, skeletonID, neuronID); err != nil {
			return err
		}
		nodes = make([]int64, len(parents))
		for i, p := range parents {
			tn := &db.Treenode{
				ProjectID: f.ProjectID, UserID: user, SkeletonID: skeletonID,
				X: float64(i), Confidence: 5,
			}
			if p >= 0 {
				tn.ParentID = &nodes[p]
			}
			if nodes[i], err = s.InsertTreenode(ctx, tn); err != nil {
				return err
			}
		}
		return nil
	})
	return skeletonID, neuronID, nodes
}
