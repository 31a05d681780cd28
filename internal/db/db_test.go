package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (*DB, int64, int64) {
	t.Helper()
	ctx := context.Background()
	d, err := OpenDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, d.Migrate(ctx))
	require.NoError(t, d.Migrate(ctx), "migrations must be re-runnable")

	var project, user int64
	require.NoError(t, d.ExecuteWrite(ctx, func(s *Session) error {
		var err error
		if user, err = s.CreateUser(ctx, "tester", false); err != nil {
			return err
		}
		project, err = s.CreateProject(ctx, "p")
		return err
	}))
	return d, project, user
}

func TestParseDialect(t *testing.T) {
	cases := map[string]Dialect{"": SQLite, "sqlite": SQLite, "SQLite3": SQLite, "postgres": Postgres, "pgx": Postgres}
	for in, want := range cases {
		got, err := ParseDialect(in)
		if err != nil || got != want {
			t.Errorf("ParseDialect(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseDialect("mysql"); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestDDL(t *testing.T) {
	stmt := "CREATE TABLE x (id {{id}}, n {{bigint}})"
	if got := SQLite.ddl(stmt); got != "CREATE TABLE x (id INTEGER PRIMARY KEY AUTOINCREMENT, n INTEGER)" {
		t.Errorf("sqlite ddl = %q", got)
	}
	if got := Postgres.ddl(stmt); got != "CREATE TABLE x (id BIGSERIAL PRIMARY KEY, n BIGINT)" {
		t.Errorf("postgres ddl = %q", got)
	}
}

func TestParseClass(t *testing.T) {
	if ParseClass("neuron") != ClassNeuron {
		t.Error("neuron should parse to the known class")
	}
	c := ParseClass("cell type")
	if !c.IsCustom() || c.Name() != "cell type" {
		t.Errorf("custom class = %+v", c)
	}
}

func TestChunkIDs(t *testing.T) {
	ids := make([]int64, 2*idChunk+1)
	chunks := chunkIDs(ids)
	if len(chunks) != 3 || len(chunks[2]) != 1 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	if chunkIDs(nil) != nil {
		t.Error("no ids should give no chunks")
	}
	if got := sortedUnique([]int64{3, 1, 3, 2, 1}); !equalIDs(got, []int64{1, 2, 3}) {
		t.Errorf("sortedUnique = %v", got)
	}
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLookup(t *testing.T) {
	d, project, _ := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.ExecuteWrite(ctx, func(s *Session) error {
		lk := NewLookup(s, project)
		id, err := lk.ClassID(ctx, ClassSkeleton)
		require.NoError(t, err)
		again, err := lk.ClassID(ctx, ClassSkeleton)
		require.NoError(t, err)
		require.Equal(t, id, again)

		cls, err := NewLookup(s, project).ClassByID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, ClassSkeleton, cls)

		custom, err := lk.ClassID(ctx, ParseClass("cell type"))
		require.NoError(t, err)
		require.NotEqual(t, id, custom)

		rel, err := lk.RelationID(ctx, RelModelOf)
		require.NoError(t, err)
		require.NotZero(t, rel)
		return nil
	}))
}

func TestTreenodeLifecycle(t *testing.T) {
	d, project, user := openTestDB(t)
	ctx := context.Background()
	var skel, root, child int64
	require.NoError(t, d.ExecuteWrite(ctx, func(s *Session) error {
		lk := NewLookup(s, project)
		cls, err := lk.ClassID(ctx, ClassSkeleton)
		require.NoError(t, err)
		skel, err = s.CreateClassInstance(ctx, project, user, cls, "sk")
		require.NoError(t, err)

		root, err = s.InsertTreenode(ctx, &Treenode{ProjectID: project, UserID: user, SkeletonID: skel, Confidence: 5})
		require.NoError(t, err)
		child, err = s.InsertTreenode(ctx, &Treenode{ProjectID: project, UserID: user, SkeletonID: skel, ParentID: &root, X: 2, Confidence: 5})
		require.NoError(t, err)
		require.NoError(t, s.LockSkeletons(ctx, skel))
		return nil
	}))

	require.NoError(t, d.ExecuteRead(ctx, func(s *Session) error {
		nodes, err := s.SkeletonTreenodes(ctx, skel)
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		require.Equal(t, root, *nodes[1].ParentID)

		kids, err := s.ChildIDs(ctx, root)
		require.NoError(t, err)
		require.Equal(t, []int64{child}, kids)

		counts, err := s.CountTreenodes(ctx, []int64{skel})
		require.NoError(t, err)
		require.Equal(t, 2, counts[skel])

		owner, err := s.Owner(ctx, "treenode", child)
		require.NoError(t, err)
		require.Equal(t, user, owner)
		_, err = s.Owner(ctx, "auth_user", user)
		require.Error(t, err)

		require.ErrorIs(t, s.LockSkeletons(ctx, skel), ErrNotLocking)
		_, err = s.GetTreenode(ctx, project, child+100)
		require.ErrorIs(t, err, ErrNotFound)
		return nil
	}))

	require.NoError(t, d.ExecuteWrite(ctx, func(s *Session) error {
		require.NoError(t, s.UpdateParents(ctx, user, []ParentChange{{NodeID: child}, {NodeID: root, ParentID: &child}}))
		tn, err := s.GetTreenode(ctx, project, root)
		require.NoError(t, err)
		require.Equal(t, child, *tn.ParentID)
		require.NoError(t, s.ReparentChildren(ctx, user, child, nil))
		require.NoError(t, s.DeleteTreenode(ctx, child))
		return nil
	}))

	err := d.ExecuteWrite(ctx, func(s *Session) error {
		return s.DeleteTreenode(ctx, child)
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteReadSeesOneSnapshot(t *testing.T) {
	d, project, user := openTestDB(t)
	ctx := context.Background()
	var skel, other int64
	require.NoError(t, d.ExecuteWrite(ctx, func(s *Session) error {
		cls, err := NewLookup(s, project).ClassID(ctx, ClassSkeleton)
		require.NoError(t, err)
		skel, err = s.CreateClassInstance(ctx, project, user, cls, "sk")
		require.NoError(t, err)
		other, err = s.CreateClassInstance(ctx, project, user, cls, "other")
		require.NoError(t, err)
		root, err := s.InsertTreenode(ctx, &Treenode{ProjectID: project, UserID: user, SkeletonID: skel, Confidence: 5})
		require.NoError(t, err)
		for range 2 {
			_, err = s.InsertTreenode(ctx, &Treenode{ProjectID: project, UserID: user, SkeletonID: skel, ParentID: &root, Confidence: 5})
			require.NoError(t, err)
		}
		return nil
	}))

	require.NoError(t, d.ExecuteRead(ctx, func(s *Session) error {
		before, err := s.SkeletonTreenodes(ctx, skel)
		require.NoError(t, err)
		require.Len(t, before, 3)

		require.NoError(t, d.ExecuteWrite(ctx, func(w *Session) error {
			_, err := w.ReassignTreenodes(ctx, []int64{before[1].ID, before[2].ID}, other)
			return err
		}))

		after, err := s.SkeletonTreenodes(ctx, skel)
		require.NoError(t, err)
		require.Len(t, after, 3, "a committed write must not show up mid-read")
		return nil
	}))

	require.NoError(t, d.ExecuteRead(ctx, func(s *Session) error {
		counts, err := s.CountTreenodes(ctx, []int64{skel, other})
		require.NoError(t, err)
		require.Equal(t, 1, counts[skel])
		require.Equal(t, 2, counts[other])
		return nil
	}))
}

func smallChunks(t *testing.T, n int) {
	t.Helper()
	old := idChunk
	idChunk = n
	t.Cleanup(func() { idChunk = old })
}

func TestUpdateParentsBatches(t *testing.T) {
	d, project, user := openTestDB(t)
	ctx := context.Background()
	smallChunks(t, 6) // two changes per statement

	nodes := make([]int64, 5)
	require.NoError(t, d.ExecuteWrite(ctx, func(s *Session) error {
		cls, err := NewLookup(s, project).ClassID(ctx, ClassSkeleton)
		require.NoError(t, err)
		skel, err := s.CreateClassInstance(ctx, project, user, cls, "chain")
		require.NoError(t, err)
		for i := range nodes {
			tn := &Treenode{ProjectID: project, UserID: user, SkeletonID: skel, Confidence: 5}
			if i > 0 {
				tn.ParentID = &nodes[i-1]
			}
			nodes[i], err = s.InsertTreenode(ctx, tn)
			require.NoError(t, err)
		}
		return nil
	}))

	// reverse the chain: the last node becomes the root
	changes := []ParentChange{{NodeID: nodes[4]}}
	for i := 3; i >= 0; i-- {
		changes = append(changes, ParentChange{NodeID: nodes[i], ParentID: &nodes[i+1]})
	}
	require.NoError(t, d.ExecuteWrite(ctx, func(s *Session) error {
		return s.UpdateParents(ctx, user, changes)
	}))

	require.NoError(t, d.ExecuteRead(ctx, func(s *Session) error {
		var stamps []int64
		for i, id := range nodes {
			tn, err := s.GetTreenode(ctx, project, id)
			require.NoError(t, err)
			if i == 4 {
				require.Nil(t, tn.ParentID)
			} else {
				require.Equal(t, nodes[i+1], *tn.ParentID)
			}
			stamps = append(stamps, tn.EditedAt)
		}
		require.Len(t, sortedUnique(stamps), 1, "one edition time for the whole batch")
		return nil
	}))

	err := d.ExecuteWrite(ctx, func(s *Session) error {
		return s.UpdateParents(ctx, user, []ParentChange{{NodeID: nodes[0]}, {NodeID: nodes[4] + 100}})
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSynapseCountsChunked(t *testing.T) {
	d, project, user := openTestDB(t)
	ctx := context.Background()
	smallChunks(t, 1)

	var pre, post int64
	skels := make([]int64, 4)
	nodes := make([]int64, 4)
	require.NoError(t, d.ExecuteWrite(ctx, func(s *Session) error {
		lk := NewLookup(s, project)
		cls, err := lk.ClassID(ctx, ClassSkeleton)
		require.NoError(t, err)
		pre, err = lk.RelationID(ctx, RelPresynapticTo)
		require.NoError(t, err)
		post, err = lk.RelationID(ctx, RelPostsynapticTo)
		require.NoError(t, err)
		for i := range skels {
			skels[i], err = s.CreateClassInstance(ctx, project, user, cls, "sk")
			require.NoError(t, err)
			nodes[i], err = s.InsertTreenode(ctx, &Treenode{ProjectID: project, UserID: user, SkeletonID: skels[i], Confidence: 5})
			require.NoError(t, err)
		}
		// 0 -> 2 twice, 1 -> 3 once
		for _, pair := range [][2]int{{0, 2}, {0, 2}, {1, 3}} {
			c, err := s.InsertConnector(ctx, &Connector{ProjectID: project, UserID: user, Confidence: 5})
			require.NoError(t, err)
			for j, rel := range []int64{pre, post} {
				_, err := s.LinkTreenodeConnector(ctx, &TreenodeConnector{
					ProjectID: project, UserID: user, RelationID: rel,
					TreenodeID: nodes[pair[j]], ConnectorID: c, Confidence: 5,
				})
				require.NoError(t, err)
			}
		}
		return nil
	}))

	require.NoError(t, d.ExecuteRead(ctx, func(s *Session) error {
		counts, err := s.SynapseCounts(ctx, project, skels[:2], skels[2:], pre, post)
		require.NoError(t, err)
		require.ElementsMatch(t, []SynapseCount{
			{SourceID: skels[0], TargetID: skels[2], N: 2},
			{SourceID: skels[1], TargetID: skels[3], N: 1},
		}, counts)
		return nil
	}))
}

func TestExecuteWriteRollsBack(t *testing.T) {
	d, project, user := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := d.ExecuteWrite(ctx, func(s *Session) error {
		cls, err := NewLookup(s, project).ClassID(ctx, ClassNeuron)
		if err != nil {
			return err
		}
		if _, err := s.CreateClassInstance(ctx, project, user, cls, "ghost"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, d.ExecuteRead(ctx, func(s *Session) error {
		cls, err := NewLookup(s, project).ClassID(ctx, ClassNeuron)
		require.NoError(t, err)
		_, err = s.FindClassInstance(ctx, project, cls, "ghost")
		require.ErrorIs(t, err, ErrNotFound)
		return nil
	}))
}

func TestAnnotatedEntities(t *testing.T) {
	d, project, user := openTestDB(t)
	ctx := context.Background()
	var n1, n2, n3, a, b int64
	var neuronCls, annotatedWith int64
	require.NoError(t, d.ExecuteWrite(ctx, func(s *Session) error {
		lk := NewLookup(s, project)
		var err error
		neuronCls, err = lk.ClassID(ctx, ClassNeuron)
		require.NoError(t, err)
		annCls, err := lk.ClassID(ctx, ClassAnnotation)
		require.NoError(t, err)
		annotatedWith, err = lk.RelationID(ctx, RelAnnotatedWith)
		require.NoError(t, err)

		mk := func(cls int64, name string) int64 {
			id, err := s.CreateClassInstance(ctx, project, user, cls, name)
			require.NoError(t, err)
			return id
		}
		n1, n2, n3 = mk(neuronCls, "n1"), mk(neuronCls, "n2"), mk(neuronCls, "n3")
		a, b = mk(annCls, "a"), mk(annCls, "b")
		for _, l := range [][2]int64{{n1, a}, {n1, b}, {n2, a}, {n3, b}} {
			_, err := s.CreateLink(ctx, project, user, annotatedWith, l[0], l[1])
			require.NoError(t, err)
		}
		return nil
	}))

	query := func(q EntityQuery) []int64 {
		q.ProjectID, q.AnnotatedWithRel, q.ClassIDs = project, annotatedWith, []int64{neuronCls}
		var ids []int64
		require.NoError(t, d.ExecuteRead(ctx, func(s *Session) error {
			cis, err := s.AnnotatedEntities(ctx, q)
			for _, ci := range cis {
				ids = append(ids, ci.ID)
			}
			return err
		}))
		return ids
	}

	require.Equal(t, []int64{n1, n2}, query(EntityQuery{AnnotatedWith: [][]int64{{a}}}))
	require.Equal(t, []int64{n1}, query(EntityQuery{AnnotatedWith: [][]int64{{a}, {b}}}))
	require.Equal(t, []int64{n1, n2, n3}, query(EntityQuery{AnnotatedWith: [][]int64{{a, b}}}))
	require.Equal(t, []int64{n2}, query(EntityQuery{AnnotatedWith: [][]int64{{a}}, NotAnnotatedWith: [][]int64{{b}}}))
	require.Empty(t, query(EntityQuery{AnnotatedWith: [][]int64{{}}}))
	require.Empty(t, query(EntityQuery{AnnotatedWith: [][]int64{{a}}, AnnotatedBy: []int64{user + 1}}))
}

func TestLogEntries(t *testing.T) {
	d, project, user := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.AppendLog(ctx, LogEntry{ProjectID: project, UserID: user, Operation: "split_skeleton", X: 1, Freetext: "first"}))
	require.NoError(t, d.AppendLog(ctx, LogEntry{ProjectID: project, UserID: user, Operation: "join_skeleton", Freetext: "second"}))
	require.NoError(t, d.ExecuteRead(ctx, func(s *Session) error {
		entries, err := s.LogEntries(ctx, project, 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		var ops []string
		for _, e := range entries {
			ops = append(ops, e.Operation)
		}
		require.ElementsMatch(t, []string{"split_skeleton", "join_skeleton"}, ops)
		return nil
	}))
}
