package skeleton

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"catmaid/arbor/internal/annotation"
	"catmaid/arbor/internal/authz"
	"catmaid/arbor/internal/db"
	"catmaid/arbor/internal/db/dbtest"
	"catmaid/arbor/internal/graph"
	"catmaid/arbor/internal/metrics"
)

func setup(t *testing.T) (*dbtest.Fixture, *Service) {
	t.Helper()
	f := dbtest.New(t)
	return f, New(f.DB, WithMetrics(metrics.NewRegistry()))
}

func actor(f *dbtest.Fixture, user int64) Actor {
	return Actor{
		Principal: authz.Principal{UserID: user, Superuser: user == f.Admin},
		ProjectID: f.ProjectID,
		RequestID: "test",
	}
}

func parents(t *testing.T, f *dbtest.Fixture, skeletonID int64) map[int64]*int64 {
	t.Helper()
	var pm map[int64]*int64
	f.Read(t, func(ctx context.Context, lk *db.Lookup) error {
		ix, err := graph.LoadSkeleton(ctx, lk.Session(), skeletonID)
		if err != nil {
			return err
		}
		pm = ix.ParentMap()
		return nil
	})
	return pm
}

func parentOf(t *testing.T, pm map[int64]*int64, id int64) int64 {
	t.Helper()
	p, ok := pm[id]
	if !ok {
		t.Fatalf("node %d not in skeleton", id)
	}
	if p == nil {
		return 0
	}
	return *p
}

func annotationNames(t *testing.T, f *dbtest.Fixture, entity int64) map[string]int64 {
	t.Helper()
	var out map[string]int64
	f.Read(t, func(ctx context.Context, lk *db.Lookup) error {
		anns, err := annotation.EntityAnnotations(ctx, lk, entity)
		out = annotation.NameMap(anns)
		return err
	})
	return out
}

func neuronOfSkeleton(t *testing.T, f *dbtest.Fixture, skeletonID int64) int64 {
	t.Helper()
	var id int64
	f.Read(t, func(ctx context.Context, lk *db.Lookup) error {
		var err error
		id, err = neuronOf(ctx, lk, skeletonID)
		return err
	})
	return id
}

func classInstanceExists(t *testing.T, f *dbtest.Fixture, id int64) bool {
	t.Helper()
	exists := true
	f.Read(t, func(ctx context.Context, lk *db.Lookup) error {
		_, err := lk.Session().GetClassInstance(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			exists = false
			return nil
		}
		return err
	})
	return exists
}

func outcomes(s *Service, op, outcome string) float64 {
	return testutil.ToFloat64(s.Metrics().OperationsTotal.WithLabelValues(op, outcome))
}

func TestSplit(t *testing.T) {
	f, svc := setup(t)
	ctx := context.Background()
	own := actor(f, f.Owner)

	//   n0 - n1 - n2 - n3
	//         \
	//          n4
	skel, neuron, n := f.Skeleton(t, f.Owner, []int{-1, 0, 1, 2, 1})
	_, err := svc.Annotate(ctx, own, []int64{neuron}, map[string]int64{"a": f.Owner, "b": f.Owner})
	require.NoError(t, err)

	var reviewID int64
	f.Write(t, func(ctx context.Context, lk *db.Lookup) error {
		var err error
		reviewID, err = lk.Session().InsertReview(ctx, f.ProjectID, f.Other, n[3])
		return err
	})
	link, err := svc.LinkConnector(ctx, own, LinkConnectorRequest{TreenodeID: n[3], Relation: db.RelPresynapticTo})
	require.NoError(t, err)

	res, err := svc.Split(ctx, own, SplitRequest{
		TreenodeID: n[2],
		Upstream:   map[string]int64{"a": f.Owner, "b": f.Owner},
		Downstream: map[string]int64{"b": f.Owner},
	})
	require.NoError(t, err)
	require.Equal(t, skel, res.ExistingSkeletonID)
	require.EqualValues(t, 2, res.Moved)

	up := parents(t, f, skel)
	require.Len(t, up, 3)
	require.Equal(t, n[1], parentOf(t, up, n[4]))

	down := parents(t, f, res.NewSkeletonID)
	require.Len(t, down, 2)
	require.Nil(t, down[n[2]])
	require.Equal(t, n[2], parentOf(t, down, n[3]))

	require.Equal(t, map[string]int64{"a": f.Owner, "b": f.Owner}, annotationNames(t, f, neuron))
	newNeuron := neuronOfSkeleton(t, f, res.NewSkeletonID)
	require.Equal(t, map[string]int64{"b": f.Owner}, annotationNames(t, f, newNeuron))

	f.Read(t, func(ctx context.Context, lk *db.Lookup) error {
		reviews, err := lk.Session().SkeletonReviews(ctx, res.NewSkeletonID)
		require.NoError(t, err)
		require.Len(t, reviews, 1)
		require.Equal(t, reviewID, reviews[0].ID)
		left, err := lk.Session().SkeletonReviews(ctx, skel)
		require.NoError(t, err)
		require.Empty(t, left)
		return nil
	})
	var linkSkel int64
	require.NoError(t, f.DB.Conn().Get(&linkSkel, `SELECT skeleton_id FROM treenode_connector WHERE id = ?`, link.LinkID))
	require.Equal(t, res.NewSkeletonID, linkSkel)

	require.Equal(t, float64(1), outcomes(svc, "split", metrics.OutcomeOK))
	require.Equal(t, float64(2), testutil.ToFloat64(svc.Metrics().TreenodesReassigned.WithLabelValues("split")))
}

func TestSplit_DownstreamOnlyAnnotationKeepsIdentity(t *testing.T) {
	f, svc := setup(t)
	ctx := context.Background()
	own := actor(f, f.Owner)
	_, neuron, n := f.Skeleton(t, f.Owner, []int{-1, 0, 1})

	ann, err := svc.Annotate(ctx, actor(f, f.Admin), []int64{neuron}, map[string]int64{"x": f.Other})
	require.NoError(t, err)
	x := ann.Annotations["x"].ID
	meta, err := svc.Annotate(ctx, own, []int64{x}, map[string]int64{"m": f.Owner})
	require.NoError(t, err)
	m := meta.Annotations["m"].ID

	res, err := svc.Split(ctx, actor(f, f.Admin), SplitRequest{
		TreenodeID: n[1],
		Upstream:   map[string]int64{},
		Downstream: map[string]int64{"x": f.Other},
	})
	require.NoError(t, err)

	require.Empty(t, annotationNames(t, f, neuron))
	newNeuron := neuronOfSkeleton(t, f, res.NewSkeletonID)
	require.Equal(t, map[string]int64{"x": f.Other}, annotationNames(t, f, newNeuron))

	f.Read(t, func(ctx context.Context, lk *db.Lookup) error {
		anns, err := annotation.EntityAnnotations(ctx, lk, newNeuron)
		require.NoError(t, err)
		require.Equal(t, x, anns[0].ID, "x must move, not be recreated")
		metas, err := annotation.EntityAnnotations(ctx, lk, x)
		require.NoError(t, err)
		require.Len(t, metas, 1)
		require.Equal(t, m, metas[0].ID)
		owner, err := lk.Session().Owner(ctx, "class_instance", x)
		require.NoError(t, err)
		require.Equal(t, f.Admin, owner)
		return nil
	})
}

func TestSplit_Rejections(t *testing.T) {
	f, svc := setup(t)
	ctx := context.Background()
	own := actor(f, f.Owner)
	skel, neuron, n := f.Skeleton(t, f.Owner, []int{-1, 0, 1})
	_, err := svc.Annotate(ctx, own, []int64{neuron}, map[string]int64{"a": f.Owner, "b": f.Owner})
	require.NoError(t, err)

	_, err = svc.Split(ctx, own, SplitRequest{TreenodeID: n[0], Upstream: map[string]int64{"a": 0, "b": 0}})
	require.ErrorIs(t, err, ErrInvalidSplitPoint)

	_, err = svc.Split(ctx, own, SplitRequest{
		TreenodeID: n[1],
		Upstream:   map[string]int64{"a": f.Owner},
		Downstream: map[string]int64{"b": f.Owner},
	})
	require.ErrorIs(t, err, ErrInvalidAnnotationDistribution)

	_, err = svc.Split(ctx, actor(f, f.Other), SplitRequest{TreenodeID: n[1], Upstream: map[string]int64{"a": 0, "b": 0}})
	require.ErrorIs(t, err, authz.ErrPermissionDenied)

	_, err = svc.Split(ctx, own, SplitRequest{})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Split(ctx, Actor{Principal: own.Principal}, SplitRequest{TreenodeID: n[1]})
	require.ErrorIs(t, err, ErrInvalidRequest)

	require.Len(t, parents(t, f, skel), 3, "rejected splits must not change the skeleton")
	require.Equal(t, float64(5), outcomes(svc, "split", metrics.OutcomeRejected))

	res, err := svc.Split(ctx, actor(f, f.Admin), SplitRequest{TreenodeID: n[1], Upstream: map[string]int64{"a": 0, "b": 0}})
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Moved)
}

func TestJoin(t *testing.T) {
	f, svc := setup(t)
	ctx := context.Background()
	own := actor(f, f.Owner)

	skA, neuronA, a := f.Skeleton(t, f.Owner, []int{-1, 0, 1})
	skB, neuronB, b := f.Skeleton(t, f.Owner, []int{-1, 0, 1})
	_, err := svc.Annotate(ctx, own, []int64{neuronA}, map[string]int64{"x": f.Owner, "shared": f.Owner})
	require.NoError(t, err)
	_, err = svc.Annotate(ctx, actor(f, f.Admin), []int64{neuronB}, map[string]int64{"shared": f.Other, "y": f.Owner})
	require.NoError(t, err)

	res, err := svc.Join(ctx, own, JoinRequest{FromTreenodeID: a[2], ToTreenodeID: b[1]})
	require.NoError(t, err)
	require.Equal(t, skA, res.ResultSkeletonID)
	require.Equal(t, skB, res.DeletedSkeletonID)
	require.EqualValues(t, 3, res.Moved)

	pm := parents(t, f, skA)
	require.Len(t, pm, 6)
	require.Equal(t, a[2], parentOf(t, pm, b[1]))
	require.Equal(t, b[1], parentOf(t, pm, b[0]))
	require.Equal(t, b[1], parentOf(t, pm, b[2]))
	require.Nil(t, pm[a[0]])

	require.Equal(t, map[string]int64{"x": f.Owner, "shared": f.Owner, "y": f.Owner}, annotationNames(t, f, neuronA))
	require.False(t, classInstanceExists(t, f, skB))
	require.False(t, classInstanceExists(t, f, neuronB))
}

func TestJoin_Rejections(t *testing.T) {
	f, svc := setup(t)
	ctx := context.Background()
	own := actor(f, f.Owner)

	_, neuronA, a := f.Skeleton(t, f.Owner, []int{-1, 0})
	skB, neuronB, b := f.Skeleton(t, f.Owner, []int{-1, 0})
	_, err := svc.Annotate(ctx, own, []int64{neuronA}, map[string]int64{"keep": f.Owner})
	require.NoError(t, err)
	_, err = svc.Annotate(ctx, actor(f, f.Admin), []int64{neuronB}, map[string]int64{"locked": f.Other})
	require.NoError(t, err)

	_, err = svc.Join(ctx, own, JoinRequest{FromTreenodeID: a[0], ToTreenodeID: a[1]})
	require.ErrorIs(t, err, ErrSameSkeletonJoin)

	_, err = svc.Join(ctx, own, JoinRequest{
		FromTreenodeID: a[1], ToTreenodeID: b[0],
		Annotations: map[string]int64{"keep": f.Owner},
	})
	require.ErrorIs(t, err, ErrAnnotationPermissionViolation)
	require.True(t, classInstanceExists(t, f, skB))
	require.Equal(t, map[string]int64{"locked": f.Other}, annotationNames(t, f, neuronB))

	_, err = svc.Join(ctx, actor(f, f.Other), JoinRequest{FromTreenodeID: a[1], ToTreenodeID: b[0]})
	require.ErrorIs(t, err, authz.ErrPermissionDenied)

	// Keeping every name is always allowed, whoever annotated it.
	res, err := svc.Join(ctx, own, JoinRequest{
		FromTreenodeID: a[1], ToTreenodeID: b[0],
		Annotations: map[string]int64{"keep": f.Owner, "locked": f.Other},
	})
	require.NoError(t, err)
	require.Equal(t, skB, res.DeletedSkeletonID)
	require.Equal(t, map[string]int64{"keep": f.Owner, "locked": f.Other}, annotationNames(t, f, neuronA))
}

func TestSplitThenJoinRestoresTree(t *testing.T) {
	f, svc := setup(t)
	ctx := context.Background()
	own := actor(f, f.Owner)
	skel, _, n := f.Skeleton(t, f.Owner, []int{-1, 0, 1, 1, 3, 3, 5})
	before := parents(t, f, skel)

	split, err := svc.Split(ctx, own, SplitRequest{TreenodeID: n[3]})
	require.NoError(t, err)
	_, err = svc.Join(ctx, own, JoinRequest{FromTreenodeID: n[1], ToTreenodeID: n[3]})
	require.NoError(t, err)

	require.Equal(t, before, parents(t, f, skel))
	require.False(t, classInstanceExists(t, f, split.NewSkeletonID))
}

func TestReroot(t *testing.T) {
	f, svc := setup(t)
	ctx := context.Background()
	own := actor(f, f.Owner)
	skel, _, n := f.Skeleton(t, f.Owner, []int{-1, 0, 1, 2})

	res, err := svc.Reroot(ctx, own, n[2])
	require.NoError(t, err)
	require.False(t, res.AlreadyRoot)
	require.Equal(t, 3, res.Changed)

	pm := parents(t, f, skel)
	require.Nil(t, pm[n[2]])
	require.Equal(t, n[2], parentOf(t, pm, n[1]))
	require.Equal(t, n[1], parentOf(t, pm, n[0]))
	require.Equal(t, n[2], parentOf(t, pm, n[3]))

	res, err = svc.Reroot(ctx, own, n[2])
	require.NoError(t, err)
	require.True(t, res.AlreadyRoot)
	require.Zero(t, res.Changed)

	_, err = svc.Reroot(ctx, actor(f, f.Other), n[0])
	require.ErrorIs(t, err, authz.ErrPermissionDenied)
	_, err = svc.Reroot(ctx, own, n[3]+1000)
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestCreateAndDeleteTreenodes(t *testing.T) {
	f, svc := setup(t)
	ctx := context.Background()
	own := actor(f, f.Owner)

	root, err := svc.CreateTreenode(ctx, own, CreateTreenodeRequest{Location: graph.Point{X: 1}})
	require.NoError(t, err)
	require.NotZero(t, root.NeuronID)

	var neuronName string
	f.Read(t, func(ctx context.Context, lk *db.Lookup) error {
		ci, err := lk.Session().GetClassInstance(ctx, root.NeuronID)
		if err == nil {
			neuronName = ci.Name
		}
		return err
	})
	if !strings.HasPrefix(neuronName, "neuron ") {
		t.Errorf("default neuron name = %q", neuronName)
	}

	mid, err := svc.CreateTreenode(ctx, own, CreateTreenodeRequest{ParentID: &root.TreenodeID, Confidence: 3})
	require.NoError(t, err)
	require.Equal(t, root.SkeletonID, mid.SkeletonID)
	require.Zero(t, mid.NeuronID)
	leaf, err := svc.CreateTreenode(ctx, own, CreateTreenodeRequest{ParentID: &mid.TreenodeID})
	require.NoError(t, err)

	_, err = svc.CreateTreenode(ctx, own, CreateTreenodeRequest{ParentID: &root.TreenodeID, Confidence: 9})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.DeleteTreenode(ctx, own, root.TreenodeID)
	require.ErrorIs(t, err, ErrHasChildren)
	_, err = svc.DeleteTreenode(ctx, actor(f, f.Other), mid.TreenodeID)
	require.ErrorIs(t, err, authz.ErrPermissionDenied)
	require.Equal(t, float64(2), outcomes(svc, "delete_treenode", metrics.OutcomeRejected))

	del, err := svc.DeleteTreenode(ctx, own, mid.TreenodeID)
	require.NoError(t, err)
	require.Equal(t, 1, del.Reparented)
	require.Equal(t, root.TreenodeID, parentOf(t, parents(t, f, root.SkeletonID), leaf.TreenodeID))

	_, err = svc.DeleteTreenode(ctx, own, leaf.TreenodeID)
	require.NoError(t, err)
	del, err = svc.DeleteTreenode(ctx, own, root.TreenodeID)
	require.NoError(t, err)
	require.True(t, del.SkeletonDeleted)
	require.True(t, del.NeuronDeleted)
	require.False(t, classInstanceExists(t, f, root.SkeletonID))
	require.False(t, classInstanceExists(t, f, root.NeuronID))

	var ops []string
	f.Read(t, func(ctx context.Context, lk *db.Lookup) error {
		entries, err := lk.Session().LogEntries(ctx, f.ProjectID, 10)
		for _, e := range entries {
			ops = append(ops, e.Operation)
		}
		return err
	})
	require.Contains(t, ops, "create_neuron")
	require.Contains(t, ops, "delete_neuron")
}

func TestOpenLeavesAndLabels(t *testing.T) {
	f, svc := setup(t)
	ctx := context.Background()
	own := actor(f, f.Owner)

	//   n0 - n1 - n2
	//         \
	//          n3
	_, _, n := f.Skeleton(t, f.Owner, []int{-1, 0, 1, 1})

	leaves, err := svc.OpenLeaves(ctx, own, n[0], nil)
	require.NoError(t, err)
	require.Equal(t, []int64{n[2], n[3]}, leafIDs(leaves))
	require.Equal(t, 2, leaves[0].Distance)

	ids, err := svc.Tag(ctx, own, n[3], []string{"ends", "checked"})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	again, err := svc.Tag(ctx, own, n[2], []string{"checked"})
	require.NoError(t, err)
	require.Equal(t, ids[1], again[0], "labels are reused by name")

	leaves, err = svc.OpenLeaves(ctx, own, n[0], nil)
	require.NoError(t, err)
	require.Equal(t, []int64{n[2]}, leafIDs(leaves))

	leaves, err = svc.OpenLeaves(ctx, own, n[2], nil)
	require.NoError(t, err)
	require.Equal(t, []int64{n[2], n[0]}, leafIDs(leaves))

	labeled, err := svc.LabeledNodes(ctx, own, n[0], regexp.MustCompile(`^check`))
	require.NoError(t, err)
	require.Equal(t, []int64{n[2], n[3]}, leafIDs(labeled))
	require.Equal(t, []string{"checked"}, labeled[1].Tags)

	_, err = svc.LabeledNodes(ctx, own, n[0], nil)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Tag(ctx, own, n[0], nil)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func leafIDs(ls []graph.Leaf) []int64 {
	ids := make([]int64, len(ls))
	for i, l := range ls {
		ids[i] = l.ID
	}
	return ids
}

func TestCheckAndAncestry(t *testing.T) {
	f, svc := setup(t)
	ctx := context.Background()
	own := actor(f, f.Owner)
	skel, neuron, _ := f.Skeleton(t, f.Owner, []int{-1, 0, 1, 1, 1})

	st, err := svc.Check(ctx, own, skel, 2)
	require.NoError(t, err)
	require.Equal(t, 5, st.TotalNodes)
	require.Equal(t, 1, st.BranchPoints)
	require.Equal(t, 4, st.EndNodes)
	require.Len(t, st.DeepestNodes, 2)

	var group int64
	f.Write(t, func(ctx context.Context, lk *db.Lookup) error {
		cls, err := lk.ClassID(ctx, db.ClassGroup)
		if err != nil {
			return err
		}
		partOf, err := lk.RelationID(ctx, db.RelPartOf)
		if err != nil {
			return err
		}
		s := lk.Session()
		if group, err = s.CreateClassInstance(ctx, f.ProjectID, f.Owner, cls, "lineage"); err != nil {
			return err
		}
		if _, err := s.CreateLink(ctx, f.ProjectID, f.Owner, partOf, neuron, group); err != nil {
			return err
		}
		// A cycle back to the neuron must not loop forever.
		_, err = s.CreateLink(ctx, f.ProjectID, f.Owner, partOf, group, neuron)
		return err
	})

	chain, err := svc.Ancestry(ctx, own, skel)
	require.NoError(t, err)
	var classes []string
	for _, c := range chain {
		classes = append(classes, c.Class)
	}
	require.Equal(t, []string{"skeleton", "neuron", "group"}, classes)
	require.Equal(t, group, chain[2].ID)
	require.Equal(t, "part_of", chain[2].Relation)

	_, err = svc.Ancestry(ctx, own, neuron)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

const swcDoc = `# imported
1 1 0 0 0 3 -1
2 3 1 0 0 1 1
3 3 2 0 0 1 2
4 3 1 1 0 1 2
`

func TestImportSWC(t *testing.T) {
	f, svc := setup(t)
	ctx := context.Background()
	own := actor(f, f.Owner)

	res, err := svc.ImportSWC(ctx, own, strings.NewReader(swcDoc), "imported cell")
	require.NoError(t, err)
	require.Equal(t, 4, res.Treenodes)

	pm := parents(t, f, res.SkeletonID)
	require.Len(t, pm, 4)
	require.Nil(t, pm[res.IDMap[1]])
	require.Equal(t, res.IDMap[2], parentOf(t, pm, res.IDMap[4]))

	_, err = svc.ImportSWC(ctx, own, strings.NewReader("1 1 0 0 0 1 -1\n2 1 0 0 0 1 -1\n"), "")
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.ImportSWC(ctx, own, strings.NewReader("1 1 0 0 0 1 -1\n2 1 0 0 0 1 7\n"), "")
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.ImportSWC(ctx, own, strings.NewReader("not swc"), "")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRemoveAnnotations_CommitsPermitted(t *testing.T) {
	f, svc := setup(t)
	ctx := context.Background()
	neuron := f.Neuron(t, f.Owner, "n")

	res, err := svc.Annotate(ctx, actor(f, f.Admin), []int64{neuron}, map[string]int64{"mine": f.Owner, "theirs": f.Other})
	require.NoError(t, err)
	ids := []int64{res.Annotations["mine"].ID, res.Annotations["theirs"].ID}
	slices.Sort(ids)

	out, err := svc.RemoveAnnotations(ctx, actor(f, f.Owner), []int64{neuron}, ids)
	require.ErrorIs(t, err, authz.ErrPermissionDenied)
	require.Len(t, out, 2)
	require.Equal(t, map[string]int64{"theirs": f.Other}, annotationNames(t, f, neuron))
	require.False(t, classInstanceExists(t, f, res.Annotations["mine"].ID))
}
