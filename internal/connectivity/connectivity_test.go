package connectivity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"catmaid/arbor/internal/db"
	"catmaid/arbor/internal/db/dbtest"
)

// synapse wires pre node -> new connector -> post node
func synapse(t *testing.T, f *dbtest.Fixture, preNode, postNode int64, preConf, postConf int) {
	t.Helper()
	f.Write(t, func(ctx context.Context, lk *db.Lookup) error {
		s := lk.Session()
		pre, err := lk.RelationID(ctx, db.RelPresynapticTo)
		if err != nil {
			return err
		}
		post, err := lk.RelationID(ctx, db.RelPostsynapticTo)
		if err != nil {
			return err
		}
		cid, err := s.InsertConnector(ctx, &db.Connector{ProjectID: f.ProjectID, UserID: f.Owner, Confidence: 5})
		if err != nil {
			return err
		}
		if _, err := s.LinkTreenodeConnector(ctx, &db.TreenodeConnector{
			ProjectID: f.ProjectID, UserID: f.Owner, RelationID: pre,
			TreenodeID: preNode, ConnectorID: cid, Confidence: preConf,
		}); err != nil {
			return err
		}
		_, err = s.LinkTreenodeConnector(ctx, &db.TreenodeConnector{
			ProjectID: f.ProjectID, UserID: f.Owner, RelationID: post,
			TreenodeID: postNode, ConnectorID: cid, Confidence: postConf,
		})
		return err
	})
}

type world struct {
	f          *dbtest.Fixture
	s1, s2, s3 int64
	p          int64
}

// s1 -> p once, s2 -> p twice (one at low confidence), s3 unconnected
func newWorld(t *testing.T) *world {
	f := dbtest.New(t)
	w := &world{f: f}
	var n1, n2, np []int64
	w.s1, _, n1 = f.Skeleton(t, f.Owner, []int{-1, 0})
	w.s2, _, n2 = f.Skeleton(t, f.Owner, []int{-1})
	w.s3, _, _ = f.Skeleton(t, f.Owner, []int{-1})
	w.p, _, np = f.Skeleton(t, f.Owner, []int{-1, 0, 1})

	synapse(t, f, n1[1], np[2], 5, 5)
	synapse(t, f, n2[0], np[0], 5, 5)
	synapse(t, f, n2[0], np[1], 2, 4)

	f.Write(t, func(ctx context.Context, lk *db.Lookup) error {
		_, err := lk.Session().InsertReview(ctx, f.ProjectID, f.Other, np[0])
		return err
	})
	return w
}

func (w *world) connected(t *testing.T, ids []int64, d Direction, op Op) map[int64]*Partner {
	t.Helper()
	var out map[int64]*Partner
	w.f.Read(t, func(ctx context.Context, lk *db.Lookup) error {
		var err error
		out, err = ConnectedSkeletons(ctx, lk, ids, d, op)
		return err
	})
	return out
}

func TestConnectedSkeletons_AndExcludesPartialPartner(t *testing.T) {
	w := newWorld(t)
	got := w.connected(t, []int64{w.s1, w.s2, w.s3}, Downstream, And)
	require.NotContains(t, got, w.p)
}

func TestConnectedSkeletons_AndKeepsSharedPartner(t *testing.T) {
	w := newWorld(t)
	got := w.connected(t, []int64{w.s1, w.s2}, Downstream, And)
	require.Contains(t, got, w.p)

	p := got[w.p]
	require.Equal(t, 3, p.Total.Sum())
	require.Equal(t, Histogram{0, 1, 0, 0, 2}, p.Total)
	require.Equal(t, Histogram{0, 0, 0, 0, 1}, p.Sources[w.s1])
	require.Equal(t, Histogram{0, 1, 0, 0, 1}, p.Sources[w.s2])
	require.Equal(t, 3, p.NumNodes)
	require.Equal(t, []int64{w.f.Other}, p.Reviewers)
}

func TestConnectedSkeletons_Or(t *testing.T) {
	w := newWorld(t)
	got := w.connected(t, []int64{w.s1, w.s3}, Downstream, Or)
	require.Len(t, got, 1)
	require.Equal(t, 1, got[w.p].Total.Sum())

	// a single queried skeleton is unaffected by And
	got = w.connected(t, []int64{w.s1}, Downstream, And)
	require.Contains(t, got, w.p)
}

func TestConnectedSkeletons_Upstream(t *testing.T) {
	w := newWorld(t)
	got := w.connected(t, []int64{w.p}, Upstream, Or)
	require.Len(t, got, 2)
	require.Equal(t, 1, got[w.s1].Total.Sum())
	require.Equal(t, 2, got[w.s2].Total.Sum())
	require.Equal(t, 2, got[w.s1].NumNodes)
}

func TestConnectivity_BothDirections(t *testing.T) {
	w := newWorld(t)
	res, err := Connectivity(context.Background(), w.f.DB, w.f.ProjectID, []int64{w.s2}, Or, Or)
	require.NoError(t, err)
	require.Empty(t, res.Incoming)
	require.Len(t, res.Outgoing, 1)
	require.Equal(t, 2, res.Outgoing[w.p].Total.Sum())
}

func TestMatrix(t *testing.T) {
	w := newWorld(t)
	var m map[int64]map[int64]int
	w.f.Read(t, func(ctx context.Context, lk *db.Lookup) error {
		var err error
		m, err = Matrix(ctx, lk, []int64{w.s1, w.s2, w.s3}, []int64{w.p})
		return err
	})
	require.Equal(t, 1, m[w.s1][w.p])
	require.Equal(t, 2, m[w.s2][w.p])
	require.NotContains(t, m, w.s3)

	w.f.Read(t, func(ctx context.Context, lk *db.Lookup) error {
		var err error
		m, err = Matrix(ctx, lk, []int64{w.p}, []int64{w.s1})
		return err
	})
	require.Empty(t, m)
}

func TestBucket(t *testing.T) {
	for conf, want := range map[int]int{-3: 0, 0: 0, 1: 0, 3: 2, 5: 4, 9: 4} {
		if got := bucket(conf); got != want {
			t.Errorf("bucket(%d) = %d, want %d", conf, got, want)
		}
	}
}
