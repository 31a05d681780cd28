package skeleton

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"catmaid/arbor/internal/db"
	"catmaid/arbor/internal/graph"
	"catmaid/arbor/internal/swc"
)

// ImportResult describes a skeleton created from an SWC file
type ImportResult struct {
	SkeletonID int64           `json:"skeleton_id"`
	NeuronID   int64           `json:"neuron_id"`
	Treenodes  int             `json:"treenodes"`
	IDMap      map[int64]int64 `json:"id_map"` // SWC sample id -> treenode id
}

// ImportSWC creates a new skeleton and neuron from an SWC document. The
// samples must form exactly one tree; nothing is written otherwise.
func (s *Service) ImportSWC(ctx context.Context, a Actor, r io.Reader, neuronName string) (*ImportResult, error) {
	res := &ImportResult{}
	err := s.run(a, "import", logrus.Fields{"neuron": neuronName}, func() error {
		f, err := swc.Parse(r)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		ix, err := graph.Build(samplesToRows(f.Samples))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		order, err := graph.Subtree(ix, ix.Root())
		if err != nil {
			return err
		}

		err = s.db.ExecuteWrite(ctx, func(tx *db.Session) error {
			var err error
			res.SkeletonID, res.NeuronID, err = newSkeleton(ctx, db.NewLookup(tx, a.ProjectID), a.UserID, neuronName)
			if err != nil {
				return err
			}
			res.IDMap = make(map[int64]int64, len(order))
			for _, sid := range order {
				n, _ := ix.Node(sid)
				tn := &db.Treenode{
					ProjectID: a.ProjectID, UserID: a.UserID, SkeletonID: res.SkeletonID,
					X: n.Location.X, Y: n.Location.Y, Z: n.Location.Z,
					Radius:     sql.NullFloat64{Float64: n.Radius, Valid: n.Radius > 0},
					Confidence: 5,
				}
				if n.ParentID != nil {
					p := res.IDMap[*n.ParentID]
					tn.ParentID = &p
				}
				if res.IDMap[sid], err = tx.InsertTreenode(ctx, tn); err != nil {
					return err
				}
			}
			res.Treenodes = len(order)
			return nil
		})
		if err != nil {
			return err
		}
		root, _ := ix.Node(ix.Root())
		s.appendLog(ctx, a, "create_neuron", root.Location, fmt.Sprintf(
			"Imported %d samples as skeleton %d", res.Treenodes, res.SkeletonID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func samplesToRows(samples []swc.Sample) []graph.Row {
	rows := make([]graph.Row, len(samples))
	for i, sm := range samples {
		rows[i] = graph.Row{
			ID:         sm.ID,
			Location:   graph.Point{X: sm.X, Y: sm.Y, Z: sm.Z},
			Radius:     sm.Radius,
			Confidence: 5,
		}
		if !sm.IsRoot() {
			p := sm.Parent
			rows[i].ParentID = &p
		}
	}
	return rows
}
