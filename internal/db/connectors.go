package db

import (
	"context"
	"fmt"
)

// InsertConnector inserts a connector and returns its id.
func (s *Session) InsertConnector(ctx context.Context, c *Connector) (int64, error) {
	now := nowMillis()
	id, err := s.insertReturningID(ctx, `
		INSERT INTO connector (project_id, user_id, location_x, location_y, location_z, confidence, creation_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ProjectID, c.UserID, c.X, c.Y, c.Z, c.Confidence, now)
	if err != nil {
		return 0, fmt.Errorf("inserting connector: %w", err)
	}
	c.ID, c.CreatedAt = id, now
	return id, nil
}

// LinkTreenodeConnector inserts a treenode_connector row. The skeleton id is
// taken from the treenode.
func (s *Session) LinkTreenodeConnector(ctx context.Context, tc *TreenodeConnector) (int64, error) {
	id, err := s.insertReturningID(ctx, `
		INSERT INTO treenode_connector
			(project_id, user_id, relation_id, treenode_id, connector_id, skeleton_id, confidence, creation_time)
		SELECT ?, ?, ?, t.id, ?, t.skeleton_id, ?, ?
		FROM treenode t WHERE t.id = ?`,
		tc.ProjectID, tc.UserID, tc.RelationID, tc.ConnectorID, tc.Confidence, nowMillis(), tc.TreenodeID)
	if err != nil {
		return 0, fmt.Errorf("linking treenode %d to connector %d: %w", tc.TreenodeID, tc.ConnectorID, err)
	}
	tc.ID = id
	return id, nil
}

// SynapseEdge is one connector shared by a source skeleton (through relation
// one) and a partner skeleton (through relation two).
type SynapseEdge struct {
	SourceID   int64 `db:"source_id"`
	PartnerID  int64 `db:"partner_id"`
	Confidence int   `db:"confidence"` // min of both link confidences
}

// SynapseEdges returns one row per (source link, partner link) pair sharing a
// connector, where the source link uses relSource and belongs to one of
// skeletonIDs and the partner link uses relPartner.
func (s *Session) SynapseEdges(ctx context.Context, projectID int64, skeletonIDs []int64, relSource, relPartner int64) ([]SynapseEdge, error) {
	var out []SynapseEdge
	for _, chunk := range chunkIDs(sortedUnique(skeletonIDs)) {
		var part []SynapseEdge
		err := s.selectRows(ctx, &part, `
			SELECT t1.skeleton_id AS source_id, t2.skeleton_id AS partner_id,
			       CASE WHEN t1.confidence < t2.confidence THEN t1.confidence ELSE t2.confidence END AS confidence
			FROM treenode_connector t1
			JOIN treenode_connector t2 ON t2.connector_id = t1.connector_id
			WHERE t1.project_id = ? AND t1.skeleton_id IN (?)
			  AND t1.relation_id = ? AND t2.relation_id = ?
			ORDER BY t1.id, t2.id`, projectID, chunk, relSource, relPartner)
		if err != nil {
			return nil, fmt.Errorf("loading synapses: %w", err)
		}
		out = append(out, part...)
	}
	return out, nil
}

// SynapseCount is the number of synapses from Source to Target.
type SynapseCount struct {
	SourceID int64 `db:"source_id"`
	TargetID int64 `db:"target_id"`
	N        int   `db:"n"`
}

// SynapseCounts counts synapses from skeletons in sources to skeletons in
// targets, grouped by pair. Pairs without synapses are absent.
func (s *Session) SynapseCounts(ctx context.Context, projectID int64, sources, targets []int64, pre, post int64) ([]SynapseCount, error) {
	if len(sources) == 0 || len(targets) == 0 {
		return nil, nil
	}
	var out []SynapseCount
	targetChunks := chunkIDs(sortedUnique(targets))
	for _, src := range chunkIDs(sortedUnique(sources)) {
		for _, dst := range targetChunks {
			var part []SynapseCount
			err := s.selectRows(ctx, &part, `
				SELECT t1.skeleton_id AS source_id, t2.skeleton_id AS target_id, COUNT(*) AS n
				FROM treenode_connector t1
				JOIN treenode_connector t2 ON t2.connector_id = t1.connector_id
				WHERE t1.project_id = ? AND t1.skeleton_id IN (?) AND t2.skeleton_id IN (?)
				  AND t1.relation_id = ? AND t2.relation_id = ?
				GROUP BY t1.skeleton_id, t2.skeleton_id`,
				projectID, src, dst, pre, post)
			if err != nil {
				return nil, fmt.Errorf("counting synapses: %w", err)
			}
			out = append(out, part...)
		}
	}
	return out, nil
}
