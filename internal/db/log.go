package db

import (
	"context"
	"fmt"
)

// AppendLog writes an entry to the operation log outside of any caller
// transaction.
func (d *DB) AppendLog(ctx context.Context, e LogEntry) error {
	q := d.conn.Rebind(`
		INSERT INTO log (project_id, user_id, operation_type, location_x, location_y, location_z, freetext, creation_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := d.conn.ExecContext(ctx, q,
		e.ProjectID, e.UserID, e.Operation, e.X, e.Y, e.Z, e.Freetext, nowMillis()); err != nil {
		return fmt.Errorf("appending %s to log: %w", e.Operation, err)
	}
	return nil
}

// LogEntries returns the most recent log entries of a project, newest first.
func (s *Session) LogEntries(ctx context.Context, projectID int64, limit int) ([]LogEntry, error) {
	var rows []struct {
		ProjectID int64   `db:"project_id"`
		UserID    int64   `db:"user_id"`
		Operation string  `db:"operation_type"`
		X         float64 `db:"location_x"`
		Y         float64 `db:"location_y"`
		Z         float64 `db:"location_z"`
		Freetext  string  `db:"freetext"`
	}
	if err := s.selectRows(ctx, &rows, `
		SELECT project_id, user_id, operation_type, location_x, location_y, location_z, freetext
		FROM log WHERE project_id = ? ORDER BY id DESC LIMIT ?`, projectID, limit); err != nil {
		return nil, fmt.Errorf("loading log: %w", err)
	}
	out := make([]LogEntry, len(rows))
	for i, r := range rows {
		out[i] = LogEntry{
			ProjectID: r.ProjectID, UserID: r.UserID, Operation: r.Operation,
			X: r.X, Y: r.Y, Z: r.Z, Freetext: r.Freetext,
		}
	}
	return out, nil
}
