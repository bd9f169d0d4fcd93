package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/planforge/mindsync/internal/schema"
)

// EnqueuePendingContext appends op to the offline log and returns its seq.
func (db *DB) EnqueuePendingContext(ctx context.Context, op *schema.PendingOp) (int64, error) {
	if err := op.Validate(); err != nil {
		return 0, fmt.Errorf("invalid pending op: %w", err)
	}

	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}

	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO pending_ops (project_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		op.ProjectID, string(op.Kind), string(op.Payload), formatTime(op.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue pending op: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending op seq: %w", err)
	}
	op.Seq = seq
	return seq, nil
}

// ListPendingContext returns the queued ops of a project in seq order.
func (db *DB) ListPendingContext(ctx context.Context, projectID string) ([]*schema.PendingOp, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT seq, project_id, kind, payload, created_at
	FROM pending_ops
	WHERE project_id = ?
	ORDER BY seq ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending ops: %w", err)
	}
	defer rows.Close()

	var ops []*schema.PendingOp
	for rows.Next() {
		var op schema.PendingOp
		var kind, payload, createdAt string
		if err := rows.Scan(&op.Seq, &op.ProjectID, &kind, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending op: %w", err)
		}
		op.Kind = schema.PendingKind(kind)
		op.Payload = []byte(payload)
		op.CreatedAt = parseTime(createdAt)
		ops = append(ops, &op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending ops: %w", err)
	}

	return ops, nil
}

// AckPendingContext removes a replayed op. Idempotent.
func (db *DB) AckPendingContext(ctx context.Context, seq int64) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM pending_ops WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("failed to ack pending op %d: %w", seq, err)
	}
	return nil
}

// Stats summarizes one project.
type Stats struct {
	ProjectID      string
	Features       int
	UserStories    int
	PendingOps     int
	MindmapID      string
	MindmapVersion int64
	MindmapNodes   int
	UpdatedAt      time.Time
	HasMindmap     bool
}

// StatsContext gathers row counts and the mindmap version of a project.
func (db *DB) StatsContext(ctx context.Context, projectID string) (*Stats, error) {
	s := &Stats{ProjectID: projectID}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM features WHERE project_id = ?`, &s.Features},
		{`SELECT COUNT(*) FROM user_stories WHERE project_id = ?`, &s.UserStories},
		{`SELECT COUNT(*) FROM pending_ops WHERE project_id = ?`, &s.PendingOps},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, c.query, projectID).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to gather stats: %w", err)
		}
	}

	doc, err := db.GetMindmapByProjectContext(ctx, projectID)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("failed to gather stats: %w", err)
	default:
		s.HasMindmap = true
		s.MindmapID = doc.ID
		s.MindmapVersion = doc.Version
		s.MindmapNodes = len(doc.Body.Nodes)
		s.UpdatedAt = doc.UpdatedAt
	}

	return s, nil
}
