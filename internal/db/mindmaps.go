package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/planforge/mindsync/internal/schema"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const mindmapColumns = `id, project_id, title, body, version, created_at, updated_at`

func scanMindmap(row rowScanner) (*schema.MindmapDocument, error) {
	var doc schema.MindmapDocument
	var body, createdAt, updatedAt string

	if err := row.Scan(&doc.ID, &doc.ProjectID, &doc.Title, &body, &doc.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	parsed, err := schema.ParseBody([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("mindmap %s: %w", doc.ID, err)
	}
	doc.Body = parsed
	doc.CreatedAt = parseTime(createdAt)
	doc.UpdatedAt = parseTime(updatedAt)

	return &doc, nil
}

// GetMindmapByProject retrieves the mindmap document of a project.
// Returns sql.ErrNoRows if the project has none yet.
func (db *DB) GetMindmapByProject(projectID string) (*schema.MindmapDocument, error) {
	return db.GetMindmapByProjectContext(context.Background(), projectID)
}

// GetMindmapByProjectContext retrieves a project's mindmap with context support.
func (db *DB) GetMindmapByProjectContext(ctx context.Context, projectID string) (*schema.MindmapDocument, error) {
	query := `SELECT ` + mindmapColumns + ` FROM mindmaps WHERE project_id = ?`
	return scanMindmap(db.conn.QueryRowContext(ctx, query, projectID))
}

// GetMindmapByIDContext retrieves a mindmap by its document id.
// Returns sql.ErrNoRows if not found.
func (db *DB) GetMindmapByIDContext(ctx context.Context, id string) (*schema.MindmapDocument, error) {
	query := `SELECT ` + mindmapColumns + ` FROM mindmaps WHERE id = ?`
	return scanMindmap(db.conn.QueryRowContext(ctx, query, id))
}

// CreateMindmapContext inserts doc unless the project already has a mindmap,
// and returns whichever row is stored afterwards.
func (db *DB) CreateMindmapContext(ctx context.Context, doc *schema.MindmapDocument) (*schema.MindmapDocument, error) {
	if doc.ID == "" || doc.ProjectID == "" {
		return nil, fmt.Errorf("mindmap id and project_id are required")
	}
	if err := doc.Body.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mindmap body: %w", err)
	}

	body, err := doc.Body.Marshal()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	query := `
	INSERT INTO mindmaps (id, project_id, title, body, version, created_at, updated_at)
	VALUES (?, ?, ?, ?, 1, ?, ?)
	ON CONFLICT(project_id) DO NOTHING
	`
	if _, err := db.conn.ExecContext(ctx, query,
		doc.ID, doc.ProjectID, doc.Title, string(body), formatTime(now), formatTime(now),
	); err != nil {
		return nil, fmt.Errorf("failed to create mindmap for project %s: %w", doc.ProjectID, err)
	}

	return db.GetMindmapByProjectContext(ctx, doc.ProjectID)
}

// WriteMindmapBodyContext replaces the body of mindmap id, stamps updated_at,
// and bumps version. When expected is not AnyVersion the write only applies
// if the stored version equals expected; otherwise ErrVersionMismatch.
// Returns sql.ErrNoRows if the mindmap does not exist.
func (db *DB) WriteMindmapBodyContext(ctx context.Context, id string, body schema.MindmapBody, expected int64) (*schema.MindmapDocument, error) {
	if err := body.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mindmap body: %w", err)
	}

	data, err := body.Marshal()
	if err != nil {
		return nil, err
	}

	query := `UPDATE mindmaps SET body = ?, version = version + 1, updated_at = ? WHERE id = ?`
	args := []interface{}{string(data), formatTime(time.Now()), id}
	if expected != AnyVersion {
		query += ` AND version = ?`
		args = append(args, expected)
	}

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to write mindmap %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to write mindmap %s: %w", id, err)
	}

	if n == 0 {
		current, err := db.GetMindmapByIDContext(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: mindmap %s is at version %d, expected %d",
			ErrVersionMismatch, id, current.Version, expected)
	}

	return db.GetMindmapByIDContext(ctx, id)
}

// ListProjectsContext returns every project id that has a mindmap, a feature
// or a pending op, sorted.
func (db *DB) ListProjectsContext(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT project_id FROM mindmaps
		UNION
		SELECT project_id FROM features
		UNION
		SELECT project_id FROM pending_ops
		ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsNotFound reports whether err is the no-rows condition.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
