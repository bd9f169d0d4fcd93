package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/planforge/mindsync/internal/schema"
)

const featureColumns = `id, project_id, title, description, priority, complexity,
	category, metadata, created_at, updated_at`

func scanFeature(row rowScanner) (*schema.Feature, error) {
	var f schema.Feature
	var priority, complexity, category string
	var metadata, createdAt, updatedAt string

	err := row.Scan(
		&f.ID,
		&f.ProjectID,
		&f.Title,
		&f.Description,
		&priority,
		&complexity,
		&category,
		&metadata,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	f.Priority = schema.Priority(priority)
	f.Complexity = schema.Complexity(complexity)
	f.Category = schema.Category(category)

	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &f.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata of feature %s: %w", f.ID, err)
		}
	}
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)

	return &f, nil
}

func scanFeatures(rows *sql.Rows) ([]*schema.Feature, error) {
	var features []*schema.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating features: %w", err)
	}
	return features, nil
}

// InsertFeatureContext inserts a new feature row. The id must already be set.
// CreatedAt and UpdatedAt default to now when zero.
func (db *DB) InsertFeatureContext(ctx context.Context, f *schema.Feature) error {
	if f.ID == "" {
		return fmt.Errorf("feature id is required")
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid feature: %w", err)
	}

	metadata, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = now
	}

	query := `
	INSERT INTO features (
		id, project_id, title, description, priority, complexity,
		category, metadata, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = db.conn.ExecContext(ctx, query,
		f.ID,
		f.ProjectID,
		f.Title,
		f.Description,
		string(f.Priority),
		string(f.Complexity),
		string(f.Category),
		string(metadata),
		formatTime(f.CreatedAt),
		formatTime(f.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert feature %s: %w", f.ID, err)
	}

	return nil
}

// UpdateFeatureContext overwrites the mutable columns of an existing feature
// and stamps updated_at. Returns sql.ErrNoRows if the feature doesn't exist.
func (db *DB) UpdateFeatureContext(ctx context.Context, f *schema.Feature) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid feature: %w", err)
	}

	metadata, err := json.Marshal(f.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	f.UpdatedAt = time.Now().UTC()

	query := `
	UPDATE features SET
		title = ?,
		description = ?,
		priority = ?,
		complexity = ?,
		category = ?,
		metadata = ?,
		updated_at = ?
	WHERE id = ?
	`

	res, err := db.conn.ExecContext(ctx, query,
		f.Title,
		f.Description,
		string(f.Priority),
		string(f.Complexity),
		string(f.Category),
		string(metadata),
		formatTime(f.UpdatedAt),
		f.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update feature %s: %w", f.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update feature %s: %w", f.ID, err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// DeleteFeatureContext removes a feature and, by cascade, its user stories.
// Reports whether a row was deleted; a missing feature is not an error.
func (db *DB) DeleteFeatureContext(ctx context.Context, id string) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM features WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete feature %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete feature %s: %w", id, err)
	}
	return n > 0, nil
}

// GetFeatureContext retrieves a single feature by id.
// Returns sql.ErrNoRows if the feature is not found.
func (db *DB) GetFeatureContext(ctx context.Context, id string) (*schema.Feature, error) {
	query := `SELECT ` + featureColumns + ` FROM features WHERE id = ?`
	return scanFeature(db.conn.QueryRowContext(ctx, query, id))
}

// ListFeatures returns every feature of a project, oldest first.
func (db *DB) ListFeatures(projectID string) ([]*schema.Feature, error) {
	return db.ListFeaturesContext(context.Background(), projectID)
}

// ListFeaturesContext returns a project's features with context support.
func (db *DB) ListFeaturesContext(ctx context.Context, projectID string) ([]*schema.Feature, error) {
	query := `SELECT ` + featureColumns + `
	FROM features
	WHERE project_id = ?
	ORDER BY created_at ASC, id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	defer rows.Close()

	return scanFeatures(rows)
}

// GetFeatureCount returns the number of features in a project.
func (db *DB) GetFeatureCount(projectID string) (int, error) {
	return db.GetFeatureCountContext(context.Background(), projectID)
}

// GetFeatureCountContext returns the number of features with context support.
func (db *DB) GetFeatureCountContext(ctx context.Context, projectID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM features WHERE project_id = ?", projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get feature count: %w", err)
	}
	return count, nil
}
