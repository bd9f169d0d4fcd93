package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/planforge/mindsync/internal/schema"
)

// InsertUserStoryContext inserts a user story. The id must already be set and
// the owning feature must exist.
func (db *DB) InsertUserStoryContext(ctx context.Context, s *schema.UserStory) error {
	if s.ID == "" {
		return fmt.Errorf("user story id is required")
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid user story: %w", err)
	}

	criteria := s.AcceptanceCriteria
	if criteria == nil {
		criteria = []string{}
	}
	criteriaJSON, err := json.Marshal(criteria)
	if err != nil {
		return fmt.Errorf("failed to marshal acceptance criteria: %w", err)
	}

	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO user_stories (
		id, project_id, feature_id, title, description,
		acceptance_criteria, priority, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = db.conn.ExecContext(ctx, query,
		s.ID,
		s.ProjectID,
		s.FeatureID,
		s.Title,
		s.Description,
		string(criteriaJSON),
		string(s.Priority),
		formatTime(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert user story %s: %w", s.ID, err)
	}

	return nil
}

// ListUserStoriesContext returns a project's user stories, oldest first.
func (db *DB) ListUserStoriesContext(ctx context.Context, projectID string) ([]*schema.UserStory, error) {
	query := `
	SELECT id, project_id, feature_id, title, description,
	       acceptance_criteria, priority, created_at
	FROM user_stories
	WHERE project_id = ?
	ORDER BY created_at ASC, id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user stories: %w", err)
	}
	defer rows.Close()

	var stories []*schema.UserStory
	for rows.Next() {
		var s schema.UserStory
		var criteria, priority, createdAt string

		if err := rows.Scan(
			&s.ID,
			&s.ProjectID,
			&s.FeatureID,
			&s.Title,
			&s.Description,
			&criteria,
			&priority,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan user story: %w", err)
		}

		if err := json.Unmarshal([]byte(criteria), &s.AcceptanceCriteria); err != nil {
			return nil, fmt.Errorf("failed to unmarshal acceptance criteria: %w", err)
		}
		s.Priority = schema.Priority(priority)
		s.CreatedAt = parseTime(createdAt)

		stories = append(stories, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user stories: %w", err)
	}

	return stories, nil
}
