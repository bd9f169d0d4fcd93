package schema

import (
	"fmt"
	"strings"
	"time"
)

// FeatureMetadata is the typed metadata bag carried by a feature row.
type FeatureMetadata struct {
	// NodeID is the forward reference to the mindmap node, when known.
	NodeID string `json:"node_id,omitempty" yaml:"node_id,omitempty"`

	// AIGenerated marks features inserted by the generation import.
	AIGenerated bool `json:"ai_generated,omitempty" yaml:"ai_generated,omitempty"`

	// CorrelationID is the generation-time ref that stories join on.
	CorrelationID string `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`

	GeneratedAt *time.Time `json:"generated_at,omitempty" yaml:"generated_at,omitempty"`
	SyncedAt    *time.Time `json:"synced_at,omitempty" yaml:"synced_at,omitempty"`
}

// Feature is one planned capability of the target application.
type Feature struct {
	ID          string          `json:"id" yaml:"id"`
	ProjectID   string          `json:"project_id" yaml:"project_id"`
	Title       string          `json:"title" yaml:"title"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    Priority        `json:"priority,omitempty" yaml:"priority,omitempty"`
	Complexity  Complexity      `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	Category    Category        `json:"category,omitempty" yaml:"category,omitempty"`
	Metadata    FeatureMetadata `json:"metadata" yaml:"metadata"`
	CreatedAt   time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"updated_at"`
}

// Validate checks that the feature can be persisted.
// The id may be empty: the store issues it on insert.
func (f *Feature) Validate() error {
	if f.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if strings.TrimSpace(f.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(f.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(f.Title))
	}
	if !f.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", f.Priority)
	}
	if !f.Complexity.Valid() {
		return fmt.Errorf("invalid complexity %q", f.Complexity)
	}
	if !f.Category.Valid() {
		return fmt.Errorf("invalid category %q", f.Category)
	}
	return nil
}

// FeaturePatch is a partial update. Nil fields are left unchanged.
type FeaturePatch struct {
	Title       *string
	Description *string
	Priority    *Priority
	Complexity  *Complexity
	Category    *Category
	Metadata    *FeatureMetadata
}

// IsEmpty reports whether the patch changes nothing.
func (p FeaturePatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil &&
		p.Complexity == nil && p.Category == nil && p.Metadata == nil
}

// Apply writes the patch onto f.
func (p FeaturePatch) Apply(f *Feature) {
	if p.Title != nil {
		f.Title = *p.Title
	}
	if p.Description != nil {
		f.Description = *p.Description
	}
	if p.Priority != nil {
		f.Priority = *p.Priority
	}
	if p.Complexity != nil {
		f.Complexity = *p.Complexity
	}
	if p.Category != nil {
		f.Category = *p.Category
	}
	if p.Metadata != nil {
		f.Metadata = *p.Metadata
	}
}

// FeatureFromNode projects a node's semantic fields onto a new feature.
func FeatureFromNode(projectID string, n *MindmapNode) *Feature {
	meta := n.Meta()
	return &Feature{
		ProjectID:   projectID,
		Title:       n.Title,
		Description: n.Description,
		Priority:    meta.Priority,
		Complexity:  meta.Complexity,
		Category:    meta.Category,
		Metadata:    FeatureMetadata{NodeID: n.ID},
	}
}

// PatchFromNode returns the patch that makes f a projection of n, or an
// empty patch when the shared fields and the node_id link already agree.
func PatchFromNode(f *Feature, n *MindmapNode) FeaturePatch {
	var p FeaturePatch
	meta := n.Meta()
	if f.Title != n.Title {
		p.Title = &n.Title
	}
	if f.Description != n.Description {
		p.Description = &n.Description
	}
	if f.Priority != meta.Priority {
		p.Priority = &meta.Priority
	}
	if f.Complexity != meta.Complexity {
		p.Complexity = &meta.Complexity
	}
	if f.Category != meta.Category {
		p.Category = &meta.Category
	}
	if f.Metadata.NodeID != n.ID {
		m := f.Metadata
		m.NodeID = n.ID
		p.Metadata = &m
	}
	return p
}

// ApplyToNode copies the feature's semantic fields onto n and links it.
// Position and style are left untouched.
func (f *Feature) ApplyToNode(n *MindmapNode) {
	n.Title = f.Title
	n.Description = f.Description
	if n.Metadata == nil {
		n.Metadata = &NodeMetadata{}
	}
	n.Metadata.Priority = f.Priority
	n.Metadata.Complexity = f.Complexity
	n.Metadata.Category = f.Category
	n.Metadata.FeatureID = f.ID
}

// SharedFieldsEqual reports whether a linked pair agrees on title,
// description, priority, complexity, and category.
func SharedFieldsEqual(f *Feature, n *MindmapNode) bool {
	meta := n.Meta()
	return f.Title == n.Title &&
		f.Description == n.Description &&
		f.Priority == meta.Priority &&
		f.Complexity == meta.Complexity &&
		f.Category == meta.Category
}

// UserStory is a story attached to one feature.
type UserStory struct {
	ID                 string    `json:"id" yaml:"id"`
	ProjectID          string    `json:"project_id" yaml:"project_id"`
	FeatureID          string    `json:"feature_id" yaml:"feature_id"`
	Title              string    `json:"title" yaml:"title"`
	Description        string    `json:"description,omitempty" yaml:"description,omitempty"`
	AcceptanceCriteria []string  `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria,omitempty"`
	Priority           Priority  `json:"priority,omitempty" yaml:"priority,omitempty"`
	CreatedAt          time.Time `json:"created_at" yaml:"created_at"`
}

// Validate checks that the story can be persisted.
func (s *UserStory) Validate() error {
	if s.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if s.FeatureID == "" {
		return fmt.Errorf("feature_id is required")
	}
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if !s.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", s.Priority)
	}
	return nil
}
