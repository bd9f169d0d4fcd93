// Package schema defines the mindmap and feature records shared by the store,
// the sync engine, and the file workspace.
package schema

import (
	"fmt"
	"strings"
)

// RootNodeID is the reserved id of the single root node of every mindmap.
const RootNodeID = "root"

// Node id prefixes for nodes derived from a feature id.
const (
	// SyncedNodePrefix names nodes synthesized by a features-to-mindmap pass.
	SyncedNodePrefix = "node_"
	// GeneratedNodePrefix names nodes created by the AI generation import.
	GeneratedNodePrefix = "feature_"
)

// Priority of a feature or node.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is empty or one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Complexity of a feature or node.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Valid reports whether c is empty or one of the known complexities.
func (c Complexity) Valid() bool {
	switch c {
	case "", ComplexityLow, ComplexityMedium, ComplexityHigh:
		return true
	}
	return false
}

// Category of a feature or node.
type Category string

const (
	CategoryCore        Category = "core"
	CategoryUI          Category = "ui"
	CategoryIntegration Category = "integration"
	CategoryAdmin       Category = "admin"
)

// Valid reports whether c is empty or one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case "", CategoryCore, CategoryUI, CategoryIntegration, CategoryAdmin:
		return true
	}
	return false
}

// NodeSize is the cosmetic size of a rendered node.
type NodeSize string

const (
	SizeSmall  NodeSize = "small"
	SizeMedium NodeSize = "medium"
	SizeLarge  NodeSize = "large"
)

// Position is a layout coordinate. It carries no sync semantics.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// NodeStyle is cosmetic and round-trips unchanged through every pass.
type NodeStyle struct {
	Color string   `json:"color" yaml:"color"`
	Size  NodeSize `json:"size" yaml:"size"`
}

// NodeMetadata holds the semantic fields of a node and its link to a feature.
//
// An empty FeatureID means the node has never been materialized as a feature.
type NodeMetadata struct {
	Priority   Priority   `json:"priority,omitempty" yaml:"priority,omitempty"`
	Complexity Complexity `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	Category   Category   `json:"category,omitempty" yaml:"category,omitempty"`
	FeatureID  string     `json:"featureId,omitempty" yaml:"feature_id,omitempty"`
}

// MindmapNode is one node of a mindmap document.
type MindmapNode struct {
	ID          string        `json:"id" yaml:"id"`
	Title       string        `json:"title" yaml:"title"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	ParentID    string        `json:"parentId,omitempty" yaml:"parent_id,omitempty"`
	Position    Position      `json:"position" yaml:"position"`
	Style       NodeStyle     `json:"style" yaml:"style"`
	Metadata    *NodeMetadata `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// IsRoot reports whether n is the reserved root node.
func (n *MindmapNode) IsRoot() bool {
	return n.ID == RootNodeID
}

// LinkedFeature returns the id of the feature this node is linked to.
// ok is false when the node has no metadata or no featureId.
func (n *MindmapNode) LinkedFeature() (id string, ok bool) {
	if n.Metadata == nil || n.Metadata.FeatureID == "" {
		return "", false
	}
	return n.Metadata.FeatureID, true
}

// SetFeatureID records the link to a feature, allocating metadata if needed.
func (n *MindmapNode) SetFeatureID(featureID string) {
	if n.Metadata == nil {
		n.Metadata = &NodeMetadata{}
	}
	n.Metadata.FeatureID = featureID
}

// ClearFeatureID drops the link to a feature, keeping the other metadata.
func (n *MindmapNode) ClearFeatureID() {
	if n.Metadata != nil {
		n.Metadata.FeatureID = ""
	}
}

// Meta returns the node metadata or a zero value when absent.
func (n *MindmapNode) Meta() NodeMetadata {
	if n.Metadata == nil {
		return NodeMetadata{}
	}
	return *n.Metadata
}

// Clone returns a deep copy of n.
func (n MindmapNode) Clone() MindmapNode {
	if n.Metadata != nil {
		m := *n.Metadata
		n.Metadata = &m
	}
	return n
}

// Validate checks the node's required fields and enum values.
func (n *MindmapNode) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("node id is required")
	}
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("node %s: title is required", n.ID)
	}
	if n.IsRoot() && n.ParentID != "" {
		return fmt.Errorf("root node cannot have a parent (got %q)", n.ParentID)
	}
	if !n.IsRoot() && n.ParentID == n.ID {
		return fmt.Errorf("node %s cannot be its own parent", n.ID)
	}
	switch n.Style.Size {
	case "", SizeSmall, SizeMedium, SizeLarge:
	default:
		return fmt.Errorf("node %s: invalid size %q", n.ID, n.Style.Size)
	}
	if n.Metadata != nil {
		if !n.Metadata.Priority.Valid() {
			return fmt.Errorf("node %s: invalid priority %q", n.ID, n.Metadata.Priority)
		}
		if !n.Metadata.Complexity.Valid() {
			return fmt.Errorf("node %s: invalid complexity %q", n.ID, n.Metadata.Complexity)
		}
		if !n.Metadata.Category.Valid() {
			return fmt.Errorf("node %s: invalid category %q", n.ID, n.Metadata.Category)
		}
		if n.IsRoot() && n.Metadata.FeatureID != "" {
			return fmt.Errorf("root node cannot be linked to a feature")
		}
	}
	return nil
}

// Connection is a directed edge between two nodes.
type Connection struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Priority palette used for nodes synthesized from features.
const (
	ColorHigh    = "#ef4444"
	ColorMedium  = "#3b82f6"
	ColorLow     = "#10b981"
	ColorDefault = "#6b7280"
	ColorRoot    = "#6366f1"
)

// PriorityColor maps a priority to its node color.
func PriorityColor(p Priority) string {
	switch p {
	case PriorityHigh:
		return ColorHigh
	case PriorityMedium:
		return ColorMedium
	case PriorityLow:
		return ColorLow
	default:
		return ColorDefault
	}
}

// NewRootNode returns the default root node for a fresh mindmap.
func NewRootNode(title string) MindmapNode {
	if strings.TrimSpace(title) == "" {
		title = "Project"
	}
	return MindmapNode{
		ID:       RootNodeID,
		Title:    title,
		Position: Position{X: 400, Y: 300},
		Style:    NodeStyle{Color: ColorRoot, Size: SizeLarge},
	}
}
