package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// PendingKind names the operation recorded in the offline log.
type PendingKind string

const (
	PendingMindmapToFeatures PendingKind = "mindmap-to-features"
	PendingFeaturesToMindmap PendingKind = "features-to-mindmap"
	PendingSaveFeatures      PendingKind = "save-features"
	PendingRemoveFeature     PendingKind = "remove-feature"
)

// PendingOp is one deferred reconciliation call recorded while offline.
// Payload holds the call's input: a MindmapPayload, a FeaturesPayload or a
// RemovePayload.
type PendingOp struct {
	Seq       int64           `json:"seq"`
	ProjectID string          `json:"project_id"`
	Kind      PendingKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// MindmapPayload is the input of a deferred mindmap-to-features pass.
// Nil Connections keeps the stored connections.
type MindmapPayload struct {
	MindmapID   string        `json:"mindmap_id"`
	Nodes       []MindmapNode `json:"nodes"`
	Connections []Connection  `json:"connections,omitempty"`
}

// FeaturesPayload is the input of a deferred features-to-mindmap pass or a
// deferred feature save. Prune only applies to saves.
type FeaturesPayload struct {
	Features []*Feature `json:"features"`
	Prune    bool       `json:"prune,omitempty"`
}

// RemovePayload is the input of a deferred feature removal.
type RemovePayload struct {
	FeatureID string `json:"feature_id"`
}

// Validate checks the op kind and that the payload decodes.
func (op *PendingOp) Validate() error {
	if op.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	switch op.Kind {
	case PendingMindmapToFeatures:
		var p MindmapPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", op.Kind, err)
		}
	case PendingFeaturesToMindmap, PendingSaveFeatures:
		var p FeaturesPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", op.Kind, err)
		}
	case PendingRemoveFeature:
		var p RemovePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", op.Kind, err)
		}
		if p.FeatureID == "" {
			return fmt.Errorf("invalid %s payload: feature_id is required", op.Kind)
		}
	default:
		return fmt.Errorf("unknown pending op kind %q", op.Kind)
	}
	return nil
}
