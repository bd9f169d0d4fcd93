package sync

import (
	"context"

	"github.com/planforge/mindsync/internal/schema"
)

// Event names emitted after a successful pass.
const (
	EventMindmapToFeatures = "mindmap-to-features"
	EventFeaturesToMindmap = "features-to-mindmap"
)

// Syncer keeps a project's mindmap document and its feature collection
// consistent with each other.
//
// The two passes are asymmetric. MindmapToFeatures treats the node set as
// authoritative and makes features follow it. FeaturesToMindmap treats the
// given features as authoritative for the fields they carry and makes nodes
// follow them, leaving position and style alone.
//
// A pass that fails aborts before the mindmap document is written, and the
// error from the store is returned unchanged. Feature writes completed before
// the failure stay in place; running the pass again converges because every
// write is idempotent with respect to the links it establishes.
type Syncer interface {
	// MindmapToFeatures reconciles the features of the mindmap's project
	// with nodes.
	//
	// Each non-root node ends up linked to exactly one feature: linked nodes
	// update their feature, unlinked nodes are relinked to a feature that
	// already points at them or get a new one. Features that were linked
	// from the previous document but are referenced by no node are deleted.
	//
	// Newly issued feature ids are written into nodes in place, so the
	// caller's slice is fully linked when the call returns.
	//
	// Example:
	//   res, err := engine.MindmapToFeatures(ctx, doc.ID, doc.Body.Nodes)
	MindmapToFeatures(ctx context.Context, mindmapID string, nodes []schema.MindmapNode, opts ...PassOption) (*Result, error)

	// FeaturesToMindmap projects features onto the project's mindmap.
	//
	// Matching nodes are updated, missing ones are synthesized under the
	// root, and nodes linked to features that no longer exist are removed.
	// A project without a mindmap document is a no-op (Result.NoOp).
	//
	// Example:
	//   res, err := engine.FeaturesToMindmap(ctx, "p1", features)
	FeaturesToMindmap(ctx context.Context, projectID string, features []*schema.Feature) (*Result, error)

	// SaveFeatures upserts features and then runs FeaturesToMindmap with
	// them, creating the project's mindmap if needed. With prune set,
	// stored features absent from the list are deleted.
	SaveFeatures(ctx context.Context, projectID string, features []*schema.Feature, prune bool) (*Result, error)

	// RemoveFeature deletes a feature and removes its node from the mindmap.
	// Deleting a missing feature is not an error.
	RemoveFeature(ctx context.Context, projectID, featureID string) (*Result, error)

	// Subscribe registers handler for an event name and returns the function
	// that removes it. Events emitted before subscribing are not replayed.
	Subscribe(name string, handler Handler) (unsubscribe func())
}

// Result reports what a pass did.
type Result struct {
	Direction string `json:"direction"`
	ProjectID string `json:"project_id"`
	MindmapID string `json:"mindmap_id,omitempty"`

	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	Relinked int `json:"relinked"`
	Repaired int `json:"repaired"`

	NodesAdded   int `json:"nodes_added"`
	NodesRemoved int `json:"nodes_removed"`

	// NoOp is set when there was nothing to reconcile into.
	NoOp bool `json:"no_op,omitempty"`

	Nodes    []schema.MindmapNode    `json:"-"`
	Features []*schema.Feature       `json:"-"`
	Document *schema.MindmapDocument `json:"-"`
}

// Writes returns the number of feature mutations the pass performed.
func (r *Result) Writes() int {
	return r.Created + r.Updated + r.Deleted + r.Repaired
}

// PassOption adjusts a single MindmapToFeatures call.
type PassOption func(*passConfig)

type passConfig struct {
	connections    []schema.Connection
	hasConnections bool
}

// WithConnections replaces the stored connections with conns. Without it the
// stored connections are kept, pruned to the surviving nodes.
func WithConnections(conns []schema.Connection) PassOption {
	return func(c *passConfig) {
		c.connections = conns
		c.hasConnections = true
	}
}

var _ Syncer = (*Engine)(nil)
