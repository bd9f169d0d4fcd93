package generate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/planforge/mindsync/internal/logging"
	"github.com/planforge/mindsync/internal/schema"
	"github.com/planforge/mindsync/internal/store"
)

// Grid used for generated nodes that carry no position.
const (
	gridColumns = 4
	gridOriginX = 100
	gridOriginY = 450
	gridStepX   = 200
	gridStepY   = 150
)

// ImportResult reports what Import wrote.
type ImportResult struct {
	MindmapID string
	Features  []*schema.Feature
	Stories   int
	Nodes     int
}

// ImportOptions configures Import.
type ImportOptions struct {
	Logger *logging.Logger
	// Now stamps generated_at. Defaults to time.Now.
	Now func() time.Time
}

// ImportRaw validates raw and imports it.
func ImportRaw(ctx context.Context, adapter store.Adapter, projectID string, raw []byte, opts ImportOptions) (*ImportResult, error) {
	resp, err := Validate(raw)
	if err != nil {
		return nil, err
	}
	return Import(ctx, adapter, projectID, resp, opts)
}

// Import writes a validated response into the project: one feature per
// generated feature, a node feature_<id> linked to it in both directions,
// and the user stories attached by correlation ref.
//
// The response is joined before the first write, so a rejected response
// leaves the store untouched.
func Import(ctx context.Context, adapter store.Adapter, projectID string, resp *Response, opts ImportOptions) (*ImportResult, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	joined, err := resp.Join()
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logging.OrNop(opts.Logger).Named("generate")
	now := opts.Now().UTC()

	title := resp.Mindmap.Title
	if title == "" {
		title = projectID
	}
	doc, err := adapter.EnsureMindmapDocument(ctx, projectID, title)
	if err != nil {
		return nil, err
	}

	genNodes := make(map[string]GeneratedNode, len(resp.Mindmap.Nodes))
	for _, n := range resp.Mindmap.Nodes {
		genNodes[n.ID] = n
	}

	// Node ids are derived from feature ids, so issue ids up front.
	ids := make([]string, len(resp.Features))
	nodeFor := make(map[string]string, len(resp.Features))
	for i, gf := range resp.Features {
		ids[i] = uuid.NewString()
		if gf.NodeID != "" {
			nodeFor[gf.NodeID] = schema.GeneratedNodePrefix + ids[i]
		}
	}

	res := &ImportResult{MindmapID: doc.ID}
	nodes := append([]schema.MindmapNode(nil), doc.Body.Nodes...)
	connections := append([]schema.Connection(nil), doc.Body.Connections...)
	if !doc.Body.HasRoot() {
		nodes = append([]schema.MindmapNode{schema.NewRootNode(title)}, nodes...)
	}

	for i, gf := range resp.Features {
		nodeID := schema.GeneratedNodePrefix + ids[i]
		ref := gf.Ref
		if ref == "" {
			ref = fmt.Sprintf("feature-%d", i)
		}

		f, err := adapter.InsertFeature(ctx, &schema.Feature{
			ID:          ids[i],
			ProjectID:   projectID,
			Title:       gf.Title,
			Description: gf.Description,
			Priority:    gf.Priority,
			Complexity:  gf.Complexity,
			Category:    gf.Category,
			Metadata: schema.FeatureMetadata{
				NodeID:        nodeID,
				AIGenerated:   true,
				CorrelationID: ref,
				GeneratedAt:   &now,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to insert generated feature %q: %w", gf.Title, err)
		}
		res.Features = append(res.Features, f)

		parent := schema.RootNodeID
		pos := schema.Position{
			X: float64(gridOriginX + (i%gridColumns)*gridStepX),
			Y: float64(gridOriginY + (i/gridColumns)*gridStepY),
		}
		if gn, ok := genNodes[gf.NodeID]; ok {
			if p, ok := nodeFor[gn.ParentID]; ok && p != nodeID {
				parent = p
			}
			if gn.Position != nil {
				pos = *gn.Position
			}
		}

		node := schema.MindmapNode{
			ID:       nodeID,
			ParentID: parent,
			Position: pos,
			Style:    schema.NodeStyle{Color: schema.PriorityColor(f.Priority), Size: schema.SizeMedium},
		}
		f.ApplyToNode(&node)
		nodes = append(nodes, node)
		connections = append(connections, schema.Connection{From: parent, To: nodeID})
	}

	for i, gs := range resp.UserStories {
		f := res.Features[joined[i]]
		if _, err := adapter.InsertUserStory(ctx, &schema.UserStory{
			ProjectID:          projectID,
			FeatureID:          f.ID,
			Title:              gs.Title,
			Description:        gs.Description,
			AcceptanceCriteria: gs.AcceptanceCriteria,
			Priority:           gs.Priority,
		}); err != nil {
			return nil, fmt.Errorf("failed to insert user story %q: %w", gs.Title, err)
		}
		res.Stories++
	}

	written, err := adapter.WriteMindmapDocument(ctx, doc.ID, nodes, schema.PruneConnections(connections, nodes))
	if err != nil {
		return nil, err
	}
	res.Nodes = len(written.Body.Nodes)

	log.Info("imported generation response",
		"project_id", projectID, "features", len(res.Features), "stories", res.Stories, "nodes", res.Nodes)
	return res, nil
}
