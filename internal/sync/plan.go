package sync

import (
	"fmt"

	"github.com/planforge/mindsync/internal/schema"
)

// NodeCreate creates a feature for the node at Index.
type NodeCreate struct {
	Index   int
	Feature *schema.Feature
}

// NodeLink links the node at Index to an existing feature, patching the
// feature when the node's fields differ from it.
type NodeLink struct {
	Index     int
	FeatureID string
	Patch     schema.FeaturePatch
	// Relinked is true when the node did not already carry FeatureID.
	Relinked bool
}

// MindmapPlan is the set of feature writes that make the stored features a
// projection of a proposed node set.
type MindmapPlan struct {
	Creates []NodeCreate
	Links   []NodeLink
	// Deletes lists features linked from the previous document that no node
	// of the new set references any more.
	Deletes []string
	// Dangling lists node indexes whose featureId named a missing feature.
	Dangling []int
}

// Writes returns the number of store mutations the plan performs.
func (p *MindmapPlan) Writes() int {
	n := len(p.Creates) + len(p.Deletes)
	for _, l := range p.Links {
		if !l.Patch.IsEmpty() {
			n++
		}
	}
	return n
}

// PlanMindmapToFeatures decides, without touching the store, which features
// to create, update, relink, and delete so that features match nodes.
//
// prev is the stored document before this pass (nil if unknown), nodes the
// proposed node set, and features every feature of the project. The root
// node never produces a feature.
func PlanMindmapToFeatures(projectID string, prev *schema.MindmapBody, nodes []schema.MindmapNode, features []*schema.Feature) *MindmapPlan {
	plan := &MindmapPlan{}

	byID := make(map[string]*schema.Feature, len(features))
	byNode := make(map[string]*schema.Feature, len(features))
	for _, f := range features {
		byID[f.ID] = f
		if f.Metadata.NodeID != "" {
			if _, taken := byNode[f.Metadata.NodeID]; !taken {
				byNode[f.Metadata.NodeID] = f
			}
		}
	}

	claimed := make(map[string]bool, len(nodes))
	resolved := make([]bool, len(nodes))

	// Existing links first, so a node that really owns a feature keeps it
	// even when another node matches it by node_id.
	for i := range nodes {
		n := &nodes[i]
		if n.IsRoot() {
			resolved[i] = true
			continue
		}
		id, ok := n.LinkedFeature()
		if !ok {
			continue
		}
		f, exists := byID[id]
		if !exists {
			plan.Dangling = append(plan.Dangling, i)
			continue
		}
		if claimed[id] {
			// A copied node carrying someone else's link gets its own feature.
			continue
		}
		claimed[id] = true
		resolved[i] = true
		plan.Links = append(plan.Links, NodeLink{Index: i, FeatureID: id, Patch: schema.PatchFromNode(f, n)})
	}

	for i := range nodes {
		if resolved[i] {
			continue
		}
		n := &nodes[i]
		if f, ok := byNode[n.ID]; ok && !claimed[f.ID] {
			claimed[f.ID] = true
			plan.Links = append(plan.Links, NodeLink{Index: i, FeatureID: f.ID, Patch: schema.PatchFromNode(f, n), Relinked: true})
			continue
		}
		plan.Creates = append(plan.Creates, NodeCreate{Index: i, Feature: schema.FeatureFromNode(projectID, n)})
	}

	if prev != nil {
		for featureID := range prev.LinkedFeatureIDs() {
			if _, exists := byID[featureID]; exists && !claimed[featureID] {
				plan.Deletes = append(plan.Deletes, featureID)
			}
		}
	}

	return plan
}

// FeatureRepair sets metadata.node_id of a feature to NodeID.
type FeatureRepair struct {
	FeatureID string
	NodeID    string
}

// FeaturesPlan is the reconciled node set of a features-to-mindmap pass.
type FeaturesPlan struct {
	Nodes       []schema.MindmapNode
	Connections []schema.Connection
	Repairs     []FeatureRepair
	Added       []string
	Updated     []string
	Removed     []string
}

// Placer picks the position of a synthesized node.
type Placer func() schema.Position

// PlanFeaturesToMindmap reconciles features into a copy of body.
//
// updated are the features to project onto nodes; stored is every feature
// of the project and decides which links are still live. Nodes linked to a
// feature missing from stored are removed along with their connections.
// A missing root is restored with rootTitle.
func PlanFeaturesToMindmap(body schema.MindmapBody, rootTitle string, updated, stored []*schema.Feature, place Placer) *FeaturesPlan {
	plan := &FeaturesPlan{}

	live := make(map[string]bool, len(stored))
	for _, f := range stored {
		live[f.ID] = true
	}

	nodes := make([]schema.MindmapNode, 0, len(body.Nodes)+len(updated)+1)
	if !body.HasRoot() {
		nodes = append(nodes, schema.NewRootNode(rootTitle))
	}
	for i := range body.Nodes {
		n := body.Nodes[i].Clone()
		if id, ok := n.LinkedFeature(); ok && !n.IsRoot() && !live[id] {
			plan.Removed = append(plan.Removed, n.ID)
			continue
		}
		nodes = append(nodes, n)
	}

	connections := append([]schema.Connection(nil), body.Connections...)

	indexOf := func(id string) int {
		for i := range nodes {
			if nodes[i].ID == id {
				return i
			}
		}
		return -1
	}
	linkedTo := func(featureID string) int {
		for i := range nodes {
			if id, ok := nodes[i].LinkedFeature(); ok && id == featureID {
				return i
			}
		}
		return -1
	}
	// free reports whether node i can take a new link: not the root and not
	// already linked to another live feature.
	free := func(i int) bool {
		if i < 0 || nodes[i].IsRoot() {
			return false
		}
		id, ok := nodes[i].LinkedFeature()
		return !ok || !live[id]
	}

	for _, f := range updated {
		if f == nil || !live[f.ID] {
			continue
		}

		i := linkedTo(f.ID)
		if i < 0 && f.Metadata.NodeID != "" {
			if j := indexOf(f.Metadata.NodeID); free(j) {
				i = j
			}
		}
		if i < 0 {
			if j := indexOf(schema.SyncedNodePrefix + f.ID); free(j) {
				i = j
			}
		}

		if i < 0 {
			// node_<id> may already belong to another feature's node.
			id := schema.SyncedNodePrefix + f.ID
			for n := 2; indexOf(id) >= 0; n++ {
				id = fmt.Sprintf("%s%s_%d", schema.SyncedNodePrefix, f.ID, n)
			}
			node := schema.MindmapNode{
				ID:       id,
				ParentID: schema.RootNodeID,
				Position: place(),
				Style: schema.NodeStyle{
					Color: schema.PriorityColor(f.Priority),
					Size:  schema.SizeMedium,
				},
			}
			f.ApplyToNode(&node)
			nodes = append(nodes, node)
			connections = append(connections, schema.Connection{From: schema.RootNodeID, To: node.ID})
			plan.Added = append(plan.Added, node.ID)
			i = len(nodes) - 1
		} else {
			f.ApplyToNode(&nodes[i])
			plan.Updated = append(plan.Updated, nodes[i].ID)
		}

		if f.Metadata.NodeID != nodes[i].ID {
			plan.Repairs = append(plan.Repairs, FeatureRepair{FeatureID: f.ID, NodeID: nodes[i].ID})
		}
	}

	plan.Nodes = nodes
	plan.Connections = schema.PruneConnections(connections, nodes)
	return plan
}
