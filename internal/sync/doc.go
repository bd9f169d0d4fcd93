// Package sync reconciles a project's mindmap document with its feature
// collection.
//
// Overview
//
// A project has one mindmap document (a tree of nodes under a fixed "root"
// node) and a flat list of features. Every non-root node is the projection
// of exactly one feature, linked through node.metadata.featureId in one
// direction and feature.metadata.node_id in the other.
//
// Architecture
//
//	mindmap nodes ── MindmapToFeatures ──▶ features (node wins)
//	      ▲                                    │
//	      └──────── FeaturesToMindmap ◀────────┘ (feature wins)
//
// Each direction is a pure planner (PlanMindmapToFeatures,
// PlanFeaturesToMindmap) followed by an applier in Engine that performs the
// feature writes concurrently and then writes the document once.
//
// Usage
//
//	st, err := store.Open(ctx, ".mindsync/mindsync.db", store.Options{})
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	engine := sync.New(st, sync.WithParallelism(4))
//	unsubscribe := engine.Subscribe(sync.EventMindmapToFeatures, func(ev sync.SyncEvent) {
//	    log.Printf("mindmap %s reconciled (%d nodes)", ev.MindmapID, len(ev.Nodes))
//	})
//	defer unsubscribe()
//
//	res, err := engine.MindmapToFeatures(ctx, doc.ID, doc.Body.Nodes)
//
// Link repair
//
// Links can diverge: a node may name a feature that was deleted, or a
// feature may point at a node that lost its featureId. Both passes repair
// these cases rather than failing. A dangling node link is treated as no
// link; a feature whose node_id names an unlinked node is relinked to it.
//
// Concurrency
//
// Passes on the same project are not serialized. The document write is last
// write wins unless the engine is built WithVersionCheck.
package sync
