package sync_test

import (
	"context"
	"fmt"
	"log"

	"github.com/planforge/mindsync/internal/schema"
	"github.com/planforge/mindsync/internal/store"
	"github.com/planforge/mindsync/internal/sync"
)

// This example reconciles a hand-drawn node into a feature.
// Note: This is for documentation only and won't run as a test.
func ExampleNew() {
	ctx := context.Background()

	st, err := store.Open(ctx, ".mindsync/mindsync.db", store.Options{})
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	doc, err := st.EnsureMindmapDocument(ctx, "recipes", "Recipe App")
	if err != nil {
		log.Fatal(err)
	}

	engine := sync.New(st)
	nodes := append(doc.Body.Nodes, schema.MindmapNode{ID: "n9", Title: "Export CSV", ParentID: schema.RootNodeID})

	res, err := engine.MindmapToFeatures(ctx, doc.ID, nodes)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("created %d feature(s)\n", res.Created)
}

// This example listens for completed passes.
func ExampleEngine_Subscribe() {
	var engine *sync.Engine // from sync.New

	unsubscribe := engine.Subscribe(sync.EventFeaturesToMindmap, func(ev sync.SyncEvent) {
		fmt.Printf("project %s now has %d nodes\n", ev.ProjectID, len(ev.Nodes))
	})
	defer unsubscribe()
}
