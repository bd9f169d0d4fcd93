package sync

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/planforge/mindsync/internal/schema"
	"github.com/planforge/mindsync/internal/store"
)

func setupEngine(t *testing.T, opts ...Option) (*Engine, *store.SQLStore) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "mindsync.db"), store.Options{})
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	opts = append([]Option{WithRand(rand.New(rand.NewSource(1)))}, opts...)
	return New(st, opts...), st
}

func ensureDoc(t *testing.T, st store.Adapter, projectID string) *schema.MindmapDocument {
	t.Helper()
	doc, err := st.EnsureMindmapDocument(context.Background(), projectID, "Recipe App")
	if err != nil {
		t.Fatalf("EnsureMindmapDocument() failed: %v", err)
	}
	return doc
}

func listFeatures(t *testing.T, st store.Adapter, projectID string) []*schema.Feature {
	t.Helper()
	features, err := st.ListFeatures(context.Background(), projectID)
	if err != nil {
		t.Fatalf("ListFeatures() failed: %v", err)
	}
	return features
}

// failingStore wraps a real adapter and injects failures.
type failingStore struct {
	store.Adapter
	insertErr  error
	beforeList func()
}

func (f *failingStore) InsertFeature(ctx context.Context, feat *schema.Feature) (*schema.Feature, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	return f.Adapter.InsertFeature(ctx, feat)
}

func (f *failingStore) ListFeatures(ctx context.Context, projectID string) ([]*schema.Feature, error) {
	if f.beforeList != nil {
		f.beforeList()
	}
	return f.Adapter.ListFeatures(ctx, projectID)
}

func TestMindmapToFeatures_Idempotent(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()
	doc := ensureDoc(t, st, "p1")

	nodes := []schema.MindmapNode{
		doc.Body.Nodes[0],
		{ID: "n1", Title: "Auth", ParentID: "root", Metadata: &schema.NodeMetadata{Priority: schema.PriorityHigh}},
		{ID: "n2", Title: "Search", ParentID: "root"},
	}
	unlinked := cloneNodes(nodes)

	first, err := e.MindmapToFeatures(ctx, doc.ID, nodes)
	if err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if first.Created != 2 {
		t.Errorf("expected 2 created, got %d", first.Created)
	}

	second, err := e.MindmapToFeatures(ctx, doc.ID, nodes)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if second.Writes() != 0 || second.Relinked != 0 {
		t.Errorf("second pass should not write, got %+v", second)
	}

	// Replaying the original unlinked input relinks instead of duplicating.
	third, err := e.MindmapToFeatures(ctx, doc.ID, unlinked)
	if err != nil {
		t.Fatalf("third pass failed: %v", err)
	}
	if third.Created != 0 || third.Relinked != 2 {
		t.Errorf("expected 0 created and 2 relinked, got %+v", third)
	}

	if got := listFeatures(t, st, "p1"); len(got) != 2 {
		t.Errorf("expected 2 features, got %d", len(got))
	}
}

func TestMindmapToFeatures_HandDrawnNode(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()
	doc := ensureDoc(t, st, "p1")

	nodes := []schema.MindmapNode{
		doc.Body.Nodes[0],
		{ID: "n9", Title: "Export CSV", ParentID: "root", Metadata: &schema.NodeMetadata{}},
	}

	res, err := e.MindmapToFeatures(ctx, doc.ID, nodes)
	if err != nil {
		t.Fatalf("MindmapToFeatures() failed: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("expected 1 created, got %d", res.Created)
	}

	features := listFeatures(t, st, "p1")
	if len(features) != 1 || features[0].Title != "Export CSV" {
		t.Fatalf("unexpected features: %+v", features)
	}
	if features[0].Metadata.NodeID != "n9" {
		t.Errorf("expected node_id n9, got %q", features[0].Metadata.NodeID)
	}

	id, ok := nodes[1].LinkedFeature()
	if !ok || id != features[0].ID {
		t.Errorf("in-memory node not linked: got %q, want %q", id, features[0].ID)
	}

	got, err := st.GetMindmapByID(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	persisted := got.Body.Nodes[got.Body.IndexOf("n9")]
	if pid, _ := persisted.LinkedFeature(); pid != features[0].ID {
		t.Errorf("persisted node not linked: got %q, want %q", pid, features[0].ID)
	}
}

func TestFeaturesToMindmap_SynthesizesNode(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()
	ensureDoc(t, st, "p1")

	f1, err := st.InsertFeature(ctx, &schema.Feature{ID: "f1", ProjectID: "p1", Title: "Login", Priority: schema.PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}

	res, err := e.FeaturesToMindmap(ctx, "p1", []*schema.Feature{f1})
	if err != nil {
		t.Fatalf("FeaturesToMindmap() failed: %v", err)
	}
	if res.NodesAdded != 1 || res.Repaired != 1 {
		t.Errorf("expected 1 node added and 1 repair, got %+v", res)
	}

	doc, err := st.GetMindmapDocument(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Body.Nodes) != 2 {
		t.Fatalf("expected root plus one node, got %d", len(doc.Body.Nodes))
	}
	i := doc.Body.IndexOf("node_f1")
	if i < 0 {
		t.Fatal("node_f1 not found")
	}
	n := doc.Body.Nodes[i]
	if n.ParentID != "root" {
		t.Errorf("expected parent root, got %q", n.ParentID)
	}
	if n.Style.Color != "#ef4444" {
		t.Errorf("expected high priority color, got %q", n.Style.Color)
	}
	if id, _ := n.LinkedFeature(); id != "f1" {
		t.Errorf("expected featureId f1, got %q", id)
	}
	if n.Position.X < placeMinX || n.Position.X >= placeMinX+placeWidth ||
		n.Position.Y < placeMinY || n.Position.Y >= placeMinY+placeHeight {
		t.Errorf("position out of region: %+v", n.Position)
	}

	found := false
	for _, c := range doc.Body.Connections {
		if c.From == "root" && c.To == "node_f1" {
			found = true
		}
	}
	if !found {
		t.Error("expected root -> node_f1 connection")
	}

	stored, err := st.GetFeature(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Metadata.NodeID != "node_f1" {
		t.Errorf("expected node_id repaired to node_f1, got %q", stored.Metadata.NodeID)
	}
}

func TestFeaturesToMindmap_NoDocument(t *testing.T) {
	e, _ := setupEngine(t)

	res, err := e.FeaturesToMindmap(context.Background(), "missing", nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !res.NoOp {
		t.Error("expected NoOp result")
	}
}

func TestRootNeverBecomesFeature(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()
	doc := ensureDoc(t, st, "p1")

	nodes := []schema.MindmapNode{
		doc.Body.Nodes[0],
		{ID: "n1", Title: "Auth", ParentID: "root"},
	}
	if _, err := e.MindmapToFeatures(ctx, doc.ID, nodes); err != nil {
		t.Fatal(err)
	}

	features := listFeatures(t, st, "p1")
	if len(features) != 1 {
		t.Fatalf("expected 1 feature, got %d", len(features))
	}
	for _, f := range features {
		if f.Metadata.NodeID == schema.RootNodeID {
			t.Error("root produced a feature")
		}
	}

	if _, err := e.FeaturesToMindmap(ctx, "p1", features); err != nil {
		t.Fatal(err)
	}

	// A node set without the root keeps the stored root.
	res, err := e.MindmapToFeatures(ctx, doc.ID, cloneNodes(nodes[1:]))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Document.Body.HasRoot() || res.Document.Body.RootNode.Title != "Recipe App" {
		t.Errorf("root not preserved: %+v", res.Document.Body.RootNode)
	}

	linkedRoot := doc.Body.Nodes[0].Clone()
	linkedRoot.SetFeatureID(features[0].ID)
	if _, err := e.MindmapToFeatures(ctx, doc.ID, []schema.MindmapNode{linkedRoot}); err == nil {
		t.Error("expected error for root linked to a feature")
	}
}

func TestAlternatingPassesConverge(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()
	doc := ensureDoc(t, st, "p1")

	nodes := []schema.MindmapNode{
		doc.Body.Nodes[0],
		{ID: "n1", Title: "Auth", ParentID: "root", Metadata: &schema.NodeMetadata{Priority: schema.PriorityHigh}},
		{ID: "n2", Title: "Search", ParentID: "root", Metadata: &schema.NodeMetadata{Category: schema.CategoryCore}},
	}
	if _, err := e.MindmapToFeatures(ctx, doc.ID, nodes); err != nil {
		t.Fatal(err)
	}

	id, _ := nodes[1].LinkedFeature()
	title := "Sign in"
	if _, err := st.UpdateFeature(ctx, id, schema.FeaturePatch{Title: &title}); err != nil {
		t.Fatal(err)
	}

	res, err := e.FeaturesToMindmap(ctx, "p1", listFeatures(t, st, "p1"))
	if err != nil {
		t.Fatal(err)
	}
	back, err := e.MindmapToFeatures(ctx, doc.ID, cloneNodes(res.Nodes))
	if err != nil {
		t.Fatal(err)
	}
	if back.Writes() != 0 {
		t.Errorf("expected converged state, got %+v", back)
	}

	final, err := st.GetMindmapByID(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	byID := make(map[string]*schema.Feature)
	for _, f := range listFeatures(t, st, "p1") {
		byID[f.ID] = f
	}
	for i := range final.Body.Nodes {
		n := &final.Body.Nodes[i]
		if n.IsRoot() {
			continue
		}
		fid, ok := n.LinkedFeature()
		if !ok {
			t.Errorf("node %s not linked", n.ID)
			continue
		}
		f := byID[fid]
		if f == nil || !schema.SharedFieldsEqual(f, n) {
			t.Errorf("node %s and feature %s disagree", n.ID, fid)
		}
	}
	if n := final.Body.Nodes[final.Body.IndexOf("n1")]; n.Title != "Sign in" {
		t.Errorf("feature edit not projected: %q", n.Title)
	}
}

func TestDeletionPropagates(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()
	doc := ensureDoc(t, st, "p1")

	nodes := []schema.MindmapNode{
		doc.Body.Nodes[0],
		{ID: "n1", Title: "Auth", ParentID: "root"},
		{ID: "n2", Title: "Search", ParentID: "root"},
	}
	if _, err := e.MindmapToFeatures(ctx, doc.ID, nodes); err != nil {
		t.Fatal(err)
	}

	res, err := e.MindmapToFeatures(ctx, doc.ID, nodes[:2])
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", res.Deleted)
	}
	remaining := listFeatures(t, st, "p1")
	if len(remaining) != 1 {
		t.Fatalf("expected 1 feature, got %d", len(remaining))
	}

	res, err = e.RemoveFeature(ctx, "p1", remaining[0].ID)
	if err != nil {
		t.Fatalf("RemoveFeature() failed: %v", err)
	}
	if res.Deleted != 1 || res.NodesRemoved != 1 {
		t.Errorf("expected feature and node removed, got %+v", res)
	}
	if len(res.Nodes) != 1 || !res.Nodes[0].IsRoot() {
		t.Errorf("expected only root to remain, got %+v", res.Nodes)
	}

	if _, err := e.RemoveFeature(ctx, "p1", "missing"); err != nil {
		t.Errorf("removing a missing feature should succeed, got %v", err)
	}
}

func TestMindmapToFeatures_FailureAbortsDocumentWrite(t *testing.T) {
	_, st := setupEngine(t)
	ctx := context.Background()
	doc := ensureDoc(t, st, "p1")

	errBoom := &store.TransportError{Op: "insert feature", Err: errors.New("connection reset")}
	e := New(&failingStore{Adapter: st, insertErr: errBoom})

	nodes := []schema.MindmapNode{doc.Body.Nodes[0], {ID: "n1", Title: "Auth", ParentID: "root"}}
	_, err := e.MindmapToFeatures(ctx, doc.ID, nodes)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected store error unchanged, got %v", err)
	}

	got, err := st.GetMindmapByID(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != doc.Version {
		t.Errorf("document written after failure: version %d -> %d", doc.Version, got.Version)
	}
	if _, ok := nodes[1].LinkedFeature(); ok {
		t.Error("node linked despite failed insert")
	}
}

func TestVersionCheck_DetectsConcurrentWrite(t *testing.T) {
	_, st := setupEngine(t)
	ctx := context.Background()
	doc := ensureDoc(t, st, "p1")

	fired := false
	fs := &failingStore{Adapter: st}
	fs.beforeList = func() {
		if fired {
			return
		}
		fired = true
		if _, err := st.WriteMindmapDocument(ctx, doc.ID, doc.Body.Nodes, nil); err != nil {
			t.Errorf("concurrent write failed: %v", err)
		}
	}
	e := New(fs, WithVersionCheck())

	_, err := e.MindmapToFeatures(ctx, doc.ID, []schema.MindmapNode{doc.Body.Nodes[0]})
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// The next pass reads the new version and succeeds.
	if _, err := e.MindmapToFeatures(ctx, doc.ID, []schema.MindmapNode{doc.Body.Nodes[0]}); err != nil {
		t.Errorf("retry failed: %v", err)
	}
}

func TestSaveFeatures(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()

	res, err := e.SaveFeatures(ctx, "p2", []*schema.Feature{
		{Title: "Login", Priority: schema.PriorityHigh},
		{ID: "f-fixed", Title: "Search"},
	}, false)
	if err != nil {
		t.Fatalf("SaveFeatures() failed: %v", err)
	}
	if res.Created != 2 || res.NodesAdded != 2 {
		t.Errorf("expected 2 created and 2 nodes added, got %+v", res)
	}
	for _, f := range listFeatures(t, st, "p2") {
		if f.Metadata.NodeID != schema.SyncedNodePrefix+f.ID {
			t.Errorf("feature %s not linked to its node: %q", f.ID, f.Metadata.NodeID)
		}
	}

	res, err = e.SaveFeatures(ctx, "p2", []*schema.Feature{{ID: "f-fixed", Title: "Find"}}, true)
	if err != nil {
		t.Fatalf("pruning save failed: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", res.Deleted)
	}

	doc, err := st.GetMindmapDocument(ctx, "p2")
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Body.Nodes) != 2 {
		t.Fatalf("expected root plus one node, got %+v", doc.Body.Nodes)
	}
	if n := doc.Body.Nodes[doc.Body.IndexOf("node_f-fixed")]; n.Title != "Find" {
		t.Errorf("expected renamed node, got %q", n.Title)
	}
}

func TestEngine_EmitsEvents(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()
	doc := ensureDoc(t, st, "p1")

	var got []SyncEvent
	unsubscribe := e.Subscribe(EventMindmapToFeatures, func(ev SyncEvent) { got = append(got, ev) })

	nodes := []schema.MindmapNode{doc.Body.Nodes[0], {ID: "n1", Title: "Auth", ParentID: "root"}}
	if _, err := e.MindmapToFeatures(ctx, doc.ID, nodes); err != nil {
		t.Fatal(err)
	}
	// Other event names are not delivered.
	if _, err := e.FeaturesToMindmap(ctx, "p1", nil); err != nil {
		t.Fatal(err)
	}
	unsubscribe()
	if _, err := e.MindmapToFeatures(ctx, doc.ID, nodes); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].MindmapID != doc.ID || got[0].ProjectID != "p1" || len(got[0].Nodes) != 2 {
		t.Errorf("unexpected event: %+v", got[0])
	}
	if _, ok := got[0].Nodes[1].LinkedFeature(); !ok {
		t.Error("event nodes should be linked")
	}
}

func TestMindmapToFeatures_RejectsDuplicateIDs(t *testing.T) {
	e, st := setupEngine(t)
	doc := ensureDoc(t, st, "p1")

	nodes := []schema.MindmapNode{
		doc.Body.Nodes[0],
		{ID: "n1", Title: "A", ParentID: "root"},
		{ID: "n1", Title: "B", ParentID: "root"},
	}
	if _, err := e.MindmapToFeatures(context.Background(), doc.ID, nodes); err == nil {
		t.Fatal("expected error for duplicate node ids")
	}
	if got := listFeatures(t, st, "p1"); len(got) != 0 {
		t.Errorf("expected no features, got %d", len(got))
	}
}

func TestFeaturesToMindmap_SyncedIDHeldByOtherFeature(t *testing.T) {
	e, st := setupEngine(t)
	ctx := context.Background()
	doc := ensureDoc(t, st, "p1")

	// A hand-drawn node happens to carry the id a synthesized node would get.
	nodes := []schema.MindmapNode{
		doc.Body.Nodes[0],
		{ID: "node_f1", Title: "Drawn", ParentID: "root"},
	}
	if _, err := e.MindmapToFeatures(ctx, doc.ID, nodes); err != nil {
		t.Fatalf("MindmapToFeatures() failed: %v", err)
	}
	drawn, _ := nodes[1].LinkedFeature()

	f1, err := st.InsertFeature(ctx, &schema.Feature{ID: "f1", ProjectID: "p1", Title: "Login", Priority: schema.PriorityHigh})
	if err != nil {
		t.Fatalf("InsertFeature() failed: %v", err)
	}

	res, err := e.FeaturesToMindmap(ctx, "p1", []*schema.Feature{f1})
	if err != nil {
		t.Fatalf("FeaturesToMindmap() failed: %v", err)
	}
	if res.NodesAdded != 1 {
		t.Errorf("expected 1 node added, got %d", res.NodesAdded)
	}

	got, err := st.GetMindmapDocument(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	i := got.Body.IndexOf("node_f1_2")
	if i < 0 {
		t.Fatalf("expected node_f1_2, got %+v", got.Body.Nodes)
	}
	if id, _ := got.Body.Nodes[i].LinkedFeature(); id != "f1" {
		t.Errorf("node_f1_2 linked to %q, want f1", id)
	}
	if id, _ := got.Body.Nodes[got.Body.IndexOf("node_f1")].LinkedFeature(); id != drawn {
		t.Errorf("node_f1 linked to %q, want %q", id, drawn)
	}

	// Replaying the pass finds the new node by its link.
	again, err := e.FeaturesToMindmap(ctx, "p1", listFeatures(t, st, "p1"))
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if again.NodesAdded != 0 || again.Repaired != 0 {
		t.Errorf("second pass not idempotent: %+v", again)
	}
}
