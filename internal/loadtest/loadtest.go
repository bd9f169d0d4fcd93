// Package loadtest drives the sync engine with concurrent reconciliation
// passes against a populated store.
//
// It seeds a number of projects with mindmaps of realistic shape, then runs
// agents that alternate both pass directions over converged projects. A
// converged project must stay write-free under replay, so any write counted
// during a run is an anomaly.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/planforge/mindsync/internal/schema"
	"github.com/planforge/mindsync/internal/store"
	mindsync "github.com/planforge/mindsync/internal/sync"
)

// TestWorkspace represents a populated store for load testing.
type TestWorkspace struct {
	Store           *store.SQLStore
	Engine          *mindsync.Engine
	ProjectIDs      []string
	MindmapIDs      map[string]string
	NodesPerProject int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration // Median
	P95         time.Duration
	P99         time.Duration
	TotalPasses int
	Errors      int
	Writes      int
	Durations   []time.Duration
}

// CreateTestWorkspace opens a store at dbPath and seeds numProjects projects
// with nodesPerProject feature nodes each. Every project is reconciled once,
// so the returned workspace is converged.
//
// Node priorities are weighted toward medium; a third of the nodes hang off
// another node rather than the root.
func CreateTestWorkspace(dbPath string, numProjects, nodesPerProject int) (*TestWorkspace, error) {
	ctx := context.Background()

	st, err := store.Open(ctx, dbPath, store.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	raw := st.DB().RawDB()
	raw.SetMaxOpenConns(50)
	raw.SetMaxIdleConns(25)
	raw.SetConnMaxLifetime(10 * time.Minute)

	tw := &TestWorkspace{
		Store:           st,
		Engine:          mindsync.New(st),
		ProjectIDs:      make([]string, 0, numProjects),
		MindmapIDs:      make(map[string]string, numProjects),
		NodesPerProject: nodesPerProject,
	}

	for i := 0; i < numProjects; i++ {
		projectID := fmt.Sprintf("load-%04d", i)
		doc, err := st.EnsureMindmapDocument(ctx, projectID, fmt.Sprintf("Load project %d", i))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to create mindmap for %s: %w", projectID, err)
		}

		nodes := append(doc.Body.Nodes, generateNodes(projectID, nodesPerProject, int64(i))...)
		if _, err := tw.Engine.MindmapToFeatures(ctx, doc.ID, nodes); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to seed %s: %w", projectID, err)
		}

		tw.ProjectIDs = append(tw.ProjectIDs, projectID)
		tw.MindmapIDs[projectID] = doc.ID
	}

	return tw, nil
}

// Close closes the underlying store.
func (tw *TestWorkspace) Close() error {
	if tw.Store != nil {
		return tw.Store.Close()
	}
	return nil
}

// RunConcurrentPasses runs numAgents agents, each performing passesPerAgent
// reconciliation passes on project agent%len(projects). Even passes replay
// the stored mindmap, odd passes replay the stored features.
func (tw *TestWorkspace) RunConcurrentPasses(numAgents, passesPerAgent int) (*LatencyStats, error) {
	if len(tw.ProjectIDs) == 0 {
		return nil, fmt.Errorf("workspace has no projects")
	}

	var wg sync.WaitGroup
	resultsChan := make(chan agentResult, numAgents)

	for i := 0; i < numAgents; i++ {
		wg.Add(1)
		go func(agentID int) {
			defer wg.Done()
			resultsChan <- tw.runAgent(agentID, passesPerAgent)
		}(i)
	}

	wg.Wait()
	close(resultsChan)

	var all []time.Duration
	var errorCount, writes int
	for r := range resultsChan {
		all = append(all, r.durations...)
		writes += r.writes
		if r.err != nil {
			errorCount++
		}
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("no successful passes completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	stats.Writes = writes
	return stats, nil
}

type agentResult struct {
	durations []time.Duration
	writes    int
	err       error
}

func (tw *TestWorkspace) runAgent(agentID, passes int) agentResult {
	ctx := context.Background()
	projectID := tw.ProjectIDs[agentID%len(tw.ProjectIDs)]
	res := agentResult{durations: make([]time.Duration, 0, passes)}

	for j := 0; j < passes; j++ {
		start := time.Now()
		var out *mindsync.Result
		var err error

		if j%2 == 0 {
			var doc *schema.MindmapDocument
			doc, err = tw.Store.GetMindmapByID(ctx, tw.MindmapIDs[projectID])
			if err == nil {
				out, err = tw.Engine.MindmapToFeatures(ctx, doc.ID, doc.Body.Nodes)
			}
		} else {
			var features []*schema.Feature
			features, err = tw.Store.ListFeatures(ctx, projectID)
			if err == nil {
				out, err = tw.Engine.FeaturesToMindmap(ctx, projectID, features)
			}
		}

		res.durations = append(res.durations, time.Since(start))
		if err != nil {
			res.err = fmt.Errorf("agent %d pass %d failed: %w", agentID, j, err)
			return res
		}
		res.writes += out.Writes()
	}
	return res
}

// VerifyConvergence checks every project: each non-root node is linked to a
// live feature whose node_id points back at it, and there are exactly as
// many features as linked nodes.
func (tw *TestWorkspace) VerifyConvergence(ctx context.Context) error {
	for _, projectID := range tw.ProjectIDs {
		doc, err := tw.Store.GetMindmapDocument(ctx, projectID)
		if err != nil {
			return err
		}
		features, err := tw.Store.ListFeatures(ctx, projectID)
		if err != nil {
			return err
		}
		byID := make(map[string]*schema.Feature, len(features))
		for _, f := range features {
			byID[f.ID] = f
		}

		linked := 0
		for i := range doc.Body.Nodes {
			n := &doc.Body.Nodes[i]
			if n.IsRoot() {
				continue
			}
			id, ok := n.LinkedFeature()
			if !ok {
				return fmt.Errorf("%s: node %s is not linked", projectID, n.ID)
			}
			f, ok := byID[id]
			if !ok {
				return fmt.Errorf("%s: node %s links to missing feature %s", projectID, n.ID, id)
			}
			if f.Metadata.NodeID != n.ID {
				return fmt.Errorf("%s: feature %s points at %q, not %s", projectID, id, f.Metadata.NodeID, n.ID)
			}
			linked++
		}

		count, err := tw.Store.DB().GetFeatureCountContext(ctx, projectID)
		if err != nil {
			return err
		}
		if count != linked {
			return fmt.Errorf("%s: %d features for %d linked nodes", projectID, count, linked)
		}
	}
	return nil
}

// generateNodes builds count feature nodes with a deterministic layout.
func generateNodes(projectID string, count int, seed int64) []schema.MindmapNode {
	rng := rand.New(rand.NewSource(seed))

	// high 20%, medium 50%, low 30%
	priorities := []schema.Priority{
		schema.PriorityHigh, schema.PriorityHigh,
		schema.PriorityMedium, schema.PriorityMedium, schema.PriorityMedium, schema.PriorityMedium, schema.PriorityMedium,
		schema.PriorityLow, schema.PriorityLow, schema.PriorityLow,
	}
	categories := []schema.Category{schema.CategoryCore, schema.CategoryUI, schema.CategoryIntegration, schema.CategoryAdmin}

	nodes := make([]schema.MindmapNode, count)
	for i := range nodes {
		parent := schema.RootNodeID
		if i > 0 && rng.Intn(3) == 0 {
			parent = nodes[rng.Intn(i)].ID
		}
		priority := priorities[rng.Intn(len(priorities))]

		nodes[i] = schema.MindmapNode{
			ID:          fmt.Sprintf("%s-n%04d", projectID, i),
			Title:       fmt.Sprintf("Feature %d", i),
			Description: fmt.Sprintf("Load test node %d of %s", i, projectID),
			ParentID:    parent,
			Position:    schema.Position{X: float64(100 + (i%10)*120), Y: float64(400 + (i/10)*90)},
			Style:       schema.NodeStyle{Color: schema.PriorityColor(priority), Size: schema.SizeMedium},
			Metadata: &schema.NodeMetadata{
				Priority: priority,
				Category: categories[i%len(categories)],
			},
		}
	}
	return nodes
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        sum / time.Duration(len(durations)),
		P50:         sorted[len(sorted)*50/100],
		P95:         sorted[len(sorted)*95/100],
		P99:         sorted[len(sorted)*99/100],
		TotalPasses: len(durations),
		Durations:   sorted,
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Passes:  %d\n", s.TotalPasses)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Writes:        %d\n", s.Writes)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// GetStats returns statistics about the test workspace.
func (tw *TestWorkspace) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"projects":          len(tw.ProjectIDs),
		"nodes_per_project": tw.NodesPerProject,
		"total_features":    len(tw.ProjectIDs) * tw.NodesPerProject,
	}
}
