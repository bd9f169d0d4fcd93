package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/planforge/mindsync/internal/logging"
	"github.com/planforge/mindsync/internal/schema"
	"github.com/planforge/mindsync/internal/store"
)

// DefaultParallelism bounds concurrent feature writes within one pass.
const DefaultParallelism = 4

// Region below the root where synthesized nodes are placed.
const (
	placeMinX   = 100
	placeWidth  = 600
	placeMinY   = 400
	placeHeight = 300
)

// Engine implements Syncer against a store.Adapter.
//
// Passes are not serialized: two concurrent passes on the same project both
// write the document and the last write wins, unless the engine was built
// WithVersionCheck, in which case the loser fails with
// store.ErrVersionConflict.
type Engine struct {
	store        store.Adapter
	emitter      *Emitter
	log          *logging.Logger
	parallelism  int
	versionCheck bool

	randMu stdsync.Mutex
	rand   *rand.Rand
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithParallelism bounds concurrent feature writes. Values below 1 are ignored.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.parallelism = n
		}
	}
}

// WithVersionCheck makes document writes compare-and-swap on the version
// read at the start of the pass.
func WithVersionCheck() Option {
	return func(e *Engine) { e.versionCheck = true }
}

// WithRand sets the source used to place synthesized nodes.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rand = r }
}

// New creates an engine over adapter.
func New(adapter store.Adapter, opts ...Option) *Engine {
	e := &Engine{
		store:       adapter,
		parallelism: DefaultParallelism,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logging.OrNop(e.log).Named("sync")
	if e.rand == nil {
		e.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	e.emitter = NewEmitter(e.log)
	return e
}

// Subscribe registers handler for the named sync event.
func (e *Engine) Subscribe(name string, handler Handler) func() {
	return e.emitter.Subscribe(name, handler)
}

// MindmapToFeatures implements Syncer.MindmapToFeatures.
func (e *Engine) MindmapToFeatures(ctx context.Context, mindmapID string, nodes []schema.MindmapNode, opts ...PassOption) (*Result, error) {
	var cfg passConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := validateNodes(nodes); err != nil {
		return nil, err
	}

	doc, err := e.store.GetMindmapByID(ctx, mindmapID)
	if err != nil {
		return nil, err
	}
	features, err := e.store.ListFeatures(ctx, doc.ProjectID)
	if err != nil {
		return nil, err
	}

	plan := PlanMindmapToFeatures(doc.ProjectID, &doc.Body, nodes, features)
	for _, i := range plan.Dangling {
		id, _ := nodes[i].LinkedFeature()
		e.log.Warn("node linked to missing feature", "node_id", nodes[i].ID, "feature_id", id)
	}

	byID := make(map[string]*schema.Feature, len(features))
	for _, f := range features {
		byID[f.ID] = f
	}

	// linked[i] is the feature node i ends up linked to.
	linked := make([]*schema.Feature, len(nodes))
	res := &Result{
		Direction: EventMindmapToFeatures,
		ProjectID: doc.ProjectID,
		MindmapID: doc.ID,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)

	for _, c := range plan.Creates {
		c := c
		g.Go(func() error {
			f, err := e.store.InsertFeature(gctx, c.Feature)
			if err != nil {
				return err
			}
			nodes[c.Index].SetFeatureID(f.ID)
			linked[c.Index] = f
			return nil
		})
	}
	for _, l := range plan.Links {
		l := l
		if l.Patch.IsEmpty() {
			nodes[l.Index].SetFeatureID(l.FeatureID)
			linked[l.Index] = byID[l.FeatureID]
			continue
		}
		g.Go(func() error {
			f, err := e.store.UpdateFeature(gctx, l.FeatureID, l.Patch)
			if err != nil {
				return err
			}
			nodes[l.Index].SetFeatureID(f.ID)
			linked[l.Index] = f
			return nil
		})
	}
	for _, id := range plan.Deletes {
		id := id
		g.Go(func() error {
			return e.store.DeleteFeature(gctx, id)
		})
	}

	if err := g.Wait(); err != nil {
		e.log.Error("mindmap-to-features aborted", "mindmap_id", doc.ID, "error", err)
		return nil, err
	}

	res.Created = len(plan.Creates)
	res.Deleted = len(plan.Deletes)
	for _, l := range plan.Links {
		if l.Relinked {
			res.Relinked++
		} else if !l.Patch.IsEmpty() {
			res.Updated++
		}
	}
	for _, f := range linked {
		if f != nil {
			res.Features = append(res.Features, f)
		}
	}

	final := make([]schema.MindmapNode, 0, len(nodes)+1)
	hasRoot := false
	for i := range nodes {
		if nodes[i].IsRoot() {
			hasRoot = true
		}
		final = append(final, nodes[i].Clone())
	}
	if !hasRoot {
		if i := doc.Body.IndexOf(schema.RootNodeID); i >= 0 {
			final = append([]schema.MindmapNode{doc.Body.Nodes[i].Clone()}, final...)
		}
	}

	connections := doc.Body.Connections
	if cfg.hasConnections {
		connections = cfg.connections
	}
	connections = schema.PruneConnections(connections, final)

	written, err := e.writeDocument(ctx, doc, final, connections)
	if err != nil {
		return nil, err
	}
	res.Document = written
	res.Nodes = written.Body.Nodes

	e.log.Info("mindmap-to-features complete",
		"project_id", res.ProjectID, "mindmap_id", res.MindmapID,
		"created", res.Created, "updated", res.Updated, "relinked", res.Relinked, "deleted", res.Deleted)

	e.emitter.Emit(SyncEvent{
		Name:      EventMindmapToFeatures,
		MindmapID: written.ID,
		ProjectID: written.ProjectID,
		Nodes:     cloneNodes(written.Body.Nodes),
	})
	return res, nil
}

// FeaturesToMindmap implements Syncer.FeaturesToMindmap.
func (e *Engine) FeaturesToMindmap(ctx context.Context, projectID string, features []*schema.Feature) (*Result, error) {
	res := &Result{Direction: EventFeaturesToMindmap, ProjectID: projectID}

	doc, err := e.store.GetMindmapDocument(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Debug("no mindmap to reconcile into", "project_id", projectID)
		res.NoOp = true
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.MindmapID = doc.ID

	stored, err := e.store.ListFeatures(ctx, projectID)
	if err != nil {
		return nil, err
	}
	storedByID := make(map[string]*schema.Feature, len(stored))
	for _, f := range stored {
		storedByID[f.ID] = f
	}

	updated := make([]*schema.Feature, 0, len(features))
	for _, in := range features {
		if in == nil {
			continue
		}
		s, ok := storedByID[in.ID]
		if !ok {
			e.log.Warn("skipping feature not in project", "project_id", projectID, "feature_id", in.ID)
			continue
		}
		f := *in
		f.ProjectID = projectID
		f.Metadata = s.Metadata
		updated = append(updated, &f)
	}

	plan := PlanFeaturesToMindmap(doc.Body, doc.Title, updated, stored, e.place)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, r := range plan.Repairs {
		r := r
		meta := storedByID[r.FeatureID].Metadata
		meta.NodeID = r.NodeID
		g.Go(func() error {
			_, err := e.store.UpdateFeature(gctx, r.FeatureID, schema.FeaturePatch{Metadata: &meta})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		e.log.Error("features-to-mindmap aborted", "project_id", projectID, "error", err)
		return nil, err
	}
	for _, f := range updated {
		for _, r := range plan.Repairs {
			if r.FeatureID == f.ID {
				f.Metadata.NodeID = r.NodeID
			}
		}
	}

	written, err := e.writeDocument(ctx, doc, plan.Nodes, plan.Connections)
	if err != nil {
		return nil, err
	}

	res.Updated = len(plan.Updated)
	res.Repaired = len(plan.Repairs)
	res.NodesAdded = len(plan.Added)
	res.NodesRemoved = len(plan.Removed)
	res.Features = updated
	res.Document = written
	res.Nodes = written.Body.Nodes

	e.log.Info("features-to-mindmap complete",
		"project_id", projectID, "mindmap_id", written.ID,
		"nodes_added", res.NodesAdded, "nodes_updated", res.Updated,
		"nodes_removed", res.NodesRemoved, "repaired", res.Repaired)

	e.emitter.Emit(SyncEvent{
		Name:      EventFeaturesToMindmap,
		MindmapID: written.ID,
		ProjectID: projectID,
		Nodes:     cloneNodes(written.Body.Nodes),
	})
	return res, nil
}

// SaveFeatures implements Syncer.SaveFeatures.
func (e *Engine) SaveFeatures(ctx context.Context, projectID string, features []*schema.Feature, prune bool) (*Result, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if _, err := e.store.EnsureMindmapDocument(ctx, projectID, projectID); err != nil {
		return nil, err
	}

	stored, err := e.store.ListFeatures(ctx, projectID)
	if err != nil {
		return nil, err
	}
	storedByID := make(map[string]*schema.Feature, len(stored))
	for _, f := range stored {
		storedByID[f.ID] = f
	}

	inputs := make([]*schema.Feature, 0, len(features))
	seen := make(map[string]bool, len(features))
	for _, f := range features {
		if f == nil || (f.ID != "" && seen[f.ID]) {
			continue
		}
		seen[f.ID] = true
		row := *f
		row.ProjectID = projectID
		if err := row.Validate(); err != nil {
			return nil, fmt.Errorf("invalid feature %q: %w", row.Title, err)
		}
		inputs = append(inputs, &row)
	}

	saved := make([]*schema.Feature, len(inputs))
	var created, updated int
	var countMu stdsync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, in := range inputs {
		i, in := i, in
		existing, ok := storedByID[in.ID]
		if in.ID != "" && ok {
			patch := sharedFieldsPatch(existing, in)
			if patch.IsEmpty() {
				saved[i] = existing
				continue
			}
			g.Go(func() error {
				f, err := e.store.UpdateFeature(gctx, in.ID, patch)
				if err != nil {
					return err
				}
				saved[i] = f
				countMu.Lock()
				updated++
				countMu.Unlock()
				return nil
			})
			continue
		}
		g.Go(func() error {
			f, err := e.store.InsertFeature(gctx, in)
			if err != nil {
				return err
			}
			saved[i] = f
			countMu.Lock()
			created++
			countMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	deleted := 0
	if prune {
		keep := make(map[string]bool, len(saved))
		for _, f := range saved {
			keep[f.ID] = true
		}
		for _, f := range stored {
			if keep[f.ID] {
				continue
			}
			if err := e.store.DeleteFeature(ctx, f.ID); err != nil {
				return nil, err
			}
			deleted++
		}
	}

	res, err := e.FeaturesToMindmap(ctx, projectID, saved)
	if err != nil {
		return nil, err
	}
	res.Created = created
	res.Deleted = deleted
	res.Updated += updated
	return res, nil
}

// RemoveFeature implements Syncer.RemoveFeature.
func (e *Engine) RemoveFeature(ctx context.Context, projectID, featureID string) (*Result, error) {
	deleted := 0
	_, err := e.store.GetFeature(ctx, featureID)
	switch {
	case err == nil:
		if err := e.store.DeleteFeature(ctx, featureID); err != nil {
			return nil, err
		}
		deleted = 1
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	res, err := e.FeaturesToMindmap(ctx, projectID, nil)
	if err != nil {
		return nil, err
	}
	res.Deleted = deleted
	return res, nil
}

func (e *Engine) writeDocument(ctx context.Context, doc *schema.MindmapDocument, nodes []schema.MindmapNode, connections []schema.Connection) (*schema.MindmapDocument, error) {
	if e.versionCheck {
		return e.store.CompareAndWriteMindmapDocument(ctx, doc.ID, doc.Version, nodes, connections)
	}
	return e.store.WriteMindmapDocument(ctx, doc.ID, nodes, connections)
}

func (e *Engine) place() schema.Position {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return schema.Position{
		X: placeMinX + e.rand.Float64()*placeWidth,
		Y: placeMinY + e.rand.Float64()*placeHeight,
	}
}

func validateNodes(nodes []schema.MindmapNode) error {
	seen := make(map[string]bool, len(nodes))
	for i := range nodes {
		if err := nodes[i].Validate(); err != nil {
			return fmt.Errorf("invalid node: %w", err)
		}
		if seen[nodes[i].ID] {
			return fmt.Errorf("invalid node: duplicate id %s", nodes[i].ID)
		}
		seen[nodes[i].ID] = true
	}
	return nil
}

// sharedFieldsPatch returns the patch that copies in's shared fields onto
// existing. Metadata is left alone.
func sharedFieldsPatch(existing, in *schema.Feature) schema.FeaturePatch {
	var p schema.FeaturePatch
	if existing.Title != in.Title {
		p.Title = &in.Title
	}
	if existing.Description != in.Description {
		p.Description = &in.Description
	}
	if existing.Priority != in.Priority {
		p.Priority = &in.Priority
	}
	if existing.Complexity != in.Complexity {
		p.Complexity = &in.Complexity
	}
	if existing.Category != in.Category {
		p.Category = &in.Category
	}
	return p
}

func cloneNodes(nodes []schema.MindmapNode) []schema.MindmapNode {
	out := make([]schema.MindmapNode, len(nodes))
	for i := range nodes {
		out[i] = nodes[i].Clone()
	}
	return out
}
