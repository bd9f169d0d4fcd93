// Package syncstate tracks the sync status of one project and guards
// reconciliation passes while the store is unreachable.
package syncstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/planforge/mindsync/internal/logging"
	"github.com/planforge/mindsync/internal/multiplex"
	"github.com/planforge/mindsync/internal/schema"
	"github.com/planforge/mindsync/internal/sync"
)

// Status is the derived sync status of a project.
type Status string

const (
	StatusSynced  Status = "synced"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// ErrQueuedOffline is returned by a pass invoked while offline. The call was
// recorded in the pending log and will run on the next Flush.
var ErrQueuedOffline = errors.New("offline: operation queued")

// Queue is the durable pending-operation log.
type Queue interface {
	Enqueue(ctx context.Context, op *schema.PendingOp) error
	Pending(ctx context.Context, projectID string) ([]*schema.PendingOp, error)
	Ack(ctx context.Context, seq int64) error
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	ProjectID    string    `json:"project_id"`
	Status       Status    `json:"status"`
	Online       bool      `json:"online"`
	LastSyncAt   time.Time `json:"last_sync_at,omitempty"`
	LastChangeAt time.Time `json:"last_change_at,omitempty"`
	Conflicts    int       `json:"conflicts"`
	LastError    string    `json:"last_error,omitempty"`
}

// Listener is notified after every state change.
type Listener func(Snapshot)

// Options configures a Controller.
type Options struct {
	// Online is the initial network signal. The zero value starts offline.
	Online bool
	Logger *logging.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Controller owns the sync status of one project. It is safe for concurrent
// use.
type Controller struct {
	projectID string
	syncer    sync.Syncer
	queue     Queue
	log       *logging.Logger
	now       func() time.Time

	mu           stdsync.Mutex
	online       bool
	latest       uint64
	latestActive bool
	failed       bool
	lastErr      error
	lastSyncAt   time.Time
	lastChangeAt time.Time
	conflicts    int

	listenersMu stdsync.Mutex
	listeners   map[uint64]Listener
	nextID      uint64
}

// New creates a controller for projectID.
func New(projectID string, syncer sync.Syncer, queue Queue, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		projectID: projectID,
		syncer:    syncer,
		queue:     queue,
		log:       logging.OrNop(opts.Logger).Named("syncstate").With("project_id", projectID),
		now:       opts.Now,
		online:    opts.Online,
		listeners: make(map[uint64]Listener),
	}
}

// ProjectID returns the project this controller tracks.
func (c *Controller) ProjectID() string {
	return c.projectID
}

// Status returns the derived status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	switch {
	case !c.online:
		return StatusOffline
	case c.latestActive:
		return StatusSyncing
	case c.failed:
		return StatusError
	default:
		return StatusSynced
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		ProjectID:    c.projectID,
		Status:       c.statusLocked(),
		Online:       c.online,
		LastSyncAt:   c.lastSyncAt,
		LastChangeAt: c.lastChangeAt,
		Conflicts:    c.conflicts,
	}
	if c.failed && c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// OnChange registers a listener and returns the function that removes it.
func (c *Controller) OnChange(l Listener) func() {
	c.listenersMu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = l
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Controller) notify(s Snapshot) {
	c.listenersMu.Lock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.listenersMu.Unlock()

	for _, l := range ls {
		l(s)
	}
}

// update applies fn under the lock and notifies listeners with the result.
func (c *Controller) update(fn func()) Snapshot {
	c.mu.Lock()
	fn()
	s := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(s)
	return s
}

// SetOnline records a network signal. Going online clears an error status;
// queued operations are replayed by Flush, not here.
func (c *Controller) SetOnline(online bool) {
	c.mu.Lock()
	changed := c.online != online
	c.mu.Unlock()
	if !changed {
		return
	}

	c.update(func() {
		c.online = online
		if online {
			c.failed = false
			c.lastErr = nil
		}
	})
	if online {
		c.log.Info("online")
	} else {
		c.log.Warn("offline")
	}
}

// Online reports the last network signal.
func (c *Controller) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// RetrySync clears an error status and the conflict counter. Nothing is
// replayed.
func (c *Controller) RetrySync() {
	c.update(func() {
		c.failed = false
		c.lastErr = nil
		c.conflicts = 0
	})
}

// HandleChange records a change observed on the project's feeds.
func (c *Controller) HandleChange(e multiplex.Event) {
	if e.ProjectID != "" && e.ProjectID != c.projectID {
		return
	}
	at := e.At
	if at.IsZero() {
		at = c.now()
	}
	c.update(func() {
		if at.After(c.lastChangeAt) {
			c.lastChangeAt = at
		}
	})
}

// begin marks a new pass as the latest one and returns its sequence.
func (c *Controller) begin() uint64 {
	var seq uint64
	c.update(func() {
		c.latest++
		seq = c.latest
		c.latestActive = true
	})
	return seq
}

func (c *Controller) finish(seq uint64, err error) {
	c.update(func() {
		if err != nil {
			c.conflicts++
		} else {
			c.lastSyncAt = c.now()
		}
		if seq != c.latest {
			return
		}
		c.latestActive = false
		if err != nil {
			c.failed = true
			c.lastErr = err
		} else {
			c.failed = false
			c.lastErr = nil
			c.conflicts = 0
		}
	})
}

func (c *Controller) run(kind schema.PendingKind, fn func() (*sync.Result, error)) (*sync.Result, error) {
	seq := c.begin()
	res, err := fn()
	c.finish(seq, err)
	if err != nil {
		c.log.Error("sync failed", "kind", kind, "error", err)
	}
	return res, err
}

func (c *Controller) enqueue(ctx context.Context, kind schema.PendingKind, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode pending op: %w", err)
	}
	op := &schema.PendingOp{
		ProjectID: c.projectID,
		Kind:      kind,
		Payload:   data,
		CreatedAt: c.now(),
	}
	if err := c.queue.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("failed to queue %s while offline: %w", kind, err)
	}
	return ErrQueuedOffline
}

// MindmapToFeatures runs the mindmap-to-features pass, or queues it while
// offline. Nil connections keep the stored ones.
func (c *Controller) MindmapToFeatures(ctx context.Context, mindmapID string, nodes []schema.MindmapNode, connections []schema.Connection) (*sync.Result, error) {
	if !c.Online() {
		return nil, c.enqueue(ctx, schema.PendingMindmapToFeatures, schema.MindmapPayload{
			MindmapID:   mindmapID,
			Nodes:       nodes,
			Connections: connections,
		})
	}
	return c.run(schema.PendingMindmapToFeatures, func() (*sync.Result, error) {
		var opts []sync.PassOption
		if connections != nil {
			opts = append(opts, sync.WithConnections(connections))
		}
		return c.syncer.MindmapToFeatures(ctx, mindmapID, nodes, opts...)
	})
}

// FeaturesToMindmap runs the features-to-mindmap pass, or queues it while
// offline.
func (c *Controller) FeaturesToMindmap(ctx context.Context, features []*schema.Feature) (*sync.Result, error) {
	if !c.Online() {
		return nil, c.enqueue(ctx, schema.PendingFeaturesToMindmap, schema.FeaturesPayload{Features: features})
	}
	return c.run(schema.PendingFeaturesToMindmap, func() (*sync.Result, error) {
		return c.syncer.FeaturesToMindmap(ctx, c.projectID, features)
	})
}

// SaveFeatures upserts features and projects them onto the mindmap, or
// queues the save while offline. Queued features without an id are given
// one first so that replaying the save twice does not insert twice.
func (c *Controller) SaveFeatures(ctx context.Context, features []*schema.Feature, prune bool) (*sync.Result, error) {
	if !c.Online() {
		stamped := make([]*schema.Feature, 0, len(features))
		for _, f := range features {
			if f == nil {
				continue
			}
			row := *f
			if row.ID == "" {
				row.ID = uuid.NewString()
			}
			stamped = append(stamped, &row)
		}
		return nil, c.enqueue(ctx, schema.PendingSaveFeatures, schema.FeaturesPayload{Features: stamped, Prune: prune})
	}
	return c.run(schema.PendingSaveFeatures, func() (*sync.Result, error) {
		return c.syncer.SaveFeatures(ctx, c.projectID, features, prune)
	})
}

// RemoveFeature deletes a feature and its node, or queues the removal while
// offline.
func (c *Controller) RemoveFeature(ctx context.Context, featureID string) (*sync.Result, error) {
	if !c.Online() {
		return nil, c.enqueue(ctx, schema.PendingRemoveFeature, schema.RemovePayload{FeatureID: featureID})
	}
	return c.run(schema.PendingRemoveFeature, func() (*sync.Result, error) {
		return c.syncer.RemoveFeature(ctx, c.projectID, featureID)
	})
}

// Flush replays queued operations in order. It stops at the first failure,
// leaving that operation and the rest queued, and returns how many ran.
func (c *Controller) Flush(ctx context.Context) (int, error) {
	if !c.Online() {
		return 0, fmt.Errorf("cannot flush while offline")
	}

	ops, err := c.queue.Pending(ctx, c.projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to read pending ops: %w", err)
	}

	done := 0
	for _, op := range ops {
		if _, err := c.replay(ctx, op); err != nil {
			c.log.Warn("flush stopped", "seq", op.Seq, "remaining", len(ops)-done, "error", err)
			return done, fmt.Errorf("failed to replay pending op %d: %w", op.Seq, err)
		}
		if err := c.queue.Ack(ctx, op.Seq); err != nil {
			return done, fmt.Errorf("failed to ack pending op %d: %w", op.Seq, err)
		}
		done++
	}
	if done > 0 {
		c.log.Info("flushed pending ops", "count", done)
	}
	return done, nil
}

func (c *Controller) replay(ctx context.Context, op *schema.PendingOp) (*sync.Result, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	switch op.Kind {
	case schema.PendingMindmapToFeatures:
		var p schema.MindmapPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, err
		}
		return c.run(op.Kind, func() (*sync.Result, error) {
			var opts []sync.PassOption
			if p.Connections != nil {
				opts = append(opts, sync.WithConnections(p.Connections))
			}
			return c.syncer.MindmapToFeatures(ctx, p.MindmapID, p.Nodes, opts...)
		})
	case schema.PendingFeaturesToMindmap:
		var p schema.FeaturesPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, err
		}
		return c.run(op.Kind, func() (*sync.Result, error) {
			return c.syncer.FeaturesToMindmap(ctx, c.projectID, p.Features)
		})
	case schema.PendingRemoveFeature:
		var p schema.RemovePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, err
		}
		return c.run(op.Kind, func() (*sync.Result, error) {
			return c.syncer.RemoveFeature(ctx, c.projectID, p.FeatureID)
		})
	default:
		var p schema.FeaturesPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, err
		}
		return c.run(op.Kind, func() (*sync.Result, error) {
			return c.syncer.SaveFeatures(ctx, c.projectID, p.Features, p.Prune)
		})
	}
}
