package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/planforge/mindsync/internal/logging"
	"github.com/planforge/mindsync/internal/multiplex"
	"github.com/planforge/mindsync/internal/schema"
	"github.com/planforge/mindsync/internal/store"
	"github.com/planforge/mindsync/internal/sync"
	"github.com/planforge/mindsync/internal/syncstate"
)

// Config holds configuration for the daemon.
type Config struct {
	MindmapsDir string
	FeaturesDir string

	// DebounceInterval is how long a file must be quiet before it is synced.
	DebounceInterval time.Duration

	// ProbeInterval is how often store connectivity is checked.
	ProbeInterval time.Duration

	Logger *logging.Logger

	// OnController is called once for every project controller the daemon
	// creates, before its first pass.
	OnController func(*syncstate.Controller)

	// OnChange receives every store change event the daemon observes.
	OnChange func(multiplex.Event)
}

// DefaultConfig returns sensible defaults for a workspace rooted at dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		MindmapsDir:      filepath.Join(dir, "mindmaps"),
		FeaturesDir:      filepath.Join(dir, "features"),
		DebounceInterval: 200 * time.Millisecond,
		ProbeInterval:    5 * time.Second,
	}
}

type pendingChange struct {
	event    FileEvent
	queuedAt time.Time
}

// Daemon keeps a file workspace and the store in sync. Edits to
// mindmaps/<project>.json run a mindmap-to-features pass, edits to
// features/<project>.json save the feature list, and after either the other
// representation is exported back to disk.
type Daemon struct {
	store  store.Adapter
	syncer sync.Syncer
	config *Config
	log    *logging.Logger

	watcher *FileWatcher

	changeQueue   map[string]pendingChange // path -> latest event
	exportQueue   map[string]time.Time     // project -> requested at
	changeQueueMu stdsync.Mutex

	// exported holds the bytes last written per path, so the watcher event
	// for our own write is not synced back.
	exported   map[string][]byte
	exportedMu stdsync.Mutex

	controllers   map[string]*syncstate.Controller
	subscriptions map[string]*multiplex.Subscription
	controllersMu stdsync.Mutex

	onlineMu stdsync.Mutex
	online   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New creates a Daemon. Use Start to begin watching and syncing.
func New(adapter store.Adapter, syncer sync.Syncer, config *Config) (*Daemon, error) {
	if adapter == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil || config.MindmapsDir == "" || config.FeaturesDir == "" {
		return nil, fmt.Errorf("mindmaps and features directories are required")
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 200 * time.Millisecond
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 5 * time.Second
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		store:         adapter,
		syncer:        syncer,
		config:        config,
		log:           logging.OrNop(config.Logger).Named("daemon"),
		watcher:       watcher,
		changeQueue:   make(map[string]pendingChange),
		exportQueue:   make(map[string]time.Time),
		exported:      make(map[string][]byte),
		controllers:   make(map[string]*syncstate.Controller),
		subscriptions: make(map[string]*multiplex.Subscription),
		online:        true,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start performs a full sync, starts watching, and blocks until ctx is
// cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.log.Info("starting daemon", "mindmaps", d.config.MindmapsDir, "features", d.config.FeaturesDir)

	for _, dir := range []string{d.config.MindmapsDir, d.config.FeaturesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err := d.store.Ping(ctx); err != nil {
		d.setOnline(false)
	}

	// Ops queued by earlier runs predate the files on disk, so they go first.
	if err := d.FlushPending(ctx); err != nil {
		d.log.Warn("failed to flush pending ops", "error", err)
	}

	if err := d.PerformFullSync(ctx); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	if err := d.watcher.Start(d.config.MindmapsDir, d.config.FeaturesDir); err != nil {
		return err
	}

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.probe()

	select {
	case <-ctx.Done():
		d.log.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.cancel()

	if err := d.watcher.Stop(); err != nil {
		d.log.Warn("error closing watcher", "error", err)
	}
	d.wg.Wait()

	d.controllersMu.Lock()
	for id, sub := range d.subscriptions {
		sub.Unsubscribe()
		delete(d.subscriptions, id)
	}
	d.controllersMu.Unlock()

	d.log.Info("daemon stopped")
	return nil
}

// PerformFullSync reconciles every mindmap file into the store and then
// exports every project found in either directory.
//
// Features files are exported, not imported, on startup: the store state
// after the mindmap passes is authoritative.
func (d *Daemon) PerformFullSync(ctx context.Context) error {
	projects := make(map[string]bool)

	mindmaps, err := filepath.Glob(filepath.Join(d.config.MindmapsDir, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to list mindmaps: %w", err)
	}
	for _, path := range mindmaps {
		projectID, err := schema.ProjectFromFileName(path)
		if err != nil {
			continue
		}
		projects[projectID] = true
		if err := d.SyncMindmapFile(ctx, path); err != nil {
			d.log.Warn("failed to sync mindmap", "path", path, "error", err)
		}
	}

	features, err := filepath.Glob(filepath.Join(d.config.FeaturesDir, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to list features: %w", err)
	}
	for _, path := range features {
		if projectID, err := schema.ProjectFromFileName(path); err == nil {
			projects[projectID] = true
		}
	}

	for projectID := range projects {
		if err := d.Export(ctx, projectID); err != nil {
			d.log.Warn("failed to export project", "project_id", projectID, "error", err)
		}
	}

	d.log.Info("full sync complete", "projects", len(projects))
	return nil
}

// Controller returns the status controller for a project, creating it and
// subscribing to the project's change feeds on first use.
func (d *Daemon) Controller(projectID string) *syncstate.Controller {
	d.controllersMu.Lock()
	if c, ok := d.controllers[projectID]; ok {
		d.controllersMu.Unlock()
		return c
	}

	c := syncstate.New(projectID, d.syncer, d.store, syncstate.Options{
		Online: d.isOnline(),
		Logger: d.config.Logger,
	})
	d.controllers[projectID] = c

	sub, err := d.store.Subscribe(projectID, func(e multiplex.Event) {
		c.HandleChange(e)
		if d.config.OnChange != nil {
			d.config.OnChange(e)
		}
		d.queueExport(projectID)
	})
	if err != nil {
		d.log.Warn("failed to subscribe to changes", "project_id", projectID, "error", err)
	} else {
		d.subscriptions[projectID] = sub
	}
	d.controllersMu.Unlock()

	if d.config.OnController != nil {
		d.config.OnController(c)
	}
	return c
}

// Controllers returns every controller created so far.
func (d *Daemon) Controllers() []*syncstate.Controller {
	d.controllersMu.Lock()
	defer d.controllersMu.Unlock()
	out := make([]*syncstate.Controller, 0, len(d.controllers))
	for _, c := range d.controllers {
		out = append(out, c)
	}
	return out
}

// SyncMindmapFile runs a mindmap-to-features pass for the file at path.
// A deleted file is ignored: removing the file does not delete the project.
func (d *Daemon) SyncMindmapFile(ctx context.Context, path string) error {
	projectID, err := schema.ProjectFromFileName(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		d.log.Info("mindmap file removed, keeping project", "project_id", projectID)
		return nil
	}

	body, err := schema.ReadMindmapFile(path)
	if err != nil {
		return err
	}

	title := projectID
	if body.RootNode != nil {
		title = body.RootNode.Title
	}
	doc, err := d.store.EnsureMindmapDocument(ctx, projectID, title)
	if err != nil {
		return err
	}

	res, err := d.Controller(projectID).MindmapToFeatures(ctx, doc.ID, body.Nodes, body.Connections)
	if errors.Is(err, syncstate.ErrQueuedOffline) {
		d.log.Info("offline, mindmap change queued", "project_id", projectID)
		return nil
	}
	if err != nil {
		return err
	}

	d.log.Info("synced mindmap file", "project_id", projectID,
		"created", res.Created, "updated", res.Updated, "deleted", res.Deleted)
	return d.Export(ctx, projectID)
}

// SyncFeaturesFile saves the feature list in the file at path. The file is
// the whole list: stored features missing from it are deleted.
func (d *Daemon) SyncFeaturesFile(ctx context.Context, path string) error {
	projectID, err := schema.ProjectFromFileName(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		d.log.Info("features file removed, keeping project", "project_id", projectID)
		return nil
	}

	features, err := schema.ReadFeaturesFile(path, projectID)
	if err != nil {
		return err
	}

	res, err := d.Controller(projectID).SaveFeatures(ctx, features, true)
	if errors.Is(err, syncstate.ErrQueuedOffline) {
		d.log.Info("offline, features change queued", "project_id", projectID)
		return nil
	}
	if err != nil {
		return err
	}

	d.log.Info("synced features file", "project_id", projectID,
		"created", res.Created, "deleted", res.Deleted, "nodes_added", res.NodesAdded)
	return d.Export(ctx, projectID)
}

// Export writes the stored mindmap and features of a project to disk.
// Files whose content is unchanged are not rewritten.
func (d *Daemon) Export(ctx context.Context, projectID string) error {
	doc, err := d.store.GetMindmapDocument(ctx, projectID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	default:
		changed, err := schema.WriteMindmapFile(d.config.MindmapsDir, projectID, doc.Body)
		if err != nil {
			return err
		}
		d.rememberExport(filepath.Join(d.config.MindmapsDir, schema.FileName(projectID)))
		if changed {
			d.log.Debug("exported mindmap", "project_id", projectID, "version", doc.Version)
		}
	}

	features, err := d.store.ListFeatures(ctx, projectID)
	if err != nil {
		return err
	}
	changed, err := schema.WriteFeaturesFile(d.config.FeaturesDir, projectID, features)
	if err != nil {
		return err
	}
	d.rememberExport(filepath.Join(d.config.FeaturesDir, schema.FileName(projectID)))
	if changed {
		d.log.Debug("exported features", "project_id", projectID, "count", len(features))
	}
	return nil
}

func (d *Daemon) rememberExport(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	d.exportedMu.Lock()
	d.exported[absOrSelf(path)] = data
	d.exportedMu.Unlock()
}

// isOwnWrite reports whether path still holds exactly what we exported.
func (d *Daemon) isOwnWrite(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	d.exportedMu.Lock()
	defer d.exportedMu.Unlock()
	last, ok := d.exported[absOrSelf(path)]
	return ok && bytes.Equal(last, data)
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.log.Debug("file event", "op", event.Op, "type", event.Type, "path", event.Path)
			d.queueChange(event)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.log.Warn("watcher error", "error", err)
		}
	}
}

func (d *Daemon) queueChange(event FileEvent) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[event.Path] = pendingChange{event: event, queuedAt: time.Now()}
}

func (d *Daemon) queueExport(projectID string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.exportQueue[projectID] = time.Now()
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges syncs files and exports projects that have been
// quiet for a full debounce interval.
func (d *Daemon) processPendingChanges() {
	now := time.Now()

	d.changeQueueMu.Lock()
	var ready []FileEvent
	for path, pc := range d.changeQueue {
		if now.Sub(pc.queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, pc.event)
		delete(d.changeQueue, path)
	}
	var exports []string
	for projectID, at := range d.exportQueue {
		if now.Sub(at) < d.config.DebounceInterval {
			continue
		}
		exports = append(exports, projectID)
		delete(d.exportQueue, projectID)
	}
	d.changeQueueMu.Unlock()

	for _, ev := range ready {
		if ev.Op != OpDelete && d.isOwnWrite(ev.Path) {
			continue
		}
		var err error
		switch ev.Type {
		case TypeMindmap:
			err = d.SyncMindmapFile(d.ctx, ev.Path)
		case TypeFeatures:
			err = d.SyncFeaturesFile(d.ctx, ev.Path)
		}
		if err != nil {
			d.log.Error("failed to sync file", "path", ev.Path, "error", err)
		}
	}

	for _, projectID := range exports {
		if err := d.Export(d.ctx, projectID); err != nil {
			d.log.Warn("failed to export project", "project_id", projectID, "error", err)
		}
	}
}

// probe checks store connectivity and drives every controller's network
// signal. Coming back online flushes the pending log.
func (d *Daemon) probe() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Probe(d.ctx)
		}
	}
}

// Probe runs one connectivity check.
func (d *Daemon) Probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, d.config.ProbeInterval)
	err := d.store.Ping(pctx)
	cancel()

	if err != nil {
		if d.setOnline(false) {
			d.log.Warn("store unreachable", "error", err)
		}
		return
	}
	if d.setOnline(true) {
		d.log.Info("store reachable again, flushing pending ops")
		d.flushAll(ctx)
	}
}

// setOnline records the network signal and forwards it to every controller.
// It reports whether the signal changed.
func (d *Daemon) setOnline(online bool) bool {
	d.onlineMu.Lock()
	changed := d.online != online
	d.online = online
	d.onlineMu.Unlock()

	if changed {
		for _, c := range d.Controllers() {
			c.SetOnline(online)
		}
	}
	return changed
}

func (d *Daemon) isOnline() bool {
	d.onlineMu.Lock()
	defer d.onlineMu.Unlock()
	return d.online
}

// FlushPending replays the pending log of every project in the store,
// including projects no workspace file names yet. It does nothing offline.
func (d *Daemon) FlushPending(ctx context.Context) error {
	if !d.isOnline() {
		return nil
	}
	projects, err := d.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}
	for _, projectID := range projects {
		d.Controller(projectID)
	}
	d.flushAll(ctx)
	return nil
}

func (d *Daemon) flushAll(ctx context.Context) {
	for _, c := range d.Controllers() {
		n, err := c.Flush(ctx)
		if err != nil {
			d.log.Error("flush failed", "project_id", c.ProjectID(), "replayed", n, "error", err)
			continue
		}
		if n > 0 {
			if err := d.Export(ctx, c.ProjectID()); err != nil {
				d.log.Warn("failed to export project", "project_id", c.ProjectID(), "error", err)
			}
		}
	}
}
