// Package daemon keeps a file workspace and the store in sync.
//
// A workspace has two directories, each holding one {projectID}.json per
// project:
//
//	mindmaps/   the mindmap body (nodes, connections)
//	features/   the feature list as a JSON array
//
// # Architecture
//
// The daemon consists of several components:
//
//   - FileWatcher: fsnotify events for both directories, tagged with the
//     project and the file type
//   - Daemon: debounces file events, runs reconciliation passes through a
//     per-project syncstate.Controller, and exports the result back to disk
//   - Probe: pings the store and drives every controller's online signal;
//     coming back online flushes the pending-operation log
//
// # Data flow
//
// An edit to mindmaps/p1.json runs a mindmap-to-features pass for p1. An edit
// to features/p1.json saves the list (features missing from the file are
// deleted) and then rebuilds the mindmap. After either pass both files are
// exported. Exports that do not change a file do not touch it, and the
// watcher event caused by the daemon's own export is recognized by content
// and skipped.
//
// Store change events from other writers (another daemon on the same Redis
// channel, the CLI) queue an export of the affected project.
//
// # Usage
//
//	st, _ := store.Open(ctx, "mindsync.db", store.Options{})
//	engine := sync.New(st)
//
//	cfg := daemon.DefaultConfig("./workspace")
//	d, err := daemon.New(st, engine, cfg)
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled
package daemon
