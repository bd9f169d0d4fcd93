package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/planforge/mindsync/internal/schema"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileType says which workspace directory an event came from.
type FileType int

const (
	// TypeMindmap indicates a mindmap file (mindmaps/*.json).
	TypeMindmap FileType = iota
	// TypeFeatures indicates a features file (features/*.json).
	TypeFeatures
)

// String returns a human-readable representation of the file type.
func (ft FileType) String() string {
	switch ft {
	case TypeMindmap:
		return "mindmap"
	case TypeFeatures:
		return "features"
	default:
		return "unknown"
	}
}

// FileEvent represents a file system event for a workspace file.
type FileEvent struct {
	// Path is the absolute path to the file that changed.
	Path string
	// ProjectID is derived from the file name.
	ProjectID string
	Type      FileType
	Op        EventOp
}

// FileWatcher watches the mindmaps and features directories for changes.
type FileWatcher struct {
	watcher     *fsnotify.Watcher
	events      chan FileEvent
	errors      chan error
	done        chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	mindmapsDir string
	featuresDir string
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching both directories for *.json events.
func (fw *FileWatcher) Start(mindmapsDir, featuresDir string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	fw.mindmapsDir = absOrSelf(mindmapsDir)
	fw.featuresDir = absOrSelf(featuresDir)

	if err := fw.watcher.Add(fw.mindmapsDir); err != nil {
		return fmt.Errorf("failed to watch mindmaps directory %s: %w", mindmapsDir, err)
	}
	if err := fw.watcher.Add(fw.featuresDir); err != nil {
		_ = fw.watcher.Remove(fw.mindmapsDir)
		return fmt.Errorf("failed to watch features directory %s: %w", featuresDir, err)
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching and blocks until the event loop has exited.
// Both channels are closed afterwards.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return nil
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits watcher errors.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a FileEvent. Non-JSON files,
// temp files, and chmod events are dropped.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if !strings.HasSuffix(event.Name, ".json") {
		return FileEvent{}, false
	}

	fileType, ok := fw.determineFileType(event.Name)
	if !ok {
		return FileEvent{}, false
	}

	projectID, err := schema.ProjectFromFileName(event.Name)
	if err != nil {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename away is a delete; the new name arrives as a create.
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{
		Path:      absOrSelf(event.Name),
		ProjectID: projectID,
		Type:      fileType,
		Op:        op,
	}, true
}

func (fw *FileWatcher) determineFileType(path string) (FileType, bool) {
	dir := filepath.Dir(absOrSelf(path))
	switch dir {
	case fw.mindmapsDir:
		return TypeMindmap, true
	case fw.featuresDir:
		return TypeFeatures, true
	}
	return 0, false
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

func absOrSelf(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
