package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupWatchDirs(t *testing.T) (mindmapsDir, featuresDir string) {
	t.Helper()

	tmpDir := t.TempDir()
	mindmapsDir = filepath.Join(tmpDir, "mindmaps")
	featuresDir = filepath.Join(tmpDir, "features")

	if err := os.MkdirAll(mindmapsDir, 0755); err != nil {
		t.Fatalf("Failed to create mindmaps dir: %v", err)
	}
	if err := os.MkdirAll(featuresDir, 0755); err != nil {
		t.Fatalf("Failed to create features dir: %v", err)
	}
	return mindmapsDir, featuresDir
}

func startWatcher(t *testing.T, mindmapsDir, featuresDir string) *FileWatcher {
	t.Helper()

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if err := fw.Start(mindmapsDir, featuresDir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = fw.Stop() })
	return fw
}

// waitEvent returns the first event for which match is true.
func waitEvent(t *testing.T, fw *FileWatcher, match func(FileEvent) bool) FileEvent {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case event := <-fw.Events():
			if match(event) {
				return event
			}
		case <-timeout:
			t.Fatal("Timeout waiting for file event")
		}
	}
}

func TestNewFileWatcher(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	if fw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}
}

func TestFileWatcher_StartStop(t *testing.T) {
	mindmapsDir, featuresDir := setupWatchDirs(t)

	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}

	if err := fw.Start(mindmapsDir, featuresDir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !fw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}

	if err := fw.Start(mindmapsDir, featuresDir); err == nil {
		t.Error("Second Start() should fail when watcher is already running")
	}

	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}

	// Channels are closed after Stop.
	if _, ok := <-fw.Events(); ok {
		t.Error("Events channel should be closed")
	}
	if _, ok := <-fw.Errors(); ok {
		t.Error("Errors channel should be closed")
	}
}

func TestFileWatcher_StartNonexistentDirectory(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	defer fw.Stop()

	missing := filepath.Join(t.TempDir(), "missing")
	if err := fw.Start(missing, missing); err == nil {
		t.Error("Start() should fail for a nonexistent directory")
	}
}

func TestFileWatcher_MindmapFileCreated(t *testing.T) {
	mindmapsDir, featuresDir := setupWatchDirs(t)
	fw := startWatcher(t, mindmapsDir, featuresDir)

	path := filepath.Join(mindmapsDir, "p1.json")
	if err := os.WriteFile(path, []byte(`{"nodes":[]}`), 0644); err != nil {
		t.Fatalf("Failed to write mindmap file: %v", err)
	}

	event := waitEvent(t, fw, func(e FileEvent) bool { return e.Op == OpCreate })
	if event.Type != TypeMindmap {
		t.Errorf("Expected TypeMindmap, got %v", event.Type)
	}
	if event.ProjectID != "p1" {
		t.Errorf("Expected project p1, got %q", event.ProjectID)
	}
	if !filepath.IsAbs(event.Path) {
		t.Errorf("Expected absolute path, got %s", event.Path)
	}
}

func TestFileWatcher_FeaturesFileModified(t *testing.T) {
	mindmapsDir, featuresDir := setupWatchDirs(t)

	path := filepath.Join(featuresDir, "p1.json")
	if err := os.WriteFile(path, []byte(`[]`), 0644); err != nil {
		t.Fatalf("Failed to write features file: %v", err)
	}

	fw := startWatcher(t, mindmapsDir, featuresDir)
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`[{"title":"Login"}]`), 0644); err != nil {
		t.Fatalf("Failed to update features file: %v", err)
	}

	event := waitEvent(t, fw, func(e FileEvent) bool { return e.Op == OpModify })
	if event.Type != TypeFeatures {
		t.Errorf("Expected TypeFeatures, got %v", event.Type)
	}
}

func TestFileWatcher_FileDeleted(t *testing.T) {
	mindmapsDir, featuresDir := setupWatchDirs(t)

	path := filepath.Join(mindmapsDir, "p1.json")
	if err := os.WriteFile(path, []byte(`{}`), 0644); err != nil {
		t.Fatalf("Failed to write mindmap file: %v", err)
	}

	fw := startWatcher(t, mindmapsDir, featuresDir)
	time.Sleep(100 * time.Millisecond)

	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to delete mindmap file: %v", err)
	}

	event := waitEvent(t, fw, func(e FileEvent) bool { return e.Op == OpDelete })
	if event.ProjectID != "p1" {
		t.Errorf("Expected project p1, got %q", event.ProjectID)
	}
}

func TestFileWatcher_NonJSONFilesIgnored(t *testing.T) {
	mindmapsDir, featuresDir := setupWatchDirs(t)
	fw := startWatcher(t, mindmapsDir, featuresDir)

	for _, name := range []string{"notes.txt", "p1.json.tmp", ".json"} {
		if err := os.WriteFile(filepath.Join(mindmapsDir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	select {
	case event := <-fw.Events():
		t.Errorf("Unexpected event for %s", event.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestEventOp_String(t *testing.T) {
	tests := []struct {
		op   EventOp
		want string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{OpDelete, "delete"},
		{EventOp(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("EventOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}

func TestFileType_String(t *testing.T) {
	tests := []struct {
		ft   FileType
		want string
	}{
		{TypeMindmap, "mindmap"},
		{TypeFeatures, "features"},
		{FileType(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.ft.String(); got != tt.want {
			t.Errorf("FileType(%d).String() = %q, want %q", tt.ft, got, tt.want)
		}
	}
}
