package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mindsync.log")

	logger, err := New(Options{Level: "info", File: path, Quiet: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Named("sync").Info("pass complete", "project_id", "p1", "created", 2)
	logger.Debug("hidden below info")

	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"pass complete"`) || !strings.Contains(out, `"project_id":"p1"`) {
		t.Errorf("log file missing structured entry: %s", out)
	}
	if strings.Contains(out, "hidden below info") {
		t.Error("debug entry written at info level")
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestOrNop(t *testing.T) {
	l := OrNop(nil)
	l.Info("discarded")
	if err := l.Sync(); err != nil {
		t.Errorf("Nop Sync returned %v", err)
	}
}
