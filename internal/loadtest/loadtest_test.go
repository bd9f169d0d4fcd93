package loadtest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestCreateTestWorkspace verifies that seeding leaves every project converged.
func TestCreateTestWorkspace(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "load.db")

	tw, err := CreateTestWorkspace(dbPath, 3, 20)
	if err != nil {
		t.Fatalf("Failed to create test workspace: %v", err)
	}
	defer tw.Close()

	if len(tw.ProjectIDs) != 3 {
		t.Errorf("Expected 3 projects, got %d", len(tw.ProjectIDs))
	}

	ctx := context.Background()
	for _, projectID := range tw.ProjectIDs {
		features, err := tw.Store.ListFeatures(ctx, projectID)
		if err != nil {
			t.Fatal(err)
		}
		if len(features) != 20 {
			t.Errorf("%s: expected 20 features, got %d", projectID, len(features))
		}
	}

	if err := tw.VerifyConvergence(ctx); err != nil {
		t.Errorf("seeded workspace not converged: %v", err)
	}
	t.Logf("Workspace stats: %+v", tw.GetStats())
}

// TestConcurrentPasses_Small verifies replay on converged projects is write-free.
func TestConcurrentPasses_Small(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "load.db")

	tw, err := CreateTestWorkspace(dbPath, 2, 15)
	if err != nil {
		t.Fatalf("Failed to create test workspace: %v", err)
	}
	defer tw.Close()

	stats, err := tw.RunConcurrentPasses(4, 4)
	if err != nil {
		t.Fatalf("Concurrent passes failed: %v", err)
	}

	if stats.Errors > 0 {
		t.Errorf("Got %d errors during passes", stats.Errors)
	}
	if stats.TotalPasses != 16 {
		t.Errorf("Expected 16 total passes, got %d", stats.TotalPasses)
	}
	if stats.Writes != 0 {
		t.Errorf("Expected no writes on converged projects, got %d", stats.Writes)
	}

	if testing.Verbose() {
		stats.PrintStats(os.Stdout)
	}

	if err := tw.VerifyConvergence(context.Background()); err != nil {
		t.Errorf("workspace diverged under load: %v", err)
	}
}

func TestConcurrentPasses_Heavy(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping heavy load test in short mode")
	}

	dbPath := filepath.Join(t.TempDir(), "load.db")
	tw, err := CreateTestWorkspace(dbPath, 10, 100)
	if err != nil {
		t.Fatalf("Failed to create test workspace: %v", err)
	}
	defer tw.Close()

	start := time.Now()
	stats, err := tw.RunConcurrentPasses(20, 6)
	total := time.Since(start)
	if err != nil {
		t.Fatalf("Concurrent passes failed: %v", err)
	}
	if stats.Errors > 0 || stats.Writes > 0 {
		t.Errorf("Expected clean run, got %d errors and %d writes", stats.Errors, stats.Writes)
	}

	stats.PrintStats(io.Discard)
	t.Logf("Throughput: %.2f passes/second, p95 %v", float64(stats.TotalPasses)/total.Seconds(), stats.P95)
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"min", stats.Min, time.Millisecond},
		{"max", stats.Max, 100 * time.Millisecond},
		{"p50", stats.P50, 51 * time.Millisecond},
		{"p95", stats.P95, 96 * time.Millisecond},
		{"p99", stats.P99, 100 * time.Millisecond},
		{"mean", stats.Mean, 50500 * time.Microsecond},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if empty := computeLatencyStats(nil); empty.TotalPasses != 0 {
		t.Errorf("expected empty stats, got %+v", empty)
	}
}
