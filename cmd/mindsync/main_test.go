package main

import (
	"context"
	"os"
	"testing"
	"time"

	"rsc.io/script"
	"rsc.io/script/scripttest"

	"github.com/planforge/mindsync/internal/sync"
)

// TestMain lets the test binary stand in for the mindsync executable when
// the scripts invoke it.
func TestMain(m *testing.M) {
	if os.Getenv("MINDSYNC_TEST_MAIN") == "1" {
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestScripts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping script tests in short mode")
	}

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable() failed: %v", err)
	}

	engine := script.NewEngine()
	engine.Cmds["mindsync"] = script.Program(exe, nil, 0)

	env := append(os.Environ(),
		"MINDSYNC_TEST_MAIN=1",
		"NO_COLOR=1",
		"ANTHROPIC_API_KEY=",
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)
	scripttest.Test(t, ctx, engine, env, "testdata/*.txt")
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name string
		res  sync.Result
		want string
	}{
		{"noop", sync.Result{NoOp: true}, "no mindmap document"},
		{"nothing", sync.Result{}, "no changes"},
		{"creates", sync.Result{Created: 2}, "created 2"},
		{"mixed", sync.Result{Created: 1, Deleted: 3, NodesAdded: 1}, "created 1, deleted 3, nodes added 1"},
		{"relink only", sync.Result{Relinked: 2}, "relinked 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := summarize(&tt.res); got != tt.want {
				t.Errorf("summarize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	got, err := parseSince("2 hours ago", now)
	if err != nil {
		t.Fatalf("parseSince() failed: %v", err)
	}
	if want := now.Add(-2 * time.Hour); !got.Equal(want) {
		t.Errorf("parseSince() = %v, want %v", got, want)
	}

	if _, err := parseSince("zzz", now); err == nil {
		t.Error("expected error for text with no time")
	}
}
