package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/planforge/mindsync/internal/loadtest"
	"github.com/planforge/mindsync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure pass latency under concurrent load",
	Long: `Seed a scratch database with converged projects, then run concurrent
agents that replay both pass directions against them.

Converged projects must stay write-free under replay, so any write or
divergence reported here is a bug.`,
	Run: func(cmd *cobra.Command, args []string) {
		projects, _ := cmd.Flags().GetInt("projects")
		nodes, _ := cmd.Flags().GetInt("nodes")
		agents, _ := cmd.Flags().GetInt("agents")
		passes, _ := cmd.Flags().GetInt("passes")

		dir, err := os.MkdirTemp("", "mindsync-bench-")
		if err != nil {
			fatal("failed to create scratch dir: %v", err)
		}
		defer os.RemoveAll(dir)

		fmt.Printf("Seeding %d project(s) with %d node(s) each...\n", projects, nodes)
		start := time.Now()
		tw, err := loadtest.CreateTestWorkspace(filepath.Join(dir, "bench.db"), projects, nodes)
		if err != nil {
			fatal("%v", err)
		}
		defer tw.Close()
		fmt.Printf("  Seeded in %v\n\n", time.Since(start).Round(time.Millisecond))

		start = time.Now()
		stats, err := tw.RunConcurrentPasses(agents, passes)
		if err != nil {
			fatal("%v", err)
		}
		elapsed := time.Since(start)

		stats.PrintStats(os.Stdout)
		fmt.Printf("  Throughput:    %.1f passes/s\n\n", float64(stats.TotalPasses)/elapsed.Seconds())

		if err := tw.VerifyConvergence(context.Background()); err != nil {
			fatal("workspace diverged: %v", err)
		}
		if stats.Errors > 0 || stats.Writes > 0 {
			fatal("%d error(s), %d unexpected write(s)", stats.Errors, stats.Writes)
		}
		fmt.Printf("%s Converged\n", ui.RenderPass("✓"))
	},
}

func init() {
	benchCmd.Flags().Int("projects", 5, "Projects to seed")
	benchCmd.Flags().Int("nodes", 50, "Feature nodes per project")
	benchCmd.Flags().Int("agents", 10, "Concurrent agents")
	benchCmd.Flags().Int("passes", 10, "Passes per agent")
	rootCmd.AddCommand(benchCmd)
}
