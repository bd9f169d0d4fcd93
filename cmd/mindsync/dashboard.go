package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/planforge/mindsync/internal/dashboard"
	"github.com/planforge/mindsync/internal/store"
)

const statsInterval = 5 * time.Second

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "service",
	Short:   "Serve a live view of store changes",
	Long: `Serve the dashboard without running the file daemon. Store changes for
the watched projects are streamed to WebSocket clients on /ws, together
with periodic per-project counts.

With notify.backend = "redis" this shows changes made by every mindsync
process sharing the channel; with the local backend it only sees its own.`,
	Run: func(cmd *cobra.Command, args []string) {
		projects, _ := cmd.Flags().GetStringSlice("project")
		port := cfg.Dashboard.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		if len(projects) == 0 {
			if projects, err = st.ListProjects(ctx); err != nil {
				fatal("%v", err)
			}
		}

		server := dashboard.NewServer(&dashboard.Config{Port: port, Logger: log})
		handler := dashboard.NewHandler(server, log)

		for _, projectID := range projects {
			sub, err := st.Subscribe(projectID, handler.OnChange)
			if err != nil {
				fatal("failed to subscribe to %s: %v", projectID, err)
			}
			defer sub.Unsubscribe()
		}

		if err := server.Start(); err != nil {
			fatal("%v", err)
		}
		defer server.Stop()

		fmt.Printf("Dashboard: http://%s/ watching %d project(s) (Ctrl+C to stop)\n", server.GetAddr(), len(projects))
		pollStats(ctx, st, handler, func() []string { return projects })
	},
}

func init() {
	dashboardCmd.Flags().StringSlice("project", nil, "Project to watch (repeatable, default all)")
	dashboardCmd.Flags().Int("port", 0, "Listen port (overrides dashboard.port)")
	rootCmd.AddCommand(dashboardCmd)
}

// pollStats pushes stored counts for the projects returned by list until
// ctx is done.
func pollStats(ctx context.Context, st *store.SQLStore, handler *dashboard.Handler, list func() []string) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		for _, projectID := range list() {
			stats, err := st.Stats(ctx, projectID)
			if err != nil {
				log.Warn("failed to read stats", "project_id", projectID, "error", err)
				continue
			}
			handler.UpdateStats(stats)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
