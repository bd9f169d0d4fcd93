package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/planforge/mindsync/internal/daemon"
	"github.com/planforge/mindsync/internal/dashboard"
	"github.com/planforge/mindsync/internal/syncstate"
	"github.com/planforge/mindsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "service",
	Short:   "Watch the workspace and sync files continuously",
	Long: `Watch the mindmaps/ and features/ workspace directories and reconcile
every change into the store, exporting the results back to disk.

  mindmaps/<project>.json   a mindmap body; its nodes drive the features
  features/<project>.json   a feature list; it drives the mindmap

While the store is unreachable passes are queued and replayed once it
answers again. With --dashboard, sync events and status changes are
streamed to WebSocket clients on /ws.`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard := cfg.Daemon.Dashboard
		if cmd.Flags().Changed("dashboard") {
			withDashboard, _ = cmd.Flags().GetBool("dashboard")
		}
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

		engine := newEngine(st)
		config := &daemon.Config{
			MindmapsDir:      cfg.Workspace.MindmapsDir,
			FeaturesDir:      cfg.Workspace.FeaturesDir,
			DebounceInterval: cfg.Daemon.Debounce,
			ProbeInterval:    cfg.Daemon.ProbeInterval,
			Logger:           log,
		}

		var server *dashboard.Server
		var handler *dashboard.Handler
		if withDashboard {
			server = dashboard.NewServer(&dashboard.Config{Port: port, Logger: log})
			handler = dashboard.NewHandler(server, log)
			defer handler.Attach(engine)()

			config.OnController = func(ctl *syncstate.Controller) {
				handler.Watch(ctl)
			}
			config.OnChange = handler.OnChange
		}

		d, err := daemon.New(st, engine, config)
		if err != nil {
			fatal("%v", err)
		}

		if server != nil {
			if err := server.Start(); err != nil {
				fatal("%v", err)
			}
			defer server.Stop()

			go pollStats(ctx, st, handler, func() []string {
				var projects []string
				for _, ctl := range d.Controllers() {
					projects = append(projects, ctl.ProjectID())
				}
				return projects
			})
			fmt.Printf("Dashboard: http://%s/\n", server.GetAddr())
		}

		fmt.Printf("%s Watching %s/ and %s/ (Ctrl+C to stop)\n",
			ui.RenderAccent("●"), config.MindmapsDir, config.FeaturesDir)
		if err := d.Start(ctx); err != nil {
			fatal("%v", err)
		}
		fmt.Println("Stopped")
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the live dashboard (overrides daemon.dashboard)")
	daemonCmd.Flags().Int("port", 0, "Dashboard port (overrides dashboard.port)")
	rootCmd.AddCommand(daemonCmd)
}
