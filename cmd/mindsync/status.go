package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/planforge/mindsync/internal/store"
	"github.com/planforge/mindsync/internal/syncstate"
	"github.com/planforge/mindsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status [project]",
	GroupID: "inspect",
	Short:   "Show sync status for one or all projects",
	Long: `Show the sync status of a project, or a table of every project in the
store when no project is given.

--since takes a natural-language time ("2 hours ago", "yesterday",
"last monday") and keeps projects whose mindmap changed after it.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sinceText, _ := cmd.Flags().GetString("since")
		ctx := cmd.Context()

		var since time.Time
		if sinceText != "" {
			t, err := parseSince(sinceText, time.Now())
			if err != nil {
				fatal("%v", err)
			}
			since = t
		}

		st, err := openStore(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()
		online := st.Ping(ctx) == nil

		if len(args) == 1 {
			stats, err := st.Stats(ctx, args[0])
			if err != nil {
				fatal("%v", err)
			}
			snap := syncstate.New(args[0], nil, st, syncstate.Options{Online: online}).Snapshot()
			fmt.Print(ui.KeyValues(statusPairs(stats, snap)))
			return
		}

		projects, err := st.ListProjects(ctx)
		if err != nil {
			fatal("%v", err)
		}

		var rows [][]string
		for _, projectID := range projects {
			stats, err := st.Stats(ctx, projectID)
			if err != nil {
				fatal("%v", err)
			}
			if !since.IsZero() && stats.UpdatedAt.Before(since) {
				continue
			}
			rows = append(rows, []string{
				projectID,
				strconv.Itoa(stats.Features),
				strconv.Itoa(stats.MindmapNodes),
				strconv.Itoa(stats.PendingOps),
				strconv.FormatInt(stats.MindmapVersion, 10),
				formatTime(stats.UpdatedAt),
			})
		}

		if len(rows) == 0 {
			fmt.Println(ui.RenderMuted("No projects"))
			return
		}
		fmt.Print(ui.Table([]string{"PROJECT", "FEATURES", "NODES", "PENDING", "VERSION", "UPDATED"}, rows))
	},
}

func init() {
	statusCmd.Flags().String("since", "", "Only projects changed after this time (e.g. \"2 hours ago\")")
	rootCmd.AddCommand(statusCmd)
}

// parseSince resolves a natural-language time relative to now.
func parseSince(text string, now time.Time) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: no time found", text)
	}
	return r.Time, nil
}

func statusPairs(stats *store.Stats, snap syncstate.Snapshot) [][2]string {
	mindmap := ui.RenderMuted("none")
	if stats.HasMindmap {
		mindmap = fmt.Sprintf("%s (version %d, %d nodes)", stats.MindmapID, stats.MindmapVersion, stats.MindmapNodes)
	}

	pending := strconv.Itoa(stats.PendingOps)
	if stats.PendingOps > 0 {
		pending = ui.RenderWarn(pending) + " (run 'mindsync pending flush " + stats.ProjectID + "')"
	}

	return [][2]string{
		{"Project", stats.ProjectID},
		{"Status", ui.RenderStatus(string(snap.Status))},
		{"Mindmap", mindmap},
		{"Features", strconv.Itoa(stats.Features)},
		{"User stories", strconv.Itoa(stats.UserStories)},
		{"Pending ops", pending},
		{"Updated", formatTime(stats.UpdatedAt)},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
