package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/planforge/mindsync/internal/syncstate"
	"github.com/planforge/mindsync/internal/ui"
)

var pendingCmd = &cobra.Command{
	Use:     "pending",
	GroupID: "sync",
	Short:   "Inspect or replay passes queued while offline",
}

var pendingListCmd = &cobra.Command{
	Use:   "list <project>",
	Short: "List queued operations in replay order",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		ops, err := st.Pending(ctx, args[0])
		if err != nil {
			fatal("%v", err)
		}
		if len(ops) == 0 {
			fmt.Println(ui.RenderMuted("No pending operations"))
			return
		}

		rows := make([][]string, 0, len(ops))
		for _, op := range ops {
			rows = append(rows, []string{
				strconv.FormatInt(op.Seq, 10),
				string(op.Kind),
				formatTime(op.CreatedAt),
				strconv.Itoa(len(op.Payload)),
			})
		}
		fmt.Print(ui.Table([]string{"SEQ", "KIND", "QUEUED", "BYTES"}, rows))
	},
}

var pendingFlushCmd = &cobra.Command{
	Use:   "flush <project>",
	Short: "Replay queued operations against the store",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		projectID := args[0]

		st, err := openStore(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		if err := st.Ping(ctx); err != nil {
			fatal("store unreachable: %v", err)
		}

		ctl := syncstate.New(projectID, newEngine(st), st, syncstate.Options{Online: true, Logger: log})
		n, err := ctl.Flush(ctx)
		if err != nil {
			fatal("replayed %d before failing: %v", n, err)
		}
		if n == 0 {
			fmt.Println(ui.RenderMuted("No pending operations"))
			return
		}
		fmt.Printf("%s Replayed %d pending operation(s) for %s\n", ui.RenderPass("✓"), n, projectID)
	},
}

func init() {
	pendingCmd.AddCommand(pendingListCmd, pendingFlushCmd)
	rootCmd.AddCommand(pendingCmd)
}
