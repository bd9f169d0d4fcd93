package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/planforge/mindsync/internal/schema"
	"github.com/planforge/mindsync/internal/store"
	"github.com/planforge/mindsync/internal/sync"
	"github.com/planforge/mindsync/internal/syncstate"
	"github.com/planforge/mindsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one reconciliation pass",
	Long: `Run a single reconciliation pass for a project.

  sync mindmap <project> <file>    nodes in file drive the features
  sync features <project> <file>   features in file drive the mindmap
  sync remove <project> <id>       delete a feature and its node

When the store is unreachable the pass is queued in the pending log and
replayed by 'mindsync pending flush'.`,
}

var syncMindmapCmd = &cobra.Command{
	Use:   "mindmap <project> <file>",
	Short: "Reconcile features from a mindmap file",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		projectID, path := args[0], args[1]
		writeBack, _ := cmd.Flags().GetBool("write")
		ctx := cmd.Context()

		body, err := schema.ReadMindmapFile(path)
		if err != nil {
			fatal("%v", err)
		}

		st, ctl := openController(ctx, projectID)
		defer st.Close()

		title := projectID
		if body.RootNode != nil {
			title = body.RootNode.Title
		}
		doc, err := st.EnsureMindmapDocument(ctx, projectID, title)
		if err != nil {
			fatal("%v", err)
		}

		res, err := ctl.MindmapToFeatures(ctx, doc.ID, body.Nodes, body.Connections)
		if !reportPass(sync.EventMindmapToFeatures, projectID, res, err) {
			return
		}

		if writeBack {
			written, err := st.GetMindmapByID(ctx, doc.ID)
			if err != nil {
				fatal("%v", err)
			}
			data, err := written.Body.Marshal()
			if err != nil {
				fatal("%v", err)
			}
			if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
				fatal("failed to write %s: %v", path, err)
			}
			fmt.Printf("  Linked nodes written back to %s\n", path)
		}
	},
}

var syncFeaturesCmd = &cobra.Command{
	Use:   "features <project> <file>",
	Short: "Save a feature list and project it onto the mindmap",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		projectID, path := args[0], args[1]
		prune, _ := cmd.Flags().GetBool("prune")
		ctx := cmd.Context()

		features, err := schema.ReadFeaturesFile(path, projectID)
		if err != nil {
			fatal("%v", err)
		}

		st, ctl := openController(ctx, projectID)
		defer st.Close()

		res, err := ctl.SaveFeatures(ctx, features, prune)
		reportPass(sync.EventFeaturesToMindmap, projectID, res, err)
	},
}

var syncRemoveCmd = &cobra.Command{
	Use:   "remove <project> <feature-id>",
	Short: "Delete a feature and remove its node",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		projectID, featureID := args[0], args[1]
		ctx := cmd.Context()

		st, ctl := openController(ctx, projectID)
		defer st.Close()

		res, err := ctl.RemoveFeature(ctx, featureID)
		reportPass(sync.EventFeaturesToMindmap, projectID, res, err)
	},
}

func init() {
	syncMindmapCmd.Flags().Bool("write", false, "Write the linked nodes back to the file")
	syncFeaturesCmd.Flags().Bool("prune", false, "Delete stored features missing from the file")

	syncCmd.AddCommand(syncMindmapCmd, syncFeaturesCmd, syncRemoveCmd)
	rootCmd.AddCommand(syncCmd)
}

// openController opens the store and a status controller for projectID. The
// controller starts offline when the store does not answer a ping.
func openController(ctx context.Context, projectID string) (*store.SQLStore, *syncstate.Controller) {
	st, err := openStore(ctx)
	if err != nil {
		fatal("%v", err)
	}
	online := st.Ping(ctx) == nil
	ctl := syncstate.New(projectID, newEngine(st), st, syncstate.Options{Online: online, Logger: log})
	return st, ctl
}

// reportPass prints the outcome of a pass. It reports whether the pass ran.
func reportPass(direction, projectID string, res *sync.Result, err error) bool {
	if errors.Is(err, syncstate.ErrQueuedOffline) {
		fmt.Printf("%s %s %s: store offline, queued for replay\n", ui.RenderWarn("!"), direction, projectID)
		return false
	}
	if errors.Is(err, store.ErrVersionConflict) {
		fatal("%s %s: mindmap changed during the pass, run it again", direction, projectID)
	}
	if err != nil {
		fatal("%s %s: %v", direction, projectID, err)
	}
	fmt.Printf("%s %s %s: %s\n", ui.RenderPass("✓"), direction, projectID, summarize(res))
	return true
}

// summarize lists the non-zero counters of a result.
func summarize(res *sync.Result) string {
	if res.NoOp {
		return "no mindmap document"
	}

	var parts []string
	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", label, n))
		}
	}
	add(res.Created, "created")
	add(res.Updated, "updated")
	add(res.Deleted, "deleted")
	add(res.Relinked, "relinked")
	add(res.Repaired, "repaired")
	add(res.NodesAdded, "nodes added")
	add(res.NodesRemoved, "nodes removed")

	if len(parts) == 0 {
		return "no changes"
	}
	return strings.Join(parts, ", ")
}
