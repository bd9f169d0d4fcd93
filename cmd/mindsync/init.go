package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/planforge/mindsync/internal/config"
	"github.com/planforge/mindsync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "maint",
	Short:   "Write the default configuration and create the workspace",
	Long: `Write .mindsync/config.toml with default settings and create the
mindmaps/ and features/ workspace directories.

Every setting can be overridden with a MINDSYNC_ environment variable, for
example MINDSYNC_DB_PATH or MINDSYNC_NOTIFY_BACKEND=redis.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := cfgFile
		if path == "" {
			path = config.DefaultPath(".")
		}
		if err := config.WriteDefault(path, force); err != nil {
			fatal("%v", err)
		}

		for _, dir := range []string{cfg.Workspace.MindmapsDir, cfg.Workspace.FeaturesDir} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				fatal("failed to create %s: %v", dir, err)
			}
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("  Workspace: %s/, %s/\n", cfg.Workspace.MindmapsDir, cfg.Workspace.FeaturesDir)
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
