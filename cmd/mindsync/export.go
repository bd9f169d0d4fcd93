package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/planforge/mindsync/internal/schema"
	"github.com/planforge/mindsync/internal/store"
)

// projectExport is the document written by export.
type projectExport struct {
	ProjectID   string                  `json:"project_id" yaml:"project_id"`
	Mindmap     *schema.MindmapDocument `json:"mindmap,omitempty" yaml:"mindmap,omitempty"`
	Features    []*schema.Feature       `json:"features" yaml:"features"`
	UserStories []*schema.UserStory     `json:"user_stories" yaml:"user_stories"`
}

var exportCmd = &cobra.Command{
	Use:     "export <project>",
	GroupID: "inspect",
	Short:   "Dump a project's mindmap, features and user stories",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		ctx := cmd.Context()
		projectID := args[0]

		if format != "json" && format != "yaml" {
			fatal("unknown format %q (want json or yaml)", format)
		}

		st, err := openStore(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		out := projectExport{ProjectID: projectID}
		doc, err := st.GetMindmapDocument(ctx, projectID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			fatal("%v", err)
		default:
			out.Mindmap = doc
		}
		if out.Features, err = st.ListFeatures(ctx, projectID); err != nil {
			fatal("%v", err)
		}
		if out.UserStories, err = st.ListUserStories(ctx, projectID); err != nil {
			fatal("%v", err)
		}

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				fatal("failed to create %s: %v", output, err)
			}
			defer f.Close()
			w = f
		}

		if err := writeExport(w, format, &out); err != nil {
			fatal("%v", err)
		}
	},
}

func init() {
	exportCmd.Flags().StringP("format", "f", "json", "Output format: json or yaml")
	exportCmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}

func writeExport(w io.Writer, format string, out *projectExport) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode json: %w", err)
	}
	return nil
}
