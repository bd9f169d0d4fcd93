package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/planforge/mindsync/internal/generate"
	"github.com/planforge/mindsync/internal/ui"
)

var appTypes = []string{"web", "mobile", "desktop", "api"}

var generateCmd = &cobra.Command{
	Use:     "generate <project>",
	GroupID: "sync",
	Short:   "Generate features, stories and a mindmap from a description",
	Long: `Ask the model for a project plan and import it: one feature per planned
feature, a mindmap node linked to each, and the user stories attached to
their features.

Without --description the command prompts for one when run in a terminal.
--from-file imports a saved response instead of calling the model.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		projectID := args[0]
		description, _ := cmd.Flags().GetString("description")
		appType, _ := cmd.Flags().GetString("app-type")
		fromFile, _ := cmd.Flags().GetString("from-file")
		yes, _ := cmd.Flags().GetBool("yes")
		ctx := cmd.Context()

		var raw []byte
		if fromFile != "" {
			data, err := os.ReadFile(fromFile)
			if err != nil {
				fatal("failed to read %s: %v", fromFile, err)
			}
			raw = data
		} else {
			interactive := term.IsTerminal(int(os.Stdin.Fd()))
			if description == "" {
				if !interactive {
					fatal("--description is required when not running in a terminal")
				}
				if err := promptRequest(&description, &appType); err != nil {
					fatal("%v", err)
				}
			}
			if !yes && interactive {
				ok, err := confirmGenerate(projectID)
				if err != nil {
					fatal("%v", err)
				}
				if !ok {
					fmt.Println("Canceled")
					return
				}
			}

			data, err := requestPlan(ctx, generate.Request{Description: description, AppType: appType})
			if err != nil {
				fatal("%v", err)
			}
			raw = data
		}

		st, err := openStore(ctx)
		if err != nil {
			fatal("%v", err)
		}
		defer st.Close()

		res, err := generate.ImportRaw(ctx, st, projectID, raw, generate.ImportOptions{Logger: log})
		var verr *generate.ValidationError
		if errors.As(err, &verr) {
			fatal("%v", verr)
		}
		if err != nil {
			fatal("failed to import plan: %v", err)
		}

		fmt.Printf("%s Imported %d feature(s), %d user story(ies), %d node(s) into %s\n",
			ui.RenderPass("✓"), len(res.Features), res.Stories, res.Nodes, projectID)
		fmt.Printf("  Mindmap: %s\n", res.MindmapID)
	},
}

func init() {
	generateCmd.Flags().StringP("description", "d", "", "What the application should do")
	generateCmd.Flags().String("app-type", "web", "Application type: "+strings.Join(appTypes, ", "))
	generateCmd.Flags().String("from-file", "", "Import a saved generation response")
	generateCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(generateCmd)
}

func requestPlan(ctx context.Context, req generate.Request) ([]byte, error) {
	apiKey := cfg.AI.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	gen, err := generate.NewAnthropicGenerator(generate.AnthropicConfig{
		APIKey:    apiKey,
		Model:     cfg.AI.Model,
		MaxTokens: int64(cfg.AI.MaxTokens),
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	fmt.Printf("Generating plan with %s...\n", cfg.AI.Model)
	return gen.Generate(ctx, req)
}

func promptRequest(description, appType *string) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewText().
				Title("Describe the application").
				Value(description).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("description is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Application type").
				Options(huh.NewOptions(appTypes...)...).
				Value(appType),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("prompt canceled: %w", err)
	}
	return nil
}

func confirmGenerate(projectID string) (bool, error) {
	ok := true
	err := huh.NewConfirm().
		Title(fmt.Sprintf("Import the generated plan into %s?", projectID)).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}
