// Command mindsync keeps project mindmaps and feature lists in sync.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/planforge/mindsync/internal/config"
	"github.com/planforge/mindsync/internal/logging"
	"github.com/planforge/mindsync/internal/store"
	"github.com/planforge/mindsync/internal/sync"
	"github.com/planforge/mindsync/internal/ui"
)

var (
	cfgFile string
	noColor bool
	verbose bool

	v   = config.NewViper()
	cfg *config.Config
	log = logging.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "mindsync",
	Short: "Bidirectional mindmap and feature list sync",
	Long: `mindsync keeps a project's mindmap document and its feature list
consistent with each other.

Edits on either side are reconciled into the other: new nodes become
features, new features become nodes, and deletions propagate. Passes are
idempotent, so running one twice changes nothing the second time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.DisableColor()
		}

		path := cfgFile
		if path == "" {
			path = config.DefaultPath(".")
		}
		loaded, err := config.Load(v, path)
		if err != nil {
			return err
		}
		cfg = loaded

		opts := logging.Options{
			Mode:       cfg.Log.Mode,
			Level:      cfg.Log.Level,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Quiet:      !verbose,
		}
		if verbose {
			opts.Level = "debug"
		}
		// Only log to the file once the workspace has been initialized.
		if _, err := os.Stat(filepath.Dir(cfg.Log.File)); err == nil {
			opts.File = cfg.Log.File
		}
		l, err := logging.New(opts)
		if err != nil {
			return err
		}
		log = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = log.Sync()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
		&cobra.Group{ID: "service", Title: "Service Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./.mindsync/config.toml)")
	rootCmd.PersistentFlags().String("db", "", "database path or libsql:// DSN (overrides db.path)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr at debug level")

	_ = v.BindPFlag("db.path", rootCmd.PersistentFlags().Lookup("db"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openStore opens the configured database with the configured notifier.
func openStore(ctx context.Context) (*store.SQLStore, error) {
	notifier, err := store.NewNotifier(ctx, cfg.Notify.Backend, cfg.Notify.RedisAddr, cfg.Notify.Channel, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifier: %w", err)
	}
	st, err := store.Open(ctx, cfg.DB.Path, store.Options{Notifier: notifier, Logger: log})
	if err != nil {
		_ = notifier.Close()
		return nil, err
	}
	return st, nil
}

// newEngine builds a sync engine with the configured options.
func newEngine(st store.Adapter) *sync.Engine {
	opts := []sync.Option{
		sync.WithLogger(log),
		sync.WithParallelism(cfg.Sync.Parallelism),
	}
	if cfg.Sync.VersionCheck {
		opts = append(opts, sync.WithVersionCheck())
	}
	return sync.New(st, opts...)
}

// fatal prints an error the way every command reports failures and exits.
func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
