// Package cli implements the harbor command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/harborlabs/harbor/internal/config"
	"github.com/harborlabs/harbor/internal/logging"
)

var (
	configPath string
	verbose    bool
)

// SetupRootCmd builds the root command with all subcommands attached.
func SetupRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "harbor",
		Short: "Conversation context management for chat sessions",
		Long: `Harbor manages the context window of long-running chat sessions:
token usage tracking, rolling-summary compaction, and transcript
reconciliation over a local sqlite store.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logging.SetupTerminal(level)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(SessionCmd())
	root.AddCommand(CompactCmd())
	root.AddCommand(StatusCmd())
	root.AddCommand(WatchCmd())
	root.AddCommand(SweepCmd())
	root.AddCommand(DoctorCmd())
	return root
}

// loadConfig resolves the config, honoring --config.
func loadConfig() *config.Config {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func mustOpenApp() *app {
	a, err := openApp(loadConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return a
}
