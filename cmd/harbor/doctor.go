package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harborlabs/harbor/internal/db"
	"github.com/harborlabs/harbor/internal/limits"
)

// DoctorCmd checks the installation.
func DoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database, and summarizer setup",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

type checkResult struct {
	name    string
	status  string // "ok", "warn", "error"
	message string
}

func runDoctor() {
	cfg := loadConfig()
	var results []checkResult

	// Data directory
	if info, err := os.Stat(cfg.DataDir); err != nil {
		results = append(results, checkResult{"data dir", "warn",
			fmt.Sprintf("%s does not exist yet (created on first run)", cfg.DataDir)})
	} else if !info.IsDir() {
		results = append(results, checkResult{"data dir", "error",
			fmt.Sprintf("%s is not a directory", cfg.DataDir)})
	} else {
		results = append(results, checkResult{"data dir", "ok", cfg.DataDir})
	}

	// Database opens and migrates
	if store, err := db.Open(cfg.DatabasePath()); err != nil {
		results = append(results, checkResult{"database", "error", err.Error()})
	} else {
		messages := db.NewMessageStore(store)
		if sessions, err := messages.ListSessions(context.Background()); err != nil {
			results = append(results, checkResult{"database", "error", err.Error()})
		} else {
			results = append(results, checkResult{"database", "ok",
				fmt.Sprintf("%s (%d sessions)", cfg.DatabasePath(), len(sessions))})
		}
		store.Close()
	}

	// Limits overrides parse
	if path := cfg.OverridesPath(); path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			results = append(results, checkResult{"limits overrides", "ok",
				"no override file (built-in limits)"})
		} else if err := checkOverrides(path); err != nil {
			results = append(results, checkResult{"limits overrides", "error", err.Error()})
		} else {
			results = append(results, checkResult{"limits overrides", "ok", path})
		}
	}

	// Summarizer credentials
	if cfg.Summarizer.APIKey == "" {
		results = append(results, checkResult{"summarizer", "warn",
			fmt.Sprintf("no API key for %s (compaction will fail)", cfg.Summarizer.Provider)})
	} else {
		results = append(results, checkResult{"summarizer", "ok",
			fmt.Sprintf("%s / %s", cfg.Summarizer.Provider, cfg.Summarizer.Model)})
	}

	failed := false
	for _, r := range results {
		icon := "✓"
		switch r.status {
		case "warn":
			icon = "!"
		case "error":
			icon = "✗"
			failed = true
		}
		fmt.Printf("%s %-18s %s\n", icon, r.name, r.message)
	}
	if failed {
		os.Exit(1)
	}
}

func checkOverrides(path string) error {
	return limits.NewRegistry().LoadOverrides(path)
}
