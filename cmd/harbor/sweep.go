package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harborlabs/harbor/internal/maintenance"
)

// SweepCmd runs one compaction sweep immediately.
func SweepCmd() *cobra.Command {
	var (
		modelID  string
		provider string
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Compact idle sessions that are over the warning threshold",
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp()
			defer a.Close()

			sweeper := maintenance.NewSweeper(a.messages, a.tracker, a.registry, a.compactor, maintenance.Config{
				Schedule: a.cfg.Maintenance.Schedule,
				IdleFor:  time.Duration(a.cfg.Maintenance.IdleMinutes) * time.Minute,
				ModelID:  modelID,
				Provider: provider,
			}, nil)

			result := sweeper.Sweep(context.Background())
			fmt.Printf("examined %d, compacted %d, skipped %d, failed %d\n",
				result.Examined, result.Compacted, result.Skipped, result.Failed)
		},
	}

	cmd.Flags().StringVar(&modelID, "model", "", "model ID for threshold lookup")
	cmd.Flags().StringVar(&provider, "provider", "", "provider for threshold lookup")
	return cmd
}
