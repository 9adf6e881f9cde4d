package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harborlabs/harbor/internal/compaction"
	"github.com/harborlabs/harbor/internal/pruning"
)

// CompactCmd manually compacts a session.
func CompactCmd() *cobra.Command {
	var (
		modelID    string
		provider   string
		target     int
		aggressive bool
	)

	cmd := &cobra.Command{
		Use:   "compact <session-id>",
		Short: "Fold older messages into the session summary",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp()
			defer a.Close()

			result := a.compactor.Compact(context.Background(), args[0], modelID, provider, compaction.Options{
				TargetTokensToFree: target,
				Aggressive:         aggressive,
			})
			if !result.Success {
				if errors.Is(result.Err, compaction.ErrInsufficientMessages) {
					fmt.Println("Nothing to do: not enough messages to compact.")
					return
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", result.Err)
				os.Exit(1)
			}
			fmt.Printf("Compacted %d messages, freed ~%d tokens.\n",
				result.MessagesCompacted, result.TokensFreed)
		},
	}

	cmd.Flags().StringVar(&modelID, "model", "", "model ID for threshold lookup")
	cmd.Flags().StringVar(&provider, "provider", "", "provider for threshold lookup")
	cmd.Flags().IntVar(&target, "target", 0, "tokens to free (0 = as much as allowed)")
	cmd.Flags().BoolVar(&aggressive, "aggressive", false, "drop the recent-message retention window")
	return cmd
}

// StatusCmd reports a session's token usage against its window.
func StatusCmd() *cobra.Command {
	var (
		modelID    string
		provider   string
		showPruned bool
	)

	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show token usage against the context window",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp()
			defer a.Close()
			ctx := context.Background()

			usage, err := a.tracker.CalculateUsage(ctx, args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			cfg := a.registry.ContextWindowConfig(modelID, provider)

			fmt.Printf("system:       %d\n", usage.SystemPrompt)
			fmt.Printf("user:         %d\n", usage.User)
			fmt.Printf("assistant:    %d\n", usage.Assistant)
			fmt.Printf("tool calls:   %d\n", usage.ToolCalls)
			fmt.Printf("tool results: %d\n", usage.ToolResults)
			fmt.Printf("summary:      %d\n", usage.Summary)
			fmt.Printf("total:        %d / %d (%.1f%%)\n",
				usage.Total, cfg.MaxTokens,
				float64(usage.Total)/float64(cfg.MaxTokens)*100)

			if showPruned {
				rows, err := a.messages.GetNonCompactedMessages(ctx, args[0])
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				before := a.estimator.EstimateMessages(rows)
				pruned := pruning.PruneContext(rows, a.cfg.ContextPruning)
				after := a.estimator.EstimateMessages(pruned)
				fmt.Printf("after pruning: %d tokens in messages (was %d)\n", after, before)
			}
		},
	}
	cmd.Flags().BoolVar(&showPruned, "pruned", false,
		"also show message tokens after in-memory tool-result pruning")

	cmd.Flags().StringVar(&modelID, "model", "", "model ID for window lookup")
	cmd.Flags().StringVar(&provider, "provider", "", "provider for window lookup")
	return cmd
}
