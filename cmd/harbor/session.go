package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harborlabs/harbor/internal/convert"
	"github.com/harborlabs/harbor/internal/msg"
	"github.com/harborlabs/harbor/internal/reconcile"
)

// SessionCmd manages stored sessions.
func SessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage chat sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all sessions",
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp()
			defer a.Close()
			listSessions(a)
		},
	})

	var reconcileResults bool
	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session's rendered messages",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp()
			defer a.Close()
			showSession(a, args[0], reconcileResults)
		},
	}
	show.Flags().BoolVar(&reconcileResults, "reconcile", false,
		"fill missing tool outputs from the persisted transcript")
	cmd.AddCommand(show)

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <session-id>",
		Short: "Clear a session's history and summary",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp()
			defer a.Close()
			if err := a.messages.ResetSession(context.Background(), args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Session cleared.")
		},
	})

	return cmd
}

func listSessions(a *app) {
	sessions, err := a.messages.ListSessions(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tUPDATED")
	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			s.ID, title, s.MessageCount, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func showSession(a *app, sessionID string, reconcileResults bool) {
	ctx := context.Background()
	rows, err := a.messages.GetMessages(ctx, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if summary, err := a.messages.GetSessionSummary(ctx, sessionID); err == nil && summary != "" {
		fmt.Println("--- summary ---")
		fmt.Println(summary)
		fmt.Println()
	}

	ui := convert.NewConverter(nil).DBToUI(rows)
	if reconcileResults {
		enhancer := reconcile.NewEnhancer(a.messages, nil, nil)
		ui, err = enhancer.Enhance(ctx, sessionID, ui, reconcile.Options{
			RefetchTools: a.cfg.Reconcile.RefetchTools,
			MaxRefetch:   a.cfg.Reconcile.MaxRefetch,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	for _, m := range ui {
		fmt.Printf("[%s]\n", m.Role)
		for _, p := range m.Parts {
			printPart(p)
		}
		fmt.Println()
	}
}

func printPart(p convert.UIPart) {
	switch v := p.(type) {
	case convert.UITextPart:
		fmt.Println(v.Text)
	case convert.UIFilePart:
		fmt.Printf("(file: %s)\n", v.Name)
	case convert.UIToolPart:
		fmt.Printf("(tool %s, state %s)\n", v.ToolName, v.State)
		if v.State == msg.StateOutputError && v.ErrorText != "" {
			fmt.Printf("  error: %s\n", v.ErrorText)
		}
	}
}
