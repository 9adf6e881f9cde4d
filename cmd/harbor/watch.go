package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harborlabs/harbor/internal/convert"
	"github.com/harborlabs/harbor/internal/refresh"
)

// watchTailMessages is how many messages an incremental refresh renders.
const watchTailMessages = 10

// WatchCmd follows a session and re-renders it as messages arrive.
// Bursts of writes collapse into a single re-render through the refresh
// coordinator.
func WatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow a session, re-rendering as messages arrive",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp()
			defer a.Close()
			watchSession(a, args[0])
		},
	}
}

func watchSession(a *app, sessionID string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := a.cfg.Refresh
	coordinator := refresh.NewCoordinator(
		refresh.ApplierFunc(func(ctx context.Context, sid string, mode refresh.Mode) error {
			return renderSession(a, sid, mode)
		}),
		refresh.Config{
			CoalesceWindow:         time.Duration(rc.CoalesceWindowMs) * time.Millisecond,
			MinIncrementalInterval: time.Duration(rc.MinIncrementalIntervalMs) * time.Millisecond,
			DropInactive:           rc.DropInactive,
		}, nil)
	defer coordinator.Dispose()
	coordinator.SetActiveSession(sessionID)

	coordinator.Enqueue(refresh.Event{
		SessionID: sessionID,
		Mode:      refresh.ModeFull,
		EventTime: time.Now(),
		Immediate: true,
	})

	interval := time.Duration(rc.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = refresh.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastCount := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		session, err := a.messages.GetSession(ctx, sessionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		if lastCount >= 0 && session.MessageCount != lastCount {
			coordinator.Enqueue(refresh.Event{
				SessionID: sessionID,
				Mode:      refresh.ModeIncremental,
				EventTime: time.Now(),
			})
		}
		lastCount = session.MessageCount
	}
}

func renderSession(a *app, sessionID string, mode refresh.Mode) error {
	rows, err := a.messages.GetMessages(context.Background(), sessionID)
	if err != nil {
		return err
	}
	ui := convert.NewConverter(nil).DBToUI(rows)
	if mode == refresh.ModeIncremental && len(ui) > watchTailMessages {
		ui = ui[len(ui)-watchTailMessages:]
	}

	fmt.Printf("--- %s refresh (%d messages) ---\n", mode, len(rows))
	for _, m := range ui {
		fmt.Printf("[%s]\n", m.Role)
		for _, p := range m.Parts {
			printPart(p)
		}
		fmt.Println()
	}
	return nil
}
