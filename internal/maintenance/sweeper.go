// Package maintenance runs the scheduled compaction sweep: idle
// sessions whose token usage has crossed the warning threshold are
// compacted in the background, so interactive sends rarely pay the
// compaction cost themselves.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harborlabs/harbor/internal/compaction"
	"github.com/harborlabs/harbor/internal/contextwindow"
	"github.com/harborlabs/harbor/internal/db"
	"github.com/harborlabs/harbor/internal/events"
	"github.com/harborlabs/harbor/internal/limits"
	"github.com/harborlabs/harbor/internal/logging"
	"github.com/harborlabs/harbor/internal/tokens"
)

// SessionLister enumerates sessions for the sweep.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]db.Session, error)
}

// Compactor is the slice of the compaction service the sweep invokes.
type Compactor interface {
	Compact(ctx context.Context, sessionID, modelID, provider string, opts compaction.Options) compaction.Result
}

// Config tunes the sweep.
type Config struct {
	// Schedule is a standard cron expression.
	Schedule string
	// IdleFor is how long a session must be untouched before the sweep
	// considers it.
	IdleFor time.Duration
	// ModelID and Provider pick the limits profile sessions are
	// evaluated against.
	ModelID  string
	Provider string
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Examined  int `json:"examined"`
	Compacted int `json:"compacted"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Sweeper owns the cron schedule and the sweep logic.
type Sweeper struct {
	sessions  SessionLister
	tracker   *tokens.Tracker
	registry  *limits.Registry
	compactor Compactor
	subject   *events.Subject
	cfg       Config
	logger    *slog.Logger

	cron    *cron.Cron
	entryID cron.EntryID
}

// NewSweeper wires a sweeper. subject may be nil.
func NewSweeper(sessions SessionLister, tracker *tokens.Tracker, registry *limits.Registry, compactor Compactor, cfg Config, subject *events.Subject) *Sweeper {
	return &Sweeper{
		sessions:  sessions,
		tracker:   tracker,
		registry:  registry,
		compactor: compactor,
		subject:   subject,
		cfg:       cfg,
		logger:    logging.Default().With("component", "maintenance"),
	}
}

// Start schedules the sweep. Returns an error for a bad cron
// expression.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	id, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		s.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	s.logger.Info("compaction sweep scheduled", "schedule", s.cfg.Schedule)
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one pass over all sessions. Sessions still active within
// the idle window are skipped so a sweep never races an interactive
// send's own compaction.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var result SweepResult

	sessions, err := s.sessions.ListSessions(ctx)
	if err != nil {
		s.logger.Warn("sweep aborted", "error", err)
		return result
	}

	cfg := s.registry.ContextWindowConfig(s.cfg.ModelID, s.cfg.Provider)
	cutoff := time.Now().Add(-s.cfg.IdleFor)

	for _, sess := range sessions {
		if sess.UpdatedAt.After(cutoff) {
			result.Skipped++
			continue
		}
		result.Examined++

		usage, err := s.tracker.CalculateUsage(ctx, sess.ID)
		if err != nil {
			s.logger.Warn("usage check failed", "session", sess.ID, "error", err)
			result.Failed++
			continue
		}
		if contextwindow.Classify(usage.Total, cfg) == contextwindow.StatusSafe {
			result.Skipped++
			continue
		}

		res := s.compactor.Compact(ctx, sess.ID, s.cfg.ModelID, s.cfg.Provider, compaction.Options{
			TargetTokensToFree: usage.Total - cfg.Thresholds().WarningTokens,
		})
		switch {
		case res.Success:
			result.Compacted++
		case errors.Is(res.Err, compaction.ErrInsufficientMessages):
			result.Skipped++
		default:
			result.Failed++
		}
	}

	s.logger.Info("sweep complete",
		"examined", result.Examined,
		"compacted", result.Compacted,
		"skipped", result.Skipped,
		"failed", result.Failed)
	_ = events.Emit(s.subject, events.TopicSweep, result)
	return result
}
