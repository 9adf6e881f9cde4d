// Package contextwindow gates message sends on the session's token
// budget. A pre-flight check classifies usage against the model's
// thresholds and, when the budget is critical or exceeded, runs
// compaction before the send. The policy is gentle then aggressive,
// never a wall: whenever compaction made any progress the send
// proceeds, at worst with a warning and a recovery hint.
package contextwindow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harborlabs/harbor/internal/compaction"
	"github.com/harborlabs/harbor/internal/events"
	"github.com/harborlabs/harbor/internal/limits"
	"github.com/harborlabs/harbor/internal/logging"
	"github.com/harborlabs/harbor/internal/tokens"
)

// Status classifies usage against the window thresholds.
type Status string

const (
	StatusSafe     Status = "safe"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusExceeded Status = "exceeded"
)

// RecoveryAction tells the caller how to proceed when the budget is
// still tight after automatic compaction.
type RecoveryAction string

const (
	// RecoveryCompact hints that a manual compaction may free more.
	RecoveryCompact RecoveryAction = "compact"
	// RecoveryNewSession means this session's history can't be reduced
	// and a fresh session is the way forward.
	RecoveryNewSession RecoveryAction = "new_session"
)

// Recovery carries the suggested follow-up alongside a blocked or
// degraded result.
type Recovery struct {
	Action RecoveryAction `json:"action"`
	Reason string         `json:"reason"`
}

// PreFlightResult is the outcome of a pre-send budget check.
type PreFlightResult struct {
	Status     Status                `json:"status"`
	CanProceed bool                  `json:"can_proceed"`
	UsedTokens int                   `json:"used_tokens"`
	MaxTokens  int                   `json:"max_tokens"`
	Usage      tokens.UsageBreakdown `json:"usage"`
	Warning    string                `json:"warning,omitempty"`
	Error      string                `json:"error,omitempty"`
	Compaction *compaction.Result    `json:"compaction,omitempty"`
	Recovery   *Recovery             `json:"recovery,omitempty"`
}

// Compactor is the slice of the compaction service the manager invokes.
type Compactor interface {
	Compact(ctx context.Context, sessionID, modelID, provider string, opts compaction.Options) compaction.Result
}

// Manager runs pre-flight checks for sessions.
type Manager struct {
	tracker   *tokens.Tracker
	registry  *limits.Registry
	compactor Compactor
	subject   *events.Subject
	logger    *slog.Logger
}

// NewManager wires the manager. subject may be nil.
func NewManager(tracker *tokens.Tracker, registry *limits.Registry, compactor Compactor, subject *events.Subject) *Manager {
	return &Manager{
		tracker:   tracker,
		registry:  registry,
		compactor: compactor,
		subject:   subject,
		logger:    logging.Default().With("component", "contextwindow"),
	}
}

// Classify maps a usage total onto the window thresholds. Usage exactly
// at the hard limit counts as exceeded.
func Classify(usedTokens int, cfg limits.ContextWindowConfig) Status {
	th := cfg.Thresholds()
	switch {
	case usedTokens >= th.HardLimitTokens:
		return StatusExceeded
	case usedTokens >= th.CriticalTokens:
		return StatusCritical
	case usedTokens >= th.WarningTokens:
		return StatusWarning
	default:
		return StatusSafe
	}
}

// PreFlightCheck estimates session usage (message history plus the
// system prompt, given as a character count) and decides whether a send
// may proceed.
//
// safe/warning: proceed untouched. critical: compact proactively down
// to the warning threshold; not having enough history to compact is a
// warning, never a block. exceeded: compact, recheck, retry once
// aggressively (retention window dropped) if still over, merging the
// two results. If any tokens were freed the send proceeds even when
// still over the hard limit; only a hard compaction failure, or zero
// relief, blocks.
func (m *Manager) PreFlightCheck(ctx context.Context, sessionID, modelID string, systemPromptChars int, provider string) (PreFlightResult, error) {
	cfg := m.registry.ContextWindowConfig(modelID, provider)
	promptTokens := m.tracker.Estimator().EstimateChars(systemPromptChars)

	usage, err := m.usage(ctx, sessionID, promptTokens)
	if err != nil {
		return PreFlightResult{}, err
	}

	result := PreFlightResult{
		Status:     Classify(usage.Total, cfg),
		UsedTokens: usage.Total,
		MaxTokens:  cfg.MaxTokens,
		Usage:      usage,
	}

	switch result.Status {
	case StatusSafe, StatusWarning:
		result.CanProceed = true
	case StatusCritical:
		m.handleCritical(ctx, sessionID, modelID, provider, cfg, promptTokens, &result)
	case StatusExceeded:
		m.handleExceeded(ctx, sessionID, modelID, provider, cfg, promptTokens, &result)
	}

	m.emit(sessionID, modelID, result)
	return result, nil
}

// handleCritical compacts proactively. The send proceeds regardless of
// the outcome; failures only attach a warning.
func (m *Manager) handleCritical(ctx context.Context, sessionID, modelID, provider string, cfg limits.ContextWindowConfig, promptTokens int, result *PreFlightResult) {
	res := m.compactor.Compact(ctx, sessionID, modelID, provider, compaction.Options{
		TargetTokensToFree: targetTokensToFree(result.UsedTokens, cfg),
	})
	result.Compaction = &res
	result.CanProceed = true

	switch {
	case res.Success:
		m.refresh(ctx, sessionID, cfg, promptTokens, result)
	case errors.Is(res.Err, compaction.ErrInsufficientMessages):
		result.Warning = "Warning: context usage is high but there is not enough history to compact"
	default:
		result.Warning = "Warning: automatic compaction failed: " + res.Err.Error()
	}
}

// handleExceeded runs the mandatory gentle-then-aggressive sequence.
func (m *Manager) handleExceeded(ctx context.Context, sessionID, modelID, provider string, cfg limits.ContextWindowConfig, promptTokens int, result *PreFlightResult) {
	gentle := m.compactor.Compact(ctx, sessionID, modelID, provider, compaction.Options{
		TargetTokensToFree: targetTokensToFree(result.UsedTokens, cfg),
	})
	result.Compaction = &gentle

	if gentle.Err != nil && !errors.Is(gentle.Err, compaction.ErrInsufficientMessages) {
		m.block(result, gentle.Err)
		return
	}

	m.refresh(ctx, sessionID, cfg, promptTokens, result)
	if result.Status != StatusExceeded {
		result.CanProceed = true
		return
	}

	aggressive := m.compactor.Compact(ctx, sessionID, modelID, provider, compaction.Options{
		TargetTokensToFree: targetTokensToFree(result.UsedTokens, cfg),
		Aggressive:         true,
	})
	merged := gentle.Merge(aggressive)
	result.Compaction = &merged

	if aggressive.Err != nil && !errors.Is(aggressive.Err, compaction.ErrInsufficientMessages) {
		m.block(result, aggressive.Err)
		return
	}

	m.refresh(ctx, sessionID, cfg, promptTokens, result)
	if result.Status != StatusExceeded {
		result.CanProceed = true
		return
	}

	// Still over the hard limit. Partial relief beats hard-blocking a
	// long-running task, so any freed tokens let the send through with
	// a warning.
	if merged.TokensFreed > 0 {
		result.CanProceed = true
		result.Warning = fmt.Sprintf("Warning: context window still exceeded after freeing %d tokens; consider compacting again or starting a new session", merged.TokensFreed)
		result.Recovery = &Recovery{
			Action: RecoveryCompact,
			Reason: "context window still exceeded after automatic compaction",
		}
		return
	}

	result.CanProceed = false
	result.Error = "context window exceeded and no tokens could be freed"
	result.Recovery = &Recovery{
		Action: RecoveryNewSession,
		Reason: "conversation cannot be reduced further",
	}
}

func (m *Manager) block(result *PreFlightResult, err error) {
	result.CanProceed = false
	result.Error = "compaction failed: " + err.Error()
	result.Recovery = &Recovery{
		Action: RecoveryNewSession,
		Reason: err.Error(),
	}
}

// refresh recomputes usage and status after a compaction pass.
func (m *Manager) refresh(ctx context.Context, sessionID string, cfg limits.ContextWindowConfig, promptTokens int, result *PreFlightResult) {
	usage, err := m.usage(ctx, sessionID, promptTokens)
	if err != nil {
		m.logger.Warn("usage refresh failed", "session", sessionID, "error", err)
		return
	}
	result.Usage = usage
	result.UsedTokens = usage.Total
	result.Status = Classify(usage.Total, cfg)
}

func (m *Manager) usage(ctx context.Context, sessionID string, promptTokens int) (tokens.UsageBreakdown, error) {
	usage, err := m.tracker.CalculateUsage(ctx, sessionID)
	if err != nil {
		return usage, err
	}
	usage.SystemPrompt += promptTokens
	usage.Total += promptTokens
	return usage, nil
}

// targetTokensToFree is how much compaction must free to bring usage
// back to the warning threshold.
func targetTokensToFree(usedTokens int, cfg limits.ContextWindowConfig) int {
	target := usedTokens - cfg.Thresholds().WarningTokens
	if target < 0 {
		return 0
	}
	return target
}

func (m *Manager) emit(sessionID, modelID string, result PreFlightResult) {
	_ = events.Emit(m.subject, events.TopicPreFlight, events.PreFlightEvent{
		SessionID:  sessionID,
		ModelID:    modelID,
		Status:     string(result.Status),
		UsedTokens: result.UsedTokens,
		MaxTokens:  result.MaxTokens,
		CanProceed: result.CanProceed,
	})
}
