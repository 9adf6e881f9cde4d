// Package compaction folds a prefix of older messages into a rolling
// summary to free token budget. Selection is deterministic: messages are
// ordered by (ordering index, created at, id) and the compacted set is
// persisted as an explicit ID list, never as a timestamp range.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harborlabs/harbor/internal/events"
	"github.com/harborlabs/harbor/internal/limits"
	"github.com/harborlabs/harbor/internal/logging"
	"github.com/harborlabs/harbor/internal/msg"
	"github.com/harborlabs/harbor/internal/tokens"
)

// ErrInsufficientMessages means the session doesn't have enough
// non-compacted history to compact. Callers treat this as a soft
// warning, not a hard failure.
var ErrInsufficientMessages = errors.New("not enough messages to compact")

// Summarizer generates a natural-language summary of conversation text.
// Implementations call a utility model; any error is treated as
// compaction failure.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Store is the persistence surface compaction needs. CommitCompaction
// must be atomic: summary, boundary, and compacted flags in one
// transaction, so a failed pass never leaves messages both summarized
// and counted as live history.
type Store interface {
	GetNonCompactedMessages(ctx context.Context, sessionID string) ([]msg.Message, error)
	GetSessionSummary(ctx context.Context, sessionID string) (string, error)
	CommitCompaction(ctx context.Context, sessionID, summary, summaryLastMessageID string, ids []string) error
}

// Options tune a single compaction pass.
type Options struct {
	// TargetTokensToFree stops accumulation once the estimated freed
	// tokens reach this count. Zero or negative means "as much as
	// allowed" (all messages outside the retention window).
	TargetTokensToFree int

	// Aggressive forces KeepRecentMessages to zero for this pass only.
	// MinMessagesForCompaction is unchanged.
	Aggressive bool
}

// Result reports a compaction pass.
type Result struct {
	Success           bool   `json:"success"`
	TokensFreed       int    `json:"tokens_freed"`
	MessagesCompacted int    `json:"messages_compacted"`
	NewSummary        string `json:"new_summary,omitempty"`
	Err               error  `json:"-"`
}

// Merge folds another pass into this result, summing freed tokens and
// compacted counts. Used when a gentle pass is followed by an
// aggressive retry.
func (r Result) Merge(other Result) Result {
	merged := Result{
		Success:           r.Success || other.Success,
		TokensFreed:       r.TokensFreed + other.TokensFreed,
		MessagesCompacted: r.MessagesCompacted + other.MessagesCompacted,
		NewSummary:        other.NewSummary,
		Err:               other.Err,
	}
	if merged.NewSummary == "" {
		merged.NewSummary = r.NewSummary
	}
	return merged
}

// Service performs compaction passes for sessions.
type Service struct {
	store      Store
	summarizer Summarizer
	registry   *limits.Registry
	estimator  tokens.Estimator
	subject    *events.Subject
	logger     *slog.Logger
}

// NewService creates a compaction service. subject may be nil when the
// host doesn't consume telemetry.
func NewService(store Store, summarizer Summarizer, registry *limits.Registry, estimator tokens.Estimator, subject *events.Subject) *Service {
	return &Service{
		store:      store,
		summarizer: summarizer,
		registry:   registry,
		estimator:  estimator,
		subject:    subject,
		logger:     logging.Default().With("component", "compaction"),
	}
}

// Compact selects a contiguous prefix of old messages, summarizes it,
// and marks exactly those messages compacted. The snapshot is loaded
// once at the start: messages appended while a pass runs are outside it
// and handled by the next pass.
func (s *Service) Compact(ctx context.Context, sessionID, modelID, provider string, opts Options) Result {
	start := time.Now()
	result := s.compact(ctx, sessionID, modelID, provider, opts)

	evt := events.CompactionEvent{
		SessionID:         sessionID,
		Success:           result.Success,
		Aggressive:        opts.Aggressive,
		TokensFreed:       result.TokensFreed,
		MessagesCompacted: result.MessagesCompacted,
		Duration:          time.Since(start),
	}
	if result.Err != nil {
		evt.Error = result.Err.Error()
	}
	_ = events.Emit(s.subject, events.TopicCompaction, evt)

	if result.Success {
		s.logger.Info("compaction complete",
			"session", sessionID,
			"messages", result.MessagesCompacted,
			"tokens_freed", result.TokensFreed,
			"aggressive", opts.Aggressive)
	} else {
		s.logger.Warn("compaction failed", "session", sessionID, "error", result.Err)
	}
	return result
}

func (s *Service) compact(ctx context.Context, sessionID, modelID, provider string, opts Options) Result {
	cfg := s.registry.ContextWindowConfig(modelID, provider)

	messages, err := s.store.GetNonCompactedMessages(ctx, sessionID)
	if err != nil {
		return Result{Err: fmt.Errorf("load messages: %w", err)}
	}
	msg.SortMessages(messages)

	if len(messages) < cfg.MinMessagesForCompaction {
		return Result{Err: ErrInsufficientMessages}
	}

	keep := cfg.KeepRecentMessages
	if opts.Aggressive {
		keep = 0
	}
	if keep >= len(messages) {
		return Result{Err: ErrInsufficientMessages}
	}

	// The most recent `keep` messages are never candidates, regardless
	// of size.
	candidates := messages[:len(messages)-keep]
	if len(candidates) == 0 {
		return Result{Err: ErrInsufficientMessages}
	}

	// Accumulate from oldest forward until the freed estimate meets the
	// target or all candidates are consumed. The boundary is the last
	// accumulated message.
	var (
		selected []msg.Message
		ids      []string
		freed    int
	)
	for i := range candidates {
		selected = append(selected, candidates[i])
		ids = append(ids, candidates[i].ID)
		freed += s.estimator.EstimateMessage(&candidates[i])
		if opts.TargetTokensToFree > 0 && freed >= opts.TargetTokensToFree {
			break
		}
	}
	boundary := selected[len(selected)-1]

	previousSummary, err := s.store.GetSessionSummary(ctx, sessionID)
	if err != nil {
		return Result{Err: fmt.Errorf("load summary: %w", err)}
	}

	summary, err := s.summarizer.Summarize(ctx, buildSummaryInput(previousSummary, selected))
	if err != nil {
		return Result{Err: fmt.Errorf("generate summary: %w", err)}
	}
	summary = withFailureSection(selected, summary)

	// One transaction over the explicit ID list: summary, boundary, and
	// compacted flags commit together or not at all.
	if err := s.store.CommitCompaction(ctx, sessionID, summary, boundary.ID, ids); err != nil {
		return Result{Err: fmt.Errorf("commit compaction: %w", err)}
	}

	return Result{
		Success:           true,
		TokensFreed:       freed,
		MessagesCompacted: len(ids),
		NewSummary:        summary,
	}
}

// maxMessageExcerpt bounds the per-message text fed to the summarizer.
const maxMessageExcerpt = 2000

// buildSummaryInput renders the selected messages (and any previous
// summary) as the text the utility model summarizes.
func buildSummaryInput(previousSummary string, messages []msg.Message) string {
	var sb strings.Builder
	if previousSummary != "" {
		sb.WriteString("## Previous Summary\n")
		sb.WriteString(previousSummary)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Conversation\n")
	for i := range messages {
		m := &messages[i]
		text := m.TextContent()
		if text != "" {
			sb.WriteString("[")
			sb.WriteString(string(m.Role))
			sb.WriteString("] ")
			sb.WriteString(truncateText(text, maxMessageExcerpt))
			sb.WriteString("\n")
		}
		for _, call := range m.ToolCalls() {
			sb.WriteString("[tool-call] ")
			sb.WriteString(call.ToolName)
			sb.WriteString("\n")
		}
		for _, r := range m.ToolResults() {
			label := "[tool-result] "
			if r.ErrorText != "" {
				label = "[tool-error] "
			}
			sb.WriteString(label)
			body := r.ErrorText
			if body == "" {
				body = resultText(r.Result)
			}
			sb.WriteString(truncateText(normalizeFailureText(body), maxMessageExcerpt))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
