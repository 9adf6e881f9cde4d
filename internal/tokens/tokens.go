// Package tokens estimates token usage per session. The estimate is a
// stable character-ratio heuristic: internally consistent across calls,
// but no parity with any provider tokenizer is promised. The ratio is
// configurable for hosts that want to tune it per deployment.
package tokens

import (
	"context"

	"github.com/harborlabs/harbor/internal/msg"
)

const (
	// DefaultCharsPerToken is the character-to-token ratio used when a
	// tracker doesn't override it. Roughly right for most models.
	DefaultCharsPerToken = 4

	// ImageCharEstimate is the flat character equivalent charged for an
	// image or file part.
	ImageCharEstimate = 8000
)

// UsageBreakdown categorizes a session's estimated token usage.
type UsageBreakdown struct {
	SystemPrompt int `json:"system_prompt"`
	User         int `json:"user"`
	Assistant    int `json:"assistant"`
	ToolCalls    int `json:"tool_calls"`
	ToolResults  int `json:"tool_results"`
	Summary      int `json:"summary"`
	Total        int `json:"total"`
}

// SummarySource provides the current session summary text.
type SummarySource interface {
	GetSessionSummary(ctx context.Context, sessionID string) (string, error)
}

// MessageSource provides the messages counted toward the window.
type MessageSource interface {
	GetNonCompactedMessages(ctx context.Context, sessionID string) ([]msg.Message, error)
}

// Estimator converts text and messages to token estimates.
type Estimator struct {
	CharsPerToken int
}

// NewEstimator returns an estimator with the default ratio.
func NewEstimator() Estimator {
	return Estimator{CharsPerToken: DefaultCharsPerToken}
}

func (e Estimator) ratio() int {
	if e.CharsPerToken <= 0 {
		return DefaultCharsPerToken
	}
	return e.CharsPerToken
}

// EstimateText estimates tokens for a plain string.
func (e Estimator) EstimateText(text string) int {
	return e.fromChars(len(text))
}

// EstimateChars estimates tokens for a known character count, for
// callers that have a length but not the text itself.
func (e Estimator) EstimateChars(chars int) int {
	if chars <= 0 {
		return 0
	}
	return e.fromChars(chars)
}

func (e Estimator) fromChars(chars int) int {
	r := e.ratio()
	return (chars + r - 1) / r
}

// EstimateMessage estimates tokens for a whole message.
func (e Estimator) EstimateMessage(m *msg.Message) int {
	total := 0
	for _, p := range m.Parts {
		total += e.EstimatePart(p)
	}
	return total
}

// EstimatePart estimates tokens for one content part.
func (e Estimator) EstimatePart(p msg.Part) int {
	switch v := p.(type) {
	case msg.TextPart:
		return e.fromChars(len(v.Text))
	case msg.FilePart:
		return e.fromChars(ImageCharEstimate)
	case msg.ToolCallPart:
		chars := len(v.ToolName) + len(v.Args) + len(v.ArgsText)
		return e.fromChars(chars)
	case msg.ToolResultPart:
		return e.fromChars(len(v.Result) + len(v.ErrorText))
	default:
		return 0
	}
}

// EstimateMessages sums estimates over a slice of messages.
func (e Estimator) EstimateMessages(messages []msg.Message) int {
	total := 0
	for i := range messages {
		total += e.EstimateMessage(&messages[i])
	}
	return total
}

// Tracker computes per-session usage breakdowns. Read-only over the
// message store; every call recomputes from the current state.
type Tracker struct {
	estimator Estimator
	messages  MessageSource
	summaries SummarySource
}

// NewTracker creates a tracker over the given sources.
func NewTracker(estimator Estimator, messages MessageSource, summaries SummarySource) *Tracker {
	return &Tracker{estimator: estimator, messages: messages, summaries: summaries}
}

// Estimator exposes the tracker's estimator for callers that need raw
// text estimates with the same ratio.
func (t *Tracker) Estimator() Estimator {
	return t.estimator
}

// CalculateUsage computes the usage breakdown for a session from its
// non-compacted messages plus any existing summary.
func (t *Tracker) CalculateUsage(ctx context.Context, sessionID string) (UsageBreakdown, error) {
	var usage UsageBreakdown

	messages, err := t.messages.GetNonCompactedMessages(ctx, sessionID)
	if err != nil {
		return usage, err
	}

	for i := range messages {
		m := &messages[i]
		for _, p := range m.Parts {
			tokens := t.estimator.EstimatePart(p)
			switch p.(type) {
			case msg.ToolCallPart:
				usage.ToolCalls += tokens
			case msg.ToolResultPart:
				usage.ToolResults += tokens
			default:
				switch m.Role {
				case msg.RoleSystem:
					usage.SystemPrompt += tokens
				case msg.RoleUser:
					usage.User += tokens
				case msg.RoleAssistant:
					usage.Assistant += tokens
				case msg.RoleTool:
					usage.ToolResults += tokens
				}
			}
		}
	}

	if t.summaries != nil {
		summary, err := t.summaries.GetSessionSummary(ctx, sessionID)
		if err == nil && summary != "" {
			usage.Summary = t.estimator.EstimateText(summary)
		}
	}

	usage.Total = usage.SystemPrompt + usage.User + usage.Assistant +
		usage.ToolCalls + usage.ToolResults + usage.Summary
	return usage, nil
}
