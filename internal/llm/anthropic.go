package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultSummaryMaxTokens = 2048

// AnthropicSummarizer generates summaries through the Anthropic
// messages API.
type AnthropicSummarizer struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropicSummarizer creates a summarizer using the given utility
// model.
func NewAnthropicSummarizer(apiKey, model string, maxTokens int) *AnthropicSummarizer {
	if maxTokens <= 0 {
		maxTokens = defaultSummaryMaxTokens
	}
	return &AnthropicSummarizer{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (s *AnthropicSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: int64(s.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(text))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic summary request: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	summary := strings.TrimSpace(sb.String())
	if summary == "" {
		return "", fmt.Errorf("anthropic summary request: empty completion")
	}
	return summary, nil
}
