package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAISummarizer generates summaries through the OpenAI chat API.
type OpenAISummarizer struct {
	client    openai.Client
	model     string
	maxTokens int
}

// NewOpenAISummarizer creates a summarizer using the given utility
// model. Model IDs come from config, never hardcoded here.
func NewOpenAISummarizer(apiKey, model string, maxTokens int) *OpenAISummarizer {
	return &OpenAISummarizer{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, text string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(buildPrompt(text)),
		},
	}
	if s.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(s.maxTokens))
	}

	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai summary request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai summary request: empty response")
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", fmt.Errorf("openai summary request: empty completion")
	}
	return summary, nil
}
