package tokens

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/harborlabs/harbor/internal/msg"
)

func TestEstimateText_CeilDivision(t *testing.T) {
	e := NewEstimator()
	tests := []struct {
		chars int
		want  int
	}{
		{0, 0},
		{1, 1},
		{4, 1},
		{5, 2},
		{8000, 2000},
	}
	for _, tt := range tests {
		got := e.EstimateText(strings.Repeat("x", tt.chars))
		if got != tt.want {
			t.Errorf("EstimateText(%d chars) = %d, want %d", tt.chars, got, tt.want)
		}
	}
}

func TestEstimateText_Deterministic(t *testing.T) {
	e := NewEstimator()
	text := strings.Repeat("abc", 1000)
	first := e.EstimateText(text)
	for i := 0; i < 5; i++ {
		if got := e.EstimateText(text); got != first {
			t.Fatalf("estimate changed between calls: %d vs %d", got, first)
		}
	}
}

func TestEstimatePart_ImageFlatCost(t *testing.T) {
	e := NewEstimator()
	got := e.EstimatePart(msg.FilePart{URL: "tiny.png"})
	want := ImageCharEstimate / DefaultCharsPerToken
	if got != want {
		t.Fatalf("image estimate = %d, want %d", got, want)
	}
}

func TestEstimator_CustomRatio(t *testing.T) {
	e := Estimator{CharsPerToken: 2}
	if got := e.EstimateText("abcd"); got != 2 {
		t.Fatalf("ratio 2 over 4 chars = %d, want 2", got)
	}
	// Invalid ratio falls back to the default.
	e = Estimator{CharsPerToken: -1}
	if got := e.EstimateText("abcd"); got != 1 {
		t.Fatalf("fallback ratio estimate = %d, want 1", got)
	}
}

type fakeMessages struct {
	messages []msg.Message
}

func (f *fakeMessages) GetNonCompactedMessages(ctx context.Context, sessionID string) ([]msg.Message, error) {
	return f.messages, nil
}

type fakeSummaries struct {
	summary string
}

func (f *fakeSummaries) GetSessionSummary(ctx context.Context, sessionID string) (string, error) {
	return f.summary, nil
}

func TestCalculateUsage_Categories(t *testing.T) {
	messages := &fakeMessages{messages: []msg.Message{
		{Role: msg.RoleSystem, Parts: []msg.Part{msg.TextPart{Text: strings.Repeat("s", 40)}}},
		{Role: msg.RoleUser, Parts: []msg.Part{msg.TextPart{Text: strings.Repeat("u", 80)}}},
		{Role: msg.RoleAssistant, Parts: []msg.Part{
			msg.TextPart{Text: strings.Repeat("a", 120)},
			msg.ToolCallPart{ToolName: "grep", Args: json.RawMessage(`{"q":1}`)},
		}},
		{Role: msg.RoleTool, Parts: []msg.Part{
			msg.ToolResultPart{Result: json.RawMessage(`"` + strings.Repeat("r", 38) + `"`)},
		}},
	}}
	tracker := NewTracker(NewEstimator(), messages, &fakeSummaries{summary: strings.Repeat("m", 20)})

	usage, err := tracker.CalculateUsage(context.Background(), "s1")
	if err != nil {
		t.Fatalf("CalculateUsage: %v", err)
	}
	if usage.SystemPrompt != 10 {
		t.Errorf("SystemPrompt = %d, want 10", usage.SystemPrompt)
	}
	if usage.User != 20 {
		t.Errorf("User = %d, want 20", usage.User)
	}
	if usage.Assistant != 30 {
		t.Errorf("Assistant = %d, want 30", usage.Assistant)
	}
	if usage.ToolCalls == 0 {
		t.Error("ToolCalls should be counted")
	}
	if usage.ToolResults != 10 {
		t.Errorf("ToolResults = %d, want 10", usage.ToolResults)
	}
	if usage.Summary != 5 {
		t.Errorf("Summary = %d, want 5", usage.Summary)
	}
	sum := usage.SystemPrompt + usage.User + usage.Assistant + usage.ToolCalls + usage.ToolResults + usage.Summary
	if usage.Total != sum {
		t.Errorf("Total = %d, want sum of categories %d", usage.Total, sum)
	}
}
