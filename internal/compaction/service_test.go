package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/harborlabs/harbor/internal/limits"
	"github.com/harborlabs/harbor/internal/msg"
	"github.com/harborlabs/harbor/internal/tokens"
)

type fakeStore struct {
	messages []msg.Message
	summary  string

	markedIDs       []string
	summaryWritten  string
	boundaryWritten string

	loadErr   error
	commitErr error
}

func (f *fakeStore) GetNonCompactedMessages(ctx context.Context, sessionID string) ([]msg.Message, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	var out []msg.Message
	for _, m := range f.messages {
		if !m.IsCompacted {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) GetSessionSummary(ctx context.Context, sessionID string) (string, error) {
	return f.summary, nil
}

// CommitCompaction mirrors the real store's all-or-nothing semantics: a
// scripted error writes nothing.
func (f *fakeStore) CommitCompaction(ctx context.Context, sessionID, summary, summaryLastMessageID string, ids []string) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.summaryWritten = summary
	f.boundaryWritten = summaryLastMessageID
	f.markedIDs = append([]string(nil), ids...)
	marked := make(map[string]bool, len(ids))
	for _, id := range ids {
		marked[id] = true
	}
	for i := range f.messages {
		if marked[f.messages[i].ID] {
			f.messages[i].IsCompacted = true
		}
	}
	return nil
}

type fakeSummarizer struct {
	summary string
	err     error
	inputs  []string
}

func (f *fakeSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	f.inputs = append(f.inputs, text)
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

// makeMessages builds n user messages with ~100 tokens of text each,
// alternating roles, all at the same timestamp so ordering depends on
// the ordering index and ID.
func makeMessages(n int) []msg.Message {
	ts := time.Unix(1700000000, 0)
	messages := make([]msg.Message, n)
	for i := 0; i < n; i++ {
		role := msg.RoleUser
		if i%2 == 1 {
			role = msg.RoleAssistant
		}
		messages[i] = msg.Message{
			ID:            fmt.Sprintf("m%03d", i),
			SessionID:     "s1",
			Role:          role,
			Parts:         []msg.Part{msg.TextPart{Text: strings.Repeat("x", 400)}},
			CreatedAt:     ts,
			OrderingIndex: int64(i + 1),
		}
	}
	return messages
}

func newTestService(store *fakeStore, summarizer Summarizer) *Service {
	return NewService(store, summarizer, limits.NewRegistry(), tokens.NewEstimator(), nil)
}

func TestCompact_InsufficientMessages(t *testing.T) {
	store := &fakeStore{messages: makeMessages(5)}
	svc := newTestService(store, &fakeSummarizer{summary: "s"})

	result := svc.Compact(context.Background(), "s1", "", "", Options{})
	if result.Success {
		t.Fatal("compaction should fail with too few messages")
	}
	if !errors.Is(result.Err, ErrInsufficientMessages) {
		t.Fatalf("err = %v, want ErrInsufficientMessages", result.Err)
	}
	if len(store.markedIDs) != 0 {
		t.Fatal("no messages may be marked on failure")
	}
}

func TestCompact_KeepsRecentMessages(t *testing.T) {
	store := &fakeStore{messages: makeMessages(30)}
	svc := newTestService(store, &fakeSummarizer{summary: "rolling summary"})

	result := svc.Compact(context.Background(), "", "", "", Options{})
	if !result.Success {
		t.Fatalf("compact failed: %v", result.Err)
	}
	// Default keepRecentMessages is 10, so at most 20 are candidates.
	if result.MessagesCompacted != 20 {
		t.Fatalf("compacted %d, want 20", result.MessagesCompacted)
	}
	remaining, _ := store.GetNonCompactedMessages(context.Background(), "s1")
	if len(remaining) != 10 {
		t.Fatalf("%d messages remain, want 10", len(remaining))
	}
	// The most recent messages are untouched.
	if remaining[0].ID != "m020" {
		t.Fatalf("wrong retention window start: %s", remaining[0].ID)
	}
}

func TestCompact_TargetStopsAccumulation(t *testing.T) {
	store := &fakeStore{messages: makeMessages(30)}
	svc := newTestService(store, &fakeSummarizer{summary: "sum"})

	// Each message is ~100 tokens; a 450-token target takes 5 messages.
	result := svc.Compact(context.Background(), "s1", "", "", Options{TargetTokensToFree: 450})
	if !result.Success {
		t.Fatalf("compact failed: %v", result.Err)
	}
	if result.MessagesCompacted != 5 {
		t.Fatalf("compacted %d, want 5", result.MessagesCompacted)
	}
	if result.TokensFreed < 450 {
		t.Fatalf("freed %d, want >= 450", result.TokensFreed)
	}
	// Boundary is the last accumulated message.
	if store.boundaryWritten != "m004" {
		t.Fatalf("boundary = %s, want m004", store.boundaryWritten)
	}
}

func TestCompact_BoundaryInclusion(t *testing.T) {
	store := &fakeStore{messages: makeMessages(30)}
	svc := newTestService(store, &fakeSummarizer{summary: "sum"})

	result := svc.Compact(context.Background(), "s1", "", "", Options{TargetTokensToFree: 800})
	if !result.Success {
		t.Fatalf("compact failed: %v", result.Err)
	}

	marked := make(map[string]bool)
	for _, id := range store.markedIDs {
		marked[id] = true
	}
	// Every message up to and including the boundary is marked; nothing
	// past it is.
	past := false
	for _, m := range store.messages {
		if past && marked[m.ID] {
			t.Fatalf("message %s newer than boundary %s is marked", m.ID, store.boundaryWritten)
		}
		if !past && !marked[m.ID] {
			t.Fatalf("prefix message %s before boundary is not marked", m.ID)
		}
		if m.ID == store.boundaryWritten {
			past = true
		}
	}
}

func TestCompact_SameTimestampPrefixComplete(t *testing.T) {
	// All messages share one timestamp. A timestamp-based predicate
	// would mark all or none; the ID set must select an exact prefix.
	store := &fakeStore{messages: makeMessages(25)}
	svc := newTestService(store, &fakeSummarizer{summary: "sum"})

	result := svc.Compact(context.Background(), "s1", "", "", Options{TargetTokensToFree: 300})
	if !result.Success {
		t.Fatalf("compact failed: %v", result.Err)
	}
	if result.MessagesCompacted != 3 {
		t.Fatalf("compacted %d, want a complete 3-message prefix", result.MessagesCompacted)
	}
	for i, id := range store.markedIDs {
		want := fmt.Sprintf("m%03d", i)
		if id != want {
			t.Fatalf("marked[%d] = %s, want %s: prefix has gaps", i, id, want)
		}
	}
}

func TestCompact_AggressiveDropsRetention(t *testing.T) {
	store := &fakeStore{messages: makeMessages(20)}
	svc := newTestService(store, &fakeSummarizer{summary: "sum"})

	result := svc.Compact(context.Background(), "s1", "", "", Options{Aggressive: true})
	if !result.Success {
		t.Fatalf("compact failed: %v", result.Err)
	}
	if result.MessagesCompacted != 20 {
		t.Fatalf("aggressive pass compacted %d, want all 20", result.MessagesCompacted)
	}
}

func TestCompact_SummarizerFailureMarksNothing(t *testing.T) {
	store := &fakeStore{messages: makeMessages(30)}
	svc := newTestService(store, &fakeSummarizer{err: errors.New("model unavailable")})

	result := svc.Compact(context.Background(), "s1", "", "", Options{})
	if result.Success {
		t.Fatal("compaction should fail when the summarizer fails")
	}
	if len(store.markedIDs) != 0 {
		t.Fatal("no messages may be marked after a summarizer failure")
	}
	if store.summaryWritten != "" {
		t.Fatal("no summary may be persisted after a summarizer failure")
	}
}

func TestCompact_CommitFailureLeavesNoRecord(t *testing.T) {
	store := &fakeStore{messages: makeMessages(30), commitErr: errors.New("database connection failed")}
	svc := newTestService(store, &fakeSummarizer{summary: "sum"})

	result := svc.Compact(context.Background(), "s1", "", "", Options{})
	if result.Success {
		t.Fatal("compaction should fail when the commit fails")
	}
	if errors.Is(result.Err, ErrInsufficientMessages) {
		t.Fatal("store failure must not look like an insufficient-messages warning")
	}
	// A failed commit leaves neither summary nor boundary nor marks:
	// otherwise the folded messages would be double-counted as both
	// summary tokens and live history.
	if store.summaryWritten != "" || store.boundaryWritten != "" {
		t.Fatalf("partial compaction record persisted: summary=%q boundary=%q",
			store.summaryWritten, store.boundaryWritten)
	}
	if len(store.markedIDs) != 0 {
		t.Fatal("no messages may be marked after a failed commit")
	}
}

func TestCompact_PreviousSummaryFedToSummarizer(t *testing.T) {
	store := &fakeStore{messages: makeMessages(30), summary: "earlier context"}
	summarizer := &fakeSummarizer{summary: "updated"}
	svc := newTestService(store, summarizer)

	result := svc.Compact(context.Background(), "s1", "", "", Options{})
	if !result.Success {
		t.Fatalf("compact failed: %v", result.Err)
	}
	if len(summarizer.inputs) != 1 || !strings.Contains(summarizer.inputs[0], "earlier context") {
		t.Fatal("previous summary should be part of the summarization input")
	}
}

func TestCompact_FailureSectionAppended(t *testing.T) {
	messages := makeMessages(30)
	messages[2].Role = msg.RoleTool
	messages[2].Parts = []msg.Part{msg.ToolResultPart{
		ToolCallID: "c9",
		ToolName:   "shell",
		ErrorText:  "command exited with code 1",
		State:      msg.StateOutputError,
	}}
	store := &fakeStore{messages: messages}
	svc := newTestService(store, &fakeSummarizer{summary: "base summary"})

	result := svc.Compact(context.Background(), "s1", "", "", Options{})
	if !result.Success {
		t.Fatalf("compact failed: %v", result.Err)
	}
	if !strings.Contains(result.NewSummary, "## Tool Failures") {
		t.Fatal("summary should carry the tool failure section")
	}
	if !strings.Contains(result.NewSummary, "shell") {
		t.Fatal("failure section should name the failed tool")
	}
}

func TestResultMerge(t *testing.T) {
	gentle := Result{Success: true, TokensFreed: 1000, MessagesCompacted: 4, NewSummary: "a"}
	aggressive := Result{Success: true, TokensFreed: 380_000, MessagesCompacted: 40, NewSummary: "b"}

	merged := gentle.Merge(aggressive)
	if merged.TokensFreed != 381_000 {
		t.Fatalf("TokensFreed = %d, want 381000", merged.TokensFreed)
	}
	if merged.MessagesCompacted != 44 {
		t.Fatalf("MessagesCompacted = %d, want 44", merged.MessagesCompacted)
	}
	if merged.NewSummary != "b" {
		t.Fatalf("NewSummary = %q, want the later pass's summary", merged.NewSummary)
	}
}
