package contextwindow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harborlabs/harbor/internal/compaction"
	"github.com/harborlabs/harbor/internal/limits"
	"github.com/harborlabs/harbor/internal/msg"
	"github.com/harborlabs/harbor/internal/tokens"
)

// fakeSource exposes a session whose usage is a single text message of
// a controllable token size.
type fakeSource struct {
	tokens int
}

func (f *fakeSource) GetNonCompactedMessages(ctx context.Context, sessionID string) ([]msg.Message, error) {
	return []msg.Message{{
		Role:  msg.RoleUser,
		Parts: []msg.Part{msg.TextPart{Text: strings.Repeat("x", f.tokens*tokens.DefaultCharsPerToken)}},
	}}, nil
}

func (f *fakeSource) GetSessionSummary(ctx context.Context, sessionID string) (string, error) {
	return "", nil
}

// pass is one scripted compaction outcome.
type pass struct {
	freed int
	err   error
}

// fakeCompactor plays back scripted passes, shrinking the source by the
// freed amount on each success.
type fakeCompactor struct {
	source *fakeSource
	passes []pass
	calls  []compaction.Options
}

func (f *fakeCompactor) Compact(ctx context.Context, sessionID, modelID, provider string, opts compaction.Options) compaction.Result {
	f.calls = append(f.calls, opts)
	if len(f.passes) == 0 {
		return compaction.Result{Err: compaction.ErrInsufficientMessages}
	}
	p := f.passes[0]
	f.passes = f.passes[1:]
	if p.err != nil {
		return compaction.Result{Err: p.err}
	}
	f.source.tokens -= p.freed
	return compaction.Result{Success: true, TokensFreed: p.freed, MessagesCompacted: 1}
}

// testRegistry resolves "test-model" to a 400K window with the default
// thresholds.
func testRegistry(t *testing.T) *limits.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limits.yaml")
	if err := os.WriteFile(path, []byte("models:\n  test-model:\n    maxTokens: 400000\n"), 0644); err != nil {
		t.Fatal(err)
	}
	r := limits.NewRegistry()
	if err := r.LoadOverrides(path); err != nil {
		t.Fatal(err)
	}
	return r
}

func newTestManager(t *testing.T, usedTokens int, passes ...pass) (*Manager, *fakeCompactor) {
	t.Helper()
	source := &fakeSource{tokens: usedTokens}
	tracker := tokens.NewTracker(tokens.NewEstimator(), source, source)
	compactor := &fakeCompactor{source: source, passes: passes}
	return NewManager(tracker, testRegistry(t), compactor, nil), compactor
}

func TestClassify_HardLimitBoundary(t *testing.T) {
	cfg := limits.ContextWindowConfig{
		MaxTokens:         400_000,
		WarningThreshold:  0.75,
		CriticalThreshold: 0.90,
		HardLimit:         0.95,
	}
	tests := []struct {
		used int
		want Status
	}{
		{100_000, StatusSafe},
		{299_999, StatusSafe},
		{300_000, StatusWarning},
		{359_999, StatusWarning},
		{360_000, StatusCritical},
		{379_999, StatusCritical},
		{380_000, StatusExceeded}, // exactly at the hard limit
		{400_000, StatusExceeded},
	}
	for _, tt := range tests {
		if got := Classify(tt.used, cfg); got != tt.want {
			t.Errorf("Classify(%d) = %s, want %s", tt.used, got, tt.want)
		}
	}
}

func TestPreFlightCheck_SafeProceedsWithoutCompaction(t *testing.T) {
	m, compactor := newTestManager(t, 100_000)

	result, err := m.PreFlightCheck(context.Background(), "s1", "test-model", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if !result.CanProceed || result.Status != StatusSafe {
		t.Fatalf("safe usage should proceed: %+v", result)
	}
	if len(compactor.calls) != 0 {
		t.Fatal("no compaction below the critical threshold")
	}
}

func TestPreFlightCheck_SystemPromptCounted(t *testing.T) {
	// 299,000 message tokens plus a 2,000-token system prompt crosses
	// the 300,000 warning threshold.
	m, _ := newTestManager(t, 299_000)

	result, err := m.PreFlightCheck(context.Background(), "s1", "test-model", 2_000*tokens.DefaultCharsPerToken, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusWarning {
		t.Fatalf("status = %s, want warning with prompt tokens counted", result.Status)
	}
	if result.UsedTokens != 301_000 {
		t.Fatalf("UsedTokens = %d, want 301000", result.UsedTokens)
	}
}

func TestPreFlightCheck_CriticalInsufficientHistoryProceeds(t *testing.T) {
	m, _ := newTestManager(t, 365_000, pass{err: compaction.ErrInsufficientMessages})

	result, err := m.PreFlightCheck(context.Background(), "s1", "test-model", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if !result.CanProceed {
		t.Fatal("too little history to compact must never block a critical send")
	}
	if result.Warning == "" {
		t.Fatal("a warning should be attached")
	}
}

func TestPreFlightCheck_ExceededRecoversToSafe(t *testing.T) {
	m, compactor := newTestManager(t, 385_000, pass{freed: 185_000})

	result, err := m.PreFlightCheck(context.Background(), "s1", "test-model", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if !result.CanProceed {
		t.Fatalf("should proceed after recovery: %+v", result)
	}
	if result.Status != StatusSafe {
		t.Fatalf("status = %s, want safe at 200000 tokens", result.Status)
	}
	if len(compactor.calls) != 1 {
		t.Fatalf("%d compaction calls, want 1 (no aggressive retry needed)", len(compactor.calls))
	}
	// Gentle target brings usage back to the warning threshold.
	if compactor.calls[0].TargetTokensToFree != 85_000 {
		t.Fatalf("target = %d, want 85000", compactor.calls[0].TargetTokensToFree)
	}
	if compactor.calls[0].Aggressive {
		t.Fatal("first pass must be gentle")
	}
}

func TestPreFlightCheck_AggressiveRetryMergesResults(t *testing.T) {
	m, compactor := newTestManager(t, 385_000,
		pass{freed: 1_000},
		pass{freed: 380_000},
	)

	result, err := m.PreFlightCheck(context.Background(), "s1", "test-model", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if !result.CanProceed {
		t.Fatalf("should proceed after aggressive retry: %+v", result)
	}
	if len(compactor.calls) != 2 {
		t.Fatalf("%d compaction calls, want 2", len(compactor.calls))
	}
	if !compactor.calls[1].Aggressive {
		t.Fatal("retry must be aggressive")
	}
	if result.Compaction == nil || result.Compaction.TokensFreed != 381_000 {
		t.Fatalf("merged TokensFreed = %+v, want 381000", result.Compaction)
	}
	if result.Compaction.MessagesCompacted != 2 {
		t.Fatalf("merged MessagesCompacted = %d, want 2", result.Compaction.MessagesCompacted)
	}
}

func TestPreFlightCheck_CompactionFailureBlocks(t *testing.T) {
	m, _ := newTestManager(t, 385_000, pass{err: errors.New("Database connection failed")})

	result, err := m.PreFlightCheck(context.Background(), "s1", "test-model", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.CanProceed {
		t.Fatal("a hard compaction failure at exceeded must block")
	}
	if result.Recovery == nil || result.Recovery.Action != RecoveryNewSession {
		t.Fatalf("recovery = %+v, want new_session", result.Recovery)
	}
}

func TestPreFlightCheck_PartialReliefProceedsWithWarning(t *testing.T) {
	m, _ := newTestManager(t, 390_000,
		pass{freed: 1_000},
		pass{freed: 2_000},
	)

	result, err := m.PreFlightCheck(context.Background(), "s1", "test-model", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	// 387,000 tokens is still past the hard limit, but progress was
	// made, so the send goes through.
	if !result.CanProceed {
		t.Fatal("partial relief should not block")
	}
	if !strings.HasPrefix(result.Warning, "Warning:") {
		t.Fatalf("warning = %q", result.Warning)
	}
	if result.Recovery == nil || result.Recovery.Action != RecoveryCompact {
		t.Fatalf("recovery = %+v, want compact hint", result.Recovery)
	}
}

func TestPreFlightCheck_NoReliefBlocks(t *testing.T) {
	m, _ := newTestManager(t, 390_000,
		pass{err: compaction.ErrInsufficientMessages},
		pass{err: compaction.ErrInsufficientMessages},
	)

	result, err := m.PreFlightCheck(context.Background(), "s1", "test-model", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.CanProceed {
		t.Fatal("exceeded with zero relief must block")
	}
	if result.Recovery == nil || result.Recovery.Action != RecoveryNewSession {
		t.Fatalf("recovery = %+v, want new_session", result.Recovery)
	}
}
