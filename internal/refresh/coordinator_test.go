package refresh

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingApplier struct {
	mu      sync.Mutex
	applied []Event
	block   chan struct{}
}

func (r *recordingApplier) ApplyRefresh(ctx context.Context, sessionID string, mode Mode) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.applied = append(r.applied, Event{SessionID: sessionID, Mode: mode})
	r.mu.Unlock()
	return nil
}

func (r *recordingApplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func (r *recordingApplier) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied[len(r.applied)-1]
}

func testConfig() Config {
	return Config{
		CoalesceWindow:         20 * time.Millisecond,
		MinIncrementalInterval: time.Millisecond,
	}
}

func TestEnqueue_CoalescesIncrementalBurst(t *testing.T) {
	applier := &recordingApplier{}
	c := NewCoordinator(applier, testConfig(), nil)
	defer c.Dispose()

	for i := 0; i < 3; i++ {
		c.Enqueue(Event{SessionID: "s1", Mode: ModeIncremental, EventTime: time.Now()})
	}
	time.Sleep(150 * time.Millisecond)

	if got := applier.count(); got != 1 {
		t.Fatalf("three bursts produced %d applies, want exactly 1", got)
	}
	if applier.last().Mode != ModeIncremental {
		t.Fatalf("mode = %s", applier.last().Mode)
	}
}

func TestEnqueue_FullWinsOverQueuedIncremental(t *testing.T) {
	applier := &recordingApplier{}
	c := NewCoordinator(applier, testConfig(), nil)
	defer c.Dispose()

	c.Enqueue(Event{SessionID: "s1", Mode: ModeIncremental, EventTime: time.Now()})
	c.Enqueue(Event{SessionID: "s1", Mode: ModeFull, EventTime: time.Now()})
	time.Sleep(150 * time.Millisecond)

	if got := applier.count(); got != 1 {
		t.Fatalf("%d applies, want 1", got)
	}
	if applier.last().Mode != ModeFull {
		t.Fatalf("mode = %s, full must win", applier.last().Mode)
	}
}

func TestEnqueue_FullSurvivesLaterIncremental(t *testing.T) {
	applier := &recordingApplier{}
	c := NewCoordinator(applier, testConfig(), nil)
	defer c.Dispose()

	c.Enqueue(Event{SessionID: "s1", Mode: ModeFull, EventTime: time.Now()})
	c.Enqueue(Event{SessionID: "s1", Mode: ModeIncremental, EventTime: time.Now()})
	time.Sleep(150 * time.Millisecond)

	if applier.count() != 1 || applier.last().Mode != ModeFull {
		t.Fatalf("queued full must not be downgraded: %+v", applier.applied)
	}
}

func TestEnqueue_ImmediateBypassesCoalescing(t *testing.T) {
	applier := &recordingApplier{}
	c := NewCoordinator(applier, testConfig(), nil)
	defer c.Dispose()

	c.Enqueue(Event{SessionID: "s1", Mode: ModeFull, EventTime: time.Now(), Immediate: true})

	if got := applier.count(); got != 1 {
		t.Fatalf("immediate event should apply synchronously, got %d applies", got)
	}
}

func TestEnqueue_StaleEventDropped(t *testing.T) {
	applier := &recordingApplier{}
	c := NewCoordinator(applier, testConfig(), nil)
	defer c.Dispose()

	now := time.Now()
	c.Enqueue(Event{SessionID: "s1", Mode: ModeFull, EventTime: now, Immediate: true})
	// An out-of-order response with an older timestamp must not regress.
	c.Enqueue(Event{SessionID: "s1", Mode: ModeFull, EventTime: now.Add(-time.Minute), Immediate: true})

	if got := applier.count(); got != 1 {
		t.Fatalf("stale event applied: %d applies, want 1", got)
	}
}

func TestEnqueue_InactiveSessionHeldUntilActive(t *testing.T) {
	applier := &recordingApplier{}
	c := NewCoordinator(applier, testConfig(), nil)
	defer c.Dispose()

	c.SetActiveSession("s1")
	c.Enqueue(Event{SessionID: "s2", Mode: ModeFull, EventTime: time.Now()})
	time.Sleep(100 * time.Millisecond)
	if applier.count() != 0 {
		t.Fatal("background session event applied while inactive")
	}

	c.SetActiveSession("s2")
	time.Sleep(150 * time.Millisecond)
	if applier.count() != 1 {
		t.Fatalf("held event not applied on activation: %d applies", applier.count())
	}
}

func TestEnqueue_InactiveSessionDroppedWhenConfigured(t *testing.T) {
	applier := &recordingApplier{}
	cfg := testConfig()
	cfg.DropInactive = true
	c := NewCoordinator(applier, cfg, nil)
	defer c.Dispose()

	c.SetActiveSession("s1")
	c.Enqueue(Event{SessionID: "s2", Mode: ModeFull, EventTime: time.Now()})
	c.SetActiveSession("s2")
	time.Sleep(150 * time.Millisecond)

	if applier.count() != 0 {
		t.Fatal("dropped event came back")
	}
}

func TestApply_InFlightSuppression(t *testing.T) {
	applier := &recordingApplier{block: make(chan struct{})}
	c := NewCoordinator(applier, testConfig(), nil)
	defer c.Dispose()

	done := make(chan struct{})
	go func() {
		c.Enqueue(Event{SessionID: "s1", Mode: ModeFull, EventTime: time.Now(), Immediate: true})
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)

	// Triggers landing while a refresh is in flight coalesce into one
	// follow-up, not a concurrent run.
	c.Enqueue(Event{SessionID: "s1", Mode: ModeIncremental, EventTime: time.Now(), Immediate: true})
	c.Enqueue(Event{SessionID: "s1", Mode: ModeIncremental, EventTime: time.Now(), Immediate: true})

	close(applier.block)
	<-done
	time.Sleep(100 * time.Millisecond)

	if got := applier.count(); got != 2 {
		t.Fatalf("%d applies, want 2 (one in flight plus one coalesced follow-up)", got)
	}
}

func TestDispose_CancelsPending(t *testing.T) {
	applier := &recordingApplier{}
	c := NewCoordinator(applier, testConfig(), nil)

	c.Enqueue(Event{SessionID: "s1", Mode: ModeIncremental, EventTime: time.Now()})
	c.Dispose()
	time.Sleep(100 * time.Millisecond)

	if applier.count() != 0 {
		t.Fatal("pending refresh ran after Dispose")
	}
	// Post-dispose events are ignored outright.
	c.Enqueue(Event{SessionID: "s1", Mode: ModeFull, EventTime: time.Now(), Immediate: true})
	if applier.count() != 0 {
		t.Fatal("event applied after Dispose")
	}
}

type scriptedStatus struct {
	mu       sync.Mutex
	statuses []RunStatus
}

func (s *scriptedStatus) RunStatus(ctx context.Context, runID string) (RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return RunStatus{Status: "completed"}, nil
	}
	next := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	return next, nil
}

func TestRunPoller_TerminalStatusTriggersFullRefresh(t *testing.T) {
	applier := &recordingApplier{}
	c := NewCoordinator(applier, testConfig(), nil)
	defer c.Dispose()

	source := &scriptedStatus{statuses: []RunStatus{
		{Status: "running"},
		{Status: "running"},
		{Status: "completed"},
	}}
	p := NewRunPoller(source, c, 10*time.Millisecond)
	defer p.Stop()

	p.Watch(context.Background(), "s1", "run1")
	time.Sleep(200 * time.Millisecond)

	if applier.count() != 1 {
		t.Fatalf("%d applies, want exactly 1 full refresh on completion", applier.count())
	}
	if applier.last().Mode != ModeFull {
		t.Fatalf("mode = %s, want full", applier.last().Mode)
	}
}

func TestRunPoller_ZombieStopsQuietly(t *testing.T) {
	applier := &recordingApplier{}
	c := NewCoordinator(applier, testConfig(), nil)
	defer c.Dispose()

	source := &scriptedStatus{statuses: []RunStatus{
		{Status: "running"},
		{Status: "running", IsZombie: true},
	}}
	p := NewRunPoller(source, c, 10*time.Millisecond)
	defer p.Stop()

	p.Watch(context.Background(), "s1", "run1")
	time.Sleep(150 * time.Millisecond)

	if applier.count() != 0 {
		t.Fatal("zombie detection should stop polling without a refresh")
	}
}

func TestRunPoller_CancelTriggersImmediateRefresh(t *testing.T) {
	applier := &recordingApplier{}
	c := NewCoordinator(applier, testConfig(), nil)
	defer c.Dispose()

	source := &scriptedStatus{statuses: []RunStatus{{Status: "running"}}}
	p := NewRunPoller(source, c, 10*time.Millisecond)
	defer p.Stop()

	p.Watch(context.Background(), "s1", "run1")
	p.Cancel("s1", "run1")

	if applier.count() != 1 || applier.last().Mode != ModeFull {
		t.Fatalf("cancel should act like completion: %+v", applier.applied)
	}
}
