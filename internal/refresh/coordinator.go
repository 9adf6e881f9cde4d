// Package refresh coalesces UI refresh triggers per session so bursts
// of backend events collapse into a single refresh, applied in order
// and never concurrently for the same session.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bep/debounce"

	"github.com/harborlabs/harbor/internal/events"
	"github.com/harborlabs/harbor/internal/logging"
)

// Mode selects how much of the session view to rebuild.
type Mode string

const (
	// ModeIncremental refreshes only recent messages.
	ModeIncremental Mode = "incremental"
	// ModeFull rebuilds the whole session view. Full always wins over a
	// queued incremental for the same session.
	ModeFull Mode = "full"
)

// Event is one refresh trigger.
type Event struct {
	SessionID string
	Mode      Mode
	// EventTime orders triggers; an event older than the last applied
	// one for its session is dropped.
	EventTime time.Time
	// Immediate bypasses coalescing. Used for run completion and
	// session hydration.
	Immediate bool
	RunID     string
}

// Applier performs the actual refresh. Called at most once per
// coalescing window per session, never concurrently per session.
type Applier interface {
	ApplyRefresh(ctx context.Context, sessionID string, mode Mode) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, sessionID string, mode Mode) error

func (f ApplierFunc) ApplyRefresh(ctx context.Context, sessionID string, mode Mode) error {
	return f(ctx, sessionID, mode)
}

// Config tunes the coordinator.
type Config struct {
	// CoalesceWindow is how long to wait for further events before
	// applying. Zero means the default.
	CoalesceWindow time.Duration
	// MinIncrementalInterval is the floor between applied incremental
	// refreshes per session. Zero means the default.
	MinIncrementalInterval time.Duration
	// DropInactive drops events for non-active sessions outright
	// instead of holding them until the session becomes active.
	DropInactive bool
}

const (
	DefaultCoalesceWindow         = 250 * time.Millisecond
	DefaultMinIncrementalInterval = 1 * time.Second
)

func (c Config) withDefaults() Config {
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = DefaultCoalesceWindow
	}
	if c.MinIncrementalInterval <= 0 {
		c.MinIncrementalInterval = DefaultMinIncrementalInterval
	}
	return c
}

// sessionState is the per-session slot. All fields are guarded by the
// coordinator mutex.
type sessionState struct {
	debounced func(func())
	pending   *Event
	held      *Event
	deferred  *time.Timer

	lastEventTime   time.Time
	lastIncremental time.Time
	inFlight        bool
	rerun           *Event
}

// Coordinator coalesces refresh events per session.
type Coordinator struct {
	mu       sync.Mutex
	cfg      Config
	applier  Applier
	subject  *events.Subject
	logger   *slog.Logger
	active   string
	sessions map[string]*sessionState
	disposed bool
}

// NewCoordinator wires a coordinator. subject may be nil.
func NewCoordinator(applier Applier, cfg Config, subject *events.Subject) *Coordinator {
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		applier:  applier,
		subject:  subject,
		logger:   logging.Default().With("component", "refresh"),
		sessions: make(map[string]*sessionState),
	}
}

// SetActiveSession switches the active session. A refresh held for the
// newly active session is enqueued right away.
func (c *Coordinator) SetActiveSession(sessionID string) {
	c.mu.Lock()
	c.active = sessionID
	var held *Event
	if state, ok := c.sessions[sessionID]; ok && state.held != nil {
		held = state.held
		state.held = nil
	}
	c.mu.Unlock()

	if held != nil {
		c.Enqueue(*held)
	}
}

// Enqueue registers a refresh trigger.
func (c *Coordinator) Enqueue(evt Event) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	state := c.state(evt.SessionID)

	// Out-of-order network responses must not regress the view.
	if !evt.EventTime.IsZero() && evt.EventTime.Before(state.lastEventTime) {
		c.mu.Unlock()
		c.dropped(evt, "stale")
		return
	}

	// Events for a background session are held, not applied, until the
	// user comes back to it.
	if c.active != "" && evt.SessionID != c.active {
		if c.cfg.DropInactive {
			c.mu.Unlock()
			c.dropped(evt, "inactive session")
			return
		}
		state.held = mergeEvents(state.held, &evt)
		c.mu.Unlock()
		return
	}

	if evt.Immediate {
		c.mu.Unlock()
		c.apply(evt)
		return
	}

	state.pending = mergeEvents(state.pending, &evt)
	debounced := state.debounced
	c.mu.Unlock()

	sessionID := evt.SessionID
	debounced(func() { c.flush(sessionID) })
}

// mergeEvents coalesces two queued events for one session: full beats
// incremental, the newer timestamp wins.
func mergeEvents(current, incoming *Event) *Event {
	if current == nil {
		copied := *incoming
		return &copied
	}
	merged := *incoming
	if current.Mode == ModeFull {
		merged.Mode = ModeFull
	}
	if current.EventTime.After(merged.EventTime) {
		merged.EventTime = current.EventTime
	}
	return &merged
}

// flush runs when the coalescing window elapses with no newer event.
func (c *Coordinator) flush(sessionID string) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	state := c.state(sessionID)
	evt := state.pending
	if evt == nil {
		c.mu.Unlock()
		return
	}

	// Rate-floor incremental refreshes; a deferred timer retries once
	// the interval has passed.
	if evt.Mode == ModeIncremental {
		if wait := c.cfg.MinIncrementalInterval - time.Since(state.lastIncremental); wait > 0 {
			if state.deferred == nil {
				state.deferred = time.AfterFunc(wait, func() {
					c.mu.Lock()
					if state.deferred != nil {
						state.deferred.Stop()
						state.deferred = nil
					}
					c.mu.Unlock()
					c.flush(sessionID)
				})
			}
			c.mu.Unlock()
			return
		}
	}

	state.pending = nil
	c.mu.Unlock()
	c.apply(*evt)
}

// apply invokes the applier, serializing per session. A trigger landing
// while a refresh is in flight is coalesced into one follow-up run.
func (c *Coordinator) apply(evt Event) {
	c.mu.Lock()
	state := c.state(evt.SessionID)
	if state.inFlight {
		state.rerun = mergeEvents(state.rerun, &evt)
		c.mu.Unlock()
		return
	}
	state.inFlight = true
	if !evt.EventTime.IsZero() {
		state.lastEventTime = evt.EventTime
	}
	if evt.Mode == ModeIncremental {
		state.lastIncremental = time.Now()
	}
	c.mu.Unlock()

	err := c.applier.ApplyRefresh(context.Background(), evt.SessionID, evt.Mode)
	if err != nil {
		c.logger.Warn("refresh failed", "session", evt.SessionID, "mode", evt.Mode, "error", err)
	}
	_ = events.Emit(c.subject, events.TopicRefreshApplied, events.RefreshEvent{
		SessionID: evt.SessionID,
		Mode:      string(evt.Mode),
		RunID:     evt.RunID,
	})

	c.mu.Lock()
	state.inFlight = false
	rerun := state.rerun
	state.rerun = nil
	c.mu.Unlock()

	if rerun != nil {
		c.Enqueue(*rerun)
	}
}

// Dispose cancels all pending timers. Further events are ignored.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
	for _, state := range c.sessions {
		if state.deferred != nil {
			state.deferred.Stop()
			state.deferred = nil
		}
		state.pending = nil
		state.held = nil
		state.rerun = nil
	}
}

func (c *Coordinator) state(sessionID string) *sessionState {
	state, ok := c.sessions[sessionID]
	if !ok {
		state = &sessionState{
			debounced: debounce.New(c.cfg.CoalesceWindow),
		}
		c.sessions[sessionID] = state
	}
	return state
}

func (c *Coordinator) dropped(evt Event, reason string) {
	c.logger.Debug("refresh dropped", "session", evt.SessionID, "reason", reason)
	_ = events.Emit(c.subject, events.TopicRefreshDropped, events.RefreshEvent{
		SessionID: evt.SessionID,
		Mode:      string(evt.Mode),
		Reason:    reason,
		RunID:     evt.RunID,
	})
}
