package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/harborlabs/harbor/internal/logging"
)

// RunStatus is the polled shape of a background run.
type RunStatus struct {
	Status   string `json:"status"`
	IsZombie bool   `json:"is_zombie"`
}

// Terminal reports whether the run has finished, whatever the outcome.
func (s RunStatus) Terminal() bool {
	switch s.Status {
	case "completed", "failed", "cancelled", "error":
		return true
	}
	return false
}

// StatusSource polls the status of one run.
type StatusSource interface {
	RunStatus(ctx context.Context, runID string) (RunStatus, error)
}

// StatusSourceFunc adapts a function to StatusSource.
type StatusSourceFunc func(ctx context.Context, runID string) (RunStatus, error)

func (f StatusSourceFunc) RunStatus(ctx context.Context, runID string) (RunStatus, error) {
	return f(ctx, runID)
}

// DefaultPollInterval is the fixed polling period for background runs.
const DefaultPollInterval = 2 * time.Second

// RunPoller watches a background run at a fixed interval and triggers
// an immediate full refresh when it reaches a terminal state. Zombie
// runs (no progress reported by the status endpoint) tear the poller
// down the same way, so timers never leak across session switches.
type RunPoller struct {
	source      StatusSource
	coordinator *Coordinator
	interval    time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRunPoller wires a poller. interval <= 0 means the default.
func NewRunPoller(source StatusSource, coordinator *Coordinator, interval time.Duration) *RunPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &RunPoller{
		source:      source,
		coordinator: coordinator,
		interval:    interval,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Watch starts polling a run. Starting a watch for a run already being
// watched replaces the old watch.
func (p *RunPoller) Watch(ctx context.Context, sessionID, runID string) {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if old, ok := p.cancels[runID]; ok {
		old()
	}
	p.cancels[runID] = cancel
	p.mu.Unlock()

	go p.poll(ctx, sessionID, runID)
}

// Cancel stops the watch for one run. The user cancelling a run counts
// as completion: a full refresh fires right away.
func (p *RunPoller) Cancel(sessionID, runID string) {
	p.stop(runID)
	p.coordinator.Enqueue(Event{
		SessionID: sessionID,
		Mode:      ModeFull,
		EventTime: time.Now(),
		Immediate: true,
		RunID:     runID,
	})
}

// Stop tears down all watches without triggering refreshes.
func (p *RunPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for runID, cancel := range p.cancels {
		cancel()
		delete(p.cancels, runID)
	}
}

func (p *RunPoller) stop(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[runID]; ok {
		cancel()
		delete(p.cancels, runID)
	}
}

func (p *RunPoller) poll(ctx context.Context, sessionID, runID string) {
	logger := logging.Default().With("component", "refresh", "run", runID)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := p.source.RunStatus(ctx, runID)
		if err != nil {
			logger.Warn("run status poll failed", "error", err)
			continue
		}
		if status.IsZombie {
			logger.Warn("run appears stalled, stopping poll")
			p.stop(runID)
			return
		}
		if status.Terminal() {
			p.stop(runID)
			p.coordinator.Enqueue(Event{
				SessionID: sessionID,
				Mode:      ModeFull,
				EventTime: time.Now(),
				Immediate: true,
				RunID:     runID,
			})
			return
		}
	}
}
