// Package freshness judges whether a venue's price feed is recent enough to
// be trusted. A transport can stay connected while the venue silently stops
// sending updates; the monitor is the guard against that failure mode, so it
// runs on its own timer rather than on tick arrival.
package freshness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rfeldman/goldwatch/internal/model"
)

// StatusFunc receives edge-triggered freshness transitions.
type StatusFunc func(model.StatusChange)

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor tracks the latest tick for one venue and evaluates its age
// against the allowed maximum on a periodic check interval.
type Monitor struct {
	venue         model.Venue
	maxDelay      time.Duration
	checkInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu         sync.Mutex
	connState  model.ConnectionState
	generation uint64
	latest     *model.PriceTick
	lastErr    string
	status     model.FreshnessStatus
	onChange   StatusFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor. The feed starts Stale: nothing has been observed.
func New(v model.Venue, maxDelay, checkInterval time.Duration, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		venue:         v,
		maxDelay:      maxDelay,
		checkInterval: checkInterval,
		now:           time.Now,
		logger:        logger.With("venue", v),
		connState:     model.StateDisconnected,
		status:        model.StatusStale,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStatusChange registers the transition callback. Call before Start.
func (m *Monitor) OnStatusChange(fn StatusFunc) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Observe records tick as the venue's latest. Ticks that are not strictly
// newer than the recorded latest, or that belong to a different session
// generation, are ignored without error.
func (m *Monitor) Observe(tick model.PriceTick) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tick.Generation != m.generation {
		return false
	}
	if m.latest != nil && !tick.ReceivedAt.After(m.latest.ReceivedAt) {
		return false
	}
	m.latest = &tick
	return true
}

// SetConnectionState records a session state transition and re-evaluates
// freshness immediately, so a disconnect resets the feed to Stale without
// waiting for the next periodic check.
func (m *Monitor) SetConnectionState(change model.StateChange) {
	m.mu.Lock()
	m.connState = change.State
	m.generation = change.Generation
	if change.Err != "" {
		m.lastErr = change.Err
	}
	m.checkLocked(m.now())
	m.mu.Unlock()
}

// Evaluate returns the freshness status as of now. Stale unless the session
// is Connected, a tick has been observed for the current generation, and
// that tick is no older than the allowed maximum.
func (m *Monitor) Evaluate(now time.Time) model.FreshnessStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluateLocked(now)
}

func (m *Monitor) evaluateLocked(now time.Time) model.FreshnessStatus {
	if m.connState != model.StateConnected {
		return model.StatusStale
	}
	if m.latest == nil || m.latest.Generation != m.generation {
		return model.StatusStale
	}
	if now.Sub(m.latest.ReceivedAt) > m.maxDelay {
		return model.StatusStale
	}
	return model.StatusFresh
}

// Status returns the result of the most recent evaluation.
func (m *Monitor) Status() model.FreshnessStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Latest returns the latest observed tick for the current generation, or
// nil. The returned tick is a copy.
func (m *Monitor) Latest() *model.PriceTick {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return nil
	}
	tick := *m.latest
	return &tick
}

// Delay returns the age of the latest tick, or -1 when none exists.
func (m *Monitor) Delay(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return -1
	}
	return now.Sub(m.latest.ReceivedAt)
}

// Start begins the periodic evaluation loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.run()

	m.logger.Info("freshness monitor started",
		"max_delay", m.maxDelay,
		"check_interval", m.checkInterval,
	)
	return nil
}

// Stop halts the evaluation loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check evaluates once and emits a status change if the result differs from
// the previous evaluation. Edge-triggered: a feed that stays stale does not
// re-emit on every check.
func (m *Monitor) Check() {
	m.mu.Lock()
	m.checkLocked(m.now())
	m.mu.Unlock()
}

func (m *Monitor) checkLocked(now time.Time) {
	next := m.evaluateLocked(now)
	if next == m.status {
		return
	}
	m.status = next

	change := model.StatusChange{
		Venue:     m.venue,
		State:     m.connState,
		Freshness: next,
		Err:       m.lastErr,
		At:        now,
	}

	m.logger.Info("freshness changed", "status", next, "state", m.connState)

	if m.onChange != nil {
		fn := m.onChange
		// Deliver outside the lock; the callback may call back into the
		// monitor.
		m.mu.Unlock()
		fn(change)
		m.mu.Lock()
	}
}
