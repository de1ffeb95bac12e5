// Package hub is the single point of truth for the current best-known view
// of each venue and the fan-out point for live updates.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rfeldman/goldwatch/internal/freshness"
	"github.com/rfeldman/goldwatch/internal/model"
	"github.com/rfeldman/goldwatch/internal/venue"
)

// Config holds hub settings.
type Config struct {
	SubscriberBuffer int // per-subscriber event queue capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SubscriberBuffer: 256,
	}
}

// venueEntry pairs a session with its staleness monitor.
type venueEntry struct {
	session venue.Session
	monitor *freshness.Monitor
}

// Hub registers the monitored sessions, fans ticks and status changes out
// to subscribers, and answers aggregate status queries.
type Hub struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	venues map[model.Venue]*venueEntry
	subs   map[uuid.UUID]*Subscriber

	// Events shed by subscribers that have since closed; live subscribers
	// are summed on demand.
	droppedClosed atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Hub.
func New(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubscriberBuffer < 1 {
		cfg.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		venues: make(map[model.Venue]*venueEntry),
		subs:   make(map[uuid.UUID]*Subscriber),
	}
}

// RegisterVenue wires a session's tick stream into its staleness monitor
// and into the broadcast path. Called once per venue at startup; a second
// registration for the same venue is an error.
func (h *Hub) RegisterVenue(s venue.Session, m *freshness.Monitor) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	v := s.Venue()
	if !v.Valid() {
		return fmt.Errorf("unknown venue %q", v)
	}
	if _, exists := h.venues[v]; exists {
		return fmt.Errorf("venue %s already registered", v)
	}

	m.OnStatusChange(h.publishStatus)
	h.venues[v] = &venueEntry{session: s, monitor: m}

	h.logger.Info("venue registered", "venue", v)
	return nil
}

// Start begins the per-venue pump goroutines and the monitors' periodic
// evaluation loops.
func (h *Hub) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for v, entry := range h.venues {
		if err := entry.monitor.Start(h.ctx); err != nil {
			return fmt.Errorf("start monitor for %s: %w", v, err)
		}
		h.wg.Add(1)
		go h.pump(entry)
	}

	h.logger.Info("hub started", "venues", len(h.venues))
	return nil
}

// Connect delegates to the named venue's session. Errors come back tagged
// with the venue.
func (h *Hub) Connect(ctx context.Context, v model.Venue) error {
	entry, err := h.entry(v)
	if err != nil {
		return err
	}
	if err := entry.session.Connect(ctx); err != nil {
		return fmt.Errorf("%s: %w", v, err)
	}
	return nil
}

// Disconnect delegates to the named venue's session. The context bounds
// the teardown.
func (h *Hub) Disconnect(ctx context.Context, v model.Venue) error {
	entry, err := h.entry(v)
	if err != nil {
		return err
	}
	if err := entry.session.Disconnect(ctx); err != nil {
		return fmt.Errorf("%s: %w", v, err)
	}
	return nil
}

// Snapshot returns a consistent-at-call-time view of all venues. It reads
// only in-memory state and never blocks on network I/O.
func (h *Hub) Snapshot() map[model.Venue]model.VenueSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	out := make(map[model.Venue]model.VenueSnapshot, len(h.venues))

	for v, entry := range h.venues {
		state := entry.session.Status()
		snap := model.VenueSnapshot{
			Venue:        v,
			State:        state,
			Connected:    state == model.StateConnected,
			Freshness:    entry.monitor.Evaluate(now),
			LatestTick:   entry.monitor.Latest(),
			DroppedTicks: entry.session.DroppedTicks(),
		}
		snap.DelayOK = snap.Freshness == model.StatusFresh
		if delay := entry.monitor.Delay(now); delay >= 0 {
			snap.DelaySeconds = delay.Seconds()
		}
		if err := entry.session.LastError(); err != nil {
			snap.LastError = err.Error()
		}
		out[v] = snap
	}

	return out
}

// Subscribe registers a new subscriber. It receives every event published
// after this call; there is no historical replay.
func (h *Hub) Subscribe() *Subscriber {
	s := newSubscriber(h, h.cfg.SubscriberBuffer)

	h.mu.Lock()
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "id", s.id, "total", n)
	return s
}

// Shutdown disconnects all sessions, stops the monitors and pumps, and
// closes all subscribers. The context bounds the wait.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("hub shutting down")

	h.mu.RLock()
	entries := make([]*venueEntry, 0, len(h.venues))
	for _, entry := range h.venues {
		entries = append(entries, entry)
	}
	h.mu.RUnlock()

	for _, entry := range entries {
		if err := entry.session.Disconnect(ctx); err != nil {
			h.logger.Warn("disconnect during shutdown failed",
				"venue", entry.session.Venue(),
				"error", err,
			)
		}
		entry.monitor.Stop()
	}

	if h.cancel != nil {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("shutdown timeout, abandoning pumps")
	}

	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}

	h.logger.Info("hub stopped")
	return nil
}

// entry looks up a registered venue.
func (h *Hub) entry(v model.Venue) (*venueEntry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entry, ok := h.venues[v]
	if !ok {
		return nil, fmt.Errorf("venue %s not registered", v)
	}
	return entry, nil
}

// pump feeds one venue's ticks and state changes into its monitor and the
// broadcast path. Runs for the life of the hub; a stalled venue only stalls
// its own pump.
func (h *Hub) pump(entry *venueEntry) {
	defer h.wg.Done()

	ticks := entry.session.Ticks()
	states := entry.session.States()

	for {
		select {
		case <-h.ctx.Done():
			return

		case tick := <-ticks:
			// Apply queued state changes first: a session enqueues its
			// Connected transition before the first tick of the new
			// generation, and the monitor must see them in that order.
			for {
				select {
				case sc := <-states:
					h.applyStateChange(entry, sc)
					continue
				default:
				}
				break
			}

			if !entry.monitor.Observe(tick) {
				// Out-of-order or prior-generation tick.
				continue
			}
			t := tick
			h.broadcast(model.Event{Kind: model.EventTick, Tick: &t})

		case sc := <-states:
			h.applyStateChange(entry, sc)
		}
	}
}

// applyStateChange feeds a session state transition to the monitor and
// broadcasts it.
func (h *Hub) applyStateChange(entry *venueEntry, sc model.StateChange) {
	entry.monitor.SetConnectionState(sc)
	h.broadcast(model.Event{
		Kind: model.EventStatusChange,
		Status: &model.StatusChange{
			Venue:     sc.Venue,
			State:     sc.State,
			Freshness: entry.monitor.Status(),
			Err:       sc.Err,
			At:        sc.At,
		},
	})
}

// publishStatus broadcasts a freshness transition from a monitor.
func (h *Hub) publishStatus(change model.StatusChange) {
	c := change
	h.broadcast(model.Event{Kind: model.EventStatusChange, Status: &c})
}

// broadcast pushes an event to every subscriber queue. Never blocks: a full
// queue sheds its oldest event.
func (h *Hub) broadcast(ev model.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subs {
		s.queue.push(ev)
	}
}

func (h *Hub) unsubscribe(s *Subscriber) {
	h.droppedClosed.Add(s.Dropped())

	h.mu.Lock()
	delete(h.subs, s.id)
	n := len(h.subs)
	h.mu.Unlock()

	h.logger.Debug("subscriber removed", "id", s.id, "total", n)
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// DroppedEvents returns the total events shed by subscriber queues since
// startup, including subscribers that have already closed.
func (h *Hub) DroppedEvents() uint64 {
	total := h.droppedClosed.Load()
	h.mu.RLock()
	for _, s := range h.subs {
		total += s.Dropped()
	}
	h.mu.RUnlock()
	return total
}
