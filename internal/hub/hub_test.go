package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rfeldman/goldwatch/internal/freshness"
	"github.com/rfeldman/goldwatch/internal/model"
	"github.com/rfeldman/goldwatch/internal/venue"
)

// fakeSession is a scriptable venue.Session built on the real state
// tracker, so transition and generation semantics match the gateways.
type fakeSession struct {
	v          model.Venue
	tracker    *venue.Tracker
	attempts   atomic.Int64
	connectErr error
}

func newFakeSession(v model.Venue) *fakeSession {
	return &fakeSession{v: v, tracker: venue.NewTracker(v, 64)}
}

func (f *fakeSession) Venue() model.Venue { return f.v }

func (f *fakeSession) Connect(ctx context.Context) error {
	if err := f.tracker.BeginConnect(); err != nil {
		return err
	}
	f.attempts.Add(1)
	if f.connectErr != nil {
		f.tracker.Transition(model.StateFailed, f.connectErr)
		return f.connectErr
	}
	return f.tracker.Transition(model.StateConnected, nil)
}

func (f *fakeSession) Disconnect(ctx context.Context) error {
	return f.tracker.Transition(model.StateDisconnected, nil)
}

func (f *fakeSession) Ticks() <-chan model.PriceTick    { return f.tracker.Ticks() }
func (f *fakeSession) States() <-chan model.StateChange { return f.tracker.States() }
func (f *fakeSession) Status() model.ConnectionState    { return f.tracker.State() }
func (f *fakeSession) Generation() uint64               { return f.tracker.Generation() }
func (f *fakeSession) LastError() error                 { return f.tracker.LastError() }
func (f *fakeSession) DroppedTicks() uint64             { return f.tracker.Dropped() }

func (f *fakeSession) emit(price float64, at time.Time) {
	f.tracker.Emit(model.PriceTick{
		Venue:      f.v,
		Symbol:     "XAUUSDT",
		Price:      price,
		Timestamp:  at,
		ReceivedAt: at,
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestHub(t *testing.T, clock *fakeClock, v model.Venue) (*Hub, *fakeSession, *freshness.Monitor) {
	t.Helper()

	h := New(Config{SubscriberBuffer: 4}, nil)
	h.now = clock.Now

	session := newFakeSession(v)
	monitor := freshness.New(v, 3*time.Second, time.Second, nil, freshness.WithClock(clock.Now))

	if err := h.RegisterVenue(session, monitor); err != nil {
		t.Fatalf("RegisterVenue failed: %v", err)
	}
	return h, session, monitor
}

func TestRegisterVenueRejectsDuplicate(t *testing.T) {
	h := New(DefaultConfig(), nil)
	clock := newFakeClock()

	s := newFakeSession(model.VenueExchange)
	m := freshness.New(model.VenueExchange, 3*time.Second, time.Second, nil, freshness.WithClock(clock.Now))

	if err := h.RegisterVenue(s, m); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := h.RegisterVenue(newFakeSession(model.VenueExchange), m); err == nil {
		t.Error("duplicate registration should fail")
	}
}

func TestConnectIdempotence(t *testing.T) {
	clock := newFakeClock()
	h, session, _ := newTestHub(t, clock, model.VenueExchange)

	ctx := context.Background()
	if err := h.Connect(ctx, model.VenueExchange); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Repeated connects while Connected must not start new attempts.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.Connect(ctx, model.VenueExchange)
			if !errors.Is(err, venue.ErrAlreadyInProgress) {
				t.Errorf("repeat Connect = %v, want ErrAlreadyInProgress", err)
			}
		}()
	}
	wg.Wait()

	if got := session.attempts.Load(); got != 1 {
		t.Errorf("connection attempts = %d, want 1", got)
	}
}

func TestConnectUnknownVenue(t *testing.T) {
	h := New(DefaultConfig(), nil)
	if err := h.Connect(context.Background(), model.VenueBrokerage); err == nil {
		t.Error("Connect on unregistered venue should fail")
	}
}

func TestConnectErrorIsVenueTagged(t *testing.T) {
	clock := newFakeClock()
	h, session, _ := newTestHub(t, clock, model.VenueBrokerage)
	session.connectErr = venue.ErrInvalidCredentials

	err := h.Connect(context.Background(), model.VenueBrokerage)
	if !errors.Is(err, venue.ErrInvalidCredentials) {
		t.Fatalf("Connect = %v, want ErrInvalidCredentials", err)
	}

	snap := h.Snapshot()[model.VenueBrokerage]
	if snap.State != model.StateFailed {
		t.Errorf("snapshot state = %s, want failed", snap.State)
	}
	if snap.LastError == "" {
		t.Error("snapshot should carry lastError")
	}
}

func TestEndToEndSnapshot(t *testing.T) {
	clock := newFakeClock()
	h, session, monitor := newTestHub(t, clock, model.VenueExchange)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := h.Connect(ctx, model.VenueExchange); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Ticks at t=0, 1, 2 with prices 2000, 2001, 2002.
	for i, price := range []float64{2000, 2001, 2002} {
		if i > 0 {
			clock.Advance(time.Second)
		}
		session.emit(price, clock.Now())
	}
	time.Sleep(50 * time.Millisecond) // let the pump drain

	clock.Advance(500 * time.Millisecond)
	snap := h.Snapshot()[model.VenueExchange]
	if !snap.Connected {
		t.Error("snapshot should report connected")
	}
	if snap.Freshness != model.StatusFresh {
		t.Errorf("freshness at t=2.5 = %s, want fresh", snap.Freshness)
	}
	if snap.LatestTick == nil || snap.LatestTick.Price != 2002 {
		t.Errorf("latest price = %+v, want 2002", snap.LatestTick)
	}
	if !snap.DelayOK {
		t.Error("delay_ok should be true while fresh")
	}

	// No ticks until t=6: stale on evaluation.
	clock.Advance(3500 * time.Millisecond)
	if got := monitor.Evaluate(clock.Now()); got != model.StatusStale {
		t.Errorf("Evaluate at t=6 = %s, want stale", got)
	}
	snap = h.Snapshot()[model.VenueExchange]
	if snap.Freshness != model.StatusStale {
		t.Errorf("snapshot freshness at t=6 = %s, want stale", snap.Freshness)
	}

	// Disconnect: stale, last-known price retained.
	if err := h.Disconnect(ctx, model.VenueExchange); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	snap = h.Snapshot()[model.VenueExchange]
	if snap.Connected {
		t.Error("snapshot should report disconnected")
	}
	if snap.Freshness != model.StatusStale {
		t.Errorf("freshness after disconnect = %s, want stale", snap.Freshness)
	}
	if snap.LatestTick == nil || snap.LatestTick.Price != 2002 {
		t.Errorf("last-known price after disconnect = %+v, want 2002", snap.LatestTick)
	}
}

func TestSubscriberReceivesEvents(t *testing.T) {
	clock := newFakeClock()
	h, session, _ := newTestHub(t, clock, model.VenueExchange)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	sub := h.Subscribe()
	defer sub.Close()

	if err := h.Connect(ctx, model.VenueExchange); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	session.emit(2000, clock.Now())

	var gotTick, gotStatus bool
	timeout := time.After(time.Second)
	for !gotTick || !gotStatus {
		select {
		case ev := <-sub.Events():
			switch ev.Kind {
			case model.EventTick:
				if ev.Tick.Price == 2000 {
					gotTick = true
				}
			case model.EventStatusChange:
				if ev.Status.State == model.StateConnected {
					gotStatus = true
				}
			}
		case <-timeout:
			t.Fatalf("timed out: tick=%v status=%v", gotTick, gotStatus)
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := New(Config{SubscriberBuffer: 4}, nil)

	fast := h.Subscribe()
	defer fast.Close()
	slow := h.Subscribe() // never reads
	defer slow.Close()

	const total = 50
	var delivered atomic.Int64
	go func() {
		for range fast.Events() {
			delivered.Add(1)
		}
	}()

	now := time.Now()
	for i := 0; i < total; i++ {
		tick := model.PriceTick{Venue: model.VenueExchange, Price: 2000 + float64(i), ReceivedAt: now}
		h.broadcast(model.Event{Kind: model.EventTick, Tick: &tick})
	}

	// Every event pushed to the fast subscriber is either delivered or
	// counted as dropped, within a bounded time, regardless of the stuck
	// slow subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if delivered.Load()+int64(fast.Dropped()) >= total {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fast subscriber stalled: delivered=%d dropped=%d",
				delivered.Load(), fast.Dropped())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The slow subscriber shed everything beyond its queue plus the one
	// event parked in its forwarding goroutine.
	if dropped := slow.Dropped(); dropped == 0 {
		t.Error("slow subscriber droppedCount should increase under overflow")
	}

	// The hub aggregate covers live subscribers, and keeps counting a
	// subscriber's drops after it closes.
	before := h.DroppedEvents()
	if before < slow.Dropped() {
		t.Errorf("DroppedEvents = %d, want at least the slow subscriber's %d", before, slow.Dropped())
	}
	slowDropped := slow.Dropped()
	slow.Close()
	if after := h.DroppedEvents(); after < slowDropped {
		t.Errorf("DroppedEvents after close = %d, want at least %d", after, slowDropped)
	}
}

func TestSubscriberCloseIsSafe(t *testing.T) {
	h := New(Config{SubscriberBuffer: 4}, nil)

	a := h.Subscribe()
	b := h.Subscribe()

	a.Close()
	a.Close() // double close must be safe

	tick := model.PriceTick{Venue: model.VenueExchange, Price: 2000, ReceivedAt: time.Now()}
	h.broadcast(model.Event{Kind: model.EventTick, Tick: &tick})

	select {
	case ev, ok := <-b.Events():
		if !ok {
			t.Fatal("remaining subscriber channel closed unexpectedly")
		}
		if ev.Tick == nil || ev.Tick.Price != 2000 {
			t.Errorf("event = %+v, want price 2000", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber did not receive event")
	}
	b.Close()
}

func TestShutdown(t *testing.T) {
	clock := newFakeClock()
	h, session, _ := newTestHub(t, clock, model.VenueExchange)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.Connect(ctx, model.VenueExchange); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sub := h.Subscribe()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if session.Status() != model.StateDisconnected {
		t.Errorf("session state after shutdown = %s, want disconnected", session.Status())
	}

	// Subscriber channel must drain and close.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel did not close after shutdown")
		}
	}
}
