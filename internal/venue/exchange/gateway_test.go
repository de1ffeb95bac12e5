package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rfeldman/goldwatch/internal/config"
	"github.com/rfeldman/goldwatch/internal/model"
	"github.com/rfeldman/goldwatch/internal/venue"
)

// fakeExchange serves the REST time endpoint and the ticker stream from
// one httptest server.
type fakeExchange struct {
	*httptest.Server
	upgrader websocket.Upgrader

	failTime atomic.Bool
	frames   chan []byte
	done     chan struct{}

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()

	f := &fakeExchange{
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/time", func(w http.ResponseWriter, r *http.Request) {
		if f.failTime.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]int64{"serverTime": time.Now().UnixMilli()})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		for {
			select {
			case frame := <-f.frames:
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			case <-f.done:
				return
			}
		}
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		close(f.done)
		f.closeConns()
		f.Server.Close()
	})
	return f
}

func (f *fakeExchange) closeConns() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func (f *fakeExchange) config() config.ExchangeConfig {
	return config.ExchangeConfig{
		RestURL: f.URL,
		WSURL:   "ws" + strings.TrimPrefix(f.URL, "http"),
		Symbol:  "XAUUSDT",
	}
}

func tickerFrame(price, bid, ask string, eventTime time.Time) []byte {
	frame, _ := json.Marshal(map[string]interface{}{
		"e": "24hrTicker",
		"E": eventTime.UnixMilli(),
		"s": "XAUUSDT",
		"c": price,
		"b": bid,
		"a": ask,
	})
	return frame
}

func TestConnectAndStream(t *testing.T) {
	fake := newFakeExchange(t)
	g := New(fake.config(), 16, nil)
	defer g.Disconnect(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := g.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if g.Status() != model.StateConnected {
		t.Fatalf("status = %s, want connected", g.Status())
	}

	eventTime := time.Now().Add(-200 * time.Millisecond).Truncate(time.Millisecond)
	fake.frames <- tickerFrame("2650.40", "2650.10", "2650.70", eventTime)

	select {
	case tick := <-g.Ticks():
		if tick.Venue != model.VenueExchange {
			t.Errorf("tick venue = %s, want binance", tick.Venue)
		}
		if tick.Symbol != "XAUUSDT" {
			t.Errorf("tick symbol = %q, want XAUUSDT", tick.Symbol)
		}
		if tick.Price != 2650.40 {
			t.Errorf("tick price = %v, want 2650.40", tick.Price)
		}
		if tick.Bid != 2650.10 || tick.Ask != 2650.70 {
			t.Errorf("tick bid/ask = %v/%v, want 2650.10/2650.70", tick.Bid, tick.Ask)
		}
		if !tick.Timestamp.Equal(eventTime) {
			t.Errorf("tick timestamp = %v, want exchange event time %v", tick.Timestamp, eventTime)
		}
		if tick.Generation != 1 {
			t.Errorf("tick generation = %d, want 1", tick.Generation)
		}
	case <-time.After(time.Second):
		t.Fatal("no tick received")
	}
}

func TestConnectIdempotent(t *testing.T) {
	fake := newFakeExchange(t)
	g := New(fake.config(), 16, nil)
	defer g.Disconnect(context.Background())

	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := g.Connect(context.Background()); !errors.Is(err, venue.ErrAlreadyInProgress) {
		t.Errorf("second Connect = %v, want ErrAlreadyInProgress", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	fake := newFakeExchange(t)
	fake.failTime.Store(true)

	g := New(fake.config(), 16, nil)

	err := g.Connect(context.Background())
	if !errors.Is(err, venue.ErrTransport) {
		t.Fatalf("Connect = %v, want ErrTransport", err)
	}
	if g.Status() != model.StateFailed {
		t.Errorf("status = %s, want failed", g.Status())
	}

	// Retry after the exchange comes back.
	fake.failTime.Store(false)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("retry Connect failed: %v", err)
	}
	defer g.Disconnect(context.Background())
	if g.Generation() != 1 {
		t.Errorf("generation = %d, want 1 (failed attempts do not open a session)", g.Generation())
	}
}

func TestMalformedFramesSkipped(t *testing.T) {
	fake := newFakeExchange(t)
	g := New(fake.config(), 16, nil)
	defer g.Disconnect(context.Background())

	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	fake.frames <- []byte(`{not json`)
	fake.frames <- []byte(`{"e":"24hrTicker","s":"XAUUSDT"}`) // no price
	fake.frames <- tickerFrame("2651.00", "", "", time.Now())

	select {
	case tick := <-g.Ticks():
		if tick.Price != 2651.00 {
			t.Errorf("tick price = %v, want 2651.00", tick.Price)
		}
	case <-time.After(time.Second):
		t.Fatal("valid tick was not delivered")
	}
	if g.Status() != model.StateConnected {
		t.Errorf("status = %s, want connected after bad frames", g.Status())
	}
}

func TestStreamFailureDegradesToFailed(t *testing.T) {
	fake := newFakeExchange(t)
	g := New(fake.config(), 16, nil)
	defer g.Disconnect(context.Background())

	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	fake.closeConns()

	deadline := time.Now().Add(2 * time.Second)
	for g.Status() != model.StateFailed {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want failed after stream loss", g.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !errors.Is(g.LastError(), venue.ErrTransport) {
		t.Errorf("LastError = %v, want ErrTransport", g.LastError())
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	fake := newFakeExchange(t)
	g := New(fake.config(), 16, nil)

	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := g.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if g.Status() != model.StateDisconnected {
		t.Errorf("status = %s, want disconnected", g.Status())
	}
	if err := g.Disconnect(context.Background()); err != nil {
		t.Errorf("second Disconnect = %v, want nil", err)
	}
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	fake := newFakeExchange(t)
	g := New(fake.config(), 16, nil)

	// Race a connect against a disconnect repeatedly. Whichever order
	// they land in, a trailing disconnect must leave the session fully
	// torn down with no stream goroutine left behind.
	for i := 0; i < 20; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			g.Connect(context.Background())
		}()
		go func() {
			defer wg.Done()
			g.Disconnect(context.Background())
		}()
		wg.Wait()

		if err := g.Disconnect(context.Background()); err != nil {
			t.Fatalf("iteration %d: Disconnect failed: %v", i, err)
		}
		if g.Status() != model.StateDisconnected {
			t.Fatalf("iteration %d: status = %s, want disconnected", i, g.Status())
		}
	}

	// The session must still come up cleanly afterwards.
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after churn failed: %v", err)
	}
	if g.Status() != model.StateConnected {
		t.Fatalf("status = %s, want connected", g.Status())
	}
	if err := g.Disconnect(context.Background()); err != nil {
		t.Fatalf("final Disconnect failed: %v", err)
	}
}
