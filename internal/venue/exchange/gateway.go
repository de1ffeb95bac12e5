// Package exchange implements the crypto futures exchange venue session.
//
// Connect checks exchange reachability over REST (server time), then opens
// a WebSocket market stream for the configured symbol. Ticker events carry
// the last trade price plus best bid/ask when present.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rfeldman/goldwatch/internal/config"
	"github.com/rfeldman/goldwatch/internal/model"
	"github.com/rfeldman/goldwatch/internal/venue"
)

// Gateway is the exchange venue session.
type Gateway struct {
	cfg        config.ExchangeConfig
	httpClient *http.Client
	tracker    *venue.Tracker
	logger     *slog.Logger

	tickBuffer int

	mu     sync.Mutex
	stream *stream
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an exchange gateway. tickBuffer bounds the tick channel.
func New(cfg config.ExchangeConfig, tickBuffer int, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		tracker:    venue.NewTracker(model.VenueExchange, tickBuffer),
		tickBuffer: tickBuffer,
		logger:     logger.With("venue", model.VenueExchange),
	}
}

// Venue returns the venue identifier.
func (g *Gateway) Venue() model.Venue { return model.VenueExchange }

// Connect verifies reachability and opens the market stream. The context
// bounds the handshake; a second call while Connecting or Connected makes
// no new attempt.
func (g *Gateway) Connect(ctx context.Context) error {
	if err := g.tracker.BeginConnect(); err != nil {
		return err
	}

	if err := g.checkServerTime(ctx); err != nil {
		g.tracker.Transition(model.StateFailed, err)
		g.logger.Warn("exchange reachability check failed", "error", err)
		return err
	}

	url := g.streamURL()
	st, err := dialStream(ctx, url, g.tickBuffer, g.logger)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = venue.ErrConnectTimeout
		} else {
			err = fmt.Errorf("%w: %v", venue.ErrTransport, err)
		}
		g.tracker.Transition(model.StateFailed, err)
		g.logger.Warn("stream dial failed", "url", url, "error", err)
		return err
	}

	// Publish the stream and cancel handle before moving to Connected, so
	// a concurrent Disconnect racing this Connect can always reach them.
	runCtx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.stream = st
	g.cancel = cancel
	g.mu.Unlock()

	if err := g.tracker.Transition(model.StateConnected, nil); err != nil {
		g.mu.Lock()
		g.stream = nil
		g.cancel = nil
		g.mu.Unlock()
		cancel()
		st.close()
		return err
	}

	g.wg.Add(1)
	go g.run(runCtx, st)

	g.logger.Info("exchange connected", "symbol", g.cfg.Symbol, "stream", url)
	return nil
}

// Disconnect closes the stream. Idempotent. The context bounds the wait
// for the frame loop; the session ends Disconnected either way.
func (g *Gateway) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	st := g.stream
	cancel := g.cancel
	g.stream = nil
	g.cancel = nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if st != nil {
		st.close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("disconnect timed out waiting for frame loop")
	}

	g.tracker.Transition(model.StateDisconnected, nil)
	g.logger.Info("exchange disconnected")
	return nil
}

// Ticks returns the tick stream.
func (g *Gateway) Ticks() <-chan model.PriceTick { return g.tracker.Ticks() }

// States returns connection state transitions.
func (g *Gateway) States() <-chan model.StateChange { return g.tracker.States() }

// Status returns the current connection state.
func (g *Gateway) Status() model.ConnectionState { return g.tracker.State() }

// Generation returns the current session generation.
func (g *Gateway) Generation() uint64 { return g.tracker.Generation() }

// LastError returns the most recent connect or transport error.
func (g *Gateway) LastError() error { return g.tracker.LastError() }

// DroppedTicks returns the number of ticks dropped on buffer overflow.
func (g *Gateway) DroppedTicks() uint64 { return g.tracker.Dropped() }

// streamURL builds the per-symbol ticker stream URL.
func (g *Gateway) streamURL() string {
	return strings.TrimSuffix(g.cfg.WSURL, "/") + "/" + strings.ToLower(g.cfg.Symbol) + "@ticker"
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// checkServerTime pings the exchange REST API before streaming.
func (g *Gateway) checkServerTime(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.RestURL+"/fapi/v1/time", nil)
	if err != nil {
		return fmt.Errorf("build time request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return venue.ErrConnectTimeout
		}
		return fmt.Errorf("%w: %v", venue.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: exchange returned %d", venue.ErrTransport, resp.StatusCode)
	}

	var st serverTimeResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode server time: %w", err)
	}
	if st.ServerTime == 0 {
		return fmt.Errorf("%w: missing server time", venue.ErrTransport)
	}

	g.logger.Debug("exchange reachable", "server_time", st.ServerTime)
	return nil
}

// tickerEvent is the wire format of a stream ticker frame.
type tickerEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"` // milliseconds
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	BestBid   string `json:"b"`
	BestAsk   string `json:"a"`
}

// run consumes stream frames until disconnect or transport failure.
func (g *Gateway) run(ctx context.Context, st *stream) {
	defer g.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-st.errors:
			// Transport failure degrades to Failed; reconnection is the
			// operator's call.
			g.logger.Warn("stream error", "error", err)
			g.tracker.Transition(model.StateFailed, fmt.Errorf("%w: %v", venue.ErrTransport, err))
			st.close()
			return

		case msg := <-st.messages:
			tick, ok := g.parseTicker(msg)
			if !ok {
				continue
			}
			g.tracker.Emit(tick)
		}
	}
}

// parseTicker converts a ticker frame into a PriceTick.
func (g *Gateway) parseTicker(msg timestampedMessage) (model.PriceTick, bool) {
	var ev tickerEvent
	if err := json.Unmarshal(msg.data, &ev); err != nil {
		g.logger.Warn("failed to parse ticker frame", "error", err)
		return model.PriceTick{}, false
	}
	if ev.LastPrice == "" {
		return model.PriceTick{}, false
	}

	price, err := strconv.ParseFloat(ev.LastPrice, 64)
	if err != nil {
		g.logger.Warn("bad ticker price", "price", ev.LastPrice, "error", err)
		return model.PriceTick{}, false
	}

	tick := model.PriceTick{
		Venue:      model.VenueExchange,
		Symbol:     ev.Symbol,
		Price:      price,
		Timestamp:  msg.receivedAt,
		ReceivedAt: msg.receivedAt,
	}
	if ev.EventTime > 0 {
		tick.Timestamp = time.UnixMilli(ev.EventTime)
	}
	if bid, err := strconv.ParseFloat(ev.BestBid, 64); err == nil {
		tick.Bid = bid
	}
	if ask, err := strconv.ParseFloat(ev.BestAsk, 64); err == nil {
		tick.Ask = ask
	}

	return tick, true
}
