// Package brokerage implements the MetaTrader-style brokerage venue session.
//
// The terminal is reached through a small REST bridge: login opens a terminal
// session, then the gateway polls the current tick per symbol once per poll
// interval. The terminal itself has no push feed, so staleness of the poll
// loop is what the freshness monitor guards against.
package brokerage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rfeldman/goldwatch/internal/config"
	"github.com/rfeldman/goldwatch/internal/model"
	"github.com/rfeldman/goldwatch/internal/venue"
)

// consecutive poll failures before the session degrades to Failed
const maxPollFailures = 3

// Gateway is the brokerage venue session.
type Gateway struct {
	cfg     config.BrokerageConfig
	client  *Client
	tracker *venue.Tracker
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a brokerage gateway. tickBuffer bounds the tick channel.
func New(cfg config.BrokerageConfig, tickBuffer int, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:     cfg,
		client:  NewClient(cfg.BridgeURL, WithLogger(logger)),
		tracker: venue.NewTracker(model.VenueBrokerage, tickBuffer),
		logger:  logger.With("venue", model.VenueBrokerage),
	}
}

// Venue returns the venue identifier.
func (g *Gateway) Venue() model.Venue { return model.VenueBrokerage }

// Connect logs in to the bridge and starts the poll loop. The context
// bounds the handshake; a second call while Connecting or Connected makes
// no new attempt.
func (g *Gateway) Connect(ctx context.Context) error {
	if err := g.tracker.BeginConnect(); err != nil {
		return err
	}

	if err := g.client.Login(ctx, g.cfg.Login, g.cfg.Password, g.cfg.Server); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = venue.ErrConnectTimeout
		}
		g.tracker.Transition(model.StateFailed, err)
		g.logger.Warn("bridge login failed", "error", err)
		return err
	}

	// Publish the cancel handle before moving to Connected, so a
	// concurrent Disconnect racing this Connect can always reach the loop.
	loopCtx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	if err := g.tracker.Transition(model.StateConnected, nil); err != nil {
		g.mu.Lock()
		g.cancel = nil
		g.mu.Unlock()
		cancel()
		return err
	}

	g.wg.Add(1)
	go g.pollLoop(loopCtx)

	g.logger.Info("brokerage connected",
		"server", g.cfg.Server,
		"symbols", g.cfg.Symbols,
		"poll_interval", g.cfg.PollInterval,
	)

	return nil
}

// Disconnect stops the poll loop and closes the bridge session. Idempotent.
// The context bounds the teardown; on expiry the remaining cleanup is
// abandoned and the session still ends Disconnected.
func (g *Gateway) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	cancel := g.cancel
	g.cancel = nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("disconnect timed out waiting for poll loop")
	}

	if g.tracker.State() != model.StateDisconnected && ctx.Err() == nil {
		logoutCtx, logoutCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := g.client.Logout(logoutCtx); err != nil {
			g.logger.Debug("bridge logout failed", "error", err)
		}
		logoutCancel()
	}

	g.tracker.Transition(model.StateDisconnected, nil)
	g.logger.Info("brokerage disconnected")
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

// pollLoop fetches the current tick for each symbol once per interval.
func (g *Gateway) pollLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0

	// Poll immediately on start.
	if !g.pollOnce(ctx, &failures) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !g.pollOnce(ctx, &failures) {
				return
			}
		}
	}
}

// pollOnce polls all symbols. Returns false when the session has degraded
// to Failed and the loop should stop.
func (g *Gateway) pollOnce(ctx context.Context, failures *int) bool {
	for _, symbol := range g.cfg.Symbols {
		tick, err := g.client.GetTick(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			*failures++
			g.logger.Warn("tick poll failed",
				"symbol", symbol,
				"failures", *failures,
				"error", err,
			)
			if *failures >= maxPollFailures {
				g.tracker.Transition(model.StateFailed, err)
				return false
			}
			continue
		}
		*failures = 0

		receivedAt := time.Now()
		origin := receivedAt
		if tick.Time > 0 {
			origin = time.Unix(tick.Time, 0)
		}

		g.tracker.Emit(model.PriceTick{
			Venue:      model.VenueBrokerage,
			Symbol:     tick.Symbol,
			Price:      tick.Bid,
			Bid:        tick.Bid,
			Ask:        tick.Ask,
			Timestamp:  origin,
			ReceivedAt: receivedAt,
		})
	}
	return true
}
