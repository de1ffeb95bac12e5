package venue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rfeldman/goldwatch/internal/model"
)

// Tracker holds the connection state, session generation, and output
// channels shared by both gateway implementations. It enforces the valid
// transition set and owns the drop-oldest tick buffer.
//
// The Ticks and States channels stay open for the lifetime of the session;
// a disconnect simply stops the flow, so a consumer can keep reading across
// reconnect cycles.
type Tracker struct {
	venue model.Venue

	mu         sync.Mutex
	state      model.ConnectionState
	generation uint64
	lastErr    error

	ticks   chan model.PriceTick
	states  chan model.StateChange
	dropped atomic.Uint64
}

// NewTracker creates a Tracker in the Disconnected state.
func NewTracker(v model.Venue, tickBuffer int) *Tracker {
	if tickBuffer < 1 {
		tickBuffer = 1
	}
	return &Tracker{
		venue:  v,
		state:  model.StateDisconnected,
		ticks:  make(chan model.PriceTick, tickBuffer),
		states: make(chan model.StateChange, 16),
	}
}

// BeginConnect attempts the Disconnected/Failed → Connecting edge.
// Returns ErrAlreadyInProgress while Connecting or Connected, so at most
// one connection attempt is ever in flight.
func (t *Tracker) BeginConnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case model.StateConnecting, model.StateConnected:
		return ErrAlreadyInProgress
	}
	t.setLocked(model.StateConnecting, nil)
	return nil
}

// Transition moves to next, recording err as the session's last error when
// non-nil. Reaching Connected bumps the session generation.
func (t *Tracker) Transition(next model.ConnectionState, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == next {
		// Idempotent disconnects and repeated failure reports are no-ops.
		return nil
	}
	if !t.state.CanTransition(next) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.state, next)
	}
	t.setLocked(next, err)
	return nil
}

func (t *Tracker) setLocked(next model.ConnectionState, err error) {
	t.state = next
	if err != nil {
		t.lastErr = err
	}
	if next == model.StateConnected {
		t.generation++
	}

	change := model.StateChange{
		Venue:      t.venue,
		State:      next,
		Generation: t.generation,
		At:         time.Now(),
	}
	if err != nil {
		change.Err = err.Error()
	}

	// State changes are rare; if the consumer lags, shed the oldest.
	select {
	case t.states <- change:
	default:
		select {
		case <-t.states:
		default:
		}
		select {
		case t.states <- change:
		default:
		}
	}
}

// Emit publishes a tick stamped with the current generation. Ticks are only
// emitted while Connected. On a full buffer the oldest tick is dropped and
// counted rather than blocking the producer.
func (t *Tracker) Emit(tick model.PriceTick) {
	t.mu.Lock()
	if t.state != model.StateConnected {
		t.mu.Unlock()
		return
	}
	tick.Generation = t.generation
	t.mu.Unlock()

	select {
	case t.ticks <- tick:
	default:
		select {
		case <-t.ticks:
			t.dropped.Add(1)
		default:
		}
		select {
		case t.ticks <- tick:
		default:
			t.dropped.Add(1)
		}
	}
}

// Ticks returns the tick channel.
func (t *Tracker) Ticks() <-chan model.PriceTick {
	return t.ticks
}

// States returns the state change channel.
func (t *Tracker) States() <-chan model.StateChange {
	return t.states
}

// State returns the current connection state.
func (t *Tracker) State() model.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Generation returns the current session generation.
func (t *Tracker) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// LastError returns the most recent recorded error.
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Dropped returns the count of ticks shed on buffer overflow.
func (t *Tracker) Dropped() uint64 {
	return t.dropped.Load()
}
