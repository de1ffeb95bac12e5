package venue

import (
	"context"

	"github.com/rfeldman/goldwatch/internal/model"
)

// Session owns the lifecycle of one connection to one external venue and
// converts venue-specific wire messages into PriceTick values.
type Session interface {
	// Venue returns the venue this session is bound to.
	Venue() model.Venue

	// Connect transitions Disconnected/Failed → Connecting synchronously,
	// then asynchronously to Connected or Failed. Calling while Connecting
	// or Connected makes no new attempt and returns ErrAlreadyInProgress.
	// The context bounds the handshake.
	Connect(ctx context.Context) error

	// Disconnect transitions any state to Disconnected and releases the
	// underlying handle. Idempotent. The context bounds how long the
	// teardown may take; on expiry the session still ends Disconnected,
	// abandoning whatever cleanup was in flight.
	Disconnect(ctx context.Context) error

	// Ticks returns the tick stream. Ticks are delivered in venue-arrival
	// order through a small bounded buffer; on overflow the oldest tick is
	// dropped and counted (see DroppedTicks). The channel is never closed:
	// it goes quiet while disconnected and resumes on the next connect, so
	// a consumer must watch States rather than wait for end-of-stream.
	Ticks() <-chan model.PriceTick

	// States returns connection state transitions as they happen.
	States() <-chan model.StateChange

	// Status returns the current connection state.
	Status() model.ConnectionState

	// Generation returns the current session generation. It is bumped each
	// time the session reaches Connected; ticks carry the generation that
	// produced them so stale ticks from a prior cycle can be rejected.
	Generation() uint64

	// LastError returns the most recent connect or transport error, if any.
	LastError() error

	// DroppedTicks returns the number of ticks dropped on buffer overflow.
	DroppedTicks() uint64
}
