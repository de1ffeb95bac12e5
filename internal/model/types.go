package model

import "time"

// Venue identifies one external price source.
type Venue string

const (
	// VenueBrokerage is the MetaTrader-style brokerage gateway.
	VenueBrokerage Venue = "mt5"

	// VenueExchange is the crypto futures exchange.
	VenueExchange Venue = "binance"
)

// Valid reports whether v is a known venue.
func (v Venue) Valid() bool {
	return v == VenueBrokerage || v == VenueExchange
}

// ConnectionState is the lifecycle state of a venue session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateFailed       ConnectionState = "failed"
)

// CanTransition reports whether the edge from s to next is valid.
//
// Valid edges:
//
//	disconnected → connecting
//	connecting   → connected | failed
//	connected    → disconnected | failed
//	failed       → connecting
//
// Any state may also transition to disconnected (operator disconnect is
// always allowed and idempotent).
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	if next == StateDisconnected {
		return true
	}
	switch s {
	case StateDisconnected, StateFailed:
		return next == StateConnecting
	case StateConnecting:
		return next == StateConnected || next == StateFailed
	case StateConnected:
		return next == StateFailed
	}
	return false
}

// FreshnessStatus reports whether a venue's latest tick is recent enough
// to be trusted.
type FreshnessStatus string

const (
	StatusFresh FreshnessStatus = "fresh"
	StatusStale FreshnessStatus = "stale"
)

// PriceTick is one price observation from a venue. Immutable after
// creation; superseded, never edited, by the next tick.
type PriceTick struct {
	Venue      Venue     `json:"venue"`
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Bid        float64   `json:"bid,omitempty"`
	Ask        float64   `json:"ask,omitempty"`
	Timestamp  time.Time `json:"timestamp"`   // origin-reported; receipt time if venue gives none
	ReceivedAt time.Time `json:"received_at"` // local receipt time
	Generation uint64    `json:"-"`           // session generation that produced the tick
}

// StateChange is a connection state transition produced by a session.
type StateChange struct {
	Venue      Venue           `json:"venue"`
	State      ConnectionState `json:"state"`
	Generation uint64          `json:"-"`
	Err        string          `json:"error,omitempty"`
	At         time.Time       `json:"at"`
}

// VenueSnapshot is a read-only projection of one venue's current state,
// built on demand for status queries.
type VenueSnapshot struct {
	Venue        Venue           `json:"venue"`
	State        ConnectionState `json:"state"`
	Connected    bool            `json:"connected"`
	Freshness    FreshnessStatus `json:"freshness"`
	LatestTick   *PriceTick      `json:"latest_tick,omitempty"`
	DelaySeconds float64         `json:"delay_seconds,omitempty"`
	DelayOK      bool            `json:"delay_ok"`
	LastError    string          `json:"last_error,omitempty"`
	DroppedTicks uint64          `json:"dropped_ticks,omitempty"`
}

// EventKind discriminates hub events.
type EventKind string

const (
	EventTick         EventKind = "tick"
	EventStatusChange EventKind = "status_change"
)

// Event is one hub broadcast item: a price tick or a status change.
// Exactly one of Tick and Status is set, per Kind.
type Event struct {
	Kind   EventKind     `json:"kind"`
	Tick   *PriceTick    `json:"tick,omitempty"`
	Status *StatusChange `json:"status,omitempty"`
}

// StatusChange is an edge-triggered change of a venue's connection state
// or freshness status.
type StatusChange struct {
	Venue     Venue           `json:"venue"`
	State     ConnectionState `json:"state"`
	Freshness FreshnessStatus `json:"freshness"`
	Err       string          `json:"error,omitempty"`
	At        time.Time       `json:"at"`
}
