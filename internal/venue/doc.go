// Package venue defines the Session capability interface implemented by each
// external price source, plus the connection state machine shared by the
// brokerage and exchange gateways.
//
// A session owns exactly one external connection. Reconnection is always
// operator-initiated; a session never retries on its own.
package venue
