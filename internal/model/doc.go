// Package model defines shared data types used across goldwatch.
//
// Conventions:
//   - Prices: float64 quote-currency units as reported by the venue
//   - Timestamps: time.Time; ReceivedAt is always local receipt time
//   - Venue identifiers: short lowercase strings ("mt5", "binance")
package model
