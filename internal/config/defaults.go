package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultBridgeURL        = "http://127.0.0.1:5050"
	DefaultBrokerageSymbol  = "XAUUSD"
	DefaultPollInterval     = 1 * time.Second
	DefaultExchangeRestURL  = "https://fapi.binance.com"
	DefaultExchangeWSURL    = "wss://fstream.binance.com/ws"
	DefaultExchangeSymbol   = "XAUUSDT"
	DefaultMaxDelay         = 3 * time.Second
	DefaultCheckInterval    = 1 * time.Second
	DefaultConnectTimeout   = 60 * time.Second
	DefaultRequestTimeout   = 10 * time.Second
	DefaultSubscriberBuffer = 256
	DefaultSessionBuffer    = 64
	DefaultServerPort       = 8080
	DefaultCacheTTL         = 30 * time.Second
	DefaultNATSURL          = "nats://127.0.0.1:4222"
	DefaultSubjectPrefix    = "ticks"
)

func (c *Config) applyDefaults() {
	// Brokerage defaults
	if c.Brokerage.BridgeURL == "" {
		c.Brokerage.BridgeURL = DefaultBridgeURL
	}
	if len(c.Brokerage.Symbols) == 0 {
		c.Brokerage.Symbols = []string{DefaultBrokerageSymbol}
	}
	if c.Brokerage.PollInterval == 0 {
		c.Brokerage.PollInterval = DefaultPollInterval
	}

	// Exchange defaults
	if c.Exchange.RestURL == "" {
		c.Exchange.RestURL = DefaultExchangeRestURL
	}
	if c.Exchange.WSURL == "" {
		c.Exchange.WSURL = DefaultExchangeWSURL
	}
	if c.Exchange.Symbol == "" {
		c.Exchange.Symbol = DefaultExchangeSymbol
	}

	// Freshness defaults
	if c.Freshness.MaxDelay == 0 {
		c.Freshness.MaxDelay = DefaultMaxDelay
	}
	if c.Freshness.CheckInterval == 0 {
		c.Freshness.CheckInterval = DefaultCheckInterval
	}

	// Timeout defaults
	if c.Timeouts.Connect == 0 {
		c.Timeouts.Connect = DefaultConnectTimeout
	}
	if c.Timeouts.Request == 0 {
		c.Timeouts.Request = DefaultRequestTimeout
	}

	// Hub defaults
	if c.Hub.SubscriberBuffer == 0 {
		c.Hub.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.Hub.SessionBuffer == 0 {
		c.Hub.SessionBuffer = DefaultSessionBuffer
	}

	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}

	// Cache defaults
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}

	// NATS defaults
	if c.NATS.URL == "" {
		c.NATS.URL = DefaultNATSURL
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = DefaultSubjectPrefix
	}
}
