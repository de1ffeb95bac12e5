package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Brokerage.BridgeURL, "http://") && !strings.HasPrefix(c.Brokerage.BridgeURL, "https://") {
		return fmt.Errorf("brokerage.bridge_url must be an http(s) URL, got %q", c.Brokerage.BridgeURL)
	}
	if c.Brokerage.PollInterval <= 0 {
		return errors.New("brokerage.poll_interval must be > 0")
	}

	if !strings.HasPrefix(c.Exchange.WSURL, "ws://") && !strings.HasPrefix(c.Exchange.WSURL, "wss://") {
		return fmt.Errorf("exchange.ws_url must be a ws(s) URL, got %q", c.Exchange.WSURL)
	}
	if c.Exchange.Symbol == "" {
		return errors.New("exchange.symbol is required")
	}

	if c.Freshness.MaxDelay <= 0 {
		return errors.New("freshness.max_delay must be > 0")
	}
	if c.Freshness.CheckInterval <= 0 {
		return errors.New("freshness.check_interval must be > 0")
	}
	if c.Freshness.CheckInterval > c.Freshness.MaxDelay {
		return fmt.Errorf("freshness.check_interval (%v) cannot exceed max_delay (%v)",
			c.Freshness.CheckInterval, c.Freshness.MaxDelay)
	}

	if c.Timeouts.Connect <= 0 {
		return errors.New("timeouts.connect must be > 0")
	}
	if c.Timeouts.Request <= 0 {
		return errors.New("timeouts.request must be > 0")
	}

	if c.Hub.SubscriberBuffer < 1 {
		return errors.New("hub.subscriber_buffer must be >= 1")
	}
	if c.Hub.SessionBuffer < 1 {
		return errors.New("hub.session_buffer must be >= 1")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		return errors.New("cache.addr is required when cache.enabled is true")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats.enabled is true")
	}

	return nil
}
