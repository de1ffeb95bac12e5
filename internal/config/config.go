package config

import "time"

// Config is the root configuration for a goldwatch instance.
type Config struct {
	Brokerage BrokerageConfig `yaml:"brokerage"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Freshness FreshnessConfig `yaml:"freshness"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Hub       HubConfig       `yaml:"hub"`
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	NATS      NATSConfig      `yaml:"nats"`
}

// BrokerageConfig holds MT5-style bridge gateway settings.
type BrokerageConfig struct {
	BridgeURL    string        `yaml:"bridge_url"` // REST bridge in front of the terminal
	Login        string        `yaml:"login"`
	Password     string        `yaml:"password"`
	Server       string        `yaml:"server"`
	Symbols      []string      `yaml:"symbols"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ExchangeConfig holds crypto futures exchange settings.
type ExchangeConfig struct {
	RestURL string `yaml:"rest_url"`
	WSURL   string `yaml:"ws_url"`
	Symbol  string `yaml:"symbol"`
}

// FreshnessConfig holds staleness monitor settings.
type FreshnessConfig struct {
	MaxDelay      time.Duration `yaml:"max_delay"`      // max age before a feed is stale
	CheckInterval time.Duration `yaml:"check_interval"` // periodic evaluation interval
}

// TimeoutsConfig bounds blocking operations.
type TimeoutsConfig struct {
	Connect time.Duration `yaml:"connect"` // venue handshake timeout
	Request time.Duration `yaml:"request"` // status/control operation timeout
}

// HubConfig holds fan-out settings.
type HubConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"` // per-subscriber event queue capacity
	SessionBuffer    int `yaml:"session_buffer"`    // per-session tick channel capacity
}

// ServerConfig holds the HTTP/WebSocket collaborator settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// CacheConfig holds the optional Redis latest-price cache.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// NATSConfig holds the optional NATS tick publisher.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}
