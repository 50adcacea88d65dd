// Package config handles configuration management with validation
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	System        SystemConfig         `yaml:"system"`
	Venue         VenueConfig          `yaml:"venue"`
	Engine        EngineConfig         `yaml:"engine"`
	Timing        TimingConfig         `yaml:"timing"`
	History       HistoryConfig        `yaml:"history"`
	Telemetry     TelemetryConfig      `yaml:"telemetry"`
	Relay         RelayConfig          `yaml:"relay"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// EndpointConfig is one venue's stream and REST base
type EndpointConfig struct {
	WSURL   string `yaml:"ws_url"`
	RESTURL string `yaml:"rest_url"`
}

// VenueConfig describes the primary/fallback venue pair and the failover policy
type VenueConfig struct {
	Mode                   string         `yaml:"mode"` // primary | fallback
	Primary                EndpointConfig `yaml:"primary"`
	Fallback               EndpointConfig `yaml:"fallback"`
	FailoverStatusCodes    []int          `yaml:"failover_status_codes"`
	RequestTimeoutSeconds  int            `yaml:"request_timeout_seconds"`
	RequestsPerSecond      float64        `yaml:"requests_per_second"`
	ExchangeInfoTTLSeconds int            `yaml:"exchange_info_ttl_seconds"`
}

// EngineConfig contains the stream engine's timing and buffer settings
type EngineConfig struct {
	TickIntervalMs         int `yaml:"tick_interval_ms"`
	ReconnectDelaySeconds  int `yaml:"reconnect_delay_seconds"`
	ListenerDrainSeconds   int `yaml:"listener_drain_seconds"`
	DispatcherDrainSeconds int `yaml:"dispatcher_drain_seconds"`
	StopTimeoutSeconds     int `yaml:"stop_timeout_seconds"`
	InboundBuffer          int `yaml:"inbound_buffer"`
}

// TimingConfig contains websocket timing settings
type TimingConfig struct {
	WebsocketHandshakeTimeout int `yaml:"websocket_handshake_timeout"`
	WebsocketPongWait         int `yaml:"websocket_pong_wait"`
}

// HistoryConfig contains the monthly archive fetcher settings
type HistoryConfig struct {
	DataDir     string `yaml:"data_dir"`
	PrimaryURL  string `yaml:"primary_url"`
	FallbackURL string `yaml:"fallback_url"`
	Workers     int    `yaml:"workers"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	EnableTraces  bool `yaml:"enable_traces"`
	// TraceSampleRatio keeps this fraction of root spans; 0 keeps all
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// RelayConfig contains the downstream websocket relay settings
type RelayConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
	RateLimit      float64  `yaml:"rate_limit"`
	RateBurst      int      `yaml:"rate_burst"`
	// Topics lists the topic keys relayed downstream; empty relays every configured subscription
	Topics []string `yaml:"topics"`
}

// SubscriptionConfig is one topic subscription started at boot
type SubscriptionConfig struct {
	Symbol   string `yaml:"symbol"`
	Currency string `yaml:"currency"`
	Event    string `yaml:"event"`
	Tracker  string `yaml:"tracker"` // print | price
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// Unset fields keep the values from DefaultConfig.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	for _, check := range []func() error{
		c.validateSystemConfig,
		c.validateVenueConfig,
		c.validateEngineConfig,
		c.validateHistoryConfig,
		c.validateRelayConfig,
		c.validateTelemetryConfig,
		c.validateSubscriptions,
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if f := strings.ToLower(c.System.LogFormat); f != "" && f != "console" && f != "json" {
		return ValidationError{Field: "system.log_format", Value: c.System.LogFormat, Message: "must be console or json"}
	}
	return nil
}

func (c *Config) validateVenueConfig() error {
	if c.Venue.Mode != "primary" && c.Venue.Mode != "fallback" {
		return ValidationError{Field: "venue.mode", Value: c.Venue.Mode, Message: "must be one of: primary, fallback"}
	}

	endpoints := map[string]EndpointConfig{"primary": c.Venue.Primary, "fallback": c.Venue.Fallback}
	for name, ep := range endpoints {
		if err := validateURL(ep.WSURL, "ws", "wss"); err != nil {
			return ValidationError{Field: fmt.Sprintf("venue.%s.ws_url", name), Value: ep.WSURL, Message: err.Error()}
		}
		if err := validateURL(ep.RESTURL, "http", "https"); err != nil {
			return ValidationError{Field: fmt.Sprintf("venue.%s.rest_url", name), Value: ep.RESTURL, Message: err.Error()}
		}
	}

	for _, code := range c.Venue.FailoverStatusCodes {
		if code < 400 || code > 599 {
			return ValidationError{Field: "venue.failover_status_codes", Value: code, Message: "must be an HTTP error status (400-599)"}
		}
	}

	if c.Venue.RequestTimeoutSeconds <= 0 {
		return ValidationError{Field: "venue.request_timeout_seconds", Value: c.Venue.RequestTimeoutSeconds, Message: "must be positive"}
	}
	if c.Venue.RequestsPerSecond <= 0 {
		return ValidationError{Field: "venue.requests_per_second", Value: c.Venue.RequestsPerSecond, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateEngineConfig() error {
	e := c.Engine
	if e.TickIntervalMs < 1 || e.TickIntervalMs > 60000 {
		return ValidationError{Field: "engine.tick_interval_ms", Value: e.TickIntervalMs, Message: "must be between 1 and 60000"}
	}
	if e.ReconnectDelaySeconds < 1 || e.ReconnectDelaySeconds > 300 {
		return ValidationError{Field: "engine.reconnect_delay_seconds", Value: e.ReconnectDelaySeconds, Message: "must be between 1 and 300"}
	}
	if e.ListenerDrainSeconds < 1 {
		return ValidationError{Field: "engine.listener_drain_seconds", Value: e.ListenerDrainSeconds, Message: "must be positive"}
	}
	if e.DispatcherDrainSeconds < 1 {
		return ValidationError{Field: "engine.dispatcher_drain_seconds", Value: e.DispatcherDrainSeconds, Message: "must be positive"}
	}
	if e.StopTimeoutSeconds < 1 {
		return ValidationError{Field: "engine.stop_timeout_seconds", Value: e.StopTimeoutSeconds, Message: "must be positive"}
	}
	if e.InboundBuffer < 1 {
		return ValidationError{Field: "engine.inbound_buffer", Value: e.InboundBuffer, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateHistoryConfig() error {
	if c.History.DataDir == "" {
		return ValidationError{Field: "history.data_dir", Message: "data directory is required"}
	}
	if err := validateURL(c.History.PrimaryURL, "http", "https"); err != nil {
		return ValidationError{Field: "history.primary_url", Value: c.History.PrimaryURL, Message: err.Error()}
	}
	if c.History.FallbackURL != "" {
		if err := validateURL(c.History.FallbackURL, "http", "https"); err != nil {
			return ValidationError{Field: "history.fallback_url", Value: c.History.FallbackURL, Message: err.Error()}
		}
	}
	return nil
}

func (c *Config) validateRelayConfig() error {
	if !c.Relay.Enabled {
		return nil
	}
	if c.Relay.Addr == "" {
		return ValidationError{Field: "relay.addr", Message: "listen address is required when relay is enabled"}
	}
	if len(c.Relay.AllowedOrigins) == 0 {
		return ValidationError{Field: "relay.allowed_origins", Message: "at least one origin is required when relay is enabled"}
	}
	return nil
}

func (c *Config) validateTelemetryConfig() error {
	if r := c.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		return ValidationError{Field: "telemetry.trace_sample_ratio", Value: fmt.Sprint(r), Message: "must be within [0, 1]"}
	}
	return nil
}

func (c *Config) validateSubscriptions() error {
	validTrackers := []string{"print", "price"}
	for i, sub := range c.Subscriptions {
		if strings.TrimSpace(sub.Symbol) == "" {
			return ValidationError{Field: fmt.Sprintf("subscriptions[%d].symbol", i), Message: "symbol is required"}
		}
		if sub.Tracker != "" && !contains(validTrackers, sub.Tracker) {
			return ValidationError{
				Field:   fmt.Sprintf("subscriptions[%d].tracker", i),
				Value:   sub.Tracker,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validTrackers, ", ")),
			}
		}
	}
	return nil
}

// TickInterval returns the reconciliation tick
func (e EngineConfig) TickInterval() time.Duration {
	return time.Duration(e.TickIntervalMs) * time.Millisecond
}

// ReconnectDelay returns the listener backoff
func (e EngineConfig) ReconnectDelay() time.Duration {
	return time.Duration(e.ReconnectDelaySeconds) * time.Second
}

// ListenerDrain returns the bounded wait for stopped listeners
func (e EngineConfig) ListenerDrain() time.Duration {
	return time.Duration(e.ListenerDrainSeconds) * time.Second
}

// DispatcherDrain returns the bounded wait for the dispatcher on shutdown
func (e EngineConfig) DispatcherDrain() time.Duration {
	return time.Duration(e.DispatcherDrainSeconds) * time.Second
}

// StopTimeout returns the grace period for Engine.Stop
func (e EngineConfig) StopTimeout() time.Duration {
	return time.Duration(e.StopTimeoutSeconds) * time.Second
}

// RequestTimeout returns the REST request timeout
func (v VenueConfig) RequestTimeout() time.Duration {
	return time.Duration(v.RequestTimeoutSeconds) * time.Second
}

// ExchangeInfoTTL returns how long a fetched symbol set is reused
func (v VenueConfig) ExchangeInfoTTL() time.Duration {
	return time.Duration(v.ExchangeInfoTTLSeconds) * time.Second
}

// String returns a YAML dump of the configuration
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if !contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme must be one of: %s", strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Venue: VenueConfig{
			Mode: "primary",
			Primary: EndpointConfig{
				WSURL:   "wss://stream.binance.us:9443/ws",
				RESTURL: "https://api.binance.us",
			},
			Fallback: EndpointConfig{
				WSURL:   "wss://stream.binance.com:9443/ws",
				RESTURL: "https://api.binance.com",
			},
			FailoverStatusCodes:    []int{451},
			RequestTimeoutSeconds:  10,
			RequestsPerSecond:      5,
			ExchangeInfoTTLSeconds: 300,
		},
		Engine: EngineConfig{
			TickIntervalMs:         100,
			ReconnectDelaySeconds:  5,
			ListenerDrainSeconds:   20,
			DispatcherDrainSeconds: 30,
			StopTimeoutSeconds:     20,
			InboundBuffer:          1024,
		},
		Timing: TimingConfig{
			WebsocketHandshakeTimeout: 10,
			WebsocketPongWait:         300,
		},
		History: HistoryConfig{
			DataDir:     "Data",
			PrimaryURL:  "https://data.binance.vision/data/spot/monthly/klines",
			FallbackURL: "https://data.binance.us/public_data/spot/monthly/klines",
			Workers:     4,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Relay: RelayConfig{
			Addr:           ":8081",
			AllowedOrigins: []string{"*"},
			MaxConnections: 1000,
			RateLimit:      10,
			RateBurst:      20,
		},
	}
}
