package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the parkwatch server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains network level settings for the WebSocket listener.
type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WebSocketConfig controls per-connection write and rate limits.
type WebSocketConfig struct {
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ErrorThreshold  int           `mapstructure:"error_threshold"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	MaxFrameBytes   int64         `mapstructure:"max_frame_bytes"`
	WelcomeMessage  string        `mapstructure:"welcome_message"`
}

// HeartbeatConfig controls the liveness probe cadence.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LedgerConfig locates the SQLite ticket ledger.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig controls the optional upstream event bridge. An empty URL
// disables the bridge.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// MetricsConfig controls the diagnostics HTTP listener.
type MetricsConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	ProcessInterval time.Duration `mapstructure:"process_interval"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from environment variables and an optional config
// file.
func Load() (Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8181)
	v.SetDefault("server.handshake_timeout", 10*time.Second)
	v.SetDefault("server.drain_timeout", 10*time.Second)

	v.SetDefault("websocket.write_timeout", 5*time.Second)
	v.SetDefault("websocket.error_threshold", 3)
	v.SetDefault("websocket.rate_limit_per_sec", 10.0)
	v.SetDefault("websocket.rate_limit_burst", 100)
	v.SetDefault("websocket.max_frame_bytes", 64<<10)
	v.SetDefault("websocket.welcome_message", "connected to parkwatch")

	v.SetDefault("heartbeat.interval", 30*time.Second)

	v.SetDefault("ledger.path", "parkwatch.db")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "parkwatch.events.>")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9181")
	v.SetDefault("metrics.process_interval", 15*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("parkwatch")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("PARKWATCH")
	v.AutomaticEnv()

	// Attempt to read config file (optional)
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.WebSocket.ErrorThreshold <= 0 {
		cfg.WebSocket.ErrorThreshold = 3
	}
	if cfg.Heartbeat.Interval <= 0 {
		cfg.Heartbeat.Interval = 30 * time.Second
	}
	if cfg.WebSocket.MaxFrameBytes <= 0 {
		cfg.WebSocket.MaxFrameBytes = 64 << 10
	}

	return cfg, nil
}
