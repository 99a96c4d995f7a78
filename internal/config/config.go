// SPDX-License-Identifier: MIT

// Package config loads and validates the claimgate service configuration
// from a TOML file with environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML decoding ("30s", "1.5m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the root service configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	WS       WSConfig       `toml:"ws"`
	Auth     AuthConfig     `toml:"auth"`
	Resource ResourceConfig `toml:"resource"`
	Storage  StorageConfig  `toml:"storage"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Host  string `toml:"host"`
	Port  int    `toml:"port"`
	Proxy bool   `toml:"proxy"` // trust X-Forwarded-For from a reverse proxy
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WSConfig bounds the per-connection protocol behaviour.
type WSConfig struct {
	Heartbeat       Duration `toml:"heartbeat"`        // ping interval
	MaxMessageSize  int64    `toml:"max_message_size"` // bytes, read limit
	MessageLimit    int      `toml:"message_limit"`    // frames per interval
	MessageInterval Duration `toml:"message_interval"` // ratelimit window
	AckTimeout      Duration `toml:"ack_timeout"`
}

// AuthConfig bounds token issuance.
type AuthConfig struct {
	AccessTTL        Duration `toml:"access_ttl"`
	RefreshTTL       Duration `toml:"refresh_ttl"`
	MaxTokensPerUser int      `toml:"max_tokens_per_user"`
}

// ResourceConfig tunes ownership arbitration.
type ResourceConfig struct {
	// Grace is how long a disconnected session keeps its claim before
	// the resource is force-released.
	Grace Duration `toml:"grace"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the baseline configuration before file and environment
// merging.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8880},
		WS: WSConfig{
			Heartbeat:       Duration{30 * time.Second},
			MaxMessageSize:  1 << 16,
			MessageLimit:    60,
			MessageInterval: Duration{10 * time.Second},
			AckTimeout:      Duration{15 * time.Second},
		},
		Auth: AuthConfig{
			AccessTTL:        Duration{15 * time.Minute},
			RefreshTTL:       Duration{24 * time.Hour},
			MaxTokensPerUser: 5,
		},
		Resource: ResourceConfig{Grace: Duration{30 * time.Second}},
		Storage:  StorageConfig{DBPath: "claimgate.db"},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads the TOML file at path (if non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = ParseString("CLAIMGATE_HOST", c.Server.Host)
	c.Server.Port = ParseInt("CLAIMGATE_PORT", c.Server.Port)
	c.Storage.DBPath = ParseString("CLAIMGATE_DB_PATH", c.Storage.DBPath)
	c.Log.Level = ParseString("CLAIMGATE_LOG_LEVEL", c.Log.Level)
	c.WS.MessageLimit = ParseInt("CLAIMGATE_WS_MESSAGE_LIMIT", c.WS.MessageLimit)
	c.WS.MessageInterval = Duration{ParseDuration("CLAIMGATE_WS_MESSAGE_INTERVAL", c.WS.MessageInterval.Duration)}
	c.WS.AckTimeout = Duration{ParseDuration("CLAIMGATE_WS_ACK_TIMEOUT", c.WS.AckTimeout.Duration)}
}

// Validate rejects configurations that cannot serve the protocol.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.WS.MessageLimit <= 0 {
		return fmt.Errorf("config: ws.message_limit must be positive")
	}
	if c.WS.MessageInterval.Duration <= 0 {
		return fmt.Errorf("config: ws.message_interval must be positive")
	}
	if c.WS.AckTimeout.Duration <= 0 {
		return fmt.Errorf("config: ws.ack_timeout must be positive")
	}
	if c.WS.MaxMessageSize <= 0 {
		return fmt.Errorf("config: ws.max_message_size must be positive")
	}
	if c.Auth.AccessTTL.Duration <= 0 || c.Auth.RefreshTTL.Duration <= 0 {
		return fmt.Errorf("config: auth TTLs must be positive")
	}
	if c.Auth.MaxTokensPerUser <= 0 {
		return fmt.Errorf("config: auth.max_tokens_per_user must be positive")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("config: storage.db_path must be set")
	}
	return nil
}

// ParseString reads a string from an environment variable or returns the
// default value.
func ParseString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// ParseInt reads an integer from an environment variable or returns the
// default value on absence or parse failure.
func ParseInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		var parsed int
		if _, err := fmt.Sscanf(value, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ParseDuration reads a duration from an environment variable or returns
// the default value on absence or parse failure.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
