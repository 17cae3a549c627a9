// Copyright 2025 Relayforge
//
// Package config loads the event-graph core's YAML configuration, with
// ${VAR}/${VAR:-default} environment-variable substitution applied before
// parsing.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for an event-graph server process.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Signing  SigningConfig  `yaml:"signing"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig configures the PostgreSQL connection pool.
type DatabaseConfig struct {
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	MaxRetries      int      `yaml:"max_retries"`
	RetryDelay      Duration `yaml:"retry_delay"`
}

// CacheConfig configures the in-process LRU layer in front of the store.
type CacheConfig struct {
	EventCapacity     int `yaml:"event_capacity"`
	ExtremityCapacity int `yaml:"extremity_capacity"`
}

// SigningConfig configures the server's Ed25519 signing identity.
type SigningConfig struct {
	ServerName string `yaml:"server_name"`
	KeyPath    string `yaml:"key_path"`
	KeyID      string `yaml:"key_id"`
}

// LoggingConfig configures the ambient structured logging output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

// envVarPattern matches ${NAME} and ${NAME:-default} references.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnv substitutes ${VAR} and ${VAR:-default} references in raw against
// the process environment.
func expandEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := envVarPattern.FindSubmatch(match)
		name := string(groups[1])
		def := string(groups[3])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		return []byte(def)
	})
}

// Load reads and parses the YAML configuration file at path, expanding
// environment variable references before unmarshaling, and validates the
// result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := expandEnv(raw)

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.MaxRetries == 0 {
		c.Database.MaxRetries = 3
	}
	if c.Database.RetryDelay == 0 {
		c.Database.RetryDelay = Duration(50 * time.Millisecond)
	}
	if c.Cache.EventCapacity == 0 {
		c.Cache.EventCapacity = 10000
	}
	if c.Cache.ExtremityCapacity == 0 {
		c.Cache.ExtremityCapacity = 2000
	}
	if c.Signing.KeyID == "" {
		c.Signing.KeyID = "ed25519:1"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
}

// Validate checks that required fields are present and internally
// consistent.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Signing.ServerName == "" {
		return fmt.Errorf("signing.server_name is required")
	}
	if c.Database.MaxOpenConns < c.Database.MaxIdleConns {
		return fmt.Errorf("database.max_open_conns (%d) must be >= database.max_idle_conns (%d)",
			c.Database.MaxOpenConns, c.Database.MaxIdleConns)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

// Duration wraps time.Duration so it can be expressed in YAML as a Go
// duration string ("30s", "5m") rather than a raw nanosecond integer.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler, accepting either a duration
// string or a plain integer count of nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			if n, convErr := strconv.ParseInt(s, 10, 64); convErr == nil {
				*d = Duration(n)
				return nil
			}
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string or integer nanosecond count")
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler, emitting the Go duration string
// form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
