// Package config provides TOML configuration loading for the coordination
// core: registry tuning, coordinator retention, storage backend selection,
// and bus connectivity in one file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "10s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Backend and bus kinds.
const (
	KindMemory = "memory"
	KindFile   = "file"
	KindNATS   = "nats"
)

// Config is the full configuration file.
type Config struct {
	Logging     LoggingConfig     `toml:"logging"`
	Registry    RegistryConfig    `toml:"registry"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Storage     StorageConfig     `toml:"storage"`
	Bus         BusConfig         `toml:"bus"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
}

// RegistryConfig tunes the agent registry.
type RegistryConfig struct {
	CacheTTL        Duration `toml:"cache_ttl"`
	SweepInterval   Duration `toml:"sweep_interval"`
	CleanupInterval Duration `toml:"cleanup_interval"`
	MetricsInterval Duration `toml:"metrics_interval"`
	GraceMultiplier float64  `toml:"grace_multiplier"`
	MaxConcurrent   int64    `toml:"max_concurrent"`
}

// CoordinatorConfig tunes the workflow coordinator.
type CoordinatorConfig struct {
	ID              string   `toml:"id"`
	Retention       Duration `toml:"retention"`
	JanitorInterval Duration `toml:"janitor_interval"`
}

// StorageConfig selects and configures the registration storage backend.
type StorageConfig struct {
	// Kind is memory, file, or nats.
	Kind string `toml:"kind"`

	// Dir is the data directory for the file backend.
	Dir string `toml:"dir"`

	// Bucket and Replicas configure the NATS JetStream KV backend.
	Bucket   string `toml:"bucket"`
	Replicas int    `toml:"replicas"`
}

// BusConfig selects and configures the message bus.
type BusConfig struct {
	// Kind is memory or nats.
	Kind string `toml:"kind"`

	// URL, Name, and the reconnect knobs configure the NATS bus.
	URL            string   `toml:"url"`
	Name           string   `toml:"name"`
	ReconnectWait  Duration `toml:"reconnect_wait"`
	MaxReconnects  int      `toml:"max_reconnects"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

// Default returns the configuration used when no file is given: in-memory
// storage and bus, info logging, all tuning left to package defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Storage: StorageConfig{Kind: KindMemory},
		Bus:     BusConfig{Kind: KindMemory},
	}
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse parses configuration from TOML content and validates it.
func Parse(content string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(content, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}

	switch c.Storage.Kind {
	case "", KindMemory, KindNATS:
	case KindFile:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage kind %q requires dir", KindFile)
		}
	default:
		return fmt.Errorf("unknown storage kind %q", c.Storage.Kind)
	}

	switch c.Bus.Kind {
	case "", KindMemory:
	case KindNATS:
		if c.Bus.URL == "" {
			return fmt.Errorf("bus kind %q requires url", KindNATS)
		}
	default:
		return fmt.Errorf("unknown bus kind %q", c.Bus.Kind)
	}

	if c.Registry.GraceMultiplier < 0 {
		return fmt.Errorf("grace_multiplier must not be negative")
	}
	if c.Registry.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must not be negative")
	}
	return nil
}
