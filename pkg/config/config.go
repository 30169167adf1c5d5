package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Server defaults
const (
	DefaultAddr        = ":8000"
	DefaultDataDir     = "./data/biscuit"
	DefaultMaxMemoryMB = 48
	DefaultStep        = 1
	DefaultSlots       = 3600
)

// Query limits and defaults
const (
	// SelectorMatchLimit caps how many metrics one selector may resolve to
	// before the request is refused as ambiguous.
	SelectorMatchLimit = 500

	LookupDefaultLimit = 200
	LookupMaxLimit     = 2000
	NamesLimit         = 1000
	TagCatalogLimit    = 1000
)

// Background maintenance
const (
	BadgerGCInterval     = 10 * time.Minute
	BadgerGCDiscardRatio = 0.5
)

// HTTP server timeouts
const (
	ReadTimeout     = 10 * time.Second
	WriteTimeout    = 30 * time.Second
	ShutdownTimeout = 30 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
)

// Config holds the service configuration, loaded from an optional YAML file
// with environment overrides on top.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`

	// DataDir holds the KV store files.
	DataDir string `yaml:"data_dir"`

	// InMemory runs the store without files (testing).
	InMemory bool `yaml:"in_memory"`

	// MaxMemoryMB bounds KV store memory usage.
	MaxMemoryMB int64 `yaml:"max_memory_mb"`

	// DefaultStep/DefaultSlots apply to metrics registered without explicit
	// retention.
	DefaultStep  int32 `yaml:"default_step"`
	DefaultSlots int32 `yaml:"default_slots"`

	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:         DefaultAddr,
		DataDir:      DefaultDataDir,
		MaxMemoryMB:  DefaultMaxMemoryMB,
		DefaultStep:  DefaultStep,
		DefaultSlots: DefaultSlots,
		LogLevel:     "info",
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides: BISCUIT_ADDR, BISCUIT_DATA_DIR, BISCUIT_IN_MEMORY,
// BISCUIT_MAX_MEMORY_MB, BISCUIT_DEFAULT_STEP, BISCUIT_DEFAULT_SLOTS,
// BISCUIT_LOG_LEVEL.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("BISCUIT_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("BISCUIT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("BISCUIT_IN_MEMORY"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.InMemory = parsed
		}
	}
	if v := os.Getenv("BISCUIT_MAX_MEMORY_MB"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxMemoryMB = parsed
		}
	}
	if v := os.Getenv("BISCUIT_DEFAULT_STEP"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.DefaultStep = int32(parsed)
		}
	}
	if v := os.Getenv("BISCUIT_DEFAULT_SLOTS"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.DefaultSlots = int32(parsed)
		}
	}
	if v := os.Getenv("BISCUIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if cfg.DefaultStep <= 0 || cfg.DefaultSlots <= 0 {
		return cfg, fmt.Errorf("default_step and default_slots must be positive")
	}
	return cfg, nil
}
