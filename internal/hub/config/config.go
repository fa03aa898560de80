// Package config loads the hub's runtime configuration from defaults,
// an optional YAML file, and TASKBRIDGE_-prefixed environment variables,
// in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the hub's runtime configuration.
type Config struct {
	Addr    string `koanf:"addr"`     // Listen address (e.g. ":8420")
	DataDir string `koanf:"data_dir"` // Data directory for the SQLite database

	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"` // Frequency of ping frames to workers
	HeartbeatTimeout  time.Duration `koanf:"heartbeat_timeout"`  // Deadline after which a worker is considered dead
	ReapInterval      time.Duration `koanf:"reap_interval"`      // Frequency of the dead-connection scan
	ApprovalTimeout   time.Duration `koanf:"approval_timeout"`   // Default timeout for approval gates
	ContextTimeout    time.Duration `koanf:"context_timeout"`    // Default timeout for context requests
	SubscriberBuffer  int           `koanf:"subscriber_buffer"`  // Frames buffered per subscriber before it is dropped

	MaxRuntimeMinutes int `koanf:"max_runtime_minutes"` // Default per-job runtime cap
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"addr":                ":8420",
		"data_dir":            defaultDataDir(),
		"heartbeat_interval":  "30s",
		"heartbeat_timeout":   "60s",
		"reap_interval":       "30s",
		"approval_timeout":    "300s",
		"context_timeout":     "600s",
		"subscriber_buffer":   16,
		"max_runtime_minutes": 30,
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty or the file does not exist), and environment variables
// (TASKBRIDGE_HEARTBEAT_TIMEOUT=90s etc.).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("TASKBRIDGE_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "TASKBRIDGE_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration values and ensures required directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout (%s) must exceed heartbeat_interval (%s)", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.SubscriberBuffer < 1 {
		return fmt.Errorf("subscriber_buffer must be at least 1")
	}

	// Ensure data dir exists.
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "taskbridge", "hub")
	}
	return filepath.Join(home, ".config", "taskbridge", "hub")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "hub.db")
}
