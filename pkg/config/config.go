// Package config loads and validates the settings a host process needs
// at startup: where it stores data, where it listens, and the defaults
// that govern its transactional store, transport, and subscription
// fan-out. The on-disk shape and load/save/validate pattern follow the
// teacher's own pkg/config, adapted from a tsnet client's settings to a
// database host's.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spacetimedb/hostd/internal/broadcast"
	"github.com/spacetimedb/hostd/internal/logging"
)

// Config is a host process's full set of startup settings.
type Config struct {
	// DataDir holds one subdirectory per database, named after its
	// normalized database name.
	DataDir string `json:"data_dir"`

	// ListenAddr is the address the HTTP/WebSocket server binds to.
	ListenAddr string `json:"listen_addr"`

	// LogLevel and LogJSON configure the base logger.
	LogLevel logging.Level `json:"log_level"`
	LogJSON  bool          `json:"log_json"`

	// CommitBatch is the number of committed transactions a store's
	// transaction log accumulates before forcing a durable flush.
	CommitBatch int `json:"commit_batch"`

	// SchedulerPollMS is how often each database's scheduler checks for
	// due scheduled-reducer rows, in milliseconds.
	SchedulerPollMS int `json:"scheduler_poll_ms"`

	// BroadcastByteBudget bounds how many queued-but-unread bytes a
	// single subscriber may accumulate before it is evicted as a slow
	// consumer.
	BroadcastByteBudget int64 `json:"broadcast_byte_budget"`

	// DefaultCompression names a compression (none, brotli or gzip) and
	// is checked by Validate. Nothing else reads it: a subscribe request
	// that names no compression is rejected by ws.ParseOptions rather than
	// falling back to this value.
	DefaultCompression string `json:"default_compression"`

	// IdleTimeoutMS is how long a WebSocket connection may go without
	// traffic before the host pings it, in milliseconds.
	IdleTimeoutMS int `json:"idle_timeout_ms"`

	// BearerToken, if set, is the single shared token RequireBearer
	// checks incoming requests against. Empty disables authentication,
	// for local development only.
	BearerToken string `json:"bearer_token,omitempty"`
}

// Default returns the settings a freshly initialized host uses.
func Default() *Config {
	return &Config{
		DataDir:             filepath.Join(baseDir(), "data"),
		ListenAddr:          "127.0.0.1:3000",
		LogLevel:            logging.InfoLevel,
		LogJSON:             false,
		CommitBatch:         64,
		SchedulerPollMS:     1000,
		BroadcastByteBudget: broadcast.DefaultByteBudget,
		DefaultCompression:  "none",
		IdleTimeoutMS:       30000,
	}
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}

func baseDir() string { return filepath.Join(homeDir(), ".spacetimedb-hostd") }

// ConfigPath is where Load and Save read and write the config file.
func ConfigPath() string { return filepath.Join(baseDir(), "config.json") }

// Load reads the config file at ConfigPath, filling any field it omits
// with Default's value.
func Load() (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(ConfigPath())
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes c to ConfigPath, creating its parent directory if needed.
func Save(c *Config) error {
	if err := os.MkdirAll(baseDir(), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ConfigPath(), b, 0o600)
}

// Validate rejects settings that would make a host unable to start or
// that would violate an invariant another package assumes holds (a
// positive commit batch, a nameable compression default).
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen_addr required")
	}
	if c.CommitBatch <= 0 {
		return fmt.Errorf("commit_batch must be positive, got %d", c.CommitBatch)
	}
	if c.SchedulerPollMS <= 0 {
		return fmt.Errorf("scheduler_poll_ms must be positive, got %d", c.SchedulerPollMS)
	}
	if c.BroadcastByteBudget <= 0 {
		return fmt.Errorf("broadcast_byte_budget must be positive, got %d", c.BroadcastByteBudget)
	}
	if c.IdleTimeoutMS <= 0 {
		return fmt.Errorf("idle_timeout_ms must be positive, got %d", c.IdleTimeoutMS)
	}
	switch c.DefaultCompression {
	case "none", "brotli", "gzip":
	default:
		return fmt.Errorf("default_compression must be one of none, brotli, gzip, got %q", c.DefaultCompression)
	}
	switch c.LogLevel {
	case logging.DebugLevel, logging.InfoLevel, logging.WarnLevel, logging.ErrorLevel:
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	return nil
}

// SchedulerPoll returns SchedulerPollMS as a time.Duration.
func (c *Config) SchedulerPoll() time.Duration {
	return time.Duration(c.SchedulerPollMS) * time.Millisecond
}

// IdleTimeout returns IdleTimeoutMS as a time.Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}
