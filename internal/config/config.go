package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	ServerURL      string `toml:"server_url"`
	UserID         int64  `toml:"user_id"`
	Token          string `toml:"token,omitempty"`
	TokenEnv       string `toml:"token_env,omitempty"`
	LogLevel       string `toml:"log_level"`
	// Tombstone replaces the quoted text of replies to a deleted message.
	Tombstone string `toml:"tombstone,omitempty"`

	Reconnect Reconnect `toml:"reconnect"`
	Outbox    Outbox    `toml:"outbox"`
	Snapshot  Snapshot  `toml:"snapshot"`
	History   History   `toml:"history"`
	Metrics   Metrics   `toml:"metrics"`
}

type Reconnect struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
	Heartbeat   Duration `toml:"heartbeat"`
}

type Outbox struct {
	OpTimeout   Duration `toml:"op_timeout"`
	MaxAttempts int      `toml:"max_attempts"`
}

type Snapshot struct {
	// Backend is "sqlite" or "pebble".
	Backend string `toml:"backend"`
}

type History struct {
	Limit int `toml:"limit"`
}

type Metrics struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `toml:"listen,omitempty"`
}

// Snapshot backends.
const (
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

// Duration is a time.Duration written as a string such as "1s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Reconnect: Reconnect{
			BaseDelay:   Duration{time.Second},
			MaxDelay:    Duration{10 * time.Second},
			MaxAttempts: 5,
			Heartbeat:   Duration{30 * time.Second},
		},
		Outbox: Outbox{
			OpTimeout:   Duration{15 * time.Second},
			MaxAttempts: 5,
		},
		Snapshot: Snapshot{Backend: BackendSQLite},
		History:  History{Limit: 50},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks the settings a chat session cannot run without.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("server_url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("server_url: unsupported scheme %q", u.Scheme)
	}
	if c.UserID <= 0 {
		return errors.New("user_id must be positive")
	}
	switch c.Snapshot.Backend {
	case BackendSQLite, BackendPebble:
	default:
		return fmt.Errorf("snapshot.backend: unknown backend %q", c.Snapshot.Backend)
	}
	if c.Reconnect.BaseDelay.Duration <= 0 || c.Reconnect.MaxDelay.Duration < c.Reconnect.BaseDelay.Duration {
		return errors.New("reconnect: need 0 < base_delay <= max_delay")
	}
	if c.Reconnect.MaxAttempts < 0 || c.Outbox.MaxAttempts < 0 {
		return errors.New("max_attempts must not be negative")
	}
	return nil
}
