package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.ServerURL = "https://chat.example.com"
	cfg.UserID = 7
	cfg.Reconnect.MaxDelay = Duration{30 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.UserID != 7 || loaded.ServerURL != cfg.ServerURL {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Reconnect.MaxDelay.Duration != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", loaded.Reconnect.MaxDelay)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `server_url = "http://localhost:8000"
user_id = 3

[reconnect]
base_delay = "500ms"

[snapshot]
backend = "pebble"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Reconnect.BaseDelay.Duration != 500*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 500ms", cfg.Reconnect.BaseDelay)
	}
	if cfg.Reconnect.MaxDelay.Duration != 10*time.Second || cfg.Reconnect.MaxAttempts != 5 {
		t.Errorf("reconnect defaults lost: %+v", cfg.Reconnect)
	}
	if cfg.Snapshot.Backend != BackendPebble || cfg.History.Limit != 50 {
		t.Errorf("cfg = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[outbox]\nop_timeout = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for bad duration")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Reconnect.BaseDelay.Duration != time.Second {
		t.Errorf("LoadOrDefault() = %+v, want defaults", cfg)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.ServerURL = "https://chat.example.com"
		cfg.UserID = 1
		return cfg
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing server", func(c *Config) { c.ServerURL = "" }, true},
		{"bad scheme", func(c *Config) { c.ServerURL = "ftp://x" }, true},
		{"no user", func(c *Config) { c.UserID = 0 }, true},
		{"unknown backend", func(c *Config) { c.Snapshot.Backend = "redis" }, true},
		{"inverted delays", func(c *Config) { c.Reconnect.MaxDelay = Duration{time.Millisecond} }, true},
		{"negative attempts", func(c *Config) { c.Outbox.MaxAttempts = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
