package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.planora/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Server         Server `toml:"server"`
	Sync           Sync   `toml:"sync"`
}

// Server holds the Planora endpoints.
type Server struct {
	WSURL  string `toml:"ws_url"`
	APIURL string `toml:"api_url"`
}

// Sync holds the tunables of the synchronization core. Durations are in
// milliseconds in the file.
type Sync struct {
	BackoffBaseMS     int64 `toml:"backoff_base_ms"`
	BackoffCapMS      int64 `toml:"backoff_cap_ms"`
	StabilityWindowMS int64 `toml:"stability_window_ms"`
	DebounceMS        int64 `toml:"debounce_ms"`
	DedupTTLMS        int64 `toml:"dedup_ttl_ms"`
	DedupMaxEntries   int   `toml:"dedup_max_entries"`
	ActionTimeoutMS   int64 `toml:"action_timeout_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Server: Server{
			WSURL:  "wss://realtime.planora.app/v1/push",
			APIURL: "https://api.planora.app",
		},
		Sync: Sync{
			BackoffBaseMS:     1000,
			BackoffCapMS:      30000,
			StabilityWindowMS: 30000,
			DebounceMS:        250,
			DedupTTLMS:        5 * 60 * 1000,
			DedupMaxEntries:   4096,
			ActionTimeoutMS:   10000,
		},
	}
}

// Load reads config from the given path, applying defaults for anything
// unset. A missing file returns the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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

// Duration helpers so callers get time.Duration values.

func (s Sync) BackoffBase() time.Duration     { return time.Duration(s.BackoffBaseMS) * time.Millisecond }
func (s Sync) BackoffCap() time.Duration      { return time.Duration(s.BackoffCapMS) * time.Millisecond }
func (s Sync) StabilityWindow() time.Duration { return time.Duration(s.StabilityWindowMS) * time.Millisecond }
func (s Sync) Debounce() time.Duration        { return time.Duration(s.DebounceMS) * time.Millisecond }
func (s Sync) DedupTTL() time.Duration        { return time.Duration(s.DedupTTLMS) * time.Millisecond }
func (s Sync) ActionTimeout() time.Duration   { return time.Duration(s.ActionTimeoutMS) * time.Millisecond }
