package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultSession != "main" {
		t.Errorf("default_session = %q, want main", cfg.DefaultSession)
	}
	if cfg.Sync.BackoffBase() != time.Second {
		t.Errorf("backoff base = %v, want 1s", cfg.Sync.BackoffBase())
	}
	if cfg.Sync.DedupMaxEntries != 4096 {
		t.Errorf("dedup max = %d, want 4096", cfg.Sync.DedupMaxEntries)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Server.WSURL = "wss://example.test/push"
	cfg.Sync.DebounceMS = 100

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("default_session = %q, want work", loaded.DefaultSession)
	}
	if loaded.Server.WSURL != "wss://example.test/push" {
		t.Errorf("ws_url = %q", loaded.Server.WSURL)
	}
	if loaded.Sync.Debounce() != 100*time.Millisecond {
		t.Errorf("debounce = %v, want 100ms", loaded.Sync.Debounce())
	}
}
