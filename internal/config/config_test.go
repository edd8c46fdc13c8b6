package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Queue.Capacity = 3
	cfg.Queue.OverflowPolicy = OverflowDropOldest
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
	if loaded.Queue.Capacity != 3 {
		t.Errorf("Queue.Capacity = %d, want 3", loaded.Queue.Capacity)
	}
	if loaded.Queue.OverflowPolicy != OverflowDropOldest {
		t.Errorf("Queue.OverflowPolicy = %q, want drop_oldest", loaded.Queue.OverflowPolicy)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg := LoadOrDefault("/nonexistent/config.toml")
	if cfg.Queue.Capacity != Default().Queue.Capacity {
		t.Errorf("Queue.Capacity = %d, want default %d", cfg.Queue.Capacity, Default().Queue.Capacity)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	// A partial file should keep defaults for everything it does not set.
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte("[queue]\ncapacity = 7\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.Capacity != 7 {
		t.Errorf("Queue.Capacity = %d, want 7", cfg.Queue.Capacity)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("Queue.MaxAttempts = %d, want default 5", cfg.Queue.MaxAttempts)
	}
	if cfg.Notify.WindowMS != 30000 {
		t.Errorf("Notify.WindowMS = %d, want default 30000", cfg.Notify.WindowMS)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default ok", func(c *Config) {}, false},
		{"zero capacity", func(c *Config) { c.Queue.Capacity = 0 }, true},
		{"bad policy", func(c *Config) { c.Queue.OverflowPolicy = "panic" }, true},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, true},
		{"factor below one", func(c *Config) { c.Queue.RetryFactor = 0.5 }, true},
		{"zero window", func(c *Config) { c.Notify.WindowMS = 0 }, true},
		{"zero lease", func(c *Config) { c.Presence.LeaseTTLMS = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
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
