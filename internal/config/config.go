package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Overflow policies for the send queue. The policy decides what happens when
// a conversation's queue is at capacity: reject the new send, or evict the
// oldest queued entry. Both are observable to the caller.
const (
	OverflowReject     = "reject"
	OverflowDropOldest = "drop_oldest"
)

// Config represents the per-profile config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Queue        QueueConfig        `toml:"queue"`
	Presence     PresenceConfig     `toml:"presence"`
	Notify       NotifyConfig       `toml:"notify"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
}

// QueueConfig bounds the offline send queue and shapes its retry schedule.
type QueueConfig struct {
	Capacity       int     `toml:"capacity"`        // per-conversation entry limit
	OverflowPolicy string  `toml:"overflow_policy"` // reject | drop_oldest
	RetryBaseMS    int     `toml:"retry_base_ms"`
	RetryFactor    float64 `toml:"retry_factor"`
	RetryCapMS     int     `toml:"retry_cap_ms"`
	MaxAttempts    int     `toml:"max_attempts"`
}

// PresenceConfig controls lease expiry and change debouncing.
type PresenceConfig struct {
	LeaseTTLMS  int `toml:"lease_ttl_ms"`
	GraceMS     int `toml:"grace_ms"` // a change must hold this long before propagating
	HeartbeatMS int `toml:"heartbeat_ms"`
}

// NotifyConfig controls notification bundling.
type NotifyConfig struct {
	WindowMS int `toml:"window_ms"` // fixed coalescing window per conversation
}

// ConnectivityConfig controls how long an interruption may last before the
// monitor confirms offline.
type ConnectivityConfig struct {
	OfflineGraceMS int `toml:"offline_grace_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			Capacity:       50,
			OverflowPolicy: OverflowReject,
			RetryBaseMS:    1000,
			RetryFactor:    2,
			RetryCapMS:     30000,
			MaxAttempts:    5,
		},
		Presence: PresenceConfig{
			LeaseTTLMS:  30000,
			GraceMS:     300,
			HeartbeatMS: 10000,
		},
		Notify: NotifyConfig{
			WindowMS: 30000,
		},
		Connectivity: ConnectivityConfig{
			OfflineGraceMS: 5000,
		},
	}
}

// Validate checks values the components cannot work without.
func (c *Config) Validate() error {
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Queue.OverflowPolicy != OverflowReject && c.Queue.OverflowPolicy != OverflowDropOldest {
		return fmt.Errorf("queue.overflow_policy must be %q or %q, got %q",
			OverflowReject, OverflowDropOldest, c.Queue.OverflowPolicy)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.RetryFactor < 1 {
		return fmt.Errorf("queue.retry_factor must be >= 1, got %v", c.Queue.RetryFactor)
	}
	if c.Notify.WindowMS <= 0 {
		return fmt.Errorf("notify.window_ms must be positive, got %d", c.Notify.WindowMS)
	}
	if c.Presence.LeaseTTLMS <= 0 {
		return fmt.Errorf("presence.lease_ttl_ms must be positive, got %d", c.Presence.LeaseTTLMS)
	}
	return nil
}

func (q QueueConfig) RetryBase() time.Duration { return time.Duration(q.RetryBaseMS) * time.Millisecond }
func (q QueueConfig) RetryCap() time.Duration  { return time.Duration(q.RetryCapMS) * time.Millisecond }

func (p PresenceConfig) LeaseTTL() time.Duration {
	return time.Duration(p.LeaseTTLMS) * time.Millisecond
}

func (p PresenceConfig) Grace() time.Duration {
	return time.Duration(p.GraceMS) * time.Millisecond
}

func (p PresenceConfig) Heartbeat() time.Duration {
	return time.Duration(p.HeartbeatMS) * time.Millisecond
}

func (n NotifyConfig) Window() time.Duration { return time.Duration(n.WindowMS) * time.Millisecond }

func (c ConnectivityConfig) OfflineGrace() time.Duration {
	return time.Duration(c.OfflineGraceMS) * time.Millisecond
}

// Load reads config from the given path. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults when the
// file does not exist yet.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
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
