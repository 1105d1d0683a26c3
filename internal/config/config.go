// Package config holds the tunable knobs for the spacekeeper daemon and
// loads them from a YAML file on disk.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors every configuration option named in the specification.
// All duration fields are expressed in the file as milliseconds, matching
// the *_ms naming used throughout the design.
type Config struct {
	// StorageDir is where the durable buntdb file and the legacy layout
	// (if any) are expected to live.
	StorageDir string `yaml:"storage_dir"`

	LockTimeoutMs              int `yaml:"lock_timeout_ms"`
	CacheTTLMs                 int `yaml:"cache_ttl_ms"`
	IncrementalUpdateThreshold int `yaml:"incremental_update_threshold"`
	BroadcastDebounceMs        int `yaml:"broadcast_debounce_ms"`
	StorageDebounceMs          int `yaml:"storage_debounce_ms"`
	BatchWindowMs              int `yaml:"batch_window_ms"`
	MaxQueueSize               int `yaml:"max_queue_size"`
	RestoreGateMs              int `yaml:"restore_gate_ms"`

	URLMatchThresholdNamed   float64 `yaml:"url_match_threshold_named"`
	URLMatchThresholdUnnamed float64 `yaml:"url_match_threshold_unnamed"`

	SpaceNameMaxLength int `yaml:"space_name_max_length"`

	StartupDelayMs       int `yaml:"startup_delay_ms"`
	RecoveryCheckDelayMs int `yaml:"recovery_check_delay_ms"`

	// WSBindAddr is where the BroadcastFabric and MessageRouter listen.
	WSBindAddr string `yaml:"ws_bind_addr"`

	// RequestsPerSecond / BurstSize bound the MessageRouter's rate limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`

	// Headless controls the reference chromedp browser adapter.
	Headless bool `yaml:"headless"`

	Log LogConfig `yaml:"log"`
}

// LogConfig mirrors pkg/logger.Config's yaml shape so the top-level config
// file can set it inline.
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Output      string `yaml:"output"`
	MaxSize     int    `yaml:"max_size"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAge      int    `yaml:"max_age"`
	Compress    bool   `yaml:"compress"`
	Development bool   `yaml:"development"`
}

// Default returns a Config populated with every default named in the
// specification (§6).
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued fields with the specification's defaults.
// Safe to call repeatedly; never clobbers an explicitly-set non-zero value.
func (c *Config) ApplyDefaults() {
	if c.StorageDir == "" {
		c.StorageDir = "./data"
	}
	if c.LockTimeoutMs <= 0 {
		c.LockTimeoutMs = 30000
	}
	if c.CacheTTLMs <= 0 {
		c.CacheTTLMs = 300000
	}
	if c.IncrementalUpdateThreshold <= 0 {
		c.IncrementalUpdateThreshold = 10
	}
	if c.BroadcastDebounceMs <= 0 {
		c.BroadcastDebounceMs = 100
	}
	if c.StorageDebounceMs <= 0 {
		c.StorageDebounceMs = 200
	}
	if c.BatchWindowMs <= 0 {
		c.BatchWindowMs = 50
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.RestoreGateMs <= 0 {
		c.RestoreGateMs = 30000
	}
	if c.URLMatchThresholdNamed <= 0 {
		c.URLMatchThresholdNamed = 0.30
	}
	if c.URLMatchThresholdUnnamed <= 0 {
		c.URLMatchThresholdUnnamed = 0.50
	}
	if c.SpaceNameMaxLength <= 0 {
		c.SpaceNameMaxLength = 128
	}
	if c.StartupDelayMs <= 0 {
		c.StartupDelayMs = 500
	}
	if c.RecoveryCheckDelayMs <= 0 {
		c.RecoveryCheckDelayMs = 250
	}
	if c.WSBindAddr == "" {
		c.WSBindAddr = "127.0.0.1:8765"
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 50
	}
	if c.BurstSize <= 0 {
		c.BurstSize = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.Log.MaxSize <= 0 {
		c.Log.MaxSize = 100
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAge <= 0 {
		c.Log.MaxAge = 30
	}
}

// LockTimeout, CacheTTL, etc. expose every *_ms field as a time.Duration so
// callers don't re-derive it themselves.
func (c *Config) LockTimeout() time.Duration { return time.Duration(c.LockTimeoutMs) * time.Millisecond }
func (c *Config) CacheTTL() time.Duration    { return time.Duration(c.CacheTTLMs) * time.Millisecond }
func (c *Config) BroadcastDebounce() time.Duration {
	return time.Duration(c.BroadcastDebounceMs) * time.Millisecond
}
func (c *Config) StorageDebounce() time.Duration {
	return time.Duration(c.StorageDebounceMs) * time.Millisecond
}
func (c *Config) BatchWindow() time.Duration { return time.Duration(c.BatchWindowMs) * time.Millisecond }
func (c *Config) RestoreGate() time.Duration { return time.Duration(c.RestoreGateMs) * time.Millisecond }
func (c *Config) StartupDelay() time.Duration {
	return time.Duration(c.StartupDelayMs) * time.Millisecond
}
func (c *Config) RecoveryCheckDelay() time.Duration {
	return time.Duration(c.RecoveryCheckDelayMs) * time.Millisecond
}

// Load reads a YAML config file from path, applying defaults over any
// field the file leaves zero-valued.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.ApplyDefaults()
	return &c, nil
}

// Save writes c to path as YAML, creating the file if necessary.
func Save(path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
