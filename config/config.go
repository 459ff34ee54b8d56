// Package config loads the YAML configuration and resolves the on-disk
// layout of stores, backups and archives.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	// DataDir is the root under which stores, backups and archives live.
	DataDir string `yaml:"data_dir"`

	// Sources are the crawler names whose per-source stores get
	// consolidated. Order is the consolidation order.
	Sources []string `yaml:"sources"`

	Pool    PoolConfig    `yaml:"pool"`
	Retry   RetryConfig   `yaml:"retry"`
	Merge   MergeConfig   `yaml:"merge"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// PoolConfig bounds per-store connection pools.
type PoolConfig struct {
	Size           int           `yaml:"size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	BusyTimeout    time.Duration `yaml:"busy_timeout"`
}

// RetryConfig controls transaction retry on lock contention.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// MergeConfig controls consolidation runs.
type MergeConfig struct {
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
	// KeepSources leaves consumed source files in place instead of
	// moving them to the archive directory.
	KeepSources bool `yaml:"keep_sources"`
	// Watch triggers a consolidation shortly after a crawler writes to
	// a source store, instead of waiting for the next interval.
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// ServerConfig controls the HTTP/MCP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AuthUser and AuthHash enable HTTP Basic auth when both are set.
	// AuthHash is a bcrypt hash, never a plaintext password.
	AuthUser string `yaml:"auth_user"`
	AuthHash string `yaml:"auth_hash"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Pool.Size <= 0 {
		c.Pool.Size = 4
	}
	if c.Pool.AcquireTimeout <= 0 {
		c.Pool.AcquireTimeout = 2 * time.Second
	}
	if c.Pool.BusyTimeout <= 0 {
		c.Pool.BusyTimeout = 5 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 100 * time.Millisecond
	}
	if c.Merge.BatchSize <= 0 {
		c.Merge.BatchSize = 500
	}
	if c.Merge.Interval <= 0 {
		c.Merge.Interval = 15 * time.Minute
	}
	if c.Merge.WatchDebounce <= 0 {
		c.Merge.WatchDebounce = 5 * time.Second
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8470"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) validate() error {
	if c.Server.AuthUser != "" && c.Server.AuthHash == "" {
		return fmt.Errorf("server.auth_user set without server.auth_hash")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if s == "" {
			return fmt.Errorf("empty source name")
		}
		if s == "main" {
			return fmt.Errorf("source name %q collides with the main store", s)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("duplicate source %q", s)
		}
		seen[s] = struct{}{}
	}
	return nil
}

// Load reads the YAML config at path, applies defaults and validates.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &c, nil
}

// Default returns a Config with all defaults applied and no sources.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Layout resolves store file locations under DataDir.
type Layout struct {
	root string
}

// Layout returns the on-disk layout rooted at DataDir.
func (c *Config) Layout() Layout { return Layout{root: c.DataDir} }

// MainStore is the consolidated store path.
func (l Layout) MainStore() string { return filepath.Join(l.root, "main.store") }

// SourceStore is the per-crawler store path for the named source.
func (l Layout) SourceStore(source string) string {
	return filepath.Join(l.root, source+".store")
}

// BackupDir holds pre-merge snapshots.
func (l Layout) BackupDir() string { return filepath.Join(l.root, "backups") }

// ArchiveDir holds consumed source stores after consolidation.
func (l Layout) ArchiveDir() string { return filepath.Join(l.root, "archives") }
