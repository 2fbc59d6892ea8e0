// Package config loads the agent configuration from a YAML file with
// environment overrides. Loading never fails hard: a missing or malformed
// file yields the built-in defaults so the agent can always start.
package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harborlog/harborlog/pkg/session"
)

// Defaults applied by Load for unset fields.
const (
	DefaultSyncInterval       = 5 * time.Minute
	DefaultMaxSessionsPerSync = 10
	DefaultBatchSize          = 10
	DefaultFlushInterval      = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultMaxQueueSize       = 1000
	DefaultMetricsPort        = 9090
	DefaultStore              = "file"
)

// Config represents the agent configuration.
type Config struct {
	// Remote service
	RemoteURL string `yaml:"remote_url"`
	AuthURL   string `yaml:"auth_url"`
	DeviceID  string `yaml:"device_id"`

	// Session sync
	AutoSync           bool          `yaml:"auto_sync"`
	SyncInterval       time.Duration `yaml:"sync_interval"`
	MaxSessionsPerSync int           `yaml:"max_sessions_per_sync"`

	// Telemetry
	TelemetryEnabled bool          `yaml:"telemetry_enabled"`
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	MaxRetries       int           `yaml:"max_retries"`
	MaxQueueSize     int           `yaml:"max_queue_size"`

	// Storage
	DataDir string              `yaml:"data_dir"`
	Store   string              `yaml:"store"` // file, redis
	Redis   session.RedisConfig `yaml:"redis"`

	// Observability
	MetricsPort int `yaml:"metrics_port"` // 0 disables the metrics server
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		AutoSync:           true,
		SyncInterval:       DefaultSyncInterval,
		MaxSessionsPerSync: DefaultMaxSessionsPerSync,
		TelemetryEnabled:   true,
		BatchSize:          DefaultBatchSize,
		FlushInterval:      DefaultFlushInterval,
		MaxRetries:         DefaultMaxRetries,
		MaxQueueSize:       DefaultMaxQueueSize,
		DataDir:            defaultDataDir(),
		Store:              DefaultStore,
		MetricsPort:        DefaultMetricsPort,
	}
}

// Load reads configuration from a YAML file, fills in defaults, and applies
// environment overrides. An unreadable or malformed file is logged and the
// defaults are returned; Load never returns nil.
func Load(path string) *Config {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("[config] read %s: %v (using defaults)", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			log.Printf("[config] parse %s: %v (using defaults)", path, err)
			cfg = Defaults()
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

// Save writes the configuration to a YAML file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) applyDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.MaxSessionsPerSync <= 0 {
		c.MaxSessionsPerSync = DefaultMaxSessionsPerSync
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.AuthURL == "" && c.RemoteURL != "" {
		c.AuthURL = strings.TrimSuffix(c.RemoteURL, "/") + "/auth"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HARBORLOG_REMOTE_URL"); v != "" {
		c.RemoteURL = v
		if os.Getenv("HARBORLOG_AUTH_URL") == "" {
			c.AuthURL = strings.TrimSuffix(v, "/") + "/auth"
		}
	}
	if v := os.Getenv("HARBORLOG_AUTH_URL"); v != "" {
		c.AuthURL = v
	}
	if v := os.Getenv("HARBORLOG_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".harborlog"
	}
	return filepath.Join(home, ".harborlog")
}
