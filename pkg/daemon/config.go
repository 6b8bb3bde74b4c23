// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can say "90s" or "2m".
type Duration time.Duration

// UnmarshalYAML parses either a Go duration string or a bare number of
// seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil && value.ShortTag() == "!!str" {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// MarshalJSON renders the duration as a string for config snapshots.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard library value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default tuning values.
const (
	DefaultControlPort      = 19876
	DefaultBatchSize        = 32
	DefaultLeaseDuration    = time.Minute
	DefaultMaxAttempts      = 3  // transient retries per item (R)
	DefaultWorkerRetries    = 2  // retries after worker crashes (K)
	DefaultRequestTimeout   = 10 * time.Second
	DefaultColdStartTimeout = time.Second
	DefaultRecycleAfter     = 500
)

// RootConfig declares one playset root in load order.
type RootConfig struct {
	// Path is the absolute directory of the root on disk.
	Path string `yaml:"path" json:"path"`
	// Name is the content version display name ("vanilla@1.12.4",
	// "mod:1234@2").
	Name string `yaml:"name" json:"name"`
	// Origin is vanilla, workshop, local, or wip.
	Origin string `yaml:"origin" json:"origin"`
	// Enabled defaults to true; disabled roots are filtered at
	// discovery time.
	Enabled *bool `yaml:"enabled" json:"enabled,omitempty"`
}

// PlaysetConfig is the ordered selection of roots to index.
type PlaysetConfig struct {
	Name  string       `yaml:"name" json:"name"`
	Roots []RootConfig `yaml:"roots" json:"roots"`
}

// Config is the daemon configuration file (qbuilder.yaml under the
// storage root).
type Config struct {
	// Path is where this configuration was loaded from; empty for
	// configs built in memory. Used to re-read the playset on
	// enqueue_scan.
	Path string `yaml:"-" json:"-"`

	// StorageRoot holds index.db, logs/, and the routing table.
	// Defaults to ~/.ck3raven.
	StorageRoot string `yaml:"storage_root" json:"storage_root"`

	// RoutingTable is the routing table file path; defaults to
	// <storage_root>/routing.yaml.
	RoutingTable string `yaml:"routing_table" json:"routing_table"`

	// Workers is the parse pool size; defaults to the CPU count.
	Workers int `yaml:"workers" json:"workers"`

	// ControlPort is the loopback TCP control endpoint port.
	ControlPort int `yaml:"control_port" json:"control_port"`

	// BatchSize is how many queue items one lease cycle claims.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// LeaseDuration bounds how long a claimed item may sit before any
	// process may reclaim it.
	LeaseDuration Duration `yaml:"lease_duration" json:"lease_duration"`

	// MaxAttempts is the transient-failure retry budget per item.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// WorkerRetries is how often an item is retried after worker
	// crashes before it is marked error.
	WorkerRetries int `yaml:"worker_retries" json:"worker_retries"`

	// RequestTimeout is the per-request worker deadline.
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`

	// ColdStartTimeout bounds worker spawn-to-first-ping.
	ColdStartTimeout Duration `yaml:"cold_start_timeout" json:"cold_start_timeout"`

	// RecycleAfter recycles a worker after this many successful parses.
	RecycleAfter int `yaml:"recycle_after" json:"recycle_after"`

	// Playset is the active root selection.
	Playset PlaysetConfig `yaml:"playset" json:"playset"`
}

// DefaultStorageRoot returns ~/.ck3raven.
func DefaultStorageRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".ck3raven"), nil
}

// LoadConfig reads the daemon configuration from path and applies
// defaults. An empty path loads <default storage root>/qbuilder.yaml.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		root, err := DefaultStorageRoot()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(root, "qbuilder.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path
	cfg.ApplyDefaults(filepath.Dir(path))
	return cfg, cfg.Validate()
}

// ApplyDefaults fills unset fields. baseDir anchors relative defaults.
func (c *Config) ApplyDefaults(baseDir string) {
	if c.StorageRoot == "" {
		c.StorageRoot = baseDir
	}
	if c.RoutingTable == "" {
		c.RoutingTable = filepath.Join(c.StorageRoot, "routing.yaml")
	}
	if c.ControlPort == 0 {
		c.ControlPort = DefaultControlPort
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = Duration(DefaultLeaseDuration)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.WorkerRetries <= 0 {
		c.WorkerRetries = DefaultWorkerRetries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.ColdStartTimeout <= 0 {
		c.ColdStartTimeout = Duration(DefaultColdStartTimeout)
	}
	if c.RecycleAfter == 0 {
		c.RecycleAfter = DefaultRecycleAfter
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if len(c.Playset.Roots) == 0 {
		return fmt.Errorf("config: playset has no roots")
	}
	for i, r := range c.Playset.Roots {
		if r.Path == "" {
			return fmt.Errorf("config: playset root %d has no path", i)
		}
		if r.Name == "" {
			return fmt.Errorf("config: playset root %d has no name", i)
		}
		switch r.Origin {
		case "vanilla", "workshop", "local", "wip":
		default:
			return fmt.Errorf("config: playset root %d has unknown origin %q", i, r.Origin)
		}
	}
	return nil
}

// IndexPath returns the index database path.
func (c *Config) IndexPath() string { return filepath.Join(c.StorageRoot, "index.db") }

// LockPath returns the build lock file path.
func (c *Config) LockPath() string { return filepath.Join(c.StorageRoot, "build.lock") }

// LogsDir returns the JSONL step log directory.
func (c *Config) LogsDir() string { return filepath.Join(c.StorageRoot, "logs") }

// ControlAddr returns the loopback control endpoint address.
func (c *Config) ControlAddr() string { return fmt.Sprintf("127.0.0.1:%d", c.ControlPort) }

// Snapshot renders the effective configuration for the build_runs row.
func (c *Config) Snapshot() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(data)
}

// RootEnabled reports the effective enabled flag of a root.
func (r *RootConfig) RootEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}
