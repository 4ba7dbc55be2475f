package config

import (
	"time"

	"github.com/Sriram-PR/crawl-coordinator/pkg/fingerprint"
	"github.com/Sriram-PR/crawl-coordinator/pkg/models"
	"github.com/Sriram-PR/crawl-coordinator/pkg/storage"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	LogLevel    string            `yaml:"log_level,omitempty"`
	MetricsAddr string            `yaml:"metrics_addr,omitempty"` // Empty disables the /metrics listener
	Fingerprint FingerprintConfig `yaml:"fingerprint,omitempty"`
	Backend     BackendConfig     `yaml:"backend"`
	Fleet       FleetConfig       `yaml:"fleet,omitempty"`
}

// FingerprintConfig selects the identity-relevant request attributes
type FingerprintConfig struct {
	IncludeMethod  *bool    `yaml:"include_method,omitempty"` // Tri-state: nil = default (true)
	IncludeBody    *bool    `yaml:"include_body,omitempty"`   // Tri-state: nil = default (true)
	IncludeHeaders []string `yaml:"include_headers,omitempty"`
	KeepFragments  bool     `yaml:"keep_fragments,omitempty"`
}

// BackendConfig selects and configures the Seen-Set backend
type BackendConfig struct {
	Kind   models.BackendKind `yaml:"kind"`
	Redis  RedisConfig        `yaml:"redis,omitempty"`
	SQLite SQLiteConfig       `yaml:"sqlite,omitempty"`
	File   FileConfig         `yaml:"file,omitempty"`
	Badger BadgerConfig       `yaml:"badger,omitempty"`
}

// RedisConfig configures the durable-kv backend
type RedisConfig struct {
	URL         string        `yaml:"url,omitempty"`
	KeyPrefix   string        `yaml:"key_prefix,omitempty"`
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"`
	OpTimeout   time.Duration `yaml:"op_timeout,omitempty"`
	ScanCount   int64         `yaml:"scan_count,omitempty"`
}

// SQLiteConfig configures the embedded-transactional backend
type SQLiteConfig struct {
	Path        string         `yaml:"path,omitempty"`
	LockTimeout *time.Duration `yaml:"lock_timeout,omitempty"` // Tri-state: nil = default, 0 = fail immediately
	Synchronous string         `yaml:"synchronous,omitempty"`
}

// FileConfig configures the flat-file backend
type FileConfig struct {
	Path string `yaml:"path,omitempty"`
}

// BadgerConfig configures the embedded-kv backend
type BadgerConfig struct {
	Dir        string        `yaml:"dir,omitempty"`
	GCInterval time.Duration `yaml:"gc_interval,omitempty"`
}

// FleetConfig holds the defaults of the race command
type FleetConfig struct {
	Workers     int `yaml:"workers,omitempty"`       // Independent Coordinator sessions
	MaxInFlight int `yaml:"max_in_flight,omitempty"` // Concurrent claims per worker
}

// Options converts the config into fingerprint options, applying tri-state defaults
func (f FingerprintConfig) Options() fingerprint.Options {
	opts := fingerprint.DefaultOptions()
	if f.IncludeMethod != nil {
		opts.IncludeMethod = *f.IncludeMethod
	}
	if f.IncludeBody != nil {
		opts.IncludeBody = *f.IncludeBody
	}
	opts.IncludeHeaders = append([]string(nil), f.IncludeHeaders...)
	opts.KeepFragments = f.KeepFragments
	return opts
}

// RedisOptions converts the redis section into store options
func (b BackendConfig) RedisOptions() storage.RedisOptions {
	return storage.RedisOptions{
		URL:         b.Redis.URL,
		KeyPrefix:   b.Redis.KeyPrefix,
		DialTimeout: b.Redis.DialTimeout,
		OpTimeout:   b.Redis.OpTimeout,
		ScanCount:   b.Redis.ScanCount,
	}
}

// SQLiteOptions converts the sqlite section into store options
func (b BackendConfig) SQLiteOptions() storage.SQLiteOptions {
	lockTimeout := storage.DefaultSQLiteLockTimeout
	if b.SQLite.LockTimeout != nil {
		lockTimeout = *b.SQLite.LockTimeout
	}
	return storage.SQLiteOptions{
		Path:        b.SQLite.Path,
		LockTimeout: lockTimeout,
		Synchronous: b.SQLite.Synchronous,
	}
}

// FileOptions converts the file section into store options
func (b BackendConfig) FileOptions() storage.FileOptions {
	path := b.File.Path
	if path == "" {
		path = "seen_urls.txt"
	}
	return storage.FileOptions{Path: path}
}

// BadgerOptions converts the badger section into store options
func (b BackendConfig) BadgerOptions() storage.BadgerOptions {
	return storage.BadgerOptions{Dir: b.Badger.Dir, GCInterval: b.Badger.GCInterval}
}
