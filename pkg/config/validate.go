package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawl-coordinator/pkg/models"
	"github.com/Sriram-PR/crawl-coordinator/pkg/storage"
	"github.com/Sriram-PR/crawl-coordinator/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// LogLevel
	if c.LogLevel == "" {
		c.LogLevel = "info"
	} else if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		warnings = append(warnings, fmt.Sprintf("log_level %q is invalid, defaulting to 'info'", c.LogLevel))
		c.LogLevel = "info"
	}

	// Fingerprint headers
	for _, h := range c.Fingerprint.IncludeHeaders {
		if strings.TrimSpace(h) == "" {
			warnings = append(warnings, "fingerprint.include_headers contains an empty name, ignoring it")
			break
		}
	}

	backendWarnings, err := c.Backend.Validate()
	warnings = append(warnings, backendWarnings...)
	if err != nil {
		return warnings, err
	}

	// Fleet
	if c.Fleet.Workers <= 0 {
		c.Fleet.Workers = 4
	}
	if c.Fleet.MaxInFlight <= 0 {
		c.Fleet.MaxInFlight = 8
	}

	return warnings, nil
}

// Validate resolves the backend kind and applies per-backend defaults.
// An unknown kind or an invalid setting for the selected backend is fatal.
func (b *BackendConfig) Validate() (warnings []string, err error) {
	if b.Kind == models.BackendUnset {
		warnings = append(warnings, "backend.kind is empty, defaulting to 'embedded-transactional'")
		b.Kind = models.BackendEmbeddedTransactional
	} else {
		kind, parseErr := models.ParseBackendKind(string(b.Kind))
		if parseErr != nil {
			return warnings, fmt.Errorf("%w: %w: %w", utils.ErrConfigValidation, utils.ErrUnknownBackend, parseErr)
		}
		b.Kind = kind
	}

	// Redis
	redisOpts := b.RedisOptions().WithDefaults()
	b.Redis = RedisConfig{
		URL:         redisOpts.URL,
		KeyPrefix:   redisOpts.KeyPrefix,
		DialTimeout: redisOpts.DialTimeout,
		OpTimeout:   redisOpts.OpTimeout,
		ScanCount:   redisOpts.ScanCount,
	}
	if b.Kind == models.BackendDurableKV && !strings.HasPrefix(b.Redis.URL, "redis://") && !strings.HasPrefix(b.Redis.URL, "rediss://") {
		return warnings, fmt.Errorf("%w: backend.redis.url must use redis:// or rediss://, got %q", utils.ErrConfigValidation, b.Redis.URL)
	}

	// SQLite
	if b.SQLite.Path == "" {
		b.SQLite.Path = "./state/shared_urls.db"
	}
	if b.SQLite.LockTimeout == nil {
		d := storage.DefaultSQLiteLockTimeout
		b.SQLite.LockTimeout = &d
	} else if *b.SQLite.LockTimeout < 0 {
		warnings = append(warnings, "backend.sqlite.lock_timeout cannot be negative, setting to 0 (fail immediately)")
		zero := time.Duration(0)
		b.SQLite.LockTimeout = &zero
	}
	if b.SQLite.Synchronous == "" {
		b.SQLite.Synchronous = storage.DefaultSQLiteSynchronous
	}
	b.SQLite.Synchronous = strings.ToUpper(b.SQLite.Synchronous)
	switch b.SQLite.Synchronous {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		if b.Kind == models.BackendEmbeddedTransactional {
			return warnings, fmt.Errorf("%w: backend.sqlite.synchronous must be OFF, NORMAL, FULL or EXTRA, got %q", utils.ErrConfigValidation, b.SQLite.Synchronous)
		}
	}

	// File
	if b.File.Path == "" {
		b.File.Path = "seen_urls.txt"
	}

	// Badger
	if b.Badger.Dir == "" {
		b.Badger.Dir = "./state/seen_badger"
	}
	if b.Badger.GCInterval < 0 {
		warnings = append(warnings, "backend.badger.gc_interval cannot be negative, disabling value-log GC")
		b.Badger.GCInterval = 0
	}

	if b.Kind == models.BackendFlatFile {
		warnings = append(warnings, "backend 'flat-file' is single-process only; concurrent processes may claim the same request twice")
	}

	return warnings, nil
}
