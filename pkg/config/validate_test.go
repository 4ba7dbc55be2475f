package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/crawl-coordinator/pkg/models"
	"github.com/Sriram-PR/crawl-coordinator/pkg/storage"
	"github.com/Sriram-PR/crawl-coordinator/pkg/utils"
)

func containsWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestAppConfig_Validate_Defaults(t *testing.T) {
	cfg := AppConfig{} // Zero value
	warnings, err := cfg.Validate()

	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, models.BackendEmbeddedTransactional, cfg.Backend.Kind)
	assert.Equal(t, storage.DefaultRedisURL, cfg.Backend.Redis.URL)
	assert.Equal(t, storage.DefaultRedisKeyPrefix, cfg.Backend.Redis.KeyPrefix)
	assert.Equal(t, storage.DefaultRedisDialTimeout, cfg.Backend.Redis.DialTimeout)
	assert.Equal(t, storage.DefaultRedisOpTimeout, cfg.Backend.Redis.OpTimeout)
	assert.Equal(t, int64(storage.DefaultRedisScanCount), cfg.Backend.Redis.ScanCount)
	assert.Equal(t, "./state/shared_urls.db", cfg.Backend.SQLite.Path)
	require.NotNil(t, cfg.Backend.SQLite.LockTimeout)
	assert.Equal(t, 30*time.Second, *cfg.Backend.SQLite.LockTimeout)
	assert.Equal(t, "NORMAL", cfg.Backend.SQLite.Synchronous)
	assert.Equal(t, "seen_urls.txt", cfg.Backend.File.Path)
	assert.Equal(t, "./state/seen_badger", cfg.Backend.Badger.Dir)
	assert.Equal(t, 4, cfg.Fleet.Workers)
	assert.Equal(t, 8, cfg.Fleet.MaxInFlight)

	assert.True(t, containsWarning(warnings, "backend.kind is empty"))
}

func TestAppConfig_Validate_ValidConfig(t *testing.T) {
	cfg := AppConfig{
		LogLevel: "warn",
		Backend: BackendConfig{
			Kind:  models.BackendDurableKV,
			Redis: RedisConfig{URL: "redis://cache:6379/1", KeyPrefix: "crawl", DialTimeout: time.Second, OpTimeout: time.Second, ScanCount: 100},
		},
		Fleet: FleetConfig{Workers: 2, MaxInFlight: 1},
	}
	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "redis://cache:6379/1", cfg.Backend.Redis.URL)
	assert.Equal(t, "crawl", cfg.Backend.Redis.KeyPrefix)
	assert.Equal(t, 2, cfg.Fleet.Workers)
	assert.Equal(t, 1, cfg.Fleet.MaxInFlight)
}

func TestAppConfig_Validate_InvalidLogLevel(t *testing.T) {
	cfg := AppConfig{LogLevel: "loud", Backend: BackendConfig{Kind: models.BackendEmbeddedKV}}
	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, containsWarning(warnings, `log_level "loud" is invalid`))
}

func TestAppConfig_Validate_EmptyHeaderName(t *testing.T) {
	cfg := AppConfig{
		Fingerprint: FingerprintConfig{IncludeHeaders: []string{"Accept", " "}},
		Backend:     BackendConfig{Kind: models.BackendEmbeddedKV},
	}
	warnings, err := cfg.Validate()

	require.NoError(t, err)
	assert.True(t, containsWarning(warnings, "include_headers contains an empty name"))
}

func TestBackendConfig_Validate_Aliases(t *testing.T) {
	tests := []struct {
		kind     string
		expected models.BackendKind
	}{
		{"redis", models.BackendDurableKV},
		{"SQLite", models.BackendEmbeddedTransactional},
		{"file", models.BackendFlatFile},
		{"badger", models.BackendEmbeddedKV},
		{"durable-kv", models.BackendDurableKV},
		{" embedded-transactional ", models.BackendEmbeddedTransactional},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			b := BackendConfig{Kind: models.BackendKind(tt.kind)}
			_, err := b.Validate()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, b.Kind)
		})
	}
}

func TestBackendConfig_Validate_Errors(t *testing.T) {
	t.Run("unknown kind", func(t *testing.T) {
		b := BackendConfig{Kind: "memcached"}
		_, err := b.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, utils.ErrConfigValidation)
		assert.ErrorIs(t, err, utils.ErrUnknownBackend)
		assert.Contains(t, err.Error(), "memcached")
	})

	t.Run("redis url without redis scheme", func(t *testing.T) {
		b := BackendConfig{Kind: models.BackendDurableKV, Redis: RedisConfig{URL: "http://cache:6379"}}
		_, err := b.Validate()
		assert.ErrorIs(t, err, utils.ErrConfigValidation)
	})

	t.Run("redis url ignored for other backends", func(t *testing.T) {
		b := BackendConfig{Kind: models.BackendFlatFile, Redis: RedisConfig{URL: "http://cache:6379"}}
		_, err := b.Validate()
		assert.NoError(t, err)
	})

	t.Run("invalid synchronous", func(t *testing.T) {
		b := BackendConfig{Kind: models.BackendEmbeddedTransactional, SQLite: SQLiteConfig{Synchronous: "sometimes"}}
		_, err := b.Validate()
		assert.ErrorIs(t, err, utils.ErrConfigValidation)
	})
}

func TestBackendConfig_Validate_NegativeLockTimeout(t *testing.T) {
	b := BackendConfig{Kind: models.BackendEmbeddedTransactional, SQLite: SQLiteConfig{LockTimeout: durationPtr(-time.Second)}}
	warnings, err := b.Validate()

	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), *b.SQLite.LockTimeout)
	assert.True(t, containsWarning(warnings, "lock_timeout cannot be negative"))
}

func TestBackendConfig_Validate_FlatFileWarning(t *testing.T) {
	b := BackendConfig{Kind: models.BackendFlatFile}
	warnings, err := b.Validate()

	require.NoError(t, err)
	assert.True(t, containsWarning(warnings, "single-process only"))
}
