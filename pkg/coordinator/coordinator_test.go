package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/crawl-coordinator/pkg/config"
	"github.com/Sriram-PR/crawl-coordinator/pkg/fingerprint"
	"github.com/Sriram-PR/crawl-coordinator/pkg/metrics"
	"github.com/Sriram-PR/crawl-coordinator/pkg/models"
	"github.com/Sriram-PR/crawl-coordinator/pkg/storage"
	"github.com/Sriram-PR/crawl-coordinator/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// backendConfigs returns one configuration per built-in backend, each on fresh state
func backendConfigs(t *testing.T) map[string]config.BackendConfig {
	t.Helper()
	dir := t.TempDir()
	mr := miniredis.RunT(t)
	return map[string]config.BackendConfig{
		"durable-kv": {
			Kind:  models.BackendDurableKV,
			Redis: config.RedisConfig{URL: "redis://" + mr.Addr() + "/0"},
		},
		"embedded-transactional": {
			Kind:   models.BackendEmbeddedTransactional,
			SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "shared_urls.db")},
		},
		"flat-file": {
			Kind: models.BackendFlatFile,
			File: config.FileConfig{Path: filepath.Join(dir, "seen_urls.txt")},
		},
		"embedded-kv": {
			Kind:   models.BackendEmbeddedKV,
			Badger: config.BadgerConfig{Dir: filepath.Join(dir, "badger")},
		},
	}
}

// holdWriteLock takes the SQLite write lock on path from a separate connection until the test ends
func holdWriteLock(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	_, err = conn.ExecContext(context.Background(), "BEGIN IMMEDIATE")
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.ExecContext(context.Background(), "ROLLBACK")
		conn.Close()
		db.Close()
	})
}

func newOpenCoordinator(t *testing.T, cfg config.BackendConfig, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	c, err := New(cfg, fingerprint.New(fingerprint.DefaultOptions()), opts...)
	require.NoError(t, err)
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCoordinator_ClaimScenario(t *testing.T) {
	for name, cfg := range backendConfigs(t) {
		t.Run(name, func(t *testing.T) {
			c := newOpenCoordinator(t, cfg)
			ctx := context.Background()
			assert.Equal(t, models.BackendKind(name), c.Kind())

			seen, err := c.ClaimOrSeen(ctx, models.NewRequest("https://example.edu/a"))
			require.NoError(t, err)
			assert.False(t, seen, "first claim of /a")

			seen, err = c.ClaimOrSeen(ctx, models.NewRequest("https://example.edu/a"))
			require.NoError(t, err)
			assert.True(t, seen, "repeat claim of /a")

			seen, err = c.ClaimOrSeen(ctx, models.NewRequest("https://example.edu/b"))
			require.NoError(t, err)
			assert.False(t, seen, "first claim of /b")

			// Equivalent spellings share one identity
			seen, err = c.ClaimOrSeen(ctx, models.NewRequest("HTTPS://Example.EDU:443/a"))
			require.NoError(t, err)
			assert.True(t, seen)

			count, err := c.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, count)
		})
	}
}

func TestCoordinator_PersistsAcrossSessions(t *testing.T) {
	for name, cfg := range backendConfigs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			req := models.NewRequest("https://example.edu/a")

			first, err := New(cfg, nil, WithLogger(testLogger()))
			require.NoError(t, err)
			require.NoError(t, first.Open(ctx))
			seen, err := first.ClaimOrSeen(ctx, req)
			require.NoError(t, err)
			require.False(t, seen)
			require.NoError(t, first.Close())

			second := newOpenCoordinator(t, cfg)
			assert.NotEqual(t, first.SessionID(), second.SessionID())
			seen, err = second.ClaimOrSeen(ctx, req)
			require.NoError(t, err)
			assert.True(t, seen)
		})
	}
}

func TestCoordinator_ClearSessionResetsState(t *testing.T) {
	for name, cfg := range backendConfigs(t) {
		t.Run(name, func(t *testing.T) {
			c := newOpenCoordinator(t, cfg)
			ctx := context.Background()
			req := models.NewRequest("https://example.edu/a")

			_, err := c.ClaimOrSeen(ctx, req)
			require.NoError(t, err)
			require.NoError(t, c.ClearSession(ctx))

			seen, err := c.ClaimOrSeen(ctx, req)
			require.NoError(t, err)
			assert.False(t, seen)
		})
	}
}

func TestCoordinator_SharedDurableKVGrantsOneClaim(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.BackendConfig{Kind: models.BackendDurableKV, Redis: config.RedisConfig{URL: "redis://" + mr.Addr()}}

	workerA := newOpenCoordinator(t, cfg)
	workerB := newOpenCoordinator(t, cfg)
	req := models.NewRequest("https://example.edu/race")

	var (
		wg      sync.WaitGroup
		results [2]bool
		errs    [2]error
	)
	for i, c := range []*Coordinator{workerA, workerB} {
		wg.Add(1)
		go func(i int, c *Coordinator) {
			defer wg.Done()
			results[i], errs[i] = c.ClaimOrSeen(context.Background(), req)
		}(i, c)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.True(t, results[0] != results[1], "exactly one worker is granted the claim")
}

func TestCoordinator_ErrorsAreNotBooleans(t *testing.T) {
	ctx := context.Background()

	t.Run("not open", func(t *testing.T) {
		cfg := backendConfigs(t)["flat-file"]
		c, err := New(cfg, nil, WithLogger(testLogger()))
		require.NoError(t, err)

		seen, err := c.ClaimOrSeen(ctx, models.NewRequest("https://example.edu/a"))
		assert.ErrorIs(t, err, utils.ErrNotOpen)
		assert.False(t, seen)
	})

	t.Run("invalid request", func(t *testing.T) {
		c := newOpenCoordinator(t, backendConfigs(t)["flat-file"])
		_, err := c.ClaimOrSeen(ctx, models.Request{})
		assert.ErrorIs(t, err, utils.ErrInvalidRequest)
	})

	t.Run("lock timeout", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "shared_urls.db")
		zero := time.Duration(0)
		cfg := config.BackendConfig{Kind: models.BackendEmbeddedTransactional, SQLite: config.SQLiteConfig{Path: path, LockTimeout: &zero}}
		c := newOpenCoordinator(t, cfg)

		holdWriteLock(t, path)

		seen, err := c.ClaimOrSeen(ctx, models.NewRequest("https://example.edu/a"))
		assert.ErrorIs(t, err, utils.ErrLockTimeout)
		assert.False(t, seen)
	})

	t.Run("redis unreachable after open", func(t *testing.T) {
		mr := miniredis.RunT(t)
		c := newOpenCoordinator(t, config.BackendConfig{Kind: models.BackendDurableKV, Redis: config.RedisConfig{URL: "redis://" + mr.Addr(), OpTimeout: 200 * time.Millisecond}})
		mr.Close()

		seen, err := c.ClaimOrSeen(ctx, models.NewRequest("https://example.edu/a"))
		assert.ErrorIs(t, err, utils.ErrConnection)
		assert.False(t, seen)
	})
}

func TestCoordinator_UnknownBackend(t *testing.T) {
	_, err := New(config.BackendConfig{Kind: "memcached"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrUnknownBackend)
}

func TestCoordinator_ResolvesAliases(t *testing.T) {
	c, err := New(config.BackendConfig{Kind: "file", File: config.FileConfig{Path: filepath.Join(t.TempDir(), "s.txt")}}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.BackendFlatFile, c.Kind())
	assert.IsType(t, &storage.FileStore{}, c.Backend())
}

func TestCoordinator_CloseIsIdempotent(t *testing.T) {
	c, err := New(backendConfigs(t)["embedded-transactional"], nil, WithLogger(testLogger()))
	require.NoError(t, err)

	// Close before Open is allowed
	require.NoError(t, c.Close())
	require.NoError(t, c.Open(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.ClaimOrSeen(context.Background(), models.NewRequest("https://example.edu/a"))
	assert.ErrorIs(t, err, utils.ErrNotOpen)
}

// failingBackend fails every operation with a fixed error
type failingBackend struct {
	err    error
	closed int
}

func (f *failingBackend) Open(ctx context.Context) error { return nil }
func (f *failingBackend) ClaimOrSeen(ctx context.Context, fp string) (bool, error) {
	return true, f.err
}
func (f *failingBackend) Clear(ctx context.Context) error { return f.err }
func (f *failingBackend) Close() error {
	f.closed++
	return f.err
}

var validFP = strings.Repeat("ab", 32)

func TestCoordinator_ClaimFingerprintRejectsMalformed(t *testing.T) {
	c := newOpenCoordinator(t, backendConfigs(t)["flat-file"])
	for _, fp := range []string{"", "abc", strings.Repeat("A", 64), strings.Repeat("g", 64)} {
		_, err := c.ClaimFingerprint(context.Background(), fp)
		assert.ErrorIs(t, err, utils.ErrInvalidRequest, fp)
	}

	seen, err := c.ClaimFingerprint(context.Background(), validFP)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestCoordinator_WithBackendAndMetrics(t *testing.T) {
	m := metrics.New()
	backend := &failingBackend{err: errors.New("disk on fire")}
	wrapped := &failingBackend{err: utils.WrapErrorf(utils.ErrLockTimeout, "busy")}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	c, err := New(config.BackendConfig{Kind: models.BackendFlatFile}, nil, WithBackend(backend), WithMetrics(m), WithLogger(logrus.NewEntry(logger)))
	require.NoError(t, err)
	assert.Same(t, backend, c.Backend())
	require.NoError(t, c.Open(context.Background()))

	seen, err := c.ClaimFingerprint(context.Background(), validFP)
	require.Error(t, err)
	assert.False(t, seen, "a failed claim never reports seen")
	assert.Error(t, c.Clear(context.Background()))

	// Close errors are returned but the session is still marked closed
	assert.Error(t, c.Close())
	assert.Equal(t, 1, backend.closed)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)

	reg := m.Registry()
	expected := `
# HELP crawl_coordinator_claims_total Total number of claim attempts, labeled by backend and outcome.
# TYPE crawl_coordinator_claims_total counter
crawl_coordinator_claims_total{backend="flat-file",outcome="error"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "crawl_coordinator_claims_total"))

	c2, err := New(config.BackendConfig{Kind: models.BackendEmbeddedTransactional}, nil, WithBackend(wrapped), WithMetrics(m))
	require.NoError(t, err)
	_, err = c2.ClaimFingerprint(context.Background(), validFP)
	assert.ErrorIs(t, err, utils.ErrLockTimeout)
	assert.True(t, utils.IsRetryable(err))
}

func TestRegister_CustomBackend(t *testing.T) {
	const kind models.BackendKind = "in-memory-test"
	var built bool
	Register(kind, func(cfg config.BackendConfig, logger *logrus.Entry) (storage.Backend, error) {
		built = true
		return storage.NewBadgerStore(storage.BadgerOptions{InMemory: true}, logger), nil
	})
	t.Cleanup(func() {
		registryMu.Lock()
		delete(registry, kind)
		registryMu.Unlock()
	})

	assert.Contains(t, Kinds(), kind)
	c := newOpenCoordinator(t, config.BackendConfig{Kind: kind})
	assert.True(t, built)

	seen, err := c.ClaimOrSeen(context.Background(), models.NewRequest("https://example.edu/a"))
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRegister_FactoryError(t *testing.T) {
	const kind models.BackendKind = "broken-test"
	Register(kind, func(cfg config.BackendConfig, logger *logrus.Entry) (storage.Backend, error) {
		return nil, errors.New("no credentials")
	})
	t.Cleanup(func() {
		registryMu.Lock()
		delete(registry, kind)
		registryMu.Unlock()
	})

	_, err := New(config.BackendConfig{Kind: kind}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")
}
