package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawl-coordinator/pkg/log"
	"github.com/Sriram-PR/crawl-coordinator/pkg/utils"
)

const seenKeyPrefix = "seen:" // Prefix for fingerprint keys in the Badger DB

// BadgerOptions configures the embedded-kv backend
type BadgerOptions struct {
	Dir      string // Directory holding the Badger files
	InMemory bool   // Keep everything in memory (tests); Dir is ignored

	GCInterval time.Duration // Value-log GC period while open; 0 disables the background loop
}

// BadgerStore implements Backend on an embedded Badger database
// Badger holds an exclusive directory lock, so only one process may use a Dir at a time;
// goroutines inside that process are serialized by Badger's transaction conflict detection
type BadgerStore struct {
	opts     BadgerOptions
	log      *logrus.Entry
	mu       sync.RWMutex // Guards db against Close racing in-flight claims
	db       *badger.DB
	keyCount atomic.Int64 // Cached key count for O(1) Count
	gcCancel context.CancelFunc
}

// NewBadgerStore returns an unopened BadgerStore
func NewBadgerStore(opts BadgerOptions, logger *logrus.Entry) *BadgerStore {
	return &BadgerStore{opts: opts, log: logger}
}

// Open implements Backend
func (s *BadgerStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	var opts badger.Options
	if s.opts.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
		s.log.Info("Initializing in-memory seen-set database")
	} else {
		if s.opts.Dir == "" {
			return fmt.Errorf("%w: badger directory is required", utils.ErrConnection)
		}
		if err := os.MkdirAll(s.opts.Dir, 0755); err != nil {
			return fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrIO, s.opts.Dir, err)
		}
		opts = badger.DefaultOptions(s.opts.Dir)
		s.log.Infof("Initializing seen-set database at: %s", s.opts.Dir)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(s.log.WithField("component", "badgerdb"))
	opts = opts.
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1) // Only the claim itself matters

	db, err := badger.Open(opts)
	if err != nil {
		// A held directory lock means another process owns the store
		return fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrConnection, s.opts.Dir, err)
	}
	s.db = db

	count, err := s.countKeys()
	if err != nil {
		s.log.Warnf("Failed to count existing keys on open: %v", err)
	} else {
		s.keyCount.Store(int64(count))
		s.log.Infof("Loaded existing fingerprint count: %d", count)
	}

	if s.opts.GCInterval > 0 && !s.opts.InMemory {
		gcCtx, cancel := context.WithCancel(context.Background())
		s.gcCancel = cancel
		go s.RunGC(gcCtx, s.opts.GCInterval)
	}
	return nil
}

// countKeys performs a one-time key scan at Open
func (s *BadgerStore) countKeys() (int, error) {
	count := 0
	prefix := []byte(seenKeyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrLockTimeout, maxConflictRetries)
}

// ClaimOrSeen implements Backend
// The read and the write share one transaction; a concurrent claimer of the same key
// fails commit with ErrConflict, retries, and then observes the key
func (s *BadgerStore) ClaimOrSeen(ctx context.Context, fingerprint string) (bool, error) {
	if err := checkFingerprint(fingerprint); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return false, utils.ErrNotOpen
	}

	key := []byte(seenKeyPrefix + fingerprint)
	value := []byte(strconv.FormatInt(time.Now().UTC().Unix(), 10))
	added := false

	err := s.dbUpdate(func(txn *badger.Txn) error {
		added = false
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			if errSet := txn.SetEntry(badger.NewEntry(key, value)); errSet != nil {
				return errSet
			}
			added = true
			return nil
		}
		// Key already exists or another error occurred
		return errGet
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in ClaimOrSeen: %v", err)
		if errors.Is(err, utils.ErrLockTimeout) {
			return false, err
		}
		return false, fmt.Errorf("%w: claiming key '%s': %w", utils.ErrIO, string(key), err)
	}
	if added {
		s.keyCount.Add(1)
	}
	return !added, nil
}

// Clear implements Backend
func (s *BadgerStore) Clear(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return utils.ErrNotOpen
	}
	if err := s.db.DropPrefix([]byte(seenKeyPrefix)); err != nil {
		return fmt.Errorf("%w: dropping seen keys: %w", utils.ErrIO, err)
	}
	s.keyCount.Store(0)
	s.log.Info("Cleared all fingerprints from seen-set database")
	return nil
}

// Count implements Counter.
// Returns the cached key count (O(1)) maintained by atomic increments on claims.
func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, utils.ErrNotOpen
	}
	return int(s.keyCount.Load()), nil
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute // Default interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			s.runGCCycle()
		case <-ctx.Done():
			s.log.Infof("Stopping BadgerDB garbage collection goroutine due to context cancellation: %v", ctx.Err())
			return
		}
	}
}

func (s *BadgerStore) runGCCycle() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil || s.db.IsClosed() || s.opts.InMemory {
		s.log.Debug("DB GC: database is closed or in-memory, skipping GC cycle.")
		return
	}

	var err error
	// Loop GC until it returns ErrNoRewrite or another error
	for {
		// Run GC if log is at least 50% reclaimable space
		if err = s.db.RunValueLogGC(0.5); err != nil {
			break
		}
	}
	if errors.Is(err, badger.ErrNoRewrite) {
		s.log.Debug("BadgerDB GC finished (no rewrite needed).")
	} else {
		s.log.Errorf("BadgerDB GC error: %v", err)
	}
}

// Close implements Backend
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gcCancel != nil {
		s.gcCancel()
		s.gcCancel = nil
	}
	if s.db == nil || s.db.IsClosed() {
		s.db = nil
		return nil
	}
	s.log.Info("Closing seen-set DB...")
	err := s.db.Close()
	s.db = nil
	if err != nil {
		s.log.Errorf("Error closing seen-set DB: %v", err)
		return fmt.Errorf("%w: closing badger database: %w", utils.ErrIO, err)
	}
	s.log.Info("Seen-set DB closed.")
	return nil
}
