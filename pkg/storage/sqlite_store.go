package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Sriram-PR/crawl-coordinator/pkg/utils"
)

const (
	sqliteTable         = "seen_urls"
	sqliteSchemaVersion = 1

	DefaultSQLiteLockTimeout = 30 * time.Second
	DefaultSQLiteSynchronous = "NORMAL"
)

// SQLiteOptions configures the embedded-transactional backend
type SQLiteOptions struct {
	Path        string
	LockTimeout time.Duration // busy_timeout; 0 fails immediately when another process holds the write lock
	Synchronous string        // OFF, NORMAL, FULL or EXTRA
}

// SQLiteStore implements Backend on a WAL-mode SQLite database shared by every process on the host
type SQLiteStore struct {
	opts SQLiteOptions
	log  *logrus.Entry

	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore returns an unopened SQLiteStore
func NewSQLiteStore(opts SQLiteOptions, logger *logrus.Entry) *SQLiteStore {
	if opts.LockTimeout < 0 {
		opts.LockTimeout = 0
	}
	if opts.Synchronous == "" {
		opts.Synchronous = DefaultSQLiteSynchronous
	}
	opts.Synchronous = strings.ToUpper(opts.Synchronous)
	return &SQLiteStore{opts: opts, log: logger}
}

// dsn builds a modernc.org/sqlite DSN; pragmas run on every new pooled connection
// journal_mode is switched once in prepare, where lock contention can be classified
func (s *SQLiteStore) dsn() string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", s.opts.LockTimeout.Milliseconds()))
	params.Add("_pragma", fmt.Sprintf("synchronous(%s)", s.opts.Synchronous))
	return s.opts.Path + "?" + params.Encode()
}

// Open implements Backend: connects, switches to WAL and migrates the schema
func (s *SQLiteStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	if s.opts.Path == "" {
		return fmt.Errorf("%w: sqlite path is required", utils.ErrConnection)
	}
	switch s.opts.Synchronous {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return fmt.Errorf("%w: invalid synchronous mode %q", utils.ErrConnection, s.opts.Synchronous)
	}
	if dir := filepath.Dir(s.opts.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: create directory %s: %w", utils.ErrConnection, dir, err)
		}
	}

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("%w: open sqlite %s: %w", utils.ErrConnection, s.opts.Path, err)
	}
	// One connection per process; other processes are serialized by SQLite's own locking
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return s.setupError(utils.ErrConnection, "connect sqlite "+s.opts.Path, err)
	}
	err = s.prepare(ctx, conn)
	conn.Close()
	if err != nil {
		db.Close()
		return err
	}

	s.db = db
	s.log.Infof("SQLite seen-set opened at %s (lock timeout %v, synchronous %s)", s.opts.Path, s.opts.LockTimeout, s.opts.Synchronous)
	return nil
}

// prepare switches the file to WAL and migrates it; both wait up to busy_timeout for other openers
func (s *SQLiteStore) prepare(ctx context.Context, conn *sql.Conn) error {
	var mode string
	if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
		return s.setupError(utils.ErrConnection, "set journal mode", err)
	}
	if !strings.EqualFold(mode, "wal") {
		s.log.Warnf("SQLite journal mode is %q, expected wal; cross-process claims will contend harder", mode)
	}
	return s.migrate(ctx, conn)
}

// migrate brings the schema to sqliteSchemaVersion, tracked in PRAGMA user_version
func (s *SQLiteStore) migrate(ctx context.Context, conn *sql.Conn) (err error) {
	version, err := schemaVersion(ctx, conn)
	if err != nil {
		return s.setupError(utils.ErrSchema, "read schema version", err)
	}
	if version >= sqliteSchemaVersion {
		return nil
	}

	// The write lock is taken before reading; upgrading a read transaction under WAL fails without waiting
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return s.setupError(utils.ErrSchema, "begin migration", err)
	}
	defer func() {
		if err != nil {
			conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	// Another opener may have migrated while this one waited for the lock
	if version, err = schemaVersion(ctx, conn); err != nil {
		return s.setupError(utils.ErrSchema, "read schema version", err)
	}
	if version >= sqliteSchemaVersion {
		if _, err = conn.ExecContext(ctx, "COMMIT"); err != nil {
			return s.setupError(utils.ErrSchema, "commit migration", err)
		}
		return nil
	}

	columns, err := tableColumns(ctx, conn, sqliteTable)
	if err != nil {
		return s.setupError(utils.ErrSchema, "inspect "+sqliteTable, err)
	}

	switch {
	case len(columns) == 0:
		ddl := `CREATE TABLE IF NOT EXISTS seen_urls (
			fingerprint TEXT PRIMARY KEY,
			seen_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`
		if _, err = conn.ExecContext(ctx, ddl); err != nil {
			return s.setupError(utils.ErrSchema, "create "+sqliteTable, err)
		}
	case columns["timestamp"] && !columns["seen_at"]:
		if _, err = conn.ExecContext(ctx, "ALTER TABLE seen_urls RENAME COLUMN timestamp TO seen_at"); err != nil {
			return s.setupError(utils.ErrSchema, "rename legacy timestamp column", err)
		}
		s.log.Info("Migrated legacy seen_urls.timestamp column to seen_at")
	}

	if columns, err = tableColumns(ctx, conn, sqliteTable); err != nil {
		return s.setupError(utils.ErrSchema, "inspect "+sqliteTable, err)
	}
	if !columns["fingerprint"] || !columns["seen_at"] {
		return fmt.Errorf("%w: table %s lacks fingerprint/seen_at columns", utils.ErrSchema, sqliteTable)
	}

	if _, err = conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return s.setupError(utils.ErrSchema, "write schema version", err)
	}
	if _, err = conn.ExecContext(ctx, "COMMIT"); err != nil {
		return s.setupError(utils.ErrSchema, "commit migration", err)
	}
	return nil
}

func schemaVersion(ctx context.Context, conn *sql.Conn) (int, error) {
	var version int
	err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	return version, err
}

// tableColumns returns the column names of table, or an empty set when it does not exist
func tableColumns(ctx context.Context, conn *sql.Conn, table string) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		columns[strings.ToLower(name)] = true
	}
	return columns, rows.Err()
}

// ClaimOrSeen implements Backend
// The primary key makes the insert the atomic test-and-set; a constraint violation means seen
func (s *SQLiteStore) ClaimOrSeen(ctx context.Context, fingerprint string) (bool, error) {
	if err := checkFingerprint(fingerprint); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return false, utils.ErrNotOpen
	}

	_, err := s.db.ExecContext(ctx, "INSERT INTO seen_urls (fingerprint, seen_at) VALUES (?, ?)", fingerprint, time.Now().UTC())
	if err == nil {
		return false, nil
	}
	if isSQLiteConstraint(err) {
		return true, nil
	}
	return false, s.wrapError("claim", err)
}

// isSQLiteConstraint reports a primary key or unique violation on the fingerprint
func isSQLiteConstraint(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	switch sqlErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

// isSQLiteBusy reports contention for a lock held by another connection
func isSQLiteBusy(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	switch sqlErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// setupError wraps an Open failure as kind, unless it is lock contention
func (s *SQLiteStore) setupError(kind error, op string, err error) error {
	if isSQLiteBusy(err) {
		return fmt.Errorf("%w: sqlite %s after %v: %w", utils.ErrLockTimeout, op, s.opts.LockTimeout, err)
	}
	return fmt.Errorf("%w: %s: %w", kind, op, err)
}

// wrapError maps driver failures onto the package error taxonomy
func (s *SQLiteStore) wrapError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("sqlite %s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: sqlite %s: %w", utils.ErrTimeout, op, err)
	}
	if isSQLiteBusy(err) {
		return fmt.Errorf("%w: sqlite %s after %v: %w", utils.ErrLockTimeout, op, s.opts.LockTimeout, err)
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) && sqlErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		// Any constraint other than the fingerprint key belongs to a table this store did not create
		return fmt.Errorf("%w: sqlite %s: %w", utils.ErrSchema, op, err)
	}
	return fmt.Errorf("%w: sqlite %s: %w", utils.ErrIO, op, err)
}

// Clear implements Backend
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return utils.ErrNotOpen
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM seen_urls")
	if err != nil {
		return s.wrapError("clear", err)
	}
	deleted, _ := res.RowsAffected()
	s.log.Infof("Cleared %d fingerprints from %s", deleted, s.opts.Path)
	return nil
}

// Count implements Counter
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, utils.ErrNotOpen
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM seen_urls").Scan(&n); err != nil {
		return 0, s.wrapError("count", err)
	}
	return n, nil
}

// Close implements Backend
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("%w: close sqlite %s: %w", utils.ErrIO, s.opts.Path, err)
	}
	return nil
}
