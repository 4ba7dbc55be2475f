package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawl-coordinator/pkg/utils"
)

// FileOptions configures the flat-file backend
type FileOptions struct {
	Path string // Newline-delimited fingerprint file
}

// FileStore implements Backend on an append-only text file mirrored in memory
//
// Only safe for a single process. Claims are atomic among goroutines of one process
// (the in-memory set is guarded by a mutex), but two processes sharing a file each
// load their own mirror at Open and never see each other's appends until restart,
// so both can be granted the same fingerprint. Use the durable-kv or
// embedded-transactional backend for multi-process crawls.
type FileStore struct {
	opts FileOptions
	log  *logrus.Entry

	mu     sync.Mutex
	seen   map[string]struct{}
	file   *os.File // Append handle; nil when not open
	isOpen bool
}

// NewFileStore returns an unopened FileStore
func NewFileStore(opts FileOptions, logger *logrus.Entry) *FileStore {
	return &FileStore{opts: opts, log: logger}
}

// Open implements Backend: loads existing fingerprints and opens the append handle
func (s *FileStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isOpen {
		return nil
	}
	if s.opts.Path == "" {
		return fmt.Errorf("%w: file path is required", utils.ErrIO)
	}
	if dir := filepath.Dir(s.opts.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: create directory %s: %w", utils.ErrIO, dir, err)
		}
	}

	seen, err := loadFingerprints(s.opts.Path)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(s.opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: open %s for append: %w", utils.ErrIO, s.opts.Path, err)
	}

	s.seen = seen
	s.file = file
	s.isOpen = true
	s.log.Infof("Loaded %d fingerprints from %s", len(seen), s.opts.Path)
	return nil
}

// loadFingerprints reads one fingerprint per line; a missing file is an empty set
func loadFingerprints(path string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return seen, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", utils.ErrIO, path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		seen[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", utils.ErrIO, path, err)
	}
	return seen, nil
}

// ClaimOrSeen implements Backend
// The set check and insert happen under one lock; the append follows before the lock is released
func (s *FileStore) ClaimOrSeen(ctx context.Context, fingerprint string) (bool, error) {
	if err := checkFingerprint(fingerprint); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOpen {
		return false, utils.ErrNotOpen
	}

	if _, ok := s.seen[fingerprint]; ok {
		return true, nil
	}
	s.seen[fingerprint] = struct{}{}

	if _, err := s.file.WriteString(fingerprint + "\n"); err != nil {
		// Roll back so the claim can be retried instead of silently counting as seen later
		delete(s.seen, fingerprint)
		return false, fmt.Errorf("%w: append to %s: %w", utils.ErrIO, s.opts.Path, err)
	}
	return false, nil
}

// Clear implements Backend: empties the set and truncates the file
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOpen {
		return utils.ErrNotOpen
	}
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("%w: truncate %s: %w", utils.ErrIO, s.opts.Path, err)
	}
	s.seen = make(map[string]struct{})
	s.log.Infof("Cleared all fingerprints from %s", s.opts.Path)
	return nil
}

// Count implements Counter
func (s *FileStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOpen {
		return 0, utils.ErrNotOpen
	}
	return len(s.seen), nil
}

// Close implements Backend: compacts the file to the sorted, deduplicated set
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOpen {
		return nil
	}
	s.isOpen = false

	var errs []error
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%w: close %s: %w", utils.ErrIO, s.opts.Path, err))
	}
	s.file = nil
	if err := s.compact(); err != nil {
		errs = append(errs, err)
	}
	s.seen = nil
	return errors.Join(errs...)
}

// compact rewrites the file through a temp file so a crash never leaves it half written
func (s *FileStore) compact() error {
	fingerprints := make([]string, 0, len(s.seen))
	for fp := range s.seen {
		fingerprints = append(fingerprints, fp)
	}
	sort.Strings(fingerprints)

	tmp, err := os.CreateTemp(filepath.Dir(s.opts.Path), filepath.Base(s.opts.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create compaction file: %w", utils.ErrIO, err)
	}
	tmpName := tmp.Name()

	writer := bufio.NewWriter(tmp)
	for _, fp := range fingerprints {
		if _, err := writer.WriteString(fp + "\n"); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("%w: write compaction file: %w", utils.ErrIO, err)
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: flush compaction file: %w", utils.ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: sync compaction file: %w", utils.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close compaction file: %w", utils.ErrIO, err)
	}
	if err := os.Rename(tmpName, s.opts.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: replace %s: %w", utils.ErrIO, s.opts.Path, err)
	}
	s.log.Infof("Compacted %d fingerprints into %s", len(fingerprints), s.opts.Path)
	return nil
}
