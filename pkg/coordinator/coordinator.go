// Package coordinator exposes the Seen-Set to crawl Workers: one claim per request across every session.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/crawl-coordinator/pkg/config"
	"github.com/Sriram-PR/crawl-coordinator/pkg/fingerprint"
	"github.com/Sriram-PR/crawl-coordinator/pkg/metrics"
	"github.com/Sriram-PR/crawl-coordinator/pkg/models"
	"github.com/Sriram-PR/crawl-coordinator/pkg/storage"
	"github.com/Sriram-PR/crawl-coordinator/pkg/utils"
)

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithLogger sets the parent logger; a discarding logger is used otherwise
func WithLogger(logger *logrus.Entry) Option {
	return func(c *Coordinator) { c.log = logger }
}

// WithMetrics records claims and errors on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithBackend uses a prebuilt backend instead of the registry
func WithBackend(backend storage.Backend) Option {
	return func(c *Coordinator) { c.backend = backend }
}

// Coordinator is one Worker's session against the shared Seen-Set
// It adds fingerprinting, logging and metrics around its backend and caches nothing itself
type Coordinator struct {
	kind      models.BackendKind
	backend   storage.Backend
	fp        *fingerprint.Fingerprinter
	log       *logrus.Entry
	metrics   *metrics.Metrics
	sessionID string

	mu     sync.Mutex
	isOpen bool
}

// New selects the backend for cfg.Kind; nothing is opened yet
func New(cfg config.BackendConfig, fp *fingerprint.Fingerprinter, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		kind:      cfg.Kind,
		fp:        fp,
		sessionID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fp == nil {
		c.fp = fingerprint.New(fingerprint.DefaultOptions())
	}
	if c.log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		c.log = logrus.NewEntry(discard)
	}

	if c.backend == nil {
		kind, factory, err := lookup(cfg.Kind)
		if err != nil {
			return nil, err
		}
		c.kind = kind
		c.log = c.log.WithFields(logrus.Fields{"component": "coordinator", "backend": kind.String(), "session": c.sessionID})
		backend, err := factory(cfg, c.log.WithField("component", "store"))
		if err != nil {
			return nil, fmt.Errorf("build %s backend: %w", kind, err)
		}
		c.backend = backend
	} else {
		c.log = c.log.WithFields(logrus.Fields{"component": "coordinator", "backend": c.kind.String(), "session": c.sessionID})
	}
	return c, nil
}

// Kind returns the selected backend kind
func (c *Coordinator) Kind() models.BackendKind { return c.kind }

// SessionID identifies this session in logs
func (c *Coordinator) SessionID() string { return c.sessionID }

// Backend returns the underlying store
func (c *Coordinator) Backend() storage.Backend { return c.backend }

// Open opens the backend for this session
func (c *Coordinator) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isOpen {
		return nil
	}
	if err := c.backend.Open(ctx); err != nil {
		category := utils.CategorizeError(err)
		c.metrics.ObserveError(c.kind, category)
		c.log.WithField("category", category).Errorf("Failed to open seen-set: %v", err)
		return err
	}
	c.isOpen = true
	c.log.Info("Seen-set session opened")
	return nil
}

// ClaimOrSeen fingerprints req and claims it
// Returns false exactly once per distinct request across all sessions sharing the backend
func (c *Coordinator) ClaimOrSeen(ctx context.Context, req models.Request) (bool, error) {
	fp, err := c.fp.Fingerprint(req)
	if err != nil {
		c.log.Debugf("Rejected request %q: %v", req.URL, err)
		return false, err
	}
	return c.ClaimFingerprint(ctx, fp)
}

// ClaimFingerprint claims a precomputed fingerprint, which must be 64 lowercase hex characters
func (c *Coordinator) ClaimFingerprint(ctx context.Context, fp string) (bool, error) {
	if !fingerprint.IsValid(fp) {
		return false, fmt.Errorf("%w: malformed fingerprint %q", utils.ErrInvalidRequest, fp)
	}
	start := time.Now()
	seen, err := c.backend.ClaimOrSeen(ctx, fp)
	elapsed := time.Since(start)

	outcome := models.OutcomeOf(seen, err)
	c.metrics.ObserveClaim(c.kind, outcome, elapsed)
	entry := c.log.WithFields(logrus.Fields{"fingerprint": fp, "outcome": outcome.String(), "duration": elapsed})
	if err != nil {
		if errors.Is(err, utils.ErrInvalidRequest) || errors.Is(err, utils.ErrNotOpen) {
			entry.Debugf("Claim refused: %v", err)
			return false, err
		}
		category := utils.CategorizeError(err)
		c.metrics.ObserveError(c.kind, category)
		entry.WithFields(logrus.Fields{"category": category, "retryable": utils.IsRetryable(err)}).Warnf("Claim failed: %v", err)
		return false, err
	}
	entry.Debug("Claim")
	return seen, nil
}

// Clear removes every fingerprint from the backend
// Administrative only; never retried
func (c *Coordinator) Clear(ctx context.Context) error {
	if err := c.backend.Clear(ctx); err != nil {
		category := utils.CategorizeError(err)
		c.metrics.ObserveError(c.kind, category)
		c.log.WithField("category", category).Warnf("Clear failed: %v", err)
		return err
	}
	c.metrics.ObserveClear(c.kind)
	c.log.Warn("Seen-set cleared")
	return nil
}

// ClearSession is the operator's pre-crawl reset; it passes straight through to Clear
func (c *Coordinator) ClearSession(ctx context.Context) error {
	return c.Clear(ctx)
}

// Count reports the Seen-Set size when the backend supports it
func (c *Coordinator) Count(ctx context.Context) (int, error) {
	counter, ok := c.backend.(storage.Counter)
	if !ok {
		return 0, fmt.Errorf("backend %s cannot count fingerprints", c.kind)
	}
	return counter.Count(ctx)
}

// Close releases the backend; safe to call repeatedly and after a failed Open
// Errors are logged and returned so shutdown can proceed
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasOpen := c.isOpen
	c.isOpen = false
	if err := c.backend.Close(); err != nil {
		category := utils.CategorizeError(err)
		c.metrics.ObserveError(c.kind, category)
		c.log.WithField("category", category).Errorf("Error closing seen-set: %v", err)
		return err
	}
	if wasOpen {
		c.log.Info("Seen-set session closed")
	}
	return nil
}
