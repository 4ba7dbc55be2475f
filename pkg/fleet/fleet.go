// Package fleet runs several independent Coordinator sessions against one backend
// configuration and checks that every distinct request was claimed exactly once.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/crawl-coordinator/pkg/config"
	"github.com/Sriram-PR/crawl-coordinator/pkg/coordinator"
	"github.com/Sriram-PR/crawl-coordinator/pkg/fingerprint"
	"github.com/Sriram-PR/crawl-coordinator/pkg/metrics"
	"github.com/Sriram-PR/crawl-coordinator/pkg/models"
	"github.com/Sriram-PR/crawl-coordinator/pkg/utils"
)

// Options configures a fleet run
type Options struct {
	Workers      int  // Simulated Workers
	MaxInFlight  int  // Concurrent claims per Worker
	ShareSession bool // All Workers use one session (single-process backends such as embedded-kv)
}

// WorkerResult contains the outcome of one Worker
type WorkerResult struct {
	WorkerID  string
	SessionID string
	Claimed   int64
	Seen      int64
	Errors    int64
	Duration  time.Duration
	Err       error // Session-level failure (open), not per-claim errors
}

// Report summarizes a fleet run
type Report struct {
	Workers      []WorkerResult
	Requests     int
	Distinct     int   // Distinct fingerprints among valid requests
	Invalid      int   // Requests that could not be fingerprinted
	TotalClaimed int64 // Claims granted across all Workers
	TotalErrors  int64
	Duration     time.Duration
}

// Fleet manages parallel claiming by several Workers
type Fleet struct {
	cfg     config.BackendConfig
	fp      *fingerprint.Fingerprinter
	opts    Options
	log     *logrus.Entry
	metrics *metrics.Metrics
}

// New creates a fleet; non-positive counts default to one Worker with one claim in flight
func New(cfg config.BackendConfig, fp *fingerprint.Fingerprinter, opts Options, log *logrus.Entry, m *metrics.Metrics) *Fleet {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	if fp == nil {
		fp = fingerprint.New(fingerprint.DefaultOptions())
	}
	return &Fleet{cfg: cfg, fp: fp, opts: opts, log: log, metrics: m}
}

// Run has every Worker claim every request, then verifies the claim total
// Returns utils.ErrClaimMismatch (with the report) when more or fewer claims were granted than distinct requests
func (f *Fleet) Run(ctx context.Context, reqs []models.Request) (*Report, error) {
	startTime := time.Now()
	report := &Report{Requests: len(reqs)}

	distinct := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		fp, err := f.fp.Fingerprint(req)
		if err != nil {
			report.Invalid++
			continue
		}
		distinct[fp] = struct{}{}
	}
	report.Distinct = len(distinct)

	f.log.Infof("Starting fleet of %d workers over %d requests (%d distinct) on %s",
		f.opts.Workers, len(reqs), report.Distinct, f.cfg.Kind)

	var shared *coordinator.Coordinator
	if f.opts.ShareSession {
		c, err := f.openSession(ctx, f.log.WithField("worker", "shared"))
		if err != nil {
			return report, err
		}
		defer c.Close()
		shared = c
	}

	results := make([]WorkerResult, f.opts.Workers)
	var ready sync.WaitGroup
	start := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < f.opts.Workers; i++ {
		ready.Add(1)
		g.Go(func() error {
			results[i] = f.runWorker(gctx, i, reqs, shared, &ready, start)
			return results[i].Err
		})
	}

	// Release every Worker at once to maximize contention
	ready.Wait()
	close(start)
	groupErr := g.Wait()

	report.Workers = results
	for _, r := range results {
		report.TotalClaimed += r.Claimed
		report.TotalErrors += r.Errors
	}
	report.Duration = time.Since(startTime)
	f.logSummary(report)

	if groupErr != nil {
		return report, groupErr
	}
	if err := verify(report); err != nil {
		return report, err
	}
	return report, nil
}

func (f *Fleet) openSession(ctx context.Context, log *logrus.Entry) (*coordinator.Coordinator, error) {
	c, err := coordinator.New(f.cfg, f.fp, coordinator.WithLogger(log), coordinator.WithMetrics(f.metrics))
	if err != nil {
		return nil, err
	}
	if err := c.Open(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// runWorker opens the Worker's session, waits for the start signal, then claims every request
func (f *Fleet) runWorker(ctx context.Context, index int, reqs []models.Request, shared *coordinator.Coordinator, ready *sync.WaitGroup, start <-chan struct{}) WorkerResult {
	result := WorkerResult{WorkerID: uuid.NewString()}
	log := f.log.WithField("worker", result.WorkerID)

	c := shared
	if c == nil {
		opened, err := f.openSession(ctx, log)
		if err != nil {
			ready.Done()
			result.Err = fmt.Errorf("worker %d: %w", index, err)
			return result
		}
		defer opened.Close()
		c = opened
	}
	result.SessionID = c.SessionID()
	ready.Done()

	select {
	case <-start:
	case <-ctx.Done():
		result.Err = ctx.Err()
		return result
	}

	workerStart := time.Now()
	sem := semaphore.NewWeighted(int64(f.opts.MaxInFlight))
	var (
		wg                    sync.WaitGroup
		claimed, seen, failed atomic.Int64
	)

	// Each Worker walks the list from a different offset
	offset := 0
	if len(reqs) > 0 {
		offset = index * len(reqs) / f.opts.Workers
	}
	for n := range reqs {
		req := reqs[(offset+n)%len(reqs)]
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			alreadySeen, err := c.ClaimOrSeen(ctx, req)
			switch models.OutcomeOf(alreadySeen, err) {
			case models.OutcomeClaimed:
				claimed.Add(1)
			case models.OutcomeSeen:
				seen.Add(1)
			default:
				if !errors.Is(err, utils.ErrInvalidRequest) {
					failed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	result.Claimed = claimed.Load()
	result.Seen = seen.Load()
	result.Errors = failed.Load()
	result.Duration = time.Since(workerStart)
	return result
}

// verify checks the at-most-once claim property; when no claim failed it must also be exactly once
func verify(r *Report) error {
	if r.TotalClaimed > int64(r.Distinct) {
		return fmt.Errorf("%w: %d claims granted for %d distinct requests", utils.ErrClaimMismatch, r.TotalClaimed, r.Distinct)
	}
	if r.TotalErrors == 0 && r.TotalClaimed != int64(r.Distinct) {
		return fmt.Errorf("%w: %d claims granted for %d distinct requests", utils.ErrClaimMismatch, r.TotalClaimed, r.Distinct)
	}
	return nil
}

// logSummary logs a summary of all Worker results
func (f *Fleet) logSummary(r *Report) {
	f.log.Info("============================================")
	f.log.Infof("Fleet run completed in %v", r.Duration)
	for _, w := range r.Workers {
		status := "OK"
		if w.Err != nil {
			status = "FAILED"
		}
		f.log.Infof("  %s: %s - %d claimed, %d seen, %d errors in %v", w.WorkerID, status, w.Claimed, w.Seen, w.Errors, w.Duration)
		if w.Err != nil {
			f.log.Infof("    Error: %v", w.Err)
		}
	}
	f.log.Info("--------------------------------------------")
	f.log.Infof("Total: %d claimed of %d distinct (%d requests, %d invalid, %d errors)",
		r.TotalClaimed, r.Distinct, r.Requests, r.Invalid, r.TotalErrors)
	f.log.Info("============================================")
}
