package storage

import (
	"context"
	"fmt"

	"github.com/Sriram-PR/crawl-coordinator/pkg/utils"
)

// Backend is the persistence strategy behind a Coordinator's Seen-Set
// Implementations must make ClaimOrSeen atomic under their own concurrency model:
// of any number of concurrent calls for one fingerprint, exactly one returns false
type Backend interface {
	// Open establishes resources for the session
	// Fails with utils.ErrConnection or utils.ErrSchema (wrapped)
	Open(ctx context.Context) error

	// ClaimOrSeen inserts the fingerprint if absent and returns false (claim granted),
	// or returns true when it was already present
	// Infrastructure failures are returned as errors, never as a boolean result
	ClaimOrSeen(ctx context.Context, fingerprint string) (alreadySeen bool, err error)

	// Clear removes every stored fingerprint
	// Administrative only; not safe while Workers are claiming
	Clear(ctx context.Context) error

	// Close releases resources; safe to call after a failed or missing Open
	Close() error
}

// Counter is implemented by backends that can report the Seen-Set size
type Counter interface {
	// Count returns the number of stored fingerprints
	Count(ctx context.Context) (int, error)
}

// checkFingerprint rejects empty fingerprints before they reach a store
func checkFingerprint(fingerprint string) error {
	if fingerprint == "" {
		return fmt.Errorf("%w: empty fingerprint", utils.ErrInvalidRequest)
	}
	return nil
}
