package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/crawl-coordinator/pkg/utils"
)

const (
	fpA = "6b86b273ff34fce19d6b804eff5a3f5747ada4eaa22f1d49c01e52ddb7875b4b"
	fpB = "d4735e3a265e16eee03f59718b9b5d03019c07d8b6c51f90da3a666eec13ab35"
)

// runBackendContract exercises the behaviour every Backend must share
func runBackendContract(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Helper()
	ctx := context.Background()

	open := func(t *testing.T) Backend {
		t.Helper()
		b := newBackend(t)
		require.NoError(t, b.Open(ctx))
		t.Cleanup(func() { b.Close() })
		return b
	}

	t.Run("claim before open is rejected", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.ClaimOrSeen(ctx, fpA)
		assert.ErrorIs(t, err, utils.ErrNotOpen)
		assert.NoError(t, b.Close())
	})

	t.Run("first claim granted then seen", func(t *testing.T) {
		b := open(t)

		seen, err := b.ClaimOrSeen(ctx, fpA)
		require.NoError(t, err)
		assert.False(t, seen, "first claim")

		seen, err = b.ClaimOrSeen(ctx, fpA)
		require.NoError(t, err)
		assert.True(t, seen, "repeat claim")

		seen, err = b.ClaimOrSeen(ctx, fpB)
		require.NoError(t, err)
		assert.False(t, seen, "other fingerprint")
	})

	t.Run("empty fingerprint is invalid", func(t *testing.T) {
		b := open(t)
		_, err := b.ClaimOrSeen(ctx, "")
		assert.ErrorIs(t, err, utils.ErrInvalidRequest)
	})

	t.Run("concurrent claims yield exactly one grant", func(t *testing.T) {
		b := open(t)
		const callers = 32
		var granted, seen atomic.Int32
		var wg sync.WaitGroup
		errs := make(chan error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				already, err := b.ClaimOrSeen(ctx, fpA)
				if err != nil {
					errs <- err
					return
				}
				if already {
					seen.Add(1)
				} else {
					granted.Add(1)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, int32(1), granted.Load())
		assert.Equal(t, int32(callers-1), seen.Load())
	})

	t.Run("clear resets state", func(t *testing.T) {
		b := open(t)
		for i := 0; i < 5; i++ {
			_, err := b.ClaimOrSeen(ctx, fmt.Sprintf("%064x", i+1))
			require.NoError(t, err)
		}
		if c, ok := b.(Counter); ok {
			n, err := c.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 5, n)
		}

		require.NoError(t, b.Clear(ctx))

		if c, ok := b.(Counter); ok {
			n, err := c.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		}
		seen, err := b.ClaimOrSeen(ctx, fmt.Sprintf("%064x", 1))
		require.NoError(t, err)
		assert.False(t, seen, "claim granted again after clear")
	})

	t.Run("close is idempotent and ends the session", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Open(ctx))
		assert.NoError(t, b.Close())
		assert.NoError(t, b.Close())
		_, err := b.ClaimOrSeen(ctx, fpA)
		assert.ErrorIs(t, err, utils.ErrNotOpen)
	})
}
