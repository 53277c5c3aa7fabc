package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/chainwatch/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(zerolog.Nop(), st), st
}

func TestAddAndLookup(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	added, err := r.Add(ctx, 8453, "0x00000000000000000000000000000000000000AA", "user-1")
	require.NoError(t, err)
	require.True(t, added)

	// Lookups are case-insensitive; storage is lowercase.
	userID, ok := r.UserFor(8453, "0x00000000000000000000000000000000000000aa")
	require.True(t, ok)
	require.Equal(t, "user-1", userID)

	userID, ok = r.UserFor(8453, "0x00000000000000000000000000000000000000AA")
	require.True(t, ok)
	require.Equal(t, "user-1", userID)

	_, ok = r.UserFor(1, "0x00000000000000000000000000000000000000aa")
	require.False(t, ok, "chains are isolated")
}

func TestAddIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	added, err := r.Add(ctx, 8453, "0xAA00000000000000000000000000000000000000", "user-1")
	require.NoError(t, err)
	require.True(t, added)

	added, err = r.Add(ctx, 8453, "0xaa00000000000000000000000000000000000000", "user-1")
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, 1, r.Count(8453))
}

func TestLoadPagesWallets(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, st.UpsertWallet(ctx, store.Wallet{
			Address: fmt.Sprintf("0x%040x", i+1),
			ChainID: 8453,
			UserID:  fmt.Sprintf("user-%d", i),
		}))
	}

	// Page size smaller than the table exercises the paging loop.
	require.NoError(t, r.Load(ctx, []uint64{8453, 1}, 3))
	require.Equal(t, 7, r.Count(8453))
	require.Zero(t, r.Count(1))
}

func TestSnapshotIsACopy(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Add(ctx, 8453, "0xaa00000000000000000000000000000000000000", "user-1")
	require.NoError(t, err)

	snap := r.Snapshot(8453)
	require.Len(t, snap, 1)
	snap["0xbb00000000000000000000000000000000000000"] = "intruder"
	require.Equal(t, 1, r.Count(8453), "mutating a snapshot must not touch the registry")
}

func TestConcurrentAddSingleInsert(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	var added atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.Add(ctx, 8453, "0xcc00000000000000000000000000000000000000", "user-1")
			require.NoError(t, err)
			if ok {
				added.Add(1)
			}
		}()
	}
	wg.Wait()

	// Concurrent callers may share the collapsed result, but only one
	// row exists.
	require.Equal(t, 1, r.Count(8453))
	require.GreaterOrEqual(t, added.Load(), int32(1))
}