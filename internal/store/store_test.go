package store

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDeposit() Activity {
	return Activity{
		Type:           TypeDeposit,
		WalletAddress:  "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		FromAddress:    "0xEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEE",
		ToAddress:      "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		Amount:         "1000000000000000000",
		TxHash:         "0xaa11",
		BlockNumber:    101,
		BlockTimestamp: 1700000000,
		ChainID:        8453,
		UserID:         "user-1",
	}
}

func TestInsertActivityIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.InsertActivity(ctx, sampleDeposit())
	require.NoError(t, err)
	require.True(t, inserted)

	// Same key again: swallowed, not an error.
	inserted, err = s.InsertActivity(ctx, sampleDeposit())
	require.NoError(t, err)
	require.False(t, inserted)

	n, err := s.CountActivities(ctx, "0xAA11", 8453, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", TypeDeposit)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestInsertActivityKeyIncludesType(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dep := sampleDeposit()
	inserted, err := s.InsertActivity(ctx, dep)
	require.NoError(t, err)
	require.True(t, inserted)

	// Same tx/chain/wallet but withdraw type is a distinct row.
	wd := dep
	wd.Type = TypeWithdraw
	inserted, err = s.InsertActivity(ctx, wd)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestInsertActivitiesBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleDeposit()
	b := sampleDeposit()
	b.TxHash = "0xbb22"
	dup := sampleDeposit()

	n, err := s.InsertActivities(ctx, []Activity{a, b, dup})
	require.NoError(t, err)
	require.Equal(t, 2, n, "duplicate inside the batch must not count")

	acts, err := s.ActivitiesForWallet(ctx, 8453, a.WalletAddress, 10)
	require.NoError(t, err)
	require.Len(t, acts, 2)
}

func TestBackfillGas(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleDeposit()
	a.Type = TypeWithdraw
	_, err := s.InsertActivity(ctx, a)
	require.NoError(t, err)

	require.NoError(t, s.BackfillGas(ctx, a.TxHash, a.ChainID, 21000, big.NewInt(42_000_000_000_000)))

	acts, err := s.ActivitiesForWallet(ctx, a.ChainID, a.WalletAddress, 1)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	require.Equal(t, uint64(21000), acts[0].GasUsed)
	require.Equal(t, "42000000000000", acts[0].GasCost)
}

func TestWalletPagingAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, w := range []Wallet{
		{Address: "0x01", ChainID: 1, UserID: "u1"},
		{Address: "0x02", ChainID: 1, UserID: "u2"},
		{Address: "0x03", ChainID: 1, UserID: "u3"},
		{Address: "0x04", ChainID: 8453, UserID: "u1"},
	} {
		require.NoError(t, s.UpsertWallet(ctx, w))
	}
	// Idempotent re-register.
	require.NoError(t, s.UpsertWallet(ctx, Wallet{Address: "0x01", ChainID: 1, UserID: "u1"}))

	page, err := s.WalletsPage(ctx, 1, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)

	page, err = s.WalletsPage(ctx, 1, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)

	w, err := s.WalletForUser(ctx, 8453, "u1")
	require.NoError(t, err)
	require.Equal(t, "0x04", w.Address)

	require.NoError(t, s.UpdateWalletAddress(ctx, 8453, "u1", "0x0444"))
	w, err = s.WalletForUser(ctx, 8453, "u1")
	require.NoError(t, err)
	require.Equal(t, "0x0444", w.Address)
}

func TestAddressesNormalizedLowercase(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleDeposit()
	_, err := s.InsertActivity(ctx, a)
	require.NoError(t, err)

	// Mixed-case rendition of the same key must collide.
	a2 := a
	a2.TxHash = "0xAA11"
	inserted, err := s.InsertActivity(ctx, a2)
	require.NoError(t, err)
	require.False(t, inserted)
}
