package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainStateHeadIsMonotone(t *testing.T) {
	s := NewChainState()

	require.True(t, s.ObserveHead(100))
	require.False(t, s.ObserveHead(99)) // stale poll result
	h, _ := s.Head()
	require.Equal(t, uint64(100), h)

	require.False(t, s.ObserveHead(100)) // same head refreshes, no advance
	require.True(t, s.ObserveHead(101))
}

func TestChainStateProgressNeverRewinds(t *testing.T) {
	s := NewChainState()

	s.CommitProgress(50)
	s.CommitProgress(40)
	require.Equal(t, uint64(50), s.LastChecked())

	require.True(t, s.SkipTo(200))
	require.False(t, s.SkipTo(150))
	require.Equal(t, uint64(200), s.LastChecked())
}

func TestChainStateClaims(t *testing.T) {
	s := NewChainState()
	s.CommitProgress(10)

	require.False(t, s.ClaimBlock(10), "checked blocks are not claimable")
	require.True(t, s.ClaimBlock(11))
	require.False(t, s.ClaimBlock(11), "double claim")
	require.Equal(t, 1, s.InFlight())

	s.ReleaseBlock(11)
	require.True(t, s.ClaimBlock(11))
	s.ReleaseBlock(11)
}

func TestChainStateBacklogClaimsBelowCheckpoint(t *testing.T) {
	s := NewChainState()
	s.CommitProgress(100)

	// Backlog rescans re-read already-checked blocks, but never one
	// another pass holds.
	require.True(t, s.ClaimBacklogBlock(50))
	require.False(t, s.ClaimBacklogBlock(50))
	require.False(t, s.ClaimBlock(101) && s.ClaimBacklogBlock(101))
	s.ReleaseBlock(50)
	s.ReleaseBlock(101)
}
