package monitor

import (
	"sync"
	"time"
)

// ChainState is the mutable per-chain progress record shared between
// the head tracker, the dispatch loop and the block processor.
//
// Progress only moves forward: the committed checkpoint and the cached
// head are both monotone, so a stale poll result or an out-of-order
// stream delivery can never rewind a chain.
type ChainState struct {
	mu          sync.Mutex
	lastChecked uint64
	head        uint64
	headAt      time.Time
	inFlight    map[uint64]struct{}
	checking    bool
	lastPassAt  time.Time
}

func NewChainState() *ChainState {
	return &ChainState{inFlight: make(map[uint64]struct{})}
}

// ObserveHead records a head observation. Older numbers are ignored;
// the timestamp still refreshes on an equal head so a healthy stream
// keeps the cache warm between blocks.
func (s *ChainState) ObserveHead(n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < s.head {
		return false
	}
	advanced := n > s.head
	s.head = n
	s.headAt = time.Now()
	return advanced
}

// Head returns the cached head and when it was observed.
func (s *ChainState) Head() (uint64, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, s.headAt
}

// LastChecked returns the committed checkpoint.
func (s *ChainState) LastChecked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChecked
}

// CommitProgress advances the checkpoint. Backwards commits are
// dropped.
func (s *ChainState) CommitProgress(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.lastChecked {
		s.lastChecked = n
	}
}

// SkipTo force-advances the checkpoint past a gap that is too large to
// process, e.g. after a long stream outage. Still forward-only.
func (s *ChainState) SkipTo(n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= s.lastChecked {
		return false
	}
	s.lastChecked = n
	return true
}

// ClaimBlock reserves a block for processing. Returns false when the
// block is already checked or another pass holds it.
func (s *ChainState) ClaimBlock(n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= s.lastChecked {
		return false
	}
	if _, busy := s.inFlight[n]; busy {
		return false
	}
	s.inFlight[n] = struct{}{}
	return true
}

// ClaimBacklogBlock reserves a block for a backlog rescan. Unlike
// ClaimBlock it admits blocks at or below the checkpoint, since a
// wallet registered late needs those re-read, but it still refuses
// blocks some other pass holds.
func (s *ChainState) ClaimBacklogBlock(n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[n]; busy {
		return false
	}
	s.inFlight[n] = struct{}{}
	return true
}

// ReleaseBlock returns a claimed block.
func (s *ChainState) ReleaseBlock(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, n)
}

// InFlight returns how many blocks are currently claimed.
func (s *ChainState) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *ChainState) beginPass() {
	s.mu.Lock()
	s.checking = true
	s.mu.Unlock()
}

func (s *ChainState) endPass() {
	s.mu.Lock()
	s.checking = false
	s.lastPassAt = time.Now()
	s.mu.Unlock()
}

// Checking reports whether a pass is currently running.
func (s *ChainState) Checking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checking
}
