// Package registry keeps the in-memory watch set: which addresses we
// monitor on each chain and which user owns each. The database is the
// source of truth; the maps exist so the block processor can test a
// few hundred transactions per block without touching SQLite.
package registry

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/adred-codev/chainwatch/internal/metrics"
	"github.com/adred-codev/chainwatch/internal/store"
)

// Registry is the per-chain address -> user index.
type Registry struct {
	logger zerolog.Logger
	store  *store.Store

	group singleflight.Group // collapses concurrent Add calls per address

	mu      sync.RWMutex
	byChain map[uint64]map[string]string
	onAdd   func(chainID uint64)
}

func New(logger zerolog.Logger, st *store.Store) *Registry {
	return &Registry{
		logger:  logger.With().Str("component", "registry").Logger(),
		store:   st,
		byChain: make(map[uint64]map[string]string),
	}
}

// SetOnAdd installs the callback fired after a wallet is newly added,
// used to schedule the recent-blocks backlog check for that chain.
func (r *Registry) SetOnAdd(fn func(chainID uint64)) {
	r.mu.Lock()
	r.onAdd = fn
	r.mu.Unlock()
}

// Load pages the wallet table into memory for the given chains. Called
// once at startup before the monitors run.
func (r *Registry) Load(ctx context.Context, chainIDs []uint64, pageSize int) error {
	if pageSize < 1 {
		pageSize = 500
	}
	for _, chainID := range chainIDs {
		set := make(map[string]string)
		for offset := 0; ; offset += pageSize {
			page, err := r.store.WalletsPage(ctx, chainID, offset, pageSize)
			if err != nil {
				return err
			}
			for _, w := range page {
				set[strings.ToLower(w.Address)] = w.UserID
			}
			if len(page) < pageSize {
				break
			}
		}

		r.mu.Lock()
		r.byChain[chainID] = set
		r.mu.Unlock()

		metrics.WalletsMonitored.WithLabelValues(metrics.Chain(chainID)).Set(float64(len(set)))
		r.logger.Info().
			Uint64("chain", chainID).
			Int("wallets", len(set)).
			Msg("watch set loaded")
	}
	return nil
}

// Add registers a wallet for monitoring: persists it, updates the
// in-memory set, and fires the backlog callback if the wallet is new.
// Adding an address twice is a no-op.
func (r *Registry) Add(ctx context.Context, chainID uint64, address, userID string) (bool, error) {
	addr := strings.ToLower(address)
	key := metrics.Chain(chainID) + ":" + addr

	added, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.RLock()
		_, known := r.byChain[chainID][addr]
		r.mu.RUnlock()
		if known {
			return false, nil
		}

		if err := r.store.UpsertWallet(ctx, store.Wallet{
			Address: addr,
			ChainID: chainID,
			UserID:  userID,
		}); err != nil {
			return false, err
		}

		r.mu.Lock()
		set := r.byChain[chainID]
		if set == nil {
			set = make(map[string]string)
			r.byChain[chainID] = set
		}
		set[addr] = userID
		count := len(set)
		onAdd := r.onAdd
		r.mu.Unlock()

		metrics.WalletsMonitored.WithLabelValues(metrics.Chain(chainID)).Set(float64(count))
		r.logger.Info().
			Uint64("chain", chainID).
			Str("wallet", addr).
			Str("user_id", userID).
			Msg("wallet registered")

		if onAdd != nil {
			go onAdd(chainID)
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return added.(bool), nil
}

// Snapshot returns a copy of one chain's watch set. The block processor
// takes one snapshot per pass; wallets added mid-pass are covered by
// their own backlog check.
func (r *Registry) Snapshot(chainID uint64) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byChain[chainID]
	out := make(map[string]string, len(set))
	for addr, userID := range set {
		out[addr] = userID
	}
	return out
}

// UserFor resolves a monitored address to its owner.
func (r *Registry) UserFor(chainID uint64, address string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byChain[chainID][strings.ToLower(address)]
	return userID, ok
}

// Count returns the watch-set size for one chain.
func (r *Registry) Count(chainID uint64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChain[chainID])
}
