package monitor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chainwatch/internal/config"
	"github.com/adred-codev/chainwatch/internal/registry"
	"github.com/adred-codev/chainwatch/internal/rpcgate"
)

// ErrUnknownChain is returned for operations naming a chain that is not
// configured or failed to dial.
var ErrUnknownChain = fmt.Errorf("monitor: unknown chain")

// ChainDiagnostics is one chain's entry in the debug snapshot.
type ChainDiagnostics struct {
	ChainID             uint64     `json:"chain_id"`
	WalletCount         int        `json:"wallet_count"`
	LastCheckedBlock    uint64     `json:"last_checked_block"`
	LastKnownHead       uint64     `json:"last_known_head"`
	BlocksSinceCheck    uint64     `json:"blocks_since_last_check"`
	StreamConnected     bool       `json:"stream_connected"`
	ConsecutiveRLErrors int        `json:"consecutive_rate_limit_errors"`
	ErrorsPerMinute     int        `json:"errors_per_minute"`
	BreakerOpenUntil    *time.Time `json:"breaker_open_until,omitempty"`
	BlocksInFlight      int        `json:"blocks_in_flight"`
	Checking            bool       `json:"checking"`
}

// Engine owns every per-chain monitor plus the shared registry and
// admission gate. A chain that fails to dial is logged and skipped;
// the remaining chains run unaffected.
type Engine struct {
	logger   zerolog.Logger
	cfg      *config.Config
	gate     *rpcgate.Gate
	registry *registry.Registry
	sink     Sink

	mu       sync.RWMutex
	monitors map[uint64]*Monitor
	clients  map[uint64]*RPCClient
}

// NewEngine dials each configured chain and builds its monitor. The
// registry's on-add hook is wired here so wallet registration schedules
// the backlog rescan.
func NewEngine(ctx context.Context, logger zerolog.Logger, cfg *config.Config, gate *rpcgate.Gate, reg *registry.Registry, sink Sink) *Engine {
	e := &Engine{
		logger:   logger.With().Str("component", "engine").Logger(),
		cfg:      cfg,
		gate:     gate,
		registry: reg,
		sink:     sink,
		monitors: make(map[uint64]*Monitor),
		clients:  make(map[uint64]*RPCClient),
	}

	for i, chain := range cfg.Chains {
		client, err := DialChain(ctx, chain)
		if err != nil {
			e.logger.Error().
				Err(err).
				Uint64("chain", chain.ChainID).
				Msg("chain disabled, dial failed")
			continue
		}

		opts := Options{
			HeadCacheAge:    cfg.HeadCacheAge(chain),
			Debounce:        cfg.Debounce,
			CheckInterval:   cfg.CheckInterval,
			PollInterval:    cfg.PollInterval,
			Stagger:         time.Duration(i) * cfg.PollInterval / time.Duration(len(cfg.Chains)),
			InitialWindow:   cfg.InitialWindow,
			NewWalletWindow: cfg.NewWalletWindow,
			MaxRetries:      cfg.MaxRetries,
			RetryBase:       cfg.RetryBase,
			RetryMax:        cfg.RetryMax,
			Throttle: ThrottleConfig{
				Concurrency:  cfg.ConcurrentBlocks,
				BatchPause:   cfg.BatchPause,
				Threshold:    cfg.BreakerThreshold,
				PerMinuteCap: cfg.ErrorsPerMinuteCap,
				Cooldown:     cfg.BreakerCooldown,
			},
		}

		e.clients[chain.ChainID] = client
		e.monitors[chain.ChainID] = New(logger, chain, opts, client, gate, reg, sink)
	}

	reg.SetOnAdd(func(chainID uint64) {
		if m := e.monitor(chainID); m != nil {
			m.ScheduleBacklog(cfg.NewWalletWindow)
		}
	})

	return e
}

// Run starts every monitor and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	e.mu.RLock()
	for _, m := range e.monitors {
		wg.Add(1)
		go func(m *Monitor) {
			defer wg.Done()
			m.Run(ctx)
		}(m)
	}
	e.mu.RUnlock()
	wg.Wait()

	e.mu.Lock()
	for _, c := range e.clients {
		c.Close()
	}
	e.mu.Unlock()
}

func (e *Engine) monitor(chainID uint64) *Monitor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.monitors[chainID]
}

// ChainIDs lists the chains that dialed successfully.
func (e *Engine) ChainIDs() []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]uint64, 0, len(e.monitors))
	for id := range e.monitors {
		ids = append(ids, id)
	}
	return ids
}

// TriggerCheck forces a check pass on one chain.
func (e *Engine) TriggerCheck(chainID uint64) error {
	m := e.monitor(chainID)
	if m == nil {
		return fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	m.TriggerCheck()
	return nil
}

// RegisterWallet adds a wallet to the watch set. A new wallet gets a
// backlog rescan via the registry's on-add hook.
func (e *Engine) RegisterWallet(ctx context.Context, chainID uint64, address, userID string) (bool, error) {
	if e.monitor(chainID) == nil {
		return false, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	return e.registry.Add(ctx, chainID, address, userID)
}

// Balance fetches a wallet's current balance through the admission
// gate. This is the BalanceFunc the persistence pipeline uses.
func (e *Engine) Balance(ctx context.Context, chainID uint64, wallet string) (bal *big.Int, err error) {
	m := e.monitor(chainID)
	if m == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	err = e.gate.Do(ctx, func(ctx context.Context) error {
		bal, err = m.client.BalanceAt(ctx, common.HexToAddress(wallet))
		return err
	})
	if err != nil {
		m.recordFailure(err)
		return nil, err
	}
	m.throttle.RecordSuccess()
	return bal, nil
}

// Client returns the dialed RPC client for a chain, used by the
// withdrawal path.
func (e *Engine) Client(chainID uint64) (*RPCClient, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.clients[chainID]
	return c, ok
}

// Diagnostics snapshots every chain's progress and throttle state.
func (e *Engine) Diagnostics() []ChainDiagnostics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := time.Now()
	out := make([]ChainDiagnostics, 0, len(e.monitors))
	for id, m := range e.monitors {
		head, _ := m.state.Head()
		last := m.state.LastChecked()
		d := ChainDiagnostics{
			ChainID:             id,
			WalletCount:         e.registry.Count(id),
			LastCheckedBlock:    last,
			LastKnownHead:       head,
			StreamConnected:     m.StreamConnected(),
			ConsecutiveRLErrors: m.throttle.Consecutive(),
			ErrorsPerMinute:     m.throttle.ErrorsPerMinute(now),
			BlocksInFlight:      m.state.InFlight(),
			Checking:            m.state.Checking(),
		}
		if head > last {
			d.BlocksSinceCheck = head - last
		}
		if until := m.throttle.OpenUntil(); !until.IsZero() && now.Before(until) {
			u := until
			d.BreakerOpenUntil = &u
		}
		out = append(out, d)
	}
	return out
}
