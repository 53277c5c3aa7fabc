// Package persist is the write side of the monitor: a bounded queue of
// detected movements drained by a small pool of workers that perform the
// idempotent activity insert, fire the realtime events and coalesce
// balance refreshes.
//
// The queue applies back-pressure upstream: a block-processor pass that
// out-runs the database blocks on Enqueue instead of growing an
// unbounded buffer.
package persist

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chainwatch/internal/emitter"
	"github.com/adred-codev/chainwatch/internal/metrics"
	"github.com/adred-codev/chainwatch/internal/store"
)

// Candidate is one movement awaiting persistence. Addresses and hashes
// are lowercase hex strings.
type Candidate struct {
	Type           string // store.TypeDeposit or store.TypeWithdraw
	ChainID        uint64
	Wallet         string
	From           string
	To             string
	Amount         *big.Int
	TxHash         string
	BlockNumber    uint64
	BlockTimestamp uint64
	UserID         string
	GasUsed        uint64
	GasCost        *big.Int
}

// BalanceFunc fetches a wallet's current balance. Implementations go
// through the RPC admission gate.
type BalanceFunc func(ctx context.Context, chainID uint64, wallet string) (*big.Int, error)

type refreshKey struct {
	chainID uint64
	wallet  string
}

// Pipeline persists candidates and emits the resulting events.
type Pipeline struct {
	logger  zerolog.Logger
	store   *store.Store
	emit    emitter.Emitter
	balance BalanceFunc

	queue chan Candidate

	refreshMu sync.Mutex
	refresh   map[refreshKey]string // key -> userID

	refreshEvery time.Duration
	workers      int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pipeline. queueSize bounds the in-flight candidates;
// workers is the insert pool size (small, inserts are cheap).
func New(logger zerolog.Logger, st *store.Store, emit emitter.Emitter, balance BalanceFunc, queueSize, workers int) *Pipeline {
	if queueSize < 1 {
		queueSize = 256
	}
	if workers < 1 {
		workers = 2
	}
	return &Pipeline{
		logger:       logger.With().Str("component", "persist").Logger(),
		store:        st,
		emit:         emit,
		balance:      balance,
		queue:        make(chan Candidate, queueSize),
		refresh:      make(map[refreshKey]string),
		refreshEvery: time.Second,
		workers:      workers,
	}
}

// Start launches the worker pool and the balance-refresh coalescer.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.wg.Add(1)
	go p.refreshLoop()
}

// Stop cancels workers and waits for them to drain.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Enqueue hands a candidate to the worker pool, blocking when the queue
// is full. Returns the ctx error if the caller is cancelled first.
func (p *Pipeline) Enqueue(ctx context.Context, c Candidate) error {
	select {
	case p.queue <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SaveBatch is the recovery path: one transaction for many candidates,
// duplicates swallowed. Realtime events are skipped (the rows may be
// old); balance refreshes are still coalesced so the UI converges.
func (p *Pipeline) SaveBatch(ctx context.Context, cands []Candidate) (int, error) {
	batch := make([]store.Activity, len(cands))
	for i, c := range cands {
		batch[i] = toActivity(c)
	}
	n, err := p.store.InsertActivities(ctx, batch)
	if err != nil {
		return n, err
	}
	for _, c := range cands {
		p.scheduleRefresh(c.ChainID, c.Wallet, c.UserID)
	}
	return n, nil
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case c := <-p.queue:
			p.handle(c)
		}
	}
}

func (p *Pipeline) handle(c Candidate) {
	inserted, err := p.store.InsertActivity(p.ctx, toActivity(c))
	if err != nil {
		p.logger.Error().
			Err(err).
			Str("tx", c.TxHash).
			Uint64("chain", c.ChainID).
			Msg("failed to persist activity")
		return
	}

	chainLabel := metrics.Chain(c.ChainID)
	if !inserted {
		// Another pass already recorded this movement. Counted as
		// success; no second notification. If this copy carries gas
		// data the earlier row may lack, fill it in.
		if c.GasUsed > 0 && c.GasCost != nil {
			if err := p.store.BackfillGas(p.ctx, c.TxHash, c.ChainID, c.GasUsed, c.GasCost); err != nil {
				p.logger.Warn().Err(err).Str("tx", c.TxHash).Msg("gas backfill failed")
			}
		}
		metrics.ActivitiesDuplicate.WithLabelValues(chainLabel, c.Type).Inc()
		return
	}
	metrics.ActivitiesInserted.WithLabelValues(chainLabel, c.Type).Inc()

	p.logger.Info().
		Str("type", c.Type).
		Str("wallet", c.Wallet).
		Str("tx", c.TxHash).
		Uint64("block", c.BlockNumber).
		Uint64("chain", c.ChainID).
		Str("amount", c.Amount.String()).
		Msg("activity recorded")

	p.emitActivity(c)
	p.scheduleRefresh(c.ChainID, c.Wallet, c.UserID)
}

func (p *Pipeline) emitActivity(c Candidate) {
	switch c.Type {
	case store.TypeDeposit:
		payload := emitter.Deposit{
			WalletAddress:   c.Wallet,
			FromAddress:     c.From,
			Amount:          c.Amount.String(),
			AmountFormatted: emitter.FormatUnits(c.Amount),
			TxHash:          c.TxHash,
			BlockNumber:     c.BlockNumber,
			BlockTimestamp:  c.BlockTimestamp,
			ChainID:         c.ChainID,
			UserID:          c.UserID,
			Type:            store.TypeDeposit,
		}
		if c.UserID != "" {
			p.emit.EmitToUser(c.UserID, emitter.EventDepositDetected, payload)
		} else {
			p.emit.Broadcast(emitter.EventDepositDetected, payload)
		}
	case store.TypeWithdraw:
		payload := emitter.Withdraw{
			WalletAddress:   c.Wallet,
			ToAddress:       c.To,
			Amount:          c.Amount.String(),
			AmountFormatted: emitter.FormatUnits(c.Amount),
			TxHash:          c.TxHash,
			BlockNumber:     c.BlockNumber,
			BlockTimestamp:  c.BlockTimestamp,
			ChainID:         c.ChainID,
			UserID:          c.UserID,
			Type:            store.TypeWithdraw,
		}
		if c.UserID != "" {
			p.emit.EmitToUser(c.UserID, emitter.EventWithdrawDetected, payload)
		} else {
			p.emit.Broadcast(emitter.EventWithdrawDetected, payload)
		}
	}
}

// scheduleRefresh records that a wallet needs a fresh balance pushed.
// Many candidates for the same wallet inside one flush interval collapse
// to a single RPC call.
func (p *Pipeline) scheduleRefresh(chainID uint64, wallet, userID string) {
	p.refreshMu.Lock()
	p.refresh[refreshKey{chainID: chainID, wallet: wallet}] = userID
	p.refreshMu.Unlock()
}

func (p *Pipeline) refreshLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.flushRefreshes()
		}
	}
}

func (p *Pipeline) flushRefreshes() {
	p.refreshMu.Lock()
	if len(p.refresh) == 0 {
		p.refreshMu.Unlock()
		return
	}
	pending := p.refresh
	p.refresh = make(map[refreshKey]string)
	p.refreshMu.Unlock()

	for key, userID := range pending {
		bal, err := p.balance(p.ctx, key.chainID, key.wallet)
		if err != nil {
			// A failed refresh never rolls anything back; the next
			// deposit or withdrawal re-triggers it.
			metrics.BalanceRefreshes.WithLabelValues("error").Inc()
			p.logger.Warn().
				Err(err).
				Str("wallet", key.wallet).
				Uint64("chain", key.chainID).
				Msg("balance refresh failed")
			continue
		}
		metrics.BalanceRefreshes.WithLabelValues("ok").Inc()

		payload := emitter.BalanceUpdate{
			WalletAddress:    key.wallet,
			Balance:          bal.String(),
			BalanceFormatted: emitter.FormatUnits(bal),
			ChainID:          key.chainID,
			UserID:           userID,
			Timestamp:        time.Now().UnixMilli(),
		}
		if userID != "" {
			p.emit.EmitToUser(userID, emitter.EventBalanceUpdate, payload)
		} else {
			p.emit.Broadcast(emitter.EventBalanceUpdate, payload)
		}
	}
}

func toActivity(c Candidate) store.Activity {
	a := store.Activity{
		Type:           c.Type,
		WalletAddress:  c.Wallet,
		FromAddress:    c.From,
		ToAddress:      c.To,
		Amount:         c.Amount.String(),
		TxHash:         c.TxHash,
		BlockNumber:    c.BlockNumber,
		BlockTimestamp: c.BlockTimestamp,
		ChainID:        c.ChainID,
		Status:         store.StatusConfirmed,
		UserID:         c.UserID,
	}
	if c.GasUsed > 0 {
		a.GasUsed = c.GasUsed
	}
	if c.GasCost != nil {
		a.GasCost = c.GasCost.String()
	}
	return a
}
