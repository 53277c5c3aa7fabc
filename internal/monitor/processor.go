package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/adred-codev/chainwatch/internal/metrics"
	"github.com/adred-codev/chainwatch/internal/persist"
	"github.com/adred-codev/chainwatch/internal/store"
)

// extra window passes one check may run when the head advanced while it
// was working, before yielding back to the dispatch loop.
const maxFollowUps = 3

// runCheck is one check pass: establish the window (last checked,
// current head], process it in throttle-sized chunks, and commit the
// highest contiguous block. If the head moved meanwhile the pass
// follows it a bounded number of times.
func (m *Monitor) runCheck(ctx context.Context, headHint uint64) {
	now := time.Now()
	chainLabel := metrics.Chain(m.chain.ChainID)
	if m.throttle.IsOpen(now) {
		metrics.BreakerOpen.WithLabelValues(chainLabel).Set(1)
		m.logger.Debug().
			Time("open_until", m.throttle.OpenUntil()).
			Msg("check skipped, breaker open")
		return
	}
	metrics.BreakerOpen.WithLabelValues(chainLabel).Set(0)

	m.state.beginPass()
	defer m.state.endPass()

	if headHint > 0 {
		m.state.ObserveHead(headHint)
	}

	for i := 0; i <= maxFollowUps; i++ {
		if ctx.Err() != nil {
			return
		}
		if m.throttle.IsOpen(time.Now()) {
			metrics.BreakerOpen.WithLabelValues(chainLabel).Set(1)
			m.logger.Debug().
				Time("open_until", m.throttle.OpenUntil()).
				Msg("check halted, breaker open")
			return
		}

		last := m.state.LastChecked()
		head, err := m.currentHead(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Msg("check aborted, no head")
			return
		}
		if head <= last {
			return
		}

		m.processWindow(ctx, last, head)

		metrics.LastCheckedBlock.WithLabelValues(chainLabel).Set(float64(m.state.LastChecked()))
		if h, _ := m.state.Head(); h >= m.state.LastChecked() {
			metrics.BlocksBehind.WithLabelValues(chainLabel).Set(float64(h - m.state.LastChecked()))
		}

		// Follow up only when the head moved past the window this pass
		// just covered. A failed block inside the window belongs to the
		// next pass; re-reading it here would burn the retry budget
		// twice on the same provider trouble.
		if h, _ := m.state.Head(); h <= head {
			return
		}
	}
}

// processWindow walks (last, head] in chunks whose size and pacing the
// throttle decides per chunk, then commits the highest block with no
// unprocessed block below it. A mid-window failure caps progress so the
// failed block is retried by the next pass.
func (m *Monitor) processWindow(ctx context.Context, last, head uint64) {
	if head-last > m.longGap {
		m.logger.Warn().
			Uint64("last_checked", last).
			Uint64("head", head).
			Uint64("gap", head-last).
			Msg("large catch-up window")
	}

	wallets := m.registry.Snapshot(m.chain.ChainID)
	processed := make(map[uint64]bool, head-last)

	for next := last + 1; next <= head; {
		if ctx.Err() != nil {
			break
		}
		now := time.Now()
		if m.throttle.IsOpen(now) {
			metrics.BreakerOpen.WithLabelValues(metrics.Chain(m.chain.ChainID)).Set(1)
			m.logger.Warn().
				Uint64("next", next).
				Uint64("head", head).
				Msg("window abandoned, breaker open")
			break
		}
		concurrent, pause := m.throttle.Plan(now)

		end := next + uint64(concurrent) - 1
		if end > head {
			end = head
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for b := next; b <= end; b++ {
			if !m.state.ClaimBlock(b) {
				// Checked already or owned by a backlog pass; either
				// way not ours, and not a reason to stall progress.
				mu.Lock()
				processed[b] = b <= m.state.LastChecked()
				mu.Unlock()
				continue
			}
			wg.Add(1)
			go func(b uint64) {
				defer wg.Done()
				defer m.state.ReleaseBlock(b)
				ok := m.processBlock(ctx, b, wallets)
				mu.Lock()
				processed[b] = ok
				mu.Unlock()
			}(b)
		}
		wg.Wait()

		next = end + 1
		if next <= head && pause > 0 {
			if !sleep(ctx, pause) {
				break
			}
		}
	}

	highest := last
	for b := last + 1; b <= head; b++ {
		if !processed[b] {
			break
		}
		highest = b
	}
	if highest > last {
		m.state.CommitProgress(highest)
	}
}

// runBacklog rescans the last window blocks for a freshly registered
// wallet. The checkpoint is left alone: blocks at or below it are
// re-read on purpose, and the idempotent insert swallows anything the
// regular passes already recorded.
func (m *Monitor) runBacklog(ctx context.Context, window uint64) {
	head, err := m.currentHead(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("backlog check aborted, no head")
		return
	}
	if m.throttle.IsOpen(time.Now()) {
		m.logger.Debug().Msg("backlog check skipped, breaker open")
		return
	}

	from := uint64(1)
	if head > window {
		from = head - window + 1
	}

	m.logger.Info().
		Uint64("from", from).
		Uint64("to", head).
		Msg("running backlog check for new wallet")

	wallets := m.registry.Snapshot(m.chain.ChainID)
	for b := from; b <= head; b++ {
		if ctx.Err() != nil {
			return
		}
		if m.throttle.IsOpen(time.Now()) {
			m.logger.Debug().Uint64("block", b).Msg("backlog check halted, breaker open")
			return
		}
		if !m.state.ClaimBacklogBlock(b) {
			continue
		}
		m.processBlock(ctx, b, wallets)
		m.state.ReleaseBlock(b)

		if _, pause := m.throttle.Plan(time.Now()); pause > 0 {
			if !sleep(ctx, pause) {
				return
			}
		}
	}
}

// processBlock fetches one block with retry, promotes a hashes-only
// body if the provider degraded the response, and enqueues every
// transaction that lands on a monitored wallet. Returns false when the
// block could not be fully processed.
func (m *Monitor) processBlock(ctx context.Context, number uint64, wallets map[string]string) bool {
	blk, err := m.fetchBlock(ctx, number)
	if err != nil {
		m.logger.Warn().Err(err).Uint64("block", number).Msg("block fetch failed")
		return false
	}

	txs := blk.Body.Full
	if !blk.Body.IsFull() {
		txs, err = m.promoteBody(ctx, blk, wallets)
		if err != nil {
			m.logger.Warn().Err(err).Uint64("block", number).Msg("block promotion failed")
			return false
		}
	}

	for i := range txs {
		if !m.enqueueIfMatch(ctx, blk, &txs[i], wallets) {
			return false
		}
	}
	return true
}

// fetchBlock is the retrying block read. Rate-limit and timeout
// failures back off exponentially between attempts; anything else
// retries on the same schedule since transient provider hiccups look
// like everything from EOF to 503.
func (m *Monitor) fetchBlock(ctx context.Context, number uint64) (*Block, error) {
	var blk *Block
	var lastErr error

	backoff := m.opts.RetryBase
	for attempt := 0; attempt <= m.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if !sleep(ctx, backoff) {
				return nil, ctx.Err()
			}
			backoff = min(backoff*2, m.opts.RetryMax)
		}

		err := m.gate.Do(ctx, func(ctx context.Context) error {
			var err error
			blk, err = m.client.BlockByNumber(ctx, number)
			return err
		})
		if err == nil {
			metrics.RPCCalls.WithLabelValues("block", "ok").Inc()
			m.throttle.RecordSuccess()
			return blk, nil
		}

		metrics.RPCCalls.WithLabelValues("block", "error").Inc()
		m.recordFailure(err)
		lastErr = err

		if m.throttle.IsOpen(time.Now()) {
			break
		}
	}
	return nil, lastErr
}

// promoteBody upgrades a hashes-only block to full transactions. With a
// small watch set it would be tempting to skip the promotion entirely,
// but a hash alone cannot be matched, so every hash costs one lookup.
func (m *Monitor) promoteBody(ctx context.Context, blk *Block, wallets map[string]string) ([]Tx, error) {
	txs := make([]Tx, 0, len(blk.Body.Hashes))
	for _, h := range blk.Body.Hashes {
		var tx *Tx
		err := m.gate.Do(ctx, func(ctx context.Context) error {
			var err error
			tx, err = m.client.TransactionByHash(ctx, h)
			return err
		})
		if err != nil {
			metrics.RPCCalls.WithLabelValues("tx", "error").Inc()
			m.recordFailure(err)
			return nil, err
		}
		metrics.RPCCalls.WithLabelValues("tx", "ok").Inc()
		m.throttle.RecordSuccess()
		txs = append(txs, *tx)
	}
	return txs, nil
}

// enqueueIfMatch applies the matching rules and hands a hit to the
// sink. Contract creations, zero-value calls and self-transfers are
// skipped; a monitored sender means the movement is a withdrawal
// already recorded by the withdrawal path, not a deposit.
func (m *Monitor) enqueueIfMatch(ctx context.Context, blk *Block, tx *Tx, wallets map[string]string) bool {
	if tx.To == nil {
		return true
	}
	if tx.Value == nil || tx.Value.ToInt().Sign() == 0 {
		return true
	}

	to := strings.ToLower(tx.To.Hex())
	from := strings.ToLower(tx.From.Hex())
	if to == from {
		return true
	}

	userID, watched := wallets[to]
	if !watched {
		return true
	}
	if _, fromWatched := wallets[from]; fromWatched {
		return true
	}

	err := m.sink.Enqueue(ctx, persist.Candidate{
		Type:           store.TypeDeposit,
		ChainID:        m.chain.ChainID,
		Wallet:         to,
		From:           from,
		To:             to,
		Amount:         tx.Value.ToInt(),
		TxHash:         strings.ToLower(tx.Hash.Hex()),
		BlockNumber:    blk.Number,
		BlockTimestamp: blk.Timestamp,
		UserID:         userID,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("tx", tx.Hash.Hex()).Msg("enqueue aborted")
		return false
	}
	return true
}
