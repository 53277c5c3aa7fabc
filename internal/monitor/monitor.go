// Package monitor watches configured chains for movements on monitored
// wallets. One Monitor per chain runs three loops: a stream loop that
// follows newHeads over websocket, a poll loop that carries the chain
// when no stream is configured or connected, and a dispatch loop that
// serializes check passes so at most one runs per chain at a time.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chainwatch/internal/config"
	"github.com/adred-codev/chainwatch/internal/metrics"
	"github.com/adred-codev/chainwatch/internal/persist"
	"github.com/adred-codev/chainwatch/internal/registry"
	"github.com/adred-codev/chainwatch/internal/rpcgate"
)

const (
	streamBackoffMin = time.Second
	streamBackoffMax = time.Minute

	// A reconnect gap larger than two minutes' worth of blocks is
	// skipped rather than replayed; new wallets cover their own recent
	// history via the backlog check.
	longGapWindow = 2 * time.Minute
)

// Sink receives detected movements. Production wires the persistence
// pipeline; tests capture candidates directly.
type Sink interface {
	Enqueue(ctx context.Context, c persist.Candidate) error
}

// Options are the per-chain tuning knobs, derived from config.
type Options struct {
	HeadCacheAge    time.Duration
	Debounce        time.Duration
	CheckInterval   time.Duration
	PollInterval    time.Duration
	Stagger         time.Duration // initial poll delay, offsets chains from each other
	InitialWindow   uint64
	NewWalletWindow uint64
	MaxRetries      int
	RetryBase       time.Duration
	RetryMax        time.Duration
	Throttle        ThrottleConfig
}

// Monitor owns one chain.
type Monitor struct {
	chain    config.ChainConfig
	opts     Options
	logger   zerolog.Logger
	client   Client
	gate     *rpcgate.Gate
	registry *registry.Registry
	sink     Sink

	throttle *Throttle
	state    *ChainState
	longGap  uint64

	checkCh   chan uint64 // head hint; buffered 1, triggers coalesce
	backlogCh chan uint64 // backlog window sizes
	streamOK  atomic.Bool
}

// New assembles a monitor. Run must be called to start it.
func New(logger zerolog.Logger, chain config.ChainConfig, opts Options, client Client, gate *rpcgate.Gate, reg *registry.Registry, sink Sink) *Monitor {
	longGap := uint64(longGapWindow / chain.BlockTime)
	if longGap < 1 {
		longGap = 1
	}
	return &Monitor{
		chain:     chain,
		opts:      opts,
		logger:    logger.With().Str("component", "monitor").Uint64("chain", chain.ChainID).Logger(),
		client:    client,
		gate:      gate,
		registry:  reg,
		sink:      sink,
		throttle:  NewThrottle(opts.Throttle),
		state:     NewChainState(),
		longGap:   longGap,
		checkCh:   make(chan uint64, 1),
		backlogCh: make(chan uint64, 4),
	}
}

// Run seeds the checkpoint at the current tip and drives the loops
// until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.seed(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.dispatchLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.pollLoop(ctx)
	}()
	if m.chain.StreamURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.streamLoop(ctx)
		}()
	}
	wg.Wait()
}

// seed fetches the current head and starts the checkpoint a bounded
// window behind it, so a restart picks up recent history without
// replaying the whole chain.
func (m *Monitor) seed(ctx context.Context) {
	var head uint64
	err := m.gate.DoHead(ctx, func(ctx context.Context) error {
		var err error
		head, err = m.client.HeadBlockNumber(ctx)
		return err
	})
	if err != nil {
		// First check pass will fetch the head itself.
		m.logger.Warn().Err(err).Msg("failed to fetch head at startup")
		return
	}

	m.state.ObserveHead(head)
	start := uint64(0)
	if head > m.opts.InitialWindow {
		start = head - m.opts.InitialWindow
	}
	m.state.CommitProgress(start)
	metrics.HeadBlock.WithLabelValues(metrics.Chain(m.chain.ChainID)).Set(float64(head))

	m.logger.Info().
		Uint64("head", head).
		Uint64("from_block", start+1).
		Msg("monitor seeded")
	m.trigger(head)
}

// trigger requests a check pass. Non-blocking: if one is already
// queued the hint is dropped, the pass re-reads the head anyway.
func (m *Monitor) trigger(headHint uint64) {
	select {
	case m.checkCh <- headHint:
	default:
	}
}

// TriggerCheck forces a check pass, used by the debug endpoint.
// Returns false when a pass was already queued.
func (m *Monitor) TriggerCheck() bool {
	select {
	case m.checkCh <- 0:
		return true
	default:
		return false
	}
}

// ScheduleBacklog queues a one-shot rescan of the last window blocks,
// fired when a wallet registers after its deposit may have landed.
func (m *Monitor) ScheduleBacklog(window uint64) {
	if window == 0 {
		window = m.opts.NewWalletWindow
	}
	select {
	case m.backlogCh <- window:
	default:
		m.logger.Warn().Msg("backlog queue full, rescan dropped")
	}
}

// dispatchLoop serializes check passes. One goroutine, so the
// single-flight guarantee is structural.
func (m *Monitor) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case hint := <-m.checkCh:
			m.runCheck(ctx, hint)
		case window := <-m.backlogCh:
			m.runBacklog(ctx, window)
		}
	}
}

// streamLoop maintains the newHeads subscription: debounced dispatch on
// new heads, a safety ticker so a quiet debounce timer cannot starve
// the chain, reconnect with exponential backoff, and gap truncation
// after long outages.
func (m *Monitor) streamLoop(ctx context.Context) {
	chainLabel := metrics.Chain(m.chain.ChainID)
	backoff := streamBackoffMin

	for ctx.Err() == nil {
		// Reconnecting during breaker cooldown would burn the budget
		// the breaker is protecting.
		if until := m.throttle.OpenUntil(); !until.IsZero() {
			if wait := time.Until(until); wait > 0 {
				m.logger.Info().Dur("wait", wait).Msg("stream reconnect deferred, breaker open")
				if !sleep(ctx, wait) {
					return
				}
			}
		}

		heads := make(chan uint64, 16)
		sub, err := m.client.SubscribeNewHeads(ctx, heads)
		if err == ErrNoStream {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.StreamReconnects.WithLabelValues(chainLabel).Inc()
			m.logger.Warn().Err(err).Dur("backoff", backoff).Msg("stream connect failed")
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, streamBackoffMax)
			continue
		}

		backoff = streamBackoffMin
		m.streamOK.Store(true)
		metrics.StreamConnected.WithLabelValues(chainLabel).Set(1)
		m.logger.Info().Msg("stream connected")

		m.consumeStream(ctx, sub, heads)

		sub.Unsubscribe()
		m.streamOK.Store(false)
		metrics.StreamConnected.WithLabelValues(chainLabel).Set(0)
		metrics.StreamReconnects.WithLabelValues(chainLabel).Inc()
	}
}

func (m *Monitor) consumeStream(ctx context.Context, sub Subscription, heads <-chan uint64) {
	chainLabel := metrics.Chain(m.chain.ChainID)

	debounce := time.NewTimer(m.opts.Debounce)
	stopTimer(debounce)
	defer debounce.Stop()

	safety := time.NewTicker(m.opts.CheckInterval)
	defer safety.Stop()

	var pendingHead uint64
	first := true

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-sub.Err():
			m.logger.Warn().Err(err).Msg("stream subscription dropped")
			return

		case h := <-heads:
			m.state.ObserveHead(h)
			metrics.HeadBlock.WithLabelValues(chainLabel).Set(float64(h))
			if first {
				first = false
				m.truncateLongGap(h)
			}
			pendingHead = h
			stopTimer(debounce)
			debounce.Reset(m.opts.Debounce)

		case <-debounce.C:
			m.trigger(pendingHead)

		case <-safety.C:
			if h, _ := m.state.Head(); h > m.state.LastChecked() {
				m.trigger(h)
			}
		}
	}
}

// truncateLongGap skips history that accumulated while the stream was
// down. Replaying hours of blocks on a pay-per-call provider costs more
// than the stale deposits are worth; the checkpoint jumps to a bounded
// window behind the new head.
func (m *Monitor) truncateLongGap(head uint64) {
	last := m.state.LastChecked()
	if last == 0 || head <= last || head-last <= m.longGap {
		return
	}
	start := uint64(0)
	if head > m.opts.InitialWindow {
		start = head - m.opts.InitialWindow
	}
	if m.state.SkipTo(start) {
		m.logger.Warn().
			Uint64("from", last).
			Uint64("to", start).
			Uint64("head", head).
			Msg("long gap after reconnect, truncating catch-up window")
	}
}

// pollLoop is the fallback head source. While the stream is healthy it
// stays quiet; otherwise it fetches the head and dispatches.
func (m *Monitor) pollLoop(ctx context.Context) {
	if !sleep(ctx, m.opts.Stagger) {
		return
	}

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.streamOK.Load() {
				if _, at := m.state.Head(); time.Since(at) < m.opts.HeadCacheAge {
					continue
				}
			}
			head, err := m.fetchHead(ctx)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Warn().Err(err).Msg("poll head fetch failed")
				}
				continue
			}
			if head > m.state.LastChecked() {
				m.trigger(head)
			}
		}
	}
}

// currentHead answers "what is the head right now" with at most one
// RPC: the cached value when fresh, a short wait for the stream to
// deliver when connected, the paced head-block call otherwise.
func (m *Monitor) currentHead(ctx context.Context) (uint64, error) {
	head, at := m.state.Head()
	if head > 0 && time.Since(at) < m.opts.HeadCacheAge {
		return head, nil
	}

	if m.streamOK.Load() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if !sleep(ctx, 100*time.Millisecond) {
				return 0, ctx.Err()
			}
			if h, seenAt := m.state.Head(); h > 0 && time.Since(seenAt) < m.opts.HeadCacheAge {
				return h, nil
			}
		}
	}

	return m.fetchHead(ctx)
}

func (m *Monitor) fetchHead(ctx context.Context) (uint64, error) {
	var head uint64
	err := m.gate.DoHead(ctx, func(ctx context.Context) error {
		var err error
		head, err = m.client.HeadBlockNumber(ctx)
		return err
	})
	if err != nil {
		metrics.RPCCalls.WithLabelValues("head", "error").Inc()
		m.recordFailure(err)
		return 0, err
	}
	metrics.RPCCalls.WithLabelValues("head", "ok").Inc()
	m.throttle.RecordSuccess()
	m.state.ObserveHead(head)
	metrics.HeadBlock.WithLabelValues(metrics.Chain(m.chain.ChainID)).Set(float64(head))
	return head, nil
}

// recordFailure feeds an RPC error into the throttle.
func (m *Monitor) recordFailure(err error) {
	now := time.Now()
	switch {
	case IsRateLimited(err):
		metrics.RateLimitEvents.WithLabelValues(metrics.Chain(m.chain.ChainID)).Inc()
		m.throttle.RecordRateLimit(now)
	case IsTimeout(err):
		m.throttle.RecordTimeout(now)
	}
	if m.throttle.IsOpen(now) {
		metrics.BreakerOpen.WithLabelValues(metrics.Chain(m.chain.ChainID)).Set(1)
	}
}

// ChainID returns the monitored chain id.
func (m *Monitor) ChainID() uint64 {
	return m.chain.ChainID
}

// StreamConnected reports whether the newHeads subscription is live.
func (m *Monitor) StreamConnected() bool {
	return m.streamOK.Load()
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// sleep waits d or until ctx is done; reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
