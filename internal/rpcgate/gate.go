// Package rpcgate is the process-wide admission controller for outbound
// RPC calls.
//
// Pay-per-call providers reject bursts, so every chain and every block
// fetch shares one budget: a weighted semaphore caps in-flight calls and
// a token-bucket limiter paces head-block queries, which are by far the
// most frequent call.
package rpcgate

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Gate gates every outbound RPC call in the process.
//
// Acquire/AcquireHead block until a slot is free; waiters are served in
// FIFO order (semaphore.Weighted guarantees this). Head-block calls are
// additionally paced so that at least the configured spacing elapses
// between consecutive head queries.
type Gate struct {
	sem     *semaphore.Weighted
	heads   *rate.Limiter
	timeout time.Duration
}

// New creates a gate with the given concurrency cap, head-block spacing
// and per-call timeout.
func New(maxConcurrent int, headSpacing, callTimeout time.Duration) *Gate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if headSpacing > 0 {
		limiter = rate.NewLimiter(rate.Every(headSpacing), 1)
	}
	return &Gate{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		heads:   limiter,
		timeout: callTimeout,
	}
}

// Acquire blocks until an RPC slot is available or ctx is done.
// Every successful Acquire must be paired with Release.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// AcquireHead is Acquire plus the head-block spacing constraint: it
// returns only after the minimum inter-arrival time since the previous
// head-block call has elapsed.
func (g *Gate) AcquireHead(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := g.heads.Wait(ctx); err != nil {
		g.sem.Release(1)
		return err
	}
	return nil
}

// Release returns a slot to the gate, unblocking the oldest waiter.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Do runs fn while holding an RPC slot, with the gate's per-call timeout
// applied to the derived context.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return fn(callCtx)
}

// DoHead is Do for head-block queries, honoring the spacing constraint.
func (g *Gate) DoHead(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.AcquireHead(ctx); err != nil {
		return err
	}
	defer g.Release()

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return fn(callCtx)
}
