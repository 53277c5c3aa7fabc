package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/chainwatch/internal/config"
	"github.com/adred-codev/chainwatch/internal/persist"
	"github.com/adred-codev/chainwatch/internal/registry"
	"github.com/adred-codev/chainwatch/internal/rpcgate"
	"github.com/adred-codev/chainwatch/internal/store"
)

// fakeClient is an in-memory chain. Block fetches can be scripted to
// fail per block number per attempt.
type fakeClient struct {
	mu        sync.Mutex
	head      uint64
	blocks    map[uint64]*Block
	txs       map[common.Hash]*Tx
	headErr   error
	blockErrs map[uint64][]error // consumed one per attempt
	headCalls int
	blkCalls  int
}

func newFakeClient(head uint64) *fakeClient {
	return &fakeClient{
		head:      head,
		blocks:    make(map[uint64]*Block),
		txs:       make(map[common.Hash]*Tx),
		blockErrs: make(map[uint64][]error),
	}
}

func (f *fakeClient) addBlock(number uint64, txs ...Tx) *Block {
	f.mu.Lock()
	defer f.mu.Unlock()
	blk := &Block{
		Number:    number,
		Hash:      common.BigToHash(big.NewInt(int64(number))),
		Timestamp: 1700000000 + number,
		Body:      BlockBody{Full: txs},
	}
	f.blocks[number] = blk
	if number > f.head {
		f.head = number
	}
	return blk
}

func (f *fakeClient) failBlock(number uint64, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockErrs[number] = append(f.blockErrs[number], errs...)
}

func (f *fakeClient) HeadBlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCalls++
	if f.headErr != nil {
		return 0, f.headErr
	}
	return f.head, nil
}

func (f *fakeClient) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blkCalls++
	if errs := f.blockErrs[number]; len(errs) > 0 {
		err := errs[0]
		f.blockErrs[number] = errs[1:]
		return nil, err
	}
	blk, ok := f.blocks[number]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return blk, nil
}

func (f *fakeClient) TransactionByHash(ctx context.Context, hash common.Hash) (*Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: tx %s", ErrBlockNotFound, hash)
	}
	return tx, nil
}

func (f *fakeClient) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeClient) SubscribeNewHeads(ctx context.Context, ch chan<- uint64) (Subscription, error) {
	return nil, ErrNoStream
}

func (f *fakeClient) Close() {}

// captureSink records enqueued candidates.
type captureSink struct {
	mu    sync.Mutex
	cands []persist.Candidate
}

func (s *captureSink) Enqueue(_ context.Context, c persist.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cands = append(s.cands, c)
	return nil
}

func (s *captureSink) all() []persist.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persist.Candidate(nil), s.cands...)
}

func addr(i byte) common.Address {
	return common.BytesToAddress([]byte{i})
}

func lowerHex(a common.Address) string {
	return "0x" + common.Bytes2Hex(a.Bytes())
}

func valueTx(hash byte, from, to common.Address, wei int64) Tx {
	toCopy := to
	return Tx{
		Hash:  common.BytesToHash([]byte{hash}),
		From:  from,
		To:    &toCopy,
		Value: (*hexutil.Big)(big.NewInt(wei)),
	}
}

type fixture struct {
	mon  *Monitor
	fc   *fakeClient
	sink *captureSink
	reg  *registry.Registry
	st   *store.Store
}

func newFixture(t *testing.T, head uint64) *fixture {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := zerolog.Nop()
	reg := registry.New(logger, st)
	fc := newFakeClient(head)
	sink := &captureSink{}
	gate := rpcgate.New(8, 0, time.Second)

	chain := config.ChainConfig{ChainID: 8453, RPCURL: "http://fake", BlockTime: 2 * time.Second}
	opts := Options{
		HeadCacheAge:    time.Minute,
		Debounce:        10 * time.Millisecond,
		CheckInterval:   50 * time.Millisecond,
		PollInterval:    50 * time.Millisecond,
		InitialWindow:   200,
		NewWalletWindow: 100,
		MaxRetries:      2,
		RetryBase:       time.Millisecond,
		RetryMax:        4 * time.Millisecond,
		Throttle: ThrottleConfig{
			Concurrency:  2,
			BatchPause:   0,
			Threshold:    3,
			PerMinuteCap: 100,
			Cooldown:     100 * time.Millisecond,
		},
	}

	return &fixture{
		mon:  New(logger, chain, opts, fc, gate, reg, sink),
		fc:   fc,
		sink: sink,
		reg:  reg,
		st:   st,
	}
}

func (fx *fixture) watch(t *testing.T, a common.Address, userID string) {
	t.Helper()
	added, err := fx.reg.Add(context.Background(), 8453, lowerHex(a), userID)
	require.NoError(t, err)
	require.True(t, added)
}

func TestCheckDetectsDepositToMonitoredWallet(t *testing.T) {
	fx := newFixture(t, 500)
	wallet := addr(0xAA)
	sender := addr(0xBB)
	fx.watch(t, wallet, "user-1")

	fx.mon.state.CommitProgress(500)
	fx.fc.addBlock(501, valueTx(1, sender, wallet, 1_000_000))
	fx.fc.addBlock(502)

	fx.mon.runCheck(context.Background(), 502)

	cands := fx.sink.all()
	require.Len(t, cands, 1)
	require.Equal(t, store.TypeDeposit, cands[0].Type)
	require.Equal(t, lowerHex(wallet), cands[0].Wallet)
	require.Equal(t, lowerHex(sender), cands[0].From)
	require.Equal(t, "user-1", cands[0].UserID)
	require.Equal(t, uint64(501), cands[0].BlockNumber)
	require.Equal(t, uint64(502), fx.mon.state.LastChecked())
}

func TestCheckMatchingRules(t *testing.T) {
	fx := newFixture(t, 100)
	wallet := addr(0xAA)
	other := addr(0xBB)
	second := addr(0xCC)
	fx.watch(t, wallet, "user-1")
	fx.watch(t, second, "user-2")

	fx.mon.state.CommitProgress(100)
	contractCreate := Tx{
		Hash:  common.BytesToHash([]byte{9}),
		From:  other,
		Value: (*hexutil.Big)(big.NewInt(5)),
	}
	fx.fc.addBlock(101,
		contractCreate,                 // nil to
		valueTx(2, other, wallet, 0),   // zero value
		valueTx(3, wallet, wallet, 7),  // self transfer
		valueTx(4, second, wallet, 9),  // monitored sender: internal move
		valueTx(5, other, wallet, 11),  // the only real deposit
		valueTx(6, other, other, 13),   // unrelated
	)

	fx.mon.runCheck(context.Background(), 101)

	cands := fx.sink.all()
	require.Len(t, cands, 1)
	require.Equal(t, big.NewInt(11), cands[0].Amount)
}

func TestCheckFailedBlockCapsProgress(t *testing.T) {
	fx := newFixture(t, 505)
	fx.mon.state.CommitProgress(500)

	for b := uint64(501); b <= 505; b++ {
		fx.fc.addBlock(b)
	}
	// 503 fails every attempt; the window completes but progress stops
	// below the hole so the next pass retries it.
	persistentErr := errors.New("boom")
	fx.fc.failBlock(503, persistentErr, persistentErr, persistentErr)

	fx.mon.runCheck(context.Background(), 505)
	require.Equal(t, uint64(502), fx.mon.state.LastChecked())

	// Next pass reprocesses 503..505 only.
	fx.mon.runCheck(context.Background(), 505)
	require.Equal(t, uint64(505), fx.mon.state.LastChecked())
}

func TestCheckRetriesTransientFailure(t *testing.T) {
	fx := newFixture(t, 501)
	fx.mon.state.CommitProgress(500)
	fx.fc.addBlock(501)
	fx.fc.failBlock(501, errors.New("502 bad gateway"))

	fx.mon.runCheck(context.Background(), 501)
	require.Equal(t, uint64(501), fx.mon.state.LastChecked())
}

func TestCheckPromotesHashesOnlyBlock(t *testing.T) {
	fx := newFixture(t, 301)
	wallet := addr(0xAA)
	sender := addr(0xBB)
	fx.watch(t, wallet, "user-1")
	fx.mon.state.CommitProgress(300)

	tx := valueTx(7, sender, wallet, 42)
	blk := fx.fc.addBlock(301)
	blk.Body = BlockBody{Hashes: []common.Hash{tx.Hash}}
	fx.fc.txs[tx.Hash] = &tx

	fx.mon.runCheck(context.Background(), 301)

	cands := fx.sink.all()
	require.Len(t, cands, 1)
	require.Equal(t, big.NewInt(42), cands[0].Amount)
	require.Equal(t, uint64(301), fx.mon.state.LastChecked())
}

func TestBreakerOpensAndQuiesces(t *testing.T) {
	fx := newFixture(t, 501)
	fx.mon.state.CommitProgress(500)

	// Three rate-limited attempts on one block trip the 3-error
	// threshold configured for tests.
	rl := errors.New("429 Too Many Requests")
	fx.fc.addBlock(501)
	fx.fc.failBlock(501, rl, rl, rl)

	fx.mon.runCheck(context.Background(), 501)
	require.True(t, fx.mon.throttle.IsOpen(time.Now()))
	require.Equal(t, uint64(500), fx.mon.state.LastChecked())

	// While open, a pass is a no-op: no RPC spent.
	calls := fx.fc.blkCalls
	fx.mon.runCheck(context.Background(), 501)
	require.Equal(t, calls, fx.fc.blkCalls)

	// After cooldown the chain resumes and catches up.
	time.Sleep(120 * time.Millisecond)
	fx.mon.runCheck(context.Background(), 501)
	require.Equal(t, uint64(501), fx.mon.state.LastChecked())
}

func TestBreakerAbandonsWindowMidPass(t *testing.T) {
	fx := newFixture(t, 510)
	fx.mon.state.CommitProgress(500)

	for b := uint64(501); b <= 510; b++ {
		fx.fc.addBlock(b)
	}
	// The first chunk trips the breaker; the rest of the window must be
	// left alone instead of burning RPC on every remaining chunk.
	rl := errors.New("429 Too Many Requests")
	fx.fc.failBlock(501, rl, rl, rl)
	fx.fc.failBlock(502, rl, rl, rl)

	fx.mon.runCheck(context.Background(), 510)

	require.True(t, fx.mon.throttle.IsOpen(time.Now()))
	require.Equal(t, uint64(500), fx.mon.state.LastChecked())
	require.LessOrEqual(t, fx.fc.blkCalls, 6, "blocks past the tripping chunk were fetched")
}

func TestBacklogRescanFindsEarlierDeposit(t *testing.T) {
	fx := newFixture(t, 120)
	wallet := addr(0xAA)
	sender := addr(0xBB)

	// Deposit landed at block 90, before the wallet was registered;
	// regular passes are already done with that range.
	fx.fc.addBlock(90, valueTx(8, sender, wallet, 77))
	for b := uint64(21); b <= 120; b++ {
		if b != 90 {
			fx.fc.addBlock(b)
		}
	}
	fx.mon.state.ObserveHead(120)
	fx.mon.state.CommitProgress(120)

	fx.watch(t, wallet, "user-9")
	fx.mon.runBacklog(context.Background(), 100)

	cands := fx.sink.all()
	require.Len(t, cands, 1)
	require.Equal(t, uint64(90), cands[0].BlockNumber)
	// Backlog never advances the checkpoint.
	require.Equal(t, uint64(120), fx.mon.state.LastChecked())
	require.Zero(t, fx.mon.state.InFlight())
}

func TestLongGapTruncation(t *testing.T) {
	fx := newFixture(t, 0)
	fx.mon.state.CommitProgress(1000)

	// Gap within two minutes' worth of blocks: processed normally.
	fx.mon.truncateLongGap(1050)
	require.Equal(t, uint64(1000), fx.mon.state.LastChecked())

	// Long outage: the checkpoint jumps to a bounded window behind the
	// new head instead of replaying the whole gap.
	fx.mon.truncateLongGap(2000)
	require.Equal(t, uint64(1800), fx.mon.state.LastChecked())
}

func TestTriggerCoalesces(t *testing.T) {
	fx := newFixture(t, 100)
	require.True(t, fx.mon.TriggerCheck())
	require.False(t, fx.mon.TriggerCheck(), "second trigger coalesces while one is queued")
}

func TestSeedStartsBoundedWindowBehindHead(t *testing.T) {
	fx := newFixture(t, 1000)
	fx.mon.seed(context.Background())
	require.Equal(t, uint64(800), fx.mon.state.LastChecked())
	h, _ := fx.mon.state.Head()
	require.Equal(t, uint64(1000), h)
}

func TestHeadCacheAvoidsRPC(t *testing.T) {
	fx := newFixture(t, 700)
	fx.mon.state.ObserveHead(700)

	head, err := fx.mon.currentHead(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(700), head)
	require.Zero(t, fx.fc.headCalls, "fresh cache answers without RPC")
}

func TestRateLimitClassification(t *testing.T) {
	require.True(t, IsRateLimited(errors.New("429 Too Many Requests")))
	require.True(t, IsRateLimited(errors.New("exceeded compute units per second")))
	require.True(t, IsRateLimited(errors.New("Rate limit reached")))
	require.False(t, IsRateLimited(errors.New("connection refused")))
	require.False(t, IsRateLimited(nil))

	require.True(t, IsTimeout(context.DeadlineExceeded))
	require.False(t, IsTimeout(errors.New("boom")))
}
