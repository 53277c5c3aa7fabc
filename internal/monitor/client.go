package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/adred-codev/chainwatch/internal/config"
)

// Tx is the slice of a transaction the matcher needs. From is taken
// from the provider's block payload, which spares an ecrecover per
// transaction.
type Tx struct {
	Hash  common.Hash     `json:"hash"`
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value"`
}

// BlockBody holds a block's transactions in one of two shapes. Full is
// what eth_getBlockByNumber with fullTransactions=true should return;
// Hashes is the degraded shape some providers return regardless, which
// the processor promotes tx-by-tx.
type BlockBody struct {
	Full   []Tx
	Hashes []common.Hash
}

// IsFull reports whether the body already carries full transactions.
// An empty block counts as full.
func (b BlockBody) IsFull() bool {
	return len(b.Hashes) == 0
}

// Block is a decoded block header plus its transaction body.
type Block struct {
	Number    uint64
	Hash      common.Hash
	Timestamp uint64
	Body      BlockBody
}

// Subscription mirrors ethereum.Subscription for the new-heads stream.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// Client is the chain surface the monitor consumes. Production wraps a
// go-ethereum rpc.Client; tests substitute a fake.
type Client interface {
	HeadBlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*Block, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*Tx, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	SubscribeNewHeads(ctx context.Context, ch chan<- uint64) (Subscription, error)
	Close()
}

// rpcBlock is the raw eth_getBlockByNumber shape. Transactions are kept
// raw because providers disagree on honoring fullTransactions=true.
type rpcBlock struct {
	Number       *hexutil.Big      `json:"number"`
	Hash         common.Hash       `json:"hash"`
	Timestamp    *hexutil.Uint64   `json:"timestamp"`
	Transactions []json.RawMessage `json:"transactions"`
}

func decodeBlock(raw *rpcBlock) (*Block, error) {
	if raw.Number == nil || raw.Timestamp == nil {
		return nil, ErrMalformedBlock
	}

	blk := &Block{
		Number:    raw.Number.ToInt().Uint64(),
		Hash:      raw.Hash,
		Timestamp: uint64(*raw.Timestamp),
	}

	for _, item := range raw.Transactions {
		if len(item) > 0 && item[0] == '"' {
			var h common.Hash
			if err := json.Unmarshal(item, &h); err != nil {
				return nil, fmt.Errorf("%w: bad tx hash: %v", ErrMalformedBlock, err)
			}
			blk.Body.Hashes = append(blk.Body.Hashes, h)
			continue
		}
		var tx Tx
		if err := json.Unmarshal(item, &tx); err != nil {
			return nil, fmt.Errorf("%w: bad tx object: %v", ErrMalformedBlock, err)
		}
		blk.Body.Full = append(blk.Body.Full, tx)
	}
	return blk, nil
}

// RPCClient is the production Client over an HTTP RPC endpoint, with an
// optional websocket endpoint dialed per subscription so a dead stream
// never poisons the request path.
type RPCClient struct {
	raw       *rpc.Client
	eth       *ethclient.Client
	streamURL string
}

// DialChain connects the request-path client for one chain.
func DialChain(ctx context.Context, cfg config.ChainConfig) (*RPCClient, error) {
	raw, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d: %w", cfg.ChainID, err)
	}
	return &RPCClient{
		raw:       raw,
		eth:       ethclient.NewClient(raw),
		streamURL: cfg.StreamURL,
	}, nil
}

func (c *RPCClient) HeadBlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *RPCClient) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	var raw *rpcBlock
	err := c.raw.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrBlockNotFound
	}
	return decodeBlock(raw)
}

func (c *RPCClient) TransactionByHash(ctx context.Context, hash common.Hash) (*Tx, error) {
	var tx *Tx
	err := c.raw.CallContext(ctx, &tx, "eth_getTransactionByHash", hash)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: tx %s", ErrBlockNotFound, hash)
	}
	return tx, nil
}

func (c *RPCClient) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, addr, nil)
}

// Eth exposes the underlying ethclient for the withdrawal path, which
// needs nonce, gas price and transaction submission.
func (c *RPCClient) Eth() *ethclient.Client {
	return c.eth
}

// headSub forwards header numbers from a dedicated websocket connection
// and tears the connection down with the subscription.
type headSub struct {
	sub    Subscription
	client *ethclient.Client
	once   sync.Once
	errCh  chan error
	done   chan struct{}
}

func (s *headSub) Err() <-chan error { return s.errCh }

func (s *headSub) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.sub.Unsubscribe()
		s.client.Close()
	})
}

// SubscribeNewHeads opens a fresh websocket connection and streams head
// block numbers into ch. Unsubscribe closes the connection; the caller
// redials on the next attempt.
func (c *RPCClient) SubscribeNewHeads(ctx context.Context, ch chan<- uint64) (Subscription, error) {
	if c.streamURL == "" {
		return nil, ErrNoStream
	}

	wsClient, err := ethclient.DialContext(ctx, c.streamURL)
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}

	headers := make(chan *types.Header, 16)
	sub, err := wsClient.SubscribeNewHead(ctx, headers)
	if err != nil {
		wsClient.Close()
		return nil, fmt.Errorf("subscribe newHeads: %w", err)
	}

	hs := &headSub{
		sub:    sub,
		client: wsClient,
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-hs.done:
				return
			case err := <-sub.Err():
				select {
				case hs.errCh <- err:
				default:
				}
				return
			case header := <-headers:
				if header == nil {
					continue
				}
				select {
				case ch <- header.Number.Uint64():
				case <-hs.done:
					return
				}
			}
		}
	}()

	return hs, nil
}

func (c *RPCClient) Close() {
	c.raw.Close()
}
