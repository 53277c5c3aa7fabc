package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chainwatch/internal/metrics"
	"github.com/adred-codev/chainwatch/internal/persist"
	"github.com/adred-codev/chainwatch/internal/rpcgate"
	"github.com/adred-codev/chainwatch/internal/store"
)

var (
	ErrNoWallet          = errors.New("wallet: no wallet registered for user")
	ErrUnknownChain      = errors.New("wallet: chain not configured")
	ErrSelfTransfer      = errors.New("wallet: destination is the source wallet")
	ErrBadDestination    = errors.New("wallet: invalid destination address")
	ErrInsufficientFunds = errors.New("wallet: balance below amount plus gas")
	ErrReceiptTimeout    = errors.New("wallet: transaction not mined before deadline")
)

const withdrawGasLimit = 21_000 // plain value transfer

// TxClient is the chain surface the withdrawal path needs. The engine's
// dialed ethclient satisfies it.
type TxClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Result is the caller-visible outcome of a withdrawal.
type Result struct {
	TxHash      string `json:"txHash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
	GasUsed     uint64 `json:"gasUsed"`
	GasCost     string `json:"gasCost"`
	BlockNumber uint64 `json:"blockNumber"`
	ChainID     uint64 `json:"chainId"`
}

// Sink receives the finished withdrawal for persistence and emission.
type Sink interface {
	Enqueue(ctx context.Context, c persist.Candidate) error
}

// Service signs and submits withdrawals from derived wallets.
type Service struct {
	logger  zerolog.Logger
	store   *store.Store
	sink    Sink
	gate    *rpcgate.Gate
	clients map[uint64]TxClient
	secret  string

	receiptTimeout time.Duration
	receiptPoll    time.Duration
}

// NewService wires the withdrawal path. clients maps chain id to a
// dialed transaction client.
func NewService(logger zerolog.Logger, st *store.Store, sink Sink, gate *rpcgate.Gate, clients map[uint64]TxClient, secret string) *Service {
	return &Service{
		logger:         logger.With().Str("component", "withdraw").Logger(),
		store:          st,
		sink:           sink,
		gate:           gate,
		clients:        clients,
		secret:         secret,
		receiptTimeout: 2 * time.Minute,
		receiptPoll:    2 * time.Second,
	}
}

// Withdraw moves amount wei from the user's derived wallet to the
// destination address: re-derive and verify the key, check funds cover
// amount plus gas, sign, submit, wait for inclusion, record and emit.
func (s *Service) Withdraw(ctx context.Context, userID, email string, chainID uint64, destination string, amount *big.Int) (*Result, error) {
	res, err := s.withdraw(ctx, userID, email, chainID, destination, amount)
	if err != nil {
		metrics.WithdrawRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.WithdrawRequests.WithLabelValues("ok").Inc()
	return res, nil
}

func (s *Service) withdraw(ctx context.Context, userID, email string, chainID uint64, destination string, amount *big.Int) (*Result, error) {
	client, ok := s.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("wallet: amount must be positive")
	}
	if !common.IsHexAddress(destination) {
		return nil, fmt.Errorf("%w: %q", ErrBadDestination, destination)
	}
	to := common.HexToAddress(destination)

	row, err := s.store.WalletForUser(ctx, chainID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoWallet
	}
	if err != nil {
		return nil, fmt.Errorf("wallet lookup: %w", err)
	}

	key, from, err := DeriveKey(userID, email, s.secret)
	if err != nil {
		return nil, err
	}
	defer zeroKey(key)

	// A stored address that disagrees with the derivation means the
	// user's email changed upstream. The derivation is authoritative;
	// the row is repaired so deposits keep matching.
	fromHex := strings.ToLower(from.Hex())
	if !strings.EqualFold(row.Address, fromHex) {
		s.logger.Warn().
			Str("user_id", userID).
			Str("stored", row.Address).
			Str("derived", fromHex).
			Uint64("chain", chainID).
			Msg("stored wallet address out of date, migrating")
		if err := s.store.UpdateWalletAddress(ctx, chainID, userID, fromHex); err != nil {
			return nil, fmt.Errorf("wallet migration: %w", err)
		}
	}

	if to == from {
		return nil, ErrSelfTransfer
	}

	var (
		balance  *big.Int
		gasPrice *big.Int
		nonce    uint64
	)
	err = s.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		if balance, err = client.BalanceAt(ctx, from, nil); err != nil {
			return fmt.Errorf("balance: %w", err)
		}
		if gasPrice, err = client.SuggestGasPrice(ctx); err != nil {
			return fmt.Errorf("gas price: %w", err)
		}
		if nonce, err = client.PendingNonceAt(ctx, from); err != nil {
			return fmt.Errorf("nonce: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	gasCost := new(big.Int).Mul(gasPrice, big.NewInt(withdrawGasLimit))
	need := new(big.Int).Add(amount, gasCost)
	if balance.Cmp(need) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, balance, need)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    amount,
		Gas:      withdrawGasLimit,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)), key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	err = s.gate.Do(ctx, func(ctx context.Context) error {
		return client.SendTransaction(ctx, signed)
	})
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	txHash := strings.ToLower(signed.Hash().Hex())
	s.logger.Info().
		Str("user_id", userID).
		Str("tx", txHash).
		Str("amount", amount.String()).
		Uint64("chain", chainID).
		Msg("withdrawal submitted")

	receipt, err := s.waitReceipt(ctx, client, signed.Hash())
	if err != nil {
		return nil, err
	}

	actualGasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	if receipt.EffectiveGasPrice != nil {
		actualGasCost = new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	}

	cand := persist.Candidate{
		Type:           store.TypeWithdraw,
		ChainID:        chainID,
		Wallet:         fromHex,
		From:           fromHex,
		To:             strings.ToLower(to.Hex()),
		Amount:         amount,
		TxHash:         txHash,
		BlockNumber:    receipt.BlockNumber.Uint64(),
		BlockTimestamp: uint64(time.Now().Unix()),
		UserID:         userID,
		GasUsed:        receipt.GasUsed,
		GasCost:        actualGasCost,
	}
	if err := s.sink.Enqueue(ctx, cand); err != nil {
		// The funds moved; the missing row is recoverable, failing the
		// request now would only confuse the caller.
		s.logger.Error().Err(err).Str("tx", txHash).Msg("withdrawal persisted on chain but not enqueued")
	}

	return &Result{
		TxHash:      txHash,
		From:        fromHex,
		To:          strings.ToLower(to.Hex()),
		Amount:      amount.String(),
		GasUsed:     receipt.GasUsed,
		GasCost:     actualGasCost.String(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		ChainID:     chainID,
	}, nil
}

// waitReceipt polls for inclusion. Receipt lookups go through the gate
// like every other call.
func (s *Service) waitReceipt(ctx context.Context, client TxClient, hash common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(s.receiptTimeout)
	ticker := time.NewTicker(s.receiptPoll)
	defer ticker.Stop()

	for {
		var receipt *types.Receipt
		err := s.gate.Do(ctx, func(ctx context.Context) error {
			var err error
			receipt, err = client.TransactionReceipt(ctx, hash)
			return err
		})
		if err == nil && receipt != nil {
			return receipt, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
