// Package store is the durable side of the monitor: one sqlite database
// holding activity rows and the embedded-wallet registry backing table.
//
// Activity inserts are idempotent on (tx_hash, chain_id, wallet_address,
// type); racing passes that match the same transfer collapse into a
// single row.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Activity types.
const (
	TypeDeposit  = "deposit"
	TypeWithdraw = "withdraw"
)

// Activity statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// Activity is one detected native-asset movement.
//
// Amount and GasCost are base-unit big integers serialized as decimal
// strings; sqlite has no integer wide enough for wei.
type Activity struct {
	ID             int64
	Type           string
	WalletAddress  string
	FromAddress    string
	ToAddress      string
	Amount         string
	TxHash         string
	BlockNumber    uint64
	BlockTimestamp uint64
	ChainID        uint64
	Status         string
	GasUsed        uint64
	GasCost        string
	UserID         string
	CreatedAt      time.Time
}

// Wallet is one monitored address on one chain.
type Wallet struct {
	Address string
	ChainID uint64
	UserID  string
}

const schema = `
CREATE TABLE IF NOT EXISTS activities (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	type            TEXT    NOT NULL CHECK (type IN ('deposit','withdraw')),
	wallet_address  TEXT    NOT NULL,
	from_address    TEXT    NOT NULL,
	to_address      TEXT    NOT NULL,
	amount          TEXT    NOT NULL,
	tx_hash         TEXT    NOT NULL,
	block_number    INTEGER NOT NULL,
	block_timestamp INTEGER NOT NULL,
	chain_id        INTEGER NOT NULL,
	status          TEXT    NOT NULL DEFAULT 'confirmed',
	gas_used        INTEGER,
	gas_cost        TEXT,
	user_id         TEXT,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (tx_hash, chain_id, wallet_address, type)
);

CREATE INDEX IF NOT EXISTS idx_activities_wallet
	ON activities (chain_id, wallet_address, block_number);

CREATE TABLE IF NOT EXISTS wallets (
	address    TEXT    NOT NULL,
	chain_id   INTEGER NOT NULL,
	user_id    TEXT    NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (address, chain_id)
);

CREATE INDEX IF NOT EXISTS idx_wallets_chain ON wallets (chain_id);
`

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies
// the schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		// WAL keeps single-row inserts cheap while the monitor runs hot.
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent passes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertActivity writes one activity row. The insert is idempotent: a
// row that already exists under the (tx, chain, wallet, type) key is a
// no-op and reported via inserted=false, never an error.
func (s *Store) InsertActivity(ctx context.Context, a Activity) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO activities
			(type, wallet_address, from_address, to_address, amount,
			 tx_hash, block_number, block_timestamp, chain_id, status,
			 gas_used, gas_cost, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_hash, chain_id, wallet_address, type) DO NOTHING`,
		a.Type, normalize(a.WalletAddress), normalize(a.FromAddress), normalize(a.ToAddress),
		a.Amount, normalize(a.TxHash), a.BlockNumber, a.BlockTimestamp, a.ChainID,
		statusOrDefault(a.Status), a.GasUsed, a.GasCost, a.UserID)
	if err != nil {
		return false, fmt.Errorf("insert activity %s: %w", a.TxHash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertActivities writes a batch in one transaction, used by the
// recovery path after a long gap. Individual conflicts are still
// swallowed. Returns the count of rows actually inserted.
func (s *Store) InsertActivities(ctx context.Context, batch []Activity) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO activities
			(type, wallet_address, from_address, to_address, amount,
			 tx_hash, block_number, block_timestamp, chain_id, status,
			 gas_used, gas_cost, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_hash, chain_id, wallet_address, type) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	total := 0
	for _, a := range batch {
		res, err := stmt.ExecContext(ctx,
			a.Type, normalize(a.WalletAddress), normalize(a.FromAddress), normalize(a.ToAddress),
			a.Amount, normalize(a.TxHash), a.BlockNumber, a.BlockTimestamp, a.ChainID,
			statusOrDefault(a.Status), a.GasUsed, a.GasCost, a.UserID)
		if err != nil {
			return total, fmt.Errorf("batch insert %s: %w", a.TxHash, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			total++
		}
	}
	return total, tx.Commit()
}

// BackfillGas fills in gas fields on an existing activity row when the
// receipt arrived after the row was written. Rows that already carry gas
// data are left untouched.
func (s *Store) BackfillGas(ctx context.Context, txHash string, chainID uint64, gasUsed uint64, gasCost *big.Int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE activities SET gas_used = ?, gas_cost = ?
		WHERE tx_hash = ? AND chain_id = ? AND (gas_used IS NULL OR gas_used = 0)`,
		gasUsed, gasCost.String(), normalize(txHash), chainID)
	return err
}

// CountActivities returns the number of rows matching the uniqueness key.
// Test helper for the no-dup property.
func (s *Store) CountActivities(ctx context.Context, txHash string, chainID uint64, wallet, typ string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM activities
		WHERE tx_hash = ? AND chain_id = ? AND wallet_address = ? AND type = ?`,
		normalize(txHash), chainID, normalize(wallet), typ).Scan(&n)
	return n, err
}

// ActivitiesForWallet lists a wallet's activity, newest block first.
func (s *Store) ActivitiesForWallet(ctx context.Context, chainID uint64, wallet string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, wallet_address, from_address, to_address, amount,
		       tx_hash, block_number, block_timestamp, chain_id, status,
		       COALESCE(gas_used, 0), COALESCE(gas_cost, ''), COALESCE(user_id, ''), created_at
		FROM activities
		WHERE chain_id = ? AND wallet_address = ?
		ORDER BY block_number DESC, id DESC
		LIMIT ?`, chainID, normalize(wallet), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.Type, &a.WalletAddress, &a.FromAddress, &a.ToAddress,
			&a.Amount, &a.TxHash, &a.BlockNumber, &a.BlockTimestamp, &a.ChainID,
			&a.Status, &a.GasUsed, &a.GasCost, &a.UserID, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertWallet registers a wallet address. Idempotent: re-registering
// the same (address, chain) is a no-op.
func (s *Store) UpsertWallet(ctx context.Context, w Wallet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (address, chain_id, user_id)
		VALUES (?, ?, ?)
		ON CONFLICT (address, chain_id) DO NOTHING`,
		normalize(w.Address), w.ChainID, w.UserID)
	if err != nil {
		return fmt.Errorf("upsert wallet %s: %w", w.Address, err)
	}
	return nil
}

// WalletsPage returns one page of wallets for a chain, ordered by
// address for stable paging. The registry loads the full set in pages of
// the configured batch size at startup.
func (s *Store) WalletsPage(ctx context.Context, chainID uint64, offset, limit int) ([]Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, chain_id, user_id FROM wallets
		WHERE chain_id = ?
		ORDER BY address
		LIMIT ? OFFSET ?`, chainID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		var w Wallet
		if err := rows.Scan(&w.Address, &w.ChainID, &w.UserID); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// WalletForUser returns the user's wallet on a chain, or sql.ErrNoRows.
func (s *Store) WalletForUser(ctx context.Context, chainID uint64, userID string) (Wallet, error) {
	var w Wallet
	err := s.db.QueryRowContext(ctx, `
		SELECT address, chain_id, user_id FROM wallets
		WHERE chain_id = ? AND user_id = ?`, chainID, userID).Scan(&w.Address, &w.ChainID, &w.UserID)
	return w, err
}

// UpdateWalletAddress migrates a stored wallet address. Used by the
// withdrawal path when key re-derivation produces a different address
// than the one on record (legacy derivation repair).
func (s *Store) UpdateWalletAddress(ctx context.Context, chainID uint64, userID, newAddress string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wallets SET address = ? WHERE chain_id = ? AND user_id = ?`,
		normalize(newAddress), chainID, userID)
	return err
}

func normalize(hex string) string {
	return strings.ToLower(strings.TrimSpace(hex))
}

func statusOrDefault(s string) string {
	if s == "" {
		return StatusConfirmed
	}
	return s
}
