// Package persistence implements the durable store the orchestrator warm
// boots from: the grid's order snapshot and the Accountant's two
// must-survive-a-restart fields (cacheFunds, btsFeesOwed) per side.
//
// Uses a WAL-mode SQLite database with a JSON+SHA256-checksummed state
// table, split into a grid snapshot table and a per-side funds table so
// the Accountant's high-frequency UpdateCacheFunds/UpdateBtsFeesOwed
// calls don't rewrite the (much larger) order snapshot on every fill.
package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"gridcore/internal/core"
)

// GridSnapshot is everything the orchestrator needs to warm boot without a
// full chain re-scan.
type GridSnapshot struct {
	Orders      []core.Order
	CacheFunds  map[core.Side]decimal.Decimal
	BtsFeesOwed map[core.Side]decimal.Decimal
}

// Store is the durable persistence surface. It satisfies
// accountant.PersistenceStore without importing internal/accountant,
// keeping the dependency direction one-way (accountant -> persistence
// never needs to exist).
type Store interface {
	UpdateCacheFunds(ctx context.Context, side core.Side, amount decimal.Decimal) error
	UpdateBtsFeesOwed(ctx context.Context, side core.Side, amount decimal.Decimal) error
	PersistGridSnapshot(ctx context.Context, snapshot GridSnapshot) error
	LoadGridSnapshot(ctx context.Context) (*GridSnapshot, error)
	Close() error
}

// SQLiteStore is the reference Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dbPath, enabling WAL mode for crash recovery, and
// creates the schema if it does not already exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
CREATE TABLE IF NOT EXISTS grid_snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL,
	checksum BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS side_funds (
	side INTEGER PRIMARY KEY,
	cache_funds TEXT NOT NULL DEFAULT '0',
	bts_fees_owed TEXT NOT NULL DEFAULT '0',
	updated_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// UpdateCacheFunds upserts side's cacheFunds figure.
func (s *SQLiteStore) UpdateCacheFunds(ctx context.Context, side core.Side, amount decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO side_funds (side, cache_funds, bts_fees_owed, updated_at) VALUES (?, ?, '0', ?)
ON CONFLICT(side) DO UPDATE SET cache_funds = excluded.cache_funds, updated_at = excluded.updated_at`,
		int(side), amount.String(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to update cache funds: %w", err)
	}
	return nil
}

// UpdateBtsFeesOwed upserts side's btsFeesOwed figure.
func (s *SQLiteStore) UpdateBtsFeesOwed(ctx context.Context, side core.Side, amount decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO side_funds (side, cache_funds, bts_fees_owed, updated_at) VALUES (?, '0', ?, ?)
ON CONFLICT(side) DO UPDATE SET bts_fees_owed = excluded.bts_fees_owed, updated_at = excluded.updated_at`,
		int(side), amount.String(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to update bts fees owed: %w", err)
	}
	return nil
}

// PersistGridSnapshot writes the full order list under a serializable
// transaction, validating the JSON round-trips and checksumming it before
// commit — a corrupt write must never look like a successful one.
func (s *SQLiteStore) PersistGridSnapshot(ctx context.Context, snapshot GridSnapshot) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	data, err := json.Marshal(snapshot.Orders)
	if err != nil {
		return fmt.Errorf("failed to marshal grid snapshot: %w", err)
	}
	var roundTrip []core.Order
	if err := json.Unmarshal(data, &roundTrip); err != nil {
		return fmt.Errorf("grid snapshot validation failed: %w", err)
	}

	checksum := sha256.Sum256(data)
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO grid_snapshot (id, data, checksum, updated_at) VALUES (1, ?, ?, ?)`,
		string(data), checksum[:], time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write grid snapshot: %w", err)
	}

	for _, side := range []core.Side{core.Buy, core.Sell} {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO side_funds (side, cache_funds, bts_fees_owed, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(side) DO UPDATE SET cache_funds = excluded.cache_funds, bts_fees_owed = excluded.bts_fees_owed, updated_at = excluded.updated_at`,
			int(side), snapshot.CacheFunds[side].String(), snapshot.BtsFeesOwed[side].String(), time.Now().UnixNano()); err != nil {
			return fmt.Errorf("failed to write side funds: %w", err)
		}
	}

	return tx.Commit()
}

// LoadGridSnapshot reads back the last persisted snapshot, verifying the
// checksum before returning it. Returns (nil, nil) when nothing has been
// persisted yet — a fresh grid's first boot, not an error.
func (s *SQLiteStore) LoadGridSnapshot(ctx context.Context) (*GridSnapshot, error) {
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, `SELECT data, checksum FROM grid_snapshot WHERE id = 1`).Scan(&data, &storedChecksum)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read grid snapshot: %w", err)
	}

	computed := sha256.Sum256([]byte(data))
	if len(storedChecksum) != len(computed) {
		return nil, fmt.Errorf("checksum length mismatch: expected %d, got %d", len(computed), len(storedChecksum))
	}
	for i := range computed {
		if storedChecksum[i] != computed[i] {
			return nil, fmt.Errorf("checksum verification failed: grid snapshot corrupted")
		}
	}

	var orders []core.Order
	if err := json.Unmarshal([]byte(data), &orders); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grid snapshot: %w", err)
	}

	snapshot := &GridSnapshot{
		Orders:      orders,
		CacheFunds:  map[core.Side]decimal.Decimal{core.Buy: decimal.Zero, core.Sell: decimal.Zero},
		BtsFeesOwed: map[core.Side]decimal.Decimal{core.Buy: decimal.Zero, core.Sell: decimal.Zero},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT side, cache_funds, bts_fees_owed FROM side_funds`)
	if err != nil {
		return nil, fmt.Errorf("failed to read side funds: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sideInt int
		var cacheFundsStr, btsFeesStr string
		if err := rows.Scan(&sideInt, &cacheFundsStr, &btsFeesStr); err != nil {
			return nil, fmt.Errorf("failed to scan side funds row: %w", err)
		}
		side := core.Side(sideInt)
		cacheFunds, err := decimal.NewFromString(cacheFundsStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cache funds: %w", err)
		}
		btsFees, err := decimal.NewFromString(btsFeesStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse bts fees owed: %w", err)
		}
		snapshot.CacheFunds[side] = cacheFunds
		snapshot.BtsFeesOwed[side] = btsFees
	}

	return snapshot, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
