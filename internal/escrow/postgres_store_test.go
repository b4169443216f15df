//go:build integration

package escrow

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	require.NoError(t, db.Ping())

	ctx := context.Background()

	// Mirrors migration 00002, without the trades FK so the package tests
	// stand alone.
	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_movements (
			id            BIGSERIAL PRIMARY KEY,
			trade_id      TEXT NOT NULL,
			direction     TEXT NOT NULL CHECK (direction IN ('in', 'out', 'fee')),
			amount_atomic NUMERIC(30,0) NOT NULL CHECK (amount_atomic > 0),
			tx_hash       TEXT NOT NULL,
			confirmations BIGINT NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_escrow_movements_deposit_dedupe
			ON escrow_movements (trade_id, tx_hash)
			WHERE direction = 'in';
	`)
	require.NoError(t, err)

	cleanup := func() {
		_, _ = db.ExecContext(ctx, `DELETE FROM escrow_movements;`)
		_ = db.Close()
	}
	return NewPostgresStore(db), cleanup
}

func TestPostgresDepositDedupe(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	first := &Movement{TradeID: "trd_pg_1", Direction: DirectionIn, AmountAtomic: 500, TxHash: "tx1", Confirmations: 3}
	require.NoError(t, store.Append(ctx, first))
	assert.Positive(t, first.ID)

	dup := &Movement{TradeID: "trd_pg_1", Direction: DirectionIn, AmountAtomic: 500, TxHash: "tx1", Confirmations: 9}
	err := store.Append(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateDeposit, "unique violation maps to the duplicate sentinel")

	movements, err := store.ListByTrade(ctx, "trd_pg_1")
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

func TestPostgresSameHashDifferentTrades(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &Movement{TradeID: "trd_pg_2a", Direction: DirectionIn, AmountAtomic: 100, TxHash: "shared"}))
	require.NoError(t, store.Append(ctx, &Movement{TradeID: "trd_pg_2b", Direction: DirectionIn, AmountAtomic: 100, TxHash: "shared"}))
}

func TestPostgresAppendReleaseAtomic(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &Movement{TradeID: "trd_pg_3", Direction: DirectionIn, AmountAtomic: 1_000_000_000_000, TxHash: "dep"}))

	out := &Movement{TradeID: "trd_pg_3", Direction: DirectionOut, AmountAtomic: 997_500_000_000, TxHash: "rel"}
	fee := &Movement{TradeID: "trd_pg_3", Direction: DirectionFee, AmountAtomic: 2_500_000_000, TxHash: "rel"}
	require.NoError(t, store.AppendRelease(ctx, out, fee))

	movements, err := store.ListByTrade(ctx, "trd_pg_3")
	require.NoError(t, err)
	require.Len(t, movements, 3)

	ledger := NewLedger(store)
	balance, err := ledger.Balance(ctx, "trd_pg_3")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestPostgresHasDeposit(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &Movement{TradeID: "trd_pg_4", Direction: DirectionIn, AmountAtomic: 100, TxHash: "tx1"}))

	ok, err := store.HasDeposit(ctx, "trd_pg_4", "tx1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.HasDeposit(ctx, "trd_pg_4", "tx_other")
	require.NoError(t, err)
	assert.False(t, ok)
}
