package escrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger() *Ledger {
	return NewLedger(NewMemoryStore())
}

func TestRecordDeposit(t *testing.T) {
	l := newLedger()
	ctx := context.Background()

	m, err := l.RecordDeposit(ctx, "trd_1", "aa11", 500_000_000_000, 10)
	require.NoError(t, err)
	assert.Equal(t, DirectionIn, m.Direction)
	assert.Equal(t, uint64(500_000_000_000), m.AmountAtomic)

	balance, err := l.Balance(ctx, "trd_1")
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000_000_000), balance)
}

func TestRecordDeposit_DuplicateTxHashIsRejected(t *testing.T) {
	l := newLedger()
	ctx := context.Background()

	_, err := l.RecordDeposit(ctx, "trd_1", "aa11", 500_000_000_000, 10)
	require.NoError(t, err)

	_, err = l.RecordDeposit(ctx, "trd_1", "aa11", 500_000_000_000, 12)
	require.ErrorIs(t, err, ErrDuplicateDeposit)

	// Exactly one `in` movement, balance unchanged.
	movements, err := l.Movements(ctx, "trd_1")
	require.NoError(t, err)
	assert.Len(t, movements, 1)

	balance, err := l.Balance(ctx, "trd_1")
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000_000_000), balance)
}

func TestRecordDeposit_SameTxHashDifferentTrades(t *testing.T) {
	l := newLedger()
	ctx := context.Background()

	_, err := l.RecordDeposit(ctx, "trd_1", "aa11", 100, 10)
	require.NoError(t, err)
	_, err = l.RecordDeposit(ctx, "trd_2", "aa11", 100, 10)
	require.NoError(t, err)
}

func TestRecordDeposit_ZeroAmount(t *testing.T) {
	l := newLedger()
	_, err := l.RecordDeposit(context.Background(), "trd_1", "aa11", 0, 10)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRecordRelease_OutAndFee(t *testing.T) {
	l := newLedger()
	ctx := context.Background()

	_, err := l.RecordDeposit(ctx, "trd_1", "aa11", 500_000_000_000, 10)
	require.NoError(t, err)

	err = l.RecordRelease(ctx, "trd_1", 497_500_000_000, 2_500_000_000, "cc33")
	require.NoError(t, err)

	movements, err := l.Movements(ctx, "trd_1")
	require.NoError(t, err)
	require.Len(t, movements, 3)
	assert.Equal(t, DirectionIn, movements[0].Direction)
	assert.Equal(t, DirectionOut, movements[1].Direction)
	assert.Equal(t, uint64(497_500_000_000), movements[1].AmountAtomic)
	assert.Equal(t, DirectionFee, movements[2].Direction)
	assert.Equal(t, uint64(2_500_000_000), movements[2].AmountAtomic)

	balance, err := l.Balance(ctx, "trd_1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), balance)
}

func TestRecordRelease_ZeroFeeAppendsNoFeeMovement(t *testing.T) {
	l := newLedger()
	ctx := context.Background()

	_, err := l.RecordDeposit(ctx, "trd_1", "aa11", 1000, 10)
	require.NoError(t, err)

	err = l.RecordRelease(ctx, "trd_1", 1000, 0, "cc33")
	require.NoError(t, err)

	movements, err := l.Movements(ctx, "trd_1")
	require.NoError(t, err)
	assert.Len(t, movements, 2)
}

func TestRecordRelease_OverdrawRejected(t *testing.T) {
	l := newLedger()
	ctx := context.Background()

	_, err := l.RecordDeposit(ctx, "trd_1", "aa11", 1000, 10)
	require.NoError(t, err)

	err = l.RecordRelease(ctx, "trd_1", 1000, 1, "cc33")
	require.ErrorIs(t, err, ErrNegativeBalance)

	// No partial write.
	movements, err := l.Movements(ctx, "trd_1")
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

func TestBalance_NegativeHistoryIsFatal(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store)
	ctx := context.Background()

	// Write an inconsistent history directly through the store; the ledger
	// must refuse to clamp it.
	require.NoError(t, store.Append(ctx, &Movement{
		TradeID: "trd_1", Direction: DirectionOut, AmountAtomic: 10, TxHash: "x",
	}))

	_, err := l.Balance(ctx, "trd_1")
	require.ErrorIs(t, err, ErrNegativeBalance)
}

func TestBalance_EmptyTradeIsZero(t *testing.T) {
	l := newLedger()
	balance, err := l.Balance(context.Background(), "trd_never_seen")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), balance)
}

func TestBalance_MixedHistory(t *testing.T) {
	l := newLedger()
	ctx := context.Background()

	_, err := l.RecordDeposit(ctx, "trd_1", "aa11", 300, 10)
	require.NoError(t, err)
	_, err = l.RecordDeposit(ctx, "trd_1", "bb22", 700, 10)
	require.NoError(t, err)

	require.NoError(t, l.RecordRelease(ctx, "trd_1", 400, 25, "cc33"))

	balance, err := l.Balance(ctx, "trd_1")
	require.NoError(t, err)
	assert.Equal(t, uint64(575), balance)
}
