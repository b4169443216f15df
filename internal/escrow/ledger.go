// Package escrow is the authoritative append-only record of fund movements
// per trade.
//
// The escrow balance is never stored; it is derived by summation:
// sum(in) - sum(out) - sum(fee). Movements are created once and never
// updated or deleted, persisting past trade termination as the durable
// record. A negative derived balance indicates a programming or
// double-spend bug and is fatal for that trade, never silently clamped.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateDeposit means an `in` movement with the same tx hash
	// already exists for the trade. Re-polling hits this constantly; callers
	// treat it as a no-op.
	ErrDuplicateDeposit = errors.New("deposit already recorded")

	// ErrNegativeBalance means the movement history sums below zero. This
	// halts processing of the trade and requires operator intervention.
	ErrNegativeBalance = errors.New("escrow balance invariant violated: negative balance")

	ErrInvalidAmount = errors.New("movement amount must be positive")
)

// Direction classifies a fund movement.
type Direction string

const (
	DirectionIn  Direction = "in"  // deposit into escrow
	DirectionOut Direction = "out" // settlement leaving escrow
	DirectionFee Direction = "fee" // platform fee deduction
)

// Movement is one immutable fund-movement record.
type Movement struct {
	ID            int64     `json:"id"`
	TradeID       string    `json:"tradeId"`
	Direction     Direction `json:"direction"`
	AmountAtomic  uint64    `json:"amountAtomic"`
	TxHash        string    `json:"txHash"`
	Confirmations uint64    `json:"confirmations"` // as observed when first recorded
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists movements. AppendRelease must write both movements in one
// atomic unit.
type Store interface {
	Append(ctx context.Context, m *Movement) error
	AppendRelease(ctx context.Context, out *Movement, fee *Movement) error
	ListByTrade(ctx context.Context, tradeID string) ([]*Movement, error)
	HasDeposit(ctx context.Context, tradeID, txHash string) (bool, error)
}

// Ledger derives balances and enforces the append-only movement rules.
type Ledger struct {
	store Store
}

// NewLedger creates a ledger over the given store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// RecordDeposit appends an `in` movement. Deposits are recorded on first
// sight even below the confirmation threshold, so reconciliation stays
// idempotent; whether the trade counts as funded is the reconciler's call.
func (l *Ledger) RecordDeposit(ctx context.Context, tradeID, txHash string, amount, confirmations uint64) (*Movement, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	exists, err := l.store.HasDeposit(ctx, tradeID, txHash)
	if err != nil {
		return nil, fmt.Errorf("check deposit dedupe: %w", err)
	}
	if exists {
		return nil, ErrDuplicateDeposit
	}

	m := &Movement{
		TradeID:       tradeID,
		Direction:     DirectionIn,
		AmountAtomic:  amount,
		TxHash:        txHash,
		Confirmations: confirmations,
		CreatedAt:     time.Now().UTC(),
	}
	if err := l.store.Append(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRelease appends one `out` movement and, when fee > 0, one `fee`
// movement, atomically with each other. It refuses any release that would
// take the balance negative.
func (l *Ledger) RecordRelease(ctx context.Context, tradeID string, amount, fee uint64, txHash string) error {
	if amount == 0 {
		return ErrInvalidAmount
	}

	balance, err := l.Balance(ctx, tradeID)
	if err != nil {
		return err
	}
	if amount+fee > balance {
		return fmt.Errorf("%w: release of %d+%d against balance %d for trade %s",
			ErrNegativeBalance, amount, fee, balance, tradeID)
	}

	now := time.Now().UTC()
	out := &Movement{
		TradeID:      tradeID,
		Direction:    DirectionOut,
		AmountAtomic: amount,
		TxHash:       txHash,
		CreatedAt:    now,
	}
	var feeMove *Movement
	if fee > 0 {
		feeMove = &Movement{
			TradeID:      tradeID,
			Direction:    DirectionFee,
			AmountAtomic: fee,
			TxHash:       txHash,
			CreatedAt:    now,
		}
	}
	return l.store.AppendRelease(ctx, out, feeMove)
}

// Balance derives the escrow balance for a trade.
func (l *Ledger) Balance(ctx context.Context, tradeID string) (uint64, error) {
	movements, err := l.store.ListByTrade(ctx, tradeID)
	if err != nil {
		return 0, err
	}

	var in, outAndFee uint64
	for _, m := range movements {
		switch m.Direction {
		case DirectionIn:
			in += m.AmountAtomic
		case DirectionOut, DirectionFee:
			outAndFee += m.AmountAtomic
		}
	}

	if outAndFee > in {
		return 0, fmt.Errorf("%w: trade %s: in %d, out+fee %d",
			ErrNegativeBalance, tradeID, in, outAndFee)
	}
	return in - outAndFee, nil
}

// Movements returns a trade's full movement history, oldest first.
func (l *Ledger) Movements(ctx context.Context, tradeID string) ([]*Movement, error) {
	return l.store.ListByTrade(ctx, tradeID)
}
