// Package settlement releases or refunds escrowed funds exactly once.
//
// Both paths follow the same shape: validate against the state machine,
// validate the ledger balance, call the wallet, then record ledger movements
// and the state transition. The wallet call and the bookkeeping after it are
// one logical unit — if bookkeeping fails after a successful transfer, the
// wallet's transfer history is the source of truth and ResolveAmbiguous
// repairs local state from it. Transfer calls are never retried blindly.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/tradewind-labs/escrowd/internal/metrics"
	"github.com/tradewind-labs/escrowd/internal/syncutil"
	"github.com/tradewind-labs/escrowd/internal/traces"
	"github.com/tradewind-labs/escrowd/internal/trade"
	"github.com/tradewind-labs/escrowd/internal/walletrpc"
)

var (
	// ErrInsufficientEscrowFunds means the ledger balance does not cover the
	// attempted settlement.
	ErrInsufficientEscrowFunds = errors.New("insufficient escrow funds")

	// ErrNoRefundAddress means the trade has no seller refund address on file.
	ErrNoRefundAddress = errors.New("trade has no seller refund address")

	// ErrNoPayoutAddress means the trade has no buyer payout address on file.
	ErrNoPayoutAddress = errors.New("trade has no buyer payout address")
)

// TransferWallet is the slice of the wallet gateway settlements need.
type TransferWallet interface {
	Transfer(ctx context.Context, account uint32, dests []walletrpc.Destination, priority uint32) (*walletrpc.TransferResult, error)
	SweepSingle(ctx context.Context, address string, priority uint32) (*walletrpc.TransferResult, error)
	GetTransferByTxid(ctx context.Context, txid string) (*walletrpc.IncomingTransfer, error)
}

// SettlementLedger records settlements and derives balances.
type SettlementLedger interface {
	Balance(ctx context.Context, tradeID string) (uint64, error)
	RecordRelease(ctx context.Context, tradeID string, amount, fee uint64, txHash string) error
}

// Config carries the executor's explicit configuration.
type Config struct {
	FeeBps           int64
	WalletAccount    uint32
	TransferPriority uint32
}

// Outcome describes a completed settlement.
type Outcome struct {
	Trade         *trade.Trade `json:"trade"`
	TxHash        string       `json:"txHash"`
	AmountAtomic  uint64       `json:"amountAtomic"`
	FeeAtomic     uint64       `json:"feeAtomic"`
	SurplusAtomic uint64       `json:"surplusAtomic"`
}

// Executor orchestrates release and refund.
type Executor struct {
	trades trade.Store
	events trade.EventStore
	ledger SettlementLedger
	wallet TransferWallet
	locks  *syncutil.TradeLocks
	cfg    Config
	logger *slog.Logger
}

// New creates a settlement executor.
func New(trades trade.Store, events trade.EventStore, ledger SettlementLedger, wallet TransferWallet, locks *syncutil.TradeLocks, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		trades: trades,
		events: events,
		ledger: ledger,
		wallet: wallet,
		locks:  locks,
		cfg:    cfg,
		logger: logger,
	}
}

// Fee computes the platform fee in atomic units: round(amount * bps / 10000),
// rounding half up.
func Fee(amountAtomic uint64, feeBps int64) uint64 {
	if feeBps <= 0 {
		return 0
	}
	product := new(big.Int).Mul(
		new(big.Int).SetUint64(amountAtomic),
		big.NewInt(feeBps),
	)
	product.Add(product, big.NewInt(5000)) // half up
	product.Div(product, big.NewInt(10000))
	return product.Uint64()
}

// Release pays the buyer amount_atomic minus the platform fee and completes
// the trade. Any balance above amount_atomic stays on the escrow subaddress
// and is flagged for an explicit operator sweep, never silently moved.
func (e *Executor) Release(ctx context.Context, tradeID, actorID string, approved bool) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Release",
		traces.TradeID(tradeID),
		traces.Actor(actorID),
	)
	defer span.End()

	if !approved {
		return nil, trade.ErrNotApproved
	}

	release, err := e.locks.Acquire(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := e.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.BuyerPayoutAddress == "" {
		return nil, ErrNoPayoutAddress
	}

	balance, err := e.ledger.Balance(ctx, t.ID)
	if err != nil {
		return nil, err // includes the fatal negative-balance violation
	}

	next, err := e.validate(t, trade.ActionRelease, t.RoleOf(actorID), balance)
	if err != nil {
		return nil, err
	}

	fee := Fee(t.AmountAtomic, e.cfg.FeeBps)
	releaseAmount := t.AmountAtomic - fee

	result, err := e.wallet.Transfer(ctx, e.cfg.WalletAccount, []walletrpc.Destination{
		{Address: t.BuyerPayoutAddress, Amount: releaseAmount},
	}, e.cfg.TransferPriority)
	if err != nil {
		e.recordFailure(ctx, t, "release", actorID, err)
		return nil, err
	}

	if err := e.finish(ctx, t, next, releaseAmount, fee, result.TxHash, actorID, trade.EventEscrowReleased); err != nil {
		return nil, err
	}

	outcome := &Outcome{
		Trade:        t,
		TxHash:       result.TxHash,
		AmountAtomic: releaseAmount,
		FeeAtomic:    fee,
	}
	if balance > t.AmountAtomic {
		outcome.SurplusAtomic = balance - t.AmountAtomic
		e.flagSurplus(ctx, t, outcome.SurplusAtomic)
	}

	metrics.SettlementsTotal.WithLabelValues("release", "success").Inc()
	e.logger.Info("escrow released",
		"trade_id", t.ID, "tx_hash", result.TxHash,
		"amount", releaseAmount, "fee", fee, "surplus", outcome.SurplusAtomic)
	return outcome, nil
}

// Refund returns the full current escrow balance to the seller. No platform
// fee is deducted at this layer.
func (e *Executor) Refund(ctx context.Context, tradeID, actorID string, approved bool) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Refund",
		traces.TradeID(tradeID),
		traces.Actor(actorID),
	)
	defer span.End()

	if !approved {
		return nil, trade.ErrNotApproved
	}

	release, err := e.locks.Acquire(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := e.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.SellerRefundAddress == "" {
		return nil, ErrNoRefundAddress
	}

	balance, err := e.ledger.Balance(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	next, err := e.validate(t, trade.ActionRefund, t.RoleOf(actorID), balance)
	if err != nil {
		return nil, err
	}

	result, err := e.wallet.Transfer(ctx, e.cfg.WalletAccount, []walletrpc.Destination{
		{Address: t.SellerRefundAddress, Amount: balance},
	}, e.cfg.TransferPriority)
	if err != nil {
		e.recordFailure(ctx, t, "refund", actorID, err)
		return nil, err
	}

	if err := e.finish(ctx, t, next, balance, 0, result.TxHash, actorID, trade.EventEscrowRefunded); err != nil {
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("refund", "success").Inc()
	e.logger.Info("escrow refunded",
		"trade_id", t.ID, "tx_hash", result.TxHash, "amount", balance)
	return &Outcome{Trade: t, TxHash: result.TxHash, AmountAtomic: balance}, nil
}

// ResolveDispute settles a disputed trade by arbiter decision. outcome is
// "release" (buyer receives amount minus fee) or "refund" (seller receives
// the full balance).
func (e *Executor) ResolveDispute(ctx context.Context, tradeID, arbiterID, outcome string, approved bool) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ResolveDispute",
		traces.TradeID(tradeID),
		traces.Actor(arbiterID),
		traces.Kind(outcome),
	)
	defer span.End()

	if !approved {
		return nil, trade.ErrNotApproved
	}

	release, err := e.locks.Acquire(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := e.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	balance, err := e.ledger.Balance(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	var action trade.Action
	var dest string
	var amount, fee uint64
	switch outcome {
	case "release":
		action = trade.ActionResolveRelease
		dest = t.BuyerPayoutAddress
		fee = Fee(t.AmountAtomic, e.cfg.FeeBps)
		amount = t.AmountAtomic - fee
		if dest == "" {
			return nil, ErrNoPayoutAddress
		}
	case "refund":
		action = trade.ActionResolveRefund
		dest = t.SellerRefundAddress
		amount = balance
		if dest == "" {
			return nil, ErrNoRefundAddress
		}
	default:
		return nil, fmt.Errorf("unknown dispute outcome %q", outcome)
	}

	next, err := e.validate(t, action, trade.RoleArbiter, balance)
	if err != nil {
		return nil, err
	}

	result, err := e.wallet.Transfer(ctx, e.cfg.WalletAccount, []walletrpc.Destination{
		{Address: dest, Amount: amount},
	}, e.cfg.TransferPriority)
	if err != nil {
		e.recordFailure(ctx, t, "resolve_"+outcome, arbiterID, err)
		return nil, err
	}

	if err := e.finish(ctx, t, next, amount, fee, result.TxHash, arbiterID, trade.EventDisputeResolved); err != nil {
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("resolve_"+outcome, "success").Inc()
	return &Outcome{Trade: t, TxHash: result.TxHash, AmountAtomic: amount, FeeAtomic: fee}, nil
}

// Resolution is the result of checking an ambiguous transfer against the
// wallet's history.
type Resolution struct {
	Found  bool   `json:"found"`
	TxHash string `json:"txHash,omitempty"`
	Amount uint64 `json:"amount,omitempty"`
}

// ResolveAmbiguous re-queries the wallet for a transfer whose original call
// failed ambiguously. If the wallet knows the transaction, the settlement
// did happen and local bookkeeping is completed from the wallet's record;
// if not, the caller may safely retry the settlement. kind is "release" or
// "refund" — whichever operation produced the ambiguous failure.
func (e *Executor) ResolveAmbiguous(ctx context.Context, tradeID, txHash, kind, actorID string) (*Resolution, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ResolveAmbiguous",
		traces.TradeID(tradeID),
		traces.TxHash(txHash),
		traces.Kind(kind),
	)
	defer span.End()

	release, err := e.locks.Acquire(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := e.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	transfer, err := e.wallet.GetTransferByTxid(ctx, txHash)
	if err != nil {
		var rpcErr *walletrpc.RPCError
		if errors.As(err, &rpcErr) {
			// The wallet has no such transaction: the transfer never
			// happened and the settlement may be retried.
			return &Resolution{Found: false}, nil
		}
		return nil, err
	}

	res := &Resolution{Found: true, TxHash: transfer.TxID, Amount: transfer.Amount}
	if t.State.Terminal() {
		// Bookkeeping already caught up; nothing to repair.
		return res, nil
	}

	balance, err := e.ledger.Balance(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	var action trade.Action
	var amount, fee uint64
	var eventType string
	switch kind {
	case "release":
		action = trade.ActionRelease
		fee = Fee(t.AmountAtomic, e.cfg.FeeBps)
		amount = t.AmountAtomic - fee
		eventType = trade.EventEscrowReleased
	case "refund":
		action = trade.ActionRefund
		amount = balance
		eventType = trade.EventEscrowRefunded
	default:
		return nil, fmt.Errorf("unknown settlement kind %q", kind)
	}

	next, err := e.validate(t, action, roleForKind(t, kind), balance)
	if err != nil {
		return nil, err
	}
	if err := e.finish(ctx, t, next, amount, fee, transfer.TxID, actorID, eventType); err != nil {
		return nil, err
	}

	e.logger.Info("ambiguous settlement resolved from wallet history",
		"trade_id", t.ID, "tx_hash", transfer.TxID, "kind", kind)
	return res, nil
}

// SweepSurplus moves whatever remains on a settled trade's subaddress to the
// given address. Operator action; the trade must already be settled.
func (e *Executor) SweepSurplus(ctx context.Context, tradeID, destAddress, actorID string, approved bool) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.SweepSurplus",
		traces.TradeID(tradeID),
		traces.Actor(actorID),
	)
	defer span.End()

	if !approved {
		return nil, trade.ErrNotApproved
	}

	release, err := e.locks.Acquire(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := e.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.State.Terminal() && t.State != trade.StateExpired {
		return nil, &trade.TransitionError{From: t.State, Action: "sweep", Reason: "trade not settled"}
	}

	balance, err := e.ledger.Balance(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if balance == 0 {
		return nil, ErrInsufficientEscrowFunds
	}

	result, err := e.wallet.SweepSingle(ctx, destAddress, e.cfg.TransferPriority)
	if err != nil {
		e.recordFailure(ctx, t, "sweep", actorID, err)
		return nil, err
	}

	if err := e.ledger.RecordRelease(ctx, t.ID, balance, 0, result.TxHash); err != nil {
		e.logger.Error("CRITICAL: surplus swept but ledger write failed; reconcile from wallet history",
			"trade_id", t.ID, "tx_hash", result.TxHash, "error", err)
		return nil, fmt.Errorf("record sweep (requires manual resolution): %w", err)
	}

	e.appendEvent(ctx, trade.NewEvent(t.ID, trade.EventSurplusSwept, actorID, map[string]string{
		"tx_hash":       result.TxHash,
		"amount_atomic": strconv.FormatUint(balance, 10),
		"dest_address":  destAddress,
	}))
	return &Outcome{Trade: t, TxHash: result.TxHash, AmountAtomic: balance}, nil
}

// validate checks state and actor legality first, then funds. When the only
// failing guard is the balance, the error is the typed insufficient-funds
// failure rather than an invalid transition.
func (e *Executor) validate(t *trade.Trade, action trade.Action, role trade.Role, balance uint64) (trade.State, error) {
	guards := trade.Guards{Actor: role, Balance: balance, AmountAtomic: t.AmountAtomic}
	next, err := trade.Next(t.State, action, guards)
	if err == nil {
		return next, nil
	}

	// Re-check with the balance guard satisfied: if that passes, state and
	// actor were legal and only the funds were short.
	guards.Balance = t.AmountAtomic
	if guards.Balance == 0 {
		guards.Balance = 1
	}
	if _, retryErr := trade.Next(t.State, action, guards); retryErr == nil {
		return "", fmt.Errorf("%w: trade %s balance %d below required",
			ErrInsufficientEscrowFunds, t.ID, balance)
	}
	return "", err
}

// finish records the ledger movements and the state transition after a
// successful wallet transfer. A failure here leaves the wallet ahead of
// local state; it is logged as critical and reported for manual resolution,
// and ResolveAmbiguous can complete the repair from the wallet's history.
func (e *Executor) finish(ctx context.Context, t *trade.Trade, next trade.State, amount, fee uint64, txHash, actorID, eventType string) error {
	if err := e.ledger.RecordRelease(ctx, t.ID, amount, fee, txHash); err != nil {
		e.logger.Error("CRITICAL: wallet transfer sent but ledger write failed; reconcile from wallet history",
			"trade_id", t.ID, "tx_hash", txHash, "error", err)
		return fmt.Errorf("record settlement for trade %s (requires manual resolution): %w", t.ID, err)
	}

	t.State = next
	t.UpdatedAt = time.Now().UTC()
	if err := e.trades.Update(ctx, t); err != nil {
		// Retry once: funds already moved, the state change must land.
		if retryErr := e.trades.Update(ctx, t); retryErr != nil {
			e.logger.Error("CRITICAL: settlement recorded but state update failed",
				"trade_id", t.ID, "tx_hash", txHash, "error", retryErr)
			return fmt.Errorf("update trade %s after settlement (requires manual resolution): %w", t.ID, err)
		}
	}

	e.appendEvent(ctx, trade.NewEvent(t.ID, eventType, actorID, map[string]string{
		"tx_hash":       txHash,
		"amount_atomic": strconv.FormatUint(amount, 10),
		"fee_atomic":    strconv.FormatUint(fee, 10),
	}))
	return nil
}

func (e *Executor) flagSurplus(ctx context.Context, t *trade.Trade, surplus uint64) {
	e.logger.Warn("escrow over-payment left on subaddress, sweep required",
		"trade_id", t.ID, "surplus_atomic", surplus)
	e.appendEvent(ctx, trade.NewEvent(t.ID, trade.EventEscrowSurplus, "", map[string]string{
		"surplus_atomic": strconv.FormatUint(surplus, 10),
	}))
}

// recordFailure audits a failed wallet call. Ambiguous outcomes are marked
// so the operator knows a history check must precede any retry.
func (e *Executor) recordFailure(ctx context.Context, t *trade.Trade, kind, actorID string, callErr error) {
	metrics.SettlementsTotal.WithLabelValues(kind, "failure").Inc()

	data := map[string]string{"kind": kind, "error": callErr.Error()}
	var te *walletrpc.TransferError
	if errors.As(callErr, &te) && te.Ambiguous {
		data["ambiguous"] = "true"
	}
	e.appendEvent(ctx, trade.NewEvent(t.ID, trade.EventSettlementFailed, actorID, data))
}

func roleForKind(t *trade.Trade, kind string) trade.Role {
	if kind == "refund" {
		return trade.RoleSeller
	}
	return trade.RoleBuyer
}

func (e *Executor) appendEvent(ctx context.Context, ev *trade.Event) {
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.Error("failed to append trade event",
			"trade_id", ev.TradeID, "type", ev.Type, "error", err)
	}
}
