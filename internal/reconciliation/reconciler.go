// Package reconciliation matches incoming wallet transfers to trades.
//
// The wallet's transfer history is the source of truth; the escrow ledger is
// a derived projection of it. A pass over a trade is idempotent: transfers
// already in the ledger (by tx hash) are skipped, new ones are appended, and
// the trade moves to escrowed only once the confirmed sum covers the trade
// amount. A deposit is never rejected — partial, over- and under-payments
// are all recorded; sufficiency only gates the state transition.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tradewind-labs/escrowd/internal/escrow"
	"github.com/tradewind-labs/escrowd/internal/metrics"
	"github.com/tradewind-labs/escrowd/internal/syncutil"
	"github.com/tradewind-labs/escrowd/internal/traces"
	"github.com/tradewind-labs/escrowd/internal/trade"
	"github.com/tradewind-labs/escrowd/internal/walletrpc"
)

// TransferLister is the slice of the wallet gateway the reconciler needs.
type TransferLister interface {
	GetTransfers(ctx context.Context, account uint32, subaddrIndices []uint32) ([]walletrpc.IncomingTransfer, error)
}

// DepositLedger records deposits and derives balances.
type DepositLedger interface {
	RecordDeposit(ctx context.Context, tradeID, txHash string, amount, confirmations uint64) (*escrow.Movement, error)
	Balance(ctx context.Context, tradeID string) (uint64, error)
}

// Config carries the reconciler's explicit configuration.
type Config struct {
	WalletAccount         uint32
	ConfirmationThreshold uint64
	BatchSize             int // trades per RunAll pass
}

// Result summarizes one pass over a single trade.
type Result struct {
	TradeID         string `json:"tradeId"`
	NewDeposits     int    `json:"newDeposits"`
	Balance         uint64 `json:"balance"`
	ConfirmedAtomic uint64 `json:"confirmedAtomic"`
	Funded          bool   `json:"funded"`
}

// Summary aggregates a RunAll pass.
type Summary struct {
	Checked     int `json:"checked"`
	NewDeposits int `json:"newDeposits"`
	Funded      int `json:"funded"`
	Failed      int `json:"failed"`
}

// Reconciler drives deposits from the wallet into the ledger and the trade
// state machine.
type Reconciler struct {
	trades trade.Store
	events trade.EventStore
	ledger DepositLedger
	wallet TransferLister
	locks  *syncutil.TradeLocks
	cfg    Config
	logger *slog.Logger
}

// New creates a reconciler.
func New(trades trade.Store, events trade.EventStore, ledger DepositLedger, wallet TransferLister, locks *syncutil.TradeLocks, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		trades: trades,
		events: events,
		ledger: ledger,
		wallet: wallet,
		locks:  locks,
		cfg:    cfg,
		logger: logger,
	}
}

// CheckTrade reconciles one trade against the wallet. Safe to call from a
// page view, the periodic pass, or both at once; the per-trade lock
// serializes them and the tx-hash dedupe makes re-runs no-ops.
func (r *Reconciler) CheckTrade(ctx context.Context, tradeID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.CheckTrade", traces.TradeID(tradeID))
	defer span.End()

	release, err := r.locks.Acquire(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := r.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.EscrowSubaddress == "" {
		return &Result{TradeID: t.ID}, nil
	}

	transfers, err := r.wallet.GetTransfers(ctx, r.cfg.WalletAccount, []uint32{t.EscrowSubaddrIndex})
	if err != nil {
		r.recordFailure(ctx, t.ID, "list_transfers", err)
		return nil, fmt.Errorf("list transfers for trade %s: %w", t.ID, err)
	}

	result := &Result{TradeID: t.ID}
	var confirmed uint64
	for _, tr := range transfers {
		if tr.Confirmations >= r.cfg.ConfirmationThreshold {
			confirmed += tr.Amount
		}

		_, err := r.ledger.RecordDeposit(ctx, t.ID, tr.TxID, tr.Amount, tr.Confirmations)
		switch {
		case errors.Is(err, escrow.ErrDuplicateDeposit):
			metrics.DuplicateDepositsTotal.Inc()
			continue
		case err != nil:
			r.recordFailure(ctx, t.ID, "record_deposit", err)
			return nil, fmt.Errorf("record deposit %s for trade %s: %w", tr.TxID, t.ID, err)
		}

		result.NewDeposits++
		metrics.DepositsRecordedTotal.Inc()
		r.logger.Info("escrow deposit recorded",
			"trade_id", t.ID, "txid", tr.TxID,
			"amount", tr.Amount, "confirmations", tr.Confirmations)
	}
	result.ConfirmedAtomic = confirmed

	result.Balance, err = r.ledger.Balance(ctx, t.ID)
	if err != nil {
		r.recordFailure(ctx, t.ID, "derive_balance", err)
		return nil, err
	}

	// Funds arriving on a settled trade are recorded above but never move
	// state again; flag them for the operator instead.
	if t.State.Terminal() || t.State == trade.StateExpired {
		if result.NewDeposits > 0 {
			r.appendEvent(ctx, trade.NewEvent(t.ID, trade.EventDepositAfterTerminal, "", map[string]string{
				"state":        string(t.State),
				"new_deposits": strconv.Itoa(result.NewDeposits),
			}))
		}
		return result, nil
	}

	if t.State == trade.StateAwaitDeposit {
		if confirmed >= t.AmountAtomic {
			if err := r.markFunded(ctx, t, result); err != nil {
				r.recordFailure(ctx, t.ID, "mark_funded", err)
				return nil, err
			}
			result.Funded = true
		} else if result.NewDeposits > 0 {
			r.appendEvent(ctx, trade.NewEvent(t.ID, trade.EventPartialDeposit, "", map[string]string{
				"received_atomic":  strconv.FormatUint(result.Balance, 10),
				"confirmed_atomic": strconv.FormatUint(confirmed, 10),
				"required_atomic":  strconv.FormatUint(t.AmountAtomic, 10),
			}))
		}
	}

	return result, nil
}

func (r *Reconciler) markFunded(ctx context.Context, t *trade.Trade, result *Result) error {
	next, err := trade.Next(t.State, trade.ActionConfirmDeposit, trade.Guards{FundsConfirmed: true})
	if err != nil {
		return err
	}

	t.State = next
	t.UpdatedAt = time.Now().UTC()
	if err := r.trades.Update(ctx, t); err != nil {
		return fmt.Errorf("persist funded state for trade %s: %w", t.ID, err)
	}

	metrics.TradesFundedTotal.Inc()
	r.appendEvent(ctx, trade.NewEvent(t.ID, trade.EventEscrowFunded, "", map[string]string{
		"balance_atomic":   strconv.FormatUint(result.Balance, 10),
		"confirmed_atomic": strconv.FormatUint(result.ConfirmedAtomic, 10),
	}))
	r.logger.Info("trade escrow funded", "trade_id", t.ID, "balance", result.Balance)
	return nil
}

// RunAll reconciles every trade awaiting a deposit. Failures on individual
// trades are logged and counted; the pass continues.
func (r *Reconciler) RunAll(ctx context.Context) (*Summary, error) {
	trades, err := r.trades.ListByState(ctx, trade.StateAwaitDeposit, r.cfg.BatchSize)
	if err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list trades awaiting deposit: %w", err)
	}

	summary := &Summary{}
	for _, t := range trades {
		summary.Checked++
		res, err := r.CheckTrade(ctx, t.ID)
		if err != nil {
			summary.Failed++
			r.logger.Warn("reconciliation failed for trade", "trade_id", t.ID, "error", err)
			continue
		}
		summary.NewDeposits += res.NewDeposits
		if res.Funded {
			summary.Funded++
		}
	}

	metrics.ReconcileRunsTotal.WithLabelValues("ok").Inc()
	return summary, nil
}

// recordFailure writes the audit event for a failed pass over a trade. The
// caller still returns the error; the event exists so "try again later"
// outcomes leave a trace.
func (r *Reconciler) recordFailure(ctx context.Context, tradeID, stage string, failErr error) {
	r.appendEvent(ctx, trade.NewEvent(tradeID, trade.EventReconcileFailed, "", map[string]string{
		"stage": stage,
		"error": failErr.Error(),
	}))
}

func (r *Reconciler) appendEvent(ctx context.Context, e *trade.Event) {
	if err := r.events.Append(ctx, e); err != nil {
		r.logger.Error("failed to append trade event",
			"trade_id", e.TradeID, "type", e.Type, "error", err)
	}
}
