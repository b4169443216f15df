package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewind-labs/escrowd/internal/escrow"
	"github.com/tradewind-labs/escrowd/internal/syncutil"
	"github.com/tradewind-labs/escrowd/internal/trade"
	"github.com/tradewind-labs/escrowd/internal/walletrpc"
)

const oneXMR = uint64(1_000_000_000_000)

type fakeWallet struct {
	transfers map[uint32][]walletrpc.IncomingTransfer
	err       error
}

func (f *fakeWallet) GetTransfers(_ context.Context, _ uint32, indices []uint32) ([]walletrpc.IncomingTransfer, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []walletrpc.IncomingTransfer
	for _, idx := range indices {
		out = append(out, f.transfers[idx]...)
	}
	return out, nil
}

type fixture struct {
	rec    *Reconciler
	trades *trade.MemoryStore
	events *trade.MemoryEventStore
	ledger *escrow.Ledger
	wallet *fakeWallet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	trades := trade.NewMemoryStore()
	events := trade.NewMemoryEventStore()
	ledger := escrow.NewLedger(escrow.NewMemoryStore())
	wallet := &fakeWallet{transfers: map[uint32][]walletrpc.IncomingTransfer{}}
	rec := New(trades, events, ledger, wallet, syncutil.NewTradeLocks(), Config{
		WalletAccount:         0,
		ConfirmationThreshold: 10,
		BatchSize:             100,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &fixture{rec: rec, trades: trades, events: events, ledger: ledger, wallet: wallet}
}

func (f *fixture) seedTrade(t *testing.T, id string, state trade.State, subaddrIndex uint32) *trade.Trade {
	t.Helper()
	tr := &trade.Trade{
		ID:                 id,
		BuyerID:            "buyer_1",
		SellerID:           "seller_1",
		AmountAtomic:       oneXMR / 2, // 0.5 XMR
		EscrowSubaddress:   "8sub_" + id,
		EscrowSubaddrIndex: subaddrIndex,
		State:              state,
	}
	require.NoError(t, f.trades.Create(context.Background(), tr))
	return tr
}

func (f *fixture) eventTypes(t *testing.T, tradeID string) []string {
	t.Helper()
	events, err := f.events.ListByTrade(context.Background(), tradeID, 50)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestConfirmedDepositFundsTrade(t *testing.T) {
	f := newFixture(t)
	tr := f.seedTrade(t, "trd_1", trade.StateAwaitDeposit, 5)
	f.wallet.transfers[5] = []walletrpc.IncomingTransfer{
		{TxID: "tx1", Amount: oneXMR / 2, Confirmations: 10},
	}

	res, err := f.rec.CheckTrade(context.Background(), tr.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, res.NewDeposits)
	assert.True(t, res.Funded)
	assert.Equal(t, oneXMR/2, res.Balance)

	got, err := f.trades.Get(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StateEscrowed, got.State)
	assert.Contains(t, f.eventTypes(t, tr.ID), trade.EventEscrowFunded)
}

func TestUnconfirmedDepositRecordedButNotFunding(t *testing.T) {
	f := newFixture(t)
	tr := f.seedTrade(t, "trd_1", trade.StateAwaitDeposit, 5)
	f.wallet.transfers[5] = []walletrpc.IncomingTransfer{
		{TxID: "tx1", Amount: oneXMR / 2, Confirmations: 4},
	}

	res, err := f.rec.CheckTrade(context.Background(), tr.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, res.NewDeposits, "deposit recorded regardless of confirmations")
	assert.False(t, res.Funded)
	assert.Zero(t, res.ConfirmedAtomic)

	got, err := f.trades.Get(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StateAwaitDeposit, got.State)
	assert.Contains(t, f.eventTypes(t, tr.ID), trade.EventPartialDeposit)
}

func TestPartialDepositsAccumulate(t *testing.T) {
	f := newFixture(t)
	tr := f.seedTrade(t, "trd_1", trade.StateAwaitDeposit, 5)

	f.wallet.transfers[5] = []walletrpc.IncomingTransfer{
		{TxID: "tx1", Amount: oneXMR / 4, Confirmations: 12},
	}
	res, err := f.rec.CheckTrade(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.False(t, res.Funded)

	f.wallet.transfers[5] = append(f.wallet.transfers[5],
		walletrpc.IncomingTransfer{TxID: "tx2", Amount: oneXMR / 4, Confirmations: 12})
	res, err = f.rec.CheckTrade(context.Background(), tr.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, res.NewDeposits, "tx1 deduped, only tx2 is new")
	assert.True(t, res.Funded)
	assert.Equal(t, oneXMR/2, res.Balance)
}

func TestRerunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	tr := f.seedTrade(t, "trd_1", trade.StateAwaitDeposit, 5)
	f.wallet.transfers[5] = []walletrpc.IncomingTransfer{
		{TxID: "tx1", Amount: oneXMR / 2, Confirmations: 10},
	}

	_, err := f.rec.CheckTrade(context.Background(), tr.ID)
	require.NoError(t, err)

	res, err := f.rec.CheckTrade(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Zero(t, res.NewDeposits)

	movements, err := f.ledger.Movements(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Len(t, movements, 1, "duplicate tx hash writes exactly one movement")
}

func TestDepositAfterCancelRecordedWithoutTransition(t *testing.T) {
	f := newFixture(t)
	tr := f.seedTrade(t, "trd_1", trade.StateCancelled, 5)
	f.wallet.transfers[5] = []walletrpc.IncomingTransfer{
		{TxID: "late_tx", Amount: oneXMR, Confirmations: 20},
	}

	res, err := f.rec.CheckTrade(context.Background(), tr.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, res.NewDeposits, "late deposit still lands in the ledger")
	assert.False(t, res.Funded)

	got, err := f.trades.Get(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StateCancelled, got.State, "settled state never moves")
	assert.Contains(t, f.eventTypes(t, tr.ID), trade.EventDepositAfterTerminal)
}

func TestTradeWithoutSubaddressSkipped(t *testing.T) {
	f := newFixture(t)
	tr := &trade.Trade{ID: "trd_bare", BuyerID: "b", SellerID: "s", AmountAtomic: oneXMR, State: trade.StateDraft}
	require.NoError(t, f.trades.Create(context.Background(), tr))

	res, err := f.rec.CheckTrade(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Zero(t, res.NewDeposits)
}

func TestWalletErrorPropagates(t *testing.T) {
	f := newFixture(t)
	tr := f.seedTrade(t, "trd_1", trade.StateAwaitDeposit, 5)
	f.wallet.err = walletrpc.ErrUnavailable

	_, err := f.rec.CheckTrade(context.Background(), tr.ID)
	assert.ErrorIs(t, err, walletrpc.ErrUnavailable)
}

func TestWalletErrorLeavesAuditEvent(t *testing.T) {
	f := newFixture(t)
	tr := f.seedTrade(t, "trd_1", trade.StateAwaitDeposit, 5)
	f.wallet.err = walletrpc.ErrUnavailable

	_, err := f.rec.CheckTrade(context.Background(), tr.ID)
	require.Error(t, err)

	events, err := f.events.ListByTrade(context.Background(), tr.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, trade.EventReconcileFailed, events[0].Type)
	assert.Equal(t, "list_transfers", events[0].Data["stage"])
	assert.Contains(t, events[0].Data["error"], "wallet unavailable")
}

func TestRunAllContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	f.seedTrade(t, "trd_1", trade.StateAwaitDeposit, 1)
	f.seedTrade(t, "trd_2", trade.StateAwaitDeposit, 2)
	f.wallet.transfers[1] = []walletrpc.IncomingTransfer{
		{TxID: "tx1", Amount: oneXMR / 2, Confirmations: 15},
	}
	f.wallet.transfers[2] = []walletrpc.IncomingTransfer{
		{TxID: "tx2", Amount: oneXMR / 4, Confirmations: 15},
	}

	sum, err := f.rec.RunAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Checked)
	assert.Equal(t, 2, sum.NewDeposits)
	assert.Equal(t, 1, sum.Funded)
	assert.Zero(t, sum.Failed)
}

func TestRunAllCountsFailures(t *testing.T) {
	f := newFixture(t)
	f.seedTrade(t, "trd_1", trade.StateAwaitDeposit, 1)
	f.wallet.err = errors.New("wallet down")

	sum, err := f.rec.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
}
