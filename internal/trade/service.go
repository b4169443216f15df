package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewind-labs/escrowd/internal/syncutil"
	"github.com/tradewind-labs/escrowd/internal/walletrpc"
)

// AddressWallet is the slice of the wallet gateway the lifecycle service
// needs: subaddress creation and transfer listing for funding checks.
type AddressWallet interface {
	CreateAddress(ctx context.Context, account uint32, label string) (*walletrpc.Subaddress, error)
	GetTransfers(ctx context.Context, account uint32, subaddrIndices []uint32) ([]walletrpc.IncomingTransfer, error)
}

// ServiceConfig carries the explicit configuration the service needs.
type ServiceConfig struct {
	WalletAccount         uint32
	ConfirmationThreshold uint64
	DefaultExpiry         time.Duration // applied when a create request has no expiry
}

// Service orchestrates trade lifecycle operations that do not move escrow
// funds: creation, address assignment, payment attestation, cancellation,
// disputes and expiry. Fund-moving operations live in the settlement package.
type Service struct {
	store  Store
	events EventStore
	wallet AddressWallet
	locks  *syncutil.TradeLocks
	cfg    ServiceConfig
	logger *slog.Logger
}

// NewService creates a trade lifecycle service.
func NewService(store Store, events EventStore, wallet AddressWallet, locks *syncutil.TradeLocks, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = 90 * time.Minute
	}
	return &Service{
		store:  store,
		events: events,
		wallet: wallet,
		locks:  locks,
		cfg:    cfg,
		logger: logger,
	}
}

// CreateRequest contains the parameters for opening a trade. The offer
// bounds come from the (external) offer record as it stood at request time.
type CreateRequest struct {
	OfferID             string
	BuyerID             string
	SellerID            string
	AmountAtomic        uint64
	OfferMinAtomic      uint64
	OfferMaxAtomic      uint64
	PricePerXMR         decimal.Decimal
	Currency            string
	BuyerPayoutAddress  string
	SellerRefundAddress string
	ExpiresIn           time.Duration
}

// Create opens a trade in draft state.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Trade, error) {
	if req.BuyerID == req.SellerID {
		return nil, ErrSameParty
	}
	if req.AmountAtomic == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrAmountOutsideOffer)
	}
	if req.AmountAtomic < req.OfferMinAtomic || req.AmountAtomic > req.OfferMaxAtomic {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]",
			ErrAmountOutsideOffer, req.AmountAtomic, req.OfferMinAtomic, req.OfferMaxAtomic)
	}

	expiresIn := req.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = s.cfg.DefaultExpiry
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	t := &Trade{
		ID:                  newID(),
		OfferID:             req.OfferID,
		BuyerID:             req.BuyerID,
		SellerID:            req.SellerID,
		AmountAtomic:        req.AmountAtomic,
		PricePerXMR:         req.PricePerXMR,
		Currency:            req.Currency,
		BuyerPayoutAddress:  req.BuyerPayoutAddress,
		SellerRefundAddress: req.SellerRefundAddress,
		State:               StateDraft,
		ExpiresAt:           &expiresAt,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create trade: %w", err)
	}

	s.appendEvent(ctx, NewEvent(t.ID, EventCreated, req.BuyerID, map[string]string{
		"offer_id":      t.OfferID,
		"amount_atomic": strconv.FormatUint(t.AmountAtomic, 10),
		"currency":      t.Currency,
	}))
	return t, nil
}

// AssignEscrowAddress creates a dedicated subaddress for the trade and moves
// it to await_deposit.
func (s *Service) AssignEscrowAddress(ctx context.Context, tradeID string) (*Trade, error) {
	release, err := s.locks.Acquire(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	if t.EscrowSubaddress == "" {
		sub, err := s.wallet.CreateAddress(ctx, s.cfg.WalletAccount, t.ID)
		if err != nil {
			return nil, fmt.Errorf("create escrow subaddress: %w", err)
		}
		t.EscrowSubaddress = sub.Address
		t.EscrowSubaddrIndex = sub.Index
	}

	next, err := Next(t.State, ActionAssignAddress, Guards{SubaddressSet: t.EscrowSubaddress != ""})
	if err != nil {
		return nil, err
	}

	t.State = next
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("persist escrow address: %w", err)
	}

	s.appendEvent(ctx, NewEvent(t.ID, EventAddressAssigned, "", map[string]string{
		"subaddress":    t.EscrowSubaddress,
		"subaddr_index": strconv.FormatUint(uint64(t.EscrowSubaddrIndex), 10),
	}))
	return t, nil
}

// MarkPaymentSent records the buyer's claim that the fiat payment went out.
func (s *Service) MarkPaymentSent(ctx context.Context, tradeID, actorID string) (*Trade, error) {
	return s.transition(ctx, tradeID, actorID, ActionMarkPaid, EventPaymentSent, nil)
}

// ConfirmPayment records the seller's attestation that the fiat payment
// arrived. The fiat leg is verified manually, so this is gated on the
// upstream sensitive-action approval.
func (s *Service) ConfirmPayment(ctx context.Context, tradeID, actorID string, approved bool) (*Trade, error) {
	if !approved {
		return nil, ErrNotApproved
	}
	return s.transition(ctx, tradeID, actorID, ActionConfirmPayment, EventPaymentConfirmed, nil)
}

// Cancel abandons a trade that has no confirmed escrow funds.
func (s *Service) Cancel(ctx context.Context, tradeID, actorID string, approved bool) (*Trade, error) {
	if !approved {
		return nil, ErrNotApproved
	}

	release, err := s.locks.Acquire(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	committed, err := s.confirmedDepositTotal(ctx, t)
	if err != nil {
		s.recordFundingCheckFailure(ctx, t.ID, actorID, ActionCancel, err)
		return nil, fmt.Errorf("check escrow funding before cancel: %w", err)
	}

	next, err := Next(t.State, ActionCancel, Guards{
		Actor:            t.RoleOf(actorID),
		NoCommittedFunds: committed == 0,
	})
	if err != nil {
		return nil, err
	}

	t.State = next
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("persist cancel: %w", err)
	}

	s.appendEvent(ctx, NewEvent(t.ID, EventCancelled, actorID, nil))
	return t, nil
}

// Dispute freezes a funded trade until an arbiter resolves it.
func (s *Service) Dispute(ctx context.Context, tradeID, actorID, reason string) (*Trade, error) {
	return s.transition(ctx, tradeID, actorID, ActionDispute, EventDisputed, map[string]string{
		"reason": reason,
	})
}

// ExpireDue moves overdue, unfunded trades to expired. Invoked by the
// periodic reconciliation pass.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	trades, err := s.store.ListExpiring(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, t := range trades {
		if err := s.expireOne(ctx, t.ID); err != nil {
			// A funded trade is simply not expirable; anything else is logged
			// and the pass moves on.
			if !errors.Is(err, ErrInvalidTransition) {
				s.logger.Warn("expiry pass failed for trade", "trade_id", t.ID, "error", err)
			}
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, tradeID string) error {
	release, err := s.locks.Acquire(ctx, tradeID)
	if err != nil {
		return err
	}
	defer release()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return err
	}

	committed, err := s.confirmedDepositTotal(ctx, t)
	if err != nil {
		s.recordFundingCheckFailure(ctx, t.ID, "", ActionExpire, err)
		return fmt.Errorf("check escrow funding before expiry: %w", err)
	}

	next, err := Next(t.State, ActionExpire, Guards{
		Expired:          t.ExpiresAt != nil && t.ExpiresAt.Before(time.Now().UTC()),
		NoCommittedFunds: committed == 0,
	})
	if err != nil {
		return err
	}

	t.State = next
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		return fmt.Errorf("persist expiry: %w", err)
	}

	s.appendEvent(ctx, NewEvent(t.ID, EventExpired, "", nil))
	return nil
}

// Get returns a trade by ID.
func (s *Service) Get(ctx context.Context, id string) (*Trade, error) {
	return s.store.Get(ctx, id)
}

// Events returns the audit trail for a trade.
func (s *Service) Events(ctx context.Context, tradeID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.events.ListByTrade(ctx, tradeID, limit)
}

// transition runs the lock/load/validate/persist/record cycle for actions
// whose guards need only the actor's role.
func (s *Service) transition(ctx context.Context, tradeID, actorID string, action Action, eventType string, data map[string]string) (*Trade, error) {
	release, err := s.locks.Acquire(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	next, err := Next(t.State, action, Guards{Actor: t.RoleOf(actorID)})
	if err != nil {
		return nil, err
	}

	t.State = next
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("persist %s: %w", action, err)
	}

	s.appendEvent(ctx, NewEvent(t.ID, eventType, actorID, data))
	return t, nil
}

// confirmedDepositTotal sums deposits to the trade's subaddress that meet the
// confirmation threshold, from live wallet data. The wallet's transfer
// history, not local state, decides whether funds are committed.
func (s *Service) confirmedDepositTotal(ctx context.Context, t *Trade) (uint64, error) {
	if t.EscrowSubaddress == "" {
		return 0, nil
	}
	transfers, err := s.wallet.GetTransfers(ctx, s.cfg.WalletAccount, []uint32{t.EscrowSubaddrIndex})
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, tr := range transfers {
		if tr.Confirmations >= s.cfg.ConfirmationThreshold {
			total += tr.Amount
		}
	}
	return total, nil
}

// recordFundingCheckFailure audits a wallet read that blocked a lifecycle
// action. The action itself fails with "try again"; the event keeps the
// failure visible in the trade's trail.
func (s *Service) recordFundingCheckFailure(ctx context.Context, tradeID, actorID string, action Action, failErr error) {
	s.appendEvent(ctx, NewEvent(tradeID, EventFundingCheckFailed, actorID, map[string]string{
		"action": string(action),
		"error":  failErr.Error(),
	}))
}

// appendEvent records an audit event. Event write failures are logged, not
// propagated: the state change already happened and must not be rolled back
// over a missing audit row.
func (s *Service) appendEvent(ctx context.Context, e *Event) {
	if err := s.events.Append(ctx, e); err != nil {
		s.logger.Error("failed to append trade event",
			"trade_id", e.TradeID, "type", e.Type, "error", err)
	}
}
