// Package trade holds the trade lifecycle: the model, the pure state
// machine that decides which actions are legal, the append-only trade event
// log, and the orchestration service for the non-settlement operations.
//
// Flow:
//  1. Buyer opens a trade against a seller's offer (draft)
//  2. A dedicated escrow subaddress is assigned (await_deposit)
//  3. Seller funds escrow; the reconciler confirms it (escrowed)
//  4. Buyer sends the fiat payment (await_payment)
//  5. Seller attests the payment arrived (release_pending)
//  6. Settlement releases escrow to the buyer (completed)
package trade

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrTradeNotFound      = errors.New("trade not found")
	ErrInvalidTransition  = errors.New("invalid trade transition")
	ErrNotApproved        = errors.New("sensitive action not approved")
	ErrSameParty          = errors.New("buyer and seller cannot be the same")
	ErrAmountOutsideOffer = errors.New("amount outside the offer's min/max bounds")
)

// State is a node in the trade lifecycle graph. A trade only ever moves
// forward along the transition table; there are no implicit jumps.
type State string

const (
	StateDraft          State = "draft"
	StateAwaitDeposit   State = "await_deposit"
	StateEscrowed       State = "escrowed"
	StateAwaitPayment   State = "await_payment"
	StateReleasePending State = "release_pending"
	StateCompleted      State = "completed"
	StateRefunded       State = "refunded"
	StateCancelled      State = "cancelled"
	StateDisputed       State = "disputed"
	StateExpired        State = "expired"
)

// Terminal reports whether no further mutation is permitted.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRefunded, StateCancelled:
		return true
	}
	return false
}

// Role identifies who is requesting an action relative to a trade.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleArbiter Role = "arbiter"
	RoleSystem  Role = "system"
)

// Trade is one buyer/seller exchange of on-chain funds for an off-chain
// payment. AmountAtomic is in the smallest currency unit.
type Trade struct {
	ID                  string          `json:"id"`
	OfferID             string          `json:"offerId"`
	BuyerID             string          `json:"buyerId"`
	SellerID            string          `json:"sellerId"`
	AmountAtomic        uint64          `json:"amountAtomic"`
	PricePerXMR         decimal.Decimal `json:"pricePerXmr"`
	Currency            string          `json:"currency"`
	EscrowSubaddress    string          `json:"escrowSubaddress,omitempty"`
	EscrowSubaddrIndex  uint32          `json:"escrowSubaddrIndex,omitempty"`
	BuyerPayoutAddress  string          `json:"buyerPayoutAddress"`
	SellerRefundAddress string          `json:"sellerRefundAddress,omitempty"`
	State               State           `json:"state"`
	ExpiresAt           *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// RoleOf maps an actor ID to its role on this trade. Unknown actors are
// treated as system callers; arbiter status is asserted by the upstream
// auth layer, not inferred here.
func (t *Trade) RoleOf(actorID string) Role {
	switch actorID {
	case t.BuyerID:
		return RoleBuyer
	case t.SellerID:
		return RoleSeller
	default:
		return RoleSystem
	}
}

// FiatValue returns the trade's nominal value in its fiat currency.
// Atomic units are piconero: 1e12 per XMR.
func (t *Trade) FiatValue() decimal.Decimal {
	xmr := decimal.NewFromBigInt(new(big.Int).SetUint64(t.AmountAtomic), -12)
	return t.PricePerXMR.Mul(xmr)
}

func newID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("trd_%x", b)
}
