package trade

import (
	"context"
	"time"
)

// Event type tags recorded in the audit trail.
const (
	EventCreated              = "created"
	EventAddressAssigned      = "escrow_address_assigned"
	EventPartialDeposit       = "partial_deposit"
	EventEscrowFunded         = "escrow_funded"
	EventPaymentSent          = "payment_sent"
	EventPaymentConfirmed     = "payment_confirmed"
	EventEscrowReleased       = "escrow_released"
	EventEscrowRefunded       = "escrow_refunded"
	EventEscrowSurplus        = "escrow_surplus"
	EventCancelled            = "cancelled"
	EventDisputed             = "disputed"
	EventDisputeResolved      = "dispute_resolved"
	EventExpired              = "expired"
	EventDepositAfterTerminal = "deposit_after_terminal"
	EventSettlementFailed     = "settlement_failed"
	EventReconcileFailed      = "reconcile_failed"
	EventFundingCheckFailed   = "funding_check_failed"
	EventSurplusSwept         = "surplus_swept"
)

// Event is one immutable audit record. Every transition and every
// externally significant action appends one, including failures, so
// disputes can be reconstructed from the log alone.
type Event struct {
	ID        int64             `json:"id"`
	TradeID   string            `json:"tradeId"`
	Type      string            `json:"type"`
	ActorID   *string           `json:"actorId,omitempty"` // nil for system-originated events
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// EventStore persists trade events. Rows are created once and never
// destroyed; they outlive trade termination as the durable record.
type EventStore interface {
	Append(ctx context.Context, event *Event) error
	ListByTrade(ctx context.Context, tradeID string, limit int) ([]*Event, error)
}

// NewEvent builds an event. actorID may be empty for system events.
func NewEvent(tradeID, eventType, actorID string, data map[string]string) *Event {
	e := &Event{
		TradeID:   tradeID,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if actorID != "" {
		e.ActorID = &actorID
	}
	return e
}
