package trade

import "fmt"

// Action is an input to the state machine.
type Action string

const (
	ActionAssignAddress  Action = "assign_address"
	ActionConfirmDeposit Action = "confirm_deposit"
	ActionMarkPaid       Action = "mark_paid"
	ActionConfirmPayment Action = "confirm_payment"
	ActionRelease        Action = "release"
	ActionRefund         Action = "refund"
	ActionCancel         Action = "cancel"
	ActionDispute        Action = "dispute"
	ActionResolveRelease Action = "resolve_release"
	ActionResolveRefund  Action = "resolve_refund"
	ActionExpire         Action = "expire"
)

// Guards carries the facts a transition guard may consult. The machine
// itself performs no I/O: callers gather these facts first, then ask.
type Guards struct {
	Actor            Role
	SubaddressSet    bool
	Balance          uint64 // current escrow ledger balance, atomic units
	AmountAtomic     uint64 // the trade's nominal amount
	FundsConfirmed   bool   // confirmed deposits cover AmountAtomic
	NoCommittedFunds bool   // zero confirmed deposits on the escrow subaddress
	Expired          bool   // expires_at is in the past
}

// TransitionError reports a rejected transition. It unwraps to
// ErrInvalidTransition so callers can match the whole class.
type TransitionError struct {
	From   State
	Action Action
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid trade transition: %s from %s: %s", e.Action, e.From, e.Reason)
	}
	return fmt.Sprintf("invalid trade transition: %s from %s", e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type transition struct {
	to    State
	guard func(Guards) string // returns "" when allowed, else the rejection reason
}

func actorIs(want Role) func(Guards) string {
	return func(g Guards) string {
		if g.Actor != want {
			return fmt.Sprintf("actor must be %s", want)
		}
		return ""
	}
}

func allOf(guards ...func(Guards) string) func(Guards) string {
	return func(g Guards) string {
		for _, guard := range guards {
			if reason := guard(g); reason != "" {
				return reason
			}
		}
		return ""
	}
}

func noCommittedFunds(g Guards) string {
	if !g.NoCommittedFunds {
		return "escrow funds already committed"
	}
	return ""
}

func balanceCoversAmount(g Guards) string {
	if g.Balance < g.AmountAtomic {
		return "escrow balance below trade amount"
	}
	return ""
}

func eitherParty(g Guards) string {
	if g.Actor != RoleBuyer && g.Actor != RoleSeller {
		return "actor must be a trade party"
	}
	return ""
}

// table is the authoritative transition graph. Anything absent is rejected.
var table = map[State]map[Action]transition{
	StateDraft: {
		ActionAssignAddress: {StateAwaitDeposit, func(g Guards) string {
			if !g.SubaddressSet {
				return "escrow subaddress not assigned"
			}
			return ""
		}},
		ActionCancel: {StateCancelled, noCommittedFunds},
	},
	StateAwaitDeposit: {
		ActionConfirmDeposit: {StateEscrowed, func(g Guards) string {
			if !g.FundsConfirmed {
				return "confirmed deposits below trade amount"
			}
			return ""
		}},
		ActionCancel: {StateCancelled, noCommittedFunds},
	},
	StateEscrowed: {
		ActionMarkPaid:       {StateAwaitPayment, actorIs(RoleBuyer)},
		ActionConfirmPayment: {StateReleasePending, actorIs(RoleSeller)},
		ActionRelease:        {StateCompleted, allOf(actorIs(RoleBuyer), balanceCoversAmount)},
		ActionRefund: {StateRefunded, allOf(actorIs(RoleSeller), func(g Guards) string {
			if g.Balance == 0 {
				return "nothing to refund"
			}
			return ""
		})},
		ActionDispute: {StateDisputed, eitherParty},
	},
	StateAwaitPayment: {
		ActionConfirmPayment: {StateReleasePending, actorIs(RoleSeller)},
		ActionRelease:        {StateCompleted, allOf(actorIs(RoleBuyer), balanceCoversAmount)},
		ActionRefund: {StateRefunded, allOf(actorIs(RoleSeller), func(g Guards) string {
			if g.Balance == 0 {
				return "nothing to refund"
			}
			return ""
		})},
		ActionCancel:  {StateCancelled, noCommittedFunds},
		ActionDispute: {StateDisputed, eitherParty},
	},
	StateReleasePending: {
		ActionRelease: {StateCompleted, allOf(actorIs(RoleBuyer), balanceCoversAmount)},
		ActionRefund: {StateRefunded, allOf(actorIs(RoleSeller), func(g Guards) string {
			if g.Balance == 0 {
				return "nothing to refund"
			}
			return ""
		})},
		ActionDispute: {StateDisputed, eitherParty},
	},
	StateDisputed: {
		ActionResolveRelease: {StateCompleted, allOf(actorIs(RoleArbiter), balanceCoversAmount)},
		ActionResolveRefund: {StateRefunded, allOf(actorIs(RoleArbiter), func(g Guards) string {
			if g.Balance == 0 {
				return "nothing to refund"
			}
			return ""
		})},
	},
}

// Next is the pure transition function: (state, action, guard facts) in,
// (new state | rejection) out. Every pair not in the table is an
// ErrInvalidTransition; the machine never silently no-ops.
func Next(from State, action Action, g Guards) (State, error) {
	// Expiry applies to every non-terminal state but only before funding.
	if action == ActionExpire {
		if from.Terminal() || from == StateExpired {
			return from, &TransitionError{From: from, Action: action, Reason: "trade already settled"}
		}
		if !g.Expired {
			return from, &TransitionError{From: from, Action: action, Reason: "trade not yet expired"}
		}
		if reason := noCommittedFunds(g); reason != "" {
			return from, &TransitionError{From: from, Action: action, Reason: reason}
		}
		return StateExpired, nil
	}

	tr, ok := table[from][action]
	if !ok {
		return from, &TransitionError{From: from, Action: action}
	}
	if reason := tr.guard(g); reason != "" {
		return from, &TransitionError{From: from, Action: action, Reason: reason}
	}
	return tr.to, nil
}
