package market

import (
	"github.com/google/uuid"
)

// TradeStatus tracks one buyer's escrowed purchase through its state machine
type TradeStatus int32

const (
	TradeStatusPending TradeStatus = iota
	TradeStatusAccepted
	TradeStatusPaid
	TradeStatusCompleted
	TradeStatusCancelled
	TradeStatusDisputed
)

func (ts TradeStatus) String() string {
	switch ts {
	case TradeStatusPending:
		return "pending"
	case TradeStatusAccepted:
		return "accepted"
	case TradeStatusPaid:
		return "paid"
	case TradeStatusCompleted:
		return "completed"
	case TradeStatusCancelled:
		return "cancelled"
	case TradeStatusDisputed:
		return "disputed"
	default:
		return "unknown"
	}
}

// CanTransitionTo validates trade status transitions.
// cancelled and disputed are reachable from every non-terminal state; entry
// is driven by the external dispute collaborator, which resolves by
// completing (escrow to seller) or cancelling (refund to buyer). Terminal
// states accept nothing: replaying a completion yields an invalid
// transition, never a double credit.
func (ts TradeStatus) CanTransitionTo(next TradeStatus) bool {
	validTransitions := map[TradeStatus][]TradeStatus{
		TradeStatusPending: {
			TradeStatusAccepted,
			TradeStatusCancelled,
			TradeStatusDisputed,
		},
		TradeStatusAccepted: {
			TradeStatusPaid,
			TradeStatusCancelled,
			TradeStatusDisputed,
		},
		TradeStatusPaid: {
			TradeStatusCompleted,
			TradeStatusCancelled,
			TradeStatusDisputed,
		},
		TradeStatusDisputed: {
			TradeStatusCompleted,
			TradeStatusCancelled,
		},
	}

	allowed, ok := validTransitions[ts]
	if !ok {
		return false
	}

	for _, allowedStatus := range allowed {
		if next == allowedStatus {
			return true
		}
	}

	return false
}

// IsTerminal reports whether no further transition is possible.
func (ts TradeStatus) IsTerminal() bool {
	return ts == TradeStatusCompleted || ts == TradeStatusCancelled
}

// HoldsEscrow reports whether the buyer's payment is still held by the system.
func (ts TradeStatus) HoldsEscrow() bool {
	switch ts {
	case TradeStatusPending, TradeStatusAccepted, TradeStatusPaid, TradeStatusDisputed:
		return true
	}
	return false
}

// Trade is the escrow record for one buy attempt against a listing.
// Append-only: trades are never deleted, only transitioned.
type Trade struct {
	TradeID   uuid.UUID
	ListingID uuid.UUID
	BuyerID   uuid.UUID
	SellerID  uuid.UUID
	Quantity  int64 // Whole FUN tokens purchased
	Payment   int64 // Quantity × Price, fixed at creation, immutable after
	Price     int64 // Price snapshot, decoupled from the listing after creation
	Status    TradeStatus
	Reason    string // Cancellation/dispute reason from the collaborator

	// Transition timestamps, epoch microseconds, zero when not reached
	CreatedAt   int64
	AcceptedAt  int64
	PaidAt      int64
	CompletedAt int64
	CancelledAt int64
	DisputedAt  int64

	Version int64 // Optimistic concurrency control
}

// Clone returns an independent copy for callers outside the core.
func (t *Trade) Clone() *Trade {
	cp := *t
	return &cp
}

// CanonicalBytes returns deterministic serialization for state hashing
func (t *Trade) CanonicalBytes() []byte {
	buf := make([]byte, 0, 112)

	buf = append(buf, t.TradeID[:]...)
	buf = append(buf, t.ListingID[:]...)
	buf = append(buf, t.BuyerID[:]...)
	buf = append(buf, t.SellerID[:]...)
	buf = appendInt64LE(buf, t.Quantity)
	buf = appendInt64LE(buf, t.Payment)
	buf = appendInt64LE(buf, int64(t.Status))
	buf = appendInt64LE(buf, t.Version)

	return buf
}
