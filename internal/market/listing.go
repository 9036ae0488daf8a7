package market

import (
	"fmt"

	"github.com/google/uuid"
)

// ListingStatus tracks a sell offer's lifecycle
type ListingStatus int32

const (
	ListingStatusActive ListingStatus = iota
	ListingStatusInactive
	ListingStatusCompleted
)

func (ls ListingStatus) String() string {
	switch ls {
	case ListingStatusActive:
		return "active"
	case ListingStatusInactive:
		return "inactive"
	case ListingStatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// CanTransitionTo validates listing status transitions.
// completed -> active exists only for the cancellation path: a trade refund
// restores inventory to a listing that reservation had exhausted.
func (ls ListingStatus) CanTransitionTo(next ListingStatus) bool {
	validTransitions := map[ListingStatus][]ListingStatus{
		ListingStatusActive: {
			ListingStatusInactive,
			ListingStatusCompleted,
		},
		ListingStatusCompleted: {
			ListingStatusActive,
		},
	}

	allowed, ok := validTransitions[ls]
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

// Listing represents a standing sell offer. The seller's on_hold balance
// backs TotalAmount; Remaining is the unsold portion still reservable.
type Listing struct {
	ListingID      uuid.UUID
	SellerID       uuid.UUID
	TotalAmount    int64 // Whole FUN tokens offered
	Remaining      int64 // Monotonically non-increasing except by cancellation refund
	Price          int64 // Whole FUN tokens per token sold
	MinLimit       int64
	MaxLimit       int64
	PaymentMethods []string
	Status         ListingStatus
	CreatedAt      int64 // Epoch microseconds
	UpdatedAt      int64
	Version        int64 // Optimistic concurrency control
}

// ValidateLimits enforces the creation-time constraints:
// 0 < min <= max <= total, positive price and amount, non-empty methods.
func (l *Listing) ValidateLimits() error {
	if l.TotalAmount < 1 {
		return fmt.Errorf("%w: amount must be at least 1", ErrInvalidLimits)
	}
	if l.Price < 1 {
		return fmt.Errorf("%w: price must be at least 1", ErrInvalidLimits)
	}
	if l.MinLimit < 1 {
		return fmt.Errorf("%w: min limit must be at least 1", ErrInvalidLimits)
	}
	if l.MinLimit > l.MaxLimit {
		return fmt.Errorf("%w: min limit %d exceeds max limit %d", ErrInvalidLimits, l.MinLimit, l.MaxLimit)
	}
	if l.MaxLimit > l.TotalAmount {
		return fmt.Errorf("%w: max limit %d exceeds total amount %d", ErrInvalidLimits, l.MaxLimit, l.TotalAmount)
	}
	if len(l.PaymentMethods) == 0 {
		return fmt.Errorf("%w: at least one payment method required", ErrInvalidLimits)
	}
	return nil
}

// WithinLimits reports whether a trade quantity respects the per-trade bounds.
func (l *Listing) WithinLimits(quantity int64) bool {
	return quantity >= l.MinLimit && quantity <= l.MaxLimit
}

// PaymentFor computes the payment amount at this listing's price.
func (l *Listing) PaymentFor(quantity int64) int64 {
	return quantity * l.Price
}

// Clone returns an independent copy for callers outside the core.
func (l *Listing) Clone() *Listing {
	cp := *l
	cp.PaymentMethods = append([]string(nil), l.PaymentMethods...)
	return &cp
}

// CanonicalBytes returns deterministic serialization for state hashing
func (l *Listing) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	buf = append(buf, l.ListingID[:]...)
	buf = append(buf, l.SellerID[:]...)
	buf = appendInt64LE(buf, l.TotalAmount)
	buf = appendInt64LE(buf, l.Remaining)
	buf = appendInt64LE(buf, l.Price)
	buf = appendInt64LE(buf, int64(l.Status))
	buf = appendInt64LE(buf, l.Version)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
