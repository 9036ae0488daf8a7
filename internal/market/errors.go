package market

import "errors"

// Stable error kinds surfaced to callers. Every operation maps a failure to
// exactly one of these; transports classify with errors.Is.
var (
	ErrNotFound               = errors.New("not found")
	ErrUnauthorized           = errors.New("acting party is not bound to this record")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientInventory  = errors.New("insufficient listing inventory")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrListingInactive        = errors.New("listing is not active")
	ErrSelfTrade              = errors.New("cannot trade against own listing")
	ErrLimitExceeded          = errors.New("quantity outside listing limits")
	ErrInvalidLimits          = errors.New("invalid listing limits")

	// ErrInvariantViolation signals ledger corruption risk, not a user error.
	// It is never swallowed: the core surfaces it and refuses the operation.
	ErrInvariantViolation = errors.New("balance invariant violation")
)
