package command

import (
	"time"
)

// OpType discriminator for operation payloads
type OpType int32

const (
	OpTypeUnknown OpType = iota
	OpTypeCreateListing
	OpTypeDeactivateListing
	OpTypeInitiateTrade
	OpTypeAcceptTrade
	OpTypeConfirmPayment
	OpTypeCompleteTrade
	OpTypeCancelTrade
	OpTypeDisputeTrade
	OpTypeCreditBalance
	OpTypeDebitBalance
)

// OpEnvelope wraps every operation in the log
type OpEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Operation type discriminator
	OpType OpType

	// Partition context for ordering validation (nil for API-sourced ops)
	Partition *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded operation-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}

// Op is the interface all operation payloads must implement
type Op interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// OpType returns the discriminator
	OpType() OpType

	// Partition returns the ordering partition (nil for API-sourced ops)
	Partition() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (ot OpType) String() string {
	switch ot {
	case OpTypeCreateListing:
		return "CreateListing"
	case OpTypeDeactivateListing:
		return "DeactivateListing"
	case OpTypeInitiateTrade:
		return "InitiateTrade"
	case OpTypeAcceptTrade:
		return "AcceptTrade"
	case OpTypeConfirmPayment:
		return "ConfirmPayment"
	case OpTypeCompleteTrade:
		return "CompleteTrade"
	case OpTypeCancelTrade:
		return "CancelTrade"
	case OpTypeDisputeTrade:
		return "DisputeTrade"
	case OpTypeCreditBalance:
		return "CreditBalance"
	case OpTypeDebitBalance:
		return "DebitBalance"
	default:
		return "Unknown"
	}
}
