package command

import (
	"fmt"

	"github.com/google/uuid"
)

// InitiateTrade opens a trade against a listing: decrements remaining
// inventory and escrows the buyer's payment in a single atomic unit.
// Idempotency key: trade_id (UUID minted at the API edge).
type InitiateTrade struct {
	TradeID   uuid.UUID
	ListingID uuid.UUID
	BuyerID   uuid.UUID
	Quantity  int64 // Whole FUN tokens requested
	Sequence  int64
	Timestamp int64 // Epoch microseconds, stamped at the edge
}

func (i *InitiateTrade) IdempotencyKey() string {
	return i.TradeID.String()
}

func (i *InitiateTrade) OpType() OpType {
	return OpTypeInitiateTrade
}

func (i *InitiateTrade) Partition() *string {
	return nil // API-sourced
}

func (i *InitiateTrade) SourceSequence() int64 {
	return i.Sequence
}

// AcceptTrade is the seller acknowledging a pending trade.
type AcceptTrade struct {
	TradeID   uuid.UUID
	SellerID  uuid.UUID // Must match the trade's seller
	Sequence  int64
	Timestamp int64 // Epoch microseconds, stamped at the edge
}

func (a *AcceptTrade) IdempotencyKey() string {
	return fmt.Sprintf("%s:accept", a.TradeID)
}

func (a *AcceptTrade) OpType() OpType {
	return OpTypeAcceptTrade
}

func (a *AcceptTrade) Partition() *string {
	return nil
}

func (a *AcceptTrade) SourceSequence() int64 {
	return a.Sequence
}

// ConfirmPayment is the buyer marking their off-platform payment as sent.
type ConfirmPayment struct {
	TradeID   uuid.UUID
	BuyerID   uuid.UUID // Must match the trade's buyer
	Sequence  int64
	Timestamp int64 // Epoch microseconds, stamped at the edge
}

func (c *ConfirmPayment) IdempotencyKey() string {
	return fmt.Sprintf("%s:paid", c.TradeID)
}

func (c *ConfirmPayment) OpType() OpType {
	return OpTypeConfirmPayment
}

func (c *ConfirmPayment) Partition() *string {
	return nil
}

func (c *ConfirmPayment) SourceSequence() int64 {
	return c.Sequence
}

// CompleteTrade settles a paid trade: tokens from the seller's hold to the
// buyer, escrowed payment to the seller, both legs in one atomic unit.
type CompleteTrade struct {
	TradeID   uuid.UUID
	SellerID  uuid.UUID // Must match the trade's seller
	Sequence  int64
	Timestamp int64 // Epoch microseconds, stamped at the edge

	// Resolution marks a dispute-feed verdict. Set only by the resolution
	// parser, never reachable from the REST surface; it is the sole path
	// that moves a disputed trade.
	Resolution bool
}

func (c *CompleteTrade) IdempotencyKey() string {
	return fmt.Sprintf("%s:complete", c.TradeID)
}

func (c *CompleteTrade) OpType() OpType {
	return OpTypeCompleteTrade
}

func (c *CompleteTrade) Partition() *string {
	return nil
}

func (c *CompleteTrade) SourceSequence() int64 {
	return c.Sequence
}

// CancelTrade unwinds an open trade: refunds the escrowed payment to the
// buyer and restores the listing's remaining inventory.
type CancelTrade struct {
	TradeID     uuid.UUID
	RequestedBy uuid.UUID // Buyer, seller, or resolution operator
	Reason      string
	Sequence    int64
	Timestamp   int64 // Epoch microseconds, stamped at the edge

	// Resolution marks a dispute-feed verdict; see CompleteTrade.Resolution.
	Resolution bool
}

func (c *CancelTrade) IdempotencyKey() string {
	return fmt.Sprintf("%s:cancel", c.TradeID)
}

func (c *CancelTrade) OpType() OpType {
	return OpTypeCancelTrade
}

func (c *CancelTrade) Partition() *string {
	return nil
}

func (c *CancelTrade) SourceSequence() int64 {
	return c.Sequence
}

// DisputeTrade freezes an open trade pending external resolution.
// Escrow stays held until the resolution collaborator cancels or completes.
type DisputeTrade struct {
	TradeID     uuid.UUID
	RequestedBy uuid.UUID
	Reason      string
	Sequence    int64
	Timestamp   int64 // Epoch microseconds, stamped at the edge
}

func (d *DisputeTrade) IdempotencyKey() string {
	return fmt.Sprintf("%s:dispute", d.TradeID)
}

func (d *DisputeTrade) OpType() OpType {
	return OpTypeDisputeTrade
}

func (d *DisputeTrade) Partition() *string {
	return nil
}

func (d *DisputeTrade) SourceSequence() int64 {
	return d.Sequence
}
