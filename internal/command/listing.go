package command

import "github.com/google/uuid"

// CreateListing posts tokens for sale and moves them into the seller's hold.
// Idempotency key: listing_id (UUID minted at the API edge).
type CreateListing struct {
	ListingID      uuid.UUID
	SellerID       uuid.UUID
	Amount         int64 // Whole FUN tokens offered
	Price          int64 // Whole FUN tokens per token sold
	MinLimit       int64
	MaxLimit       int64
	PaymentMethods []string
	Sequence       int64
	Timestamp      int64 // Epoch microseconds, stamped at the edge
}

func (c *CreateListing) IdempotencyKey() string {
	return c.ListingID.String()
}

func (c *CreateListing) OpType() OpType {
	return OpTypeCreateListing
}

func (c *CreateListing) Partition() *string {
	return nil // API-sourced
}

func (c *CreateListing) SourceSequence() int64 {
	return c.Sequence
}

// DeactivateListing hides a listing from discovery. Held inventory stays
// locked; open trades against it proceed unaffected.
type DeactivateListing struct {
	ListingID uuid.UUID
	SellerID  uuid.UUID // Must match the listing's seller
	RequestID uuid.UUID
	Sequence  int64
	Timestamp int64 // Epoch microseconds, stamped at the edge
}

func (d *DeactivateListing) IdempotencyKey() string {
	return d.RequestID.String()
}

func (d *DeactivateListing) OpType() OpType {
	return OpTypeDeactivateListing
}

func (d *DeactivateListing) Partition() *string {
	return nil
}

func (d *DeactivateListing) SourceSequence() int64 {
	return d.Sequence
}
