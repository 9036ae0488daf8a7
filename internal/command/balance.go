package command

import "github.com/google/uuid"

const PartitionPayments = "payments"

// CreditBalance adds purchased tokens to a user's available balance.
// Sourced from the payments feed; idempotency key is the upstream payment id.
type CreditBalance struct {
	PaymentID uuid.UUID
	UserID    uuid.UUID
	Asset     string
	Amount    int64
	Sequence  int64
	Timestamp int64 // Epoch microseconds, stamped at the edge
}

func (c *CreditBalance) IdempotencyKey() string {
	return c.PaymentID.String()
}

func (c *CreditBalance) OpType() OpType {
	return OpTypeCreditBalance
}

func (c *CreditBalance) Partition() *string {
	p := PartitionPayments
	return &p
}

func (c *CreditBalance) SourceSequence() int64 {
	return c.Sequence
}

// DebitBalance removes tokens from a user's available balance (cash-out).
// Held and escrowed funds are never touched.
type DebitBalance struct {
	PaymentID uuid.UUID
	UserID    uuid.UUID
	Asset     string
	Amount    int64
	Sequence  int64
	Timestamp int64 // Epoch microseconds, stamped at the edge
}

func (d *DebitBalance) IdempotencyKey() string {
	return d.PaymentID.String()
}

func (d *DebitBalance) OpType() OpType {
	return OpTypeDebitBalance
}

func (d *DebitBalance) Partition() *string {
	p := PartitionPayments
	return &p
}

func (d *DebitBalance) SourceSequence() int64 {
	return d.Sequence
}
