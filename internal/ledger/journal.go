package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeListingReserve JournalType = iota // seller available -> on_hold at listing creation
	JournalTypeTradeEscrow                       // buyer available -> system escrow at trade initiation
	JournalTypeTradeRefund                       // system escrow -> buyer available on cancellation
	JournalTypeSettleInventory                   // seller on_hold -> buyer available on completion
	JournalTypeSettlePayment                     // system escrow -> seller available on completion
	JournalTypeExternalCredit                    // payment gateway credit
	JournalTypeExternalDebit                     // payment gateway debit (withdrawal)
	JournalTypeAutoFund                          // test-mode faucet top-up
	JournalTypeAdjustment
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeListingReserve:
		return "listing_reserve"
	case JournalTypeTradeEscrow:
		return "trade_escrow"
	case JournalTypeTradeRefund:
		return "trade_refund"
	case JournalTypeSettleInventory:
		return "settle_inventory"
	case JournalTypeSettlePayment:
		return "settle_payment"
	case JournalTypeExternalCredit:
		return "external_credit"
	case JournalTypeExternalDebit:
		return "external_debit"
	case JournalTypeAutoFund:
		return "auto_fund"
	case JournalTypeAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups the legs of one operation
	OpRef         string      // Idempotency key of source operation
	Sequence      int64       // Global operation sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Whole-token amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	OpRef     string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Note on balance invariant: each journal entry is a balanced transfer by construction
// (a single positive amount moves from credit account to debit account). Therefore
// Σ debits == Σ credits is guaranteed per-entry. Multi-leg batches (e.g., trade
// settlement) use multiple entries under one batch_id — each individually balanced.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
