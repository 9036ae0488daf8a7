package ledger

import (
	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for marketplace operations.
// Sufficiency checks happen in the core before generation; the generator is
// purely mechanical so a generated batch is always applicable. Sequence
// numbers are stamped by the core when the batch enters the pipeline, so the
// batch, its journal rows, and the op envelope always share one slot.
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

func (jg *JournalGenerator) newBatch(opRef string, timestamp int64, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		OpRef:     opRef,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, capacity),
	}
}

func (jg *JournalGenerator) addJournal(b *Batch, debit, credit AccountKey, assetID AssetID, amount int64, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		OpRef:         b.OpRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateListingReserve moves seller funds: available -> on_hold.
func (jg *JournalGenerator) GenerateListingReserve(
	sellerID uuid.UUID,
	opRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) *Batch {
	batch := jg.newBatch(opRef, timestamp, 1)
	jg.addJournal(batch,
		NewUserAccountKey(sellerID, SubTypeOnHold, assetID),
		NewUserAccountKey(sellerID, SubTypeAvailable, assetID),
		assetID, amount, JournalTypeListingReserve)
	return batch
}

// GenerateAutoFund tops up a seller from the faucet boundary account.
// Test-mode only; keeps the auto-fund path zero-sum and auditable.
func (jg *JournalGenerator) GenerateAutoFund(
	sellerID uuid.UUID,
	opRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) *Batch {
	batch := jg.newBatch(opRef, timestamp, 1)
	jg.addJournal(batch,
		NewUserAccountKey(sellerID, SubTypeAvailable, assetID),
		NewExternalAccountKey(SubTypeExternalFaucet, assetID),
		assetID, amount, JournalTypeAutoFund)
	return batch
}

// GenerateTradeEscrow moves the buyer's payment: available -> system escrow.
func (jg *JournalGenerator) GenerateTradeEscrow(
	buyerID uuid.UUID,
	opRef string,
	payment int64,
	assetID AssetID,
	timestamp int64,
) *Batch {
	batch := jg.newBatch(opRef, timestamp, 1)
	jg.addJournal(batch,
		EscrowAccountKey(assetID),
		NewUserAccountKey(buyerID, SubTypeAvailable, assetID),
		assetID, payment, JournalTypeTradeEscrow)
	return batch
}

// GenerateSettlement produces the closed-swap batch for trade completion:
//  1. seller on_hold -> buyer available for the purchased quantity
//  2. system escrow -> seller available for the pre-escrowed payment
//
// Both legs move the primary token. Both commit or neither does; the payment
// was debited from the buyer at trade creation and is never re-debited here.
func (jg *JournalGenerator) GenerateSettlement(
	buyerID, sellerID uuid.UUID,
	opRef string,
	quantity, payment int64,
	assetID AssetID,
	timestamp int64,
) *Batch {
	batch := jg.newBatch(opRef, timestamp, 2)
	jg.addJournal(batch,
		NewUserAccountKey(buyerID, SubTypeAvailable, assetID),
		NewUserAccountKey(sellerID, SubTypeOnHold, assetID),
		assetID, quantity, JournalTypeSettleInventory)
	jg.addJournal(batch,
		NewUserAccountKey(sellerID, SubTypeAvailable, assetID),
		EscrowAccountKey(assetID),
		assetID, payment, JournalTypeSettlePayment)
	return batch
}

// GenerateTradeRefund returns escrowed payment to the buyer on cancellation.
func (jg *JournalGenerator) GenerateTradeRefund(
	buyerID uuid.UUID,
	opRef string,
	payment int64,
	assetID AssetID,
	timestamp int64,
) *Batch {
	batch := jg.newBatch(opRef, timestamp, 1)
	jg.addJournal(batch,
		NewUserAccountKey(buyerID, SubTypeAvailable, assetID),
		EscrowAccountKey(assetID),
		assetID, payment, JournalTypeTradeRefund)
	return batch
}

// GenerateExternalCredit credits a user from the payment gateway boundary.
func (jg *JournalGenerator) GenerateExternalCredit(
	userID uuid.UUID,
	opRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) *Batch {
	batch := jg.newBatch(opRef, timestamp, 1)
	jg.addJournal(batch,
		NewUserAccountKey(userID, SubTypeAvailable, assetID),
		NewExternalAccountKey(SubTypeExternalPayments, assetID),
		assetID, amount, JournalTypeExternalCredit)
	return batch
}

// GenerateExternalDebit debits a user toward the payment gateway boundary.
func (jg *JournalGenerator) GenerateExternalDebit(
	userID uuid.UUID,
	opRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) *Batch {
	batch := jg.newBatch(opRef, timestamp, 1)
	jg.addJournal(batch,
		NewExternalAccountKey(SubTypeExternalPayments, assetID),
		NewUserAccountKey(userID, SubTypeAvailable, assetID),
		assetID, amount, JournalTypeExternalDebit)
	return batch
}
