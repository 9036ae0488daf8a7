package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is balanced and well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateUserNonNegative checks both balance fields for a user
func (v *InvariantValidator) ValidateUserNonNegative(userID uuid.UUID, assetID AssetID) error {
	if err := v.tracker.ValidateAvailableNonNegative(userID, assetID); err != nil {
		return err
	}
	return v.tracker.ValidateOnHoldNonNegative(userID, assetID)
}

// ValidateEscrowMatchesOpenTrades verifies the escrow account holds exactly
// the sum of payments for trades still awaiting resolution. openPayments is
// supplied by the trade book (sum of payment over pending/accepted/paid/disputed).
func (v *InvariantValidator) ValidateEscrowMatchesOpenTrades(assetID AssetID, openPayments int64) error {
	escrow := v.tracker.GetEscrowBalance(assetID)
	if escrow != openPayments {
		return fmt.Errorf("escrow balance %d does not match open trade payments %d", escrow, openPayments)
	}
	return nil
}

// ValidateGlobalBalance verifies the system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}
