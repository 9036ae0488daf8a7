package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances.
// Not thread-safe — only accessed from the single-threaded marketplace core.
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// PreviewBatch verifies that applying the batch would not drive any user or
// escrow account negative. External boundary accounts are allowed to go
// negative (they are the zero-sum counterweight for funds entering the
// system). Called before ApplyBatch so a failing operation mutates nothing.
func (bt *BalanceTracker) PreviewBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	tentative := make(map[AccountKey]int64, len(batch.Journals)*2)
	for _, j := range batch.Journals {
		for _, key := range [2]AccountKey{j.DebitAccount, j.CreditAccount} {
			if _, seen := tentative[key]; !seen {
				tentative[key] = bt.balances[key]
			}
		}
		tentative[j.DebitAccount] += j.Amount
		tentative[j.CreditAccount] -= j.Amount
	}

	for key, balance := range tentative {
		if key.Scope == AccountScopeExternal {
			continue
		}
		if balance < 0 {
			return fmt.Errorf("account %s would go negative: %d", key.AccountPath(), balance)
		}
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// SetBalance overwrites an account balance (snapshot restore only)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// === User Balance Queries ===

// GetUserAvailableBalance returns the spendable balance
func (bt *BalanceTracker) GetUserAvailableBalance(userID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeAvailable, assetID))
}

// GetUserOnHoldBalance returns funds committed to the user's own listings
func (bt *BalanceTracker) GetUserOnHoldBalance(userID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeOnHold, assetID))
}

// GetUserTotalBalance returns available + on_hold
func (bt *BalanceTracker) GetUserTotalBalance(userID uuid.UUID, assetID AssetID) int64 {
	return bt.GetUserAvailableBalance(userID, assetID) + bt.GetUserOnHoldBalance(userID, assetID)
}

// GetEscrowBalance returns the system escrow balance for an asset
func (bt *BalanceTracker) GetEscrowBalance(assetID AssetID) int64 {
	return bt.GetBalance(EscrowAccountKey(assetID))
}

// === Invariant Checks ===

// ValidateAvailableNonNegative checks available >= 0
func (bt *BalanceTracker) ValidateAvailableNonNegative(userID uuid.UUID, assetID AssetID) error {
	available := bt.GetUserAvailableBalance(userID, assetID)
	if available < 0 {
		return fmt.Errorf("user %s has negative available balance for asset %d: %d",
			userID.String(), assetID, available)
	}
	return nil
}

// ValidateOnHoldNonNegative checks on_hold >= 0
func (bt *BalanceTracker) ValidateOnHoldNonNegative(userID uuid.UUID, assetID AssetID) error {
	onHold := bt.GetUserOnHoldBalance(userID, assetID)
	if onHold < 0 {
		return fmt.Errorf("user %s has negative on_hold balance for asset %d: %d",
			userID.String(), assetID, onHold)
	}
	return nil
}

// ValidateSufficientAvailable checks if user has enough spendable balance
func (bt *BalanceTracker) ValidateSufficientAvailable(userID uuid.UUID, assetID AssetID, required int64) error {
	available := bt.GetUserAvailableBalance(userID, assetID)
	if available < required {
		return fmt.Errorf("insufficient available balance: have=%d, need=%d", available, required)
	}
	return nil
}

// ValidateSufficientOnHold checks if user has enough held funds to release
func (bt *BalanceTracker) ValidateSufficientOnHold(userID uuid.UUID, assetID AssetID, required int64) error {
	onHold := bt.GetUserOnHoldBalance(userID, assetID)
	if onHold < required {
		return fmt.Errorf("insufficient on_hold balance: have=%d, need=%d", onHold, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
