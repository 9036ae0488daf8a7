package query

import "github.com/google/uuid"

// BalanceResponse represents user balance state for API queries.
type BalanceResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Asset  string    `json:"asset"`

	// Ledger balances (from journal entries)
	TotalBalance     int64 `json:"total_balance"`     // available + on_hold
	AvailableBalance int64 `json:"available_balance"` // spendable
	OnHoldBalance    int64 `json:"on_hold_balance"`   // backing active listings

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last applied op sequence
}

// ListingCursor is the pagination cursor for listing discovery. It carries
// the full sort key of the last row on the previous page so pages neither
// skip nor repeat listings when prices tie.
type ListingCursor struct {
	Price     int64
	Remaining int64
	CreatedAt int64
	ListingID uuid.UUID
}

// ListingResponse represents a sell offer for API queries.
type ListingResponse struct {
	ListingID      uuid.UUID `json:"listing_id"`
	SellerID       uuid.UUID `json:"seller_id"`
	TotalAmount    int64     `json:"total_amount"`
	Remaining      int64     `json:"remaining"`
	Price          int64     `json:"price"`
	MinLimit       int64     `json:"min_limit"`
	MaxLimit       int64     `json:"max_limit"`
	PaymentMethods []string  `json:"payment_methods"`
	Status         string    `json:"status"`
	CreatedAt      int64     `json:"created_at"`
	UpdatedAt      int64     `json:"updated_at"`
	Version        int64     `json:"version"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// TradeResponse represents a trade for API queries.
type TradeResponse struct {
	TradeID      uuid.UUID `json:"trade_id"`
	ListingID    uuid.UUID `json:"listing_id"`
	BuyerID      uuid.UUID `json:"buyer_id"`
	SellerID     uuid.UUID `json:"seller_id"`
	Quantity     int64     `json:"quantity"`
	Payment      int64     `json:"payment"`
	Price        int64     `json:"price"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    int64     `json:"created_at"`
	AcceptedAt   int64     `json:"accepted_at,omitempty"`
	PaidAt       int64     `json:"paid_at,omitempty"`
	CompletedAt  int64     `json:"completed_at,omitempty"`
	CancelledAt  int64     `json:"cancelled_at,omitempty"`
	DisputedAt   int64     `json:"disputed_at,omitempty"`
	Version      int64     `json:"version"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	OpRef         string `json:"op_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance int64  `json:"imbalance"`
}
