package core_test

import (
	"TokenMarket/internal/command"
	"TokenMarket/internal/core"
	"TokenMarket/internal/ledger"
	"TokenMarket/internal/market"
	"errors"
	"testing"

	"github.com/google/uuid"
)

// --- Test helpers ---

// newTestCore creates a MarketCore with buffered channels and no DB checker.
func newTestCore() (*core.MarketCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewMarketCore(0, false, persistChan, projChan, nil, nil)
	return c, persistChan, projChan
}

func mustCreditBalance(userID uuid.UUID, asset string, amount int64, seq int64) *command.CreditBalance {
	return &command.CreditBalance{
		PaymentID: uuid.New(),
		UserID:    userID,
		Asset:     asset,
		Amount:    amount,
		Sequence:  seq,
		Timestamp: 1_000_000 + seq*1_000,
	}
}

func mustDebitBalance(userID uuid.UUID, asset string, amount int64, seq int64) *command.DebitBalance {
	return &command.DebitBalance{
		PaymentID: uuid.New(),
		UserID:    userID,
		Asset:     asset,
		Amount:    amount,
		Sequence:  seq,
		Timestamp: 1_000_000 + seq*1_000,
	}
}

func mustCreateListing(sellerID uuid.UUID, amount, price, minLimit, maxLimit int64) *command.CreateListing {
	return &command.CreateListing{
		ListingID:      uuid.New(),
		SellerID:       sellerID,
		Amount:         amount,
		Price:          price,
		MinLimit:       minLimit,
		MaxLimit:       maxLimit,
		PaymentMethods: []string{"bank_transfer"},
		Timestamp:      2_000_000,
	}
}

func mustInitiateTrade(listingID, buyerID uuid.UUID, quantity int64) *command.InitiateTrade {
	return &command.InitiateTrade{
		TradeID:   uuid.New(),
		ListingID: listingID,
		BuyerID:   buyerID,
		Quantity:  quantity,
		Timestamp: 3_000_000,
	}
}

func availableOf(c *core.MarketCore, userID uuid.UUID, assetID ledger.AssetID) int64 {
	snap := c.CreateSnapshotState()
	return snap.Balances[ledger.NewUserAccountKey(userID, ledger.SubTypeAvailable, assetID)]
}

func onHoldOf(c *core.MarketCore, userID uuid.UUID, assetID ledger.AssetID) int64 {
	snap := c.CreateSnapshotState()
	return snap.Balances[ledger.NewUserAccountKey(userID, ledger.SubTypeOnHold, assetID)]
}

func escrowOf(c *core.MarketCore, assetID ledger.AssetID) int64 {
	snap := c.CreateSnapshotState()
	return snap.Balances[ledger.EscrowAccountKey(assetID)]
}

func assertZeroSum(t *testing.T, c *core.MarketCore) {
	t.Helper()
	totals := make(map[ledger.AssetID]int64)
	for key, balance := range c.CreateSnapshotState().Balances {
		totals[key.AssetID] += balance
	}
	for assetID, total := range totals {
		if total != 0 {
			t.Errorf("asset %d global balance is non-zero: %d", assetID, total)
		}
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// setupFundedPair funds a seller and a buyer with FUN, the token every
// listing and payment is denominated in.
func setupFundedPair(t *testing.T, c *core.MarketCore, sellerFUN, buyerFUN int64) (seller, buyer uuid.UUID) {
	t.Helper()
	seller = uuid.New()
	buyer = uuid.New()

	if _, err := c.ProcessOp(mustCreditBalance(seller, "FUN", sellerFUN, 0)); err != nil {
		t.Fatalf("fund seller: %v", err)
	}
	if buyerFUN > 0 {
		if _, err := c.ProcessOp(mustCreditBalance(buyer, "FUN", buyerFUN, 1)); err != nil {
			t.Fatalf("fund buyer: %v", err)
		}
	}
	return seller, buyer
}

// ============================================================================
// Test: Balance Feed
// ============================================================================

func TestCreditBalance_IncreasesAvailable(t *testing.T) {
	c, persistCh, _ := newTestCore()
	userID := uuid.New()

	result, err := c.ProcessOp(mustCreditBalance(userID, "USDT", 1_000_000, 0))
	if err != nil {
		t.Fatalf("ProcessOp failed: %v", err)
	}
	if result.Duplicate {
		t.Error("first credit should not be a duplicate")
	}

	if got := availableOf(c, userID, ledger.AssetUSDT); got != 1_000_000 {
		t.Errorf("available: got %d, want 1_000_000", got)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Envelope.Sequence != 0 {
		t.Errorf("first op should take sequence 0, got %d", outputs[0].Envelope.Sequence)
	}
	if len(outputs[0].Batch.Journals) != 1 {
		t.Errorf("credit should produce 1 journal, got %d", len(outputs[0].Batch.Journals))
	}

	assertZeroSum(t, c)
}

func TestDebitBalance_InsufficientFunds_Rejected(t *testing.T) {
	c, _, _ := newTestCore()
	userID := uuid.New()

	if _, err := c.ProcessOp(mustCreditBalance(userID, "USDT", 100, 0)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	_, err := c.ProcessOp(mustDebitBalance(userID, "USDT", 101, 1))
	if !errors.Is(err, market.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	// Balance untouched by the rejection
	if got := availableOf(c, userID, ledger.AssetUSDT); got != 100 {
		t.Errorf("available: got %d, want 100", got)
	}
}

func TestDebitBalance_DoesNotTouchHeldFunds(t *testing.T) {
	c, _, _ := newTestCore()
	seller, _ := setupFundedPair(t, c, 500, 0)

	if _, err := c.ProcessOp(mustCreateListing(seller, 400, 2, 10, 400)); err != nil {
		t.Fatalf("create listing: %v", err)
	}

	// 100 available, 400 on hold. Debiting 101 must fail.
	_, err := c.ProcessOp(mustDebitBalance(seller, "FUN", 101, 2))
	if !errors.Is(err, market.ErrInsufficientFunds) {
		t.Errorf("debit must not dip into held funds, got %v", err)
	}

	if _, err := c.ProcessOp(mustDebitBalance(seller, "FUN", 100, 3)); err != nil {
		t.Errorf("debit within available should succeed: %v", err)
	}
}

func TestFeedSequence_StaleSkipped(t *testing.T) {
	c, _, _ := newTestCore()
	userID := uuid.New()

	if _, err := c.ProcessOp(mustCreditBalance(userID, "USDT", 100, 5)); err != nil {
		t.Fatalf("credit seq 5: %v", err)
	}

	// Sequence 3 arrives after 5: stale, skipped as duplicate
	result, err := c.ProcessOp(mustCreditBalance(userID, "USDT", 100, 3))
	if err != nil {
		t.Fatalf("stale op should not error: %v", err)
	}
	if !result.Duplicate {
		t.Error("stale feed op should resolve as duplicate")
	}

	if got := availableOf(c, userID, ledger.AssetUSDT); got != 100 {
		t.Errorf("stale op must not apply: got %d, want 100", got)
	}
}

func TestFeedSequence_GapAccepted(t *testing.T) {
	c, _, _ := newTestCore()
	userID := uuid.New()

	if _, err := c.ProcessOp(mustCreditBalance(userID, "USDT", 100, 0)); err != nil {
		t.Fatalf("credit seq 0: %v", err)
	}
	// Gap from 1 to 7: tolerated
	if _, err := c.ProcessOp(mustCreditBalance(userID, "USDT", 100, 7)); err != nil {
		t.Fatalf("gapped op should apply: %v", err)
	}

	if got := availableOf(c, userID, ledger.AssetUSDT); got != 200 {
		t.Errorf("available: got %d, want 200", got)
	}
}

// ============================================================================
// Test: Listing Flow
// ============================================================================

func TestCreateListing_MovesFundsToHold(t *testing.T) {
	c, _, _ := newTestCore()
	seller, _ := setupFundedPair(t, c, 1_000, 0)

	op := mustCreateListing(seller, 500, 2, 10, 100)
	result, err := c.ProcessOp(op)
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if result.Listing == nil {
		t.Fatal("result should carry the created listing")
	}
	if result.Listing.Status != market.ListingStatusActive {
		t.Errorf("listing status: got %v, want active", result.Listing.Status)
	}
	if result.Listing.Remaining != 500 {
		t.Errorf("remaining: got %d, want 500", result.Listing.Remaining)
	}

	if got := availableOf(c, seller, ledger.AssetFUN); got != 500 {
		t.Errorf("seller available: got %d, want 500", got)
	}
	if got := onHoldOf(c, seller, ledger.AssetFUN); got != 500 {
		t.Errorf("seller on_hold: got %d, want 500", got)
	}
	assertZeroSum(t, c)
}

func TestCreateListing_InsufficientFunds_Rejected(t *testing.T) {
	c, _, _ := newTestCore()
	seller := uuid.New()

	_, err := c.ProcessOp(mustCreateListing(seller, 500, 2, 10, 100))
	if !errors.Is(err, market.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestCreateListing_InvalidLimits_Rejected(t *testing.T) {
	c, _, _ := newTestCore()
	seller, _ := setupFundedPair(t, c, 1_000, 0)

	op := mustCreateListing(seller, 500, 2, 200, 100) // min > max
	_, err := c.ProcessOp(op)
	if !errors.Is(err, market.ErrInvalidLimits) {
		t.Errorf("expected ErrInvalidLimits, got %v", err)
	}
}

func TestCreateListing_AutoFund(t *testing.T) {
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, 1024)
	c := core.NewMarketCore(0, true, persistChan, projChan, nil, nil)
	seller := uuid.New()

	// Unfunded seller gets the faucet grant in test mode
	op := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(op); err != nil {
		t.Fatalf("auto-funded listing should succeed: %v", err)
	}

	if got := onHoldOf(c, seller, ledger.AssetFUN); got != 500 {
		t.Errorf("seller on_hold: got %d, want 500", got)
	}
	if got := availableOf(c, seller, ledger.AssetFUN); got != core.DefaultUserGrant-500 {
		t.Errorf("seller available: got %d, want %d", got, core.DefaultUserGrant-500)
	}

	// Two batches: faucet grant then reserve, each its own sequence slot.
	// Each lands as its own op_log row, so the envelope keys must differ
	// to satisfy the (op_type, idempotency_key) unique index.
	outputs := drainOutputs(persistChan)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs (grant + reserve), got %d", len(outputs))
	}
	if outputs[0].Envelope.IdempotencyKey == outputs[1].Envelope.IdempotencyKey {
		t.Errorf("grant and reserve envelopes share idempotency key %q",
			outputs[0].Envelope.IdempotencyKey)
	}
	assertZeroSum(t, c)
}

func TestDeactivateListing_KeepsHold(t *testing.T) {
	c, _, _ := newTestCore()
	seller, _ := setupFundedPair(t, c, 1_000, 0)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}

	result, err := c.ProcessOp(&command.DeactivateListing{
		ListingID: listingOp.ListingID,
		SellerID:  seller,
		RequestID: uuid.New(),
		Timestamp: 2_500_000,
	})
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if result.Listing.Status != market.ListingStatusInactive {
		t.Errorf("status: got %v, want inactive", result.Listing.Status)
	}

	// Inventory stays locked until open trades resolve
	if got := onHoldOf(c, seller, ledger.AssetFUN); got != 500 {
		t.Errorf("on_hold should stay at 500 after deactivation, got %d", got)
	}
}

func TestDeactivateListing_WrongSeller_Unauthorized(t *testing.T) {
	c, _, _ := newTestCore()
	seller, _ := setupFundedPair(t, c, 1_000, 0)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}

	_, err := c.ProcessOp(&command.DeactivateListing{
		ListingID: listingOp.ListingID,
		SellerID:  uuid.New(),
		RequestID: uuid.New(),
		Timestamp: 2_500_000,
	})
	if !errors.Is(err, market.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

// ============================================================================
// Test: Trade Flow
// ============================================================================

func TestInitiateTrade_EscrowsPayment(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}

	result, err := c.ProcessOp(mustInitiateTrade(listingOp.ListingID, buyer, 50))
	if err != nil {
		t.Fatalf("initiate trade: %v", err)
	}

	if result.Trade == nil {
		t.Fatal("result should carry the created trade")
	}
	if result.Trade.Status != market.TradeStatusPending {
		t.Errorf("trade status: got %v, want pending", result.Trade.Status)
	}
	if result.Trade.Payment != 100 {
		t.Errorf("payment: got %d, want 100 (50 x price 2)", result.Trade.Payment)
	}
	if result.Listing.Remaining != 450 {
		t.Errorf("remaining: got %d, want 450", result.Listing.Remaining)
	}

	if got := availableOf(c, buyer, ledger.AssetFUN); got != 900 {
		t.Errorf("buyer available: got %d, want 900", got)
	}
	if got := escrowOf(c, ledger.AssetFUN); got != 100 {
		t.Errorf("escrow: got %d, want 100", got)
	}
	assertZeroSum(t, c)
}

func TestInitiateTrade_SelfTrade_Rejected(t *testing.T) {
	c, _, _ := newTestCore()
	seller, _ := setupFundedPair(t, c, 1_000, 0)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}

	_, err := c.ProcessOp(mustInitiateTrade(listingOp.ListingID, seller, 50))
	if !errors.Is(err, market.ErrSelfTrade) {
		t.Errorf("expected ErrSelfTrade, got %v", err)
	}
}

func TestInitiateTrade_OutsideLimits_Rejected(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}

	_, err := c.ProcessOp(mustInitiateTrade(listingOp.ListingID, buyer, 9))
	if !errors.Is(err, market.ErrLimitExceeded) {
		t.Errorf("below min: expected ErrLimitExceeded, got %v", err)
	}

	_, err = c.ProcessOp(mustInitiateTrade(listingOp.ListingID, buyer, 101))
	if !errors.Is(err, market.ErrLimitExceeded) {
		t.Errorf("above max: expected ErrLimitExceeded, got %v", err)
	}
}

func TestInitiateTrade_InsufficientInventory_Rejected(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 10_000)

	// max limit == total so limit checks pass while inventory runs out
	listingOp := mustCreateListing(seller, 100, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}

	// First trade takes 60, leaving 40
	if _, err := c.ProcessOp(mustInitiateTrade(listingOp.ListingID, buyer, 60)); err != nil {
		t.Fatalf("first trade: %v", err)
	}

	// Second buyer wants 60, only 40 remain
	secondBuyer := uuid.New()
	if _, err := c.ProcessOp(mustCreditBalance(secondBuyer, "FUN", 10_000, 2)); err != nil {
		t.Fatalf("fund second buyer: %v", err)
	}
	_, err := c.ProcessOp(mustInitiateTrade(listingOp.ListingID, secondBuyer, 60))
	if !errors.Is(err, market.ErrInsufficientInventory) {
		t.Errorf("expected ErrInsufficientInventory, got %v", err)
	}
}

func TestInitiateTrade_SellsOut_ListingCompletes(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 10_000)

	listingOp := mustCreateListing(seller, 100, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}

	result, err := c.ProcessOp(mustInitiateTrade(listingOp.ListingID, buyer, 100))
	if err != nil {
		t.Fatalf("initiate trade: %v", err)
	}

	if result.Listing.Remaining != 0 {
		t.Errorf("remaining: got %d, want 0", result.Listing.Remaining)
	}
	if result.Listing.Status != market.ListingStatusCompleted {
		t.Errorf("sold-out listing should auto-complete, got %v", result.Listing.Status)
	}
}

func TestInitiateTrade_InactiveListing_Rejected(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if _, err := c.ProcessOp(&command.DeactivateListing{
		ListingID: listingOp.ListingID,
		SellerID:  seller,
		RequestID: uuid.New(),
		Timestamp: 2_500_000,
	}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	_, err := c.ProcessOp(mustInitiateTrade(listingOp.ListingID, buyer, 50))
	if !errors.Is(err, market.ErrListingInactive) {
		t.Errorf("expected ErrListingInactive, got %v", err)
	}
}

// runTradeToStatus walks a fresh trade through accept and paid.
func runTradeToStatus(t *testing.T, c *core.MarketCore, tradeID, seller, buyer uuid.UUID, target market.TradeStatus) {
	t.Helper()

	if _, err := c.ProcessOp(&command.AcceptTrade{
		TradeID: tradeID, SellerID: seller, Timestamp: 4_000_000,
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if target == market.TradeStatusAccepted {
		return
	}

	if _, err := c.ProcessOp(&command.ConfirmPayment{
		TradeID: tradeID, BuyerID: buyer, Timestamp: 5_000_000,
	}); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
}

func TestCompleteTrade_Settlement(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	tradeOp := mustInitiateTrade(listingOp.ListingID, buyer, 50)
	if _, err := c.ProcessOp(tradeOp); err != nil {
		t.Fatalf("initiate trade: %v", err)
	}
	runTradeToStatus(t, c, tradeOp.TradeID, seller, buyer, market.TradeStatusPaid)

	result, err := c.ProcessOp(&command.CompleteTrade{
		TradeID: tradeOp.TradeID, SellerID: seller, Timestamp: 6_000_000,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if result.Trade.Status != market.TradeStatusCompleted {
		t.Errorf("status: got %v, want completed", result.Trade.Status)
	}

	// Tokens to the buyer, payment to the seller, escrow drained.
	// Buyer: 1000 - 100 payment + 50 tokens = 950.
	if got := availableOf(c, buyer, ledger.AssetFUN); got != 950 {
		t.Errorf("buyer available: got %d, want 950", got)
	}
	if got := onHoldOf(c, seller, ledger.AssetFUN); got != 450 {
		t.Errorf("seller hold: got %d, want 450", got)
	}
	// Seller: 500 left after listing + 100 payment = 600.
	if got := availableOf(c, seller, ledger.AssetFUN); got != 600 {
		t.Errorf("seller available: got %d, want 600", got)
	}
	if got := escrowOf(c, ledger.AssetFUN); got != 0 {
		t.Errorf("escrow: got %d, want 0", got)
	}
	assertZeroSum(t, c)
}

func TestCompleteTrade_Replay_NoDoubleCredit(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	tradeOp := mustInitiateTrade(listingOp.ListingID, buyer, 50)
	if _, err := c.ProcessOp(tradeOp); err != nil {
		t.Fatalf("initiate trade: %v", err)
	}
	runTradeToStatus(t, c, tradeOp.TradeID, seller, buyer, market.TradeStatusPaid)

	completeOp := &command.CompleteTrade{
		TradeID: tradeOp.TradeID, SellerID: seller, Timestamp: 6_000_000,
	}
	if _, err := c.ProcessOp(completeOp); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Same operation again: duplicate verdict, no second settlement
	result, err := c.ProcessOp(completeOp)
	if err != nil {
		t.Fatalf("replayed complete should not error: %v", err)
	}
	if !result.Duplicate {
		t.Error("replayed complete should resolve as duplicate")
	}

	if got := availableOf(c, seller, ledger.AssetFUN); got != 600 {
		t.Errorf("seller available after replay: got %d, want 600 (no double credit)", got)
	}
	if got := availableOf(c, buyer, ledger.AssetFUN); got != 950 {
		t.Errorf("buyer available after replay: got %d, want 950", got)
	}
}

func TestCancelTrade_RefundsAndRestoresInventory(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 100, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}

	// Sell out: listing auto-completes
	tradeOp := mustInitiateTrade(listingOp.ListingID, buyer, 100)
	if _, err := c.ProcessOp(tradeOp); err != nil {
		t.Fatalf("initiate trade: %v", err)
	}

	result, err := c.ProcessOp(&command.CancelTrade{
		TradeID:     tradeOp.TradeID,
		RequestedBy: buyer,
		Reason:      "changed my mind",
		Timestamp:   4_000_000,
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.Trade.Status != market.TradeStatusCancelled {
		t.Errorf("status: got %v, want cancelled", result.Trade.Status)
	}
	if result.Trade.Reason != "changed my mind" {
		t.Errorf("reason: got %q", result.Trade.Reason)
	}

	// Refund restores the buyer and revives the sold-out listing
	if got := availableOf(c, buyer, ledger.AssetFUN); got != 1_000 {
		t.Errorf("buyer should be made whole: got %d, want 1000", got)
	}
	if got := escrowOf(c, ledger.AssetFUN); got != 0 {
		t.Errorf("escrow: got %d, want 0", got)
	}
	if result.Listing.Remaining != 100 {
		t.Errorf("listing remaining: got %d, want 100", result.Listing.Remaining)
	}
	if result.Listing.Status != market.ListingStatusActive {
		t.Errorf("sold-out listing should revive to active, got %v", result.Listing.Status)
	}
	assertZeroSum(t, c)
}

func TestAcceptTrade_WrongSeller_Unauthorized(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	tradeOp := mustInitiateTrade(listingOp.ListingID, buyer, 50)
	if _, err := c.ProcessOp(tradeOp); err != nil {
		t.Fatalf("initiate trade: %v", err)
	}

	_, err := c.ProcessOp(&command.AcceptTrade{
		TradeID: tradeOp.TradeID, SellerID: buyer, Timestamp: 4_000_000,
	})
	if !errors.Is(err, market.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCompleteTrade_FromPending_InvalidTransition(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	tradeOp := mustInitiateTrade(listingOp.ListingID, buyer, 50)
	if _, err := c.ProcessOp(tradeOp); err != nil {
		t.Fatalf("initiate trade: %v", err)
	}

	// pending -> completed skips paid
	_, err := c.ProcessOp(&command.CompleteTrade{
		TradeID: tradeOp.TradeID, SellerID: seller, Timestamp: 6_000_000,
	})
	if !errors.Is(err, market.ErrInvalidStateTransition) {
		t.Errorf("expected ErrInvalidStateTransition, got %v", err)
	}
}

// ============================================================================
// Test: Dispute Flow
// ============================================================================

func TestDisputeTrade_FreezesEscrow(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	tradeOp := mustInitiateTrade(listingOp.ListingID, buyer, 50)
	if _, err := c.ProcessOp(tradeOp); err != nil {
		t.Fatalf("initiate trade: %v", err)
	}

	result, err := c.ProcessOp(&command.DisputeTrade{
		TradeID:     tradeOp.TradeID,
		RequestedBy: buyer,
		Reason:      "seller unresponsive",
		Timestamp:   4_000_000,
	})
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if result.Trade.Status != market.TradeStatusDisputed {
		t.Errorf("status: got %v, want disputed", result.Trade.Status)
	}

	// Escrow untouched while disputed
	if got := escrowOf(c, ledger.AssetFUN); got != 100 {
		t.Errorf("escrow: got %d, want 100", got)
	}

	// Neither party can move the trade forward while frozen
	_, err = c.ProcessOp(&command.AcceptTrade{
		TradeID: tradeOp.TradeID, SellerID: seller, Timestamp: 4_500_000,
	})
	if !errors.Is(err, market.ErrInvalidStateTransition) {
		t.Errorf("accept on disputed: expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestDisputeTrade_NonParty_Unauthorized(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	tradeOp := mustInitiateTrade(listingOp.ListingID, buyer, 50)
	if _, err := c.ProcessOp(tradeOp); err != nil {
		t.Fatalf("initiate trade: %v", err)
	}

	_, err := c.ProcessOp(&command.DisputeTrade{
		TradeID:     tradeOp.TradeID,
		RequestedBy: uuid.New(),
		Reason:      "not my trade",
		Timestamp:   4_000_000,
	})
	if !errors.Is(err, market.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDisputedTrade_CompleteWithoutVerdict_Unauthorized(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	tradeOp := mustInitiateTrade(listingOp.ListingID, buyer, 50)
	if _, err := c.ProcessOp(tradeOp); err != nil {
		t.Fatalf("initiate trade: %v", err)
	}
	if _, err := c.ProcessOp(&command.DisputeTrade{
		TradeID: tradeOp.TradeID, RequestedBy: buyer, Reason: "dispute", Timestamp: 4_000_000,
	}); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	// Without the Resolution flag even the real seller cannot settle a
	// disputed trade, and neither can anyone else.
	_, err := c.ProcessOp(&command.CompleteTrade{
		TradeID: tradeOp.TradeID, SellerID: seller, Timestamp: 5_000_000,
	})
	if !errors.Is(err, market.ErrUnauthorized) {
		t.Errorf("seller complete on disputed: expected ErrUnauthorized, got %v", err)
	}
	_, err = c.ProcessOp(&command.CompleteTrade{
		TradeID: tradeOp.TradeID, SellerID: uuid.New(), Timestamp: 5_000_000,
	})
	if !errors.Is(err, market.ErrUnauthorized) {
		t.Errorf("stranger complete on disputed: expected ErrUnauthorized, got %v", err)
	}

	// Escrow still frozen
	if got := escrowOf(c, ledger.AssetFUN); got != 100 {
		t.Errorf("escrow: got %d, want 100", got)
	}
}

func TestDisputedTrade_CancelWithoutVerdict_Unauthorized(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	tradeOp := mustInitiateTrade(listingOp.ListingID, buyer, 50)
	if _, err := c.ProcessOp(tradeOp); err != nil {
		t.Fatalf("initiate trade: %v", err)
	}
	if _, err := c.ProcessOp(&command.DisputeTrade{
		TradeID: tradeOp.TradeID, RequestedBy: seller, Reason: "dispute", Timestamp: 4_000_000,
	}); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	_, err := c.ProcessOp(&command.CancelTrade{
		TradeID: tradeOp.TradeID, RequestedBy: buyer, Reason: "give up", Timestamp: 5_000_000,
	})
	if !errors.Is(err, market.ErrUnauthorized) {
		t.Errorf("buyer cancel on disputed: expected ErrUnauthorized, got %v", err)
	}

	if got := escrowOf(c, ledger.AssetFUN); got != 100 {
		t.Errorf("escrow: got %d, want 100", got)
	}
}

func TestDisputeResolution_VerdictOnUndisputedTrade_Rejected(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	tradeOp := mustInitiateTrade(listingOp.ListingID, buyer, 50)
	if _, err := c.ProcessOp(tradeOp); err != nil {
		t.Fatalf("initiate trade: %v", err)
	}

	// A verdict op only applies to disputed trades.
	_, err := c.ProcessOp(&command.CompleteTrade{
		TradeID: tradeOp.TradeID, SellerID: uuid.New(), Timestamp: 5_000_000,
		Resolution: true,
	})
	if !errors.Is(err, market.ErrInvalidStateTransition) {
		t.Errorf("verdict on pending trade: expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestDisputeResolution_ReleaseToSeller(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	tradeOp := mustInitiateTrade(listingOp.ListingID, buyer, 50)
	if _, err := c.ProcessOp(tradeOp); err != nil {
		t.Fatalf("initiate trade: %v", err)
	}
	if _, err := c.ProcessOp(&command.DisputeTrade{
		TradeID: tradeOp.TradeID, RequestedBy: buyer, Reason: "dispute", Timestamp: 4_000_000,
	}); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	// The verdict comes off the resolution feed: the op carries the
	// Resolution flag and the operator is not a party to the trade.
	operator := uuid.New()
	result, err := c.ProcessOp(&command.CompleteTrade{
		TradeID: tradeOp.TradeID, SellerID: operator, Timestamp: 5_000_000,
		Resolution: true,
	})
	if err != nil {
		t.Fatalf("resolution complete: %v", err)
	}
	if result.Trade.Status != market.TradeStatusCompleted {
		t.Errorf("status: got %v, want completed", result.Trade.Status)
	}

	if got := availableOf(c, seller, ledger.AssetFUN); got != 600 {
		t.Errorf("seller available: got %d, want 600", got)
	}
	if got := availableOf(c, buyer, ledger.AssetFUN); got != 950 {
		t.Errorf("buyer available: got %d, want 950", got)
	}
	assertZeroSum(t, c)
}

func TestDisputeResolution_RefundToBuyer(t *testing.T) {
	c, _, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	tradeOp := mustInitiateTrade(listingOp.ListingID, buyer, 50)
	if _, err := c.ProcessOp(tradeOp); err != nil {
		t.Fatalf("initiate trade: %v", err)
	}
	if _, err := c.ProcessOp(&command.DisputeTrade{
		TradeID: tradeOp.TradeID, RequestedBy: seller, Reason: "dispute", Timestamp: 4_000_000,
	}); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	operator := uuid.New()
	result, err := c.ProcessOp(&command.CancelTrade{
		TradeID:     tradeOp.TradeID,
		RequestedBy: operator,
		Reason:      "resolved in buyer's favor",
		Timestamp:   5_000_000,
		Resolution:  true,
	})
	if err != nil {
		t.Fatalf("resolution cancel: %v", err)
	}
	if result.Trade.Status != market.TradeStatusCancelled {
		t.Errorf("status: got %v, want cancelled", result.Trade.Status)
	}

	if got := availableOf(c, buyer, ledger.AssetFUN); got != 1_000 {
		t.Errorf("buyer should be made whole: got %d, want 1000", got)
	}
	if got := escrowOf(c, ledger.AssetFUN); got != 0 {
		t.Errorf("escrow: got %d, want 0", got)
	}
	if result.Listing.Remaining != 500 {
		t.Errorf("inventory restored: got %d, want 500", result.Listing.Remaining)
	}
	assertZeroSum(t, c)
}

// ============================================================================
// Test: Determinism, Snapshot, Replay
// ============================================================================

// runScenario applies a fixed op sequence with fixed UUIDs.
func runScenario(t *testing.T, c *core.MarketCore) {
	t.Helper()

	seller := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	buyer := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	listingID := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	tradeID := uuid.MustParse("44444444-4444-4444-4444-444444444444")
	payA := uuid.MustParse("55555555-5555-5555-5555-555555555555")
	payB := uuid.MustParse("66666666-6666-6666-6666-666666666666")

	ops := []command.Op{
		&command.CreditBalance{PaymentID: payA, UserID: seller, Asset: "FUN", Amount: 1_000, Sequence: 0, Timestamp: 1_000_000},
		&command.CreditBalance{PaymentID: payB, UserID: buyer, Asset: "FUN", Amount: 1_000, Sequence: 1, Timestamp: 1_001_000},
		&command.CreateListing{
			ListingID: listingID, SellerID: seller,
			Amount: 500, Price: 2, MinLimit: 10, MaxLimit: 100,
			PaymentMethods: []string{"bank_transfer"},
			Timestamp:      2_000_000,
		},
		&command.InitiateTrade{
			TradeID: tradeID, ListingID: listingID, BuyerID: buyer,
			Quantity: 50, Timestamp: 3_000_000,
		},
		&command.AcceptTrade{TradeID: tradeID, SellerID: seller, Timestamp: 4_000_000},
		&command.ConfirmPayment{TradeID: tradeID, BuyerID: buyer, Timestamp: 5_000_000},
		&command.CompleteTrade{TradeID: tradeID, SellerID: seller, Timestamp: 6_000_000},
	}

	for i, op := range ops {
		if _, err := c.ProcessOp(op); err != nil {
			t.Fatalf("scenario op %d (%s): %v", i, op.OpType(), err)
		}
	}
}

func TestHashChain_Deterministic(t *testing.T) {
	a, _, _ := newTestCore()
	b, _, _ := newTestCore()

	runScenario(t, a)
	runScenario(t, b)

	if a.GetStateHash() != b.GetStateHash() {
		t.Error("identical op sequences must produce identical chain tips")
	}
	if a.GetSequence() != b.GetSequence() {
		t.Errorf("sequence divergence: %d vs %d", a.GetSequence(), b.GetSequence())
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	c, _, _ := newTestCore()
	runScenario(t, c)

	snap := c.CreateSnapshotState()

	restored, _, _ := newTestCore()
	restored.RestoreFromSnapshot(snap)
	restored.WarmLRU(snap.IdempotencyKeys)

	if restored.GetSequence() != c.GetSequence() {
		t.Errorf("sequence: got %d, want %d", restored.GetSequence(), c.GetSequence())
	}
	if restored.GetStateHash() != c.GetStateHash() {
		t.Error("restored chain tip must match the original")
	}

	// A previously applied op resolves as duplicate on the restored core
	seller := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	tradeID := uuid.MustParse("44444444-4444-4444-4444-444444444444")
	result, err := restored.ProcessOp(&command.CompleteTrade{
		TradeID: tradeID, SellerID: seller, Timestamp: 6_000_000,
	})
	if err != nil {
		t.Fatalf("replayed op: %v", err)
	}
	if !result.Duplicate {
		t.Error("warmed LRU should flag the replayed op as duplicate")
	}

	// Both cores continue identically from the same state
	buyer := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	next := &command.DebitBalance{
		PaymentID: uuid.MustParse("77777777-7777-7777-7777-777777777777"),
		UserID:    buyer,
		Asset:     "FUN",
		Amount:    10,
		Sequence:  2,
		Timestamp: 7_000_000,
	}
	if _, err := c.ProcessOp(next); err != nil {
		t.Fatalf("original next op: %v", err)
	}
	if _, err := restored.ProcessOp(next); err != nil {
		t.Fatalf("restored next op: %v", err)
	}
	if restored.GetStateHash() != c.GetStateHash() {
		t.Error("chains must stay identical after restore")
	}
}

func TestReplayMode_AppliesWithoutEmitting(t *testing.T) {
	c, persistCh, projCh := newTestCore()
	userID := uuid.New()

	c.BeginReplay()
	if _, err := c.ProcessOp(mustCreditBalance(userID, "USDT", 500, 0)); err != nil {
		t.Fatalf("replay op: %v", err)
	}
	c.EndReplay()

	// State applied, nothing emitted
	if got := availableOf(c, userID, ledger.AssetUSDT); got != 500 {
		t.Errorf("available: got %d, want 500", got)
	}
	if outputs := drainOutputs(persistCh); len(outputs) != 0 {
		t.Errorf("replay must not emit to persistence, got %d outputs", len(outputs))
	}
	if outputs := drainOutputs(projCh); len(outputs) != 0 {
		t.Errorf("replay must not emit to projections, got %d outputs", len(outputs))
	}

	// Replayed key lands in the LRU: re-feeding the same sequence is stale
	result, err := c.ProcessOp(mustCreditBalance(userID, "USDT", 500, 0))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !result.Duplicate {
		t.Error("resubmission after replay should resolve as duplicate")
	}
	if got := availableOf(c, userID, ledger.AssetUSDT); got != 500 {
		t.Errorf("balance must not double-apply: got %d, want 500", got)
	}
}

func TestSequenceAdvancesPerBatch(t *testing.T) {
	c, persistCh, _ := newTestCore()
	userID := uuid.New()

	if _, err := c.ProcessOp(mustCreditBalance(userID, "USDT", 100, 0)); err != nil {
		t.Fatalf("op 1: %v", err)
	}
	if _, err := c.ProcessOp(mustCreditBalance(userID, "USDT", 100, 1)); err != nil {
		t.Fatalf("op 2: %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if outputs[0].Envelope.Sequence != 0 || outputs[1].Envelope.Sequence != 1 {
		t.Errorf("sequences: got %d, %d, want 0, 1",
			outputs[0].Envelope.Sequence, outputs[1].Envelope.Sequence)
	}

	// prev_hash chains: second envelope's prev is first envelope's hash
	if outputs[1].Envelope.PrevHash != outputs[0].Envelope.StateHash {
		t.Error("hash chain broken between consecutive envelopes")
	}
}

func TestBatchSequence_MatchesEnvelope_AfterMetadataOps(t *testing.T) {
	c, persistCh, _ := newTestCore()
	seller, buyer := setupFundedPair(t, c, 1_000, 1_000)

	listingOp := mustCreateListing(seller, 500, 2, 10, 100)
	if _, err := c.ProcessOp(listingOp); err != nil {
		t.Fatalf("create listing: %v", err)
	}
	tradeOp := mustInitiateTrade(listingOp.ListingID, buyer, 50)
	if _, err := c.ProcessOp(tradeOp); err != nil {
		t.Fatalf("initiate trade: %v", err)
	}
	// Accept and confirm consume sequence slots without journal entries.
	runTradeToStatus(t, c, tradeOp.TradeID, seller, buyer, market.TradeStatusPaid)
	if _, err := c.ProcessOp(&command.CompleteTrade{
		TradeID: tradeOp.TradeID, SellerID: seller, Timestamp: 6_000_000,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Every persisted output must carry one sequence across the batch,
	// its journal rows, and the envelope, even after slots consumed by
	// the metadata-only ops in between.
	for i, out := range drainOutputs(persistCh) {
		if out.Batch.Sequence != out.Envelope.Sequence {
			t.Errorf("output %d: batch sequence %d != envelope sequence %d",
				i, out.Batch.Sequence, out.Envelope.Sequence)
		}
		for j, jr := range out.Batch.Journals {
			if jr.Sequence != out.Envelope.Sequence {
				t.Errorf("output %d journal %d: sequence %d != envelope sequence %d",
					i, j, jr.Sequence, out.Envelope.Sequence)
			}
		}
	}
}
