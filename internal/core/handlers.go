package core

import (
	"TokenMarket/internal/command"
	"TokenMarket/internal/ledger"
	"TokenMarket/internal/market"
	"fmt"
)

// Handlers validate first, mutate last. Every check against balances,
// books, and state machines runs before the first mutation, so a rejected
// operation leaves no trace. The returned batches are applied centrally
// by ProcessOp and cannot fail after the checks here pass.

func (c *MarketCore) handleCreateListing(op *command.CreateListing) ([]*ledger.Batch, error) {
	if c.listings.Get(op.ListingID) != nil {
		return nil, fmt.Errorf("listing %s already exists", op.ListingID)
	}

	listing := &market.Listing{
		ListingID:      op.ListingID,
		SellerID:       op.SellerID,
		TotalAmount:    op.Amount,
		Remaining:      op.Amount,
		Price:          op.Price,
		MinLimit:       op.MinLimit,
		MaxLimit:       op.MaxLimit,
		PaymentMethods: op.PaymentMethods,
		Status:         market.ListingStatusActive,
		CreatedAt:      op.Timestamp,
		UpdatedAt:      op.Timestamp,
		Version:        1,
	}
	if err := listing.ValidateLimits(); err != nil {
		return nil, err
	}

	available := c.balanceTracker.GetUserAvailableBalance(op.SellerID, ledger.AssetFUN)

	// Test-mode faucet: top the seller up to the starter grant, never
	// beyond it. Decided before any journal is generated so a rejection
	// leaves the generator untouched.
	var grant int64
	if c.autoFund && available < op.Amount && available < DefaultUserGrant {
		grant = DefaultUserGrant - available
	}

	if available+grant < op.Amount {
		return nil, fmt.Errorf("%w: available=%d, listing amount=%d",
			market.ErrInsufficientFunds, available+grant, op.Amount)
	}

	// The grant batch gets its own op ref: each batch lands as its own
	// op log row and (op_type, idempotency_key) is unique there.
	batches := make([]*ledger.Batch, 0, 2)
	if grant > 0 {
		batches = append(batches, c.journalGen.GenerateAutoFund(
			op.SellerID, op.IdempotencyKey()+":fund", grant, ledger.AssetFUN, op.Timestamp))
		if c.metrics != nil {
			c.metrics.AutoFunds.Inc()
		}
	}
	batches = append(batches, c.journalGen.GenerateListingReserve(
		op.SellerID, op.IdempotencyKey(), op.Amount, ledger.AssetFUN, op.Timestamp))

	c.listings.Put(listing)

	if c.metrics != nil {
		c.metrics.ListingsCreated.Inc()
	}

	return batches, nil
}

func (c *MarketCore) handleDeactivateListing(op *command.DeactivateListing) ([]*ledger.Batch, error) {
	listing := c.listings.Get(op.ListingID)
	if listing == nil {
		return nil, fmt.Errorf("%w: listing %s", market.ErrNotFound, op.ListingID)
	}
	if listing.SellerID != op.SellerID {
		return nil, fmt.Errorf("%w: user %s does not own listing %s",
			market.ErrUnauthorized, op.SellerID, op.ListingID)
	}
	if !listing.Status.CanTransitionTo(market.ListingStatusInactive) {
		return nil, fmt.Errorf("%w: listing %s -> %s",
			market.ErrInvalidStateTransition, listing.Status, market.ListingStatusInactive)
	}

	// The seller's hold is NOT released: remaining inventory stays locked
	// until every open trade against the listing resolves. Releasing here
	// would let the hold drop below what settlement still needs.
	listing.Status = market.ListingStatusInactive
	listing.UpdatedAt = op.Timestamp
	listing.Version++

	if c.metrics != nil {
		c.metrics.ListingsDeactivated.Inc()
	}

	return []*ledger.Batch{c.emptyBatch(op.IdempotencyKey(), op.Timestamp)}, nil
}

func (c *MarketCore) handleInitiateTrade(op *command.InitiateTrade) ([]*ledger.Batch, error) {
	if c.trades.Get(op.TradeID) != nil {
		return nil, fmt.Errorf("trade %s already exists", op.TradeID)
	}

	listing := c.listings.Get(op.ListingID)
	if listing == nil {
		return nil, fmt.Errorf("%w: listing %s", market.ErrNotFound, op.ListingID)
	}
	if listing.Status != market.ListingStatusActive {
		return nil, fmt.Errorf("%w: listing %s is %s",
			market.ErrListingInactive, op.ListingID, listing.Status)
	}
	if op.BuyerID == listing.SellerID {
		return nil, fmt.Errorf("%w: buyer %s owns listing %s",
			market.ErrSelfTrade, op.BuyerID, op.ListingID)
	}
	if op.Quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", market.ErrInvalidLimits)
	}
	if !listing.WithinLimits(op.Quantity) {
		return nil, fmt.Errorf("%w: quantity %d outside [%d, %d]",
			market.ErrLimitExceeded, op.Quantity, listing.MinLimit, listing.MaxLimit)
	}
	if op.Quantity > listing.Remaining {
		return nil, fmt.Errorf("%w: requested %d, remaining %d",
			market.ErrInsufficientInventory, op.Quantity, listing.Remaining)
	}

	// Payment is denominated in the primary token, the same balance the
	// buyer later receives inventory into.
	payment := listing.PaymentFor(op.Quantity)

	available := c.balanceTracker.GetUserAvailableBalance(op.BuyerID, ledger.AssetFUN)

	var grant int64
	if c.autoFund && available < payment && available < DefaultUserGrant {
		grant = DefaultUserGrant - available
	}

	if available+grant < payment {
		return nil, fmt.Errorf("%w: available=%d, payment=%d",
			market.ErrInsufficientFunds, available+grant, payment)
	}

	batches := make([]*ledger.Batch, 0, 2)
	if grant > 0 {
		batches = append(batches, c.journalGen.GenerateAutoFund(
			op.BuyerID, op.IdempotencyKey()+":fund", grant, ledger.AssetFUN, op.Timestamp))
		if c.metrics != nil {
			c.metrics.AutoFunds.Inc()
		}
	}
	batches = append(batches, c.journalGen.GenerateTradeEscrow(
		op.BuyerID, op.IdempotencyKey(), payment, ledger.AssetFUN, op.Timestamp))

	// Decrement inventory in the same atomic unit as the escrow
	listing.Remaining -= op.Quantity
	listing.UpdatedAt = op.Timestamp
	listing.Version++
	if listing.Remaining == 0 && listing.Status.CanTransitionTo(market.ListingStatusCompleted) {
		listing.Status = market.ListingStatusCompleted
	}

	trade := &market.Trade{
		TradeID:   op.TradeID,
		ListingID: op.ListingID,
		BuyerID:   op.BuyerID,
		SellerID:  listing.SellerID,
		Quantity:  op.Quantity,
		Payment:   payment,
		Price:     listing.Price,
		Status:    market.TradeStatusPending,
		CreatedAt: op.Timestamp,
		Version:   1,
	}
	c.trades.Put(trade)

	if c.metrics != nil {
		c.metrics.TradesOpened.Inc()
	}

	return batches, nil
}

func (c *MarketCore) handleAcceptTrade(op *command.AcceptTrade) ([]*ledger.Batch, error) {
	trade := c.trades.Get(op.TradeID)
	if trade == nil {
		return nil, fmt.Errorf("%w: trade %s", market.ErrNotFound, op.TradeID)
	}
	if trade.SellerID != op.SellerID {
		return nil, fmt.Errorf("%w: user %s is not the seller of trade %s",
			market.ErrUnauthorized, op.SellerID, op.TradeID)
	}
	if !trade.Status.CanTransitionTo(market.TradeStatusAccepted) {
		return nil, fmt.Errorf("%w: trade %s -> %s",
			market.ErrInvalidStateTransition, trade.Status, market.TradeStatusAccepted)
	}

	trade.Status = market.TradeStatusAccepted
	trade.AcceptedAt = op.Timestamp
	trade.Version++

	return []*ledger.Batch{c.emptyBatch(op.IdempotencyKey(), op.Timestamp)}, nil
}

func (c *MarketCore) handleConfirmPayment(op *command.ConfirmPayment) ([]*ledger.Batch, error) {
	trade := c.trades.Get(op.TradeID)
	if trade == nil {
		return nil, fmt.Errorf("%w: trade %s", market.ErrNotFound, op.TradeID)
	}
	if trade.BuyerID != op.BuyerID {
		return nil, fmt.Errorf("%w: user %s is not the buyer of trade %s",
			market.ErrUnauthorized, op.BuyerID, op.TradeID)
	}
	if !trade.Status.CanTransitionTo(market.TradeStatusPaid) {
		return nil, fmt.Errorf("%w: trade %s -> %s",
			market.ErrInvalidStateTransition, trade.Status, market.TradeStatusPaid)
	}

	trade.Status = market.TradeStatusPaid
	trade.PaidAt = op.Timestamp
	trade.Version++

	return []*ledger.Batch{c.emptyBatch(op.IdempotencyKey(), op.Timestamp)}, nil
}

func (c *MarketCore) handleCompleteTrade(op *command.CompleteTrade) ([]*ledger.Batch, error) {
	trade := c.trades.Get(op.TradeID)
	if trade == nil {
		return nil, fmt.Errorf("%w: trade %s", market.ErrNotFound, op.TradeID)
	}
	// The resolution flag is set only by the dispute feed parser; a
	// disputed trade moves on nothing else. The normal paid path requires
	// the seller.
	if op.Resolution {
		if trade.Status != market.TradeStatusDisputed {
			return nil, fmt.Errorf("%w: resolution verdict for trade %s in state %s",
				market.ErrInvalidStateTransition, op.TradeID, trade.Status)
		}
	} else {
		if trade.Status == market.TradeStatusDisputed {
			return nil, fmt.Errorf("%w: trade %s is disputed, awaiting resolution",
				market.ErrUnauthorized, op.TradeID)
		}
		if trade.SellerID != op.SellerID {
			return nil, fmt.Errorf("%w: user %s is not the seller of trade %s",
				market.ErrUnauthorized, op.SellerID, op.TradeID)
		}
	}
	if !trade.Status.CanTransitionTo(market.TradeStatusCompleted) {
		return nil, fmt.Errorf("%w: trade %s -> %s",
			market.ErrInvalidStateTransition, trade.Status, market.TradeStatusCompleted)
	}

	// Both settlement legs are backed by funds committed at listing and
	// trade creation. A shortfall here is corruption, not user error.
	if err := c.balanceTracker.ValidateSufficientOnHold(trade.SellerID, ledger.AssetFUN, trade.Quantity); err != nil {
		return nil, fmt.Errorf("%w: seller hold short for trade %s: %v",
			market.ErrInvariantViolation, op.TradeID, err)
	}
	if c.balanceTracker.GetEscrowBalance(ledger.AssetFUN) < trade.Payment {
		return nil, fmt.Errorf("%w: escrow short for trade %s",
			market.ErrInvariantViolation, op.TradeID)
	}

	batch := c.journalGen.GenerateSettlement(
		trade.BuyerID, trade.SellerID, op.IdempotencyKey(),
		trade.Quantity, trade.Payment,
		ledger.AssetFUN, op.Timestamp)

	trade.Status = market.TradeStatusCompleted
	trade.CompletedAt = op.Timestamp
	trade.Version++

	if c.metrics != nil {
		c.metrics.TradesClosed.WithLabelValues("completed").Inc()
	}

	return []*ledger.Batch{batch}, nil
}

func (c *MarketCore) handleCancelTrade(op *command.CancelTrade) ([]*ledger.Batch, error) {
	trade := c.trades.Get(op.TradeID)
	if trade == nil {
		return nil, fmt.Errorf("%w: trade %s", market.ErrNotFound, op.TradeID)
	}
	// Buyer or seller may cancel their own open trade. Disputed trades are
	// cancelled only on a resolution verdict from the dispute feed.
	if op.Resolution {
		if trade.Status != market.TradeStatusDisputed {
			return nil, fmt.Errorf("%w: resolution verdict for trade %s in state %s",
				market.ErrInvalidStateTransition, op.TradeID, trade.Status)
		}
	} else {
		if trade.Status == market.TradeStatusDisputed {
			return nil, fmt.Errorf("%w: trade %s is disputed, awaiting resolution",
				market.ErrUnauthorized, op.TradeID)
		}
		if op.RequestedBy != trade.BuyerID && op.RequestedBy != trade.SellerID {
			return nil, fmt.Errorf("%w: user %s is not a party to trade %s",
				market.ErrUnauthorized, op.RequestedBy, op.TradeID)
		}
	}
	if !trade.Status.CanTransitionTo(market.TradeStatusCancelled) {
		return nil, fmt.Errorf("%w: trade %s -> %s",
			market.ErrInvalidStateTransition, trade.Status, market.TradeStatusCancelled)
	}

	if c.balanceTracker.GetEscrowBalance(ledger.AssetFUN) < trade.Payment {
		return nil, fmt.Errorf("%w: escrow short for trade %s",
			market.ErrInvariantViolation, op.TradeID)
	}

	batch := c.journalGen.GenerateTradeRefund(
		trade.BuyerID, op.IdempotencyKey(), trade.Payment, ledger.AssetFUN, op.Timestamp)

	trade.Status = market.TradeStatusCancelled
	trade.CancelledAt = op.Timestamp
	trade.Reason = op.Reason
	trade.Version++

	// Return the quantity to the listing. A listing that sold out and
	// auto-completed comes back to active; a seller-deactivated one stays
	// inactive.
	if listing := c.listings.Get(trade.ListingID); listing != nil {
		listing.Remaining += trade.Quantity
		listing.UpdatedAt = op.Timestamp
		listing.Version++
		if listing.Status == market.ListingStatusCompleted &&
			listing.Status.CanTransitionTo(market.ListingStatusActive) {
			listing.Status = market.ListingStatusActive
		}
	}

	if c.metrics != nil {
		c.metrics.TradesClosed.WithLabelValues("cancelled").Inc()
	}

	return []*ledger.Batch{batch}, nil
}

func (c *MarketCore) handleDisputeTrade(op *command.DisputeTrade) ([]*ledger.Batch, error) {
	trade := c.trades.Get(op.TradeID)
	if trade == nil {
		return nil, fmt.Errorf("%w: trade %s", market.ErrNotFound, op.TradeID)
	}
	if op.RequestedBy != trade.BuyerID && op.RequestedBy != trade.SellerID {
		return nil, fmt.Errorf("%w: user %s is not a party to trade %s",
			market.ErrUnauthorized, op.RequestedBy, op.TradeID)
	}
	if !trade.Status.CanTransitionTo(market.TradeStatusDisputed) {
		return nil, fmt.Errorf("%w: trade %s -> %s",
			market.ErrInvalidStateTransition, trade.Status, market.TradeStatusDisputed)
	}

	// Escrow stays held; only the state machine freezes.
	trade.Status = market.TradeStatusDisputed
	trade.DisputedAt = op.Timestamp
	trade.Reason = op.Reason
	trade.Version++

	return []*ledger.Batch{c.emptyBatch(op.IdempotencyKey(), op.Timestamp)}, nil
}

func (c *MarketCore) handleCreditBalance(op *command.CreditBalance) ([]*ledger.Batch, error) {
	assetID, ok := ledger.GetAssetID(op.Asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset: %s", op.Asset)
	}
	if op.Amount < 1 {
		return nil, fmt.Errorf("%w: credit amount must be at least 1", market.ErrInvalidLimits)
	}

	batch := c.journalGen.GenerateExternalCredit(
		op.UserID, op.IdempotencyKey(), op.Amount, assetID, op.Timestamp)

	return []*ledger.Batch{batch}, nil
}

func (c *MarketCore) handleDebitBalance(op *command.DebitBalance) ([]*ledger.Batch, error) {
	assetID, ok := ledger.GetAssetID(op.Asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset: %s", op.Asset)
	}
	if op.Amount < 1 {
		return nil, fmt.Errorf("%w: debit amount must be at least 1", market.ErrInvalidLimits)
	}

	// Debits draw from available only. Held and escrowed funds are
	// committed to listings and open trades.
	if err := c.balanceTracker.ValidateSufficientAvailable(op.UserID, assetID, op.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrInsufficientFunds, err)
	}

	batch := c.journalGen.GenerateExternalDebit(
		op.UserID, op.IdempotencyKey(), op.Amount, assetID, op.Timestamp)

	return []*ledger.Batch{batch}, nil
}
