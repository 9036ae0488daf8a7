package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"TokenMarket/internal/observability"
)

// QueryService provides read-only access to projection tables.
// All responses include as_of_sequence: the projection watermark at
// the time of the read, for freshness semantics. Queries never touch
// the core's in-memory state.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// GetBalance returns a user's balance for a specific asset.
func (qs *QueryService) GetBalance(
	ctx context.Context,
	userID uuid.UUID,
	asset string,
) (*BalanceResponse, error) {
	defer qs.observe("get_balance", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	availablePath := fmt.Sprintf("user:%s:available:%s", userID, asset)
	available, err := qs.getProjectedBalance(ctx, availablePath)
	if err != nil {
		qs.countError("get_balance")
		return nil, err
	}

	onHoldPath := fmt.Sprintf("user:%s:on_hold:%s", userID, asset)
	onHold, err := qs.getProjectedBalance(ctx, onHoldPath)
	if err != nil {
		qs.countError("get_balance")
		return nil, err
	}

	return &BalanceResponse{
		UserID:           userID,
		Asset:            asset,
		TotalBalance:     available + onHold,
		AvailableBalance: available,
		OnHoldBalance:    onHold,
		AsOfSequence:     asOfSeq,
	}, nil
}

// GetListing returns a single listing by ID.
func (qs *QueryService) GetListing(
	ctx context.Context,
	listingID uuid.UUID,
) (*ListingResponse, error) {
	defer qs.observe("get_listing", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var l ListingResponse
	l.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT listing_id, seller_id, total_amount, remaining, price, min_limit, max_limit,
		       payment_methods, status, created_at, updated_at, version
		FROM projections.listings
		WHERE listing_id = $1
	`, listingID).Scan(
		&l.ListingID, &l.SellerID, &l.TotalAmount, &l.Remaining, &l.Price,
		&l.MinLimit, &l.MaxLimit, pq.Array(&l.PaymentMethods), &l.Status,
		&l.CreatedAt, &l.UpdatedAt, &l.Version,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		qs.countError("get_listing")
		return nil, err
	}
	return &l, nil
}

// DiscoverListings returns active listings with inventory, ordered
// cheapest first, then deepest remaining, then newest. The cursor
// carries the full sort key of the last row on the previous page.
func (qs *QueryService) DiscoverListings(
	ctx context.Context,
	limit int,
	cursor *ListingCursor,
) ([]ListingResponse, error) {
	defer qs.observe("discover_listings", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT listing_id, seller_id, total_amount, remaining, price, min_limit, max_limit,
		       payment_methods, status, created_at, updated_at, version
		FROM projections.listings
		WHERE status = 'active' AND remaining > 0
	`
	args := []interface{}{}
	argIdx := 1

	// The cursor predicate mirrors the full ORDER BY key. Row-value
	// comparison cannot express the mixed sort directions, so each
	// tie-break level is spelled out.
	if cursor != nil {
		query += fmt.Sprintf(` AND (price > $%[1]d
			OR (price = $%[1]d AND remaining < $%[2]d)
			OR (price = $%[1]d AND remaining = $%[2]d AND created_at < $%[3]d)
			OR (price = $%[1]d AND remaining = $%[2]d AND created_at = $%[3]d AND listing_id > $%[4]d))`,
			argIdx, argIdx+1, argIdx+2, argIdx+3)
		args = append(args, cursor.Price, cursor.Remaining, cursor.CreatedAt, cursor.ListingID)
		argIdx += 4
	}

	query += " ORDER BY price ASC, remaining DESC, created_at DESC, listing_id ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		qs.countError("discover_listings")
		return nil, err
	}
	defer rows.Close()

	var listings []ListingResponse
	for rows.Next() {
		var l ListingResponse
		l.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&l.ListingID, &l.SellerID, &l.TotalAmount, &l.Remaining, &l.Price,
			&l.MinLimit, &l.MaxLimit, pq.Array(&l.PaymentMethods), &l.Status,
			&l.CreatedAt, &l.UpdatedAt, &l.Version,
		); err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}

	return listings, rows.Err()
}

// GetSellerListings returns all listings for a seller, newest first.
func (qs *QueryService) GetSellerListings(
	ctx context.Context,
	sellerID uuid.UUID,
) ([]ListingResponse, error) {
	defer qs.observe("get_seller_listings", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT listing_id, seller_id, total_amount, remaining, price, min_limit, max_limit,
		       payment_methods, status, created_at, updated_at, version
		FROM projections.listings
		WHERE seller_id = $1
		ORDER BY created_at DESC
	`, sellerID)
	if err != nil {
		qs.countError("get_seller_listings")
		return nil, err
	}
	defer rows.Close()

	var listings []ListingResponse
	for rows.Next() {
		var l ListingResponse
		l.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&l.ListingID, &l.SellerID, &l.TotalAmount, &l.Remaining, &l.Price,
			&l.MinLimit, &l.MaxLimit, pq.Array(&l.PaymentMethods), &l.Status,
			&l.CreatedAt, &l.UpdatedAt, &l.Version,
		); err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}

	return listings, rows.Err()
}

// GetTrade returns a single trade by ID.
func (qs *QueryService) GetTrade(
	ctx context.Context,
	tradeID uuid.UUID,
) (*TradeResponse, error) {
	defer qs.observe("get_trade", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var t TradeResponse
	t.AsOfSequence = asOfSeq
	var reason sql.NullString
	var acceptedAt, paidAt, completedAt, cancelledAt, disputedAt sql.NullInt64
	err = qs.db.QueryRowContext(ctx, `
		SELECT trade_id, listing_id, buyer_id, seller_id, quantity, payment, price, status,
		       reason, created_at, accepted_at, paid_at, completed_at, cancelled_at,
		       disputed_at, version
		FROM projections.trades
		WHERE trade_id = $1
	`, tradeID).Scan(
		&t.TradeID, &t.ListingID, &t.BuyerID, &t.SellerID, &t.Quantity, &t.Payment,
		&t.Price, &t.Status, &reason, &t.CreatedAt, &acceptedAt, &paidAt,
		&completedAt, &cancelledAt, &disputedAt, &t.Version,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		qs.countError("get_trade")
		return nil, err
	}
	t.Reason = reason.String
	t.AcceptedAt = acceptedAt.Int64
	t.PaidAt = paidAt.Int64
	t.CompletedAt = completedAt.Int64
	t.CancelledAt = cancelledAt.Int64
	t.DisputedAt = disputedAt.Int64
	return &t, nil
}

// GetUserTrades returns trades where the user is buyer or seller,
// newest first, with cursor-based pagination on created_at.
func (qs *QueryService) GetUserTrades(
	ctx context.Context,
	userID uuid.UUID,
	status string,
	limit int,
	beforeCreatedAt *int64,
) ([]TradeResponse, error) {
	defer qs.observe("get_user_trades", time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT trade_id, listing_id, buyer_id, seller_id, quantity, payment, price, status,
		       reason, created_at, accepted_at, paid_at, completed_at, cancelled_at,
		       disputed_at, version
		FROM projections.trades
		WHERE (buyer_id = $1 OR seller_id = $1)
	`
	args := []interface{}{userID}
	argIdx := 2

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, status)
		argIdx++
	}

	if beforeCreatedAt != nil {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *beforeCreatedAt)
		argIdx++
	}

	query += " ORDER BY created_at DESC, trade_id ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		qs.countError("get_user_trades")
		return nil, err
	}
	defer rows.Close()

	var trades []TradeResponse
	for rows.Next() {
		var t TradeResponse
		t.AsOfSequence = asOfSeq
		var reason sql.NullString
		var acceptedAt, paidAt, completedAt, cancelledAt, disputedAt sql.NullInt64
		if err := rows.Scan(
			&t.TradeID, &t.ListingID, &t.BuyerID, &t.SellerID, &t.Quantity, &t.Payment,
			&t.Price, &t.Status, &reason, &t.CreatedAt, &acceptedAt, &paidAt,
			&completedAt, &cancelledAt, &disputedAt, &t.Version,
		); err != nil {
			return nil, err
		}
		t.Reason = reason.String
		t.AcceptedAt = acceptedAt.Int64
		t.PaidAt = paidAt.Int64
		t.CompletedAt = completedAt.Int64
		t.CancelledAt = cancelledAt.Int64
		t.DisputedAt = disputedAt.Int64
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// GetJournalHistory returns journal entries touching any of a user's
// accounts, newest first, with cursor-based pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	defer qs.observe("get_journal_history", time.Now())

	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, op_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM op_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		qs.countError("get_journal_history")
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.OpRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the op log and the
// zero-sum invariant in the balance projection.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer qs.observe("verify_integrity", time.Now())

	report := &IntegrityReport{}

	// Each op's prev_hash must equal the previous op's state_hash
	rows, err := qs.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM op_log.ops o1
		JOIN op_log.ops o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.prev_hash != o2.state_hash
		ORDER BY o1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Balances must sum to zero per asset. The asset name is the last
	// segment of the account path.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT substring(account_path from '[^:]+$') AS asset, SUM(balance) AS total
		FROM projections.balances
		GROUP BY 1
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var asset string
		var total int64
		if err := balanceRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			Asset:     asset,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

func (qs *QueryService) observe(queryType string, start time.Time) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.With(prometheus.Labels{"query_type": queryType}).Inc()
	qs.metrics.QueryDuration.With(prometheus.Labels{"query_type": queryType}).Observe(time.Since(start).Seconds())
}

func (qs *QueryService) countError(queryType string) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryErrors.With(prometheus.Labels{"query_type": queryType}).Inc()
}
