package projection

import (
	"TokenMarket/internal/market"
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/lib/pq"
)

// ProjectionOutput mirrors the data the projection worker needs.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence       int64
	OpType         string
	JournalEntries []JournalEntry
	Listing        *market.Listing
	Trade          *market.Trade
	Timestamp      int64
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
}

// ProjectionWorker updates projection tables from processed operations.
// The projection channel is non-blocking with drop: if projections fall
// behind, they are rebuilt from the op log and the core's books.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue — projections are eventually consistent
				// and can be rebuilt from the op log
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Update balance projections from journal entries
	for _, j := range output.JournalEntries {
		if err := pw.updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if output.Listing != nil {
		if err := upsertListing(ctx, tx, output.Listing, output.Sequence); err != nil {
			return fmt.Errorf("listing projection: %w", err)
		}
	}

	if output.Trade != nil {
		if err := upsertTrade(ctx, tx, output.Trade, output.Sequence); err != nil {
			return fmt.Errorf("trade projection: %w", err)
		}
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalanceProjection applies the double-entry convention: debit
// account increases, credit account decreases.
func (pw *ProjectionWorker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2, last_sequence = $3, updated_at = NOW()
	`, j.DebitAccount, j.Amount, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2, last_sequence = $3, updated_at = NOW()
	`, j.CreditAccount, -j.Amount, seq); err != nil {
		return err
	}

	return nil
}

func upsertListing(ctx context.Context, tx *sql.Tx, l *market.Listing, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.listings
			(listing_id, seller_id, total_amount, remaining, price, min_limit, max_limit,
			 payment_methods, status, created_at, updated_at, version, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (listing_id) DO UPDATE SET
			remaining = $4, status = $9, updated_at = $11, version = $12, last_sequence = $13
		WHERE projections.listings.version < $12
	`, l.ListingID, l.SellerID, l.TotalAmount, l.Remaining, l.Price, l.MinLimit, l.MaxLimit,
		pq.Array(l.PaymentMethods), l.Status.String(), l.CreatedAt, l.UpdatedAt, l.Version, seq)
	return err
}

func upsertTrade(ctx context.Context, tx *sql.Tx, t *market.Trade, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.trades
			(trade_id, listing_id, buyer_id, seller_id, quantity, payment, price, status, reason,
			 created_at, accepted_at, paid_at, completed_at, cancelled_at, disputed_at, version, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (trade_id) DO UPDATE SET
			status = $8, reason = $9, accepted_at = $11, paid_at = $12, completed_at = $13,
			cancelled_at = $14, disputed_at = $15, version = $16, last_sequence = $17
		WHERE projections.trades.version < $16
	`, t.TradeID, t.ListingID, t.BuyerID, t.SellerID, t.Quantity, t.Payment, t.Price,
		t.Status.String(), t.Reason, t.CreatedAt,
		nullableMicros(t.AcceptedAt), nullableMicros(t.PaidAt), nullableMicros(t.CompletedAt),
		nullableMicros(t.CancelledAt), nullableMicros(t.DisputedAt), t.Version, seq)
	return err
}

func nullableMicros(ts int64) interface{} {
	if ts == 0 {
		return nil
	}
	return ts
}

// SyncBooks bulk-upserts the core's current books after startup replay,
// so projections are correct even if outputs were dropped mid-flight.
func SyncBooks(ctx context.Context, db *sql.DB, listings []*market.Listing, trades []*market.Trade, seq int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, l := range listings {
		if err := upsertListing(ctx, tx, l, seq); err != nil {
			return fmt.Errorf("sync listing %s: %w", l.ListingID, err)
		}
	}
	for _, t := range trades {
		if err := upsertTrade(ctx, tx, t, seq); err != nil {
			return fmt.Errorf("sync trade %s: %w", t.TradeID, err)
		}
	}

	return tx.Commit()
}

// RebuildProjections rebuilds the balance projection from the op log.
// Listings and trades are synced separately via SyncBooks once the core
// finishes its own replay.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.listings`,
		`TRUNCATE projections.trades`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits increase an account, credits decrease it
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM op_log.journal
		GROUP BY debit_account
		ON CONFLICT (account_path) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM op_log.journal
		GROUP BY credit_account
		ON CONFLICT (account_path) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
