package core

import (
	"TokenMarket/internal/command"
	"TokenMarket/internal/ledger"
	"TokenMarket/internal/market"
	"TokenMarket/internal/observability"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultUserGrant is the starter balance issued by the faucet when
// auto-funding is enabled (test environments only).
const DefaultUserGrant int64 = 100_000

// MarketCore is the single-threaded operation processor. All balance,
// listing, and trade state is owned by this struct and mutated only from
// the goroutine that calls ProcessOp.
type MarketCore struct {
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	listings          *market.ListingBook
	trades            *market.TradeBook
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	// autoFund issues a faucet grant when a user first runs short.
	// Never enabled in production.
	autoFund bool

	// replaying suppresses the Postgres idempotency tier and output
	// emission while the op log tail is re-applied at startup. Every
	// replayed op is already persisted, so the DB tier would flag all of
	// them as duplicates and projections would double-apply.
	replaying bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is what the core emits per applied operation. Listing and
// Trade are clones of the entities the operation touched, safe to read
// from other goroutines.
type CoreOutput struct {
	Envelope   *command.OpEnvelope
	Batch      *ledger.Batch
	Listing    *market.Listing
	Trade      *market.Trade
	StateDelta []byte
}

// OpResult is the synchronous reply for a submitted operation.
type OpResult struct {
	// Duplicate is set when the operation was already applied; the entity
	// fields carry the current state so replays are observably idempotent.
	Duplicate bool
	Listing   *market.Listing
	Trade     *market.Trade
}

func NewMarketCore(
	startSequence int64,
	autoFund bool,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *MarketCore {
	balanceTracker := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(balanceTracker)
	journalGen := ledger.NewJournalGenerator()

	// Initialize with capacity of 1M entries (configurable)
	idempotencyChecker := NewIdempotencyChecker(1_000_000, dbChecker)
	sequenceValidator := NewSequenceValidator()

	return &MarketCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		journalGen:        journalGen,
		validator:         validator,
		listings:          market.NewListingBook(),
		trades:            market.NewTradeBook(),
		idempotency:       idempotencyChecker,
		sequenceValidator: sequenceValidator,
		metrics:           metrics,
		autoFund:          autoFund,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessOp is the main processing pipeline: dedup, validate, generate
// journals, apply, hash, emit. A non-nil error means the operation was
// rejected and NO state was mutated.
func (c *MarketCore) ProcessOp(op command.Op) (*OpResult, error) {
	start := time.Now()
	opType := op.OpType().String()
	idempotencyKey := op.IdempotencyKey()

	// Step 1: Idempotency check. Two-tier normally; LRU-only during
	// replay, where the LRU holds just pre-snapshot keys.
	var isDuplicate bool
	if c.replaying {
		isDuplicate = c.idempotency.IsDuplicateInMemory(opType, idempotencyKey)
	} else {
		isDuplicate = c.idempotency.IsDuplicate(opType, idempotencyKey)
	}

	// Step 2: Sequence validation (feed-sourced ops only; API ops have no
	// upstream ordering)
	if partition := op.Partition(); partition != nil && !isDuplicate {
		if stale := c.sequenceValidator.ValidateFeedSequence(*partition, op.SourceSequence()); stale {
			if c.metrics != nil {
				c.metrics.CoreOpsRejected.WithLabelValues(opType, "stale").Inc()
			}
			return c.resolveExisting(op, true), nil
		}
	}

	// If duplicate, skip processing and return current entity state
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreOpsRejected.WithLabelValues(opType, "duplicate").Inc()
		}
		return c.resolveExisting(op, true), nil
	}

	// Step 3: Dispatch — validate everything, mutate books, get batches.
	// Handlers run all sufficiency and state-machine checks BEFORE any
	// mutation, so an error here means untouched state.
	batches, err := c.dispatchOp(op)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreOpsRejected.WithLabelValues(opType, "validation").Inc()
		}
		return nil, err
	}

	// Clones for downstream consumers, captured after mutation
	listingClone, tradeClone := c.affectedEntities(op)

	payload, err := json.Marshal(op)
	if err != nil {
		panic(fmt.Sprintf("FATAL: op payload marshal failed: %v", err))
	}

	// Step 4-8: Process each batch through validate → apply → hash → emit
	outputs := make([]CoreOutput, 0, len(batches))

	for _, batch := range batches {
		// The engine owns sequencing: the batch, every journal row in it,
		// and the envelope persisted alongside all share one slot.
		batch.Sequence = c.sequence
		for i := range batch.Journals {
			batch.Journals[i].Sequence = c.sequence
		}

		if len(batch.Journals) > 0 {
			// Validate batch balance
			if err := c.validator.ValidateBatchBalance(batch); err != nil {
				panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
			}

			// Preview balance floors. Handlers already checked
			// sufficiency; a breach here is corruption, not user error.
			if err := c.balanceTracker.PreviewBatch(batch); err != nil {
				panic(fmt.Sprintf("FATAL: batch breaches balance floor: %v", err))
			}

			// Apply batch to balances. Cannot fail after the preview.
			if err := c.balanceTracker.ApplyBatch(batch); err != nil {
				panic(fmt.Sprintf("FATAL: apply after validation failed: %v", err))
			}

			if c.metrics != nil {
				for _, j := range batch.Journals {
					c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
				}
			}
		}

		// Compute state digest and chain hash. The chain tip must be
		// captured BEFORE ComputeHash advances it.
		stateDigest := c.computeStateDigest(batch, listingClone, tradeClone)
		prevHash := c.hasher.GetPrevHash()
		stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

		// The envelope carries the batch's op ref, not the op's dedup key:
		// a multi-batch op (auto-fund grant + reserve) lands as distinct
		// op log rows and each needs its own (op_type, idempotency_key).
		envelope := &command.OpEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: batch.OpRef,
			OpType:         op.OpType(),
			Partition:      op.Partition(),
			Timestamp:      time.UnixMicro(c.getOpTimestamp(op)),
			SourceSequence: op.SourceSequence(),
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		}

		output := CoreOutput{
			Envelope:   envelope,
			Batch:      batch,
			Listing:    listingClone,
			Trade:      tradeClone,
			StateDelta: stateDigest,
		}

		outputs = append(outputs, output)
		c.sequence++
	}

	// Step 9: Post-checks
	if err := c.postCheckInvariants(op); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 10: Emit outputs. Skipped during replay: the op log already
	// holds these rows and projections are resynced after replay.
	if !c.replaying {
		for _, output := range outputs {
			// Persistence: blocking send — the core stalls until the
			// persistence worker drains. This guarantees no operation is lost.
			c.persistChan <- output

			// Projections: non-blocking send — drop on full. Projection
			// workers can rebuild from the operation log if they fall behind.
			select {
			case c.projectionChan <- output:
			default:
				// Silently dropped — projection will catch up via rebuild
			}
		}
	}

	// Step 11: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(opType, idempotencyKey)

	// Record metrics
	if c.metrics != nil {
		c.metrics.CoreOpsApplied.WithLabelValues(opType).Inc()
		c.metrics.CoreOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.EscrowBalance.Set(float64(c.balanceTracker.GetEscrowBalance(ledger.AssetFUN)))
	}

	return &OpResult{Listing: listingClone, Trade: tradeClone}, nil
}

// getOpTimestamp extracts the versioned timestamp from an operation.
// The core MUST NOT call time.Now(): timestamps are stamped at the edge
// (HTTP handler or feed parser) and travel with the operation.
func (c *MarketCore) getOpTimestamp(op command.Op) int64 {
	switch o := op.(type) {
	case *command.CreateListing:
		return o.Timestamp
	case *command.DeactivateListing:
		return o.Timestamp
	case *command.InitiateTrade:
		return o.Timestamp
	case *command.AcceptTrade:
		return o.Timestamp
	case *command.ConfirmPayment:
		return o.Timestamp
	case *command.CompleteTrade:
		return o.Timestamp
	case *command.CancelTrade:
		return o.Timestamp
	case *command.DisputeTrade:
		return o.Timestamp
	case *command.CreditBalance:
		return o.Timestamp
	case *command.DebitBalance:
		return o.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: getOpTimestamp called with unhandled op type %T — core cannot use wall-clock time", op))
	}
}

// computeStateDigest creates canonical bytes for the state hash: affected
// account balances plus the touched listing and trade records.
func (c *MarketCore) computeStateDigest(batch *ledger.Batch, listing *market.Listing, trade *market.Trade) []byte {
	// Collect all affected accounts
	affectedAccounts := make(map[ledger.AccountKey]bool)

	if batch != nil {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	// Sort accounts deterministically
	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}

	// Sort by AccountPath (deterministic string ordering)
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	// Build digest
	digest := make([]byte, 0, len(accounts)*64)

	for _, key := range accounts {
		balance := c.balanceTracker.GetBalance(key)

		// Append account path
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)

		// Append balance (8 bytes LE)
		digest = appendInt64LE(digest, balance)
	}

	if listing != nil {
		digest = append(digest, listing.CanonicalBytes()...)
	}
	if trade != nil {
		digest = append(digest, trade.CanonicalBytes()...)
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// affectedEntities returns clones of the listing and trade an op touched.
func (c *MarketCore) affectedEntities(op command.Op) (*market.Listing, *market.Trade) {
	var listing *market.Listing
	var trade *market.Trade

	switch o := op.(type) {
	case *command.CreateListing:
		if l := c.listings.Get(o.ListingID); l != nil {
			listing = l.Clone()
		}
	case *command.DeactivateListing:
		if l := c.listings.Get(o.ListingID); l != nil {
			listing = l.Clone()
		}
	case *command.InitiateTrade:
		if t := c.trades.Get(o.TradeID); t != nil {
			trade = t.Clone()
			if l := c.listings.Get(t.ListingID); l != nil {
				listing = l.Clone()
			}
		}
	case *command.AcceptTrade:
		if t := c.trades.Get(o.TradeID); t != nil {
			trade = t.Clone()
		}
	case *command.ConfirmPayment:
		if t := c.trades.Get(o.TradeID); t != nil {
			trade = t.Clone()
		}
	case *command.CompleteTrade:
		if t := c.trades.Get(o.TradeID); t != nil {
			trade = t.Clone()
		}
	case *command.CancelTrade:
		if t := c.trades.Get(o.TradeID); t != nil {
			trade = t.Clone()
			if l := c.listings.Get(t.ListingID); l != nil {
				listing = l.Clone()
			}
		}
	case *command.DisputeTrade:
		if t := c.trades.Get(o.TradeID); t != nil {
			trade = t.Clone()
		}
	}

	return listing, trade
}

// resolveExisting builds the reply for a duplicate/stale operation from
// current state, so replays observe the same outcome as the original call.
func (c *MarketCore) resolveExisting(op command.Op, duplicate bool) *OpResult {
	listing, trade := c.affectedEntities(op)
	return &OpResult{Duplicate: duplicate, Listing: listing, Trade: trade}
}

// emptyBatch builds a journal-free batch for state-only transitions
// (accept, confirm payment, dispute). They still occupy a sequence slot in
// the operation log so the hash chain covers every state change; the slot
// is stamped by the pipeline like any other batch.
func (c *MarketCore) emptyBatch(opRef string, timestamp int64) *ledger.Batch {
	return &ledger.Batch{
		BatchID:   uuid.New(),
		OpRef:     opRef,
		Timestamp: timestamp,
		Journals:  []ledger.Journal{},
	}
}

// postCheckInvariants validates invariants after batch application
func (c *MarketCore) postCheckInvariants(op command.Op) error {
	escrowCheck := func() error {
		return c.validator.ValidateEscrowMatchesOpenTrades(
			ledger.AssetFUN, c.trades.OpenPaymentsTotal())
	}

	switch o := op.(type) {
	case *command.CreateListing:
		if err := c.validator.ValidateUserNonNegative(o.SellerID, ledger.AssetFUN); err != nil {
			return fmt.Errorf("post-check seller: %w", err)
		}

	case *command.InitiateTrade:
		if err := c.validator.ValidateUserNonNegative(o.BuyerID, ledger.AssetFUN); err != nil {
			return fmt.Errorf("post-check buyer: %w", err)
		}
		if err := escrowCheck(); err != nil {
			return err
		}

	case *command.CompleteTrade:
		t := c.trades.Get(o.TradeID)
		if t != nil {
			if err := c.validator.ValidateUserNonNegative(t.SellerID, ledger.AssetFUN); err != nil {
				return fmt.Errorf("post-check seller: %w", err)
			}
			if err := c.validator.ValidateUserNonNegative(t.BuyerID, ledger.AssetFUN); err != nil {
				return fmt.Errorf("post-check buyer: %w", err)
			}
		}
		if err := escrowCheck(); err != nil {
			return err
		}

	case *command.CancelTrade:
		if err := escrowCheck(); err != nil {
			return err
		}

	case *command.CreditBalance:
		assetID, _ := ledger.GetAssetID(o.Asset)
		if err := c.validator.ValidateUserNonNegative(o.UserID, assetID); err != nil {
			return fmt.Errorf("post-check credit: %w", err)
		}

	case *command.DebitBalance:
		assetID, _ := ledger.GetAssetID(o.Asset)
		if err := c.validator.ValidateUserNonNegative(o.UserID, assetID); err != nil {
			return fmt.Errorf("post-check debit: %w", err)
		}
	}

	// Periodic global balance check: sum of all accounts must be zero
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check global (at seq %d): %w", c.sequence, err)
		}
	}

	return nil
}

func (c *MarketCore) dispatchOp(op command.Op) ([]*ledger.Batch, error) {
	switch o := op.(type) {
	case *command.CreateListing:
		return c.handleCreateListing(o)
	case *command.DeactivateListing:
		return c.handleDeactivateListing(o)
	case *command.InitiateTrade:
		return c.handleInitiateTrade(o)
	case *command.AcceptTrade:
		return c.handleAcceptTrade(o)
	case *command.ConfirmPayment:
		return c.handleConfirmPayment(o)
	case *command.CompleteTrade:
		return c.handleCompleteTrade(o)
	case *command.CancelTrade:
		return c.handleCancelTrade(o)
	case *command.DisputeTrade:
		return c.handleDisputeTrade(o)
	case *command.CreditBalance:
		return c.handleCreditBalance(o)
	case *command.DebitBalance:
		return c.handleDebitBalance(o)
	default:
		return nil, fmt.Errorf("unknown op type: %T", op)
	}
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]int64
	Listings        []*market.Listing
	Trades          []*market.Trade
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart: load latest snapshot, then replay the operation log tail.
func (c *MarketCore) RestoreFromSnapshot(snap *SnapshotState) {
	// Restore sequence
	c.sequence = snap.Sequence + 1 // Next sequence to assign

	// Restore state hash chain
	c.hasher.SetPrevHash(snap.StateHash)

	// Restore balances
	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}

	// Restore books
	c.listings.Restore(snap.Listings)
	c.trades.Restore(snap.Trades)

	// Restore sequence validator state
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, nextSeq)
	}
}

// BeginReplay puts the core into log-replay mode. Must be called before
// re-applying the op log tail, and matched with EndReplay before the
// core accepts live traffic.
func (c *MarketCore) BeginReplay() {
	c.replaying = true
}

// EndReplay returns the core to normal processing.
func (c *MarketCore) EndReplay() {
	c.replaying = false
}

// WarmLRU loads recent idempotency keys into the LRU cache so recently
// processed operations skip the cold-path DB lookup.
func (c *MarketCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the current global sequence number.
func (c *MarketCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *MarketCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *MarketCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balanceTracker.Snapshot(),
		Listings:        c.listings.Snapshot(),
		Trades:          c.trades.Snapshot(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
