package market

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// TradeBook holds every trade in memory, keyed by TradeID.
// Not thread-safe: mutated only from the single-threaded core.
type TradeBook struct {
	trades map[uuid.UUID]*Trade
}

func NewTradeBook() *TradeBook {
	return &TradeBook{
		trades: make(map[uuid.UUID]*Trade),
	}
}

// Get returns the live trade record, or nil if unknown.
func (tb *TradeBook) Get(tradeID uuid.UUID) *Trade {
	return tb.trades[tradeID]
}

// Put inserts or replaces a trade.
func (tb *TradeBook) Put(trade *Trade) {
	tb.trades[trade.TradeID] = trade
}

// Count returns the number of trades tracked, any status.
func (tb *TradeBook) Count() int {
	return len(tb.trades)
}

// ByUser returns trades where the user is buyer or seller, newest first.
func (tb *TradeBook) ByUser(userID uuid.UUID) []*Trade {
	var result []*Trade
	for _, t := range tb.trades {
		if t.BuyerID == userID || t.SellerID == userID {
			result = append(result, t)
		}
	}
	sortTrades(result)
	return result
}

// OpenByListing returns non-terminal trades against a listing.
func (tb *TradeBook) OpenByListing(listingID uuid.UUID) []*Trade {
	var result []*Trade
	for _, t := range tb.trades {
		if t.ListingID == listingID && t.Status.HoldsEscrow() {
			result = append(result, t)
		}
	}
	sortTrades(result)
	return result
}

// OpenPaymentsTotal sums escrowed payments across all open trades.
// Must equal the system escrow balance at all times.
func (tb *TradeBook) OpenPaymentsTotal() int64 {
	var total int64
	for _, t := range tb.trades {
		if t.Status.HoldsEscrow() {
			total += t.Payment
		}
	}
	return total
}

func sortTrades(trades []*Trade) {
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].CreatedAt != trades[j].CreatedAt {
			return trades[i].CreatedAt > trades[j].CreatedAt
		}
		return bytes.Compare(trades[i].TradeID[:], trades[j].TradeID[:]) < 0
	})
}

// Snapshot returns deep copies of all trades for persistence.
func (tb *TradeBook) Snapshot() []*Trade {
	result := make([]*Trade, 0, len(tb.trades))
	for _, t := range tb.trades {
		result = append(result, t.Clone())
	}
	sortTrades(result)
	return result
}

// Restore replaces the book contents from a snapshot.
func (tb *TradeBook) Restore(trades []*Trade) {
	tb.trades = make(map[uuid.UUID]*Trade, len(trades))
	for _, t := range trades {
		tb.trades[t.TradeID] = t.Clone()
	}
}

// CanonicalBytes serializes all trades in TradeID order for state hashing
func (tb *TradeBook) CanonicalBytes() []byte {
	ids := make([]uuid.UUID, 0, len(tb.trades))
	for id := range tb.trades {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	var buf []byte
	for _, id := range ids {
		buf = append(buf, tb.trades[id].CanonicalBytes()...)
	}
	return buf
}
