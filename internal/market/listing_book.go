package market

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// ListingBook holds every listing in memory, keyed by ListingID.
// Not thread-safe: mutated only from the single-threaded core.
type ListingBook struct {
	listings map[uuid.UUID]*Listing
}

func NewListingBook() *ListingBook {
	return &ListingBook{
		listings: make(map[uuid.UUID]*Listing),
	}
}

// Get returns the live listing record, or nil if unknown.
func (lb *ListingBook) Get(listingID uuid.UUID) *Listing {
	return lb.listings[listingID]
}

// Put inserts or replaces a listing.
func (lb *ListingBook) Put(listing *Listing) {
	lb.listings[listing.ListingID] = listing
}

// Count returns the number of listings tracked, any status.
func (lb *ListingBook) Count() int {
	return len(lb.listings)
}

// ActiveBySeller sums remaining inventory across a seller's active listings.
func (lb *ListingBook) ActiveBySeller(sellerID uuid.UUID) []*Listing {
	var result []*Listing
	for _, l := range lb.listings {
		if l.SellerID == sellerID && l.Status == ListingStatusActive {
			result = append(result, l)
		}
	}
	sortListings(result)
	return result
}

// Discover returns active listings with remaining inventory, ordered
// price ascending, then remaining descending, then newest first.
func (lb *ListingBook) Discover() []*Listing {
	var result []*Listing
	for _, l := range lb.listings {
		if l.Status != ListingStatusActive || l.Remaining <= 0 {
			continue
		}
		result = append(result, l)
	}
	sortListings(result)
	return result
}

// All returns every listing in deterministic order.
func (lb *ListingBook) All() []*Listing {
	result := make([]*Listing, 0, len(lb.listings))
	for _, l := range lb.listings {
		result = append(result, l)
	}
	sortListings(result)
	return result
}

func sortListings(listings []*Listing) {
	sort.Slice(listings, func(i, j int) bool {
		if listings[i].Price != listings[j].Price {
			return listings[i].Price < listings[j].Price
		}
		if listings[i].Remaining != listings[j].Remaining {
			return listings[i].Remaining > listings[j].Remaining
		}
		if listings[i].CreatedAt != listings[j].CreatedAt {
			return listings[i].CreatedAt > listings[j].CreatedAt
		}
		return bytes.Compare(listings[i].ListingID[:], listings[j].ListingID[:]) < 0
	})
}

// Snapshot returns deep copies of all listings for persistence.
func (lb *ListingBook) Snapshot() []*Listing {
	result := make([]*Listing, 0, len(lb.listings))
	for _, l := range lb.listings {
		result = append(result, l.Clone())
	}
	sortListings(result)
	return result
}

// Restore replaces the book contents from a snapshot.
func (lb *ListingBook) Restore(listings []*Listing) {
	lb.listings = make(map[uuid.UUID]*Listing, len(listings))
	for _, l := range listings {
		lb.listings[l.ListingID] = l.Clone()
	}
}

// CanonicalBytes serializes all listings in ListingID order for state hashing
func (lb *ListingBook) CanonicalBytes() []byte {
	ids := make([]uuid.UUID, 0, len(lb.listings))
	for id := range lb.listings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	var buf []byte
	for _, id := range ids {
		buf = append(buf, lb.listings[id].CanonicalBytes()...)
	}
	return buf
}
