// Package store defines the persistence interface for the energy ledger.
// Implementations include in-memory (tests and development), PostgreSQL and
// Pebble (durable), and a Redis read-through cache for immutable trades.
//
// Every mutation goes through Apply with a Batch that the ledger has fully
// validated beforehand. Implementations must apply a batch atomically: either
// all of it becomes visible or none of it does.
package store

import (
	"context"
	"errors"

	"github.com/atmx/energy-ledger/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persisted state surface of the ledger.
type Store interface {
	// --- Listings ---

	// GetListing retrieves a listing by ID.
	GetListing(ctx context.Context, id uint64) (*model.Listing, error)

	// ListListings returns every listing ever created, in ID order.
	ListListings(ctx context.Context) ([]model.Listing, error)

	// ListingIDsBySeller returns the seller's listing IDs in creation order.
	ListingIDsBySeller(ctx context.Context, seller string) ([]uint64, error)

	// --- Immutable trade ledger ---

	// GetTrade retrieves a trade by ID.
	GetTrade(ctx context.Context, id uint64) (*model.Trade, error)

	// ListTrades returns every trade in ID order.
	ListTrades(ctx context.Context) ([]model.Trade, error)

	// TradeIDsByParty returns IDs of trades where party was buyer or seller.
	TradeIDsByParty(ctx context.Context, party string) ([]uint64, error)

	// GetRefund retrieves the refund recorded for a trade.
	GetRefund(ctx context.Context, tradeID uint64) (*model.Refund, error)

	// --- Counters, balances, platform ---

	// Counters returns the number of listings and trades ever recorded,
	// which are also the highest issued IDs.
	Counters(ctx context.Context) (listings, trades uint64, err error)

	// Balance returns the withdrawable credit of an identity (0 if unknown).
	Balance(ctx context.Context, identity string) (uint64, error)

	// Platform returns the fee configuration, or ErrNotFound before bootstrap.
	Platform(ctx context.Context) (*model.Platform, error)

	// Apply commits a batch atomically.
	Apply(ctx context.Context, b *Batch) error
}

// ListingUpdate changes the mutable fields of an existing listing.
type ListingUpdate struct {
	ID              uint64
	RemainingAmount uint64
	Active          bool
}

// Batch is a set of writes committed as one unit. Balances hold absolute
// values, not deltas; the caller computes them under its entity locks.
type Batch struct {
	NewListings    []model.Listing
	ListingUpdates []ListingUpdate
	NewTrades      []model.Trade
	Refunds        []model.Refund // upserted by TradeID
	Balances       map[string]uint64
	Platform       *model.Platform
}

// SetBalance records the new absolute balance of an identity.
func (b *Batch) SetBalance(identity string, amount uint64) {
	if b.Balances == nil {
		b.Balances = make(map[string]uint64, 2)
	}
	b.Balances[identity] = amount
}

// Empty reports whether the batch carries no writes.
func (b *Batch) Empty() bool {
	return len(b.NewListings) == 0 && len(b.ListingUpdates) == 0 &&
		len(b.NewTrades) == 0 && len(b.Refunds) == 0 &&
		len(b.Balances) == 0 && b.Platform == nil
}
