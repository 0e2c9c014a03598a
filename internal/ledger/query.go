package ledger

import (
	"context"
	"iter"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/atmx/energy-ledger/internal/model"
)

// ActiveListingIDs yields the IDs of listings that can still be purchased,
// from a snapshot taken when it is called. Order is not significant.
func (l *Ledger) ActiveListingIDs(ctx context.Context) (iter.Seq[uint64], error) {
	listings, err := l.store.ListListings(ctx)
	if err != nil {
		return nil, err
	}
	return func(yield func(uint64) bool) {
		for _, li := range listings {
			if li.Active && !yield(li.ID) {
				return
			}
		}
	}, nil
}

// ListingsBySeller returns the seller's listing IDs in creation order.
func (l *Ledger) ListingsBySeller(ctx context.Context, seller string) ([]uint64, error) {
	return l.store.ListingIDsBySeller(ctx, seller)
}

// TradesByParty returns IDs of trades the identity bought or sold in, in
// settlement order.
func (l *Ledger) TradesByParty(ctx context.Context, party string) ([]uint64, error) {
	return l.store.TradeIDsByParty(ctx, party)
}

func (l *Ledger) Listing(ctx context.Context, id uint64) (*model.Listing, error) {
	li, err := l.store.GetListing(ctx, id)
	if err != nil {
		return nil, notFound(err, "listing", id)
	}
	return li, nil
}

func (l *Ledger) Trade(ctx context.Context, id uint64) (*model.Trade, error) {
	t, err := l.store.GetTrade(ctx, id)
	if err != nil {
		return nil, notFound(err, "trade", id)
	}
	return t, nil
}

func (l *Ledger) Refund(ctx context.Context, tradeID uint64) (*model.Refund, error) {
	r, err := l.store.GetRefund(ctx, tradeID)
	if err != nil {
		return nil, notFound(err, "refund for trade", tradeID)
	}
	return r, nil
}

// PlatformStats scans the whole store on every call. Volume and fee totals
// are exact: their sums may exceed any single balance.
func (l *Ledger) PlatformStats(ctx context.Context) (model.PlatformStats, error) {
	var st model.PlatformStats

	listings, err := l.store.ListListings(ctx)
	if err != nil {
		return st, err
	}
	trades, err := l.store.ListTrades(ctx)
	if err != nil {
		return st, err
	}

	st.TotalListings = uint64(len(listings))
	st.TotalTrades = uint64(len(trades))
	for _, li := range listings {
		if li.Active {
			st.ActiveListings++
		}
	}
	volume, fees := new(big.Int), new(big.Int)
	var v big.Int
	for _, t := range trades {
		volume.Add(volume, v.SetUint64(t.TotalPrice))
		fees.Add(fees, v.SetUint64(t.PlatformFee))
	}
	st.TotalVolume = decimal.NewFromBigInt(volume, 0)
	st.TotalFees = decimal.NewFromBigInt(fees, 0)
	return st, nil
}

func (l *Ledger) countActive(ctx context.Context) (uint64, error) {
	seq, err := l.ActiveListingIDs(ctx)
	if err != nil {
		return 0, err
	}
	var n uint64
	for range seq {
		n++
	}
	return n, nil
}
