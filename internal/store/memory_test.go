package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/energy-ledger/internal/model"
	"github.com/atmx/energy-ledger/internal/store"
)

// runStoreSuite exercises the Store contract; every backend runs it.
func runStoreSuite(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := st.Platform(ctx)
	require.True(t, errors.Is(err, store.ErrNotFound), "platform before bootstrap: %v", err)

	require.NoError(t, st.Apply(ctx, &store.Batch{
		Platform: &model.Platform{Owner: "owner", FeeRate: 25},
		NewListings: []model.Listing{
			{ID: 1, Seller: "alice", RemainingAmount: 100, UnitPrice: 5, CreatedAt: now, Active: true, Location: "Berlin", SourceType: "solar"},
			{ID: 2, Seller: "bob", RemainingAmount: 10, UnitPrice: 7, CreatedAt: now, Active: true, Location: "Oslo", SourceType: "hydro"},
			{ID: 3, Seller: "alice", RemainingAmount: 3, UnitPrice: 9, CreatedAt: now, Active: true, Location: "Berlin", SourceType: "wind"},
		},
	}))

	p, err := st.Platform(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Platform{Owner: "owner", FeeRate: 25}, *p)

	l, err := st.GetListing(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "bob", l.Seller)
	assert.Equal(t, uint64(10), l.RemainingAmount)
	assert.True(t, l.CreatedAt.Equal(now))

	_, err = st.GetListing(ctx, 4)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	ids, err := st.ListingIDsBySeller(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, ids)

	require.NoError(t, st.Apply(ctx, &store.Batch{
		ListingUpdates: []store.ListingUpdate{{ID: 1, RemainingAmount: 60, Active: true}},
		NewTrades: []model.Trade{
			{ID: 1, ListingID: 1, Buyer: "carol", Seller: "alice", Amount: 40, UnitPrice: 5, TotalPrice: 200, PlatformFee: 5, Timestamp: now, Completed: true},
		},
		Refunds:  []model.Refund{{TradeID: 1, Buyer: "carol", Amount: 7, Status: model.RefundPending, UpdatedAt: now}},
		Balances: map[string]uint64{"alice": 195, "owner": 5},
	}))

	l, err = st.GetListing(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), l.RemainingAmount)
	assert.True(t, l.Active)

	tr, err := st.GetTrade(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), tr.TotalPrice)
	assert.Equal(t, uint64(5), tr.PlatformFee)

	for _, who := range []string{"carol", "alice"} {
		ids, err := st.TradeIDsByParty(ctx, who)
		require.NoError(t, err)
		assert.Equal(t, []uint64{1}, ids, who)
	}
	ids, err = st.TradeIDsByParty(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, ids)

	bal, err := st.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(195), bal)
	bal, err = st.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, bal)

	r, err := st.GetRefund(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.RefundPending, r.Status)

	require.NoError(t, st.Apply(ctx, &store.Batch{
		Refunds: []model.Refund{{TradeID: 1, Buyer: "carol", Amount: 7, Status: model.RefundSent, Attempts: 1, UpdatedAt: now}},
	}))
	r, err = st.GetRefund(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.RefundSent, r.Status)
	assert.Equal(t, 1, r.Attempts)

	listings, trades, err := st.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), listings)
	assert.Equal(t, uint64(1), trades)

	all, err := st.ListListings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(3), all[2].ID)

	allTrades, err := st.ListTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, allTrades, 1)

	// Out-of-sequence IDs are rejected and leave state untouched.
	err = st.Apply(ctx, &store.Batch{
		NewTrades: []model.Trade{{ID: 5, ListingID: 1, Buyer: "x", Seller: "alice", Amount: 1, Timestamp: now}},
		Balances:  map[string]uint64{"alice": 1},
	})
	require.Error(t, err)
	bal, err = st.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(195), bal)
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreSuite(t, store.NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.Apply(ctx, &store.Batch{NewListings: []model.Listing{
		{ID: 1, Seller: "alice", RemainingAmount: 10, UnitPrice: 1, Active: true, Location: "x", SourceType: "y"},
	}}))

	l, err := ms.GetListing(ctx, 1)
	require.NoError(t, err)
	l.RemainingAmount = 0
	l.Active = false

	again, err := ms.GetListing(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), again.RemainingAmount)
	assert.True(t, again.Active)

	ids, err := ms.ListingIDsBySeller(ctx, "alice")
	require.NoError(t, err)
	ids[0] = 99
	ids, err = ms.ListingIDsBySeller(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)
}

func TestMemoryStore_EmptyBatch(t *testing.T) {
	b := &store.Batch{}
	assert.True(t, b.Empty())
	b.SetBalance("alice", 0)
	assert.False(t, b.Empty())
}
