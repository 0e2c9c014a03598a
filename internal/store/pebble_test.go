package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/energy-ledger/internal/model"
	"github.com/atmx/energy-ledger/internal/store"
)

func TestPebbleStore_Contract(t *testing.T) {
	ps, err := store.NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })

	runStoreSuite(t, ps)
}

func TestPebbleStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ps, err := store.NewPebbleStore(dir)
	require.NoError(t, err)
	require.NoError(t, ps.Apply(ctx, &store.Batch{
		Platform: &model.Platform{Owner: "owner", FeeRate: 10},
		NewListings: []model.Listing{
			{ID: 1, Seller: "a", RemainingAmount: 5, UnitPrice: 2, Active: true, Location: "x", SourceType: "solar"},
		},
		Balances: map[string]uint64{"a": 42},
	}))
	require.NoError(t, ps.Close())

	ps, err = store.NewPebbleStore(dir)
	require.NoError(t, err)
	defer ps.Close()

	listings, trades, err := ps.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), listings)
	assert.Zero(t, trades)

	bal, err := ps.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), bal)
}

func TestPebbleStore_IndexIsolation(t *testing.T) {
	ctx := context.Background()
	ps, err := store.NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	defer ps.Close()

	// "a" must not see listings of "a/b" even though it is a string prefix.
	require.NoError(t, ps.Apply(ctx, &store.Batch{NewListings: []model.Listing{
		{ID: 1, Seller: "a/b", RemainingAmount: 1, UnitPrice: 1, Active: true, Location: "x", SourceType: "y"},
		{ID: 2, Seller: "a", RemainingAmount: 1, UnitPrice: 1, Active: true, Location: "x", SourceType: "y"},
	}}))

	ids, err := ps.ListingIDsBySeller(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, ids)
}
