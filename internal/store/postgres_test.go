package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/atmx/energy-ledger/internal/store"
)

// TestPostgresStore_Contract runs against a scratch database named by
// LEDGER_TEST_DATABASE_URL. The tables are dropped before and after.
func TestPostgresStore_Contract(t *testing.T) {
	url := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	drop := func() {
		_, err := pool.Exec(ctx, `DROP TABLE IF EXISTS refunds, trades, listings, balances, platform`)
		require.NoError(t, err)
	}
	drop()
	t.Cleanup(drop)

	ps := store.NewPostgresStore(pool)
	require.NoError(t, ps.Migrate(ctx))

	runStoreSuite(t, ps)
}
