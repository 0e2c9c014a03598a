package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-ledger/internal/model"
)

// Schema creates the ledger tables. Amounts are NUMERIC(20,0) so the full
// uint64 range round-trips exactly.
const Schema = `
CREATE TABLE IF NOT EXISTS listings (
	id               BIGINT PRIMARY KEY,
	seller           TEXT NOT NULL,
	remaining_amount NUMERIC(20,0) NOT NULL,
	unit_price       NUMERIC(20,0) NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	active           BOOLEAN NOT NULL,
	location         TEXT NOT NULL,
	source_type      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS listings_seller_idx ON listings (seller, id);

CREATE TABLE IF NOT EXISTS trades (
	id           BIGINT PRIMARY KEY,
	listing_id   BIGINT NOT NULL REFERENCES listings (id),
	buyer        TEXT NOT NULL,
	seller       TEXT NOT NULL,
	amount       NUMERIC(20,0) NOT NULL,
	unit_price   NUMERIC(20,0) NOT NULL,
	total_price  NUMERIC(20,0) NOT NULL,
	platform_fee NUMERIC(20,0) NOT NULL,
	timestamp    TIMESTAMPTZ NOT NULL,
	completed    BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_buyer_idx ON trades (buyer, id);
CREATE INDEX IF NOT EXISTS trades_seller_idx ON trades (seller, id);

CREATE TABLE IF NOT EXISTS refunds (
	trade_id   BIGINT PRIMARY KEY REFERENCES trades (id),
	buyer      TEXT NOT NULL,
	amount     NUMERIC(20,0) NOT NULL,
	status     TEXT NOT NULL,
	attempts   INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
	identity TEXT PRIMARY KEY,
	amount   NUMERIC(20,0) NOT NULL
);

CREATE TABLE IF NOT EXISTS platform (
	id       SMALLINT PRIMARY KEY CHECK (id = 1),
	owner    TEXT NOT NULL,
	fee_rate NUMERIC(20,0) NOT NULL
);
`

// PostgresStore implements Store using PostgreSQL. Apply runs inside a
// single transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

const listingColumns = `id, seller, remaining_amount::TEXT, unit_price::TEXT, created_at, active, location, source_type`

func (s *PostgresStore) GetListing(ctx context.Context, id uint64) (*model.Listing, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %d: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) ListListings(ctx context.Context) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+listingColumns+` FROM listings ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) ListingIDsBySeller(ctx context.Context, seller string) ([]uint64, error) {
	return s.queryIDs(ctx, `SELECT id FROM listings WHERE seller = $1 ORDER BY id`, seller)
}

const tradeColumns = `id, listing_id, buyer, seller, amount::TEXT, unit_price::TEXT,
	total_price::TEXT, platform_fee::TEXT, timestamp, completed`

func (s *PostgresStore) GetTrade(ctx context.Context, id uint64) (*model.Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %d: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) TradeIDsByParty(ctx context.Context, party string) ([]uint64, error) {
	return s.queryIDs(ctx, `SELECT id FROM trades WHERE buyer = $1 OR seller = $1 ORDER BY id`, party)
}

func (s *PostgresStore) GetRefund(ctx context.Context, tradeID uint64) (*model.Refund, error) {
	var r model.Refund
	var amount string
	err := s.pool.QueryRow(ctx,
		`SELECT trade_id, buyer, amount::TEXT, status, attempts, last_error, updated_at
		 FROM refunds WHERE trade_id = $1`, tradeID).
		Scan(&r.TradeID, &r.Buyer, &amount, &r.Status, &r.Attempts, &r.LastError, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("refund for trade %d: %w", tradeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get refund %d: %w", tradeID, err)
	}
	if r.Amount, err = fromNumeric(amount); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) Counters(ctx context.Context) (uint64, uint64, error) {
	var listings, trades uint64
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COALESCE(MAX(id), 0) FROM listings),
		        (SELECT COALESCE(MAX(id), 0) FROM trades)`).
		Scan(&listings, &trades)
	return listings, trades, err
}

func (s *PostgresStore) Balance(ctx context.Context, identity string) (uint64, error) {
	var amount string
	err := s.pool.QueryRow(ctx, `SELECT amount::TEXT FROM balances WHERE identity = $1`, identity).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", identity, err)
	}
	return fromNumeric(amount)
}

func (s *PostgresStore) Platform(ctx context.Context) (*model.Platform, error) {
	var p model.Platform
	var rate string
	err := s.pool.QueryRow(ctx, `SELECT owner, fee_rate::TEXT FROM platform WHERE id = 1`).Scan(&p.Owner, &rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("platform: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get platform: %w", err)
	}
	if p.FeeRate, err = fromNumeric(rate); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) Apply(ctx context.Context, b *Batch) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := checkSequence(ctx, tx, "listings", len(b.NewListings), func(i int) uint64 { return b.NewListings[i].ID }); err != nil {
		return err
	}
	if err := checkSequence(ctx, tx, "trades", len(b.NewTrades), func(i int) uint64 { return b.NewTrades[i].ID }); err != nil {
		return err
	}

	for _, l := range b.NewListings {
		if _, err := tx.Exec(ctx,
			`INSERT INTO listings (id, seller, remaining_amount, unit_price, created_at, active, location, source_type)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8)`,
			l.ID, l.Seller, toNumeric(l.RemainingAmount), toNumeric(l.UnitPrice),
			l.CreatedAt, l.Active, l.Location, l.SourceType,
		); err != nil {
			return fmt.Errorf("insert listing %d: %w", l.ID, err)
		}
	}
	for _, u := range b.ListingUpdates {
		tag, err := tx.Exec(ctx,
			`UPDATE listings SET remaining_amount = $2::NUMERIC, active = $3 WHERE id = $1`,
			u.ID, toNumeric(u.RemainingAmount), u.Active)
		if err != nil {
			return fmt.Errorf("update listing %d: %w", u.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update listing %d: %w", u.ID, ErrNotFound)
		}
	}
	for _, t := range b.NewTrades {
		if _, err := tx.Exec(ctx,
			`INSERT INTO trades (id, listing_id, buyer, seller, amount, unit_price, total_price, platform_fee, timestamp, completed)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
			t.ID, t.ListingID, t.Buyer, t.Seller,
			toNumeric(t.Amount), toNumeric(t.UnitPrice), toNumeric(t.TotalPrice), toNumeric(t.PlatformFee),
			t.Timestamp, t.Completed,
		); err != nil {
			return fmt.Errorf("insert trade %d: %w", t.ID, err)
		}
	}
	for _, r := range b.Refunds {
		if _, err := tx.Exec(ctx,
			`INSERT INTO refunds (trade_id, buyer, amount, status, attempts, last_error, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)
			 ON CONFLICT (trade_id) DO UPDATE
			 SET status = EXCLUDED.status, attempts = EXCLUDED.attempts,
			     last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at`,
			r.TradeID, r.Buyer, toNumeric(r.Amount), string(r.Status), r.Attempts, r.LastError, r.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert refund %d: %w", r.TradeID, err)
		}
	}
	for id, amount := range b.Balances {
		if _, err := tx.Exec(ctx,
			`INSERT INTO balances (identity, amount) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (identity) DO UPDATE SET amount = EXCLUDED.amount`,
			id, toNumeric(amount),
		); err != nil {
			return fmt.Errorf("set balance %s: %w", id, err)
		}
	}
	if p := b.Platform; p != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO platform (id, owner, fee_rate) VALUES (1, $1, $2::NUMERIC)
			 ON CONFLICT (id) DO UPDATE SET owner = EXCLUDED.owner, fee_rate = EXCLUDED.fee_rate`,
			p.Owner, toNumeric(p.FeeRate),
		); err != nil {
			return fmt.Errorf("set platform: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// checkSequence verifies that n new rows continue the table's ID sequence.
func checkSequence(ctx context.Context, tx pgx.Tx, table string, n int, id func(int) uint64) error {
	if n == 0 {
		return nil
	}
	var last uint64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM `+table).Scan(&last); err != nil {
		return fmt.Errorf("read %s sequence: %w", table, err)
	}
	for i := 0; i < n; i++ {
		if id(i) != last+1 {
			return fmt.Errorf("store: %s id %d out of sequence (want %d)", table, id(i), last+1)
		}
		last++
	}
	return nil
}

func (s *PostgresStore) queryIDs(ctx context.Context, sql string, arg string) ([]uint64, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*model.Listing, error) {
	var l model.Listing
	var remaining, price string
	if err := row.Scan(&l.ID, &l.Seller, &remaining, &price, &l.CreatedAt, &l.Active, &l.Location, &l.SourceType); err != nil {
		return nil, err
	}
	var err error
	if l.RemainingAmount, err = fromNumeric(remaining); err != nil {
		return nil, err
	}
	if l.UnitPrice, err = fromNumeric(price); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var amount, price, total, fee string
	if err := row.Scan(&t.ID, &t.ListingID, &t.Buyer, &t.Seller,
		&amount, &price, &total, &fee, &t.Timestamp, &t.Completed); err != nil {
		return nil, err
	}
	var err error
	for _, f := range []struct {
		src string
		dst *uint64
	}{{amount, &t.Amount}, {price, &t.UnitPrice}, {total, &t.TotalPrice}, {fee, &t.PlatformFee}} {
		if *f.dst, err = fromNumeric(f.src); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func toNumeric(v uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0).String()
}

// fromNumeric parses a NUMERIC text value, rejecting anything that is not a
// non-negative integer within uint64 range.
func fromNumeric(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("store: parse numeric %q: %w", s, err)
	}
	if d.IsNegative() || !d.IsInteger() {
		return 0, fmt.Errorf("store: numeric %q is not a non-negative integer", s)
	}
	bi := d.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("store: numeric %q overflows uint64", s)
	}
	return bi.Uint64(), nil
}
