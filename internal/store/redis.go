package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/atmx/energy-ledger/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
//
// Only trades are cached: they are immutable once written, so a cached copy
// can never be stale. Listings, balances and refunds change under entity
// locks and are always read from the primary.
type CachedStore struct {
	Store // passthrough for everything not overridden below

	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	sf     singleflight.Group
}

// NewCachedStore creates a cached wrapper around a primary store. Trades are
// cached under prefix followed by the trade ID.
func NewCachedStore(primary Store, rdb *redis.Client, prefix string, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store:  primary,
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Apply writes to the primary, then populates the cache with new trades.
func (s *CachedStore) Apply(ctx context.Context, b *Batch) error {
	if err := s.Store.Apply(ctx, b); err != nil {
		return err
	}
	for i := range b.NewTrades {
		s.cacheTrade(ctx, &b.NewTrades[i])
	}
	return nil
}

func (s *CachedStore) GetTrade(ctx context.Context, id uint64) (*model.Trade, error) {
	data, err := s.rdb.Get(ctx, s.tradeKey(id)).Bytes()
	if err == nil {
		var t model.Trade
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	// Cache miss: collapse concurrent lookups of the same trade. The shared
	// lookup must outlive any one caller's cancellation.
	v, err, _ := s.sf.Do(s.tradeKey(id), func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		t, err := s.Store.GetTrade(ctx, id)
		if err != nil {
			return nil, err
		}
		s.cacheTrade(ctx, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	t := *v.(*model.Trade)
	return &t, nil
}

func (s *CachedStore) cacheTrade(ctx context.Context, t *model.Trade) {
	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, s.tradeKey(t.ID), data, s.ttl)
	}
}

func (s *CachedStore) tradeKey(id uint64) string {
	return s.prefix + strconv.FormatUint(id, 10)
}
