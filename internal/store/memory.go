package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/atmx/energy-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	listings []model.Listing // index i holds listing ID i+1
	trades   []model.Trade   // index i holds trade ID i+1
	refunds  map[uint64]model.Refund
	bySeller map[string][]uint64
	byParty  map[string][]uint64
	balances map[string]uint64
	platform *model.Platform
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		refunds:  make(map[uint64]model.Refund),
		bySeller: make(map[string][]uint64),
		byParty:  make(map[string][]uint64),
		balances: make(map[string]uint64),
	}
}

func (s *MemoryStore) GetListing(_ context.Context, id uint64) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id == 0 || id > uint64(len(s.listings)) {
		return nil, fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	l := s.listings[id-1]
	return &l, nil
}

func (s *MemoryStore) ListListings(_ context.Context) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.listings), nil
}

func (s *MemoryStore) ListingIDsBySeller(_ context.Context, seller string) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.bySeller[seller]), nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id uint64) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id == 0 || id > uint64(len(s.trades)) {
		return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	t := s.trades[id-1]
	return &t, nil
}

func (s *MemoryStore) ListTrades(_ context.Context) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.trades), nil
}

func (s *MemoryStore) TradeIDsByParty(_ context.Context, party string) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.byParty[party]), nil
}

func (s *MemoryStore) GetRefund(_ context.Context, tradeID uint64) (*model.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.refunds[tradeID]
	if !ok {
		return nil, fmt.Errorf("refund for trade %d: %w", tradeID, ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) Counters(_ context.Context) (uint64, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return uint64(len(s.listings)), uint64(len(s.trades)), nil
}

func (s *MemoryStore) Balance(_ context.Context, identity string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.balances[identity], nil
}

func (s *MemoryStore) Platform(_ context.Context) (*model.Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.platform == nil {
		return nil, fmt.Errorf("platform: %w", ErrNotFound)
	}
	p := *s.platform
	return &p, nil
}

// Apply validates the whole batch against current state before touching
// anything, so a rejected batch leaves the store unchanged.
func (s *MemoryStore) Apply(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := uint64(len(s.listings)) + 1
	for _, l := range b.NewListings {
		if l.ID != next {
			return fmt.Errorf("store: listing id %d out of sequence (want %d)", l.ID, next)
		}
		next++
	}
	for _, u := range b.ListingUpdates {
		if u.ID == 0 || u.ID >= next {
			return fmt.Errorf("update listing %d: %w", u.ID, ErrNotFound)
		}
	}
	nextTrade := uint64(len(s.trades)) + 1
	for _, t := range b.NewTrades {
		if t.ID != nextTrade {
			return fmt.Errorf("store: trade id %d out of sequence (want %d)", t.ID, nextTrade)
		}
		nextTrade++
	}

	for _, l := range b.NewListings {
		s.listings = append(s.listings, l)
		s.bySeller[l.Seller] = append(s.bySeller[l.Seller], l.ID)
	}
	for _, u := range b.ListingUpdates {
		l := &s.listings[u.ID-1]
		l.RemainingAmount = u.RemainingAmount
		l.Active = u.Active
	}
	for _, t := range b.NewTrades {
		s.trades = append(s.trades, t)
		s.byParty[t.Buyer] = append(s.byParty[t.Buyer], t.ID)
		if t.Seller != t.Buyer {
			s.byParty[t.Seller] = append(s.byParty[t.Seller], t.ID)
		}
	}
	for _, r := range b.Refunds {
		s.refunds[r.TradeID] = r
	}
	for id, amount := range b.Balances {
		s.balances[id] = amount
	}
	if b.Platform != nil {
		p := *b.Platform
		s.platform = &p
	}
	return nil
}
