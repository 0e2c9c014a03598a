package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/atmx/energy-ledger/internal/model"
)

// PebbleStore implements Store on an embedded Pebble database. Each Apply
// is committed as one synced pebble.Batch.
//
// Key layout:
//
//	l/<id>                 listing (gob)
//	t/<id>                 trade (gob)
//	r/<tradeID>            refund (gob)
//	b/<identity>           balance (uint64 BE)
//	s/<len><seller>/<id>   seller listing index
//	p/<len><party>/<id>    party trade index
//	c/listings, c/trades   counters (uint64 BE)
//	platform               platform (gob)
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex // serializes Apply so counter checks see committed state
}

// NewPebbleStore opens (or creates) a Pebble database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

var (
	kListingCounter = []byte("c/listings")
	kTradeCounter   = []byte("c/trades")
	kPlatform       = []byte("platform")
)

func kListing(id uint64) []byte { return append([]byte("l/"), be64(id)...) }
func kTrade(id uint64) []byte   { return append([]byte("t/"), be64(id)...) }
func kRefund(id uint64) []byte  { return append([]byte("r/"), be64(id)...) }
func kBalance(who string) []byte {
	return append([]byte("b/"), who...)
}

// identity indexes are length-prefixed so that one identity can never be a
// key prefix of another.
func indexPrefix(tag byte, who string) []byte {
	k := make([]byte, 0, 2+4+len(who)+1)
	k = append(k, tag, '/')
	k = binary.BigEndian.AppendUint32(k, uint32(len(who)))
	k = append(k, who...)
	return append(k, '/')
}

func kIndex(tag byte, who string, id uint64) []byte {
	return append(indexPrefix(tag, who), be64(id)...)
}

func be64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func (s *PebbleStore) GetListing(_ context.Context, id uint64) (*model.Listing, error) {
	var l model.Listing
	if err := s.getGob(kListing(id), &l); err != nil {
		return nil, fmt.Errorf("listing %d: %w", id, err)
	}
	return &l, nil
}

func (s *PebbleStore) ListListings(_ context.Context) ([]model.Listing, error) {
	var out []model.Listing
	err := s.scan([]byte("l/"), func(_, v []byte) error {
		var l model.Listing
		if err := decodeGob(v, &l); err != nil {
			return err
		}
		out = append(out, l)
		return nil
	})
	return out, err
}

func (s *PebbleStore) ListingIDsBySeller(_ context.Context, seller string) ([]uint64, error) {
	return s.scanIDs(indexPrefix('s', seller))
}

func (s *PebbleStore) GetTrade(_ context.Context, id uint64) (*model.Trade, error) {
	var t model.Trade
	if err := s.getGob(kTrade(id), &t); err != nil {
		return nil, fmt.Errorf("trade %d: %w", id, err)
	}
	return &t, nil
}

func (s *PebbleStore) ListTrades(_ context.Context) ([]model.Trade, error) {
	var out []model.Trade
	err := s.scan([]byte("t/"), func(_, v []byte) error {
		var t model.Trade
		if err := decodeGob(v, &t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

func (s *PebbleStore) TradeIDsByParty(_ context.Context, party string) ([]uint64, error) {
	return s.scanIDs(indexPrefix('p', party))
}

func (s *PebbleStore) GetRefund(_ context.Context, tradeID uint64) (*model.Refund, error) {
	var r model.Refund
	if err := s.getGob(kRefund(tradeID), &r); err != nil {
		return nil, fmt.Errorf("refund for trade %d: %w", tradeID, err)
	}
	return &r, nil
}

func (s *PebbleStore) Counters(_ context.Context) (uint64, uint64, error) {
	listings, err := s.getUint(kListingCounter)
	if err != nil {
		return 0, 0, err
	}
	trades, err := s.getUint(kTradeCounter)
	if err != nil {
		return 0, 0, err
	}
	return listings, trades, nil
}

func (s *PebbleStore) Balance(_ context.Context, identity string) (uint64, error) {
	return s.getUint(kBalance(identity))
}

func (s *PebbleStore) Platform(_ context.Context) (*model.Platform, error) {
	var p model.Platform
	if err := s.getGob(kPlatform, &p); err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	return &p, nil
}

func (s *PebbleStore) Apply(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	listings, err := s.getUint(kListingCounter)
	if err != nil {
		return err
	}
	trades, err := s.getUint(kTradeCounter)
	if err != nil {
		return err
	}

	wb := s.db.NewBatch()
	defer wb.Close()

	for _, l := range b.NewListings {
		if l.ID != listings+1 {
			return fmt.Errorf("store: listing id %d out of sequence (want %d)", l.ID, listings+1)
		}
		listings = l.ID
		if err := setGob(wb, kListing(l.ID), l); err != nil {
			return err
		}
		if err := wb.Set(kIndex('s', l.Seller, l.ID), nil, nil); err != nil {
			return err
		}
	}
	for _, u := range b.ListingUpdates {
		var l model.Listing
		if err := s.getGob(kListing(u.ID), &l); err != nil {
			return fmt.Errorf("update listing %d: %w", u.ID, err)
		}
		l.RemainingAmount = u.RemainingAmount
		l.Active = u.Active
		if err := setGob(wb, kListing(u.ID), l); err != nil {
			return err
		}
	}
	for _, t := range b.NewTrades {
		if t.ID != trades+1 {
			return fmt.Errorf("store: trade id %d out of sequence (want %d)", t.ID, trades+1)
		}
		trades = t.ID
		if err := setGob(wb, kTrade(t.ID), t); err != nil {
			return err
		}
		if err := wb.Set(kIndex('p', t.Buyer, t.ID), nil, nil); err != nil {
			return err
		}
		if err := wb.Set(kIndex('p', t.Seller, t.ID), nil, nil); err != nil {
			return err
		}
	}
	for _, r := range b.Refunds {
		if err := setGob(wb, kRefund(r.TradeID), r); err != nil {
			return err
		}
	}
	for who, amount := range b.Balances {
		if err := wb.Set(kBalance(who), be64(amount), nil); err != nil {
			return err
		}
	}
	if b.Platform != nil {
		if err := setGob(wb, kPlatform, *b.Platform); err != nil {
			return err
		}
	}
	if err := wb.Set(kListingCounter, be64(listings), nil); err != nil {
		return err
	}
	if err := wb.Set(kTradeCounter, be64(trades), nil); err != nil {
		return err
	}
	return wb.Commit(pebble.Sync)
}

func (s *PebbleStore) getGob(key []byte, v any) error {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return decodeGob(val, v)
}

func (s *PebbleStore) getUint(key []byte) (uint64, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("store: corrupt counter at %q", key)
	}
	return binary.BigEndian.Uint64(val), nil
}

func (s *PebbleStore) scan(prefix []byte, fn func(k, v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) scanIDs(prefix []byte) ([]uint64, error) {
	var ids []uint64
	err := s.scan(prefix, func(k, _ []byte) error {
		ids = append(ids, binary.BigEndian.Uint64(k[len(prefix):]))
		return nil
	})
	return ids, err
}

func keyUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func setGob(wb *pebble.Batch, key []byte, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return wb.Set(key, buf.Bytes(), nil)
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
