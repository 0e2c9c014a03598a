// Package ledger implements the energy marketplace: listing lifecycle,
// purchase settlement, balance withdrawal, fee administration and
// read-only queries over a store.Store.
//
// Every mutating call validates everything it needs under its entity locks
// and then commits a single store.Batch. A call that returns an error has
// not changed the store, with one exception documented on Withdraw.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/energy-ledger/internal/events"
	"github.com/atmx/energy-ledger/internal/lock"
	"github.com/atmx/energy-ledger/internal/metrics"
	"github.com/atmx/energy-ledger/internal/model"
	"github.com/atmx/energy-ledger/internal/store"
)

// Transferer pays value out of the ledger. reference identifies the payout
// so the receiving side can de-duplicate retries.
//
// An error with an OutcomeUnknown() bool method returning true means the
// payment may have gone through. Any other error means it did not.
type Transferer interface {
	Transfer(ctx context.Context, to string, amount uint64, reference string) error
}

func outcomeUnknown(err error) bool {
	var u interface{ OutcomeUnknown() bool }
	return errors.As(err, &u) && u.OutcomeUnknown()
}

// Ledger is safe for concurrent use.
type Ledger struct {
	store  store.Store
	locks  lock.Locker
	bus    *events.Bus
	payout Transferer
	log    *zap.Logger
	now    func() time.Time
	owner  string
}

type Option func(*Ledger)

// WithLocker replaces the default in-process locker, e.g. with lock.Redis
// when several instances share a store.
func WithLocker(l lock.Locker) Option { return func(lg *Ledger) { lg.locks = l } }

func WithBus(b *events.Bus) Option { return func(lg *Ledger) { lg.bus = b } }

func WithLogger(log *zap.Logger) Option { return func(lg *Ledger) { lg.log = log } }

// WithClock sets the source of listing, trade and refund timestamps.
func WithClock(now func() time.Time) Option { return func(lg *Ledger) { lg.now = now } }

// New opens a ledger over st. If the store has no platform record yet,
// bootstrap is written as the initial owner and fee rate; otherwise the
// stored record wins and bootstrap is ignored.
func New(ctx context.Context, st store.Store, payout Transferer, bootstrap model.Platform, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:  st,
		payout: payout,
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.locks == nil {
		l.locks = lock.NewLocal()
	}
	if l.bus == nil {
		l.bus = events.NewBus(l.log)
	}

	p, err := l.loadPlatform(ctx, bootstrap)
	if err != nil {
		return nil, err
	}
	l.owner = p.Owner

	if n, err := l.countActive(ctx); err == nil {
		metrics.ActiveListings.Set(float64(n))
	}

	l.log.Info("ledger ready",
		zap.String("owner", p.Owner),
		zap.Uint64("fee_rate", p.FeeRate),
	)
	return l, nil
}

func (l *Ledger) loadPlatform(ctx context.Context, bootstrap model.Platform) (*model.Platform, error) {
	release, err := l.locks.Acquire(ctx, keyPlatform)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := l.store.Platform(ctx)
	if err == nil {
		if bootstrap.Owner != "" && bootstrap.Owner != p.Owner {
			l.log.Warn("configured owner differs from stored owner, keeping stored",
				zap.String("configured", bootstrap.Owner),
				zap.String("stored", p.Owner),
			)
		}
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load platform: %w", err)
	}

	if blank(bootstrap.Owner) {
		return nil, fmt.Errorf("%w: platform owner is required", ErrInvalidInput)
	}
	if bootstrap.FeeRate > model.MaxFeeRate {
		return nil, fmt.Errorf("%w: %d > %d", ErrFeeTooHigh, bootstrap.FeeRate, model.MaxFeeRate)
	}
	if err := l.store.Apply(ctx, &store.Batch{Platform: &bootstrap}); err != nil {
		return nil, fmt.Errorf("bootstrap platform: %w", err)
	}
	return &bootstrap, nil
}

// Owner is the identity that receives platform fees and may set the rate.
func (l *Ledger) Owner() string { return l.owner }

// Lock keys. Each mutation takes every key it reads or writes.
const (
	keyListingSeq = "seq:listing"
	keyTradeSeq   = "seq:trade"
	keyPlatform   = "platform"
)

func listingKey(id uint64) string { return fmt.Sprintf("listing:%d", id) }
func balanceKey(who string) string { return "balance:" + who }
func refundKey(tradeID uint64) string { return fmt.Sprintf("refund:%d", tradeID) }

func blank(s string) bool { return strings.TrimSpace(s) == "" }

// notFound translates the store sentinel so callers only see ledger errors.
func notFound(err error, what string, id any) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s %v", ErrNotFound, what, id)
	}
	return err
}

// reject counts a failed operation and returns err unchanged.
func reject(op string, err error) error {
	metrics.Rejections.WithLabelValues(op, Kind(err)).Inc()
	return err
}
