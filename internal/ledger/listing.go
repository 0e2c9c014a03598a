package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atmx/energy-ledger/internal/events"
	"github.com/atmx/energy-ledger/internal/metrics"
	"github.com/atmx/energy-ledger/internal/model"
	"github.com/atmx/energy-ledger/internal/store"
)

// CreateListing offers amount units at unitPrice each and returns the new
// listing's ID. IDs start at 1 and increase by one per listing.
func (l *Ledger) CreateListing(ctx context.Context, seller string, amount, unitPrice uint64, location, sourceType string) (uint64, error) {
	switch {
	case blank(seller):
		return 0, reject("create_listing", fmt.Errorf("%w: seller is required", ErrInvalidInput))
	case amount == 0:
		return 0, reject("create_listing", fmt.Errorf("%w: amount must be positive", ErrInvalidInput))
	case unitPrice == 0:
		return 0, reject("create_listing", fmt.Errorf("%w: unit price must be positive", ErrInvalidInput))
	case blank(location):
		return 0, reject("create_listing", fmt.Errorf("%w: location is required", ErrInvalidInput))
	case blank(sourceType):
		return 0, reject("create_listing", fmt.Errorf("%w: source type is required", ErrInvalidInput))
	}

	release, err := l.locks.Acquire(ctx, keyListingSeq)
	if err != nil {
		return 0, err
	}
	defer release()

	count, _, err := l.store.Counters(ctx)
	if err != nil {
		return 0, err
	}
	listing := model.Listing{
		ID:              count + 1,
		Seller:          seller,
		RemainingAmount: amount,
		UnitPrice:       unitPrice,
		CreatedAt:       l.now().UTC(),
		Active:          true,
		Location:        location,
		SourceType:      sourceType,
	}
	if err := l.store.Apply(ctx, &store.Batch{NewListings: []model.Listing{listing}}); err != nil {
		return 0, fmt.Errorf("create listing: %w", err)
	}

	metrics.ListingsCreated.Inc()
	metrics.ActiveListings.Inc()
	l.log.Info("listing created",
		zap.Uint64("id", listing.ID),
		zap.String("seller", seller),
		zap.Uint64("amount", amount),
		zap.Uint64("unit_price", unitPrice),
		zap.String("source", sourceType),
	)
	l.bus.Publish(ctx, events.KindListed, events.ListedEvent{
		ListingID:  listing.ID,
		Seller:     seller,
		Amount:     amount,
		UnitPrice:  unitPrice,
		Location:   location,
		SourceType: sourceType,
	})
	return listing.ID, nil
}

// CancelListing withdraws an active listing. Only its seller may cancel.
// The remaining amount is left as it was.
func (l *Ledger) CancelListing(ctx context.Context, caller string, listingID uint64) error {
	release, err := l.locks.Acquire(ctx, listingKey(listingID))
	if err != nil {
		return err
	}
	defer release()

	listing, err := l.store.GetListing(ctx, listingID)
	if err != nil {
		return reject("cancel_listing", notFound(err, "listing", listingID))
	}
	if caller != listing.Seller {
		return reject("cancel_listing", fmt.Errorf("%w: listing %d belongs to another seller", ErrUnauthorized, listingID))
	}
	if !listing.Active {
		return reject("cancel_listing", fmt.Errorf("%w: listing %d", ErrAlreadyInactive, listingID))
	}

	b := &store.Batch{ListingUpdates: []store.ListingUpdate{{
		ID:              listingID,
		RemainingAmount: listing.RemainingAmount,
		Active:          false,
	}}}
	if err := l.store.Apply(ctx, b); err != nil {
		return fmt.Errorf("cancel listing: %w", err)
	}

	metrics.ActiveListings.Dec()
	l.log.Info("listing cancelled",
		zap.Uint64("id", listingID),
		zap.String("seller", listing.Seller),
		zap.Uint64("remaining", listing.RemainingAmount),
	)
	l.bus.Publish(ctx, events.KindCancelled, events.CancelledEvent{ListingID: listingID, Seller: listing.Seller})
	return nil
}
