package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atmx/energy-ledger/internal/events"
	"github.com/atmx/energy-ledger/internal/model"
	"github.com/atmx/energy-ledger/internal/store"
)

// SetFeeRate changes the platform fee, in parts per thousand, for future
// purchases. Trades already settled keep the fee they recorded.
func (l *Ledger) SetFeeRate(ctx context.Context, caller string, rate uint64) error {
	if caller != l.owner {
		return reject("set_fee_rate", fmt.Errorf("%w: only the platform owner may set the fee", ErrUnauthorized))
	}
	if rate > model.MaxFeeRate {
		return reject("set_fee_rate", fmt.Errorf("%w: %d > %d", ErrFeeTooHigh, rate, model.MaxFeeRate))
	}

	release, err := l.locks.Acquire(ctx, keyPlatform)
	if err != nil {
		return err
	}
	defer release()

	p, err := l.store.Platform(ctx)
	if err != nil {
		return fmt.Errorf("load platform: %w", err)
	}
	old := p.FeeRate
	p.FeeRate = rate
	if err := l.store.Apply(ctx, &store.Batch{Platform: p}); err != nil {
		return fmt.Errorf("set fee rate: %w", err)
	}

	l.log.Info("fee rate changed", zap.Uint64("old", old), zap.Uint64("new", rate))
	l.bus.Publish(ctx, events.KindFeeRateChanged, events.FeeRateChangedEvent{Old: old, New: rate})
	return nil
}

// FeeRate returns the current platform fee in parts per thousand.
func (l *Ledger) FeeRate(ctx context.Context) (uint64, error) {
	p, err := l.store.Platform(ctx)
	if err != nil {
		return 0, err
	}
	return p.FeeRate, nil
}
