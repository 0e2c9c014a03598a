package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atmx/energy-ledger/internal/events"
	"github.com/atmx/energy-ledger/internal/metrics"
	"github.com/atmx/energy-ledger/internal/safe"
	"github.com/atmx/energy-ledger/internal/store"
)

// credit adds amount to who's balance within b. The caller must hold
// balanceKey(who). Crediting the same identity twice in one batch
// accumulates.
func (l *Ledger) credit(ctx context.Context, b *store.Batch, who string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	cur, staged := b.Balances[who]
	if !staged {
		var err error
		if cur, err = l.store.Balance(ctx, who); err != nil {
			return err
		}
	}
	next, ok := safe.Add(cur, amount)
	if !ok {
		return fmt.Errorf("%w: balance of %s", ErrOverflow, who)
	}
	b.SetBalance(who, next)
	return nil
}

// Withdraw pays the caller's whole balance out and returns the amount.
//
// The balance is zeroed and committed before the external transfer starts,
// so no concurrent call can spend it twice. If the transfer fails the
// amount is credited back and the error wraps ErrTransferFailed. Credits
// that arrived during the transfer are kept.
//
// If the transferer cannot tell whether the payment went through, the
// amount stays debited, a withdraw_unconfirmed event carries the payout
// reference for reconciliation, and the error wraps ErrTransferUnknown.
func (l *Ledger) Withdraw(ctx context.Context, caller string) (uint64, error) {
	if blank(caller) {
		return 0, reject("withdraw", fmt.Errorf("%w: caller is required", ErrInvalidInput))
	}

	amount, err := l.debitAll(ctx, caller)
	if err != nil {
		return 0, reject("withdraw", err)
	}

	reference := "withdraw-" + uuid.NewString()
	if terr := l.payout.Transfer(ctx, caller, amount, reference); terr != nil {
		if outcomeUnknown(terr) {
			metrics.Payouts.WithLabelValues("withdraw", "unknown").Inc()
			l.log.Error("withdrawal outcome unknown, amount held for reconciliation",
				zap.String("identity", caller),
				zap.Uint64("amount", amount),
				zap.String("reference", reference),
				zap.Error(terr),
			)
			l.bus.Publish(context.WithoutCancel(ctx), events.KindWithdrawUnconfirmed, events.WithdrawUnconfirmedEvent{
				Identity:  caller,
				Amount:    amount,
				Reference: reference,
				Error:     terr.Error(),
			})
			return 0, reject("withdraw", fmt.Errorf("%w: %s: %v", ErrTransferUnknown, reference, terr))
		}
		metrics.Payouts.WithLabelValues("withdraw", "failed").Inc()
		if err := l.restore(ctx, caller, amount); err != nil {
			l.log.Error("restoring balance after failed withdrawal",
				zap.String("identity", caller),
				zap.Uint64("amount", amount),
				zap.String("reference", reference),
				zap.Error(err),
			)
			return 0, reject("withdraw", fmt.Errorf("%w: %v; restore failed: %v", ErrTransferFailed, terr, err))
		}
		l.log.Warn("withdrawal transfer failed, balance restored",
			zap.String("identity", caller),
			zap.Uint64("amount", amount),
			zap.Error(terr),
		)
		return 0, reject("withdraw", fmt.Errorf("%w: %v", ErrTransferFailed, terr))
	}

	metrics.Payouts.WithLabelValues("withdraw", "sent").Inc()
	l.log.Info("withdrawal sent",
		zap.String("identity", caller),
		zap.Uint64("amount", amount),
		zap.String("reference", reference),
	)
	l.bus.Publish(ctx, events.KindWithdrawn, events.WithdrawnEvent{Identity: caller, Amount: amount})
	return amount, nil
}

func (l *Ledger) debitAll(ctx context.Context, who string) (uint64, error) {
	release, err := l.locks.Acquire(ctx, balanceKey(who))
	if err != nil {
		return 0, err
	}
	defer release()

	amount, err := l.store.Balance(ctx, who)
	if err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoBalance, who)
	}

	b := &store.Batch{}
	b.SetBalance(who, 0)
	if err := l.store.Apply(ctx, b); err != nil {
		return 0, fmt.Errorf("debit balance: %w", err)
	}
	return amount, nil
}

// restore runs detached from ctx: a cancelled request must not leave the
// withdrawn amount lost.
func (l *Ledger) restore(ctx context.Context, who string, amount uint64) error {
	ctx = context.WithoutCancel(ctx)
	release, err := l.locks.Acquire(ctx, balanceKey(who))
	if err != nil {
		return err
	}
	defer release()

	b := &store.Batch{}
	if err := l.credit(ctx, b, who, amount); err != nil {
		return err
	}
	return l.store.Apply(ctx, b)
}

// BalanceOf returns who's withdrawable credit.
func (l *Ledger) BalanceOf(ctx context.Context, who string) (uint64, error) {
	return l.store.Balance(ctx, who)
}
