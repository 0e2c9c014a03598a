package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/energy-ledger/internal/events"
	"github.com/atmx/energy-ledger/internal/metrics"
	"github.com/atmx/energy-ledger/internal/model"
	"github.com/atmx/energy-ledger/internal/safe"
	"github.com/atmx/energy-ledger/internal/store"
)

// Receipt describes a settled purchase.
type Receipt struct {
	Trade        model.Trade   `json:"trade"`
	SellerCredit uint64        `json:"seller_credit"`
	Refund       *model.Refund `json:"refund,omitempty"` // nil when payment equalled the price
}

// Purchase buys amount units from a listing, paying payment. The trade,
// listing update, balance credits and any refund record are committed
// together. Excess payment is then returned to the buyer through the
// payout transferer; if that fails the trade still stands and the receipt's
// refund is marked failed for RetryRefund.
func (l *Ledger) Purchase(ctx context.Context, buyer string, listingID, amount, payment uint64) (*Receipt, error) {
	start := time.Now()
	receipt, err := l.settle(ctx, buyer, listingID, amount, payment)
	if err != nil {
		return nil, reject("purchase", err)
	}
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())

	if receipt.Refund != nil {
		r, _ := l.payRefund(ctx, receipt.Refund.TradeID)
		if r != nil {
			receipt.Refund = r
		}
	}
	return receipt, nil
}

func (l *Ledger) settle(ctx context.Context, buyer string, listingID, amount, payment uint64) (*Receipt, error) {
	if blank(buyer) {
		return nil, fmt.Errorf("%w: buyer is required", ErrInvalidInput)
	}

	// The seller never changes, so it is safe to read it before locking in
	// order to know which balance to lock.
	pre, err := l.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, notFound(err, "listing", listingID)
	}

	release, err := l.locks.Acquire(ctx,
		listingKey(listingID), keyTradeSeq, balanceKey(pre.Seller), balanceKey(l.owner))
	if err != nil {
		return nil, err
	}
	defer release()

	listing, err := l.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, notFound(err, "listing", listingID)
	}

	switch {
	case !listing.Active:
		return nil, fmt.Errorf("%w: listing %d", ErrInactive, listingID)
	case buyer == listing.Seller:
		return nil, fmt.Errorf("%w: listing %d", ErrSelfTrade, listingID)
	case amount == 0:
		return nil, ErrInvalidAmount
	case amount > listing.RemainingAmount:
		return nil, fmt.Errorf("%w: requested %d, remaining %d", ErrInsufficientSupply, amount, listing.RemainingAmount)
	}
	total, ok := safe.Mul(amount, listing.UnitPrice)
	if !ok {
		return nil, fmt.Errorf("%w: %d x %d", ErrOverflow, amount, listing.UnitPrice)
	}
	if payment < total {
		return nil, fmt.Errorf("%w: price %d, paid %d", ErrInsufficientPayment, total, payment)
	}

	platform, err := l.store.Platform(ctx)
	if err != nil {
		return nil, fmt.Errorf("load platform: %w", err)
	}
	fee, ok := safe.MulDiv(total, platform.FeeRate, model.FeeDenominator)
	if !ok {
		return nil, fmt.Errorf("%w: fee on %d", ErrOverflow, total)
	}
	sellerCredit := total - fee

	b := &store.Batch{}
	if err := l.credit(ctx, b, listing.Seller, sellerCredit); err != nil {
		return nil, err
	}
	if err := l.credit(ctx, b, l.owner, fee); err != nil {
		return nil, err
	}

	_, trades, err := l.store.Counters(ctx)
	if err != nil {
		return nil, err
	}
	now := l.now().UTC()
	trade := model.Trade{
		ID:          trades + 1,
		ListingID:   listingID,
		Buyer:       buyer,
		Seller:      listing.Seller,
		Amount:      amount,
		UnitPrice:   listing.UnitPrice,
		TotalPrice:  total,
		PlatformFee: fee,
		Timestamp:   now,
		Completed:   true,
	}
	remaining := listing.RemainingAmount - amount
	b.ListingUpdates = []store.ListingUpdate{{ID: listingID, RemainingAmount: remaining, Active: remaining > 0}}
	b.NewTrades = []model.Trade{trade}

	receipt := &Receipt{Trade: trade, SellerCredit: sellerCredit}
	if payment > total {
		refund := model.Refund{
			TradeID:   trade.ID,
			Buyer:     buyer,
			Amount:    payment - total,
			Status:    model.RefundPending,
			UpdatedAt: now,
		}
		b.Refunds = []model.Refund{refund}
		receipt.Refund = &refund
	}

	if err := l.store.Apply(ctx, b); err != nil {
		return nil, fmt.Errorf("settle trade: %w", err)
	}

	metrics.TradesTotal.Inc()
	metrics.SettledValue.WithLabelValues("seller").Add(float64(sellerCredit))
	metrics.SettledValue.WithLabelValues("platform").Add(float64(fee))
	if remaining == 0 {
		metrics.ActiveListings.Dec()
	}
	l.log.Info("trade settled",
		zap.Uint64("trade_id", trade.ID),
		zap.Uint64("listing_id", listingID),
		zap.String("buyer", buyer),
		zap.String("seller", listing.Seller),
		zap.Uint64("amount", amount),
		zap.Uint64("total", total),
		zap.Uint64("fee", fee),
		zap.Uint64("remaining", remaining),
	)
	l.bus.Publish(ctx, events.KindTraded, events.TradedEvent{
		TradeID:    trade.ID,
		ListingID:  listingID,
		Buyer:      buyer,
		Seller:     listing.Seller,
		Amount:     amount,
		TotalPrice: total,
	})
	return receipt, nil
}

// RetryRefund attempts again to pay a refund that is pending or failed.
// It returns the updated record; if the transfer fails again the error
// wraps ErrTransferFailed.
func (l *Ledger) RetryRefund(ctx context.Context, tradeID uint64) (*model.Refund, error) {
	r, err := l.payRefund(ctx, tradeID)
	if err != nil {
		return r, reject("retry_refund", err)
	}
	return r, nil
}

// payRefund transfers a refund and records the outcome. The record is
// written even if ctx has been cancelled, so a transfer that was attempted
// is never left marked pending.
func (l *Ledger) payRefund(ctx context.Context, tradeID uint64) (*model.Refund, error) {
	release, err := l.locks.Acquire(ctx, refundKey(tradeID))
	if err != nil {
		return nil, err
	}
	defer release()

	r, err := l.store.GetRefund(ctx, tradeID)
	if err != nil {
		return nil, notFound(err, "refund for trade", tradeID)
	}
	if r.Status == model.RefundSent {
		return r, fmt.Errorf("%w: trade %d", ErrRefundSettled, tradeID)
	}

	terr := l.payout.Transfer(ctx, r.Buyer, r.Amount, fmt.Sprintf("refund-%d", tradeID))
	r.Attempts++
	r.UpdatedAt = l.now().UTC()
	if terr == nil {
		r.Status = model.RefundSent
		r.LastError = ""
	} else {
		r.Status = model.RefundFailed
		r.LastError = terr.Error()
	}

	if err := l.store.Apply(context.WithoutCancel(ctx), &store.Batch{Refunds: []model.Refund{*r}}); err != nil {
		l.log.Error("recording refund outcome failed",
			zap.Uint64("trade_id", tradeID),
			zap.String("status", string(r.Status)),
			zap.Error(err),
		)
		return r, fmt.Errorf("record refund: %w", errors.Join(err, terr))
	}

	if terr != nil {
		metrics.Payouts.WithLabelValues("refund", "failed").Inc()
		l.log.Warn("refund transfer failed",
			zap.Uint64("trade_id", tradeID),
			zap.String("buyer", r.Buyer),
			zap.Uint64("amount", r.Amount),
			zap.Int("attempts", r.Attempts),
			zap.Error(terr),
		)
		l.bus.Publish(ctx, events.KindRefundFailed, events.RefundFailedEvent{
			TradeID: tradeID,
			Buyer:   r.Buyer,
			Amount:  r.Amount,
			Error:   terr.Error(),
		})
		return r, fmt.Errorf("%w: %v", ErrTransferFailed, terr)
	}

	metrics.Payouts.WithLabelValues("refund", "sent").Inc()
	l.log.Info("refund sent",
		zap.Uint64("trade_id", tradeID),
		zap.String("buyer", r.Buyer),
		zap.Uint64("amount", r.Amount),
	)
	return r, nil
}
