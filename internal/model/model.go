// Package model defines the core domain types shared across the energy ledger.
// All quantities and monetary values are unsigned integers in the smallest
// unit; there is no floating point anywhere in settlement. Aggregate totals
// in PlatformStats are exact decimals.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxFeeRate is the highest platform fee rate, in parts per thousand (10%).
const MaxFeeRate uint64 = 100

// FeeDenominator is the divisor applied to FeeRate when computing a fee.
const FeeDenominator uint64 = 1000

// Listing is an offer to sell a quantity of energy at a fixed unit price.
// Once Active is false it never becomes true again. Listings are retained
// for audit after they sell out or are cancelled.
type Listing struct {
	ID              uint64    `json:"id"`
	Seller          string    `json:"seller"`
	RemainingAmount uint64    `json:"remaining_amount"`
	UnitPrice       uint64    `json:"unit_price"`
	CreatedAt       time.Time `json:"created_at"`
	Active          bool      `json:"active"`
	Location        string    `json:"location"`
	SourceType      string    `json:"source_type"` // e.g. "solar", "wind"
}

// Trade is an immutable record of one completed purchase against a listing.
// Price and fee are captured at settlement time and never recomputed.
type Trade struct {
	ID          uint64    `json:"id"`
	ListingID   uint64    `json:"listing_id"`
	Buyer       string    `json:"buyer"`
	Seller      string    `json:"seller"`
	Amount      uint64    `json:"amount"`
	UnitPrice   uint64    `json:"unit_price"`
	TotalPrice  uint64    `json:"total_price"`
	PlatformFee uint64    `json:"platform_fee"`
	Timestamp   time.Time `json:"timestamp"`
	Completed   bool      `json:"completed"`
}

// RefundStatus tracks the external payment of a purchase's excess payment.
type RefundStatus string

const (
	RefundPending RefundStatus = "pending"
	RefundSent    RefundStatus = "sent"
	RefundFailed  RefundStatus = "failed"
)

// Refund records the excess of a payment over a trade's total price.
// It is paid out externally and is never credited to a ledger balance.
type Refund struct {
	TradeID   uint64       `json:"trade_id"`
	Buyer     string       `json:"buyer"`
	Amount    uint64       `json:"amount"`
	Status    RefundStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Platform holds the fee configuration and the identity that owns it.
type Platform struct {
	Owner   string `json:"owner"`
	FeeRate uint64 `json:"fee_rate"` // parts per thousand
}

// PlatformStats is computed from current ledger state on every call.
type PlatformStats struct {
	TotalListings  uint64          `json:"total_listings"`
	TotalTrades    uint64          `json:"total_trades"`
	ActiveListings uint64          `json:"active_listings"`
	TotalVolume    decimal.Decimal `json:"total_volume"` // sum of trade total prices
	TotalFees      decimal.Decimal `json:"total_fees"`
}
