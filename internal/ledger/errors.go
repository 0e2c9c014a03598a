package ledger

import (
	"context"
	"errors"
)

// Every failed operation returns one of these, possibly wrapped with
// detail. Use errors.Is to distinguish them.
var (
	ErrInvalidInput        = errors.New("ledger: invalid input")
	ErrNotFound            = errors.New("ledger: not found")
	ErrUnauthorized        = errors.New("ledger: unauthorized")
	ErrInactive            = errors.New("ledger: listing inactive")
	ErrAlreadyInactive     = errors.New("ledger: listing already inactive")
	ErrSelfTrade           = errors.New("ledger: seller cannot buy own listing")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrInsufficientSupply  = errors.New("ledger: insufficient supply")
	ErrInsufficientPayment = errors.New("ledger: insufficient payment")
	ErrNoBalance           = errors.New("ledger: no balance")
	ErrTransferFailed      = errors.New("ledger: transfer failed")
	ErrTransferUnknown     = errors.New("ledger: transfer outcome unknown")
	ErrFeeTooHigh          = errors.New("ledger: fee rate too high")
	ErrOverflow            = errors.New("ledger: arithmetic overflow")
	ErrRefundSettled       = errors.New("ledger: refund already sent")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidInput, "invalid_input"},
	{ErrNotFound, "not_found"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInactive, "inactive"},
	{ErrAlreadyInactive, "already_inactive"},
	{ErrSelfTrade, "self_trade"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInsufficientSupply, "insufficient_supply"},
	{ErrInsufficientPayment, "insufficient_payment"},
	{ErrNoBalance, "no_balance"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrTransferUnknown, "transfer_unknown"},
	{ErrFeeTooHigh, "fee_too_high"},
	{ErrOverflow, "overflow"},
	{ErrRefundSettled, "refund_settled"},
	{context.Canceled, "canceled"},
	{context.DeadlineExceeded, "timeout"},
}

// Kind returns a stable snake_case name for err's ledger error, or
// "internal" if it is none of them.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
