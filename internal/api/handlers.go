// Package api exposes the ledger over HTTP: JSON handlers for listings,
// purchases, balances and platform administration, plus a WebSocket event
// stream.
//
// Caller identity comes from the X-Identity header and is trusted; the
// transport in front of this service is responsible for authenticating it.
package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/energy-ledger/internal/ledger"
	"github.com/atmx/energy-ledger/internal/model"
)

// IdentityHeader carries the authenticated caller.
const IdentityHeader = "X-Identity"

// Service holds the HTTP handlers.
type Service struct {
	ledger *ledger.Ledger
	log    *zap.Logger
}

func NewService(lg *ledger.Ledger, log *zap.Logger) *Service {
	return &Service{ledger: lg, log: log}
}

// --- Request/Response types ---

// CreateListingRequest is the JSON body for POST /listings.
type CreateListingRequest struct {
	Amount     uint64 `json:"amount"`
	UnitPrice  uint64 `json:"unit_price"`
	Location   string `json:"location"`
	SourceType string `json:"source_type"`
}

// PurchaseRequest is the JSON body for POST /listings/{id}/purchase.
type PurchaseRequest struct {
	Amount  uint64 `json:"amount"`
	Payment uint64 `json:"payment"`
}

// FeeRequest is the JSON body for PUT /platform/fee.
type FeeRequest struct {
	Rate uint64 `json:"rate"` // parts per thousand
}

// FeeResponse reports the fee both as stored and as a percentage.
type FeeResponse struct {
	Rate    uint64          `json:"rate"`
	Percent decimal.Decimal `json:"percent"`
}

type BalanceResponse struct {
	Identity string `json:"identity"`
	Balance  uint64 `json:"balance"`
}

type WithdrawResponse struct {
	Identity string `json:"identity"`
	Amount   uint64 `json:"amount"`
}

// --- Listings ---

// CreateListing handles POST /api/v1/listings
func (s *Service) CreateListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	var req CreateListingRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	id, err := s.ledger.CreateListing(ctx, caller, req.Amount, req.UnitPrice, req.Location, req.SourceType)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	listing, err := s.ledger.Listing(ctx, id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

// GetListing handles GET /api/v1/listings/{id}
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	listing, err := s.ledger.Listing(r.Context(), id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// ActiveListings handles GET /api/v1/listings/active
// Returns active listing IDs in ascending order.
func (s *Service) ActiveListings(w http.ResponseWriter, r *http.Request) {
	seq, err := s.ledger.ActiveListingIDs(r.Context())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	ids := slices.Sorted(seq)
	if ids == nil {
		ids = []uint64{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// CancelListing handles DELETE /api/v1/listings/{id}
func (s *Service) CancelListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.ledger.CancelListing(r.Context(), caller, id); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Purchase handles POST /api/v1/listings/{id}/purchase
// Returns the settlement receipt, including any refund outcome.
func (s *Service) Purchase(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}

	receipt, err := s.ledger.Purchase(r.Context(), caller, id, req.Amount, req.Payment)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// --- Trades and refunds ---

// GetTrade handles GET /api/v1/trades/{id}
func (s *Service) GetTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	trade, err := s.ledger.Trade(r.Context(), id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// GetRefund handles GET /api/v1/refunds/{tradeID}
func (s *Service) GetRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "tradeID")
	if !ok {
		return
	}
	refund, err := s.ledger.Refund(r.Context(), id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

// RetryRefund handles POST /api/v1/refunds/{tradeID}/retry
// Restricted to the platform owner.
func (s *Service) RetryRefund(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	if caller != s.ledger.Owner() {
		s.writeLedgerError(w, ledger.ErrUnauthorized)
		return
	}
	id, ok := pathID(w, r, "tradeID")
	if !ok {
		return
	}
	refund, err := s.ledger.RetryRefund(r.Context(), id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

// --- Accounts ---

// ListingsBySeller handles GET /api/v1/accounts/{id}/listings
func (s *Service) ListingsBySeller(w http.ResponseWriter, r *http.Request) {
	ids, err := s.ledger.ListingsBySeller(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(ids))
}

// TradesByParty handles GET /api/v1/accounts/{id}/trades
func (s *Service) TradesByParty(w http.ResponseWriter, r *http.Request) {
	ids, err := s.ledger.TradesByParty(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(ids))
}

// Balance handles GET /api/v1/accounts/{id}/balance
func (s *Service) Balance(w http.ResponseWriter, r *http.Request) {
	who := chi.URLParam(r, "id")
	bal, err := s.ledger.BalanceOf(r.Context(), who)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Identity: who, Balance: bal})
}

// Withdraw handles POST /api/v1/withdraw
// Pays the caller's whole balance out through the payout gateway.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	amount, err := s.ledger.Withdraw(r.Context(), caller)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawResponse{Identity: caller, Amount: amount})
}

// --- Platform ---

// Stats handles GET /api/v1/platform/stats
func (s *Service) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.PlatformStats(r.Context())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetFee handles GET /api/v1/platform/fee
func (s *Service) GetFee(w http.ResponseWriter, r *http.Request) {
	rate, err := s.ledger.FeeRate(r.Context())
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feeResponse(rate))
}

// SetFee handles PUT /api/v1/platform/fee
func (s *Service) SetFee(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	var req FeeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ledger.SetFeeRate(r.Context(), caller, req.Rate); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feeResponse(req.Rate))
}

func feeResponse(rate uint64) FeeResponse {
	// Rates are capped at model.MaxFeeRate, so the int64 conversion is exact.
	pct := decimal.NewFromInt(int64(rate)).Div(decimal.NewFromInt(int64(model.FeeDenominator / 100)))
	return FeeResponse{Rate: rate, Percent: pct}
}

// --- helpers ---

func identity(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(IdentityHeader))
	if id == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", IdentityHeader+" header is required")
		return "", false
	}
	return id, true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, param), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", param+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return false
	}
	return true
}

func nonNil(ids []uint64) []uint64 {
	if ids == nil {
		return []uint64{}
	}
	return ids
}

// statusFor maps a ledger error kind to an HTTP status.
func statusFor(kind string) int {
	switch kind {
	case "invalid_input", "invalid_amount":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "inactive", "already_inactive", "insufficient_supply", "refund_settled":
		return http.StatusConflict
	case "self_trade", "insufficient_payment", "no_balance", "fee_too_high", "overflow":
		return http.StatusUnprocessableEntity
	case "transfer_failed", "transfer_unknown":
		return http.StatusBadGateway
	case "timeout":
		return http.StatusGatewayTimeout
	case "canceled":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) writeLedgerError(w http.ResponseWriter, err error) {
	kind := ledger.Kind(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	writeError(w, status, kind, msg)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
