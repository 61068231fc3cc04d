package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"skinmarket/catalog"
	"skinmarket/deposits"
	"skinmarket/identity"
	"skinmarket/ledger"
	"skinmarket/listings"
	"skinmarket/orders"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorMapping struct {
	status  int
	code    string
	message string
}

// Every business-rule sentinel maps to a specific, actionable message.
// Anything outside this table is an infrastructure failure and surfaces as a
// generic retry message without internal detail.
var errorMappings = []struct {
	err     error
	mapping errorMapping
}{
	{ledger.ErrInvalidAmount, errorMapping{http.StatusBadRequest, "invalid_amount", "Amount must be greater than zero."}},
	{ledger.ErrInsufficientFunds, errorMapping{http.StatusConflict, "insufficient_funds", "Your balance does not cover this amount. Deposit more funds and retry."}},
	{ledger.ErrAccountNotFound, errorMapping{http.StatusNotFound, "not_found", "Account not found."}},

	{deposits.ErrInvalidInput, errorMapping{http.StatusBadRequest, "invalid_input", "Deposit amount must be positive and the transaction hash is required."}},
	{deposits.ErrDuplicateTransaction, errorMapping{http.StatusConflict, "duplicate_transaction", "This transaction has already been credited."}},
	{deposits.ErrAccountNotFound, errorMapping{http.StatusNotFound, "not_found", "Account not found."}},

	{listings.ErrInvalidPrice, errorMapping{http.StatusBadRequest, "invalid_price", "Price must be greater than zero."}},
	{listings.ErrInvalidInput, errorMapping{http.StatusBadRequest, "invalid_input", "Asset reference and market name are required."}},
	{listings.ErrDuplicateActiveListing, errorMapping{http.StatusConflict, "duplicate_listing", "This item is already listed for sale."}},
	{listings.ErrUnavailable, errorMapping{http.StatusConflict, "listing_unavailable", "This listing was just purchased by someone else."}},
	{listings.ErrInvalidState, errorMapping{http.StatusConflict, "invalid_state", "This listing can no longer be changed."}},
	{listings.ErrNotFound, errorMapping{http.StatusNotFound, "not_found", "Listing not found."}},

	{orders.ErrSelfPurchase, errorMapping{http.StatusBadRequest, "self_purchase", "You cannot purchase your own listing."}},
	{orders.ErrInvalidInput, errorMapping{http.StatusBadRequest, "invalid_input", "A delivery reference is required."}},
	{orders.ErrForbidden, errorMapping{http.StatusForbidden, "forbidden", "You are not the authorized party for this action."}},
	{orders.ErrInvalidState, errorMapping{http.StatusConflict, "invalid_state", "This action does not apply to the order's current status."}},
	{orders.ErrHoldNotExpired, errorMapping{http.StatusConflict, "hold_active", "The escrow hold has not expired yet."}},
	{orders.ErrNoResolver, errorMapping{http.StatusNotImplemented, "no_resolver", "Dispute resolution is not configured."}},
	{orders.ErrNotFound, errorMapping{http.StatusNotFound, "not_found", "Order not found."}},

	{identity.ErrAccountNotFound, errorMapping{http.StatusNotFound, "not_found", "Account not found."}},
	{identity.ErrInvalidSubject, errorMapping{http.StatusUnauthorized, "unauthorized", "Missing identity."}},

	{catalog.ErrPrivateInventory, errorMapping{http.StatusConflict, "inventory_private", "Your inventory is private. Make it public and retry."}},
	{catalog.ErrUpstreamBusy, errorMapping{http.StatusServiceUnavailable, "inventory_busy", "The inventory service is busy. Try again shortly."}},
	{catalog.ErrInvalidIdentity, errorMapping{http.StatusUnauthorized, "unauthorized", "Missing identity."}},
}

func (s *Server) writeError(w http.ResponseWriter, operation string, err error) {
	for _, entry := range errorMappings {
		if errors.Is(err, entry.err) {
			s.metrics.RecordFailure(operation, entry.mapping.code)
			writeJSON(w, entry.mapping.status, errorResponse{Error: errorBody{
				Code:    entry.mapping.code,
				Message: entry.mapping.message,
			}})
			return
		}
	}
	s.logger.Error("operation failed", "operation", operation, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{
		Code:    "internal",
		Message: "Something went wrong on our side. Please try again.",
	}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
