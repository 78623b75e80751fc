package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/orderflow/internal/domain/checkout"
	"github.com/xenking/orderflow/internal/domain/order"
	"github.com/xenking/orderflow/internal/domain/payment"
	"github.com/xenking/orderflow/internal/domain/pricing"
	"github.com/xenking/orderflow/internal/ledger"
)

// errorResponse is the wire shape for all error replies.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Code: status, Message: message})
}

// respondDomainError maps domain errors onto HTTP statuses. Validation
// failures carry the specific reason; payment declines deliberately do
// not expose the provider response.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		stockErr      *ledger.InsufficientStockError
		transitionErr *order.InvalidTransitionError
		qtyErr        *order.InvalidQuantityError
		totalsErr     *order.TotalsMismatchError
		skuErr        *pricing.UnknownSKUError
		balanceErr    *payment.RefundExceedsBalanceError
		stateErr      *payment.StateError
		gatewayErr    *payment.GatewayError
	)
	switch {
	case errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, order.ErrEmptyItems),
		errors.Is(err, pricing.ErrInvalidCode),
		errors.Is(err, ledger.ErrUnknownSKU),
		errors.Is(err, payment.ErrUnknownGateway),
		errors.As(err, &qtyErr),
		errors.As(err, &totalsErr),
		errors.As(err, &skuErr):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &stockErr):
		respondError(w, http.StatusConflict, stockErr.Error())
	case errors.As(err, &transitionErr):
		respondError(w, http.StatusConflict, transitionErr.Error())
	case errors.As(err, &stateErr), errors.As(err, &balanceErr):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, order.ErrNotFound), errors.Is(err, payment.ErrAttemptNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &gatewayErr):
		respondError(w, http.StatusBadGateway, "payment provider declined or unavailable")
	default:
		zctx.From(r.Context()).Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
