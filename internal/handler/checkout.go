package handler

import (
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/xenking/orderflow/internal/domain/checkout"
	"github.com/xenking/orderflow/internal/domain/order"
	"github.com/xenking/orderflow/internal/domain/pricing"
)

type checkoutItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type checkoutRequest struct {
	Items           []checkoutItem `json:"items"`
	ShippingMethod  string         `json:"shipping_method"`
	PaymentMethod   string         `json:"payment_method"`
	DiscountCodes   []string       `json:"discount_codes,omitempty"`
	ShippingAddress order.Address  `json:"shipping_address"`
	BillingAddress  order.Address  `json:"billing_address"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
}

type checkoutResponse struct {
	OrderID          string          `json:"order_id"`
	Status           string          `json:"status"`
	PaymentState     string          `json:"payment_state"`
	Total            decimal.Decimal `json:"total"`
	PaymentRef       string          `json:"payment_ref,omitempty"`
	RequiresRedirect bool            `json:"requires_redirect,omitempty"`
	RedirectURL      string          `json:"redirect_url,omitempty"`
}

// Checkout handles POST /checkout. A successful submission responds 202:
// the order exists and payment is in flight, but redirect-based methods
// settle only when the provider webhook lands.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p == "" {
		respondError(w, http.StatusUnauthorized, "missing "+PrincipalHeader+" header")
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	method := pricing.ShippingMethod(req.ShippingMethod)
	switch method {
	case pricing.ShippingStandard, pricing.ShippingExpress, pricing.ShippingPickup:
	case "":
		method = pricing.ShippingStandard
	default:
		respondError(w, http.StatusUnprocessableEntity, "unknown shipping method "+req.ShippingMethod)
		return
	}

	items := make([]checkout.CartItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, checkout.CartItem{SKU: it.SKU, Quantity: it.Quantity})
	}

	res, err := h.checkout.Checkout(r.Context(), checkout.Request{
		Principal:       p,
		Items:           items,
		ShippingMethod:  method,
		PaymentMethod:   req.PaymentMethod,
		DiscountCodes:   req.DiscountCodes,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusAccepted, checkoutResponse{
		OrderID:          res.OrderID,
		Status:           string(res.Status),
		PaymentState:     string(res.PaymentState),
		Total:            res.Total,
		PaymentRef:       res.PaymentRef,
		RequiresRedirect: res.RequiresRedirect,
		RedirectURL:      res.RedirectURL,
	})
}
