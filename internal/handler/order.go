package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/orderflow/internal/domain/order"
	"github.com/xenking/orderflow/internal/domain/pricing"
)

type transitionView struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Event string    `json:"event"`
	Actor string    `json:"actor,omitempty"`
	At    time.Time `json:"at"`
}

type orderView struct {
	ID              string             `json:"id"`
	Status          string             `json:"status"`
	PaymentState    string             `json:"payment_state"`
	Items           []pricing.LineItem `json:"items"`
	Subtotal        decimal.Decimal    `json:"subtotal"`
	Tax             decimal.Decimal    `json:"tax"`
	Shipping        decimal.Decimal    `json:"shipping"`
	Discount        decimal.Decimal    `json:"discount"`
	Total           decimal.Decimal    `json:"total"`
	ShippingAddress order.Address      `json:"shipping_address"`
	BillingAddress  order.Address      `json:"billing_address"`
	PaymentMethod   string             `json:"payment_method"`
	GatewayRef      string             `json:"gateway_ref,omitempty"`
	TrackingRef     string             `json:"tracking_ref,omitempty"`
	History         []transitionView   `json:"history"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func viewOrder(o *order.Order) orderView {
	history := make([]transitionView, 0, len(o.History))
	for _, t := range o.History {
		history = append(history, transitionView{
			From:  string(t.From),
			To:    string(t.To),
			Event: t.Event,
			Actor: t.Actor,
			At:    t.At,
		})
	}
	return orderView{
		ID:              o.ID,
		Status:          string(o.Status),
		PaymentState:    string(o.PaymentState),
		Items:           o.Items,
		Subtotal:        o.Subtotal,
		Tax:             o.Tax,
		Shipping:        o.Shipping,
		Discount:        o.Discount,
		Total:           o.Total,
		ShippingAddress: o.ShippingAddress,
		BillingAddress:  o.BillingAddress,
		PaymentMethod:   o.PaymentMethod,
		GatewayRef:      o.GatewayRef,
		TrackingRef:     o.TrackingRef,
		History:         history,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

// GetOrder handles GET /orders/{id}. Orders belonging to another
// principal read as 404 rather than 403 so ids cannot be probed.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p == "" {
		respondError(w, http.StatusUnauthorized, "missing "+PrincipalHeader+" header")
		return
	}
	o, err := h.machine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if o.Principal != p {
		respondError(w, http.StatusNotFound, order.ErrNotFound.Error())
		return
	}
	respondJSON(w, http.StatusOK, viewOrder(o))
}

// ListOrders handles GET /orders, newest first.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p == "" {
		respondError(w, http.StatusUnauthorized, "missing "+PrincipalHeader+" header")
		return
	}
	orders, err := h.machine.ListByPrincipal(r.Context(), p)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	views := make([]orderView, 0, len(orders))
	for i := range orders {
		views = append(views, viewOrder(&orders[i]))
	}
	respondJSON(w, http.StatusOK, views)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelOrder handles POST /orders/{id}/cancel.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p == "" {
		respondError(w, http.StatusUnauthorized, "missing "+PrincipalHeader+" header")
		return
	}
	id := r.PathValue("id")

	o, err := h.machine.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if o.Principal != p {
		respondError(w, http.StatusNotFound, order.ErrNotFound.Error())
		return
	}

	var req cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	o, err = h.machine.Cancel(r.Context(), id, req.Reason, p)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOrder(o))
}
