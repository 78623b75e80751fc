package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/orderflow/internal/domain/order"
)

type setStatusRequest struct {
	Status      string `json:"status"`
	TrackingRef string `json:"tracking_ref,omitempty"`
	Actor       string `json:"actor,omitempty"`
}

// AdminSetStatus handles POST /admin/orders/{id}/status. The same
// transition rules apply as for system-driven events; an out-of-order
// request is a 409.
func (h *Handler) AdminSetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	to, ok := order.ParseStatus(req.Status)
	if !ok {
		respondError(w, http.StatusUnprocessableEntity, "unknown status "+req.Status)
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = adminKeyName(r.Context())
	}

	var (
		o   *order.Order
		err error
	)
	if to == order.StatusCancelled {
		o, err = h.machine.Cancel(r.Context(), r.PathValue("id"), "admin cancellation", actor)
	} else {
		o, err = h.machine.Apply(r.Context(), r.PathValue("id"), order.EvAdminAdvance{
			To:          to,
			TrackingRef: req.TrackingRef,
			Actor:       actor,
		})
	}
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOrder(o))
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason,omitempty"`
}

type refundResponse struct {
	ID        string          `json:"id"`
	AttemptID string          `json:"attempt_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// AdminRefund handles POST /admin/payments/{id}/refund. Full or
// partial; the amount may never exceed the attempt's remaining balance.
func (h *Handler) AdminRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Amount.IsPositive() {
		respondError(w, http.StatusUnprocessableEntity, "amount must be positive")
		return
	}

	rf, err := h.payments.Refund(r.Context(), r.PathValue("id"), req.Amount, req.Reason)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, refundResponse{
		ID:        rf.ID,
		AttemptID: rf.AttemptID,
		Amount:    rf.Amount,
		Status:    string(rf.Status),
		CreatedAt: rf.CreatedAt,
	})
}

type auditEntryView struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	Kind       string    `json:"kind"`
	Actor      string    `json:"actor,omitempty"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// AdminAuditLog handles GET /admin/orders/{id}/audit.
func (h *Handler) AdminAuditLog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.ListByOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	views := make([]auditEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, auditEntryView{
			ID:         e.ID,
			OrderID:    e.OrderID,
			Kind:       string(e.Kind),
			Actor:      e.Actor,
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			Detail:     e.Detail,
			At:         e.At,
		})
	}
	respondJSON(w, http.StatusOK, views)
}
