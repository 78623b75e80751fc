// Package handler exposes the HTTP surface: storefront checkout and
// order endpoints, admin overrides, and per-provider webhook receivers.
package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/xenking/orderflow/internal/audit"
	"github.com/xenking/orderflow/internal/domain/auth"
	"github.com/xenking/orderflow/internal/domain/checkout"
	"github.com/xenking/orderflow/internal/domain/order"
	"github.com/xenking/orderflow/internal/domain/payment"
)

// PrincipalHeader carries the opaque storefront caller identity.
// Authentication of that identity happens upstream of this service.
const PrincipalHeader = "X-Principal"

// Handler serves the public API.
type Handler struct {
	checkout *checkout.Coordinator
	machine  *order.Machine
	payments *payment.Orchestrator
	audit    *audit.Log
	keys     auth.Repository
	pepper   []byte
	lg       *zap.Logger
}

// New creates a Handler. pepper is the HMAC key under which stored API
// key hashes were computed.
func New(co *checkout.Coordinator, m *order.Machine, p *payment.Orchestrator, al *audit.Log, keys auth.Repository, pepper []byte, lg *zap.Logger) *Handler {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Handler{
		checkout: co,
		machine:  m,
		payments: p,
		audit:    al,
		keys:     keys,
		pepper:   pepper,
		lg:       lg,
	}
}

// Routes registers all endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /checkout", h.Checkout)
	mux.HandleFunc("GET /orders", h.ListOrders)
	mux.HandleFunc("GET /orders/{id}", h.GetOrder)
	mux.HandleFunc("POST /orders/{id}/cancel", h.CancelOrder)

	mux.Handle("POST /admin/orders/{id}/status", h.AdminAuth(http.HandlerFunc(h.AdminSetStatus)))
	mux.Handle("POST /admin/payments/{id}/refund", h.AdminAuth(http.HandlerFunc(h.AdminRefund)))
	mux.Handle("GET /admin/orders/{id}/audit", h.AdminAuth(http.HandlerFunc(h.AdminAuditLog)))

	mux.HandleFunc("POST /webhooks/{provider}", h.Webhook)
}

// principal extracts the storefront caller identity, or "" when absent.
func principal(r *http.Request) string {
	return r.Header.Get(PrincipalHeader)
}
