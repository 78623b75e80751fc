// Package checkout implements the checkout coordinator: the entry point
// that turns a cart into a PENDING order with held stock and an
// in-flight payment. The five steps are not one transaction; each
// failure branch compensates explicitly by releasing whatever holds the
// attempt already acquired.
package checkout

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/orderflow/internal/domain/order"
	"github.com/xenking/orderflow/internal/domain/payment"
	"github.com/xenking/orderflow/internal/domain/pricing"
	"github.com/xenking/orderflow/internal/ledger"
)

// ErrEmptyCart is returned for a checkout with no line items.
var ErrEmptyCart = errors.New("cart is empty")

// CartItem is one requested line from the storefront cart snapshot.
// Only SKU and quantity are trusted; prices are re-read from the catalog
// at checkout time because the snapshot may be stale.
type CartItem struct {
	SKU      string
	Quantity int
}

// Request is a full checkout submission.
type Request struct {
	Principal       string
	Items           []CartItem
	ShippingMethod  pricing.ShippingMethod
	PaymentMethod   string
	DiscountCodes   []string
	ShippingAddress order.Address
	BillingAddress  order.Address
	IdempotencyKey  string
}

// Result is the checkout outcome. RequiresRedirect is set for
// redirect-based payment methods; the order stays PENDING until the
// provider webhook arrives.
type Result struct {
	OrderID          string
	Status           order.Status
	PaymentState     order.PaymentState
	Total            decimal.Decimal
	PaymentRef       string
	RequiresRedirect bool
	RedirectURL      string
}

// Reserver is the slice of the reservation ledger checkout needs.
type Reserver interface {
	Reserve(ctx context.Context, sku string, quantity int, ttl time.Duration) (string, error)
	Release(ctx context.Context, reservationID string) error
}

// Authorizer is the slice of the payment orchestrator checkout needs.
type Authorizer interface {
	Supports(method string) bool
	Authorize(ctx context.Context, orderID, method string, amount decimal.Decimal, idempotencyKey string) (*payment.Attempt, error)
	Capture(ctx context.Context, attemptID string) (*payment.Attempt, error)
}

// Coordinator wires validation, reservation, pricing, order creation,
// and payment hand-off into one sequence.
type Coordinator struct {
	pricing  *pricing.Calculator
	reserver Reserver
	machine  *order.Machine
	payments Authorizer
	ttl      time.Duration
	lg       *zap.Logger
}

// NewCoordinator creates a Coordinator. A non-positive ttl falls back to
// the ledger default.
func NewCoordinator(calc *pricing.Calculator, reserver Reserver, machine *order.Machine, payments Authorizer, ttl time.Duration, lg *zap.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = ledger.DefaultTTL
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Coordinator{
		pricing:  calc,
		reserver: reserver,
		machine:  machine,
		payments: payments,
		ttl:      ttl,
		lg:       lg,
	}
}

// Checkout runs the full sequence. Reservations are acquired in
// SKU-lexical order so two checkouts sharing part of a cart can never
// deadlock on each other's holds, and released all-or-nothing when any
// step before payment fails.
func (c *Coordinator) Checkout(ctx context.Context, req Request) (*Result, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyCart
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, &order.InvalidQuantityError{SKU: item.SKU}
		}
	}
	// Reject an unknown payment method before any stock is held; a
	// failed authorize this late would strand the holds until TTL.
	if !c.payments.Supports(req.PaymentMethod) {
		return nil, errors.Wrapf(payment.ErrUnknownGateway, "method %s", req.PaymentMethod)
	}

	// Step 1: hold stock, lexical SKU order, all-or-nothing.
	sorted := make([]CartItem, len(req.Items))
	copy(sorted, req.Items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SKU < sorted[j].SKU })

	reservationIDs := make([]string, 0, len(sorted))
	for _, item := range sorted {
		rid, err := c.reserver.Reserve(ctx, item.SKU, item.Quantity, c.ttl)
		if err != nil {
			c.releaseAll(ctx, reservationIDs)
			return nil, err
		}
		reservationIDs = append(reservationIDs, rid)
	}

	// Step 2: freeze prices against the catalog as of now.
	cartLines := make([]pricing.CartItem, len(req.Items))
	for i, item := range req.Items {
		cartLines[i] = pricing.CartItem{SKU: item.SKU, Quantity: item.Quantity}
	}
	quote, err := c.pricing.Quote(ctx, cartLines, req.ShippingMethod, req.DiscountCodes)
	if err != nil {
		c.releaseAll(ctx, reservationIDs)
		return nil, err
	}

	// Step 3: create the PENDING order owning the holds.
	o, err := c.machine.Create(ctx, order.CreateParams{
		Principal:       req.Principal,
		Quote:           quote,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		PaymentMethod:   req.PaymentMethod,
		ReservationIDs:  reservationIDs,
	})
	if err != nil {
		c.releaseAll(ctx, reservationIDs)
		return nil, err
	}

	// Step 4: hand off to the payment orchestrator. From here on,
	// compensation belongs to the machine's payment-failed handling.
	attempt, err := c.payments.Authorize(ctx, o.ID, req.PaymentMethod, o.Total, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	if attempt.Status == payment.AttemptPending && attempt.RedirectURL != "" {
		return &Result{
			OrderID:          o.ID,
			Status:           order.StatusPending,
			PaymentState:     order.PaymentUnpaid,
			Total:            o.Total,
			PaymentRef:       attempt.CorrelationID,
			RequiresRedirect: true,
			RedirectURL:      attempt.RedirectURL,
		}, nil
	}

	// Step 5: synchronous success captures immediately; there is no
	// separate customer action for card payments.
	if attempt.Status == payment.AttemptAuthorized {
		if attempt, err = c.payments.Capture(ctx, attempt.ID); err != nil {
			return nil, err
		}
	}

	final, err := c.machine.Get(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	return &Result{
		OrderID:      final.ID,
		Status:       final.Status,
		PaymentState: final.PaymentState,
		Total:        final.Total,
		PaymentRef:   final.GatewayRef,
	}, nil
}

func (c *Coordinator) releaseAll(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := c.reserver.Release(ctx, id); err != nil {
			c.lg.Warn("compensating release failed",
				zap.String("reservation_id", id),
				zap.Error(err),
			)
		}
	}
}
