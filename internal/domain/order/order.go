package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/orderflow/internal/domain/pricing"
)

// Status is the order lifecycle state. The main chain is
// PENDING → CONFIRMED → PROCESSING → SHIPPED → DELIVERED; CANCELLED is
// reachable from any pre-SHIPPED state and REFUNDED from CONFIRMED or
// later. DELIVERED, CANCELLED, and REFUNDED are terminal.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
	StatusRefunded   Status = "REFUNDED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusRefunded
}

// ParseStatus validates a status string from an external caller.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusShipped,
		StatusDelivered, StatusCancelled, StatusRefunded:
		return st, true
	}
	return "", false
}

// PaymentState is the payment axis of an order, independent of Status.
// A failed payment leaves the order PENDING with PaymentState FAILED.
type PaymentState string

const (
	PaymentUnpaid     PaymentState = "UNPAID"
	PaymentAuthorized PaymentState = "AUTHORIZED"
	PaymentCaptured   PaymentState = "CAPTURED"
	PaymentFailed     PaymentState = "FAILED"
	PaymentRefunded   PaymentState = "REFUNDED"
)

// Address is a frozen address snapshot taken at checkout.
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Transition records one applied state change for the order history.
type Transition struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	Event string    `json:"event"`
	Actor string    `json:"actor,omitempty"`
	At    time.Time `json:"at"`
}

// Order is the aggregate owned by the state machine. Line items and
// totals are frozen at creation; Status and PaymentState move only
// through Machine transitions. Orders are never deleted; cancellation
// is a terminal state, not a delete.
type Order struct {
	ID              string
	Principal       string
	Status          Status
	PaymentState    PaymentState
	Items           []pricing.LineItem
	Subtotal        decimal.Decimal
	Tax             decimal.Decimal
	Shipping        decimal.Decimal
	Discount        decimal.Decimal
	Total           decimal.Decimal
	ShippingAddress Address
	BillingAddress  Address
	PaymentMethod   string
	GatewayRef      string
	TrackingRef     string
	ReservationIDs  []string
	History         []Transition
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Repository defines persistence for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	ListByPrincipal(ctx context.Context, principal string) ([]Order, error)
}

// ErrNotFound is returned when an order id is unknown.
var ErrNotFound = errors.New("order not found")

// ErrEmptyItems is returned when an order is created without line items.
var ErrEmptyItems = errors.New("items required")

// InvalidQuantityError indicates a line item with a non-positive quantity.
type InvalidQuantityError struct {
	SKU string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for sku %s", e.SKU)
}

// TotalsMismatchError indicates the quoted totals fail the
// total = subtotal + tax + shipping - discount invariant.
type TotalsMismatchError struct {
	Want decimal.Decimal
	Got  decimal.Decimal
}

func (e *TotalsMismatchError) Error() string {
	return fmt.Sprintf("order total %s does not match subtotal+tax+shipping-discount = %s",
		e.Got.StringFixed(2), e.Want.StringFixed(2))
}

// InvalidTransitionError signals an event that is not legal in the
// order's current state. Callers decide whether it is fatal: a race
// between a webhook and an admin action commonly surfaces as one.
type InvalidTransitionError struct {
	OrderID string
	From    Status
	Event   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: event %s not allowed in state %s", e.OrderID, e.Event, e.From)
}
