package order

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/orderflow/internal/audit"
	"github.com/xenking/orderflow/internal/domain/pricing"
)

// Event is a state-machine input. Exactly one code path applies events,
// whether they originate from the orchestrator, a webhook, an admin
// action, or the customer.
type Event interface {
	event() string
}

// EvPaymentAuthorized records a successful authorization; the order
// stays PENDING until capture.
type EvPaymentAuthorized struct {
	AttemptID string
}

// EvPaymentCaptured moves the order to CONFIRMED and commits its
// reservations. Payment CAPTURED implies order CONFIRMED throughout.
type EvPaymentCaptured struct {
	AttemptID string
}

// EvPaymentFailed marks the payment axis FAILED and releases the
// order's reservations. The order itself stays PENDING so the customer
// can retry payment.
type EvPaymentFailed struct {
	AttemptID string
	Reason    string
}

// EvPaymentReference attaches the provider's reference to the order.
// For bank transfers this is the reference the customer quotes on their
// wire, so it must land before settlement, not with it.
type EvPaymentReference struct {
	AttemptID string
	Ref       string
}

// EvAdminAdvance forces the order forward along the fulfilment chain.
type EvAdminAdvance struct {
	To          Status
	TrackingRef string
	Actor       string
}

// EvCancel cancels a pre-SHIPPED order. When payment was already
// captured the cancellation converts into a refund request.
type EvCancel struct {
	Reason string
	Actor  string
}

func (EvPaymentAuthorized) event() string { return "payment_authorized" }
func (EvPaymentCaptured) event() string   { return "payment_captured" }
func (EvPaymentFailed) event() string     { return "payment_failed" }
func (EvPaymentReference) event() string  { return "payment_reference" }
func (e EvAdminAdvance) event() string    { return "admin_advance:" + string(e.To) }
func (EvCancel) event() string            { return "cancel" }

// ReservationLedger is the slice of the ledger the machine needs to
// commit or release an order's holds.
type ReservationLedger interface {
	Commit(ctx context.Context, reservationID, orderID string) error
	Release(ctx context.Context, reservationID string) error
}

// Refunder reverses a captured payment for an order. Implemented by the
// payment orchestrator; the machine never talks to gateways directly.
type Refunder interface {
	RefundForOrder(ctx context.Context, orderID, reason string) error
}

// CreateParams is the input for creating a PENDING order with frozen
// totals and attached reservations.
type CreateParams struct {
	Principal       string
	Quote           *pricing.Quote
	ShippingAddress Address
	BillingAddress  Address
	PaymentMethod   string
	ReservationIDs  []string
}

// Machine owns the order lifecycle. Transitions for one order are
// serialized by a striped per-order lock and applied in strict arrival
// order; different orders proceed independently.
type Machine struct {
	orders   Repository
	ledger   ReservationLedger
	audit    *audit.Log
	refunder Refunder
	locks    stripedLocks
	lg       *zap.Logger

	// cancelling tracks orders whose cancel-after-capture refund is in
	// flight. The refund runs outside the per-order lock, so this set
	// is what makes concurrent events on the order lose the race.
	cancelMu   sync.Mutex
	cancelling map[string]struct{}
}

// NewMachine creates a Machine. The refunder is bound later via
// BindRefunder because the orchestrator and the machine reference each
// other through interfaces.
func NewMachine(orders Repository, ledger ReservationLedger, auditLog *audit.Log, lg *zap.Logger) *Machine {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Machine{
		orders:     orders,
		ledger:     ledger,
		audit:      auditLog,
		lg:         lg,
		cancelling: make(map[string]struct{}),
	}
}

// BindRefunder attaches the refund path used by cancel-after-capture.
func (m *Machine) BindRefunder(r Refunder) {
	m.refunder = r
}

// Create validates the quoted totals and persists a new PENDING order.
func (m *Machine) Create(ctx context.Context, p CreateParams) (*Order, error) {
	q := p.Quote
	if q == nil || len(q.Lines) == 0 {
		return nil, ErrEmptyItems
	}
	for _, line := range q.Lines {
		if line.Quantity <= 0 {
			return nil, &InvalidQuantityError{SKU: line.SKU}
		}
	}
	want := q.Subtotal.Add(q.Tax).Add(q.Shipping).Sub(q.Discount)
	if !q.Total.Equal(want) {
		return nil, &TotalsMismatchError{Want: want, Got: q.Total}
	}

	now := time.Now()
	o := &Order{
		ID:              uuid.New().String(),
		Principal:       p.Principal,
		Status:          StatusPending,
		PaymentState:    PaymentUnpaid,
		Items:           q.Lines,
		Subtotal:        q.Subtotal,
		Tax:             q.Tax,
		Shipping:        q.Shipping,
		Discount:        q.Discount,
		Total:           q.Total,
		ShippingAddress: p.ShippingAddress,
		BillingAddress:  p.BillingAddress,
		PaymentMethod:   p.PaymentMethod,
		ReservationIDs:  p.ReservationIDs,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	if err := m.audit.Record(ctx, audit.Entry{
		OrderID:  o.ID,
		Kind:     audit.KindTransition,
		Actor:    p.Principal,
		ToStatus: string(StatusPending),
		Detail:   "order created",
	}); err != nil {
		return nil, err
	}
	return o, nil
}

// Get loads one order.
func (m *Machine) Get(ctx context.Context, id string) (*Order, error) {
	return m.orders.Get(ctx, id)
}

// ListByPrincipal returns the principal's orders, newest first.
func (m *Machine) ListByPrincipal(ctx context.Context, principal string) ([]Order, error) {
	return m.orders.ListByPrincipal(ctx, principal)
}

// Apply processes one event against the order under its per-order lock.
// Events racing on the same order are applied in arrival order; the
// loser of an illegal race gets InvalidTransitionError.
func (m *Machine) Apply(ctx context.Context, orderID string, ev Event) (*Order, error) {
	if e, ok := ev.(EvCancel); ok {
		return m.cancel(ctx, orderID, e)
	}

	unlock := m.locks.lock(orderID)
	defer unlock()

	o, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	from := o.Status
	if m.cancelInFlight(orderID) {
		return nil, &InvalidTransitionError{OrderID: orderID, From: from, Event: ev.event()}
	}
	var entry audit.Entry

	switch e := ev.(type) {
	case EvPaymentAuthorized:
		if o.Status != StatusPending || o.PaymentState == PaymentCaptured {
			return nil, &InvalidTransitionError{OrderID: orderID, From: from, Event: ev.event()}
		}
		o.PaymentState = PaymentAuthorized
		entry = audit.Entry{Kind: audit.KindPayment, Detail: "payment authorized, attempt " + e.AttemptID}

	case EvPaymentCaptured:
		if o.Status != StatusPending {
			return nil, &InvalidTransitionError{OrderID: orderID, From: from, Event: ev.event()}
		}
		o.Status = StatusConfirmed
		o.PaymentState = PaymentCaptured
		for _, rid := range o.ReservationIDs {
			if err := m.ledger.Commit(ctx, rid, o.ID); err != nil {
				return nil, errors.Wrapf(err, "commit reservation %s", rid)
			}
		}
		entry = audit.Entry{Kind: audit.KindPayment, Detail: "payment captured, attempt " + e.AttemptID}

	case EvPaymentReference:
		if o.Status != StatusPending {
			return nil, &InvalidTransitionError{OrderID: orderID, From: from, Event: ev.event()}
		}
		o.GatewayRef = e.Ref
		entry = audit.Entry{Kind: audit.KindPayment, Detail: "payment reference " + e.Ref + ", attempt " + e.AttemptID}

	case EvPaymentFailed:
		if o.Status != StatusPending {
			return nil, &InvalidTransitionError{OrderID: orderID, From: from, Event: ev.event()}
		}
		o.PaymentState = PaymentFailed
		m.releaseAll(ctx, o)
		entry = audit.Entry{Kind: audit.KindFailure, Detail: "payment failed: " + e.Reason}

	case EvAdminAdvance:
		if !canAdvance(o.Status, e.To) {
			return nil, &InvalidTransitionError{OrderID: orderID, From: from, Event: ev.event()}
		}
		o.Status = e.To
		if e.TrackingRef != "" {
			o.TrackingRef = e.TrackingRef
		}
		entry = audit.Entry{Kind: audit.KindTransition, Actor: e.Actor, Detail: "admin advance"}

	default:
		return nil, errors.Errorf("unknown event %T", ev)
	}

	if err := m.finish(ctx, o, from, ev, entry); err != nil {
		return nil, err
	}
	return o, nil
}

// Cancel cancels the order on behalf of actor. Allowed only pre-SHIPPED.
// When payment was already captured the cancel converts into a refund
// request rather than being rejected.
func (m *Machine) Cancel(ctx context.Context, orderID, reason, actor string) (*Order, error) {
	return m.Apply(ctx, orderID, EvCancel{Reason: reason, Actor: actor})
}

// cancel handles EvCancel. The uncaptured path completes under the
// per-order lock. The captured path talks to the gateway through the
// refunder, which retries with backoff; holding the lock across that
// call would stall every order sharing the stripe, so the cancel is
// marked in flight instead. Events arriving while the mark is set lose
// the transition race.
func (m *Machine) cancel(ctx context.Context, orderID string, e EvCancel) (*Order, error) {
	unlock := m.locks.lock(orderID)

	o, err := m.orders.Get(ctx, orderID)
	if err != nil {
		unlock()
		return nil, err
	}

	from := o.Status
	switch o.Status {
	case StatusPending, StatusConfirmed, StatusProcessing:
	default:
		unlock()
		return nil, &InvalidTransitionError{OrderID: o.ID, From: from, Event: e.event()}
	}
	if m.cancelInFlight(orderID) {
		unlock()
		return nil, &InvalidTransitionError{OrderID: o.ID, From: from, Event: e.event()}
	}

	entry := audit.Entry{
		Kind:   audit.KindTransition,
		Actor:  e.Actor,
		Detail: "cancelled: " + e.Reason,
	}

	if o.PaymentState != PaymentCaptured {
		o.Status = StatusCancelled
		m.releaseAll(ctx, o)
		err := m.finish(ctx, o, from, e, entry)
		unlock()
		if err != nil {
			return nil, err
		}
		return o, nil
	}

	if m.refunder == nil {
		unlock()
		return nil, errors.New("refund path not configured")
	}

	m.beginCancel(orderID)
	unlock()

	refundErr := m.refunder.RefundForOrder(ctx, o.ID, e.Reason)

	unlock = m.locks.lock(orderID)
	defer unlock()
	m.endCancel(orderID)

	if refundErr != nil {
		return nil, errors.Wrap(refundErr, "refund captured payment")
	}

	o, err = m.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	o.Status = StatusRefunded
	o.PaymentState = PaymentRefunded
	m.releaseAll(ctx, o)
	if err := m.finish(ctx, o, from, e, entry); err != nil {
		return nil, err
	}
	return o, nil
}

func (m *Machine) beginCancel(orderID string) {
	m.cancelMu.Lock()
	m.cancelling[orderID] = struct{}{}
	m.cancelMu.Unlock()
}

func (m *Machine) endCancel(orderID string) {
	m.cancelMu.Lock()
	delete(m.cancelling, orderID)
	m.cancelMu.Unlock()
}

func (m *Machine) cancelInFlight(orderID string) bool {
	m.cancelMu.Lock()
	_, ok := m.cancelling[orderID]
	m.cancelMu.Unlock()
	return ok
}

// finish stamps the transition, persists the order, and writes the
// audit entry. The audit write happens before the result is returned so
// the log stays consistent even if the caller never sees the response.
func (m *Machine) finish(ctx context.Context, o *Order, from Status, ev Event, entry audit.Entry) error {
	now := time.Now()
	o.UpdatedAt = now
	o.History = append(o.History, Transition{
		From:  from,
		To:    o.Status,
		Event: ev.event(),
		Actor: entry.Actor,
		At:    now,
	})
	if err := m.orders.Update(ctx, o); err != nil {
		return errors.Wrap(err, "update order")
	}

	entry.OrderID = o.ID
	entry.FromStatus = string(from)
	entry.ToStatus = string(o.Status)
	return m.audit.Record(ctx, entry)
}

func (m *Machine) releaseAll(ctx context.Context, o *Order) {
	for _, rid := range o.ReservationIDs {
		if err := m.ledger.Release(ctx, rid); err != nil {
			m.lg.Warn("release reservation failed",
				zap.String("order_id", o.ID),
				zap.String("reservation_id", rid),
				zap.Error(err),
			)
		}
	}
}

// canAdvance allows forward movement along the fulfilment chain from a
// confirmed order onwards.
func canAdvance(from, to Status) bool {
	chain := map[Status]int{
		StatusConfirmed:  0,
		StatusProcessing: 1,
		StatusShipped:    2,
		StatusDelivered:  3,
	}
	fi, ok := chain[from]
	if !ok {
		return false
	}
	ti, ok := chain[to]
	if !ok {
		return false
	}
	return ti > fi
}

// stripedLocks serializes work per order id. A stripe collision only
// widens the critical section, never weakens it.
type stripedLocks struct {
	mu [64]sync.Mutex
}

func (s *stripedLocks) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &s.mu[h.Sum32()%uint32(len(s.mu))]
	m.Lock()
	return m.Unlock
}
