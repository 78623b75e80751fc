package payment

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/orderflow/internal/audit"
	"github.com/xenking/orderflow/internal/domain/order"
)

// OrderEvents is the slice of the order state machine the orchestrator
// mirrors payment outcomes into. The orchestrator never mutates order
// state directly; the machine stays the single writer per aggregate.
type OrderEvents interface {
	Apply(ctx context.Context, orderID string, ev order.Event) (*order.Order, error)
}

const (
	// authorizeRetries is deliberately one: a second blind retry risks a
	// double charge, and one retry is safe only because the idempotency
	// key accompanies every authorize call.
	authorizeRetries = 1
	// captureRetries covers capture and refund, which are idempotent at
	// the provider by correlation id.
	captureRetries = 2

	seenEstimate = 1_000_000
	seenFPR      = 0.001
)

// Orchestrator sequences authorize → capture → (optional) refund against
// the registered gateways, reconciles webhook confirmations, and
// enforces idempotency. Attempt mutations are serialized per attempt id;
// the per-attempt lock is never held across a call into OrderEvents, so
// the machine's per-order lock always ranks above it.
type Orchestrator struct {
	attempts Repository
	gateways map[string]Gateway
	orders   OrderEvents
	audit    *audit.Log
	lg       *zap.Logger

	locks stripedLocks

	// seen is a fast-path duplicate marker for webhook event ids. A
	// negative test proves the event is new; a positive one falls
	// through to the authoritative attempt-status check.
	seenMu sync.Mutex
	seen   *bloom.BloomFilter
}

// NewOrchestrator creates an Orchestrator over the given gateways,
// keyed by their Name().
func NewOrchestrator(attempts Repository, gateways []Gateway, orders OrderEvents, auditLog *audit.Log, lg *zap.Logger) *Orchestrator {
	if lg == nil {
		lg = zap.NewNop()
	}
	byName := make(map[string]Gateway, len(gateways))
	for _, gw := range gateways {
		byName[gw.Name()] = gw
	}
	return &Orchestrator{
		attempts: attempts,
		gateways: byName,
		orders:   orders,
		audit:    auditLog,
		lg:       lg,
		seen:     bloom.NewWithEstimates(seenEstimate, seenFPR),
	}
}

// Authorize starts a payment attempt for the order. If an attempt with
// the same idempotency key already exists in a non-failed state, that
// attempt is returned instead of creating a new one: a doubly-clicked
// checkout button must not charge twice.
func (o *Orchestrator) Authorize(ctx context.Context, orderID, method string, amount decimal.Decimal, idempotencyKey string) (*Attempt, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}

	existing, err := o.attempts.GetAttemptByKey(ctx, idempotencyKey)
	switch {
	case err == nil:
		if existing.Status != AttemptFailed {
			o.lg.Debug("authorize deduplicated by idempotency key",
				zap.String("order_id", orderID),
				zap.String("attempt_id", existing.ID),
			)
			return existing, nil
		}
	case !errors.Is(err, ErrAttemptNotFound):
		return nil, errors.Wrap(err, "lookup idempotency key")
	}

	gw, ok := o.gateways[method]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownGateway, "method %s", method)
	}

	now := time.Now()
	attempt := &Attempt{
		ID:             uuid.New().String(),
		OrderID:        orderID,
		Gateway:        gw.Name(),
		Amount:         amount,
		Status:         AttemptPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.attempts.CreateAttempt(ctx, attempt); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// A concurrent submit with the same key won the insert race;
			// its attempt is the prior result this one must return.
			return o.attempts.GetAttemptByKey(ctx, idempotencyKey)
		}
		return nil, errors.Wrap(err, "create attempt")
	}

	res, err := o.callGateway(ctx, gw.Name(), "authorize", authorizeRetries, func() (*Result, error) {
		return gw.Authorize(ctx, AuthorizeRequest{
			OrderID:        orderID,
			Amount:         amount,
			IdempotencyKey: idempotencyKey,
		})
	})
	if err != nil {
		// Retry budget exhausted: same parking as a failed capture, so
		// the reservations come back instead of waiting out their TTL.
		if ferr := o.failAttempt(ctx, attempt.ID, err.Error()); ferr != nil {
			return nil, ferr
		}
		if eerr := o.emit(ctx, orderID, order.EvPaymentFailed{AttemptID: attempt.ID, Reason: "authorize failed"}); eerr != nil {
			return nil, eerr
		}
		return attempt, err
	}

	unlock := o.locks.lock(attempt.ID)
	attempt.CorrelationID = res.CorrelationID
	attempt.RawResponse = res.Raw
	attempt.RedirectURL = res.RedirectURL
	switch res.Status {
	case ResultAuthorized:
		attempt.Status = AttemptAuthorized
	case ResultCaptured:
		attempt.Status = AttemptCaptured
	case ResultPending:
		// Redirect wallets and bank transfers confirm via webhook; the
		// order stays PENDING until then.
	case ResultDeclined:
		attempt.Status = AttemptFailed
		attempt.FailureReason = res.DeclineReason
	}
	attempt.UpdatedAt = time.Now()
	err = o.attempts.UpdateAttempt(ctx, attempt)
	unlock()
	if err != nil {
		return nil, errors.Wrap(err, "update attempt")
	}

	if attempt.CorrelationID != "" {
		// The reference is advisory; a capture that already won the race
		// must not fail the authorize response.
		if err := o.emit(ctx, orderID, order.EvPaymentReference{AttemptID: attempt.ID, Ref: attempt.CorrelationID}); err != nil {
			o.lg.Warn("payment reference not recorded",
				zap.String("order_id", orderID),
				zap.String("attempt_id", attempt.ID),
				zap.Error(err),
			)
		}
	}

	switch attempt.Status {
	case AttemptAuthorized:
		if err := o.emit(ctx, orderID, order.EvPaymentAuthorized{AttemptID: attempt.ID}); err != nil {
			return nil, err
		}
	case AttemptCaptured:
		if err := o.emit(ctx, orderID, order.EvPaymentCaptured{AttemptID: attempt.ID}); err != nil {
			return nil, err
		}
	case AttemptFailed:
		if err := o.emit(ctx, orderID, order.EvPaymentFailed{AttemptID: attempt.ID, Reason: attempt.FailureReason}); err != nil {
			return nil, err
		}
	}
	return attempt, nil
}

// Capture settles an authorized attempt. Only legal from AUTHORIZED;
// CAPTURED is terminal success.
func (o *Orchestrator) Capture(ctx context.Context, attemptID string) (*Attempt, error) {
	unlock := o.locks.lock(attemptID)
	attempt, err := o.attempts.GetAttempt(ctx, attemptID)
	if err != nil {
		unlock()
		return nil, err
	}
	if attempt.Status != AttemptAuthorized {
		unlock()
		return nil, &StateError{AttemptID: attemptID, Status: attempt.Status, Op: "capture"}
	}
	unlock()

	gw := o.gateways[attempt.Gateway]
	if gw == nil {
		return nil, errors.Wrapf(ErrUnknownGateway, "gateway %s", attempt.Gateway)
	}

	res, err := o.callGateway(ctx, attempt.Gateway, "capture", captureRetries, func() (*Result, error) {
		return gw.Capture(ctx, attempt.CorrelationID)
	})
	if err != nil {
		// Retry budget exhausted: the order parks in its payment-failed
		// sub-state and reservations come back.
		if ferr := o.failAttempt(ctx, attempt.ID, err.Error()); ferr != nil {
			return nil, ferr
		}
		if eerr := o.emit(ctx, attempt.OrderID, order.EvPaymentFailed{AttemptID: attempt.ID, Reason: "capture failed"}); eerr != nil {
			return nil, eerr
		}
		return attempt, err
	}

	unlock = o.locks.lock(attemptID)
	attempt, err = o.attempts.GetAttempt(ctx, attemptID)
	if err != nil {
		unlock()
		return nil, err
	}
	if attempt.Status.Terminal() {
		// A webhook confirmation raced us and won; keep its outcome.
		unlock()
		return attempt, nil
	}
	attempt.Status = AttemptCaptured
	attempt.RawResponse = res.Raw
	attempt.UpdatedAt = time.Now()
	err = o.attempts.UpdateAttempt(ctx, attempt)
	unlock()
	if err != nil {
		return nil, errors.Wrap(err, "update attempt")
	}

	if err := o.emit(ctx, attempt.OrderID, order.EvPaymentCaptured{AttemptID: attempt.ID}); err != nil {
		return nil, err
	}
	return attempt, nil
}

// HandleWebhook verifies the provider payload and applies at most one
// terminal transition to the matching attempt. Duplicate or out-of-order
// deliveries are detected by the attempt's current status and become
// silent no-ops.
func (o *Orchestrator) HandleWebhook(ctx context.Context, gateway string, payload []byte, signature string) error {
	gw, ok := o.gateways[gateway]
	if !ok {
		return errors.Wrapf(ErrUnknownGateway, "gateway %s", gateway)
	}

	ev, err := gw.VerifyWebhook(payload, signature)
	if err != nil {
		return err
	}

	seenKey := gateway + ":" + ev.EventID
	o.seenMu.Lock()
	maybeDuplicate := o.seen.TestString(seenKey)
	o.seenMu.Unlock()
	if maybeDuplicate {
		o.lg.Debug("webhook event id seen before, checking attempt status",
			zap.String("gateway", gateway),
			zap.String("event_id", ev.EventID),
		)
	}

	probe, err := o.attempts.GetAttemptByCorrelation(ctx, gateway, ev.CorrelationID)
	if err != nil {
		return errors.Wrapf(err, "correlate webhook %s", ev.CorrelationID)
	}

	unlock := o.locks.lock(probe.ID)
	attempt, err := o.attempts.GetAttempt(ctx, probe.ID)
	if err != nil {
		unlock()
		return err
	}
	if attempt.Status.Terminal() {
		unlock()
		o.lg.Debug("webhook for settled attempt ignored",
			zap.String("attempt_id", attempt.ID),
			zap.String("status", string(attempt.Status)),
		)
		return nil
	}

	switch ev.Kind {
	case EventCaptured:
		attempt.Status = AttemptCaptured
	case EventFailed:
		attempt.Status = AttemptFailed
		attempt.FailureReason = ev.Reason
	case EventRefunded:
		attempt.Status = AttemptRefunded
		attempt.Refunded = attempt.Amount
	default:
		unlock()
		return errors.Errorf("unknown webhook event kind %q", ev.Kind)
	}
	attempt.RawResponse = ev.Raw
	attempt.UpdatedAt = time.Now()
	err = o.attempts.UpdateAttempt(ctx, attempt)
	unlock()
	if err != nil {
		return errors.Wrap(err, "update attempt")
	}

	o.seenMu.Lock()
	o.seen.AddString(seenKey)
	o.seenMu.Unlock()

	switch attempt.Status {
	case AttemptCaptured:
		return o.emit(ctx, attempt.OrderID, order.EvPaymentCaptured{AttemptID: attempt.ID})
	case AttemptFailed:
		return o.emit(ctx, attempt.OrderID, order.EvPaymentFailed{AttemptID: attempt.ID, Reason: ev.Reason})
	case AttemptRefunded:
		// Provider-initiated reversal; recorded against the attempt and
		// audit trail, order status is handled by the cancel/refund flow.
		return o.audit.Record(ctx, audit.Entry{
			OrderID: attempt.OrderID,
			Kind:    audit.KindRefund,
			Actor:   "gateway:" + gateway,
			Detail:  "provider-initiated refund",
		})
	}
	return nil
}

// Refund reverses amount against a captured attempt. Partial refunds are
// allowed and summable; the total never exceeds the captured amount. The
// refund is always routed through the gateway that captured the payment.
// The attempt lock is held across the provider call so the remaining
// balance check and the money movement are atomic with respect to
// concurrent refunds of the same attempt.
func (o *Orchestrator) Refund(ctx context.Context, attemptID string, amount decimal.Decimal, reason string) (*Refund, error) {
	if !amount.IsPositive() {
		return nil, errors.Errorf("refund amount must be positive, got %s", amount)
	}

	unlock := o.locks.lock(attemptID)
	defer unlock()

	attempt, err := o.attempts.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != AttemptCaptured {
		return nil, &StateError{AttemptID: attemptID, Status: attempt.Status, Op: "refund"}
	}
	if remaining := attempt.Remaining(); amount.GreaterThan(remaining) {
		return nil, &RefundExceedsBalanceError{AttemptID: attemptID, Requested: amount, Remaining: remaining}
	}

	gw := o.gateways[attempt.Gateway]
	if gw == nil {
		return nil, errors.Wrapf(ErrUnknownGateway, "gateway %s", attempt.Gateway)
	}

	refund := &Refund{
		ID:        uuid.New().String(),
		AttemptID: attemptID,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: time.Now(),
	}

	if _, err := o.callGateway(ctx, attempt.Gateway, "refund", captureRetries, func() (*Result, error) {
		return gw.Refund(ctx, attempt.CorrelationID, amount, reason)
	}); err != nil {
		refund.Status = RefundFailed
		if cerr := o.attempts.CreateRefund(ctx, refund); cerr != nil {
			return nil, errors.Wrap(cerr, "record failed refund")
		}
		return nil, err
	}

	refund.Status = RefundSucceeded
	if err := o.attempts.CreateRefund(ctx, refund); err != nil {
		return nil, errors.Wrap(err, "record refund")
	}

	attempt.Refunded = attempt.Refunded.Add(amount)
	if attempt.Remaining().IsZero() {
		attempt.Status = AttemptRefunded
	}
	attempt.UpdatedAt = time.Now()
	if err := o.attempts.UpdateAttempt(ctx, attempt); err != nil {
		return nil, errors.Wrap(err, "update attempt")
	}

	if err := o.audit.Record(ctx, audit.Entry{
		OrderID: attempt.OrderID,
		Kind:    audit.KindRefund,
		Detail:  "refund " + amount.StringFixed(2) + ": " + reason,
	}); err != nil {
		return nil, err
	}
	return refund, nil
}

// RefundForOrder refunds the full remaining balance of the order's
// captured attempt. Used by the state machine when a cancel arrives
// after capture.
func (o *Orchestrator) RefundForOrder(ctx context.Context, orderID, reason string) error {
	attempt, err := o.attempts.CapturedForOrder(ctx, orderID)
	if err != nil {
		return errors.Wrapf(err, "captured attempt for order %s", orderID)
	}
	if attempt.Status == AttemptRefunded {
		return nil
	}
	_, err = o.Refund(ctx, attempt.ID, attempt.Remaining(), reason)
	return err
}

// GetAttempt loads one attempt.
func (o *Orchestrator) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	return o.attempts.GetAttempt(ctx, id)
}

// Supports reports whether a gateway is registered for method. Checkout
// asks before reserving stock so a typo'd payment method fails fast
// instead of stranding holds.
func (o *Orchestrator) Supports(method string) bool {
	_, ok := o.gateways[method]
	return ok
}

// failAttempt marks the attempt FAILED with reason.
func (o *Orchestrator) failAttempt(ctx context.Context, attemptID, reason string) error {
	unlock := o.locks.lock(attemptID)
	defer unlock()

	attempt, err := o.attempts.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.Status.Terminal() {
		return nil
	}
	attempt.Status = AttemptFailed
	attempt.FailureReason = reason
	attempt.UpdatedAt = time.Now()
	return o.attempts.UpdateAttempt(ctx, attempt)
}

// emit mirrors a payment outcome into the order state machine. Losing a
// transition race (e.g. the order was cancelled while a capture webhook
// was in flight) is logged and tolerated; other failures propagate.
func (o *Orchestrator) emit(ctx context.Context, orderID string, ev order.Event) error {
	if _, err := o.orders.Apply(ctx, orderID, ev); err != nil {
		var ite *order.InvalidTransitionError
		if errors.As(err, &ite) {
			o.lg.Warn("order event lost transition race",
				zap.String("order_id", orderID),
				zap.String("from", string(ite.From)),
				zap.String("event", ite.Event),
			)
			return nil
		}
		return errors.Wrap(err, "apply order event")
	}
	return nil
}

// callGateway runs op with bounded exponential-backoff retries and wraps
// the final failure in GatewayError.
func (o *Orchestrator) callGateway(ctx context.Context, gateway, opName string, retries uint64, op func() (*Result, error)) (*Result, error) {
	var res *Result
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
	err := backoff.Retry(func() error {
		var err error
		res, err = op()
		return err
	}, bo)
	if err != nil {
		return nil, &GatewayError{Gateway: gateway, Op: opName, Err: err}
	}
	return res, nil
}

// stripedLocks serializes attempt mutations per attempt id.
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
