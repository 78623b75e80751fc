package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// AttemptStatus is the lifecycle state of one payment attempt.
// CAPTURED, FAILED, and REFUNDED are terminal: once reached, no webhook
// or API call moves the attempt again (a full refund is the only
// exception, taking CAPTURED to REFUNDED through the refund path).
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "PENDING"
	AttemptAuthorized AttemptStatus = "AUTHORIZED"
	AttemptCaptured   AttemptStatus = "CAPTURED"
	AttemptFailed     AttemptStatus = "FAILED"
	AttemptRefunded   AttemptStatus = "REFUNDED"
)

// Terminal reports whether webhook or capture processing must treat the
// attempt as settled and become a no-op.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptCaptured || s == AttemptFailed || s == AttemptRefunded
}

// Attempt is one try at collecting payment for an order. An order may
// accumulate several failed attempts, but at most one attempt is
// non-terminal at a time, enforced by the idempotency-key dedup in
// Orchestrator.Authorize.
type Attempt struct {
	ID             string
	OrderID        string
	Gateway        string
	Amount         decimal.Decimal
	Status         AttemptStatus
	IdempotencyKey string
	CorrelationID  string
	RedirectURL    string
	FailureReason  string
	RawResponse    []byte // opaque provider payload, retained but never parsed here
	Refunded       decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Remaining is the refundable balance left on a captured attempt.
func (a *Attempt) Remaining() decimal.Decimal {
	return a.Amount.Sub(a.Refunded)
}

// RefundStatus is the state of a refund request.
type RefundStatus string

const (
	RefundSucceeded RefundStatus = "SUCCEEDED"
	RefundFailed    RefundStatus = "FAILED"
)

// Refund reverses part or all of a captured attempt. The sum of
// succeeded refund amounts never exceeds the captured amount.
type Refund struct {
	ID        string
	AttemptID string
	Amount    decimal.Decimal
	Reason    string
	Status    RefundStatus
	CreatedAt time.Time
}

// Repository persists attempts and refunds.
type Repository interface {
	CreateAttempt(ctx context.Context, a *Attempt) error
	UpdateAttempt(ctx context.Context, a *Attempt) error
	GetAttempt(ctx context.Context, id string) (*Attempt, error)
	// GetAttemptByKey returns ErrAttemptNotFound when no attempt carries
	// the idempotency key.
	GetAttemptByKey(ctx context.Context, idempotencyKey string) (*Attempt, error)
	GetAttemptByCorrelation(ctx context.Context, gateway, correlationID string) (*Attempt, error)
	// CapturedForOrder returns the captured (or refunded) attempt for an
	// order, if any.
	CapturedForOrder(ctx context.Context, orderID string) (*Attempt, error)
	CreateRefund(ctx context.Context, r *Refund) error
	ListRefunds(ctx context.Context, attemptID string) ([]Refund, error)
}

// ErrAttemptNotFound is returned for unknown attempt ids, idempotency
// keys, or correlation ids.
var ErrAttemptNotFound = errors.New("payment attempt not found")

// ErrDuplicateKey is returned by Repository.CreateAttempt when another
// attempt already holds the idempotency key. The orchestrator resolves
// it by returning the attempt that won the race.
var ErrDuplicateKey = errors.New("idempotency key already used")

// ErrBadSignature is returned when a webhook payload fails signature
// verification.
var ErrBadSignature = errors.New("webhook signature verification failed")

// ErrUnknownGateway is returned for a payment method no registered
// gateway handles.
var ErrUnknownGateway = errors.New("unknown payment gateway")

// StateError indicates an operation that is not legal for the attempt's
// current status, e.g. capturing an attempt that was never authorized.
type StateError struct {
	AttemptID string
	Status    AttemptStatus
	Op        string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("attempt %s: cannot %s in status %s", e.AttemptID, e.Op, e.Status)
}

// RefundExceedsBalanceError indicates a refund request above the
// attempt's remaining refundable balance.
type RefundExceedsBalanceError struct {
	AttemptID string
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

func (e *RefundExceedsBalanceError) Error() string {
	return fmt.Sprintf("refund of %s exceeds remaining balance %s on attempt %s",
		e.Requested.StringFixed(2), e.Remaining.StringFixed(2), e.AttemptID)
}

// GatewayError wraps a provider failure after the retry budget is
// exhausted. It is transient from the platform's point of view; the
// caller surfaces a generic declined message.
type GatewayError struct {
	Gateway string
	Op      string
	Err     error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %s: %v", e.Gateway, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ResultStatus is the normalized outcome of a synchronous gateway call.
type ResultStatus string

const (
	// ResultAuthorized means funds are held and capture may proceed.
	ResultAuthorized ResultStatus = "authorized"
	// ResultCaptured means funds moved.
	ResultCaptured ResultStatus = "captured"
	// ResultPending means the provider will confirm asynchronously via
	// webhook (redirect wallets, bank transfers).
	ResultPending ResultStatus = "pending"
	// ResultDeclined means the provider rejected the payment outright.
	ResultDeclined ResultStatus = "declined"
)

// AuthorizeRequest is the normalized input for Gateway.Authorize.
type AuthorizeRequest struct {
	OrderID        string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// Result is the normalized outcome of Authorize/Capture/Refund.
type Result struct {
	CorrelationID string
	Status        ResultStatus
	RedirectURL   string
	DeclineReason string
	Raw           []byte
}

// EventKind classifies a verified webhook event.
type EventKind string

const (
	EventCaptured EventKind = "captured"
	EventFailed   EventKind = "failed"
	EventRefunded EventKind = "refunded"
)

// WebhookEvent is a provider webhook after signature verification and
// field extraction, normalized to the internal vocabulary.
type WebhookEvent struct {
	EventID       string
	CorrelationID string
	Kind          EventKind
	Reason        string
	Raw           []byte
}

// Gateway is the single contract every payment provider adapts to.
// Provider-specific branching stays behind this boundary.
type Gateway interface {
	Name() string
	Authorize(ctx context.Context, req AuthorizeRequest) (*Result, error)
	Capture(ctx context.Context, correlationID string) (*Result, error)
	Refund(ctx context.Context, correlationID string, amount decimal.Decimal, reason string) (*Result, error)
	// VerifyWebhook checks the payload signature and extracts the
	// normalized event. It returns ErrBadSignature on verification
	// failure.
	VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error)
}
