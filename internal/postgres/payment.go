package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/orderflow/internal/domain/payment"
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements payment.Repository backed by PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository returns a PaymentRepository that uses the given pool.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

const attemptColumns = `id, order_id, gateway, amount, status, idempotency_key,
	correlation_id, redirect_url, failure_reason, raw_response, refunded,
	created_at, updated_at`

// CreateAttempt persists a new payment attempt. The unique constraint
// on idempotency_key is the database-level backstop for duplicate
// submits that race past the orchestrator's lookup; it surfaces as
// payment.ErrDuplicateKey so the orchestrator can return the attempt
// that won.
func (r *PaymentRepository) CreateAttempt(ctx context.Context, a *payment.Attempt) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payment_attempts (`+attemptColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.OrderID, a.Gateway, a.Amount, a.Status, a.IdempotencyKey,
		a.CorrelationID, a.RedirectURL, a.FailureReason, a.RawResponse, a.Refunded,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return payment.ErrDuplicateKey
		}
		return fmt.Errorf("creating payment attempt %q: %w", a.ID, err)
	}
	return nil
}

// UpdateAttempt persists the attempt's mutable columns.
func (r *PaymentRepository) UpdateAttempt(ctx context.Context, a *payment.Attempt) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payment_attempts SET
			status = $2, correlation_id = $3, redirect_url = $4,
			failure_reason = $5, raw_response = $6, refunded = $7, updated_at = $8
		WHERE id = $1`,
		a.ID, a.Status, a.CorrelationID, a.RedirectURL,
		a.FailureReason, a.RawResponse, a.Refunded, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating payment attempt %q: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrAttemptNotFound
	}
	return nil
}

// GetAttempt loads one attempt by id.
func (r *PaymentRepository) GetAttempt(ctx context.Context, id string) (*payment.Attempt, error) {
	return r.attemptWhere(ctx, `id = $1`, id)
}

// GetAttemptByKey loads the attempt created under an idempotency key.
func (r *PaymentRepository) GetAttemptByKey(ctx context.Context, key string) (*payment.Attempt, error) {
	return r.attemptWhere(ctx, `idempotency_key = $1`, key)
}

// GetAttemptByCorrelation resolves a webhook's correlation id to its attempt.
func (r *PaymentRepository) GetAttemptByCorrelation(ctx context.Context, gateway, correlationID string) (*payment.Attempt, error) {
	return r.attemptWhere(ctx, `gateway = $1 AND correlation_id = $2`, gateway, correlationID)
}

// CapturedForOrder returns the order's captured (or refunded) attempt.
func (r *PaymentRepository) CapturedForOrder(ctx context.Context, orderID string) (*payment.Attempt, error) {
	return r.attemptWhere(ctx,
		`order_id = $1 AND status IN ('CAPTURED', 'REFUNDED') ORDER BY updated_at DESC LIMIT 1`,
		orderID)
}

func (r *PaymentRepository) attemptWhere(ctx context.Context, where string, args ...any) (*payment.Attempt, error) {
	var a payment.Attempt
	err := r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM payment_attempts WHERE `+where, args...).
		Scan(&a.ID, &a.OrderID, &a.Gateway, &a.Amount, &a.Status, &a.IdempotencyKey,
			&a.CorrelationID, &a.RedirectURL, &a.FailureReason, &a.RawResponse, &a.Refunded,
			&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("getting payment attempt: %w", err)
	}
	return &a, nil
}

// CreateRefund persists a refund row. Rows are append-only.
func (r *PaymentRepository) CreateRefund(ctx context.Context, rf *payment.Refund) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO refunds (id, attempt_id, amount, reason, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rf.ID, rf.AttemptID, rf.Amount, rf.Reason, rf.Status, rf.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating refund %q: %w", rf.ID, err)
	}
	return nil
}

// ListRefunds returns all refunds for an attempt in creation order.
func (r *PaymentRepository) ListRefunds(ctx context.Context, attemptID string) ([]payment.Refund, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, attempt_id, amount, reason, status, created_at
		 FROM refunds WHERE attempt_id = $1 ORDER BY created_at`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("listing refunds for %q: %w", attemptID, err)
	}
	defer rows.Close()

	var out []payment.Refund
	for rows.Next() {
		var rf payment.Refund
		if err := rows.Scan(&rf.ID, &rf.AttemptID, &rf.Amount, &rf.Reason, &rf.Status, &rf.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning refund: %w", err)
		}
		out = append(out, rf)
	}
	return out, rows.Err()
}
