package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/orderflow/internal/domain/order"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
// Line items, address snapshots, and the transition history live in
// JSONB columns; they are frozen blobs, never queried relationally.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	items, shipAddr, billAddr, history, err := marshalOrderBlobs(o)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO orders (
			id, principal, status, payment_state, items,
			subtotal, tax, shipping, discount, total,
			shipping_address, billing_address, payment_method,
			gateway_ref, tracking_ref, reservation_ids, history,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		o.ID, o.Principal, o.Status, o.PaymentState, items,
		o.Subtotal, o.Tax, o.Shipping, o.Discount, o.Total,
		shipAddr, billAddr, o.PaymentMethod,
		o.GatewayRef, o.TrackingRef, o.ReservationIDs, history,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// Get loads one order by id. Returns order.ErrNotFound when missing.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, principal, status, payment_state, items,
			subtotal, tax, shipping, discount, total,
			shipping_address, billing_address, payment_method,
			gateway_ref, tracking_ref, reservation_ids, history,
			created_at, updated_at
		FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return o, nil
}

// Update persists the order's mutable columns after a transition.
func (r *OrderRepository) Update(ctx context.Context, o *order.Order) error {
	history, err := json.Marshal(o.History)
	if err != nil {
		return fmt.Errorf("marshaling order history: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET
			status = $2, payment_state = $3, gateway_ref = $4,
			tracking_ref = $5, history = $6, updated_at = $7
		WHERE id = $1`,
		o.ID, o.Status, o.PaymentState, o.GatewayRef,
		o.TrackingRef, history, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// ListByPrincipal returns the principal's orders, newest first.
func (r *OrderRepository) ListByPrincipal(ctx context.Context, principal string) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, principal, status, payment_state, items,
			subtotal, tax, shipping, discount, total,
			shipping_address, billing_address, payment_method,
			gateway_ref, tracking_ref, reservation_ids, history,
			created_at, updated_at
		FROM orders WHERE principal = $1 ORDER BY created_at DESC`, principal)
	if err != nil {
		return nil, fmt.Errorf("listing orders for %q: %w", principal, err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func marshalOrderBlobs(o *order.Order) (items, shipAddr, billAddr, history []byte, err error) {
	if items, err = json.Marshal(o.Items); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshaling order items: %w", err)
	}
	if shipAddr, err = json.Marshal(o.ShippingAddress); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshaling shipping address: %w", err)
	}
	if billAddr, err = json.Marshal(o.BillingAddress); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshaling billing address: %w", err)
	}
	if history, err = json.Marshal(o.History); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshaling order history: %w", err)
	}
	return items, shipAddr, billAddr, history, nil
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o        order.Order
		items    []byte
		shipAddr []byte
		billAddr []byte
		history  []byte
	)
	err := row.Scan(
		&o.ID, &o.Principal, &o.Status, &o.PaymentState, &items,
		&o.Subtotal, &o.Tax, &o.Shipping, &o.Discount, &o.Total,
		&shipAddr, &billAddr, &o.PaymentMethod,
		&o.GatewayRef, &o.TrackingRef, &o.ReservationIDs, &history,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling order items: %w", err)
	}
	if err := json.Unmarshal(shipAddr, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("unmarshaling shipping address: %w", err)
	}
	if err := json.Unmarshal(billAddr, &o.BillingAddress); err != nil {
		return nil, fmt.Errorf("unmarshaling billing address: %w", err)
	}
	if err := json.Unmarshal(history, &o.History); err != nil {
		return nil, fmt.Errorf("unmarshaling order history: %w", err)
	}
	return &o, nil
}
