package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/orderflow/internal/ledger"
)

var _ ledger.Store = (*ReservationStore)(nil)

// ReservationStore is the write-through durability layer behind the
// in-memory ledger. It records reservation lifecycles and keeps the
// committed counter on stock_levels in step with commits, so a restart
// can rebuild availability from stock_levels alone.
type ReservationStore struct {
	pool *pgxpool.Pool
}

func NewReservationStore(pool *pgxpool.Pool) *ReservationStore {
	return &ReservationStore{pool: pool}
}

func (s *ReservationStore) SaveReservation(ctx context.Context, r *ledger.Reservation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reservations (id, sku, quantity, order_id, status, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.SKU, r.Quantity, r.OrderID, r.Status, r.ExpiresAt, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving reservation %q: %w", r.ID, err)
	}
	return nil
}

func (s *ReservationStore) UpdateReservationStatus(ctx context.Context, id string, status ledger.Status, orderID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning reservation update: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE reservations SET status = $2, order_id = $3 WHERE id = $1`,
		id, status, orderID)
	if err != nil {
		return fmt.Errorf("updating reservation %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// The ledger never asks the store about rows it did not write,
		// so a miss here means the row predates the current schema.
		return fmt.Errorf("reservation %q not found", id)
	}

	if status == ledger.StatusCommitted {
		_, err = tx.Exec(ctx,
			`UPDATE stock_levels SET committed = committed + r.quantity
			 FROM reservations r WHERE r.id = $1 AND stock_levels.sku = r.sku`, id)
		if err != nil {
			return fmt.Errorf("committing stock for reservation %q: %w", id, err)
		}
	}
	return tx.Commit(ctx)
}
