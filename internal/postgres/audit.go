package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/orderflow/internal/audit"
)

var _ audit.Store = (*AuditRepository)(nil)

// AuditRepository persists audit entries in the append-only audit_log table.
type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

func (r *AuditRepository) Append(ctx context.Context, e audit.Entry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_log (id, order_id, kind, actor, from_status, to_status, detail, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OrderID, e.Kind, e.Actor, e.FromStatus, e.ToStatus, e.Detail, e.At)
	if err != nil {
		return fmt.Errorf("appending audit entry %q: %w", e.ID, err)
	}
	return nil
}

func (r *AuditRepository) ListByOrder(ctx context.Context, orderID string) ([]audit.Entry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, kind, actor, from_status, to_status, detail, at
		 FROM audit_log WHERE order_id = $1 ORDER BY at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries for %q: %w", orderID, err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Kind, &e.Actor, &e.FromStatus, &e.ToStatus, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
