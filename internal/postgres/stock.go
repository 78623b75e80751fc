package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StockLevel is one row of stock_levels. Available inventory for the
// ledger is total minus committed; active holds are not persisted and
// die with the process.
type StockLevel struct {
	SKU       string
	Total     int
	Committed int
}

// StockRepository reads and writes durable stock levels. The running
// ledger is loaded from here once at startup.
type StockRepository struct {
	pool *pgxpool.Pool
}

func NewStockRepository(pool *pgxpool.Pool) *StockRepository {
	return &StockRepository{pool: pool}
}

func (r *StockRepository) List(ctx context.Context) ([]StockLevel, error) {
	rows, err := r.pool.Query(ctx, `SELECT sku, total, committed FROM stock_levels`)
	if err != nil {
		return nil, fmt.Errorf("listing stock levels: %w", err)
	}
	defer rows.Close()

	var out []StockLevel
	for rows.Next() {
		var s StockLevel
		if err := rows.Scan(&s.SKU, &s.Total, &s.Committed); err != nil {
			return nil, fmt.Errorf("scanning stock level: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Upsert sets the total stock for a SKU, preserving its committed count.
func (r *StockRepository) Upsert(ctx context.Context, sku string, total int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO stock_levels (sku, total) VALUES ($1, $2)
		 ON CONFLICT (sku) DO UPDATE SET total = EXCLUDED.total`,
		sku, total)
	if err != nil {
		return fmt.Errorf("upserting stock for %q: %w", sku, err)
	}
	return nil
}
