package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/orderflow/internal/domain/catalog"
)

var _ catalog.Repository = (*CatalogRepository)(nil)

// CatalogRepository implements catalog.Repository backed by PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// List returns all active catalog items ordered by SKU.
func (r *CatalogRepository) List(ctx context.Context) ([]catalog.Item, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT sku, name, price, active FROM catalog_items WHERE active ORDER BY sku`)
	if err != nil {
		return nil, fmt.Errorf("listing catalog items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// GetBySKU returns one catalog item. Returns catalog.ErrNotFound when
// no matching item exists.
func (r *CatalogRepository) GetBySKU(ctx context.Context, sku string) (*catalog.Item, error) {
	var it catalog.Item
	err := r.pool.QueryRow(ctx,
		`SELECT sku, name, price, active FROM catalog_items WHERE sku = $1`, sku).
		Scan(&it.SKU, &it.Name, &it.Price, &it.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("getting catalog item %q: %w", sku, err)
	}
	return &it, nil
}

// GetBySKUs batch-fetches catalog items in a single query. Missing SKUs
// are simply absent from the result; callers detect them.
func (r *CatalogRepository) GetBySKUs(ctx context.Context, skus []string) ([]catalog.Item, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT sku, name, price, active FROM catalog_items WHERE sku = ANY($1)`, skus)
	if err != nil {
		return nil, fmt.Errorf("getting catalog items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// Upsert inserts or updates a catalog item. Used by seeding and ingest.
func (r *CatalogRepository) Upsert(ctx context.Context, it catalog.Item) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO catalog_items (sku, name, price, active) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (sku) DO UPDATE SET name = $2, price = $3, active = $4`,
		it.SKU, it.Name, it.Price, it.Active)
	if err != nil {
		return fmt.Errorf("upserting catalog item %q: %w", it.SKU, err)
	}
	return nil
}

func scanItems(rows pgx.Rows) ([]catalog.Item, error) {
	var items []catalog.Item
	for rows.Next() {
		var it catalog.Item
		if err := rows.Scan(&it.SKU, &it.Name, &it.Price, &it.Active); err != nil {
			return nil, fmt.Errorf("scanning catalog item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
