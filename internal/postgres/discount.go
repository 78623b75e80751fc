package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/orderflow/internal/domain/pricing"
)

var _ pricing.DiscountRepository = (*DiscountRepository)(nil)

// DiscountRepository looks up discount rules by code.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

func (r *DiscountRepository) FindByCode(ctx context.Context, code string) (*pricing.Rule, error) {
	var rule pricing.Rule
	err := r.pool.QueryRow(ctx,
		`SELECT code, type, value, min_items, description
		 FROM discount_codes WHERE code = $1 AND active`,
		code).Scan(&rule.Code, &rule.Type, &rule.Value, &rule.MinItems, &rule.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pricing.ErrInvalidCode
		}
		return nil, fmt.Errorf("finding discount code %q: %w", code, err)
	}
	return &rule, nil
}

// UpsertRule stores a discount rule. Used by seeding tooling only.
func (r *DiscountRepository) UpsertRule(ctx context.Context, rule *pricing.Rule) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO discount_codes (code, type, value, min_items, description)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (code) DO UPDATE SET
			type = EXCLUDED.type, value = EXCLUDED.value,
			min_items = EXCLUDED.min_items, description = EXCLUDED.description,
			active = TRUE`,
		rule.Code, rule.Type, rule.Value, rule.MinItems, rule.Description)
	if err != nil {
		return fmt.Errorf("upserting discount code %q: %w", rule.Code, err)
	}
	return nil
}
