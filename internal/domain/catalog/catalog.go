package catalog

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested catalog item does not exist.
var ErrNotFound = errors.New("catalog item not found")

// Item represents a sellable catalog entry. Price is the current list
// price; checkout copies it into the order at freeze time, so later
// catalog updates never affect existing orders.
type Item struct {
	SKU    string
	Name   string
	Price  decimal.Decimal
	Active bool
}

// Repository defines read operations for the catalog lookup capability.
type Repository interface {
	List(ctx context.Context) ([]Item, error)
	GetBySKU(ctx context.Context, sku string) (*Item, error)
	GetBySKUs(ctx context.Context, skus []string) ([]Item, error)
}
