package pricing

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/orderflow/internal/domain/catalog"
)

// ShippingMethod selects one of the fixed shipping rate tiers.
type ShippingMethod string

const (
	ShippingStandard ShippingMethod = "standard"
	ShippingExpress  ShippingMethod = "express"
	ShippingPickup   ShippingMethod = "pickup"
)

// ErrUnknownShippingMethod is returned for a shipping method outside the
// configured rate table.
var ErrUnknownShippingMethod = errors.New("unknown shipping method")

// UnknownSKUError indicates a cart line references a SKU that is not in
// the catalog (or is no longer active).
type UnknownSKUError struct {
	SKU string
}

func (e *UnknownSKUError) Error() string {
	return fmt.Sprintf("sku %s not found in catalog", e.SKU)
}

// CartItem is a single requested line before pricing.
type CartItem struct {
	SKU      string
	Quantity int
}

// LineItem is a priced cart line. UnitPrice and LineTotal are copied from
// the catalog at quote time and never re-derived afterwards.
type LineItem struct {
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// Quote holds frozen totals for one checkout attempt.
// Invariant: Total = Subtotal + Tax + Shipping - Discount.
type Quote struct {
	Lines    []LineItem
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// Valid reports whether the quote satisfies the totals invariant.
func (q *Quote) Valid() bool {
	want := q.Subtotal.Add(q.Tax).Add(q.Shipping).Sub(q.Discount)
	return q.Total.Equal(want)
}

// Calculator computes frozen order totals from current catalog prices,
// a shipping rate table, and optional discount codes. It is a pure
// function of its inputs apart from the catalog and discount lookups.
type Calculator struct {
	catalog   catalog.Repository
	discounts DiscountRepository
	taxRate   decimal.Decimal
	shipping  map[ShippingMethod]decimal.Decimal
}

// CalculatorConfig overrides the default tax rate and shipping rates.
type CalculatorConfig struct {
	TaxRate       decimal.Decimal
	ShippingRates map[ShippingMethod]decimal.Decimal
}

// DefaultShippingRates is the built-in shipping rate table.
func DefaultShippingRates() map[ShippingMethod]decimal.Decimal {
	return map[ShippingMethod]decimal.Decimal{
		ShippingStandard: decimal.RequireFromString("5.00"),
		ShippingExpress:  decimal.RequireFromString("15.00"),
		ShippingPickup:   decimal.Zero,
	}
}

// NewCalculator creates a Calculator. A zero TaxRate in cfg means tax-free;
// nil ShippingRates falls back to DefaultShippingRates.
func NewCalculator(cat catalog.Repository, discounts DiscountRepository, cfg CalculatorConfig) *Calculator {
	rates := cfg.ShippingRates
	if rates == nil {
		rates = DefaultShippingRates()
	}
	return &Calculator{
		catalog:   cat,
		discounts: discounts,
		taxRate:   cfg.TaxRate,
		shipping:  rates,
	}
}

// Quote prices the cart against the catalog at this instant. This is the
// price-freeze point: the returned lines carry copied unit prices and the
// totals are final. Discount codes that do not apply fail the quote rather
// than being silently ignored.
func (c *Calculator) Quote(ctx context.Context, items []CartItem, method ShippingMethod, codes []string) (*Quote, error) {
	shippingRate, ok := c.shipping[method]
	if !ok {
		return nil, ErrUnknownShippingMethod
	}

	skus := make([]string, len(items))
	for i, item := range items {
		skus[i] = item.SKU
	}

	fetched, err := c.catalog.GetBySKUs(ctx, skus)
	if err != nil {
		return nil, errors.Wrap(err, "fetch catalog items")
	}
	bySKU := make(map[string]catalog.Item, len(fetched))
	for _, it := range fetched {
		bySKU[it.SKU] = it
	}

	lines := make([]LineItem, len(items))
	subtotal := decimal.Zero
	for i, item := range items {
		ci, ok := bySKU[item.SKU]
		if !ok || !ci.Active {
			return nil, &UnknownSKUError{SKU: item.SKU}
		}
		qty := decimal.NewFromInt(int64(item.Quantity))
		lineTotal := ci.Price.Mul(qty).Round(2)
		lines[i] = LineItem{
			SKU:       ci.SKU,
			Name:      ci.Name,
			Quantity:  item.Quantity,
			UnitPrice: ci.Price,
			LineTotal: lineTotal,
		}
		subtotal = subtotal.Add(lineTotal)
	}

	discount := decimal.Zero
	for _, code := range codes {
		d, err := c.applyCode(ctx, code, lines)
		if err != nil {
			return nil, err
		}
		discount = discount.Add(d)
	}
	// A discount can never push the total below zero.
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}

	tax := subtotal.Mul(c.taxRate).Round(2)
	subtotal = subtotal.Round(2)
	discount = discount.Round(2)
	total := subtotal.Add(tax).Add(shippingRate).Sub(discount)

	return &Quote{
		Lines:    lines,
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shippingRate,
		Discount: discount,
		Total:    total,
	}, nil
}

func (c *Calculator) applyCode(ctx context.Context, code string, lines []LineItem) (decimal.Decimal, error) {
	rule, err := c.discounts.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrInvalidCode) {
			return decimal.Zero, ErrInvalidCode
		}
		return decimal.Zero, errors.Wrapf(err, "lookup discount code %s", code)
	}

	d, err := Apply(rule, lines)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Amount, nil
}
