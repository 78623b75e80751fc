package pricing

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/orderflow/internal/domain/catalog"
)

// --- Mock implementations ---

type mockCatalog struct {
	bySKU map[string]*catalog.Item
}

func (m *mockCatalog) List(_ context.Context) ([]catalog.Item, error) { return nil, nil }

func (m *mockCatalog) GetBySKU(_ context.Context, sku string) (*catalog.Item, error) {
	it, ok := m.bySKU[sku]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return it, nil
}

func (m *mockCatalog) GetBySKUs(_ context.Context, skus []string) ([]catalog.Item, error) {
	var out []catalog.Item
	for _, sku := range skus {
		if it, ok := m.bySKU[sku]; ok {
			out = append(out, *it)
		}
	}
	return out, nil
}

type mockDiscounts struct {
	rules map[string]*Rule
}

func (m *mockDiscounts) FindByCode(_ context.Context, code string) (*Rule, error) {
	r, ok := m.rules[code]
	if !ok {
		return nil, ErrInvalidCode
	}
	return r, nil
}

// --- Helpers ---

func newCatalog(items ...catalog.Item) *mockCatalog {
	bySKU := make(map[string]*catalog.Item, len(items))
	for i := range items {
		bySKU[items[i].SKU] = &items[i]
	}
	return &mockCatalog{bySKU: bySKU}
}

func newItem(sku string, price string) catalog.Item {
	return catalog.Item{SKU: sku, Name: sku, Price: decimal.RequireFromString(price), Active: true}
}

func newCalculator(cat catalog.Repository, rules map[string]*Rule, taxRate string) *Calculator {
	return NewCalculator(cat, &mockDiscounts{rules: rules}, CalculatorConfig{
		TaxRate:       decimal.RequireFromString(taxRate),
		ShippingRates: DefaultShippingRates(),
	})
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

// --- Tests ---

func TestQuote_TotalsInvariant(t *testing.T) {
	// subtotal 100.00, tax 8.00, shipping 5.00, discount 10.00 → 103.00
	calc := newCalculator(
		newCatalog(newItem("A", "50.00")),
		map[string]*Rule{"TENOFF": {Code: "TENOFF", Type: DiscountFixed, Value: decimal.NewFromInt(10)}},
		"0.08",
	)

	q, err := calc.Quote(context.Background(),
		[]CartItem{{SKU: "A", Quantity: 2}},
		ShippingStandard,
		[]string{"TENOFF"},
	)
	require.NoError(t, err)

	assertDecimal(t, "100.00", q.Subtotal)
	assertDecimal(t, "8.00", q.Tax)
	assertDecimal(t, "5.00", q.Shipping)
	assertDecimal(t, "10.00", q.Discount)
	assertDecimal(t, "103.00", q.Total)
	assert.True(t, q.Valid())
}

func TestQuote_UnknownSKU(t *testing.T) {
	calc := newCalculator(newCatalog(), nil, "0.08")

	_, err := calc.Quote(context.Background(),
		[]CartItem{{SKU: "missing", Quantity: 1}}, ShippingStandard, nil)

	var skuErr *UnknownSKUError
	require.ErrorAs(t, err, &skuErr)
	assert.Equal(t, "missing", skuErr.SKU)
}

func TestQuote_UnknownShippingMethod(t *testing.T) {
	calc := newCalculator(newCatalog(newItem("A", "10.00")), nil, "0.08")

	_, err := calc.Quote(context.Background(),
		[]CartItem{{SKU: "A", Quantity: 1}}, ShippingMethod("drone"), nil)
	require.ErrorIs(t, err, ErrUnknownShippingMethod)
}

func TestQuote_InvalidDiscountCode(t *testing.T) {
	calc := newCalculator(newCatalog(newItem("A", "10.00")), nil, "0.08")

	_, err := calc.Quote(context.Background(),
		[]CartItem{{SKU: "A", Quantity: 1}}, ShippingStandard, []string{"NOPE"})
	require.ErrorIs(t, err, ErrInvalidCode)
}

func TestQuote_PercentageDiscount(t *testing.T) {
	calc := newCalculator(
		newCatalog(newItem("A", "40.00")),
		map[string]*Rule{"HALF": {Code: "HALF", Type: DiscountPercentage, Value: decimal.NewFromInt(50)}},
		"0.10",
	)

	q, err := calc.Quote(context.Background(),
		[]CartItem{{SKU: "A", Quantity: 1}}, ShippingPickup, []string{"HALF"})
	require.NoError(t, err)

	assertDecimal(t, "40.00", q.Subtotal)
	assertDecimal(t, "20.00", q.Discount)
	assertDecimal(t, "24.00", q.Total) // 40 + 4 tax + 0 shipping - 20
	assert.True(t, q.Valid())
}

func TestQuote_FreeLowestRequiresMinItems(t *testing.T) {
	rules := map[string]*Rule{
		"BUNDLE": {Code: "BUNDLE", Type: DiscountFreeLowest, MinItems: 3},
	}
	calc := newCalculator(newCatalog(newItem("A", "10.00"), newItem("B", "4.00")), rules, "0")

	// Two items in the cart: rule not eligible, code rejected.
	_, err := calc.Quote(context.Background(),
		[]CartItem{{SKU: "A", Quantity: 1}, {SKU: "B", Quantity: 1}},
		ShippingPickup, []string{"BUNDLE"})
	require.ErrorIs(t, err, ErrInvalidCode)

	// Three items: cheapest unit comes off.
	q, err := calc.Quote(context.Background(),
		[]CartItem{{SKU: "A", Quantity: 2}, {SKU: "B", Quantity: 1}},
		ShippingPickup, []string{"BUNDLE"})
	require.NoError(t, err)
	assertDecimal(t, "4.00", q.Discount)
	assert.True(t, q.Valid())
}

func TestQuote_DiscountCappedAtSubtotal(t *testing.T) {
	calc := newCalculator(
		newCatalog(newItem("A", "3.00")),
		map[string]*Rule{"BIG": {Code: "BIG", Type: DiscountFixed, Value: decimal.NewFromInt(50)}},
		"0",
	)

	q, err := calc.Quote(context.Background(),
		[]CartItem{{SKU: "A", Quantity: 1}}, ShippingPickup, []string{"BIG"})
	require.NoError(t, err)

	assertDecimal(t, "3.00", q.Discount)
	assert.True(t, q.Total.IsZero())
	assert.True(t, q.Valid())
}

func TestQuote_PriceFreeze(t *testing.T) {
	cat := newCatalog(newItem("A", "10.00"))
	calc := newCalculator(cat, nil, "0")

	q, err := calc.Quote(context.Background(),
		[]CartItem{{SKU: "A", Quantity: 1}}, ShippingPickup, nil)
	require.NoError(t, err)
	assertDecimal(t, "10.00", q.Total)

	// A later catalog price change must not affect the earlier quote.
	cat.bySKU["A"].Price = decimal.RequireFromString("99.00")
	assertDecimal(t, "10.00", q.Total)
	assertDecimal(t, "10.00", q.Lines[0].UnitPrice)
}
