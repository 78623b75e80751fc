package pricing

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported discount code strategies.
type DiscountType string

const (
	// DiscountPercentage applies a percentage-based discount to the subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed applies a fixed monetary discount capped at the subtotal.
	DiscountFixed DiscountType = "fixed"
	// DiscountFreeLowest removes the cost of one unit of the cheapest line.
	DiscountFreeLowest DiscountType = "free_lowest"
)

// ErrInvalidCode is returned when a discount code is not found or the
// cart does not satisfy the code's minimum quantity requirement.
var ErrInvalidCode = errors.New("invalid discount code")

// Rule defines a discount code's behaviour and eligibility constraints.
type Rule struct {
	Code        string
	Type        DiscountType
	Value       decimal.Decimal
	MinItems    int
	Description string
}

// Discount holds a computed discount amount and a human-readable description.
type Discount struct {
	Amount      decimal.Decimal
	Description string
}

// DiscountRepository provides lookup of discount rules by code.
type DiscountRepository interface {
	FindByCode(ctx context.Context, code string) (*Rule, error)
}

var hundred = decimal.NewFromInt(100)

// Apply calculates the discount for the given rule and priced lines.
// It returns ErrInvalidCode when the cart does not satisfy the rule's
// minimum item count requirement.
func Apply(rule *Rule, lines []LineItem) (Discount, error) {
	totalQty := 0
	subtotal := decimal.Zero
	for _, l := range lines {
		totalQty += l.Quantity
		subtotal = subtotal.Add(l.LineTotal)
	}
	if rule.MinItems > 0 && totalQty < rule.MinItems {
		return Discount{}, ErrInvalidCode
	}

	switch rule.Type {
	case DiscountPercentage:
		amount := subtotal.Mul(rule.Value).Div(hundred)
		return Discount{Amount: floorAtZero(amount).Round(2), Description: rule.Description}, nil
	case DiscountFixed:
		amount := decimal.Min(rule.Value, subtotal)
		return Discount{Amount: floorAtZero(amount).Round(2), Description: rule.Description}, nil
	case DiscountFreeLowest:
		return applyFreeLowest(rule, lines), nil
	default:
		return Discount{}, errors.Errorf("unsupported discount type: %q", rule.Type)
	}
}

func applyFreeLowest(rule *Rule, lines []LineItem) Discount {
	if len(lines) == 0 {
		return Discount{Amount: decimal.Zero, Description: rule.Description}
	}
	lowest := lines[0].UnitPrice
	for _, l := range lines[1:] {
		if l.UnitPrice.LessThan(lowest) {
			lowest = l.UnitPrice
		}
	}
	return Discount{Amount: floorAtZero(lowest).Round(2), Description: rule.Description}
}

func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
