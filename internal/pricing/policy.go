package pricing

import (
	"strings"
)

// Mode selects how a fixed amount and a dynamically evaluated amount are combined.
type Mode string

const (
	// ModeJoin adds the fixed and the dynamic amount.
	ModeJoin Mode = "join"
	// ModeMax keeps the largest of the fixed and the dynamic amount.
	ModeMax Mode = "max"
)

// ParseMode converts a configuration value into a Mode, defaulting to ModeJoin.
func ParseMode(value string) Mode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ModeMax):
		return ModeMax
	default:
		return ModeJoin
	}
}

// Inputs is the snapshot handed to dynamic evaluation functions.
type Inputs struct {
	Discountable Money
	Taxes        Money
	Quantity     Money
	SubTotal     Money
	Currency     string
	Country      string
}

// EvalFunc computes a dynamic discount, tax or shipping amount.
type EvalFunc func(in Inputs) Money

// Policy groups the injected evaluation functions and their combination modes.
type Policy struct {
	Discount     EvalFunc
	Taxes        EvalFunc
	Shipping     EvalFunc
	DiscountMode Mode
	TaxMode      Mode
	ShippingMode Mode
	// DiscountDiscounted includes lines already on sale in the discountable base.
	DiscountDiscounted bool
}

// Combine merges a fixed amount with the dynamic one according to mode.
func Combine(mode Mode, fixed, dynamic Money) Money {
	if mode == ModeMax {
		return Max(fixed, dynamic)
	}
	return fixed.Add(dynamic)
}

// BuildDiscount evaluates the non-voucher discount.
func (p Policy) BuildDiscount(fixed Money, in Inputs) Money {
	return Combine(p.DiscountMode, fixed, eval(p.Discount, in))
}

// BuildTaxes evaluates the global taxes added on top of line taxes.
func (p Policy) BuildTaxes(fixed Money, in Inputs) Money {
	return Combine(p.TaxMode, fixed, eval(p.Taxes, in))
}

// BuildShipping evaluates the shipping cost.
func (p Policy) BuildShipping(fixed Money, in Inputs) Money {
	return Combine(p.ShippingMode, fixed, eval(p.Shipping, in))
}

func eval(fn EvalFunc, in Inputs) Money {
	if fn == nil {
		return Zero()
	}
	return fn(in)
}

// Flat returns an EvalFunc that always yields amount.
func Flat(amount Money) EvalFunc {
	return func(Inputs) Money { return amount }
}

// FreeAbove returns a shipping function charging cost unless the subtotal reaches threshold.
// A zero threshold disables the free shipping rule.
func FreeAbove(threshold, cost Money) EvalFunc {
	return func(in Inputs) Money {
		if threshold.IsPositive() && in.SubTotal.GreaterThanOrEqual(threshold) {
			return Zero()
		}
		return cost
	}
}

// PercentOf returns a function yielding percent of the discountable base.
func PercentOf(percent Money) EvalFunc {
	return func(in Inputs) Money {
		return in.Discountable.Mul(percent).Div(FromInt(100))
	}
}
