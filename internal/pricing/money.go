package pricing

import (
	"github.com/shopspring/decimal"
)

// Money represents an exact decimal monetary value.
type Money = decimal.Decimal

// Zero returns the zero amount.
func Zero() Money { return decimal.Zero }

// FromInt builds an amount from an integer number of units.
func FromInt(v int64) Money { return decimal.NewFromInt(v) }

// MustParse parses a decimal string and panics when it is malformed.
func MustParse(v string) Money { return decimal.RequireFromString(v) }

// NonNegative floors the amount at zero.
func NonNegative(m Money) Money {
	if m.IsNegative() {
		return decimal.Zero
	}
	return m
}

// Min returns the smallest of the provided amounts.
func Min(first Money, rest ...Money) Money { return decimal.Min(first, rest...) }

// Max returns the largest of the provided amounts.
func Max(first Money, rest ...Money) Money { return decimal.Max(first, rest...) }

// Sum adds every amount.
func Sum(values ...Money) Money {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
