package currency

import (
	"context"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/pricing"
)

// Converter converts amounts between currencies using the registry rates.
type Converter struct {
	Registry *Registry
}

// NewConverter returns a converter backed by registry.
func NewConverter(registry *Registry) *Converter {
	return &Converter{Registry: registry}
}

// Convert converts value from one currency to another. A directed from->to
// record is used as is; otherwise the opposite to->from record is applied as
// its reciprocal. The result is rounded to the target currency places. An
// empty currency on either side means "same currency".
func (c *Converter) Convert(ctx context.Context, value pricing.Money, from, to string) (pricing.Money, error) {
	if from == "" || to == "" || from == to {
		return value, nil
	}
	if c == nil || c.Registry == nil {
		return value, common.Operational(ErrRateNotFound, "convert %s to %s", from, to)
	}
	var converted pricing.Money
	if rate, ok, err := c.Registry.rate(ctx, from, to); err != nil {
		return value, err
	} else if ok {
		converted = value.Mul(rate)
	} else {
		reverse, ok, err := c.Registry.rate(ctx, to, from)
		if err != nil {
			return value, err
		}
		if !ok {
			return value, common.Operational(ErrRateNotFound, "convert %s to %s", from, to)
		}
		places, err := c.Registry.Places(ctx, to)
		if err != nil {
			return value, err
		}
		converted = value.DivRound(reverse, places+4)
	}
	return c.Registry.Round(ctx, converted, to)
}
