package catalog

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-orders/internal/pricing"
)

// Product is a piece of merchandise that can be added to bundles.
type Product struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Price    pricing.Money `json:"price"`
	Currency string        `json:"currency"`
	// Taxes is the per-unit tax amount included in Price.
	Taxes pricing.Money `json:"taxes"`
	// QuantityHand is the on-hand stock; stock is not tracked when invalid.
	QuantityHand decimal.NullDecimal `json:"quantity_hand"`
	Discounted   bool                `json:"discounted"`
	// Parent marks products sold only through a size selection.
	Parent bool `json:"parent"`
	// ParentID links a measurement variant to its parent product.
	ParentID string `json:"parent_id,omitempty"`
	Size     int    `json:"size,omitempty"`
	Scale    int    `json:"scale,omitempty"`
	// PriceProvider names the external resolver sourcing price, taxes and size.
	PriceProvider string `json:"price_provider,omitempty"`
}

// Tracked reports whether stock is tracked for the product.
func (p Product) Tracked() bool { return p.QuantityHand.Valid }

// NeedsSize reports whether lines of this product require a size.
func (p Product) NeedsSize() bool { return p.Parent }

// ExternalPrice reports whether pricing comes from an external provider.
func (p Product) ExternalPrice() bool { return p.PriceProvider != "" }

// PriceProvider resolves pricing data from an external catalog service.
type PriceProvider interface {
	Price(ctx context.Context, p Product, currency, country, attributes string) (pricing.Money, error)
	Taxes(ctx context.Context, p Product, currency, country, attributes string) (pricing.Money, error)
	Size(ctx context.Context, p Product, attributes string) (size int, scale int, err error)
}
