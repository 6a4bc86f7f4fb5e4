package cart

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/noah-isme/toko-orders/internal/catalog"
	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/pricing"
)

// ErrLineInvalid signals an out-of-stock, stale-price or unsized line.
var ErrLineInvalid = errors.New("line is not valid")

// Reasons reported when a line fails validation.
const (
	ReasonNegativeQuantity = "negative_quantity"
	ReasonOutOfStock       = "out_of_stock"
	ReasonStalePrice       = "stale_price"
	ReasonSizeRequired     = "size_required"
	ReasonUnavailable      = "product_unavailable"
)

// Merchant resolves live merchandise data for lines.
type Merchant interface {
	Product(ctx context.Context, id string) (catalog.Product, error)
	Price(ctx context.Context, p catalog.Product, currency, country, attributes string) (pricing.Money, error)
	Taxes(ctx context.Context, p catalog.Product, currency, country, attributes string) (pricing.Money, error)
	Size(ctx context.Context, p catalog.Product, attributes string) (int, int, error)
}

// Line is a single product, variant and quantity entry owned by a bundle or order.
type Line struct {
	ID         string        `json:"id"`
	ProductID  string        `json:"product_id"`
	Size       int           `json:"size,omitempty"`
	Scale      int           `json:"scale,omitempty"`
	Quantity   pricing.Money `json:"quantity"`
	Price      pricing.Money `json:"price"`
	Taxes      pricing.Money `json:"taxes"`
	Currency   string        `json:"currency,omitempty"`
	Country    string        `json:"country,omitempty"`
	Total      pricing.Money `json:"total"`
	TotalTaxes pricing.Money `json:"total_taxes"`
	Discounted bool          `json:"discounted"`
	Closed     bool          `json:"closed"`
	Priced     bool          `json:"priced"`
	Attributes string        `json:"attributes,omitempty"`
}

// NewLine builds an unpriced line.
func NewLine(productID string, quantity pricing.Money, size, scale int, attributes string) *Line {
	return &Line{
		ID:         uuid.NewString(),
		ProductID:  productID,
		Size:       size,
		Scale:      scale,
		Quantity:   quantity,
		Attributes: attributes,
	}
}

// IsEmpty reports whether the line has no quantity left.
func (l *Line) IsEmpty() bool { return l.Quantity.IsZero() }

// IsDirty reports whether the cached price no longer matches the requested currency or country.
func (l *Line) IsDirty(currency, country string) bool {
	return !l.Priced || l.Currency != currency || l.Country != country
}

// Matches reports whether the line holds the exact product variant and attributes.
func (l *Line) Matches(productID string, size, scale int, attributes string) bool {
	return l.ProductID == productID && l.Size == size && l.Scale == scale && l.Attributes == attributes
}

// Clone returns a detached copy with a fresh id.
func (l *Line) Clone() *Line {
	c := *l
	c.ID = uuid.NewString()
	c.Closed = false
	return &c
}

// Calculate recomputes totals, refreshing the unit price from the merchandise
// when the line is dirty or force is set. Closed lines are left untouched.
func (l *Line) Calculate(ctx context.Context, m Merchant, currency, country string, force bool) error {
	if l.Closed {
		return nil
	}
	if currency == "" {
		currency = l.Currency
	}
	if country == "" {
		country = l.Country
	}
	if force || l.IsDirty(currency, country) {
		p, err := m.Product(ctx, l.ProductID)
		if err != nil {
			return err
		}
		if err := l.refreshPrice(ctx, m, p, currency, country); err != nil {
			return err
		}
	}
	l.totals()
	return nil
}

// Measure resolves size and scale from the merchandise when not already set.
func (l *Line) Measure(ctx context.Context, m Merchant, force bool) error {
	if l.Size != 0 && !force {
		return nil
	}
	p, err := m.Product(ctx, l.ProductID)
	if err != nil {
		return err
	}
	size, scale, err := m.Size(ctx, p, l.Attributes)
	if err != nil {
		return err
	}
	if size != 0 {
		l.Size, l.Scale = size, scale
	}
	return nil
}

// TryValid clamps the quantity to the available stock and adopts the current
// merchandise price, reporting whether anything changed. Lookup failures are
// the only errors returned; the line is left as it was.
func (l *Line) TryValid(ctx context.Context, m Merchant, a *Aggregate) (bool, error) {
	if l.Closed || (a != nil && a.Closed) {
		return false, nil
	}
	p, err := m.Product(ctx, l.ProductID)
	if err != nil {
		return false, err
	}
	fixed := false
	if available, tracked := l.available(p, a); tracked && l.Quantity.GreaterThan(available) {
		l.Quantity = available
		fixed = true
	}
	if !p.ExternalPrice() {
		price, err := m.Price(ctx, p, l.Currency, l.Country, l.Attributes)
		if err != nil {
			return fixed, err
		}
		if !l.Priced || !price.Equal(l.Price) {
			if err := l.refreshPrice(ctx, m, p, l.Currency, l.Country); err != nil {
				return fixed, err
			}
			fixed = true
		}
	}
	if fixed {
		l.totals()
	}
	return fixed, nil
}

// IsValid reports whether the line can be saved as is.
func (l *Line) IsValid(ctx context.Context, m Merchant, a *Aggregate) (bool, error) {
	reason, err := l.check(ctx, m, a)
	return reason == "", err
}

// Verify fails with a validation error when the line is not valid.
func (l *Line) Verify(ctx context.Context, m Merchant, a *Aggregate) error {
	reason, err := l.check(ctx, m, a)
	if err != nil {
		return err
	}
	if reason != "" {
		appErr := common.Validation(ErrLineInvalid, "line %s of product %s: %s", l.ID, l.ProductID, reason)
		appErr.Details = map[string]string{"line_id": l.ID, "product_id": l.ProductID, "reason": reason}
		return appErr
	}
	return nil
}

func (l *Line) check(ctx context.Context, m Merchant, a *Aggregate) (string, error) {
	if l.Quantity.IsNegative() {
		return ReasonNegativeQuantity, nil
	}
	p, err := m.Product(ctx, l.ProductID)
	if err != nil {
		if common.HasKind(err, common.KindNotFound) {
			return ReasonUnavailable, nil
		}
		return "", err
	}
	closed := l.Closed || (a != nil && a.Closed)
	if !closed {
		if available, tracked := l.available(p, a); tracked && l.Quantity.GreaterThan(available) {
			return ReasonOutOfStock, nil
		}
		if !p.ExternalPrice() {
			price, err := m.Price(ctx, p, l.Currency, l.Country, l.Attributes)
			if err != nil {
				return "", err
			}
			if !price.Equal(l.Price) {
				return ReasonStalePrice, nil
			}
		}
	}
	if p.NeedsSize() && l.Size == 0 {
		return ReasonSizeRequired, nil
	}
	return "", nil
}

// available returns the stock left for this line once sibling lines of the
// same product in a are accounted for.
func (l *Line) available(p catalog.Product, a *Aggregate) (pricing.Money, bool) {
	if !p.Tracked() {
		return pricing.Zero(), false
	}
	hand := p.QuantityHand.Decimal
	if a != nil {
		for _, sibling := range a.Lines {
			if sibling == l || sibling.ID == l.ID || sibling.ProductID != l.ProductID {
				continue
			}
			hand = hand.Sub(sibling.Quantity)
		}
	}
	return pricing.NonNegative(hand), true
}

func (l *Line) refreshPrice(ctx context.Context, m Merchant, p catalog.Product, currency, country string) error {
	price, err := m.Price(ctx, p, currency, country, l.Attributes)
	if err != nil {
		return err
	}
	taxes, err := m.Taxes(ctx, p, currency, country, l.Attributes)
	if err != nil {
		return err
	}
	l.Price = price
	l.Taxes = taxes
	l.Currency = currency
	l.Country = country
	l.Discounted = p.Discounted
	l.Priced = true
	return nil
}

func (l *Line) totals() {
	l.Total = l.Quantity.Mul(l.Price)
	l.TotalTaxes = l.Quantity.Mul(l.Taxes)
}
