package cart

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/pricing"
)

var (
	// ErrEmpty is returned when an aggregate without lines is verified.
	ErrEmpty = errors.New("no lines")
	// ErrLineNotFound indicates the line id is not part of the aggregate.
	ErrLineNotFound = errors.New("line not found")
	// ErrInvalidQuantity rejects negative quantities.
	ErrInvalidQuantity = errors.New("quantity must not be negative")
)

// Engine carries the collaborators every aggregate calculation needs.
type Engine struct {
	Merchant Merchant
	Policy   pricing.Policy
}

// AddInput describes a product to be placed in an aggregate.
type AddInput struct {
	ProductID  string
	Quantity   pricing.Money
	Size       int
	Scale      int
	Attributes string
	// Increment adds to an existing matching line instead of returning it untouched.
	Increment bool
}

// Aggregate holds the lines and computed totals shared by bundles and orders.
type Aggregate struct {
	ID       string  `json:"id"`
	Key      string  `json:"key"`
	Currency string  `json:"currency,omitempty"`
	Country  string  `json:"country,omitempty"`
	Lines    []*Line `json:"lines"`

	Quantity             pricing.Money `json:"quantity"`
	SubTotal             pricing.Money `json:"sub_total"`
	DiscountedSubTotal   pricing.Money `json:"discounted_sub_total"`
	UndiscountedSubTotal pricing.Money `json:"undiscounted_sub_total"`
	DiscountableSubTotal pricing.Money `json:"discountable_sub_total"`

	DiscountFixed pricing.Money `json:"discount_fixed"`
	DiscountBase  pricing.Money `json:"discount_base"`
	// DiscountVoucher is the voucher part of the discount; bundles leave it at zero.
	DiscountVoucher pricing.Money `json:"discount_voucher"`
	// VoucherApplied is the share of Discount that vouchers must supply.
	VoucherApplied pricing.Money `json:"voucher_applied"`
	Discount       pricing.Money `json:"discount"`

	ShippingFixed pricing.Money `json:"shipping_fixed"`
	ShippingCost  pricing.Money `json:"shipping_cost"`
	TaxesFixed    pricing.Money `json:"taxes_fixed"`
	Taxes         pricing.Money `json:"taxes"`
	Total         pricing.Money `json:"total"`

	// Closed freezes lines against stock and price repairs.
	Closed    bool      `json:"closed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsEmpty reports whether the aggregate has no lines.
func (a *Aggregate) IsEmpty() bool { return len(a.Lines) == 0 }

// Line returns the line with the given id.
func (a *Aggregate) Line(id string) (*Line, bool) {
	for _, l := range a.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return nil, false
}

// LineFor returns the line matching the product variant and attributes.
func (a *Aggregate) LineFor(productID string, size, scale int, attributes string) (*Line, bool) {
	for _, l := range a.Lines {
		if l.Matches(productID, size, scale, attributes) {
			return l, true
		}
	}
	return nil, false
}

// Calculate recomputes every aggregate total from the current lines.
func (a *Aggregate) Calculate(p pricing.Policy) {
	quantity := pricing.Zero()
	sub := pricing.Zero()
	discounted := pricing.Zero()
	undiscounted := pricing.Zero()
	lineTaxes := pricing.Zero()
	for _, l := range a.Lines {
		quantity = quantity.Add(l.Quantity)
		sub = sub.Add(l.Total)
		lineTaxes = lineTaxes.Add(l.TotalTaxes)
		if l.Discounted {
			discounted = discounted.Add(l.Total)
		} else {
			undiscounted = undiscounted.Add(l.Total)
		}
	}
	discountable := undiscounted
	if p.DiscountDiscounted {
		discountable = sub
	}

	a.Quantity = quantity
	a.SubTotal = sub
	a.DiscountedSubTotal = discounted
	a.UndiscountedSubTotal = undiscounted
	a.DiscountableSubTotal = discountable

	in := pricing.Inputs{
		Discountable: discountable,
		Taxes:        lineTaxes,
		Quantity:     quantity,
		SubTotal:     sub,
		Currency:     a.Currency,
		Country:      a.Country,
	}
	a.Taxes = lineTaxes.Add(pricing.NonNegative(p.BuildTaxes(a.TaxesFixed, in)))
	a.ShippingCost = pricing.NonNegative(p.BuildShipping(a.ShippingFixed, in))
	a.DiscountBase = pricing.NonNegative(pricing.Min(p.BuildDiscount(a.DiscountFixed, in), discountable))
	combined := pricing.Combine(p.DiscountMode, a.DiscountBase, a.DiscountVoucher)
	a.Discount = pricing.NonNegative(pricing.Min(combined, discountable))
	switch {
	case p.DiscountMode != pricing.ModeMax:
		a.VoucherApplied = pricing.NonNegative(a.Discount.Sub(a.DiscountBase))
	case a.DiscountVoucher.GreaterThan(a.DiscountBase):
		a.VoucherApplied = a.Discount
	default:
		a.VoucherApplied = pricing.Zero()
	}
	a.Total = sub.Sub(a.Discount).Add(a.ShippingCost)
}

// AddProduct places a product in the aggregate. A matching line is returned
// as is unless in.Increment is set, in which case its quantity grows.
func (a *Aggregate) AddProduct(ctx context.Context, e *Engine, in AddInput) (*Line, error) {
	if in.Quantity.IsNegative() {
		return nil, common.Validation(ErrInvalidQuantity, "product %s", in.ProductID)
	}
	if existing, ok := a.LineFor(in.ProductID, in.Size, in.Scale, in.Attributes); ok {
		if !in.Increment {
			return existing, nil
		}
		existing.Quantity = existing.Quantity.Add(in.Quantity)
		if err := existing.Calculate(ctx, e.Merchant, a.Currency, a.Country, false); err != nil {
			return nil, err
		}
		a.Calculate(e.Policy)
		return existing, nil
	}
	line := NewLine(in.ProductID, in.Quantity, in.Size, in.Scale, in.Attributes)
	if err := line.Measure(ctx, e.Merchant, false); err != nil {
		return nil, err
	}
	if err := line.Calculate(ctx, e.Merchant, a.Currency, a.Country, true); err != nil {
		return nil, err
	}
	a.Lines = append(a.Lines, line)
	a.Calculate(e.Policy)
	return line, nil
}

// Merge adds every line of other into the aggregate following AddProduct rules.
func (a *Aggregate) Merge(ctx context.Context, e *Engine, other *Aggregate, increment bool) error {
	if other == nil {
		return nil
	}
	for _, l := range other.Lines {
		_, err := a.AddProduct(ctx, e, AddInput{
			ProductID:  l.ProductID,
			Quantity:   l.Quantity,
			Size:       l.Size,
			Scale:      l.Scale,
			Attributes: l.Attributes,
			Increment:  increment,
		})
		if err != nil {
			return err
		}
	}
	a.Calculate(e.Policy)
	return nil
}

// Refresh moves the aggregate to a new currency or country, repricing every
// line. It reports whether anything was recalculated.
func (a *Aggregate) Refresh(ctx context.Context, e *Engine, currency, country string, force bool) (bool, error) {
	if currency == "" {
		currency = a.Currency
	}
	if country == "" {
		country = a.Country
	}
	if !force && currency == a.Currency && country == a.Country {
		return false, nil
	}
	a.Currency = currency
	a.Country = country
	for _, l := range a.Lines {
		if err := l.Calculate(ctx, e.Merchant, currency, country, true); err != nil {
			return false, err
		}
	}
	a.Calculate(e.Policy)
	return true, nil
}

// TryValid repairs every line and drops those left empty. Lines that cannot
// be looked up are skipped so the others still get repaired. It reports
// whether any line changed.
func (a *Aggregate) TryValid(ctx context.Context, e *Engine) bool {
	if a.Closed {
		return false
	}
	fixed := false
	for _, l := range a.Lines {
		changed, err := l.TryValid(ctx, e.Merchant, a)
		if err != nil {
			continue
		}
		fixed = fixed || changed
	}
	if !fixed {
		return false
	}
	kept := a.Lines[:0]
	for _, l := range a.Lines {
		if !l.IsEmpty() {
			kept = append(kept, l)
		}
	}
	a.Lines = kept
	a.Calculate(e.Policy)
	return true
}

// VerifyLines fails on the first invalid line. Lines whose product is gone
// are tolerated so the remaining lines stay editable; Verify refuses them.
func (a *Aggregate) VerifyLines(ctx context.Context, e *Engine) error {
	return a.verifyLines(ctx, e, false)
}

// Verify fails when the aggregate is empty or holds an invalid line.
func (a *Aggregate) Verify(ctx context.Context, e *Engine) error {
	if a.IsEmpty() {
		return common.Validation(ErrEmpty, "%s", a.ID)
	}
	return a.verifyLines(ctx, e, true)
}

func (a *Aggregate) verifyLines(ctx context.Context, e *Engine, strict bool) error {
	for _, l := range a.Lines {
		err := l.Verify(ctx, e.Merchant, a)
		if err == nil {
			continue
		}
		if !strict && errors.Is(err, ErrLineInvalid) && lineReason(err) == ReasonUnavailable {
			continue
		}
		return err
	}
	return nil
}

func lineReason(err error) string {
	var appErr *common.AppError
	if !errors.As(err, &appErr) {
		return ""
	}
	details, _ := appErr.Details.(map[string]string)
	return details["reason"]
}

// RemoveLine drops a line by id.
func (a *Aggregate) RemoveLine(e *Engine, lineID string) error {
	for i, l := range a.Lines {
		if l.ID == lineID {
			a.Lines = append(a.Lines[:i], a.Lines[i+1:]...)
			a.Calculate(e.Policy)
			return nil
		}
	}
	return common.NotFound(ErrLineNotFound, "line %s", lineID)
}

// SetQuantity changes a line quantity; zero removes the line.
func (a *Aggregate) SetQuantity(ctx context.Context, e *Engine, lineID string, quantity pricing.Money) error {
	if quantity.IsNegative() {
		return common.Validation(ErrInvalidQuantity, "line %s", lineID)
	}
	if quantity.IsZero() {
		return a.RemoveLine(e, lineID)
	}
	l, ok := a.Line(lineID)
	if !ok {
		return common.NotFound(ErrLineNotFound, "line %s", lineID)
	}
	l.Quantity = quantity
	if err := l.Calculate(ctx, e.Merchant, a.Currency, a.Country, false); err != nil {
		return err
	}
	a.Calculate(e.Policy)
	return nil
}

// Empty removes every line.
func (a *Aggregate) Empty(e *Engine) {
	a.Lines = nil
	a.Calculate(e.Policy)
}
