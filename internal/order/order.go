package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/toko-orders/internal/cart"
	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/obs"
	"github.com/noah-isme/toko-orders/internal/payment"
	"github.com/noah-isme/toko-orders/internal/pricing"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusCreated        Status = "created"
	StatusWaitingPayment Status = "waiting_payment"
	StatusPaid           Status = "paid"
	StatusSent           Status = "sent"
	StatusReceived       Status = "received"
	StatusReturned       Status = "returned"
	StatusCanceled       Status = "canceled"
	StatusCompleted      Status = "completed"
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotShippable is returned when contact or address data is missing.
	ErrNotShippable = errors.New("order is not shippable")
	// ErrAlreadyPaid is returned when payment is attempted twice.
	ErrAlreadyPaid = errors.New("order already paid")
	// ErrAmountsLocked is returned when fixed amounts change outside the created state.
	ErrAmountsLocked = errors.New("fixed amounts can no longer change")
	// ErrNegativeAmount rejects negative fixed amounts.
	ErrNegativeAmount = errors.New("amount must not be negative")
)

// transitions lists the statuses reachable from each status.
var transitions = map[Status][]Status{
	StatusCreated:        {StatusWaitingPayment},
	StatusWaitingPayment: {StatusPaid, StatusCanceled},
	StatusPaid:           {StatusSent, StatusCompleted, StatusCanceled},
	StatusSent:           {StatusReceived, StatusReturned, StatusCompleted, StatusCanceled},
	StatusReceived:       {StatusReturned, StatusCompleted},
	StatusReturned:       {StatusCanceled},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Decrementer deducts sold quantities from merchandise stock.
type Decrementer interface {
	Decrement(ctx context.Context, productID string, qty pricing.Money) error
}

// Order is the checkout snapshot of a bundle. Lines stay mutable only while
// the order is created.
type Order struct {
	cart.Aggregate

	Status    Status     `json:"status"`
	Paid      bool       `json:"paid"`
	Date      *time.Time `json:"date,omitempty"`
	Reference string     `json:"reference"`
	BundleID  string     `json:"bundle_id,omitempty"`

	VoucherIDs []string `json:"voucher_ids"`
	// DiscountUsed is the voucher discount redeemed so far.
	DiscountUsed pricing.Money `json:"discount_used"`
	VouchersUsed bool          `json:"vouchers_used"`
	// Allocations attributes the redeemed discount to each voucher.
	Allocations map[string]pricing.Money `json:"allocations,omitempty"`

	ShippingAddressID string `json:"shipping_address_id,omitempty"`
	BillingAddressID  string `json:"billing_address_id,omitempty"`
	Email             string `json:"email,omitempty"`
	AccountID         string `json:"account_id,omitempty"`
	StoreID           string `json:"store_id,omitempty"`

	PaymentMethod        string       `json:"payment_method,omitempty"`
	Payment              payment.Data `json:"payment"`
	InventoryDecremented bool         `json:"inventory_decremented"`
}

// TemporaryReference builds the placeholder reference assigned at creation.
func TemporaryReference() string {
	return "TMP-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// FormatReference renders a final reference from a sequence number.
func FormatReference(prefix string, n int64) string {
	return fmt.Sprintf("%s-%06d", prefix, n)
}

// FromBundle verifies b and snapshots it into a new created order. The bundle
// itself is not modified.
func FromBundle(ctx context.Context, e *cart.Engine, b *cart.Bundle, now time.Time) (*Order, error) {
	if err := b.Verify(ctx, e); err != nil {
		return nil, err
	}
	agg := b.Aggregate
	agg.ID = uuid.NewString()
	agg.Key = cart.NewKey()
	agg.Closed = false
	agg.DiscountVoucher = pricing.Zero()
	agg.CreatedAt = now
	agg.UpdatedAt = now
	agg.Lines = make([]*cart.Line, 0, len(b.Lines))
	for _, l := range b.Lines {
		agg.Lines = append(agg.Lines, l.Clone())
	}
	return &Order{
		Aggregate:    agg,
		Status:       StatusCreated,
		Reference:    TemporaryReference(),
		BundleID:     b.ID,
		DiscountUsed: pricing.Zero(),
		AccountID:    b.AccountID,
		StoreID:      b.StoreID,
	}, nil
}

// IsOpen reports whether lines may still change.
func (o *Order) IsOpen() bool { return o.Status == StatusCreated }

// Calculate recomputes totals. Once vouchers are redeemed their discount is
// frozen at the used amount.
func (o *Order) Calculate(e *cart.Engine) {
	if o.VouchersUsed {
		o.DiscountVoucher = o.DiscountUsed
	}
	o.Aggregate.Calculate(e.Policy)
}

// Adjustments overrides the fixed discount, shipping and tax amounts. Nil
// fields are left unchanged.
type Adjustments struct {
	DiscountFixed *pricing.Money `json:"discount_fixed,omitempty"`
	ShippingFixed *pricing.Money `json:"shipping_fixed,omitempty"`
	TaxesFixed    *pricing.Money `json:"taxes_fixed,omitempty"`
}

// Adjust applies fixed amounts to an open order and recomputes its totals.
func (o *Order) Adjust(e *cart.Engine, a Adjustments) error {
	if !o.IsOpen() || o.VouchersUsed {
		return common.Precondition(ErrAmountsLocked, "order %s is %s", o.ID, o.Status)
	}
	for _, v := range []*pricing.Money{a.DiscountFixed, a.ShippingFixed, a.TaxesFixed} {
		if v != nil && v.IsNegative() {
			return common.Validation(ErrNegativeAmount, "order %s", o.ID)
		}
	}
	if a.DiscountFixed != nil {
		o.DiscountFixed = *a.DiscountFixed
	}
	if a.ShippingFixed != nil {
		o.ShippingFixed = *a.ShippingFixed
	}
	if a.TaxesFixed != nil {
		o.TaxesFixed = *a.TaxesFixed
	}
	o.Calculate(e)
	return nil
}

// TryValid repairs lines while the order is open.
func (o *Order) TryValid(ctx context.Context, e *cart.Engine) bool {
	if !o.IsOpen() {
		return false
	}
	return o.Aggregate.TryValid(ctx, e)
}

// CloseLines freezes every line.
func (o *Order) CloseLines() {
	o.Closed = true
	for _, l := range o.Lines {
		l.Closed = true
	}
}

// VerifyShippable fails unless the order can be sent to payment.
func (o *Order) VerifyShippable() error {
	if o.IsEmpty() {
		return common.Validation(cart.ErrEmpty, "order %s", o.ID)
	}
	missing := map[string]string{}
	if o.ShippingAddressID == "" {
		missing["shipping_address_id"] = "required"
	}
	if o.BillingAddressID == "" {
		missing["billing_address_id"] = "required"
	}
	if strings.TrimSpace(o.Email) == "" {
		missing["email"] = "required"
	}
	if len(missing) > 0 {
		err := common.Validation(ErrNotShippable, "order %s", o.ID)
		err.Details = missing
		return err
	}
	if o.Status != StatusCreated || o.Paid || o.Date != nil {
		return common.Precondition(ErrInvalidTransition, "order %s is %s", o.ID, o.Status)
	}
	return nil
}

// MarkWaitingPayment checks the order is shippable and fully covered by its
// vouchers, assigns the final reference and freezes the lines.
func (o *Order) MarkWaitingPayment(ctx context.Context, l VoucherLedger, reference string) error {
	if err := o.VerifyShippable(); err != nil {
		return err
	}
	if err := o.VerifyVouchers(ctx, l); err != nil {
		return err
	}
	if err := o.transition(StatusWaitingPayment); err != nil {
		return err
	}
	if reference != "" {
		o.Reference = reference
	}
	o.CloseLines()
	return nil
}

// VerifyPayable fails unless a payment may start.
func (o *Order) VerifyPayable() error {
	if o.Paid || o.Date != nil {
		return common.Precondition(ErrAlreadyPaid, "order %s", o.ID)
	}
	if o.Status != StatusWaitingPayment {
		return common.Precondition(ErrInvalidTransition, "order %s is %s, expected %s", o.ID, o.Status, StatusWaitingPayment)
	}
	return nil
}

// MarkPaid records a successful payment.
func (o *Order) MarkPaid(now time.Time) error {
	if err := o.VerifyPayable(); err != nil {
		return err
	}
	if err := o.transition(StatusPaid); err != nil {
		return err
	}
	o.Paid = true
	o.Date = &now
	return nil
}

// MarkSent records the shipment.
func (o *Order) MarkSent() error { return o.transition(StatusSent) }

// MarkReceived records delivery.
func (o *Order) MarkReceived() error { return o.transition(StatusReceived) }

// MarkReturned records a return.
func (o *Order) MarkReturned() error { return o.transition(StatusReturned) }

// MarkCompleted closes the order successfully.
func (o *Order) MarkCompleted() error { return o.transition(StatusCompleted) }

// CanCancel reports whether the order may be canceled.
func (o *Order) CanCancel() bool { return CanTransition(o.Status, StatusCanceled) }

// MarkCanceled cancels the order.
func (o *Order) MarkCanceled() error { return o.transition(StatusCanceled) }

// DecrementInventory deducts every line from stock, once per order.
func (o *Order) DecrementInventory(ctx context.Context, d Decrementer) error {
	if o.InventoryDecremented {
		return nil
	}
	for _, l := range o.Lines {
		if err := d.Decrement(ctx, l.ProductID, l.Quantity); err != nil {
			return fmt.Errorf("decrement %s: %w", l.ProductID, err)
		}
	}
	o.InventoryDecremented = true
	return nil
}

func (o *Order) transition(to Status) error {
	from := o.Status
	if !CanTransition(from, to) {
		return common.Precondition(ErrInvalidTransition, "order %s cannot move from %s to %s", o.ID, from, to)
	}
	o.Status = to
	obs.ObserveTransition(string(from), string(to))
	return nil
}
