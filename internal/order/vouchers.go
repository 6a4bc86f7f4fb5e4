package order

import (
	"context"
	"errors"

	"github.com/noah-isme/toko-orders/internal/cart"
	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/pricing"
	"github.com/noah-isme/toko-orders/internal/voucher"
)

var (
	// ErrVoucherAttached is returned when a voucher is attached twice.
	ErrVoucherAttached = errors.New("voucher already attached")
	// ErrVoucherNotAttached is returned when detaching an unknown voucher.
	ErrVoucherNotAttached = errors.New("voucher not attached")
	// ErrVouchersLocked is returned when vouchers change after redemption or outside the open state.
	ErrVouchersLocked = errors.New("vouchers can no longer change")
	// ErrVoucherCoverage is returned when attached vouchers cannot cover the voucher discount.
	ErrVoucherCoverage = errors.New("vouchers do not cover the discount")
)

// VoucherLedger is the voucher bookkeeping an order relies on.
type VoucherLedger interface {
	Get(ctx context.Context, id string) (voucher.Voucher, error)
	Offer(ctx context.Context, v voucher.Voucher, discountable pricing.Money, currency string) (pricing.Money, error)
	Check(ctx context.Context, v voucher.Voucher, amount pricing.Money, currency string) error
	Redeem(ctx context.Context, id, orderID string, amount pricing.Money, currency string) (voucher.Usage, error)
	Reverse(ctx context.Context, id, orderID string, amount pricing.Money, currency string) error
}

// HasVoucher reports whether the voucher is attached.
func (o *Order) HasVoucher(id string) bool {
	for _, v := range o.VoucherIDs {
		if v == id {
			return true
		}
	}
	return false
}

// AttachVoucher appends a usable voucher and recomputes the voucher discount.
func (o *Order) AttachVoucher(ctx context.Context, e *cart.Engine, l VoucherLedger, v voucher.Voucher) error {
	if !o.IsOpen() || o.VouchersUsed {
		return common.Precondition(ErrVouchersLocked, "order %s is %s", o.ID, o.Status)
	}
	if o.HasVoucher(v.ID) {
		return common.Validation(ErrVoucherAttached, "voucher %s", v.Key)
	}
	if err := l.Check(ctx, v, pricing.Zero(), o.Currency); err != nil {
		return err
	}
	o.VoucherIDs = append(o.VoucherIDs, v.ID)
	return o.RefreshVouchers(ctx, e, l)
}

// DetachVoucher removes a voucher before redemption.
func (o *Order) DetachVoucher(ctx context.Context, e *cart.Engine, l VoucherLedger, id string) error {
	if !o.IsOpen() || o.VouchersUsed {
		return common.Precondition(ErrVouchersLocked, "order %s is %s", o.ID, o.Status)
	}
	kept := o.VoucherIDs[:0]
	found := false
	for _, v := range o.VoucherIDs {
		if v == id {
			found = true
			continue
		}
		kept = append(kept, v)
	}
	if !found {
		return common.NotFound(ErrVoucherNotAttached, "voucher %s", id)
	}
	o.VoucherIDs = kept
	return o.RefreshVouchers(ctx, e, l)
}

// RefreshVouchers recomputes the voucher discount from the current offers of
// the attached vouchers. Redeemed vouchers keep their frozen discount.
func (o *Order) RefreshVouchers(ctx context.Context, e *cart.Engine, l VoucherLedger) error {
	if o.VouchersUsed {
		o.Calculate(e)
		return nil
	}
	o.DiscountVoucher = pricing.Zero()
	o.Calculate(e)
	total := pricing.Zero()
	for _, id := range o.VoucherIDs {
		v, err := l.Get(ctx, id)
		if err != nil {
			return err
		}
		offer, err := l.Offer(ctx, v, o.DiscountableSubTotal, o.Currency)
		if err != nil {
			return err
		}
		total = total.Add(offer)
	}
	o.DiscountVoucher = total
	o.Calculate(e)
	return nil
}

// pending is the voucher part of the discount not yet redeemed.
func (o *Order) pending() pricing.Money {
	return pricing.NonNegative(o.VoucherApplied.Sub(o.DiscountUsed))
}

// VerifyVouchers checks that the attached vouchers, in order, can supply the
// pending voucher discount.
func (o *Order) VerifyVouchers(ctx context.Context, l VoucherLedger) error {
	if o.VouchersUsed {
		return nil
	}
	pending := o.pending()
	for _, id := range o.VoucherIDs {
		v, err := l.Get(ctx, id)
		if err != nil {
			return err
		}
		offer, err := l.Offer(ctx, v, o.DiscountableSubTotal, o.Currency)
		if err != nil {
			return err
		}
		amount := pricing.Min(offer, pending)
		if err := l.Check(ctx, v, amount, o.Currency); err != nil {
			return err
		}
		pending = pending.Sub(amount)
	}
	if pending.IsPositive() {
		return common.Precondition(ErrVoucherCoverage, "order %s misses %s", o.ID, pending)
	}
	return nil
}

// UseVouchers redeems the pending voucher discount across the attached
// vouchers in attachment order, recording the amount taken from each. When a
// redemption fails, the ones already made by this call are reversed.
func (o *Order) UseVouchers(ctx context.Context, e *cart.Engine, l VoucherLedger) (err error) {
	if o.VouchersUsed {
		return nil
	}
	pending := o.pending()
	if o.Allocations == nil {
		o.Allocations = map[string]pricing.Money{}
	}
	var redeemed []allocation
	defer func() {
		if err != nil {
			err = o.unwind(ctx, l, redeemed, err)
		}
	}()
	for _, id := range o.VoucherIDs {
		if !pending.IsPositive() {
			break
		}
		v, err := l.Get(ctx, id)
		if err != nil {
			return err
		}
		offer, err := l.Offer(ctx, v, o.DiscountableSubTotal, o.Currency)
		if err != nil {
			return err
		}
		amount := pricing.Min(offer, pending)
		if !amount.IsPositive() {
			continue
		}
		if _, err := l.Redeem(ctx, id, o.ID, amount, o.Currency); err != nil {
			return err
		}
		redeemed = append(redeemed, allocation{id: id, amount: amount})
		pending = pending.Sub(amount)
		o.Allocations[id] = o.Allocations[id].Add(amount)
		o.DiscountUsed = o.DiscountUsed.Add(amount)
	}
	if !pending.IsZero() {
		return common.Precondition(ErrVoucherCoverage, "order %s misses %s after redemption", o.ID, pending)
	}
	o.VouchersUsed = true
	o.Calculate(e)
	return nil
}

type allocation struct {
	id     string
	amount pricing.Money
}

// unwind reverses redemptions newest first and drops them from the order.
// Reversals that fail stay recorded so a later cancel can retry them.
func (o *Order) unwind(ctx context.Context, l VoucherLedger, redeemed []allocation, cause error) error {
	errs := []error{cause}
	for i := len(redeemed) - 1; i >= 0; i-- {
		a := redeemed[i]
		if err := l.Reverse(ctx, a.id, o.ID, a.amount, o.Currency); err != nil {
			errs = append(errs, err)
			continue
		}
		left := pricing.NonNegative(o.Allocations[a.id].Sub(a.amount))
		if left.IsZero() {
			delete(o.Allocations, a.id)
		} else {
			o.Allocations[a.id] = left
		}
		o.DiscountUsed = pricing.NonNegative(o.DiscountUsed.Sub(a.amount))
	}
	return errors.Join(errs...)
}

// DisuseVouchers reverses every recorded allocation. Paid orders are left
// alone unless force is set.
func (o *Order) DisuseVouchers(ctx context.Context, l VoucherLedger, force bool) error {
	if o.Paid && !force {
		return nil
	}
	for _, id := range o.VoucherIDs {
		amount, ok := o.Allocations[id]
		if !ok {
			continue
		}
		if err := l.Reverse(ctx, id, o.ID, amount, o.Currency); err != nil {
			return err
		}
		delete(o.Allocations, id)
		o.DiscountUsed = pricing.NonNegative(o.DiscountUsed.Sub(amount))
	}
	o.VouchersUsed = false
	return nil
}
