package voucher

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/currency"
	"github.com/noah-isme/toko-orders/internal/pricing"
)

var (
	// ErrInvalidVoucher is returned when a voucher breaks its structural rules.
	ErrInvalidVoucher = errors.New("invalid voucher")
	// ErrVoucherInactive is returned when attempting to use a voucher before its start.
	ErrVoucherInactive = errors.New("voucher not active")
	// ErrVoucherExpired is returned when the voucher has already expired.
	ErrVoucherExpired = errors.New("voucher expired")
	// ErrVoucherDisabled is returned when an admin disabled the voucher.
	ErrVoucherDisabled = errors.New("voucher disabled")
	// ErrVoucherUsed indicates the voucher reached its usage limit or balance.
	ErrVoucherUsed = errors.New("voucher already used")
	// ErrInsufficientBalance indicates the voucher cannot supply the requested amount.
	ErrInsufficientBalance = errors.New("voucher balance insufficient")
)

// Voucher is a value or percentage discount instrument.
type Voucher struct {
	ID  string `json:"id"`
	Key string `json:"key"`
	// Amount is the face value of value vouchers, in Currency.
	Amount pricing.Money `json:"amount"`
	// Percentage is the share of the discountable base granted by percentage vouchers.
	Percentage pricing.Money `json:"percentage"`
	Currency   string        `json:"currency,omitempty"`
	UsageCount int           `json:"usage_count"`
	// UsageLimit caps the number of uses; zero means unlimited uses.
	UsageLimit int           `json:"usage_limit"`
	UsedAmount pricing.Money `json:"used_amount"`
	// Unlimited value vouchers never have their balance decremented.
	Unlimited  bool       `json:"unlimited"`
	Start      *time.Time `json:"start,omitempty"`
	Expiration *time.Time `json:"expiration,omitempty"`
	Used       bool       `json:"used"`
	Enabled    bool       `json:"enabled"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Usage is the audit record written for every redemption.
type Usage struct {
	ID        string        `json:"id"`
	VoucherID string        `json:"voucher_id"`
	OrderID   string        `json:"order_id,omitempty"`
	Amount    pricing.Money `json:"amount"`
	Currency  string        `json:"currency,omitempty"`
	// Reversed marks usages undone by an order cancellation.
	Reversed  bool      `json:"reversed"`
	CreatedAt time.Time `json:"created_at"`
}

// IsValue reports whether the voucher carries a fixed amount.
func (v Voucher) IsValue() bool { return v.Amount.IsPositive() }

// IsPercentage reports whether the voucher grants a percentage of the discountable base.
func (v Voucher) IsPercentage() bool { return v.Percentage.IsPositive() }

// Validate checks the structural rules of the voucher.
func (v Voucher) Validate() error {
	if strings.TrimSpace(v.Key) == "" {
		return common.Validation(ErrInvalidVoucher, "key is required")
	}
	if v.Amount.IsNegative() || v.Percentage.IsNegative() {
		return common.Validation(ErrInvalidVoucher, "amount and percentage must not be negative")
	}
	if v.IsValue() == v.IsPercentage() {
		return common.Validation(ErrInvalidVoucher, "exactly one of amount or percentage must be set")
	}
	if v.Percentage.GreaterThan(pricing.FromInt(100)) {
		return common.Validation(ErrInvalidVoucher, "percentage must not exceed 100")
	}
	if v.IsValue() && strings.TrimSpace(v.Currency) == "" {
		return common.Validation(ErrInvalidVoucher, "value vouchers require a currency")
	}
	if v.UsageLimit < 0 || v.UsageCount < 0 {
		return common.Validation(ErrInvalidVoucher, "usage counters must not be negative")
	}
	if v.Start != nil && v.Expiration != nil && v.Expiration.Before(*v.Start) {
		return common.Validation(ErrInvalidVoucher, "expiration precedes start")
	}
	return nil
}

// Usable returns the reason the voucher cannot be used at now, if any.
func (v Voucher) Usable(now time.Time) error {
	if !v.Enabled {
		return ErrVoucherDisabled
	}
	if v.Start != nil && now.Before(*v.Start) {
		return ErrVoucherInactive
	}
	if v.Expiration != nil && now.After(*v.Expiration) {
		return ErrVoucherExpired
	}
	if v.Used || v.limitReached() {
		return ErrVoucherUsed
	}
	return nil
}

// IsValid reports whether the voucher can be used at now.
func (v Voucher) IsValid(now time.Time) bool { return v.Usable(now) == nil }

// OpenAmount returns the remaining balance of a value voucher in the requested
// currency; percentage vouchers have no balance.
func (v Voucher) OpenAmount(ctx context.Context, conv *currency.Converter, cur string) (pricing.Money, error) {
	if !v.IsValue() {
		return pricing.Zero(), nil
	}
	open := v.Amount
	if !v.Unlimited {
		open = pricing.NonNegative(v.Amount.Sub(v.UsedAmount))
	}
	return conv.Convert(ctx, open, v.Currency, cur)
}

// Offer returns the discount this voucher can grant against discountable, in cur.
func (v Voucher) Offer(ctx context.Context, conv *currency.Converter, discountable pricing.Money, cur string) (pricing.Money, error) {
	if v.IsPercentage() {
		offer := discountable.Mul(v.Percentage).Div(pricing.FromInt(100))
		if conv != nil && conv.Registry != nil {
			return conv.Registry.Round(ctx, offer, cur)
		}
		return offer, nil
	}
	return v.OpenAmount(ctx, conv, cur)
}

// Check verifies the voucher is usable at now and, for value vouchers, can
// supply amount expressed in cur.
func (v Voucher) Check(ctx context.Context, conv *currency.Converter, now time.Time, amount pricing.Money, cur string) error {
	if err := v.Usable(now); err != nil {
		return common.Precondition(err, "voucher %s", v.Key)
	}
	if !v.IsValue() {
		return nil
	}
	open, err := v.OpenAmount(ctx, conv, cur)
	if err != nil {
		return err
	}
	if amount.GreaterThan(open) {
		return common.Precondition(ErrInsufficientBalance, "voucher %s offers %s, %s requested", v.Key, open, amount)
	}
	return nil
}

// Use redeems amount (in cur) from the voucher and returns the audit record.
func (v *Voucher) Use(ctx context.Context, conv *currency.Converter, now time.Time, amount pricing.Money, cur string) (Usage, error) {
	if amount.IsNegative() {
		return Usage{}, common.Validation(ErrInvalidVoucher, "usage amount must not be negative")
	}
	if err := v.Check(ctx, conv, now, amount, cur); err != nil {
		return Usage{}, err
	}
	if v.IsValue() && !v.Unlimited {
		local, err := conv.Convert(ctx, amount, cur, v.Currency)
		if err != nil {
			return Usage{}, err
		}
		v.UsedAmount = v.UsedAmount.Add(local)
	}
	v.UsageCount++
	v.Used = v.limitReached() || v.balanceSpent()
	v.UpdatedAt = now
	return Usage{
		ID:        uuid.NewString(),
		VoucherID: v.ID,
		Amount:    amount,
		Currency:  cur,
		CreatedAt: now,
	}, nil
}

// Disuse reverses a previous redemption of amount (in cur), flooring the counters at zero.
func (v *Voucher) Disuse(ctx context.Context, conv *currency.Converter, amount pricing.Money, cur string) error {
	if v.IsValue() && !v.Unlimited {
		local, err := conv.Convert(ctx, amount, cur, v.Currency)
		if err != nil {
			return err
		}
		v.UsedAmount = pricing.NonNegative(v.UsedAmount.Sub(local))
	}
	if v.UsageCount > 0 {
		v.UsageCount--
	}
	v.Used = v.limitReached() || v.balanceSpent()
	return nil
}

func (v Voucher) limitReached() bool {
	return v.UsageLimit > 0 && v.UsageCount >= v.UsageLimit
}

func (v Voucher) balanceSpent() bool {
	return v.IsValue() && !v.Unlimited && v.UsedAmount.GreaterThanOrEqual(v.Amount)
}
