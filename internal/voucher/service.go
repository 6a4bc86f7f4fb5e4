package voucher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/currency"
	"github.com/noah-isme/toko-orders/internal/events"
	"github.com/noah-isme/toko-orders/internal/lock"
	"github.com/noah-isme/toko-orders/internal/obs"
	"github.com/noah-isme/toko-orders/internal/pricing"
	"github.com/noah-isme/toko-orders/internal/store"
)

var (
	// ErrNotFound indicates the requested voucher could not be located.
	ErrNotFound = errors.New("voucher not found")
	// ErrDuplicateKey indicates another voucher already uses the key.
	ErrDuplicateKey = errors.New("voucher key already exists")
)

// Service owns voucher persistence, redemption and reversal.
type Service struct {
	Vouchers  store.Collection[Voucher]
	Usages    store.Collection[Usage]
	Converter *currency.Converter
	Locker    lock.Locker
	LockTTL   time.Duration
	Events    *events.Bus
	Logger    *zerolog.Logger
	Now       func() time.Time
}

// CreateInput describes a voucher created by an administrator.
type CreateInput struct {
	Key        string
	Amount     pricing.Money
	Percentage pricing.Money
	Currency   string
	UsageLimit int
	Unlimited  bool
	Start      *time.Time
	Expiration *time.Time
	Disabled   bool
}

// ListFilter narrows List results.
type ListFilter struct {
	Enabled *bool
	Limit   int
	Offset  int
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	return obs.Ctx(ctx, s.Logger)
}

// Create validates and stores a new voucher, generating a key when absent.
func (s *Service) Create(ctx context.Context, in CreateInput) (Voucher, error) {
	now := s.now()
	v := Voucher{
		ID:         uuid.NewString(),
		Key:        strings.ToUpper(strings.TrimSpace(in.Key)),
		Amount:     in.Amount,
		Percentage: in.Percentage,
		Currency:   strings.ToUpper(strings.TrimSpace(in.Currency)),
		UsageLimit: in.UsageLimit,
		UsedAmount: pricing.Zero(),
		Unlimited:  in.Unlimited,
		Start:      in.Start,
		Expiration: in.Expiration,
		Enabled:    !in.Disabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if v.Key == "" {
		v.Key = NewKey()
	}
	if err := v.Validate(); err != nil {
		return Voucher{}, err
	}
	if _, err := s.GetByKey(ctx, v.Key); err == nil {
		return Voucher{}, common.Validation(ErrDuplicateKey, "key %s", v.Key)
	} else if !errors.Is(err, ErrNotFound) {
		return Voucher{}, err
	}
	if err := s.Vouchers.Save(ctx, v.ID, v); err != nil {
		return Voucher{}, err
	}
	return v, nil
}

// NewKey generates a short uppercase voucher key.
func NewKey() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// Get loads a voucher by id.
func (s *Service) Get(ctx context.Context, id string) (Voucher, error) {
	v, err := s.Vouchers.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Voucher{}, common.NotFound(ErrNotFound, "voucher %s", id)
		}
		return Voucher{}, err
	}
	return v, nil
}

// GetByKey loads a voucher by its secret key.
func (s *Service) GetByKey(ctx context.Context, key string) (Voucher, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	v, err := s.Vouchers.FindOne(ctx, store.Where(store.Eq("key", key)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Voucher{}, common.NotFound(ErrNotFound, "voucher key")
		}
		return Voucher{}, err
	}
	return v, nil
}

// List returns vouchers newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Voucher, error) {
	q := store.Query{Limit: f.Limit, Offset: f.Offset}.OrderBy("created_at", true)
	if f.Enabled != nil {
		q.Filters = append(q.Filters, store.Eq("enabled", *f.Enabled))
	}
	return s.Vouchers.Find(ctx, q)
}

// SetEnabled toggles whether the voucher may be used.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (Voucher, error) {
	var out Voucher
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		v, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		v.Enabled = enabled
		v.UpdatedAt = s.now()
		if err := s.Vouchers.Save(ctx, v.ID, v); err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Offer returns the discount v can grant against discountable in cur.
func (s *Service) Offer(ctx context.Context, v Voucher, discountable pricing.Money, cur string) (pricing.Money, error) {
	return v.Offer(ctx, s.Converter, discountable, cur)
}

// Check verifies v can supply amount in cur right now.
func (s *Service) Check(ctx context.Context, v Voucher, amount pricing.Money, cur string) error {
	return v.Check(ctx, s.Converter, s.now(), amount, cur)
}

// Redeem uses amount of the voucher for an order and records the usage.
func (s *Service) Redeem(ctx context.Context, id, orderID string, amount pricing.Money, cur string) (Usage, error) {
	var usage Usage
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		v, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		before := v
		usage, err = v.Use(ctx, s.Converter, s.now(), amount, cur)
		if err != nil {
			return err
		}
		usage.OrderID = orderID
		if err := s.Vouchers.Save(ctx, v.ID, v); err != nil {
			return err
		}
		if s.Usages != nil {
			if err := s.Usages.Save(ctx, usage.ID, usage); err != nil {
				err = fmt.Errorf("record voucher usage: %w", err)
				if rerr := s.Vouchers.Save(ctx, before.ID, before); rerr != nil {
					return errors.Join(err, fmt.Errorf("restore voucher %s: %w", id, rerr))
				}
				return err
			}
		}
		return nil
	})
	obs.ObserveVoucher("use", err)
	if err != nil {
		return Usage{}, err
	}
	s.log(ctx).Info().Str("voucher_id", id).Str("order_id", orderID).Str("amount", amount.String()).Msg("voucher_used")
	s.emit(ctx, events.TopicVoucherUsed, id, map[string]any{
		"voucher_id": id,
		"order_id":   orderID,
		"amount":     amount.String(),
		"currency":   cur,
	})
	return usage, nil
}

// Reverse undoes a redemption of amount made for an order.
func (s *Service) Reverse(ctx context.Context, id, orderID string, amount pricing.Money, cur string) error {
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		v, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := v.Disuse(ctx, s.Converter, amount, cur); err != nil {
			return err
		}
		v.UpdatedAt = s.now()
		if err := s.Vouchers.Save(ctx, v.ID, v); err != nil {
			return err
		}
		return s.markReversed(ctx, id, orderID)
	})
	obs.ObserveVoucher("disuse", err)
	if err == nil {
		s.log(ctx).Info().Str("voucher_id", id).Str("order_id", orderID).Str("amount", amount.String()).Msg("voucher_disused")
	}
	return err
}

// ListUsages lists the usage records of a voucher, oldest first.
func (s *Service) ListUsages(ctx context.Context, id string) ([]Usage, error) {
	if s.Usages == nil {
		return nil, nil
	}
	return s.Usages.Find(ctx, store.Where(store.Eq("voucher_id", id)).OrderBy("created_at", false))
}

// Remind emits a voucher.remind event for every usable voucher expiring
// within the window and returns how many were found.
func (s *Service) Remind(ctx context.Context, within time.Duration) (int, error) {
	vouchers, err := s.Vouchers.Find(ctx, store.Where(store.Eq("enabled", true), store.Eq("used", false)))
	if err != nil {
		return 0, err
	}
	now := s.now()
	deadline := now.Add(within)
	count := 0
	for _, v := range vouchers {
		if v.Expiration == nil || v.Expiration.Before(now) || v.Expiration.After(deadline) {
			continue
		}
		if !v.IsValid(now) {
			continue
		}
		count++
		s.emit(ctx, events.TopicVoucherRemind, v.ID, map[string]any{
			"voucher_id": v.ID,
			"key":        v.Key,
			"expiration": v.Expiration.Format(time.RFC3339),
		})
	}
	return count, nil
}

func (s *Service) markReversed(ctx context.Context, id, orderID string) error {
	if s.Usages == nil || orderID == "" {
		return nil
	}
	usages, err := s.Usages.Find(ctx, store.Where(store.Eq("voucher_id", id), store.Eq("order_id", orderID), store.Eq("reversed", false)))
	if err != nil {
		return err
	}
	for _, u := range usages {
		u.Reversed = true
		if err := s.Usages.Save(ctx, u.ID, u); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) withLock(ctx context.Context, id string, fn func(context.Context) error) error {
	if s.Locker == nil {
		return fn(ctx)
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return s.Locker.WithLock(ctx, "voucher:"+id, ttl, fn)
}

func (s *Service) emit(ctx context.Context, topic, id string, payload any) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, topic, id, payload); err != nil {
		s.log(ctx).Warn().Err(err).Str("topic", topic).Str("voucher_id", id).Msg("emit_event_failed")
	}
}
