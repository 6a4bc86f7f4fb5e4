package cart

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/events"
	"github.com/noah-isme/toko-orders/internal/lock"
	"github.com/noah-isme/toko-orders/internal/obs"
	"github.com/noah-isme/toko-orders/internal/pricing"
	"github.com/noah-isme/toko-orders/internal/store"
)

// ErrNotFound indicates the requested bundle could not be located.
var ErrNotFound = errors.New("bundle not found")

// Service encapsulates bundle operations. Every mutation runs under a
// per-bundle lock, repairs the lines and refuses to persist invalid ones.
type Service struct {
	Bundles store.Collection[Bundle]
	Engine  *Engine
	Locker  lock.Locker
	LockTTL time.Duration
	Events  *events.Bus
	Logger  *zerolog.Logger
	Now     func() time.Time
}

// CreateInput describes a new bundle.
type CreateInput struct {
	Currency  string
	Country   string
	AccountID string
	StoreID   string
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

// Create persists a new empty bundle.
func (s *Service) Create(ctx context.Context, in CreateInput) (Bundle, error) {
	b := NewBundle(in.Currency, in.Country, s.now())
	b.AccountID = strings.TrimSpace(in.AccountID)
	b.StoreID = strings.TrimSpace(in.StoreID)
	b.Calculate(s.Engine.Policy)
	if err := s.Bundles.Save(ctx, b.ID, *b); err != nil {
		return Bundle{}, err
	}
	return *b, nil
}

// Get loads a bundle by id.
func (s *Service) Get(ctx context.Context, id string) (Bundle, error) {
	b, err := s.Bundles.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Bundle{}, common.NotFound(ErrNotFound, "bundle %s", id)
		}
		return Bundle{}, err
	}
	return b, nil
}

// GetByKey loads a bundle by its secret key.
func (s *Service) GetByKey(ctx context.Context, key string) (Bundle, error) {
	if strings.TrimSpace(key) == "" {
		return Bundle{}, common.NotFound(ErrNotFound, "empty key")
	}
	b, err := s.Bundles.FindOne(ctx, store.Where(store.Eq("key", key)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Bundle{}, common.NotFound(ErrNotFound, "bundle key")
		}
		return Bundle{}, err
	}
	return b, nil
}

// ForAccount returns the account bundle, creating one when missing.
func (s *Service) ForAccount(ctx context.Context, in CreateInput) (Bundle, error) {
	if strings.TrimSpace(in.AccountID) == "" {
		return s.Create(ctx, in)
	}
	b, err := s.Bundles.FindOne(ctx, store.Where(store.Eq("account_id", in.AccountID)).OrderBy("created_at", true))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Bundle{}, err
	}
	return s.Create(ctx, in)
}

// AddProduct places a product in the bundle.
func (s *Service) AddProduct(ctx context.Context, id string, in AddInput) (Bundle, error) {
	return s.mutate(ctx, id, func(ctx context.Context, b *Bundle) error {
		_, err := b.AddProduct(ctx, s.Engine, in)
		return err
	})
}

// SetQuantity changes a line quantity; zero removes the line.
func (s *Service) SetQuantity(ctx context.Context, id, lineID string, quantity pricing.Money) (Bundle, error) {
	return s.mutate(ctx, id, func(ctx context.Context, b *Bundle) error {
		return b.SetQuantity(ctx, s.Engine, lineID, quantity)
	})
}

// RemoveLine drops a line from the bundle.
func (s *Service) RemoveLine(ctx context.Context, id, lineID string) (Bundle, error) {
	return s.mutate(ctx, id, func(_ context.Context, b *Bundle) error {
		return b.RemoveLine(s.Engine, lineID)
	})
}

// Empty removes every line from the bundle.
func (s *Service) Empty(ctx context.Context, id string) (Bundle, error) {
	return s.mutate(ctx, id, func(_ context.Context, b *Bundle) error {
		b.Empty(s.Engine)
		return nil
	})
}

// Merge adds the lines of otherID into id.
func (s *Service) Merge(ctx context.Context, id, otherID string, increment bool) (Bundle, error) {
	if id == otherID {
		return s.Get(ctx, id)
	}
	other, err := s.Get(ctx, otherID)
	if err != nil {
		return Bundle{}, err
	}
	merged, err := s.mutate(ctx, id, func(ctx context.Context, b *Bundle) error {
		return b.Merge(ctx, s.Engine, &other.Aggregate, increment)
	})
	if err != nil {
		return Bundle{}, err
	}
	s.emit(ctx, events.TopicBundleMerged, merged.ID, map[string]any{
		"bundle_id": merged.ID,
		"from_id":   otherID,
		"increment": increment,
		"lines":     len(merged.Lines),
	})
	return merged, nil
}

// Refresh moves the bundle to a new currency or country. The bundle is only
// written when something was recalculated.
func (s *Service) Refresh(ctx context.Context, id, currency, country string, force bool) (Bundle, bool, error) {
	var changed bool
	var out Bundle
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		b, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		changed, err = b.Refresh(ctx, s.Engine, strings.ToUpper(currency), strings.ToUpper(country), force)
		if err != nil {
			return err
		}
		if changed {
			if err := s.save(ctx, &b); err != nil {
				return err
			}
		}
		out = b
		return nil
	})
	return out, changed, err
}

// Validate repairs the bundle, saving it when anything changed, and then
// verifies it is ready to become an order.
func (s *Service) Validate(ctx context.Context, id string) (Bundle, error) {
	var out Bundle
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		b, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if s.repair(ctx, &b) {
			if err := s.save(ctx, &b); err != nil {
				return err
			}
		}
		out = b
		return b.Verify(ctx, s.Engine)
	})
	return out, err
}

// Delete removes a bundle.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.withLock(ctx, id, func(ctx context.Context) error {
		if err := s.Bundles.Delete(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return common.NotFound(ErrNotFound, "bundle %s", id)
			}
			return err
		}
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, id string, fn func(context.Context, *Bundle) error) (Bundle, error) {
	var out Bundle
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		b, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, &b); err != nil {
			return err
		}
		s.repair(ctx, &b)
		if err := b.VerifyLines(ctx, s.Engine); err != nil {
			return err
		}
		if err := s.save(ctx, &b); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func (s *Service) repair(ctx context.Context, b *Bundle) bool {
	if !b.TryValid(ctx, s.Engine) {
		return false
	}
	obs.ObserveBundleRepair()
	s.log(ctx).Info().Str("bundle_id", b.ID).Int("lines", len(b.Lines)).Msg("bundle_repaired")
	return true
}

func (s *Service) save(ctx context.Context, b *Bundle) error {
	b.UpdatedAt = s.now()
	return s.Bundles.Save(ctx, b.ID, *b)
}

func (s *Service) withLock(ctx context.Context, id string, fn func(context.Context) error) error {
	if s.Locker == nil {
		return fn(ctx)
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return s.Locker.WithLock(ctx, "bundle:"+id, ttl, fn)
}

func (s *Service) emit(ctx context.Context, topic, id string, payload any) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, topic, id, payload); err != nil {
		s.log(ctx).Warn().Err(err).Str("topic", topic).Str("bundle_id", id).Msg("emit_event_failed")
	}
}
