package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/currency"
	"github.com/noah-isme/toko-orders/internal/pricing"
	"github.com/noah-isme/toko-orders/internal/store"
)

var (
	// ErrNotFound indicates the requested product could not be located.
	ErrNotFound = errors.New("product not found")
	// ErrParentMissing indicates a measurement references a parent that does not exist yet.
	ErrParentMissing = errors.New("parent product missing")
	// ErrUnknownProvider indicates a product names an unregistered price provider.
	ErrUnknownProvider = errors.New("unknown price provider")
	// ErrInvalidProduct is returned when a product record breaks structural rules.
	ErrInvalidProduct = errors.New("invalid product")
)

// Service resolves live merchandise data for bundle lines and owns stock levels.
type Service struct {
	products  store.Collection[Product]
	converter *currency.Converter
	providers map[string]PriceProvider
	cache     *Cache
}

// ServiceConfig groups Service dependencies.
type ServiceConfig struct {
	Products  store.Collection[Product]
	Converter *currency.Converter
	Providers map[string]PriceProvider
	// Cache holds product reads; nil disables caching.
	Cache *Cache
}

// NewService validates the configuration and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Products == nil {
		return nil, errors.New("catalog: products collection is required")
	}
	providers := make(map[string]PriceProvider, len(cfg.Providers))
	for name, p := range cfg.Providers {
		providers[strings.ToLower(strings.TrimSpace(name))] = p
	}
	return &Service{products: cfg.Products, converter: cfg.Converter, providers: providers, cache: cfg.Cache}, nil
}

// Product loads a product, verifying its parent exists for measurements.
func (s *Service) Product(ctx context.Context, id string) (Product, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Product{}, common.NotFound(ErrNotFound, "product %s", id)
		}
		return Product{}, err
	}
	if p.ParentID != "" {
		if _, err := s.load(ctx, p.ParentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return Product{}, common.Operational(ErrParentMissing, "product %s references %s", p.ID, p.ParentID)
			}
			return Product{}, err
		}
	}
	return p, nil
}

// Save validates and upserts a product, assigning an id when empty.
func (s *Service) Save(ctx context.Context, p Product) (Product, error) {
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.NewString()
	}
	if p.Price.IsNegative() || p.Taxes.IsNegative() {
		return Product{}, common.Validation(ErrInvalidProduct, "price and taxes must not be negative")
	}
	if p.Tracked() && p.QuantityHand.Decimal.IsNegative() {
		return Product{}, common.Validation(ErrInvalidProduct, "quantity must not be negative")
	}
	if p.ParentID != "" {
		if _, err := s.products.Get(ctx, p.ParentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return Product{}, common.Operational(ErrParentMissing, "product %s references %s", p.ID, p.ParentID)
			}
			return Product{}, err
		}
	}
	if err := s.products.Save(ctx, p.ID, p); err != nil {
		return Product{}, err
	}
	s.invalidate(ctx, p.ID)
	return p, nil
}

// List returns products ordered by name together with the unpaged total.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Product, int, error) {
	q := store.Query{}.OrderBy("name", false)
	total, err := s.products.Count(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	q.Limit, q.Offset = limit, offset
	items, err := s.products.Find(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Price returns the unit price of p in the requested currency.
func (s *Service) Price(ctx context.Context, p Product, cur, country, attributes string) (pricing.Money, error) {
	if p.ExternalPrice() {
		provider, err := s.provider(p)
		if err != nil {
			return pricing.Zero(), err
		}
		return provider.Price(ctx, p, cur, country, attributes)
	}
	return s.convert(ctx, p.Price, p.Currency, cur)
}

// Taxes returns the unit taxes of p in the requested currency.
func (s *Service) Taxes(ctx context.Context, p Product, cur, country, attributes string) (pricing.Money, error) {
	if p.ExternalPrice() {
		provider, err := s.provider(p)
		if err != nil {
			return pricing.Zero(), err
		}
		return provider.Taxes(ctx, p, cur, country, attributes)
	}
	return s.convert(ctx, p.Taxes, p.Currency, cur)
}

// Size resolves the size and scale selected for p.
func (s *Service) Size(ctx context.Context, p Product, attributes string) (int, int, error) {
	if p.ExternalPrice() {
		provider, err := s.provider(p)
		if err != nil {
			return 0, 0, err
		}
		return provider.Size(ctx, p, attributes)
	}
	return p.Size, p.Scale, nil
}

// Decrement deducts qty from the on-hand stock of a product, never going below zero.
func (s *Service) Decrement(ctx context.Context, productID string, qty pricing.Money) error {
	p, err := s.products.Get(ctx, productID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return common.NotFound(ErrNotFound, "product %s", productID)
		}
		return err
	}
	if !p.Tracked() {
		return nil
	}
	p.QuantityHand = decimal.NewNullDecimal(pricing.NonNegative(p.QuantityHand.Decimal.Sub(qty)))
	if err := s.products.Save(ctx, p.ID, p); err != nil {
		return fmt.Errorf("decrement stock of %s: %w", p.ID, err)
	}
	s.invalidate(ctx, p.ID)
	return nil
}

func (s *Service) load(ctx context.Context, id string) (Product, error) {
	var p Product
	if hit, err := s.cache.GetJSON(ctx, productKey(id), &p); err == nil && hit {
		return p, nil
	}
	p, err := s.products.Get(ctx, id)
	if err != nil {
		return Product{}, err
	}
	_ = s.cache.SetJSON(ctx, productKey(id), p)
	return p, nil
}

func (s *Service) invalidate(ctx context.Context, id string) {
	_ = s.cache.Delete(ctx, productKey(id))
}

func (s *Service) provider(p Product) (PriceProvider, error) {
	provider, ok := s.providers[strings.ToLower(p.PriceProvider)]
	if !ok || provider == nil {
		return nil, common.Operational(ErrUnknownProvider, "product %s uses %q", p.ID, p.PriceProvider)
	}
	return provider, nil
}

func (s *Service) convert(ctx context.Context, value pricing.Money, from, to string) (pricing.Money, error) {
	if s.converter == nil {
		return value, nil
	}
	return s.converter.Convert(ctx, value, from, to)
}
