package currency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/pricing"
)

// DefaultDecimalPlaces is used for currencies missing from the registry.
const DefaultDecimalPlaces = 2

var (
	// ErrRateNotFound indicates neither direction of an exchange rate is registered.
	ErrRateNotFound = errors.New("exchange rate not found")
	// ErrInvalidCurrency indicates a malformed currency record.
	ErrInvalidCurrency = errors.New("invalid currency")
	// ErrInvalidRate indicates a malformed exchange rate record.
	ErrInvalidRate = errors.New("invalid exchange rate")
)

// Currency carries ISO metadata used for rounding and formatting.
type Currency struct {
	ISO           string `json:"iso"`
	DecimalPlaces int32  `json:"decimal_places"`
}

// Validate checks the structural rules of a currency record.
func (c Currency) Validate() error {
	if len(c.ISO) != 3 || strings.ToUpper(c.ISO) != c.ISO {
		return common.Validation(ErrInvalidCurrency, "iso must be a 3-letter upper case code, got %q", c.ISO)
	}
	if c.DecimalPlaces < 0 {
		return common.Validation(ErrInvalidCurrency, "decimal places must not be negative")
	}
	return nil
}

// ExchangeRate is a directed base to target conversion rate.
type ExchangeRate struct {
	ID     string        `json:"id"`
	Base   string        `json:"base"`
	Target string        `json:"target"`
	Rate   pricing.Money `json:"rate"`
}

// Validate checks the structural rules of an exchange rate.
func (r ExchangeRate) Validate() error {
	if r.Base == "" || r.Target == "" || r.Base == r.Target {
		return common.Validation(ErrInvalidRate, "base and target must be distinct currencies")
	}
	if !r.Rate.IsPositive() {
		return common.Validation(ErrInvalidRate, "rate must be positive")
	}
	return nil
}

// RateID returns the canonical identifier of a directed rate.
func RateID(base, target string) string { return base + ":" + target }

// Store persists currencies and exchange rates.
type Store interface {
	Currencies(ctx context.Context) ([]Currency, error)
	Rates(ctx context.Context) ([]ExchangeRate, error)
	SaveCurrency(ctx context.Context, c Currency) error
	SaveRate(ctx context.Context, r ExchangeRate) error
}

type rateKey struct{ base, target string }

// Registry is a read-mostly cache over the currency store. It is loaded lazily
// and reloaded only after Invalidate.
type Registry struct {
	Store Store

	mu         sync.RWMutex
	loaded     bool
	currencies map[string]Currency
	rates      map[rateKey]pricing.Money
}

// NewRegistry returns a registry backed by store.
func NewRegistry(store Store) *Registry {
	return &Registry{Store: store}
}

// Invalidate drops every cached entry.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.loaded = false
	r.currencies = nil
	r.rates = nil
	r.mu.Unlock()
}

func (r *Registry) ensure(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}
	currencies := map[string]Currency{}
	rates := map[rateKey]pricing.Money{}
	if r.Store != nil {
		list, err := r.Store.Currencies(ctx)
		if err != nil {
			return common.Operational(err, "load currencies")
		}
		for _, c := range list {
			currencies[c.ISO] = c
		}
		rateList, err := r.Store.Rates(ctx)
		if err != nil {
			return common.Operational(err, "load exchange rates")
		}
		for _, rate := range rateList {
			rates[rateKey{rate.Base, rate.Target}] = rate.Rate
		}
	}
	r.currencies = currencies
	r.rates = rates
	r.loaded = true
	return nil
}

// Get returns the currency registered under iso.
func (r *Registry) Get(ctx context.Context, iso string) (Currency, bool, error) {
	if err := r.ensure(ctx); err != nil {
		return Currency{}, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.currencies[iso]
	return c, ok, nil
}

// Places returns the decimal places of iso, DefaultDecimalPlaces when unknown.
func (r *Registry) Places(ctx context.Context, iso string) (int32, error) {
	c, ok, err := r.Get(ctx, iso)
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultDecimalPlaces, nil
	}
	return c.DecimalPlaces, nil
}

// Round rounds value half away from zero to the decimal places of iso.
func (r *Registry) Round(ctx context.Context, value pricing.Money, iso string) (pricing.Money, error) {
	places, err := r.Places(ctx, iso)
	if err != nil {
		return value, err
	}
	return value.Round(places), nil
}

// Format renders value with exactly the decimal places of iso.
func (r *Registry) Format(ctx context.Context, value pricing.Money, iso string) (string, error) {
	places, err := r.Places(ctx, iso)
	if err != nil {
		return "", err
	}
	return value.StringFixed(places), nil
}

func (r *Registry) rate(ctx context.Context, base, target string) (pricing.Money, bool, error) {
	if err := r.ensure(ctx); err != nil {
		return decimal.Zero, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rate, ok := r.rates[rateKey{base, target}]
	return rate, ok, nil
}

// PutCurrency persists c and invalidates the cache.
func (r *Registry) PutCurrency(ctx context.Context, c Currency) error {
	c.ISO = strings.ToUpper(strings.TrimSpace(c.ISO))
	if err := c.Validate(); err != nil {
		return err
	}
	if r.Store == nil {
		return errors.New("currency: store not configured")
	}
	if err := r.Store.SaveCurrency(ctx, c); err != nil {
		return fmt.Errorf("save currency %s: %w", c.ISO, err)
	}
	r.Invalidate()
	return nil
}

// PutRate persists rate and invalidates the cache.
func (r *Registry) PutRate(ctx context.Context, rate ExchangeRate) error {
	rate.Base = strings.ToUpper(strings.TrimSpace(rate.Base))
	rate.Target = strings.ToUpper(strings.TrimSpace(rate.Target))
	if err := rate.Validate(); err != nil {
		return err
	}
	if r.Store == nil {
		return errors.New("currency: store not configured")
	}
	rate.ID = RateID(rate.Base, rate.Target)
	if err := r.Store.SaveRate(ctx, rate); err != nil {
		return fmt.Errorf("save rate %s: %w", rate.ID, err)
	}
	r.Invalidate()
	return nil
}
