package currency

import (
	"context"

	"github.com/noah-isme/toko-orders/internal/store"
)

// DocumentStore adapts document collections to the currency Store.
type DocumentStore struct {
	CurrencyDocs store.Collection[Currency]
	RateDocs     store.Collection[ExchangeRate]
}

// Currencies lists every currency record.
func (s DocumentStore) Currencies(ctx context.Context) ([]Currency, error) {
	return s.CurrencyDocs.Find(ctx, store.Query{}.OrderBy("iso", false))
}

// Rates lists every exchange rate record.
func (s DocumentStore) Rates(ctx context.Context) ([]ExchangeRate, error) {
	return s.RateDocs.Find(ctx, store.Query{})
}

// SaveCurrency upserts c keyed by its ISO code.
func (s DocumentStore) SaveCurrency(ctx context.Context, c Currency) error {
	return s.CurrencyDocs.Save(ctx, c.ISO, c)
}

// SaveRate upserts r keyed by its direction.
func (s DocumentStore) SaveRate(ctx context.Context, r ExchangeRate) error {
	return s.RateDocs.Save(ctx, RateID(r.Base, r.Target), r)
}
