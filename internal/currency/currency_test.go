package currency

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/pricing"
	"github.com/noah-isme/toko-orders/internal/store"
)

type countingStore struct {
	DocumentStore
	loads int
}

func (s *countingStore) Currencies(ctx context.Context) ([]Currency, error) {
	s.loads++
	return s.DocumentStore.Currencies(ctx)
}

func newRegistry(t *testing.T) (*Registry, *countingStore) {
	t.Helper()
	st := &countingStore{DocumentStore: DocumentStore{
		CurrencyDocs: store.NewMemory[Currency](),
		RateDocs:     store.NewMemory[ExchangeRate](),
	}}
	reg := NewRegistry(st)
	ctx := context.Background()
	require.NoError(t, reg.PutCurrency(ctx, Currency{ISO: "EUR", DecimalPlaces: 2}))
	require.NoError(t, reg.PutCurrency(ctx, Currency{ISO: "usd", DecimalPlaces: 2}))
	require.NoError(t, reg.PutCurrency(ctx, Currency{ISO: "JPY", DecimalPlaces: 0}))
	return reg, st
}

func TestRegistryCachesUntilInvalidated(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	places, err := reg.Places(ctx, "JPY")
	require.NoError(t, err)
	require.EqualValues(t, 0, places)
	_, err = reg.Places(ctx, "EUR")
	require.NoError(t, err)
	require.Equal(t, 1, st.loads)

	require.NoError(t, reg.PutCurrency(ctx, Currency{ISO: "JPY", DecimalPlaces: 1}))
	places, err = reg.Places(ctx, "JPY")
	require.NoError(t, err)
	require.EqualValues(t, 1, places)
	require.Equal(t, 2, st.loads)

	places, err = reg.Places(ctx, "XXX")
	require.NoError(t, err)
	require.EqualValues(t, DefaultDecimalPlaces, places)
}

func TestRegistryRoundAndFormat(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	rounded, err := reg.Round(ctx, pricing.MustParse("10.005"), "EUR")
	require.NoError(t, err)
	require.True(t, rounded.Equal(pricing.MustParse("10.01")))

	formatted, err := reg.Format(ctx, pricing.MustParse("1234.5"), "JPY")
	require.NoError(t, err)
	require.Equal(t, "1235", formatted)
}

func TestCurrencyValidation(t *testing.T) {
	reg, _ := newRegistry(t)
	err := reg.PutCurrency(context.Background(), Currency{ISO: "EURO"})
	require.True(t, common.HasKind(err, common.KindValidation))
	err = reg.PutRate(context.Background(), ExchangeRate{Base: "EUR", Target: "EUR", Rate: pricing.FromInt(1)})
	require.True(t, errors.Is(err, ErrInvalidRate))
}

func TestConvertDirectAndReciprocal(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.PutRate(ctx, ExchangeRate{Base: "EUR", Target: "USD", Rate: pricing.MustParse("1.25")}))
	conv := NewConverter(reg)

	usd, err := conv.Convert(ctx, pricing.FromInt(10), "EUR", "USD")
	require.NoError(t, err)
	require.True(t, usd.Equal(pricing.MustParse("12.5")))

	eur, err := conv.Convert(ctx, pricing.FromInt(10), "USD", "EUR")
	require.NoError(t, err)
	require.True(t, eur.Equal(pricing.FromInt(8)))

	same, err := conv.Convert(ctx, pricing.MustParse("3.333"), "EUR", "")
	require.NoError(t, err)
	require.True(t, same.Equal(pricing.MustParse("3.333")))

	_, err = conv.Convert(ctx, pricing.FromInt(1), "EUR", "JPY")
	require.True(t, errors.Is(err, ErrRateNotFound))
	require.True(t, common.HasKind(err, common.KindOperational))
}

func TestConvertRoundTripWithinOneUnit(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.PutRate(ctx, ExchangeRate{Base: "EUR", Target: "USD", Rate: pricing.MustParse("1.10")}))
	require.NoError(t, reg.PutRate(ctx, ExchangeRate{Base: "USD", Target: "EUR", Rate: pricing.MustParse("0.909091")}))
	conv := NewConverter(reg)

	for _, raw := range []string{"100", "19.99", "0.01", "12345.67"} {
		x := pricing.MustParse(raw)
		there, err := conv.Convert(ctx, x, "EUR", "USD")
		require.NoError(t, err)
		back, err := conv.Convert(ctx, there, "USD", "EUR")
		require.NoError(t, err)
		require.True(t, back.Sub(x).Abs().LessThanOrEqual(pricing.MustParse("0.01")), "%s -> %s -> %s", x, there, back)
	}
}
