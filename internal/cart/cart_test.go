package cart_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-orders/internal/cart"
	"github.com/noah-isme/toko-orders/internal/catalog"
	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/currency"
	"github.com/noah-isme/toko-orders/internal/pricing"
	"github.com/noah-isme/toko-orders/internal/store"
)

type fixture struct {
	catalog  *catalog.Service
	products *store.Memory[catalog.Product]
	rates   *currency.Registry
	engine  *cart.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	reg := currency.NewRegistry(currency.DocumentStore{
		CurrencyDocs: store.NewMemory[currency.Currency](),
		RateDocs:     store.NewMemory[currency.ExchangeRate](),
	})
	require.NoError(t, reg.PutRate(ctx, currency.ExchangeRate{Base: "EUR", Target: "USD", Rate: pricing.FromInt(2)}))
	products := store.NewMemory[catalog.Product]()
	svc, err := catalog.NewService(catalog.ServiceConfig{
		Products:  products,
		Converter: currency.NewConverter(reg),
	})
	require.NoError(t, err)
	return &fixture{
		catalog:  svc,
		products: products,
		rates:    reg,
		engine: &cart.Engine{
			Merchant: svc,
			Policy: pricing.Policy{
				Discount: pricing.PercentOf(pricing.FromInt(10)),
				Shipping: pricing.Flat(pricing.FromInt(5)),
			},
		},
	}
}

func (f *fixture) product(t *testing.T, p catalog.Product) catalog.Product {
	t.Helper()
	if p.Currency == "" {
		p.Currency = "EUR"
	}
	saved, err := f.catalog.Save(context.Background(), p)
	require.NoError(t, err)
	return saved
}

func stock(n int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(pricing.FromInt(n))
}

func TestAddProductMergeLaw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, catalog.Product{ID: "shirt", Price: pricing.FromInt(10)})
	b := cart.NewBundle("EUR", "PT", testNow)

	first, err := b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: p.ID, Quantity: pricing.FromInt(2)})
	require.NoError(t, err)

	again, err := b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: p.ID, Quantity: pricing.FromInt(3)})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.True(t, again.Quantity.Equal(pricing.FromInt(2)))
	require.Len(t, b.Lines, 1)

	inc, err := b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: p.ID, Quantity: pricing.FromInt(3), Increment: true})
	require.NoError(t, err)
	require.Equal(t, first.ID, inc.ID)
	require.True(t, inc.Quantity.Equal(pricing.FromInt(5)))
	require.True(t, inc.Total.Equal(pricing.FromInt(50)))
	require.Len(t, b.Lines, 1)

	other, err := b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: p.ID, Quantity: pricing.FromInt(1), Attributes: `{"engraving":"A"}`})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
	require.Len(t, b.Lines, 2)

	_, err = b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: p.ID, Quantity: pricing.FromInt(-1)})
	require.True(t, common.HasKind(err, common.KindValidation))
}

func TestCalculateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, catalog.Product{ID: "full", Price: pricing.FromInt(10), Taxes: pricing.FromInt(1)})
	f.product(t, catalog.Product{ID: "sale", Price: pricing.FromInt(4), Discounted: true})
	b := cart.NewBundle("EUR", "PT", testNow)
	_, err := b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "full", Quantity: pricing.FromInt(2)})
	require.NoError(t, err)
	_, err = b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "sale", Quantity: pricing.FromInt(1)})
	require.NoError(t, err)

	require.True(t, b.Quantity.Equal(pricing.FromInt(3)))
	require.True(t, b.SubTotal.Equal(pricing.FromInt(24)))
	require.True(t, b.DiscountedSubTotal.Equal(pricing.FromInt(4)))
	require.True(t, b.UndiscountedSubTotal.Equal(pricing.FromInt(20)))
	require.True(t, b.DiscountableSubTotal.Equal(pricing.FromInt(20)))
	require.True(t, b.Discount.Equal(pricing.FromInt(2)), b.Discount.String())
	require.True(t, b.ShippingCost.Equal(pricing.FromInt(5)))
	require.True(t, b.Taxes.Equal(pricing.FromInt(2)))
	require.True(t, b.Total.Equal(pricing.FromInt(27)), b.Total.String())

	snapshot := b.Aggregate
	b.Calculate(f.engine.Policy)
	b.Calculate(f.engine.Policy)
	require.True(t, snapshot.Total.Equal(b.Total))
	require.True(t, snapshot.Discount.Equal(b.Discount))
	require.True(t, snapshot.Taxes.Equal(b.Taxes))
}

func TestDiscountNeverExceedsDiscountable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, catalog.Product{ID: "cheap", Price: pricing.FromInt(3)})
	b := cart.NewBundle("EUR", "PT", testNow)
	b.DiscountFixed = pricing.FromInt(50)
	_, err := b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "cheap", Quantity: pricing.FromInt(1)})
	require.NoError(t, err)
	require.True(t, b.Discount.Equal(pricing.FromInt(3)))
	require.True(t, b.Total.Equal(pricing.FromInt(5)))
}

func TestTryValidClampsQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, catalog.Product{ID: "ring", Price: pricing.FromInt(10), QuantityHand: stock(2)})
	b := cart.NewBundle("EUR", "PT", testNow)
	line, err := b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "ring", Quantity: pricing.FromInt(5)})
	require.NoError(t, err)

	valid, err := line.IsValid(ctx, f.engine.Merchant, &b.Aggregate)
	require.NoError(t, err)
	require.False(t, valid)

	require.True(t, b.TryValid(ctx, f.engine))
	require.True(t, b.Lines[0].Quantity.Equal(pricing.FromInt(2)))
	require.True(t, b.SubTotal.Equal(pricing.FromInt(20)))

	require.False(t, b.TryValid(ctx, f.engine))
}

func TestTryValidAccountsForSiblingLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, catalog.Product{ID: "ring", Price: pricing.FromInt(10), QuantityHand: stock(3)})
	b := cart.NewBundle("EUR", "PT", testNow)
	_, err := b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "ring", Quantity: pricing.FromInt(2), Attributes: "a"})
	require.NoError(t, err)
	_, err = b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "ring", Quantity: pricing.FromInt(2), Attributes: "b"})
	require.NoError(t, err)

	require.True(t, b.TryValid(ctx, f.engine))
	require.True(t, b.Quantity.Equal(pricing.FromInt(3)))
	require.NoError(t, b.Verify(ctx, f.engine))
}

func TestTryValidDropsSoldOutLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, catalog.Product{ID: "gone", Price: pricing.FromInt(10), QuantityHand: stock(1)})
	b := cart.NewBundle("EUR", "PT", testNow)
	_, err := b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "gone", Quantity: pricing.FromInt(1)})
	require.NoError(t, err)
	require.NoError(t, f.catalog.Decrement(ctx, "gone", pricing.FromInt(1)))

	require.True(t, b.TryValid(ctx, f.engine))
	require.True(t, b.IsEmpty())

	err = b.Verify(ctx, f.engine)
	require.True(t, errors.Is(err, cart.ErrEmpty))
	require.True(t, common.HasKind(err, common.KindValidation))
}

func TestTryValidSkipsUnavailableProducts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, catalog.Product{ID: "gone", Price: pricing.FromInt(4)})
	mug := f.product(t, catalog.Product{ID: "mug", Price: pricing.FromInt(8)})
	b := cart.NewBundle("EUR", "PT", testNow)
	_, err := b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "gone", Quantity: pricing.FromInt(1)})
	require.NoError(t, err)
	_, err = b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "mug", Quantity: pricing.FromInt(1)})
	require.NoError(t, err)

	require.NoError(t, f.products.Delete(ctx, "gone"))
	mug.Price = pricing.FromInt(9)
	f.product(t, mug)

	require.True(t, b.TryValid(ctx, f.engine))
	require.Len(t, b.Lines, 2)
	require.True(t, b.Lines[1].Price.Equal(pricing.FromInt(9)))
	require.NoError(t, b.VerifyLines(ctx, f.engine))

	err = b.Verify(ctx, f.engine)
	require.True(t, errors.Is(err, cart.ErrLineInvalid))
	require.True(t, common.HasKind(err, common.KindValidation))
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, cart.ReasonUnavailable, appErr.Details.(map[string]string)["reason"])
}

func TestTryValidRepairsStalePrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, catalog.Product{ID: "mug", Price: pricing.FromInt(8)})
	b := cart.NewBundle("EUR", "PT", testNow)
	_, err := b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "mug", Quantity: pricing.FromInt(2)})
	require.NoError(t, err)

	p.Price = pricing.FromInt(9)
	f.product(t, p)

	err = b.Verify(ctx, f.engine)
	require.True(t, errors.Is(err, cart.ErrLineInvalid))
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, cart.ReasonStalePrice, appErr.Details.(map[string]string)["reason"])

	require.True(t, b.TryValid(ctx, f.engine))
	require.True(t, b.Lines[0].Price.Equal(pricing.FromInt(9)))
	require.True(t, b.SubTotal.Equal(pricing.FromInt(18)))
}

func TestClosedAggregateIsNotRepaired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t, catalog.Product{ID: "mug", Price: pricing.FromInt(8), QuantityHand: stock(1)})
	b := cart.NewBundle("EUR", "PT", testNow)
	_, err := b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "mug", Quantity: pricing.FromInt(1)})
	require.NoError(t, err)
	b.Closed = true

	p.Price = pricing.FromInt(20)
	p.QuantityHand = stock(0)
	f.product(t, p)

	require.False(t, b.TryValid(ctx, f.engine))
	require.NoError(t, b.Verify(ctx, f.engine))
}

func TestSizeRequiredForParentProducts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, catalog.Product{ID: "ring", Price: pricing.FromInt(10), Parent: true})
	b := cart.NewBundle("EUR", "PT", testNow)
	_, err := b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "ring", Quantity: pricing.FromInt(1)})
	require.NoError(t, err)

	err = b.Verify(ctx, f.engine)
	require.True(t, errors.Is(err, cart.ErrLineInvalid))

	b.Lines[0].Size = 14
	require.NoError(t, b.Verify(ctx, f.engine))
}

func TestRefreshRepricesInNewCurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, catalog.Product{ID: "mug", Price: pricing.MustParse("7.5")})
	b := cart.NewBundle("EUR", "PT", testNow)
	_, err := b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "mug", Quantity: pricing.FromInt(2)})
	require.NoError(t, err)

	changed, err := b.Refresh(ctx, f.engine, "USD", "", false)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, "USD", b.Currency)
	require.Equal(t, "PT", b.Country)
	require.True(t, b.Lines[0].Price.Equal(pricing.FromInt(15)))
	require.Equal(t, "USD", b.Lines[0].Currency)
	require.True(t, b.SubTotal.Equal(pricing.FromInt(30)))

	changed, err = b.Refresh(ctx, f.engine, "USD", "PT", false)
	require.NoError(t, err)
	require.False(t, changed)

	_, err = b.Refresh(ctx, f.engine, "JPY", "", false)
	require.True(t, errors.Is(err, currency.ErrRateNotFound))
}

func TestSetQuantityAndRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, catalog.Product{ID: "mug", Price: pricing.FromInt(4)})
	b := cart.NewBundle("EUR", "PT", testNow)
	line, err := b.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "mug", Quantity: pricing.FromInt(1)})
	require.NoError(t, err)

	require.NoError(t, b.SetQuantity(ctx, f.engine, line.ID, pricing.FromInt(3)))
	require.True(t, b.SubTotal.Equal(pricing.FromInt(12)))

	err = b.SetQuantity(ctx, f.engine, line.ID, pricing.FromInt(-2))
	require.True(t, common.HasKind(err, common.KindValidation))

	err = b.SetQuantity(ctx, f.engine, "missing", pricing.FromInt(1))
	require.True(t, common.HasKind(err, common.KindNotFound))

	require.NoError(t, b.SetQuantity(ctx, f.engine, line.ID, pricing.Zero()))
	require.True(t, b.IsEmpty())
	require.True(t, b.Total.Equal(pricing.FromInt(5)))
}

func TestMergeFollowsAddRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.product(t, catalog.Product{ID: "a", Price: pricing.FromInt(1)})
	f.product(t, catalog.Product{ID: "b", Price: pricing.FromInt(2)})

	target := cart.NewBundle("EUR", "PT", testNow)
	_, err := target.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "a", Quantity: pricing.FromInt(1)})
	require.NoError(t, err)

	guest := cart.NewBundle("EUR", "PT", testNow)
	_, err = guest.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "a", Quantity: pricing.FromInt(4)})
	require.NoError(t, err)
	_, err = guest.AddProduct(ctx, f.engine, cart.AddInput{ProductID: "b", Quantity: pricing.FromInt(1)})
	require.NoError(t, err)

	require.NoError(t, target.Merge(ctx, f.engine, &guest.Aggregate, false))
	require.Len(t, target.Lines, 2)
	line, ok := target.LineFor("a", 0, 0, "")
	require.True(t, ok)
	require.True(t, line.Quantity.Equal(pricing.FromInt(1)))

	require.NoError(t, target.Merge(ctx, f.engine, &guest.Aggregate, true))
	require.True(t, line.Quantity.Equal(pricing.FromInt(5)))
	require.True(t, target.SubTotal.Equal(pricing.FromInt(9)))
}
