package checkout_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-orders/internal/cart"
	"github.com/noah-isme/toko-orders/internal/catalog"
	"github.com/noah-isme/toko-orders/internal/checkout"
	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/currency"
	"github.com/noah-isme/toko-orders/internal/events"
	"github.com/noah-isme/toko-orders/internal/lock"
	"github.com/noah-isme/toko-orders/internal/order"
	"github.com/noah-isme/toko-orders/internal/payment"
	"github.com/noah-isme/toko-orders/internal/pricing"
	"github.com/noah-isme/toko-orders/internal/sequence"
	"github.com/noah-isme/toko-orders/internal/store"
	"github.com/noah-isme/toko-orders/internal/voucher"
)

var testNow = time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)

type fakeGateway struct {
	payErr     error
	endPayErr  error
	pays       int
	cancels    int
	lastCharge payment.Charge
}

func (g *fakeGateway) Engine() string    { return "fake" }
func (g *fakeGateway) Methods() []string { return []string{"card"} }

func (g *fakeGateway) Pay(_ context.Context, c payment.Charge) (payment.Result, error) {
	g.pays++
	g.lastCharge = c
	if g.payErr != nil {
		return payment.Result{}, g.payErr
	}
	if c.Secure {
		return payment.Result{
			RedirectURL: "https://pay.example/3ds/src_1",
			Data:        payment.Data{Engine: "fake", Card: &payment.CardData{SourceID: "src_1", Secure: true}},
		}, nil
	}
	return payment.Result{Paid: true, Data: payment.Data{Engine: "fake", Card: &payment.CardData{ChargeID: "ch_1"}}}, nil
}

func (g *fakeGateway) EndPay(_ context.Context, c payment.Charge, _ payment.Callback) (payment.Data, error) {
	g.lastCharge = c
	if g.endPayErr != nil {
		return payment.Data{}, g.endPayErr
	}
	return payment.Data{Engine: "fake", Card: &payment.CardData{ChargeID: "ch_2", SourceID: c.Data.Card.SourceID}}, nil
}

func (g *fakeGateway) Cancel(context.Context, payment.Charge) error {
	g.cancels++
	return nil
}

type harness struct {
	svc       *checkout.Service
	bundles   *cart.Service
	products  *store.Memory[catalog.Product]
	vouchers  *voucher.Service
	gateway   *fakeGateway
	eventDocs *store.Memory[events.Event]
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	reg := currency.NewRegistry(currency.DocumentStore{
		CurrencyDocs: store.NewMemory[currency.Currency](),
		RateDocs:     store.NewMemory[currency.ExchangeRate](),
	})
	conv := currency.NewConverter(reg)
	products := store.NewMemory[catalog.Product]()
	cat, err := catalog.NewService(catalog.ServiceConfig{Products: products, Converter: conv})
	require.NoError(t, err)
	_, err = cat.Save(ctx, catalog.Product{ID: "lamp", Price: pricing.FromInt(10), QuantityHand: decimal.NewNullDecimal(pricing.FromInt(5))})
	require.NoError(t, err)

	now := func() time.Time { return testNow }
	engine := &cart.Engine{Merchant: cat}
	eventDocs := store.NewMemory[events.Event]()
	bus := &events.Bus{Store: events.DocumentStore{Docs: eventDocs}}
	locker := &lock.Local{}
	bundles := &cart.Service{Bundles: store.NewMemory[cart.Bundle](), Engine: engine, Locker: locker, Events: bus, Now: now}
	vouchers := &voucher.Service{
		Vouchers:  store.NewMemory[voucher.Voucher](),
		Usages:    store.NewMemory[voucher.Usage](),
		Converter: conv,
		Locker:    locker,
		Events:    bus,
		Now:       now,
	}
	gw := &fakeGateway{}
	return &harness{
		svc: &checkout.Service{
			Orders:          store.NewMemory[order.Order](),
			Bundles:         bundles,
			Engine:          engine,
			Vouchers:        vouchers,
			Gateways:        payment.NewRegistry(gw),
			Inventory:       cat,
			Sequence:        &sequence.Memory{},
			Currencies:      reg,
			ReferencePrefix: "TK",
			Locker:          locker,
			Events:          bus,
			Now:             now,
		},
		bundles:   bundles,
		products:  products,
		vouchers:  vouchers,
		gateway:   gw,
		eventDocs: eventDocs,
	}
}

// waitingOrder builds a shippable order for two lamps and moves it to waiting_payment.
func (h *harness) waitingOrder(t *testing.T, voucherKey string) *order.Order {
	t.Helper()
	ctx := context.Background()
	b, err := h.bundles.Create(ctx, cart.CreateInput{})
	require.NoError(t, err)
	_, err = h.bundles.AddProduct(ctx, b.ID, cart.AddInput{ProductID: "lamp", Quantity: pricing.FromInt(2)})
	require.NoError(t, err)

	o, err := h.svc.ToOrder(ctx, b.ID)
	require.NoError(t, err)
	if voucherKey != "" {
		_, err = h.svc.AttachVoucher(ctx, o.ID, voucherKey)
		require.NoError(t, err)
	}
	_, err = h.svc.SetContact(ctx, o.ID, checkout.Contact{
		Email:             "buyer@example.com",
		ShippingAddressID: "addr-1",
		BillingAddressID:  "addr-1",
	})
	require.NoError(t, err)
	o, err = h.svc.WaitPayment(ctx, o.ID)
	require.NoError(t, err)
	return o
}

func (h *harness) topics(t *testing.T) []string {
	t.Helper()
	evs, err := h.eventDocs.Find(context.Background(), store.Query{})
	require.NoError(t, err)
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Topic)
	}
	return out
}

func TestToOrderLeavesBundleAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b, err := h.bundles.Create(ctx, cart.CreateInput{})
	require.NoError(t, err)
	_, err = h.bundles.AddProduct(ctx, b.ID, cart.AddInput{ProductID: "lamp", Quantity: pricing.FromInt(2)})
	require.NoError(t, err)

	o, err := h.svc.ToOrder(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusCreated, o.Status)
	require.True(t, o.Total.Equal(pricing.FromInt(20)))

	byKey, err := h.svc.GetByKey(ctx, o.Key)
	require.NoError(t, err)
	require.Equal(t, o.ID, byKey.ID)

	stored, err := h.bundles.Get(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 1)
	require.False(t, stored.Closed)
	require.Contains(t, h.topics(t), events.TopicOrderCreated)

	empty, err := h.bundles.Create(ctx, cart.CreateInput{})
	require.NoError(t, err)
	_, err = h.svc.ToOrder(ctx, empty.ID)
	require.True(t, errors.Is(err, cart.ErrEmpty))
}

func TestWaitPaymentAssignsReference(t *testing.T) {
	h := newHarness(t)
	first := h.waitingOrder(t, "")
	second := h.waitingOrder(t, "")
	require.Equal(t, "TK-000001", first.Reference)
	require.Equal(t, "TK-000002", second.Reference)
	require.Equal(t, order.StatusWaitingPayment, first.Status)

	found, err := h.svc.GetByReference(context.Background(), "TK-000002")
	require.NoError(t, err)
	require.Equal(t, second.ID, found.ID)

	_, err = h.svc.SetContact(context.Background(), first.ID, checkout.Contact{Email: "x@example.com"})
	require.True(t, errors.Is(err, checkout.ErrOrderClosed))
}

func TestWaitPaymentRequiresContact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b, err := h.bundles.Create(ctx, cart.CreateInput{})
	require.NoError(t, err)
	_, err = h.bundles.AddProduct(ctx, b.ID, cart.AddInput{ProductID: "lamp", Quantity: pricing.FromInt(1)})
	require.NoError(t, err)
	o, err := h.svc.ToOrder(ctx, b.ID)
	require.NoError(t, err)

	_, err = h.svc.WaitPayment(ctx, o.ID)
	require.True(t, errors.Is(err, order.ErrNotShippable))
	require.True(t, common.HasKind(err, common.KindValidation))

	n, err := h.svc.Sequence.Next(ctx, "order")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestPayDirectChargeSettles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.vouchers.Create(ctx, voucher.CreateInput{Key: "FIVE", Amount: pricing.FromInt(5), Currency: "EUR"})
	require.NoError(t, err)
	o := h.waitingOrder(t, "FIVE")
	require.True(t, o.Total.Equal(pricing.FromInt(15)))

	paid, res, err := h.svc.Pay(ctx, o.ID, checkout.PayInput{Method: "card", Token: "tok_1"})
	require.NoError(t, err)
	require.True(t, res.Paid)
	require.Equal(t, order.StatusPaid, paid.Status)
	require.True(t, paid.Paid)
	require.True(t, paid.VouchersUsed)
	require.Equal(t, "ch_1", paid.Payment.Card.ChargeID)
	require.True(t, h.gateway.lastCharge.Amount.Equal(pricing.FromInt(15)))
	require.EqualValues(t, 1500, h.gateway.lastCharge.MinorUnits())

	p, err := h.products.Get(ctx, "lamp")
	require.NoError(t, err)
	require.True(t, p.QuantityHand.Decimal.Equal(pricing.FromInt(3)))

	v, err := h.vouchers.GetByKey(ctx, "FIVE")
	require.NoError(t, err)
	require.True(t, v.UsedAmount.Equal(pricing.FromInt(5)))
	require.Contains(t, h.topics(t), events.TopicOrderPaid)

	_, _, err = h.svc.Pay(ctx, o.ID, checkout.PayInput{Method: "card"})
	require.True(t, errors.Is(err, order.ErrAlreadyPaid))
	require.Equal(t, 1, h.gateway.pays)
}

func TestPayUnknownMethodIsSecurityError(t *testing.T) {
	h := newHarness(t)
	o := h.waitingOrder(t, "")
	_, _, err := h.svc.Pay(context.Background(), o.ID, checkout.PayInput{Method: "bitcoin"})
	require.True(t, errors.Is(err, payment.ErrUnknownMethod))
	require.True(t, common.HasKind(err, common.KindSecurity))
	require.Zero(t, h.gateway.pays)
}

func TestPayFailureKeepsVouchersRedeemed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.vouchers.Create(ctx, voucher.CreateInput{Key: "FIVE", Amount: pricing.FromInt(5), Currency: "EUR"})
	require.NoError(t, err)
	o := h.waitingOrder(t, "FIVE")
	h.gateway.payErr = common.Validation(payment.ErrDeclined, "card declined")

	_, _, err = h.svc.Pay(ctx, o.ID, checkout.PayInput{Method: "card"})
	require.True(t, errors.Is(err, payment.ErrDeclined))

	stored, err := h.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusWaitingPayment, stored.Status)
	require.True(t, stored.VouchersUsed)
	v, err := h.vouchers.GetByKey(ctx, "FIVE")
	require.NoError(t, err)
	require.Equal(t, 1, v.UsageCount)

	h.gateway.payErr = nil
	paid, _, err := h.svc.Pay(ctx, o.ID, checkout.PayInput{Method: "card"})
	require.NoError(t, err)
	require.True(t, paid.Paid)
	v, err = h.vouchers.GetByKey(ctx, "FIVE")
	require.NoError(t, err)
	require.Equal(t, 1, v.UsageCount)
}

// usageOutage fails usage writes for one voucher.
type usageOutage struct {
	store.Collection[voucher.Usage]
	voucherID string
}

func (u usageOutage) Save(ctx context.Context, id string, v voucher.Usage) error {
	if v.VoucherID == u.voucherID {
		return errors.New("usage table unavailable")
	}
	return u.Collection.Save(ctx, id, v)
}

func TestPayReversesPartialRedemption(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.vouchers.Create(ctx, voucher.CreateInput{Key: "A1", Amount: pricing.FromInt(3), Currency: "EUR"})
	require.NoError(t, err)
	second, err := h.vouchers.Create(ctx, voucher.CreateInput{Key: "A2", Amount: pricing.FromInt(3), Currency: "EUR"})
	require.NoError(t, err)

	b, err := h.bundles.Create(ctx, cart.CreateInput{})
	require.NoError(t, err)
	_, err = h.bundles.AddProduct(ctx, b.ID, cart.AddInput{ProductID: "lamp", Quantity: pricing.FromInt(2)})
	require.NoError(t, err)
	o, err := h.svc.ToOrder(ctx, b.ID)
	require.NoError(t, err)
	_, err = h.svc.AttachVoucher(ctx, o.ID, "A1")
	require.NoError(t, err)
	_, err = h.svc.AttachVoucher(ctx, o.ID, "A2")
	require.NoError(t, err)
	_, err = h.svc.SetContact(ctx, o.ID, checkout.Contact{Email: "buyer@example.com", ShippingAddressID: "addr-1", BillingAddressID: "addr-1"})
	require.NoError(t, err)
	_, err = h.svc.WaitPayment(ctx, o.ID)
	require.NoError(t, err)

	usages := h.vouchers.Usages
	h.vouchers.Usages = usageOutage{Collection: usages, voucherID: second.ID}
	_, _, err = h.svc.Pay(ctx, o.ID, checkout.PayInput{Method: "card"})
	require.Error(t, err)
	require.Zero(t, h.gateway.pays)

	for _, id := range []string{first.ID, second.ID} {
		v, err := h.vouchers.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, v.UsedAmount.IsZero(), id)
		require.Zero(t, v.UsageCount, id)
	}
	stored, err := h.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	require.False(t, stored.VouchersUsed)
	require.Empty(t, stored.Allocations)

	h.vouchers.Usages = usages
	paid, _, err := h.svc.Pay(ctx, o.ID, checkout.PayInput{Method: "card"})
	require.NoError(t, err)
	require.True(t, paid.Paid)
	require.True(t, paid.Total.Equal(pricing.FromInt(14)))
}

func TestSecurePaymentRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.waitingOrder(t, "")

	pending, res, err := h.svc.Pay(ctx, o.ID, checkout.PayInput{Method: "card", Secure: true, ReturnURL: "https://shop.example/done"})
	require.NoError(t, err)
	require.False(t, res.Paid)
	require.Equal(t, "https://pay.example/3ds/src_1", res.RedirectURL)
	require.Equal(t, order.StatusWaitingPayment, pending.Status)

	paid, err := h.svc.EndPay(ctx, o.ID, payment.Callback{SourceID: "src_1"}, true)
	require.NoError(t, err)
	require.True(t, paid.Paid)
	require.Equal(t, "src_1", paid.Payment.Card.SourceID)
	require.Equal(t, "ch_2", paid.Payment.Card.ChargeID)

	again, err := h.svc.EndPay(ctx, o.ID, payment.Callback{SourceID: "src_1"}, true)
	require.NoError(t, err)
	require.True(t, again.Paid)
}

func TestSecureFailureCancelsOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.vouchers.Create(ctx, voucher.CreateInput{Key: "FIVE", Amount: pricing.FromInt(5), Currency: "EUR"})
	require.NoError(t, err)
	o := h.waitingOrder(t, "FIVE")
	_, _, err = h.svc.Pay(ctx, o.ID, checkout.PayInput{Method: "card", Secure: true})
	require.NoError(t, err)

	h.gateway.endPayErr = common.Security(payment.ErrSecureFailed, "3-D secure rejected")
	_, err = h.svc.EndPay(ctx, o.ID, payment.Callback{SourceID: "src_1"}, true)
	require.True(t, errors.Is(err, payment.ErrSecureFailed))

	stored, err := h.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusCanceled, stored.Status)
	require.Empty(t, stored.Allocations)
	v, err := h.vouchers.GetByKey(ctx, "FIVE")
	require.NoError(t, err)
	require.True(t, v.UsedAmount.IsZero())
	require.Contains(t, h.topics(t), events.TopicOrderCanceled)
}

func TestEndPayByReference(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.waitingOrder(t, "")
	_, _, err := h.svc.Pay(ctx, o.ID, checkout.PayInput{Method: "card", Secure: true})
	require.NoError(t, err)

	err = h.svc.EndPayByReference(ctx, "stripe", o.Reference, payment.Callback{SourceID: "src_1"})
	require.True(t, errors.Is(err, checkout.ErrEngineMismatch))

	require.NoError(t, h.svc.EndPayByReference(ctx, "fake", o.Reference, payment.Callback{SourceID: "src_1"}))
	require.NoError(t, h.svc.EndPayByReference(ctx, "fake", o.Reference, payment.Callback{SourceID: "src_1"}))
	stored, err := h.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	require.True(t, stored.Paid)

	err = h.svc.EndPayByReference(ctx, "fake", "TK-999999", payment.Callback{})
	require.True(t, common.HasKind(err, common.KindNotFound))
}

func TestCancelPaidOrderRestoresVouchers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.vouchers.Create(ctx, voucher.CreateInput{Key: "FIVE", Amount: pricing.FromInt(5), Currency: "EUR"})
	require.NoError(t, err)
	o := h.waitingOrder(t, "FIVE")
	_, _, err = h.svc.Pay(ctx, o.ID, checkout.PayInput{Method: "card"})
	require.NoError(t, err)

	canceled, err := h.svc.Cancel(ctx, o.ID, true)
	require.NoError(t, err)
	require.Equal(t, order.StatusCanceled, canceled.Status)
	require.Equal(t, 1, h.gateway.cancels)
	v, err := h.vouchers.GetByKey(ctx, "FIVE")
	require.NoError(t, err)
	require.Equal(t, 0, v.UsageCount)

	_, err = h.svc.Cancel(ctx, o.ID, true)
	require.True(t, errors.Is(err, order.ErrInvalidTransition))
}

func TestTransitionAndList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.waitingOrder(t, "")
	_ = h.waitingOrder(t, "")

	_, err := h.svc.Transition(ctx, o.ID, order.StatusSent)
	require.True(t, errors.Is(err, order.ErrInvalidTransition))

	_, _, err = h.svc.Pay(ctx, o.ID, checkout.PayInput{Method: "card"})
	require.NoError(t, err)
	sent, err := h.svc.MarkSent(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusSent, sent.Status)
	done, err := h.svc.Complete(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusCompleted, done.Status)

	_, err = h.svc.Transition(ctx, o.ID, order.StatusCreated)
	require.True(t, common.HasKind(err, common.KindValidation))

	waiting, total, err := h.svc.List(ctx, order.ListFilter{Status: order.StatusWaitingPayment})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, waiting, 1)

	all, total, err := h.svc.List(ctx, order.ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, all, 1)
}
