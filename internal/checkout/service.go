package checkout

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/toko-orders/internal/cart"
	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/currency"
	"github.com/noah-isme/toko-orders/internal/events"
	"github.com/noah-isme/toko-orders/internal/lock"
	"github.com/noah-isme/toko-orders/internal/obs"
	"github.com/noah-isme/toko-orders/internal/order"
	"github.com/noah-isme/toko-orders/internal/payment"
	"github.com/noah-isme/toko-orders/internal/sequence"
	"github.com/noah-isme/toko-orders/internal/store"
	"github.com/noah-isme/toko-orders/internal/voucher"
)

var (
	// ErrNotFound indicates the requested order could not be located.
	ErrNotFound = errors.New("order not found")
	// ErrOrderClosed is returned when contact data changes after the order left created.
	ErrOrderClosed = errors.New("order is closed")
	// ErrEngineMismatch is returned when a notification comes from another gateway than the order used.
	ErrEngineMismatch = errors.New("payment engine mismatch")
)

// Service converts bundles into orders and drives the order lifecycle. Every
// mutation of an order runs under a per-order lock.
type Service struct {
	Orders     store.Collection[order.Order]
	Bundles    *cart.Service
	Engine     *cart.Engine
	Vouchers   *voucher.Service
	Gateways   *payment.Registry
	Inventory  order.Decrementer
	Sequence   sequence.Sequencer
	Currencies *currency.Registry
	// ReferencePrefix prefixes final order references.
	ReferencePrefix string
	Locker          lock.Locker
	LockTTL         time.Duration
	Events          *events.Bus
	// Instruments records gateway latency; nil disables it.
	Instruments *obs.GatewayInstruments
	Logger      *zerolog.Logger
	Now         func() time.Time
}

// Contact carries the addressing data required before payment.
type Contact struct {
	Email             string
	ShippingAddressID string
	BillingAddressID  string
	AccountID         string
	StoreID           string
}

// PayInput selects the payment method and the redirect targets of async flows.
type PayInput struct {
	Method    string
	Token     string
	Secure    bool
	ReturnURL string
	CancelURL string
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

// ToOrder validates the bundle and snapshots it into a new created order.
// The bundle is left untouched.
func (s *Service) ToOrder(ctx context.Context, bundleID string) (*order.Order, error) {
	b, err := s.Bundles.Validate(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	o, err := order.FromBundle(ctx, s.Engine, &b, s.now())
	if err != nil {
		return nil, err
	}
	o.Calculate(s.Engine)
	if err := s.persist(ctx, o); err != nil {
		return nil, err
	}
	s.log(ctx).Info().Str("order_id", o.ID).Str("bundle_id", b.ID).Str("total", o.Total.String()).Msg("order_created")
	s.emit(ctx, events.TopicOrderCreated, o)
	return o, nil
}

// Get loads an order by id.
func (s *Service) Get(ctx context.Context, id string) (*order.Order, error) {
	o, err := s.Orders.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, common.NotFound(ErrNotFound, "order %s", id)
		}
		return nil, err
	}
	return &o, nil
}

// GetByKey loads an order by its secret key.
func (s *Service) GetByKey(ctx context.Context, key string) (*order.Order, error) {
	return s.findOne(ctx, "key", key)
}

// GetByReference loads an order by its reference.
func (s *Service) GetByReference(ctx context.Context, reference string) (*order.Order, error) {
	return s.findOne(ctx, "reference", reference)
}

func (s *Service) findOne(ctx context.Context, field, value string) (*order.Order, error) {
	if strings.TrimSpace(value) == "" {
		return nil, common.NotFound(ErrNotFound, "empty %s", field)
	}
	o, err := s.Orders.FindOne(ctx, store.Where(store.Eq(field, value)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, common.NotFound(ErrNotFound, "order %s", field)
		}
		return nil, err
	}
	return &o, nil
}

// List returns orders newest first together with the unpaged total.
func (s *Service) List(ctx context.Context, f order.ListFilter) ([]*order.Order, int, error) {
	var filters []store.Filter
	if f.Status != "" {
		filters = append(filters, store.Eq("status", string(f.Status)))
	}
	if f.AccountID != "" {
		filters = append(filters, store.Eq("account_id", f.AccountID))
	}
	q := store.Where(filters...).OrderBy("created_at", true)
	total, err := s.Orders.Count(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	q.Limit, q.Offset = f.Limit, f.Offset
	found, err := s.Orders.Find(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*order.Order, 0, len(found))
	for i := range found {
		out = append(out, &found[i])
	}
	return out, total, nil
}

// SetContact stores the addressing data of an open order.
func (s *Service) SetContact(ctx context.Context, id string, c Contact) (*order.Order, error) {
	return s.mutate(ctx, id, func(_ context.Context, o *order.Order) error {
		if !o.IsOpen() {
			return common.Precondition(ErrOrderClosed, "order %s is %s", o.ID, o.Status)
		}
		o.Email = strings.TrimSpace(c.Email)
		o.ShippingAddressID = strings.TrimSpace(c.ShippingAddressID)
		o.BillingAddressID = strings.TrimSpace(c.BillingAddressID)
		if c.AccountID != "" {
			o.AccountID = strings.TrimSpace(c.AccountID)
		}
		if c.StoreID != "" {
			o.StoreID = strings.TrimSpace(c.StoreID)
		}
		return nil
	})
}

// AttachVoucher attaches the voucher identified by its public key.
func (s *Service) AttachVoucher(ctx context.Context, id, key string) (*order.Order, error) {
	v, err := s.Vouchers.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(ctx context.Context, o *order.Order) error {
		return o.AttachVoucher(ctx, s.Engine, s.Vouchers, v)
	})
}

// Adjust sets fixed amounts on an open order.
func (s *Service) Adjust(ctx context.Context, id string, a order.Adjustments) (*order.Order, error) {
	return s.mutate(ctx, id, func(_ context.Context, o *order.Order) error {
		return o.Adjust(s.Engine, a)
	})
}

// DetachVoucher removes an attached voucher.
func (s *Service) DetachVoucher(ctx context.Context, id, voucherID string) (*order.Order, error) {
	return s.mutate(ctx, id, func(ctx context.Context, o *order.Order) error {
		return o.DetachVoucher(ctx, s.Engine, s.Vouchers, voucherID)
	})
}

// WaitPayment freezes the order and assigns its final reference.
func (s *Service) WaitPayment(ctx context.Context, id string) (*order.Order, error) {
	o, err := s.mutate(ctx, id, func(ctx context.Context, o *order.Order) error {
		if err := o.MarkWaitingPayment(ctx, s.Vouchers, ""); err != nil {
			return err
		}
		reference, err := s.nextReference(ctx)
		if err != nil {
			return err
		}
		if reference != "" {
			o.Reference = reference
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.TopicOrderWaitingPayment, o)
	return o, nil
}

// Pay redeems the vouchers and starts the payment. Redeemed vouchers are
// saved before the gateway is called and stay redeemed when it fails; the
// order then remains waiting for payment.
func (s *Service) Pay(ctx context.Context, id string, in PayInput) (*order.Order, payment.Result, error) {
	ctx, span := obs.Tracer("checkout").Start(ctx, "checkout.pay")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", id), attribute.String("payment.method", in.Method))

	var (
		out *order.Order
		res payment.Result
	)
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		o, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		out = o
		if err := o.VerifyPayable(); err != nil {
			return err
		}
		gw, err := s.Gateways.Resolve(in.Method, true)
		if err != nil {
			return err
		}
		if err := o.VerifyVouchers(ctx, s.Vouchers); err != nil {
			return err
		}
		if err := o.UseVouchers(ctx, s.Engine, s.Vouchers); err != nil {
			if len(o.Allocations) > 0 {
				if perr := s.persist(ctx, o); perr != nil {
					return errors.Join(err, perr)
				}
			}
			return err
		}
		o.PaymentMethod = strings.ToLower(strings.TrimSpace(in.Method))
		if err := s.persist(ctx, o); err != nil {
			return err
		}

		charge, err := s.charge(ctx, o, in)
		if err != nil {
			return err
		}
		started := time.Now()
		res, err = gw.Pay(ctx, charge)
		s.Instruments.Record(ctx, gw.Engine(), "pay", time.Since(started), err)
		obs.ObservePayment(o.PaymentMethod, "pay", err)
		if err != nil {
			s.log(ctx).Warn().Err(err).Str("order_id", o.ID).Str("method", o.PaymentMethod).Msg("payment_failed")
			return err
		}
		if !res.Data.IsZero() {
			o.Payment = res.Data
		}
		if res.Paid {
			return s.settle(ctx, o)
		}
		return s.persist(ctx, o)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, payment.Result{}, err
	}
	return out, res, nil
}

// EndPay completes an asynchronous payment. A failed 3-D secure challenge
// cancels the order before the error is returned.
func (s *Service) EndPay(ctx context.Context, id string, cb payment.Callback, strict bool) (*order.Order, error) {
	ctx, span := obs.Tracer("checkout").Start(ctx, "checkout.end_pay")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", id))

	var out *order.Order
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		o, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		out = o
		return s.endPay(ctx, o, cb, strict)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// EndPayByReference settles the order a gateway notification refers to.
// Notifications for orders already paid are ignored.
func (s *Service) EndPayByReference(ctx context.Context, engine, reference string, cb payment.Callback) error {
	found, err := s.GetByReference(ctx, reference)
	if err != nil {
		return err
	}
	return s.withLock(ctx, found.ID, func(ctx context.Context) error {
		o, err := s.Get(ctx, found.ID)
		if err != nil {
			return err
		}
		if o.Paid {
			return nil
		}
		if o.Payment.Engine != "" && !strings.EqualFold(o.Payment.Engine, engine) {
			return common.Security(ErrEngineMismatch, "order %s is paid through %s", o.ID, o.Payment.Engine)
		}
		return s.endPay(ctx, o, cb, true)
	})
}

func (s *Service) endPay(ctx context.Context, o *order.Order, cb payment.Callback, strict bool) error {
	if o.Paid {
		return nil
	}
	if err := o.VerifyPayable(); err != nil {
		return err
	}
	gw, err := s.Gateways.Resolve(o.PaymentMethod, strict)
	if err != nil || gw == nil {
		return err
	}
	charge, err := s.charge(ctx, o, PayInput{Method: o.PaymentMethod})
	if err != nil {
		return err
	}
	started := time.Now()
	data, err := gw.EndPay(ctx, charge, cb)
	s.Instruments.Record(ctx, gw.Engine(), "end_pay", time.Since(started), err)
	obs.ObservePayment(o.PaymentMethod, "end_pay", err)
	if errors.Is(err, payment.ErrSecureFailed) {
		s.log(ctx).Warn().Err(err).Str("order_id", o.ID).Msg("secure_payment_failed")
		if cerr := s.cancel(ctx, o, false); cerr != nil {
			return errors.Join(err, cerr)
		}
		return err
	}
	if err != nil {
		return err
	}
	if !data.IsZero() {
		o.Payment = data
	}
	return s.settle(ctx, o)
}

// Cancel cancels the order, refunding through its gateway and restoring
// every redeemed voucher amount.
func (s *Service) Cancel(ctx context.Context, id string, strict bool) (*order.Order, error) {
	var out *order.Order
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		o, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		out = o
		return s.cancel(ctx, o, strict)
	})
	return out, err
}

// Transition moves an order along its fulfilment states.
func (s *Service) Transition(ctx context.Context, id string, to order.Status) (*order.Order, error) {
	if to == order.StatusCanceled {
		return s.Cancel(ctx, id, false)
	}
	var topic string
	o, err := s.mutate(ctx, id, func(_ context.Context, o *order.Order) error {
		switch to {
		case order.StatusSent:
			topic = events.TopicOrderSent
			return o.MarkSent()
		case order.StatusReceived:
			topic = events.TopicOrderReceived
			return o.MarkReceived()
		case order.StatusReturned:
			topic = events.TopicOrderReturned
			return o.MarkReturned()
		case order.StatusCompleted:
			topic = events.TopicOrderCompleted
			return o.MarkCompleted()
		default:
			return common.Validation(order.ErrInvalidTransition, "target status %q", to)
		}
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, topic, o)
	return o, nil
}

// MarkSent records the shipment.
func (s *Service) MarkSent(ctx context.Context, id string) (*order.Order, error) {
	return s.Transition(ctx, id, order.StatusSent)
}

// MarkReceived records delivery.
func (s *Service) MarkReceived(ctx context.Context, id string) (*order.Order, error) {
	return s.Transition(ctx, id, order.StatusReceived)
}

// MarkReturned records a return.
func (s *Service) MarkReturned(ctx context.Context, id string) (*order.Order, error) {
	return s.Transition(ctx, id, order.StatusReturned)
}

// Complete closes the order successfully.
func (s *Service) Complete(ctx context.Context, id string) (*order.Order, error) {
	return s.Transition(ctx, id, order.StatusCompleted)
}

// Save repairs and reprices an open order before persisting it. Closed
// orders are stored as they are.
func (s *Service) Save(ctx context.Context, o *order.Order) error {
	return s.withLock(ctx, o.ID, func(ctx context.Context) error {
		return s.save(ctx, o)
	})
}

func (s *Service) cancel(ctx context.Context, o *order.Order, strict bool) error {
	if !o.CanCancel() {
		return common.Precondition(order.ErrInvalidTransition, "order %s cannot be canceled from %s", o.ID, o.Status)
	}
	if o.PaymentMethod != "" {
		gw, err := s.Gateways.Resolve(o.PaymentMethod, strict)
		if err != nil {
			return err
		}
		if gw != nil {
			charge, err := s.charge(ctx, o, PayInput{Method: o.PaymentMethod})
			if err != nil {
				return err
			}
			err = gw.Cancel(ctx, charge)
			obs.ObservePayment(o.PaymentMethod, "cancel", err)
			if err != nil {
				return err
			}
		}
	}
	if err := o.DisuseVouchers(ctx, s.Vouchers, true); err != nil {
		return err
	}
	if err := o.MarkCanceled(); err != nil {
		return err
	}
	if err := s.persist(ctx, o); err != nil {
		return err
	}
	s.log(ctx).Info().Str("order_id", o.ID).Msg("order_canceled")
	s.emit(ctx, events.TopicOrderCanceled, o)
	return nil
}

// settle marks the order paid, deducts stock and persists it.
func (s *Service) settle(ctx context.Context, o *order.Order) error {
	if err := o.MarkPaid(s.now()); err != nil {
		return err
	}
	if s.Inventory != nil {
		if err := o.DecrementInventory(ctx, s.Inventory); err != nil {
			s.log(ctx).Error().Err(err).Str("order_id", o.ID).Msg("inventory_decrement_failed")
		}
	}
	if err := s.persist(ctx, o); err != nil {
		return err
	}
	s.log(ctx).Info().Str("order_id", o.ID).Str("method", o.PaymentMethod).Str("total", o.Total.String()).Msg("order_paid")
	s.emit(ctx, events.TopicOrderPaid, o)
	return nil
}

func (s *Service) charge(ctx context.Context, o *order.Order, in PayInput) (payment.Charge, error) {
	places := int32(currency.DefaultDecimalPlaces)
	if s.Currencies != nil && o.Currency != "" {
		p, err := s.Currencies.Places(ctx, o.Currency)
		if err != nil {
			return payment.Charge{}, err
		}
		places = p
	}
	return payment.Charge{
		OrderID:   o.ID,
		Reference: o.Reference,
		Method:    o.PaymentMethod,
		Amount:    o.Total,
		Currency:  o.Currency,
		Places:    places,
		Email:     o.Email,
		Token:     in.Token,
		Secure:    in.Secure,
		ReturnURL: in.ReturnURL,
		CancelURL: in.CancelURL,
		Data:      o.Payment,
	}, nil
}

func (s *Service) nextReference(ctx context.Context) (string, error) {
	if s.Sequence == nil {
		return "", nil
	}
	n, err := s.Sequence.Next(ctx, "order")
	if err != nil {
		return "", err
	}
	prefix := s.ReferencePrefix
	if prefix == "" {
		prefix = "ORD"
	}
	return order.FormatReference(prefix, n), nil
}

func (s *Service) mutate(ctx context.Context, id string, fn func(context.Context, *order.Order) error) (*order.Order, error) {
	var out *order.Order
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		o, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, o); err != nil {
			return err
		}
		if err := s.save(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

func (s *Service) save(ctx context.Context, o *order.Order) error {
	if o.IsOpen() {
		if o.TryValid(ctx, s.Engine) {
			s.log(ctx).Info().Str("order_id", o.ID).Int("lines", len(o.Lines)).Msg("order_repaired")
		}
		if err := o.RefreshVouchers(ctx, s.Engine, s.Vouchers); err != nil {
			return err
		}
		if err := o.VerifyLines(ctx, s.Engine); err != nil {
			return err
		}
	}
	return s.persist(ctx, o)
}

func (s *Service) persist(ctx context.Context, o *order.Order) error {
	o.UpdatedAt = s.now()
	return s.Orders.Save(ctx, o.ID, *o)
}

func (s *Service) withLock(ctx context.Context, id string, fn func(context.Context) error) error {
	if s.Locker == nil {
		return fn(ctx)
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return s.Locker.WithLock(ctx, "order:"+id, ttl, fn)
}

func (s *Service) emit(ctx context.Context, topic string, o *order.Order) {
	if s.Events == nil || topic == "" {
		return
	}
	payload := map[string]any{
		"order_id":  o.ID,
		"reference": o.Reference,
		"status":    o.Status,
		"email":     o.Email,
		"total":     o.Total,
		"currency":  o.Currency,
	}
	if _, err := s.Events.Emit(ctx, topic, o.ID, payload); err != nil {
		s.log(ctx).Warn().Err(err).Str("topic", topic).Str("order_id", o.ID).Msg("emit_event_failed")
	}
}
