package payment

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/pricing"
)

// Engine names.
const (
	EngineStripe  = "stripe"
	EngineEasyPay = "easypay"
	EnginePayPal  = "paypal"
)

var (
	// ErrUnknownMethod is returned when no gateway serves a payment method.
	ErrUnknownMethod = errors.New("unknown payment method")
	// ErrSecureFailed is returned when 3-D secure verification fails.
	ErrSecureFailed = errors.New("3-D secure verification failed")
	// ErrDeclined is returned when the gateway refuses a charge.
	ErrDeclined = errors.New("payment declined")
	// ErrPending is returned when an asynchronous payment has not settled yet.
	ErrPending = errors.New("payment not settled")
	// ErrInvalidSignature is returned for notifications failing verification.
	ErrInvalidSignature = errors.New("invalid notification signature")
)

// Charge is what a gateway needs to collect an order payment.
type Charge struct {
	OrderID   string
	Reference string
	Method    string
	Amount    pricing.Money
	Currency  string
	// Places is the number of decimal places of Currency.
	Places    int32
	Email     string
	Token     string
	Secure    bool
	ReturnURL string
	CancelURL string
	// Data holds what the gateway stored on a previous step.
	Data Data
}

// MinorUnits returns the amount as an integer count of the smallest currency unit.
func (c Charge) MinorUnits() int64 {
	return c.Amount.Shift(c.Places).Round(0).IntPart()
}

// Result is the outcome of starting a payment.
type Result struct {
	Paid        bool   `json:"paid"`
	RedirectURL string `json:"redirect_url,omitempty"`
	Data        Data   `json:"data"`
}

// Callback carries the parameters a gateway returns when an asynchronous flow ends.
type Callback struct {
	PaymentID string `json:"payment_id,omitempty"`
	PayerID   string `json:"payer_id,omitempty"`
	SourceID  string `json:"source_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Data is the gateway specific payment metadata stored on an order. Engine
// tells which of the variants is set.
type Data struct {
	Engine     string          `json:"engine,omitempty"`
	Card       *CardData       `json:"card,omitempty"`
	Multibanco *MultibancoData `json:"multibanco,omitempty"`
	PayPal     *PayPalData     `json:"paypal,omitempty"`
}

// IsZero reports whether no gateway data was recorded.
func (d Data) IsZero() bool { return d.Engine == "" }

// CardData describes a card charge.
type CardData struct {
	ChargeID string `json:"charge_id,omitempty"`
	SourceID string `json:"source_id,omitempty"`
	Brand    string `json:"brand,omitempty"`
	Last4    string `json:"last4,omitempty"`
	Secure   bool   `json:"secure"`
	Status   string `json:"status,omitempty"`
}

// MultibancoData describes an ATM reference payment.
type MultibancoData struct {
	PaymentID string `json:"payment_id"`
	Entity    string `json:"entity"`
	Reference string `json:"reference"`
	Status    string `json:"status,omitempty"`
}

// PayPalData describes a PayPal approval flow.
type PayPalData struct {
	PaymentID   string `json:"payment_id"`
	PayerID     string `json:"payer_id,omitempty"`
	ApprovalURL string `json:"approval_url,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Gateway collects payments for the methods it serves.
type Gateway interface {
	Engine() string
	Methods() []string
	Pay(ctx context.Context, c Charge) (Result, error)
	EndPay(ctx context.Context, c Charge, cb Callback) (Data, error)
	Cancel(ctx context.Context, c Charge) error
}

// Notification is a verified gateway webhook.
type Notification struct {
	Engine    string
	Reference string
	Callback  Callback
}

// WebhookVerifier is implemented by gateways that push asynchronous notifications.
type WebhookVerifier interface {
	VerifyWebhook(r *http.Request, body []byte) (Notification, error)
}

// Registry maps payment method tokens to gateways.
type Registry struct {
	methods  map[string]string
	gateways map[string]Gateway
}

// NewRegistry indexes every gateway under its engine and methods. Later
// gateways override earlier ones for shared methods.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{methods: map[string]string{}, gateways: map[string]Gateway{}}
	for _, g := range gateways {
		if g == nil {
			continue
		}
		engine := normalise(g.Engine())
		r.gateways[engine] = g
		for _, m := range g.Methods() {
			r.methods[normalise(m)] = engine
		}
	}
	return r
}

// Resolve returns the gateway serving method. Unknown methods fail with a
// security error when strict; otherwise a nil gateway is returned.
func (r *Registry) Resolve(method string, strict bool) (Gateway, error) {
	if r != nil {
		if engine, ok := r.methods[normalise(method)]; ok {
			return r.gateways[engine], nil
		}
	}
	if strict {
		return nil, common.Security(ErrUnknownMethod, "method %q", method)
	}
	return nil, nil
}

// Gateway returns the gateway registered under engine.
func (r *Registry) Gateway(engine string) (Gateway, bool) {
	if r == nil {
		return nil, false
	}
	g, ok := r.gateways[normalise(engine)]
	return g, ok
}

// Methods lists every supported payment method.
func (r *Registry) Methods() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.methods))
	for m := range r.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func normalise(v string) string { return strings.ToLower(strings.TrimSpace(v)) }
