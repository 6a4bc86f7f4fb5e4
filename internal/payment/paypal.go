package payment

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/resilience"
)

// PayPal redirects the buyer for approval and executes the payment on return.
type PayPal struct {
	ClientID string
	Secret   string
	BaseURL  string
	HTTP     resilience.HTTPClient
}

// Engine implements Gateway.
func (p *PayPal) Engine() string { return EnginePayPal }

// Methods implements Gateway.
func (p *PayPal) Methods() []string { return []string{"paypal"} }

type paypalPayment struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Links []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

func (pp paypalPayment) link(rel string) string {
	for _, l := range pp.Links {
		if l.Rel == rel {
			return l.Href
		}
	}
	return ""
}

// Pay creates a payment and returns the buyer approval URL.
func (p *PayPal) Pay(ctx context.Context, c Charge) (Result, error) {
	var out paypalPayment
	err := p.call(ctx, http.MethodPost, "/v1/payments/payment", "pay:"+c.Reference, map[string]any{
		"intent": "sale",
		"payer":  map[string]string{"payment_method": "paypal"},
		"transactions": []map[string]any{{
			"amount":         map[string]string{"total": c.Amount.StringFixed(c.Places), "currency": c.Currency},
			"description":    c.Reference,
			"invoice_number": c.Reference,
		}},
		"redirect_urls": map[string]string{"return_url": c.ReturnURL, "cancel_url": c.CancelURL},
	}, &out)
	if err != nil {
		return Result{}, err
	}
	approval := out.link("approval_url")
	if approval == "" {
		return Result{}, common.Operational(ErrDeclined, "paypal payment %s has no approval url", out.ID)
	}
	return Result{RedirectURL: approval, Data: Data{Engine: EnginePayPal, PayPal: &PayPalData{
		PaymentID:   out.ID,
		ApprovalURL: approval,
		Status:      out.State,
	}}}, nil
}

// EndPay executes the approved payment.
func (p *PayPal) EndPay(ctx context.Context, c Charge, cb Callback) (Data, error) {
	id := cb.PaymentID
	if id == "" && c.Data.PayPal != nil {
		id = c.Data.PayPal.PaymentID
	}
	if id == "" || cb.PayerID == "" {
		return Data{}, common.Validation(ErrDeclined, "payment and payer ids are required")
	}
	var out paypalPayment
	err := p.call(ctx, http.MethodPost, "/v1/payments/payment/"+id+"/execute", "execute:"+id, map[string]string{"payer_id": cb.PayerID}, &out)
	if err != nil {
		return Data{}, err
	}
	if out.State != "approved" {
		return Data{}, common.Validation(ErrDeclined, "paypal payment %s is %s", id, out.State)
	}
	return Data{Engine: EnginePayPal, PayPal: &PayPalData{PaymentID: id, PayerID: cb.PayerID, Status: out.State}}, nil
}

// Cancel is a no-op: unexecuted PayPal payments expire on their own.
func (p *PayPal) Cancel(context.Context, Charge) error { return nil }

// PayPalRequestIDHeader makes PayPal POSTs idempotent.
const PayPalRequestIDHeader = "PayPal-Request-Id"

func (p *PayPal) call(ctx context.Context, method, path, key string, in, out any) error {
	headers := map[string]string{"Authorization": "Basic " + basicAuth(p.ClientID, p.Secret)}
	if key != "" {
		headers[PayPalRequestIDHeader] = key
	}
	err := p.HTTP.DoJSON(ctx, method, strings.TrimRight(p.BaseURL, "/")+path, headers, in, out)
	return gatewayError(EnginePayPal, err)
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
