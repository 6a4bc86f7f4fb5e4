package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/resilience"
)

// EasyPay issues Multibanco references settled asynchronously by webhook.
type EasyPay struct {
	AccountID     string
	APIKey        string
	WebhookSecret string
	BaseURL       string
	HTTP          resilience.HTTPClient
}

// Engine implements Gateway.
func (e *EasyPay) Engine() string { return EngineEasyPay }

// Methods implements Gateway.
func (e *EasyPay) Methods() []string { return []string{"multibanco"} }

type easypayPayment struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Method        struct {
		Entity    json.Number `json:"entity"`
		Reference string      `json:"reference"`
	} `json:"method"`
}

// Pay creates a Multibanco reference; the order stays pending until notified.
func (e *EasyPay) Pay(ctx context.Context, c Charge) (Result, error) {
	var out easypayPayment
	err := e.call(ctx, http.MethodPost, "/single", map[string]any{
		"key":      c.Reference,
		"method":   "mb",
		"type":     "sale",
		"value":    c.Amount.StringFixed(c.Places),
		"currency": c.Currency,
		"customer": map[string]string{"email": c.Email, "key": c.OrderID},
	}, &out)
	if err != nil {
		return Result{}, err
	}
	if !strings.EqualFold(out.Status, "ok") {
		return Result{}, common.Validation(ErrDeclined, "easypay status %s", out.Status)
	}
	return Result{Data: Data{Engine: EngineEasyPay, Multibanco: &MultibancoData{
		PaymentID: out.ID,
		Entity:    out.Method.Entity.String(),
		Reference: out.Method.Reference,
		Status:    "pending",
	}}}, nil
}

// EndPay confirms with the gateway that the reference was paid.
func (e *EasyPay) EndPay(ctx context.Context, c Charge, cb Callback) (Data, error) {
	id := cb.PaymentID
	if id == "" && c.Data.Multibanco != nil {
		id = c.Data.Multibanco.PaymentID
	}
	if id == "" {
		return Data{}, common.Validation(ErrDeclined, "missing easypay payment id")
	}
	var out easypayPayment
	if err := e.call(ctx, http.MethodGet, "/single/"+id, nil, &out); err != nil {
		return Data{}, err
	}
	if !strings.EqualFold(out.PaymentStatus, "paid") {
		return Data{}, common.Precondition(ErrPending, "easypay payment %s is %s", id, out.PaymentStatus)
	}
	data := Data{Engine: EngineEasyPay, Multibanco: &MultibancoData{PaymentID: id, Status: "paid"}}
	if prev := c.Data.Multibanco; prev != nil {
		data.Multibanco.Entity = prev.Entity
		data.Multibanco.Reference = prev.Reference
	}
	return data, nil
}

// Cancel voids an unpaid reference.
func (e *EasyPay) Cancel(ctx context.Context, c Charge) error {
	if c.Data.Multibanco == nil || c.Data.Multibanco.PaymentID == "" {
		return nil
	}
	return e.call(ctx, http.MethodDelete, "/single/"+c.Data.Multibanco.PaymentID, nil, nil)
}

// VerifyWebhook validates a signed payment notification.
func (e *EasyPay) VerifyWebhook(r *http.Request, body []byte) (Notification, error) {
	if err := VerifyNotification(e.WebhookSecret, body, r.Header.Get("X-Easypay-Signature")); err != nil {
		return Notification{}, err
	}
	var payload struct {
		ID     string `json:"id"`
		Key    string `json:"key"`
		Status string `json:"status"`
	}
	if err := decodeNotification(body, &payload); err != nil {
		return Notification{}, err
	}
	return Notification{
		Engine:    EngineEasyPay,
		Reference: payload.Key,
		Callback:  Callback{PaymentID: payload.ID, Status: payload.Status},
	}, nil
}

func (e *EasyPay) call(ctx context.Context, method, path string, in, out any) error {
	headers := map[string]string{"AccountId": e.AccountID, "ApiKey": e.APIKey}
	err := e.HTTP.DoJSON(ctx, method, strings.TrimRight(e.BaseURL, "/")+path, headers, in, out)
	return gatewayError(EngineEasyPay, err)
}

func decodeNotification(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return common.Validation(err, "malformed notification")
	}
	return nil
}
