package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/payment"
	"github.com/noah-isme/toko-orders/internal/pricing"
	"github.com/noah-isme/toko-orders/internal/resilience"
)

func client(srv *httptest.Server) resilience.HTTPClient {
	return resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestRegistryResolve(t *testing.T) {
	reg := payment.NewRegistry(&payment.Stripe{}, &payment.EasyPay{}, &payment.PayPal{})

	gw, err := reg.Resolve("VISA", true)
	require.NoError(t, err)
	require.Equal(t, payment.EngineStripe, gw.Engine())

	gw, err = reg.Resolve("multibanco", true)
	require.NoError(t, err)
	require.Equal(t, payment.EngineEasyPay, gw.Engine())

	_, err = reg.Resolve("bitcoin", true)
	require.True(t, errors.Is(err, payment.ErrUnknownMethod))
	require.True(t, common.HasKind(err, common.KindSecurity))

	gw, err = reg.Resolve("bitcoin", false)
	require.NoError(t, err)
	require.Nil(t, gw)

	require.Contains(t, reg.Methods(), "paypal")
}

func TestChargeMinorUnits(t *testing.T) {
	c := payment.Charge{Amount: pricing.MustParse("12.345"), Places: 2}
	require.Equal(t, int64(1235), c.MinorUnits())
	c = payment.Charge{Amount: pricing.FromInt(500), Places: 0}
	require.Equal(t, int64(500), c.MinorUnits())
}

func TestStripeDirectCharge(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/charges", r.URL.Path)
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		require.Equal(t, "charge:ORD-000001:tok_visa", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, map[string]any{
			"id": "ch_1", "paid": true, "status": "succeeded",
			"payment_method_details": map[string]any{"card": map[string]string{"brand": "visa", "last4": "4242"}},
		})
	}))
	defer srv.Close()
	gw := &payment.Stripe{SecretKey: "sk_test", BaseURL: srv.URL, HTTP: client(srv)}

	res, err := gw.Pay(context.Background(), payment.Charge{
		Reference: "ORD-000001", Amount: pricing.MustParse("15.50"), Currency: "EUR", Places: 2, Token: "tok_visa",
	})
	require.NoError(t, err)
	require.True(t, res.Paid)
	require.Equal(t, "ch_1", res.Data.Card.ChargeID)
	require.Equal(t, "4242", res.Data.Card.Last4)
	require.EqualValues(t, 1550, got["amount"])
	require.Equal(t, "eur", got["currency"])
}

func TestStripeDeclinedCharge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		writeJSON(w, map[string]any{"error": map[string]string{"code": "card_declined"}})
	}))
	defer srv.Close()
	gw := &payment.Stripe{BaseURL: srv.URL, HTTP: client(srv)}

	_, err := gw.Pay(context.Background(), payment.Charge{Amount: pricing.FromInt(1), Currency: "EUR", Token: "tok"})
	require.True(t, errors.Is(err, payment.ErrDeclined))
	require.True(t, common.HasKind(err, common.KindValidation))
}

func TestStripeSecureFlow(t *testing.T) {
	status := "chargeable"
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sources", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": "src_1", "status": "pending", "redirect": map[string]string{"url": "https://3ds.example/src_1"}})
	})
	mux.HandleFunc("/v1/sources/src_1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": "src_1", "status": status})
	})
	mux.HandleFunc("/v1/charges", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": "ch_2", "paid": true, "status": "succeeded"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	gw := &payment.Stripe{BaseURL: srv.URL, HTTP: client(srv)}
	ctx := context.Background()

	charge := payment.Charge{Amount: pricing.FromInt(20), Currency: "EUR", Places: 2, Token: "tok", Secure: true}
	res, err := gw.Pay(ctx, charge)
	require.NoError(t, err)
	require.False(t, res.Paid)
	require.Equal(t, "https://3ds.example/src_1", res.RedirectURL)

	charge.Data = res.Data
	data, err := gw.EndPay(ctx, charge, payment.Callback{})
	require.NoError(t, err)
	require.Equal(t, "ch_2", data.Card.ChargeID)
	require.True(t, data.Card.Secure)

	status = "failed"
	_, err = gw.EndPay(ctx, charge, payment.Callback{})
	require.True(t, errors.Is(err, payment.ErrSecureFailed))
	require.True(t, common.HasKind(err, common.KindSecurity))
}

func TestEasyPayReferenceFlow(t *testing.T) {
	paid := false
	mux := http.NewServeMux()
	mux.HandleFunc("/single", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "acc", r.Header.Get("AccountId"))
		writeJSON(w, map[string]any{"status": "ok", "id": "ep-1", "method": map[string]any{"entity": 21098, "reference": "123456789"}})
	})
	mux.HandleFunc("/single/ep-1", func(w http.ResponseWriter, r *http.Request) {
		state := "pending"
		if paid {
			state = "paid"
		}
		writeJSON(w, map[string]any{"id": "ep-1", "payment_status": state})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	gw := &payment.EasyPay{AccountID: "acc", APIKey: "key", BaseURL: srv.URL, HTTP: client(srv)}
	ctx := context.Background()

	charge := payment.Charge{Reference: "ORD-000002", Amount: pricing.FromInt(10), Currency: "EUR", Places: 2}
	res, err := gw.Pay(ctx, charge)
	require.NoError(t, err)
	require.False(t, res.Paid)
	require.Equal(t, "21098", res.Data.Multibanco.Entity)
	require.Equal(t, "123456789", res.Data.Multibanco.Reference)

	charge.Data = res.Data
	_, err = gw.EndPay(ctx, charge, payment.Callback{})
	require.True(t, errors.Is(err, payment.ErrPending))

	paid = true
	data, err := gw.EndPay(ctx, charge, payment.Callback{PaymentID: "ep-1"})
	require.NoError(t, err)
	require.Equal(t, "paid", data.Multibanco.Status)
	require.Equal(t, "123456789", data.Multibanco.Reference)
}

func TestPayPalApprovalFlow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payments/payment", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": "PAY-1", "state": "created", "links": []map[string]string{
			{"rel": "self", "href": "https://api.paypal.example/PAY-1"},
			{"rel": "approval_url", "href": "https://paypal.example/approve/PAY-1"},
		}})
	})
	mux.HandleFunc("/v1/payments/payment/PAY-1/execute", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "BUYER", body["payer_id"])
		writeJSON(w, map[string]any{"id": "PAY-1", "state": "approved"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	gw := &payment.PayPal{ClientID: "id", Secret: "secret", BaseURL: srv.URL, HTTP: client(srv)}
	ctx := context.Background()

	charge := payment.Charge{Amount: pricing.FromInt(18), Currency: "EUR", Places: 2}
	res, err := gw.Pay(ctx, charge)
	require.NoError(t, err)
	require.Equal(t, "https://paypal.example/approve/PAY-1", res.RedirectURL)

	charge.Data = res.Data
	_, err = gw.EndPay(ctx, charge, payment.Callback{})
	require.True(t, common.HasKind(err, common.KindValidation))

	data, err := gw.EndPay(ctx, charge, payment.Callback{PayerID: "BUYER"})
	require.NoError(t, err)
	require.Equal(t, "approved", data.PayPal.Status)
}

func TestVerifyNotification(t *testing.T) {
	body := []byte(`{"id":"ep-1"}`)
	sig := payment.Sign("whsec", body)
	require.NoError(t, payment.VerifyNotification("whsec", body, sig))

	err := payment.VerifyNotification("whsec", body, "deadbeef")
	require.True(t, errors.Is(err, payment.ErrInvalidSignature))
	require.True(t, common.HasKind(err, common.KindSecurity))

	require.Error(t, payment.VerifyNotification("", body, sig))
}
