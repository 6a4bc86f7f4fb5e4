package payment_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-orders/internal/lock"
	"github.com/noah-isme/toko-orders/internal/payment"
)

type recordingSettler struct {
	calls []payment.Notification
	err   error
}

func (s *recordingSettler) EndPayByReference(_ context.Context, engine, reference string, cb payment.Callback) error {
	s.calls = append(s.calls, payment.Notification{Engine: engine, Reference: reference, Callback: cb})
	return s.err
}

func newWebhook(t *testing.T) (http.Handler, *recordingSettler) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	settler := &recordingSettler{}
	h := &payment.Webhook{
		Registry:  payment.NewRegistry(&payment.EasyPay{WebhookSecret: "whsec"}, &payment.PayPal{}),
		Settler:   settler,
		Replay:    lock.Claims{R: rdb},
		ReplayTTL: time.Hour,
	}
	r := chi.NewRouter()
	h.Routes(r)
	return r, settler
}

func post(h http.Handler, engine string, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/payments/webhooks/"+engine, bytes.NewReader(body))
	if sig != "" {
		req.Header.Set("X-Easypay-Signature", sig)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestWebhookSettlesOnce(t *testing.T) {
	h, settler := newWebhook(t)
	body := []byte(`{"id":"ep-1","key":"ORD-000007","status":"success"}`)
	sig := payment.Sign("whsec", body)

	rr := post(h, "easypay", body, sig)
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	require.Len(t, settler.calls, 1)
	require.Equal(t, "ORD-000007", settler.calls[0].Reference)
	require.Equal(t, "ep-1", settler.calls[0].Callback.PaymentID)

	rr = post(h, "easypay", body, sig)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Len(t, settler.calls, 1)
}

func TestWebhookRejectsBadSignatureAndUnknownEngine(t *testing.T) {
	h, settler := newWebhook(t)
	body := []byte(`{"id":"ep-1","key":"ORD-000007"}`)

	rr := post(h, "easypay", body, "bogus")
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = post(h, "paypal", body, "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = post(h, "bitcoin", body, "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Empty(t, settler.calls)
}

func TestWebhookReleasesClaimOnFailure(t *testing.T) {
	h, settler := newWebhook(t)
	settler.err = errors.New("store down")
	body := []byte(`{"id":"ep-2","key":"ORD-000008"}`)
	sig := payment.Sign("whsec", body)

	rr := post(h, "easypay", body, sig)
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	settler.err = nil
	rr = post(h, "easypay", body, sig)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Len(t, settler.calls, 2)
}
