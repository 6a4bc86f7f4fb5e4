package payment

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/resilience"
)

// Stripe charges cards directly or through a 3-D secure redirect.
type Stripe struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	HTTP          resilience.HTTPClient
}

// Engine implements Gateway.
func (s *Stripe) Engine() string { return EngineStripe }

// Methods implements Gateway.
func (s *Stripe) Methods() []string {
	return []string{"visa", "mastercard", "american_express"}
}

type stripeSource struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Redirect struct {
		URL string `json:"url"`
	} `json:"redirect"`
}

type stripeCharge struct {
	ID      string `json:"id"`
	Paid    bool   `json:"paid"`
	Status  string `json:"status"`
	Payment struct {
		Card struct {
			Brand string `json:"brand"`
			Last4 string `json:"last4"`
		} `json:"card"`
	} `json:"payment_method_details"`
}

// Pay charges the card token, or opens a 3-D secure source when c.Secure is set.
func (s *Stripe) Pay(ctx context.Context, c Charge) (Result, error) {
	if strings.TrimSpace(c.Token) == "" {
		return Result{}, common.Validation(ErrDeclined, "card token is required")
	}
	if c.Secure {
		var src stripeSource
		err := s.call(ctx, http.MethodPost, "/v1/sources", "source:"+c.Reference, map[string]any{
			"type":     "three_d_secure",
			"amount":   c.MinorUnits(),
			"currency": strings.ToLower(c.Currency),
			"three_d_secure": map[string]string{
				"card": c.Token,
			},
			"redirect": map[string]string{"return_url": c.ReturnURL},
			"metadata": map[string]string{"reference": c.Reference, "order_id": c.OrderID},
		}, &src)
		if err != nil {
			return Result{}, err
		}
		data := Data{Engine: EngineStripe, Card: &CardData{SourceID: src.ID, Secure: true, Status: src.Status}}
		return Result{RedirectURL: src.Redirect.URL, Data: data}, nil
	}
	data, err := s.charge(ctx, c, c.Token)
	if err != nil {
		return Result{}, err
	}
	return Result{Paid: true, Data: data}, nil
}

// EndPay charges a 3-D secure source once the customer returns.
func (s *Stripe) EndPay(ctx context.Context, c Charge, cb Callback) (Data, error) {
	sourceID := cb.SourceID
	if sourceID == "" && c.Data.Card != nil {
		sourceID = c.Data.Card.SourceID
	}
	if sourceID == "" {
		return Data{}, common.Validation(ErrDeclined, "missing 3-D secure source")
	}
	var src stripeSource
	if err := s.call(ctx, http.MethodGet, "/v1/sources/"+sourceID, "", nil, &src); err != nil {
		return Data{}, err
	}
	switch src.Status {
	case "chargeable":
	case "pending":
		return Data{}, common.Precondition(ErrPending, "source %s", sourceID)
	default:
		return Data{}, common.Security(ErrSecureFailed, "source %s is %s", sourceID, src.Status)
	}
	data, err := s.charge(ctx, c, sourceID)
	if err != nil {
		return Data{}, err
	}
	data.Card.SourceID = sourceID
	data.Card.Secure = true
	return data, nil
}

// Cancel refunds a captured charge. Orders without a charge need no action.
func (s *Stripe) Cancel(ctx context.Context, c Charge) error {
	if c.Data.Card == nil || c.Data.Card.ChargeID == "" {
		return nil
	}
	return s.call(ctx, http.MethodPost, "/v1/refunds", "refund:"+c.Data.Card.ChargeID, map[string]any{"charge": c.Data.Card.ChargeID}, nil)
}

// VerifyWebhook validates a source.chargeable notification signed with WebhookSecret.
func (s *Stripe) VerifyWebhook(r *http.Request, body []byte) (Notification, error) {
	if err := VerifyNotification(s.WebhookSecret, body, r.Header.Get("Stripe-Signature")); err != nil {
		return Notification{}, err
	}
	var payload struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID       string            `json:"id"`
				Status   string            `json:"status"`
				Metadata map[string]string `json:"metadata"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := decodeNotification(body, &payload); err != nil {
		return Notification{}, err
	}
	obj := payload.Data.Object
	return Notification{
		Engine:    EngineStripe,
		Reference: obj.Metadata["reference"],
		Callback:  Callback{SourceID: obj.ID, Status: obj.Status},
	}, nil
}

func (s *Stripe) charge(ctx context.Context, c Charge, source string) (Data, error) {
	var ch stripeCharge
	err := s.call(ctx, http.MethodPost, "/v1/charges", "charge:"+c.Reference+":"+source, map[string]any{
		"amount":      c.MinorUnits(),
		"currency":    strings.ToLower(c.Currency),
		"source":      source,
		"description": c.Reference,
		"metadata":    map[string]string{"reference": c.Reference, "order_id": c.OrderID},
	}, &ch)
	if err != nil {
		return Data{}, err
	}
	if !ch.Paid {
		return Data{}, common.Validation(ErrDeclined, "charge %s is %s", ch.ID, ch.Status)
	}
	return Data{Engine: EngineStripe, Card: &CardData{
		ChargeID: ch.ID,
		Brand:    ch.Payment.Card.Brand,
		Last4:    ch.Payment.Card.Last4,
		Status:   ch.Status,
	}}, nil
}

// call sends key as Idempotency-Key so a retried POST never charges twice.
func (s *Stripe) call(ctx context.Context, method, path, key string, in, out any) error {
	headers := map[string]string{"Authorization": "Bearer " + s.SecretKey}
	if key != "" {
		headers["Idempotency-Key"] = key
	}
	err := s.HTTP.DoJSON(ctx, method, strings.TrimRight(s.BaseURL, "/")+path, headers, in, out)
	return gatewayError(EngineStripe, err)
}

// gatewayError classifies transport failures as operational and client
// rejections as declines.
func gatewayError(engine string, err error) error {
	if err == nil {
		return nil
	}
	var status *resilience.StatusError
	if errors.As(err, &status) && status.StatusCode >= 400 && status.StatusCode < 500 {
		return common.Validation(ErrDeclined, "%s rejected the request with %s", engine, strconv.Itoa(status.StatusCode))
	}
	return common.Operational(err, "%s unavailable", engine)
}
