package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/toko-orders/internal/events"
	"github.com/noah-isme/toko-orders/internal/obs"
	"github.com/noah-isme/toko-orders/internal/resilience"
)

// Endpoint is a merchant backend subscribed to order events.
type Endpoint struct {
	URL    string
	Secret string
	// Topics limits deliveries; empty means every topic.
	Topics []string
}

func (e Endpoint) wants(topic string) bool {
	if len(e.Topics) == 0 {
		return true
	}
	for _, t := range e.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// WebhookChannel posts signed event payloads to the configured endpoints.
type WebhookChannel struct {
	Endpoints []Endpoint
	HTTP      resilience.HTTPClient
	Now       func() time.Time
}

// Name identifies the channel in replay keys and metrics.
func (WebhookChannel) Name() string { return "webhook" }

// Send delivers ev to every subscribed endpoint. Failures are joined so the
// task is retried.
func (d WebhookChannel) Send(ctx context.Context, ev events.Event) error {
	var joined error
	for _, ep := range d.Endpoints {
		if !ep.wants(ev.Topic) {
			continue
		}
		if err := d.deliver(ctx, ep, ev); err != nil {
			joined = errors.Join(joined, fmt.Errorf("deliver %s to %s: %w", ev.Topic, ep.URL, err))
		}
	}
	return joined
}

func (d WebhookChannel) deliver(ctx context.Context, ep Endpoint, ev events.Event) error {
	ctx, span := obs.Tracer("notify").Start(ctx, "notify.webhook")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.topic", ev.Topic), attribute.String("webhook.event_id", ev.ID))

	if err := validateURL(ep.URL); err != nil {
		span.RecordError(err)
		return err
	}
	body, err := json.Marshal(struct {
		EventID     string          `json:"event_id"`
		Topic       string          `json:"topic"`
		AggregateID string          `json:"aggregate_id"`
		Data        json.RawMessage `json:"data"`
		OccurredAt  time.Time       `json:"occurred_at"`
	}{ev.ID, ev.Topic, ev.AggregateID, ev.Payload, ev.OccurredAt})
	if err != nil {
		return err
	}
	ts := d.now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "toko-orders-webhooks/1.0")
	req.Header.Set("X-Event-ID", ev.ID)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", ComputeSignature(ep.Secret, ts, ev.ID, body))
	resp, err := d.HTTP.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &resilience.StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (d WebhookChannel) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
		return nil
	default:
		return errors.New("webhook url must be http or https")
	}
}

// ComputeSignature calculates the webhook signature: HMAC-SHA256 over
// "<ts>.<eventID>.<body>" using the endpoint secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
