package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/noah-isme/toko-orders/internal/events"
)

// EmailChannel sends transactional emails for selected topics.
type EmailChannel struct {
	Mail         Mailer
	TopicToggles map[string]bool
}

// Name identifies the channel in replay keys and metrics.
func (EmailChannel) Name() string { return "email" }

// Send mails the event to the address found in its payload. Events without a
// recipient are skipped.
func (n EmailChannel) Send(ctx context.Context, ev events.Event) error {
	if n.Mail == nil {
		return nil
	}
	if n.TopicToggles != nil {
		if enabled, ok := n.TopicToggles[ev.Topic]; ok && !enabled {
			return nil
		}
	}
	payload := map[string]any{}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("email notify: decode payload: %w", err)
		}
	}
	to := extractRecipient(payload)
	if to == "" {
		return nil
	}
	return n.Mail.Deliver(ctx, Message{
		To:      to,
		Subject: subjectFor(ev.Topic, payload),
		HTML:    bodyFor(ev.Topic, payload, ev.OccurredAt),
	})
}

func extractRecipient(payload map[string]any) string {
	for _, key := range []string{"email", "recipient"} {
		if s, ok := payload[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func subjectFor(topic string, payload map[string]any) string {
	ref, _ := payload["reference"].(string)
	switch topic {
	case events.TopicOrderCreated:
		return "Order received"
	case events.TopicOrderWaitingPayment:
		return fmt.Sprintf("Order %s is waiting for payment", ref)
	case events.TopicOrderPaid:
		return fmt.Sprintf("Payment confirmed for order %s", ref)
	case events.TopicOrderCanceled:
		return fmt.Sprintf("Order %s canceled", ref)
	case events.TopicOrderSent:
		return fmt.Sprintf("Order %s is on its way", ref)
	case events.TopicOrderReceived:
		return fmt.Sprintf("Order %s delivered", ref)
	case events.TopicOrderReturned:
		return fmt.Sprintf("Return registered for order %s", ref)
	case events.TopicVoucherRemind:
		return "Your voucher expires soon"
	default:
		return fmt.Sprintf("Notification %s", topic)
	}
}

func bodyFor(topic string, payload map[string]any, occurred time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>Event %s at %s.</p>", html.EscapeString(topic), occurred.Format(time.RFC3339))
	if ref, ok := payload["reference"].(string); ok && ref != "" {
		fmt.Fprintf(&b, "<p>Reference: %s</p>", html.EscapeString(ref))
	}
	if total, ok := payload["total"].(string); ok && total != "" {
		currency, _ := payload["currency"].(string)
		fmt.Fprintf(&b, "<p>Total: %s %s</p>", html.EscapeString(total), html.EscapeString(currency))
	}
	if key, ok := payload["key"].(string); ok && key != "" {
		fmt.Fprintf(&b, "<p>Voucher: %s</p>", html.EscapeString(key))
	}
	return b.String()
}
