package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Message is one rendered transactional email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Mailer delivers rendered messages to a relay.
type Mailer interface {
	Deliver(ctx context.Context, msg Message) error
}

// Mailbox keeps delivered messages in memory.
type Mailbox struct {
	mu   sync.Mutex
	sent []Message
}

func (m *Mailbox) Deliver(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

// Sent returns a copy of the delivered messages in order.
func (m *Mailbox) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// LogMailer logs each message instead of relaying it.
type LogMailer struct {
	Logger zerolog.Logger
}

func (l LogMailer) Deliver(ctx context.Context, msg Message) error {
	l.Logger.Info().Ctx(ctx).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Int("bytes", len(msg.HTML)).
		Msg("email_delivered")
	return nil
}
