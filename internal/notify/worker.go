package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-orders/internal/events"
	"github.com/noah-isme/toko-orders/internal/lock"
	"github.com/noah-isme/toko-orders/internal/obs"
)

// Channel delivers an event to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev events.Event) error
}

// ReplayProtector claims a delivery key once per TTL.
type ReplayProtector interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Worker processes event tasks, sending each event once per channel.
type Worker struct {
	Channels  []Channel
	Locker    lock.Locker
	LockTTL   time.Duration
	Replay    ReplayProtector
	ReplayTTL time.Duration
	Logger    *zerolog.Logger
}

// Register mounts the worker on mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.Handle(TaskEvent, w)
}

// ProcessTask implements asynq.Handler.
func (w *Worker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	ev, err := DecodeEventTask(t)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if ev.ID == "" {
		return nil
	}
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if w.Locker == nil {
		return w.Handle(ctx, ev)
	}
	return w.Locker.WithLock(ctx, "notify:"+ev.ID, ttl, func(ctx context.Context) error {
		return w.Handle(ctx, ev)
	})
}

// Handle sends ev through every channel not yet claimed for it. A failed
// channel gives its claim back so the retry sends it again.
func (w *Worker) Handle(ctx context.Context, ev events.Event) error {
	var joined error
	for _, ch := range w.Channels {
		if ch == nil {
			continue
		}
		key := fmt.Sprintf("sent:%s:%s", ch.Name(), ev.ID)
		if w.Replay != nil && w.ReplayTTL > 0 {
			ok, err := w.Replay.Acquire(ctx, key, w.ReplayTTL)
			if err != nil {
				joined = errors.Join(joined, err)
				continue
			}
			if !ok {
				continue
			}
		}
		err := ch.Send(ctx, ev)
		obs.ObserveNotification(ev.Topic, err)
		if err == nil {
			continue
		}
		obs.Ctx(ctx, w.Logger).Warn().Err(err).Str("channel", ch.Name()).Str("topic", ev.Topic).Str("event_id", ev.ID).Msg("notification_failed")
		if w.Replay != nil && w.ReplayTTL > 0 {
			_ = w.Replay.Release(ctx, key)
		}
		joined = errors.Join(joined, err)
	}
	return joined
}
