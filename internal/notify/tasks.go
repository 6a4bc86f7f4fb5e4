package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/toko-orders/internal/events"
)

// TaskEvent is the asynq task type carrying a domain event to the worker.
const TaskEvent = "event:notify"

// Enqueuer is the subset of *asynq.Client used by Notifier.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Notifier hands emitted events to the background worker. It implements
// events.Notifier; delivery itself happens in Worker.
type Notifier struct {
	Client   Enqueuer
	Queue    string
	MaxRetry int
	// Topics restricts enqueued topics when set; missing topics are skipped.
	Topics map[string]bool
}

// Notify enqueues ev once. Re-emitting the same event id is a no-op.
func (n Notifier) Notify(ctx context.Context, ev events.Event) error {
	if n.Client == nil || strings.TrimSpace(ev.ID) == "" {
		return nil
	}
	if n.Topics != nil && !n.Topics[ev.Topic] {
		return nil
	}
	task, err := NewEventTask(ev)
	if err != nil {
		return err
	}
	maxRetry := n.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 6
	}
	opts := []asynq.Option{asynq.TaskID(ev.ID), asynq.MaxRetry(maxRetry)}
	if n.Queue != "" {
		opts = append(opts, asynq.Queue(n.Queue))
	}
	if _, err := n.Client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil
		}
		return fmt.Errorf("notify: enqueue %s: %w", ev.Topic, err)
	}
	return nil
}

// NewEventTask wraps ev in a task.
func NewEventTask(ev events.Event) (*asynq.Task, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("notify: encode event: %w", err)
	}
	return asynq.NewTask(TaskEvent, payload), nil
}

// DecodeEventTask extracts the event carried by t.
func DecodeEventTask(t *asynq.Task) (events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return events.Event{}, fmt.Errorf("notify: decode event: %w", err)
	}
	return ev, nil
}
