package voucher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-orders/internal/obs"
)

// TaskRemind is the periodic task scanning vouchers close to expiration.
const TaskRemind = "voucher:remind"

type remindPayload struct {
	WithinSeconds int64 `json:"within_seconds"`
}

// NewRemindTask builds a remind task for the given window.
func NewRemindTask(within time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(remindPayload{WithinSeconds: int64(within / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRemind, payload, asynq.MaxRetry(1)), nil
}

// Reminder runs remind tasks against Svc.
type Reminder struct {
	Svc    *Service
	Window time.Duration
	Logger *zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (r Reminder) ProcessTask(ctx context.Context, t *asynq.Task) error {
	within := r.Window
	var p remindPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode remind task: %v: %w", err, asynq.SkipRetry)
		}
		if p.WithinSeconds > 0 {
			within = time.Duration(p.WithinSeconds) * time.Second
		}
	}
	n, err := r.Svc.Remind(ctx, within)
	if err != nil {
		return err
	}
	obs.Ctx(ctx, r.Logger).Info().Int("vouchers", n).Dur("within", within).Msg("voucher reminders emitted")
	return nil
}
