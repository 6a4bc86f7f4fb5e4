package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/obs"
)

// Settler completes the asynchronous payment of the order carrying reference.
type Settler interface {
	EndPayByReference(ctx context.Context, engine, reference string, cb Callback) error
}

// Claimer de-duplicates notifications; lock.Claims implements it.
type Claimer interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Webhook receives gateway notifications, verifying and de-duplicating them
// before settling the order.
type Webhook struct {
	Registry  *Registry
	Settler   Settler
	Replay    Claimer
	ReplayTTL time.Duration
	Logger    *zerolog.Logger
}

// Routes registers the webhook endpoint.
func (h *Webhook) Routes(r chi.Router) {
	r.Post("/payments/webhooks/{engine}", h.Handle)
}

// Handle processes one notification.
func (h *Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	engine := normalise(chi.URLParam(r, "engine"))
	err := h.handle(r, engine)
	obs.ObserveWebhook(engine, err)
	if err != nil {
		obs.Ctx(r.Context(), h.Logger).Warn().Err(err).Str("engine", engine).Msg("payment_webhook_rejected")
		common.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Webhook) handle(r *http.Request, engine string) error {
	if h.Settler == nil {
		return common.Operational(errors.New("payment webhook not configured"), "webhook unavailable")
	}
	gw, ok := h.Registry.Gateway(engine)
	if !ok {
		return common.NotFound(ErrUnknownMethod, "engine %q", engine)
	}
	verifier, ok := gw.(WebhookVerifier)
	if !ok {
		return common.NotFound(ErrUnknownMethod, "engine %q does not accept notifications", engine)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return common.Validation(err, "unable to read payload")
	}
	n, err := verifier.VerifyWebhook(r, body)
	if err != nil {
		return err
	}
	fresh, err := h.claim(r.Context(), engine, body)
	if err != nil {
		return err
	}
	if !fresh {
		obs.Ctx(r.Context(), h.Logger).Info().Str("engine", engine).Str("reference", n.Reference).Msg("payment_webhook_replayed")
		return nil
	}
	if err := h.Settler.EndPayByReference(r.Context(), engine, n.Reference, n.Callback); err != nil {
		h.release(r.Context(), engine, body)
		return err
	}
	return nil
}

// claim records the notification digest, reporting false when it was seen before.
func (h *Webhook) claim(ctx context.Context, engine string, body []byte) (bool, error) {
	if h.Replay == nil || h.ReplayTTL <= 0 {
		return true, nil
	}
	ok, err := h.Replay.Acquire(ctx, replayKey(engine, body), h.ReplayTTL)
	if err != nil {
		return false, common.Operational(err, "replay store")
	}
	return ok, nil
}

// release forgets a notification whose settlement failed so the gateway retry is processed.
func (h *Webhook) release(ctx context.Context, engine string, body []byte) {
	if h.Replay == nil || h.ReplayTTL <= 0 {
		return
	}
	if err := h.Replay.Release(context.WithoutCancel(ctx), replayKey(engine, body)); err != nil {
		obs.Ctx(ctx, h.Logger).Warn().Err(err).Str("engine", engine).Msg("payment_webhook_release_failed")
	}
}

func replayKey(engine string, body []byte) string {
	return fmt.Sprintf("wh:%s:%s", engine, common.Sha256Hex(string(body)))
}
