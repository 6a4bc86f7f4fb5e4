package voucher

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/pricing"
)

// Handler exposes voucher administration over HTTP.
type Handler struct {
	Svc        *Service
	AdminToken string
	// RemindWindow is used when a remind call does not specify hours.
	RemindWindow time.Duration
}

// Routes registers the admin voucher endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/admin/vouchers", func(r chi.Router) {
		r.Use(common.RequireAdmin(h.AdminToken))
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Post("/remind", h.Remind)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/usages", h.Usages)
		r.Post("/{id}/enable", h.toggle(true))
		r.Post("/{id}/disable", h.toggle(false))
	})
}

type createRequest struct {
	Key        string        `json:"key" validate:"omitempty,min=4,max=64"`
	Amount     pricing.Money `json:"amount"`
	Percentage pricing.Money `json:"percentage"`
	Currency   string        `json:"currency" validate:"omitempty,len=3,alpha"`
	UsageLimit int           `json:"usage_limit" validate:"gte=0"`
	Unlimited  bool          `json:"unlimited"`
	Start      *time.Time    `json:"start"`
	Expiration *time.Time    `json:"expiration"`
	Disabled   bool          `json:"disabled"`
}

type remindRequest struct {
	Hours int `json:"hours" validate:"gte=0,lte=8760"`
}

// Create stores a new voucher.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	v, err := h.Svc.Create(r.Context(), CreateInput(req))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": v})
}

// List returns vouchers with optional enabled filter and pagination.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := common.ParsePage(r, 50)
	f := ListFilter{Limit: page.Limit, Offset: page.Offset()}
	if raw := q.Get("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "enabled must be a boolean", nil)
			return
		}
		f.Enabled = &enabled
	}
	items, err := h.Svc.List(r.Context(), f)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items})
}

// Get returns a voucher by id.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.Svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": v})
}

// Usages lists redemptions of a voucher.
func (h *Handler) Usages(w http.ResponseWriter, r *http.Request) {
	usages, err := h.Svc.ListUsages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": usages})
}

// Remind emits reminders for vouchers expiring soon.
func (h *Handler) Remind(w http.ResponseWriter, r *http.Request) {
	var req remindRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	window := h.RemindWindow
	if req.Hours > 0 {
		window = time.Duration(req.Hours) * time.Hour
	}
	if window <= 0 {
		window = 72 * time.Hour
	}
	count, err := h.Svc.Remind(r.Context(), window)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"reminded": count}})
}

func (h *Handler) toggle(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := h.Svc.SetEnabled(r.Context(), chi.URLParam(r, "id"), enabled)
		if err != nil {
			common.WriteError(w, err)
			return
		}
		common.JSON(w, http.StatusOK, map[string]any{"data": v})
	}
}
