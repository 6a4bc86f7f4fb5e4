package order

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/toko-orders/internal/common"
)

// ListFilter narrows order listings.
type ListFilter struct {
	Status    Status
	AccountID string
	Limit     int
	Offset    int
}

// Lifecycle is the order workflow the admin endpoints drive.
type Lifecycle interface {
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context, f ListFilter) ([]*Order, int, error)
	Transition(ctx context.Context, id string, to Status) (*Order, error)
	Adjust(ctx context.Context, id string, a Adjustments) (*Order, error)
}

// AdminHandler provides administrative order management endpoints.
type AdminHandler struct {
	Svc        Lifecycle
	AdminToken string
}

// Routes registers the admin order endpoints.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Route("/admin/orders", func(r chi.Router) {
		r.Use(common.RequireAdmin(h.AdminToken))
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Patch("/{id}/status", h.PatchStatus)
		r.Patch("/{id}/amounts", h.PatchAmounts)
	})
}

type patchStatusRequest struct {
	Status Status `json:"status" validate:"required"`
}

// List returns orders newest first.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	page := common.ParsePage(r, 20)
	f := ListFilter{
		Status:    Status(r.URL.Query().Get("status")),
		AccountID: r.URL.Query().Get("account_id"),
		Limit:     page.Limit,
		Offset:    page.Offset(),
	}
	orders, total, err := h.Svc.List(r.Context(), f)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WritePage(w, orders, page, total)
}

// Get returns one order.
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.Svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": o})
}

// PatchStatus moves an order along its fulfilment statuses.
func (h *AdminHandler) PatchStatus(w http.ResponseWriter, r *http.Request) {
	var req patchStatusRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	if !isAllowedAdminTarget(req.Status) {
		common.WriteError(w, common.Validation(errors.New("unsupported status"), "status %q", req.Status))
		return
	}
	o, err := h.Svc.Transition(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": o})
}

// PatchAmounts sets the fixed discount, shipping and tax amounts of an open order.
func (h *AdminHandler) PatchAmounts(w http.ResponseWriter, r *http.Request) {
	var req Adjustments
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	o, err := h.Svc.Adjust(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": o})
}

func isAllowedAdminTarget(status Status) bool {
	switch status {
	case StatusSent, StatusReceived, StatusReturned, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}
