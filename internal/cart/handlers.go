package cart

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/obs"
	"github.com/noah-isme/toko-orders/internal/pricing"
)

// Handler wires bundle services to HTTP. Bundles are addressed by their
// secret key so anonymous shoppers can reach their own cart.
type Handler struct {
	Svc *Service
}

// Routes registers the bundle endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/bundles", h.Create)
	r.Route("/bundles/{key}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Delete)
		r.Post("/lines", h.AddLine)
		r.Patch("/lines/{lineId}", h.UpdateLine)
		r.Delete("/lines/{lineId}", h.RemoveLine)
		r.Post("/empty", h.Empty)
		r.Post("/merge", h.Merge)
		r.Post("/refresh", h.Refresh)
		r.Post("/validate", h.Validate)
	})
}

type createRequest struct {
	Currency string `json:"currency" validate:"omitempty,len=3,alpha"`
	Country  string `json:"country" validate:"omitempty,len=2,alpha"`
}

type addLineRequest struct {
	ProductID  string        `json:"product_id" validate:"required"`
	Quantity   pricing.Money `json:"quantity"`
	Size       int           `json:"size" validate:"gte=0"`
	Scale      int           `json:"scale" validate:"gte=0"`
	Attributes string        `json:"attributes"`
	Increment  bool          `json:"increment"`
}

type quantityRequest struct {
	Quantity pricing.Money `json:"quantity"`
}

type mergeRequest struct {
	FromKey   string `json:"from_key" validate:"required"`
	Increment bool   `json:"increment"`
}

type refreshRequest struct {
	Currency string `json:"currency" validate:"omitempty,len=3,alpha"`
	Country  string `json:"country" validate:"omitempty,len=2,alpha"`
	Force    bool   `json:"force"`
}

// Create starts a bundle, attached to the caller account when known.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	in := CreateInput{
		Currency:  req.Currency,
		Country:   req.Country,
		AccountID: strings.TrimSpace(r.Header.Get(obs.AccountHeader)),
	}
	var (
		b   Bundle
		err error
	)
	if in.AccountID != "" {
		b, err = h.Svc.ForAccount(r.Context(), in)
	} else {
		b, err = h.Svc.Create(r.Context(), in)
	}
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": b})
}

// Get returns the bundle and its totals.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	b, ok := h.resolve(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": b})
}

// Delete removes the bundle.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	b, ok := h.resolve(w, r)
	if !ok {
		return
	}
	if err := h.Svc.Delete(r.Context(), b.ID); err != nil {
		common.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddLine adds a product to the bundle.
func (h *Handler) AddLine(w http.ResponseWriter, r *http.Request) {
	b, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req addLineRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	if !req.Quantity.IsPositive() {
		common.WriteError(w, common.Validation(ErrInvalidQuantity, "quantity must be positive"))
		return
	}
	out, err := h.Svc.AddProduct(r.Context(), b.ID, AddInput{
		ProductID:  strings.TrimSpace(req.ProductID),
		Quantity:   req.Quantity,
		Size:       req.Size,
		Scale:      req.Scale,
		Attributes: req.Attributes,
		Increment:  req.Increment,
	})
	h.respond(w, out, err)
}

// UpdateLine sets a line quantity.
func (h *Handler) UpdateLine(w http.ResponseWriter, r *http.Request) {
	b, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req quantityRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	out, err := h.Svc.SetQuantity(r.Context(), b.ID, chi.URLParam(r, "lineId"), req.Quantity)
	h.respond(w, out, err)
}

// RemoveLine drops a line.
func (h *Handler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	b, ok := h.resolve(w, r)
	if !ok {
		return
	}
	out, err := h.Svc.RemoveLine(r.Context(), b.ID, chi.URLParam(r, "lineId"))
	h.respond(w, out, err)
}

// Empty removes every line.
func (h *Handler) Empty(w http.ResponseWriter, r *http.Request) {
	b, ok := h.resolve(w, r)
	if !ok {
		return
	}
	out, err := h.Svc.Empty(r.Context(), b.ID)
	h.respond(w, out, err)
}

// Merge copies the lines of another bundle, typically a guest cart, into this one.
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	b, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req mergeRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	other, err := h.Svc.GetByKey(r.Context(), strings.TrimSpace(req.FromKey))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	out, err := h.Svc.Merge(r.Context(), b.ID, other.ID, req.Increment)
	h.respond(w, out, err)
}

// Refresh reprices the bundle for a new currency or country.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	b, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req refreshRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	out, changed, err := h.Svc.Refresh(r.Context(), b.ID, req.Currency, req.Country, req.Force)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out, "changed": changed})
}

// Validate repairs and verifies the bundle.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	b, ok := h.resolve(w, r)
	if !ok {
		return
	}
	out, err := h.Svc.Validate(r.Context(), b.ID)
	h.respond(w, out, err)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (Bundle, bool) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "bundle service not configured", nil)
		return Bundle{}, false
	}
	b, err := h.Svc.GetByKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		common.WriteError(w, err)
		return Bundle{}, false
	}
	return b, true
}

func (h *Handler) respond(w http.ResponseWriter, b Bundle, err error) {
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": b})
}
