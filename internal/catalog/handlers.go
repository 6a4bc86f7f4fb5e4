package catalog

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/pricing"
)

// Handler exposes the product catalog.
type Handler struct {
	service    *Service
	adminToken string
}

// HandlerConfig configures the Handler dependencies.
type HandlerConfig struct {
	Service    *Service
	AdminToken string
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{service: cfg.Service, adminToken: cfg.AdminToken}
}

// Routes registers the public and admin product endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/products", h.Products)
	r.Get("/products/{id}", h.Product)
	r.With(common.RequireAdmin(h.adminToken)).Put("/admin/products/{id}", h.Save)
}

type productRequest struct {
	Name          string         `json:"name" validate:"required,max=200"`
	Price         pricing.Money  `json:"price"`
	Currency      string         `json:"currency" validate:"omitempty,len=3,alpha"`
	Taxes         pricing.Money  `json:"taxes"`
	QuantityHand  *pricing.Money `json:"quantity_hand"`
	Discounted    bool           `json:"discounted"`
	Parent        bool           `json:"parent"`
	ParentID      string         `json:"parent_id"`
	Size          int            `json:"size" validate:"gte=0"`
	Scale         int            `json:"scale" validate:"gte=0"`
	PriceProvider string         `json:"price_provider"`
}

// Products handles GET /products with pagination.
func (h *Handler) Products(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	page := common.ParsePage(r, 20)
	items, total, err := h.service.List(r.Context(), page.Limit, page.Offset())
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.WritePage(w, items, page, total)
}

// Product handles GET /products/{id}.
func (h *Handler) Product(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	p, err := h.service.Product(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": p})
}

// Save handles PUT /admin/products/{id}.
func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	var req productRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	p := Product{
		ID:            chi.URLParam(r, "id"),
		Name:          strings.TrimSpace(req.Name),
		Price:         req.Price,
		Currency:      strings.ToUpper(req.Currency),
		Taxes:         req.Taxes,
		Discounted:    req.Discounted,
		Parent:        req.Parent,
		ParentID:      strings.TrimSpace(req.ParentID),
		Size:          req.Size,
		Scale:         req.Scale,
		PriceProvider: strings.TrimSpace(req.PriceProvider),
	}
	if req.QuantityHand != nil {
		p.QuantityHand = decimal.NewNullDecimal(*req.QuantityHand)
	}
	out, err := h.service.Save(r.Context(), p)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}
