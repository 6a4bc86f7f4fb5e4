package checkout

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/toko-orders/internal/cart"
	"github.com/noah-isme/toko-orders/internal/common"
	"github.com/noah-isme/toko-orders/internal/obs"
	"github.com/noah-isme/toko-orders/internal/order"
	"github.com/noah-isme/toko-orders/internal/payment"
)

// Handler exposes checkout over HTTP. Orders, like bundles, are addressed by
// their secret key.
type Handler struct {
	Svc  *Service
	Idem common.Idem
	// PayLimit throttles payment attempts; nil disables it.
	PayLimit func(http.Handler) http.Handler
}

// Routes registers the checkout endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/orders", h.Create)
	r.Route("/orders/{key}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/contact", h.SetContact)
		r.Post("/vouchers", h.AttachVoucher)
		r.Delete("/vouchers/{voucherId}", h.DetachVoucher)
		r.Post("/wait-payment", h.WaitPayment)
		pay := r.With(h.Idem.Middleware)
		if h.PayLimit != nil {
			pay = r.With(h.PayLimit, h.Idem.Middleware)
		}
		pay.Post("/pay", h.Pay)
		r.Post("/end-pay", h.EndPay)
		r.Post("/cancel", h.Cancel)
	})
}

type createRequest struct {
	BundleKey string `json:"bundle_key" validate:"required"`
}

type contactRequest struct {
	Email             string `json:"email" validate:"required,email"`
	ShippingAddressID string `json:"shipping_address_id" validate:"required"`
	BillingAddressID  string `json:"billing_address_id" validate:"required"`
	StoreID           string `json:"store_id"`
}

type voucherRequest struct {
	Key string `json:"key" validate:"required"`
}

type payRequest struct {
	Method    string `json:"method" validate:"required"`
	Token     string `json:"token"`
	Secure    bool   `json:"secure"`
	ReturnURL string `json:"return_url" validate:"omitempty,url"`
	CancelURL string `json:"cancel_url" validate:"omitempty,url"`
}

type endPayRequest struct {
	PaymentID string `json:"payment_id"`
	PayerID   string `json:"payer_id"`
	SourceID  string `json:"source_id"`
	Status    string `json:"status"`
}

// Create turns a bundle into a new order.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	var req createRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	b, err := h.Svc.Bundles.GetByKey(r.Context(), strings.TrimSpace(req.BundleKey))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	if !sameAccount(r, b) {
		common.WriteError(w, common.NotFound(cart.ErrNotFound, "bundle key"))
		return
	}
	o, err := h.Svc.ToOrder(r.Context(), b.ID)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": o})
}

// Get returns the order and its totals.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	o, ok := h.resolve(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": o})
}

// SetContact stores the contact and address references.
func (h *Handler) SetContact(w http.ResponseWriter, r *http.Request) {
	o, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req contactRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	out, err := h.Svc.SetContact(r.Context(), o.ID, Contact{
		Email:             req.Email,
		ShippingAddressID: req.ShippingAddressID,
		BillingAddressID:  req.BillingAddressID,
		AccountID:         strings.TrimSpace(r.Header.Get(obs.AccountHeader)),
		StoreID:           req.StoreID,
	})
	h.respond(w, out, err)
}

// AttachVoucher attaches a voucher by key.
func (h *Handler) AttachVoucher(w http.ResponseWriter, r *http.Request) {
	o, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req voucherRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	out, err := h.Svc.AttachVoucher(r.Context(), o.ID, strings.TrimSpace(req.Key))
	h.respond(w, out, err)
}

// DetachVoucher removes a voucher.
func (h *Handler) DetachVoucher(w http.ResponseWriter, r *http.Request) {
	o, ok := h.resolve(w, r)
	if !ok {
		return
	}
	out, err := h.Svc.DetachVoucher(r.Context(), o.ID, chi.URLParam(r, "voucherId"))
	h.respond(w, out, err)
}

// WaitPayment freezes the order for payment.
func (h *Handler) WaitPayment(w http.ResponseWriter, r *http.Request) {
	o, ok := h.resolve(w, r)
	if !ok {
		return
	}
	out, err := h.Svc.WaitPayment(r.Context(), o.ID)
	h.respond(w, out, err)
}

// Pay starts the payment. Redirect flows answer 202 with the gateway URL.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	o, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req payRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	out, res, err := h.Svc.Pay(r.Context(), o.ID, PayInput{
		Method:    req.Method,
		Token:     req.Token,
		Secure:    req.Secure,
		ReturnURL: req.ReturnURL,
		CancelURL: req.CancelURL,
	})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Paid {
		status = http.StatusAccepted
	}
	common.JSON(w, status, map[string]any{
		"data": out,
		"payment": map[string]any{
			"paid":         res.Paid,
			"redirect_url": res.RedirectURL,
			"data":         res.Data,
		},
	})
}

// EndPay completes a redirect based payment.
func (h *Handler) EndPay(w http.ResponseWriter, r *http.Request) {
	o, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var req endPayRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	out, err := h.Svc.EndPay(r.Context(), o.ID, payment.Callback{
		PaymentID: req.PaymentID,
		PayerID:   req.PayerID,
		SourceID:  req.SourceID,
		Status:    req.Status,
	}, true)
	h.respond(w, out, err)
}

// Cancel cancels the order.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	o, ok := h.resolve(w, r)
	if !ok {
		return
	}
	out, err := h.Svc.Cancel(r.Context(), o.ID, false)
	h.respond(w, out, err)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (*order.Order, bool) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return nil, false
	}
	o, err := h.Svc.GetByKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		common.WriteError(w, err)
		return nil, false
	}
	return o, true
}

func (h *Handler) respond(w http.ResponseWriter, o *order.Order, err error) {
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": o})
}

// sameAccount hides bundles owned by another account.
func sameAccount(r *http.Request, b cart.Bundle) bool {
	account := strings.TrimSpace(r.Header.Get(obs.AccountHeader))
	return b.AccountID == "" || b.AccountID == account
}
