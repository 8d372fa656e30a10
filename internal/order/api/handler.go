package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/govalues/decimal"

	"boxoffice/internal/audit"
	"boxoffice/internal/auth"
	"boxoffice/internal/invoice"
	"boxoffice/internal/logger"
	"boxoffice/internal/models"
	"boxoffice/internal/order"
	"boxoffice/internal/order/db"
	"boxoffice/internal/quota"
	"boxoffice/internal/tickets"
	"boxoffice/internal/utils"
)

type Handler struct {
	Orders   *order.Service
	Invoices *invoice.Service
	Tickets  *tickets.Generator
	Quota    *quota.Evaluator
	Audit    *audit.Logger
	Store    *db.DB
	Log      *logger.Logger
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps a domain error kind onto an HTTP status. This is the only
// place where error kinds and status codes meet.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch models.KindOf(err) {
	case models.KindValidation:
		status = http.StatusBadRequest
	case models.KindStateConflict, models.KindQuotaExceeded:
		status = http.StatusConflict
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindProvider:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, utils.ErrorResponse("request failed", err.Error()))
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req order.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	o, err := h.Orders.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, utils.SuccessResponse("order placed", o))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("order", o))
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Store.ListOrders(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("orders", orders))
}

func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force    bool `json:"force"`
		Overbook bool `json:"overbook"`
		SendMail bool `json:"send_email"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	o, err := h.Orders.MarkPaid(r.Context(), chi.URLParam(r, "orderID"), auth.Actor(r.Context()), order.MarkPaidOptions{
		Force:    req.Force,
		Overbook: req.Overbook,
		SendMail: req.SendMail,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("order marked as paid", o))
}

func (h *Handler) MarkPending(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.MarkPending(r.Context(), chi.URLParam(r, "orderID"), auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("order marked as pending", o))
}

func (h *Handler) MarkExpired(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.MarkExpired(r.Context(), chi.URLParam(r, "orderID"), auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("order marked as expired", o))
}

func (h *Handler) MarkCanceled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CancellationFee decimal.Decimal `json:"cancellation_fee"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	o, err := h.Orders.Cancel(r.Context(), chi.URLParam(r, "orderID"), auth.Actor(r.Context()), req.CancellationFee)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("order canceled", o))
}

func (h *Handler) MarkRefunded(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.MarkRefunded(r.Context(), chi.URLParam(r, "orderID"), auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("order marked as refunded", o))
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Approve(r.Context(), chi.URLParam(r, "orderID"), auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("order approved", o))
}

func (h *Handler) Deny(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Comment string `json:"comment"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	o, err := h.Orders.Deny(r.Context(), chi.URLParam(r, "orderID"), auth.Actor(r.Context()), req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("order denied", o))
}

func (h *Handler) Extend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExpiresAt time.Time `json:"expires_at"`
		Force     bool      `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	o, err := h.Orders.ExtendExpiry(r.Context(), chi.URLParam(r, "orderID"), auth.Actor(r.Context()), req.ExpiresAt, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("expiry date extended", o))
}

func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	o, err := h.Orders.Reactivate(r.Context(), chi.URLParam(r, "orderID"), auth.Actor(r.Context()), req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("order reactivated", o))
}

func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Audit.ForOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("audit log", entries))
}
