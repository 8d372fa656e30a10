package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/govalues/decimal"

	"boxoffice/internal/auth"
	"boxoffice/internal/models"
	"boxoffice/internal/order"
	"boxoffice/internal/utils"
)

func localID(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "localID"))
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider string          `json:"provider"`
		Amount   decimal.Decimal `json:"amount"`
		Info     string          `json:"info"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	p, err := h.Orders.CreatePayment(r.Context(), chi.URLParam(r, "orderID"), req.Provider, req.Amount, req.Info)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, utils.SuccessResponse("payment created", p))
}

func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	id, err := localID(r)
	if err != nil {
		http.Error(w, "invalid payment id", http.StatusBadRequest)
		return
	}
	var req struct {
		Force    bool `json:"force"`
		Overbook bool `json:"overbook"`
		SendMail bool `json:"send_email"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	o, err := h.Orders.ConfirmPayment(r.Context(), chi.URLParam(r, "orderID"), id, auth.Actor(r.Context()), order.ConfirmOptions{
		Force:    req.Force,
		Overbook: req.Overbook,
		SendMail: req.SendMail,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("payment confirmed", o))
}

func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	id, err := localID(r)
	if err != nil {
		http.Error(w, "invalid payment id", http.StatusBadRequest)
		return
	}
	p, err := h.Orders.CancelPayment(r.Context(), chi.URLParam(r, "orderID"), id, auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("payment canceled", p))
}

func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	id, err := localID(r)
	if err != nil {
		http.Error(w, "invalid payment id", http.StatusBadRequest)
		return
	}
	var req struct {
		Amount       decimal.Decimal `json:"amount"`
		Comment      string          `json:"comment"`
		MarkCanceled bool            `json:"mark_canceled"`
		MarkPending  bool            `json:"mark_pending"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	refund, err := h.Orders.CreateRefund(r.Context(), chi.URLParam(r, "orderID"), auth.Actor(r.Context()), order.RefundRequest{
		PaymentLocalID: id,
		Amount:         req.Amount,
		Source:         models.RefundSourceAdmin,
		Comment:        req.Comment,
		MarkCanceled:   req.MarkCanceled,
		MarkPending:    req.MarkPending,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, utils.SuccessResponse("refund created", refund))
}

func (h *Handler) ProcessRefund(w http.ResponseWriter, r *http.Request) {
	id, err := localID(r)
	if err != nil {
		http.Error(w, "invalid refund id", http.StatusBadRequest)
		return
	}
	refund, err := h.Orders.ProcessRefund(r.Context(), chi.URLParam(r, "orderID"), id, auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("refund in transit", refund))
}

func (h *Handler) DoneRefund(w http.ResponseWriter, r *http.Request) {
	id, err := localID(r)
	if err != nil {
		http.Error(w, "invalid refund id", http.StatusBadRequest)
		return
	}
	refund, err := h.Orders.DoneRefund(r.Context(), chi.URLParam(r, "orderID"), id, auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("refund done", refund))
}

func (h *Handler) CancelRefund(w http.ResponseWriter, r *http.Request) {
	id, err := localID(r)
	if err != nil {
		http.Error(w, "invalid refund id", http.StatusBadRequest)
		return
	}
	refund, err := h.Orders.CancelRefund(r.Context(), chi.URLParam(r, "orderID"), id, auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("refund canceled", refund))
}
