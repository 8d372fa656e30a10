package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"boxoffice/internal/auth"
	"boxoffice/internal/models"
	"boxoffice/internal/pricing"
	"boxoffice/internal/quota"
	"boxoffice/internal/tickets"
	"boxoffice/internal/utils"
)

func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invoices.Generate(r.Context(), chi.URLParam(r, "orderID"), auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, utils.SuccessResponse("invoice issued", inv))
}

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.Invoices.List(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("invoices", invoices))
}

func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invoices.Cancel(r.Context(), chi.URLParam(r, "orderID"), chi.URLParam(r, "invoiceID"), auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, utils.SuccessResponse("cancellation issued", inv))
}

// DownloadTicket serves the rendered ticket file. While rendering is still
// in flight the client gets 202 with a Retry-After hint.
func (h *Handler) DownloadTicket(w http.ResponseWriter, r *http.Request) {
	positionID, err := strconv.Atoi(chi.URLParam(r, "positionID"))
	if err != nil {
		http.Error(w, "invalid position id", http.StatusBadRequest)
		return
	}

	file, err := h.Tickets.Get(r.Context(), chi.URLParam(r, "orderID"), positionID)
	if errors.Is(err, tickets.ErrNotReady) {
		w.Header().Set("Retry-After", "2")
		writeJSON(w, http.StatusAccepted, utils.ErrorResponse("ticket not ready", "the ticket file is still being generated, retry shortly"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(file)
}

func (h *Handler) BlockPosition(w http.ResponseWriter, r *http.Request) {
	h.setPositionBlocked(w, r, true)
}

func (h *Handler) UnblockPosition(w http.ResponseWriter, r *http.Request) {
	h.setPositionBlocked(w, r, false)
}

func (h *Handler) setPositionBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	positionID, err := strconv.Atoi(chi.URLParam(r, "positionID"))
	if err != nil {
		http.Error(w, "invalid position id", http.StatusBadRequest)
		return
	}
	o, err := h.Orders.SetPositionBlocked(r.Context(), chi.URLParam(r, "orderID"), positionID, auth.Actor(r.Context()), blocked)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("order", o))
}

func (h *Handler) RegenerateSecrets(w http.ResponseWriter, r *http.Request) {
	o, err := h.Tickets.RegenerateSecrets(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("secrets regenerated", o))
}

// QuotaAvailability reports availability of every quota of an event. With
// ?full=1 the per-category counts are included, with ?fresh=1 the cache is
// bypassed.
func (h *Handler) QuotaAvailability(w http.ResponseWriter, r *http.Request) {
	quotas, err := h.Store.ListQuotas(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, err)
		return
	}

	results, err := h.Quota.Availability(r.Context(), quotas, quota.Options{
		FullResults: r.URL.Query().Get("full") == "1",
		IgnoreCache: r.URL.Query().Get("fresh") == "1",
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("availability", results))
}

// PriceCalc quotes a price without placing an order.
func (h *Handler) PriceCalc(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID      string `json:"item_id"`
		VariationID string `json:"variation_id,omitempty"`
		VoucherCode string `json:"voucher_code,omitempty"`
		EventID     string `json:"event_id"`
		Address     *models.InvoiceAddress
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	item, err := h.Store.GetItem(r.Context(), req.ItemID)
	if err != nil {
		writeError(w, err)
		return
	}
	var variation *models.ItemVariation
	for _, v := range item.Variations {
		if v.ID == req.VariationID {
			variation = v
			break
		}
	}
	var voucher *models.Voucher
	if req.VoucherCode != "" {
		voucher, err = h.Store.GetVoucherByCode(r.Context(), req.EventID, req.VoucherCode)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	price, err := pricing.Calculate(pricing.Input{
		Item:      item,
		Variation: variation,
		Voucher:   voucher,
		Address:   req.Address,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("price", price))
}
