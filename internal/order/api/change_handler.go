package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/govalues/decimal"

	"boxoffice/internal/auth"
	"boxoffice/internal/models"
	"boxoffice/internal/order"
	"boxoffice/internal/utils"
)

type changeRequest struct {
	CancelPositions []int `json:"cancel_positions,omitempty"`
	ChangeItems     []struct {
		Position    int    `json:"position"`
		ItemID      string `json:"item_id"`
		VariationID string `json:"variation_id,omitempty"`
	} `json:"change_items,omitempty"`
	ChangePrices []struct {
		Position int             `json:"position"`
		Price    decimal.Decimal `json:"price"`
	} `json:"change_prices,omitempty"`
	ChangeSubevents []struct {
		Position   int    `json:"position"`
		SubeventID string `json:"subevent_id"`
	} `json:"change_subevents,omitempty"`
	SplitPositions []int                   `json:"split_positions,omitempty"`
	AddPositions   []order.PositionRequest `json:"add_positions,omitempty"`
	CancelFees     []string                `json:"cancel_fees,omitempty"`
	AddFees        []struct {
		Type        models.FeeType  `json:"type"`
		Description string          `json:"description"`
		Value       decimal.Decimal `json:"value"`
	} `json:"add_fees,omitempty"`
	ChangeFees []struct {
		FeeID string          `json:"fee_id"`
		Value decimal.Decimal `json:"value"`
	} `json:"change_fees,omitempty"`
	RecalculateTaxes string `json:"recalculate_taxes,omitempty"`
	ReissueInvoice   bool   `json:"reissue_invoice,omitempty"`
	Notify           bool   `json:"notify,omitempty"`
}

// ChangeOrder applies a batch of modifications in one atomic commit.
func (h *Handler) ChangeOrder(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	change := h.Orders.NewChange(chi.URLParam(r, "orderID"), auth.Actor(r.Context()))
	for _, p := range req.CancelPositions {
		change.CancelPosition(p)
	}
	for _, c := range req.ChangeItems {
		change.ChangeItem(c.Position, c.ItemID, c.VariationID)
	}
	for _, c := range req.ChangePrices {
		change.ChangePrice(c.Position, c.Price)
	}
	for _, c := range req.ChangeSubevents {
		change.ChangeSubevent(c.Position, c.SubeventID)
	}
	for _, p := range req.SplitPositions {
		change.SplitPosition(p)
	}
	for _, p := range req.AddPositions {
		change.AddPosition(p)
	}
	for _, f := range req.CancelFees {
		change.CancelFee(f)
	}
	for _, f := range req.AddFees {
		change.AddFee(f.Type, f.Description, f.Value)
	}
	for _, f := range req.ChangeFees {
		change.ChangeFee(f.FeeID, f.Value)
	}
	if req.RecalculateTaxes != "" {
		change.RecalculateTaxes(req.RecalculateTaxes)
	}
	if req.ReissueInvoice {
		change.ReissueInvoice()
	}
	if req.Notify {
		change.NotifyBuyer()
	}

	o, err := change.Commit(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, utils.SuccessResponse("order changed", o))
}
