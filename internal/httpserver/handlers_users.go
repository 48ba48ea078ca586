package httpserver

import (
	"net/http"
	"strconv"

	apierrors "github.com/CedrosPay/settlement/internal/errors"
	"github.com/CedrosPay/settlement/internal/journal"
	"github.com/CedrosPay/settlement/pkg/responders"
)

type purchaseRequest struct {
	PlanID string `json:"plan_id"`
}

type historyResponse struct {
	UserID  int64           `json:"user_id"`
	Entries []journal.Entry `json:"entries"`
}

func (h *handlers) balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	acct, err := h.settle.Balance(r.Context(), userID)
	if err != nil {
		writeSettlementError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, acct)
}

// purchase spends balance on an entitlement plan.
func (h *handlers) purchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.PlanID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "plan_id is required")
		return
	}
	acct, err := h.settle.Purchase(r.Context(), userID, req.PlanID)
	if err != nil {
		writeSettlementError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, acct)
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField, "invalid limit", "limit", raw)
			return
		}
		limit = n
	}
	entries, err := h.settle.History(r.Context(), userID, limit)
	if err != nil {
		writeSettlementError(w, r, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	responders.JSON(w, http.StatusOK, historyResponse{UserID: userID, Entries: entries})
}
