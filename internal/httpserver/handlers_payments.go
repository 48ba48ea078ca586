package httpserver

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/CedrosPay/settlement/internal/errors"
	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/CedrosPay/settlement/internal/settlement"
	"github.com/CedrosPay/settlement/internal/storage"
	"github.com/CedrosPay/settlement/pkg/responders"
)

type createPaymentRequest struct {
	UserID      int64  `json:"user_id"`
	Method      string `json:"method"`
	Amount      int64  `json:"amount"`
	ChannelHint string `json:"channel_hint"`
	ForceNew    bool   `json:"force_new"`
}

type paymentResponse struct {
	ID              string     `json:"id"`
	UserID          int64      `json:"user_id"`
	Method          string     `json:"method"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	Memo            string     `json:"memo,omitempty"`
	QuotedAmount    int64      `json:"quoted_amount,omitempty"`
	QuoteAsset      string     `json:"quote_asset,omitempty"`
	ConfirmationRef string     `json:"confirmation_ref,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
}

type paymentWithDisplay struct {
	Payment paymentResponse        `json:"payment"`
	Display gateway.DisplayPayload `json:"display"`
}

type checkResponse struct {
	Payment   paymentResponse `json:"payment"`
	Confirmed bool            `json:"confirmed"`
}

type cancelRequest struct {
	UserID int64 `json:"user_id"`
}

func (h *handlers) toPaymentResponse(p storage.Payment) paymentResponse {
	return paymentResponse{
		ID:              p.ID,
		UserID:          p.UserID,
		Method:          string(p.Method),
		Amount:          p.Amount,
		Currency:        h.cfg.Settlement.Currency,
		Status:          string(p.Status),
		Memo:            p.Memo,
		QuotedAmount:    p.QuotedAmount,
		QuoteAsset:      p.QuoteAsset,
		ConfirmationRef: p.ConfirmationRef,
		CreatedAt:       p.CreatedAt,
		ExpiresAt:       p.ExpiresAt,
		ConfirmedAt:     p.ConfirmedAt,
	}
}

// createPayment starts a top-up through the requested gateway.
func (h *handlers) createPayment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req createPaymentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		log.Warn().Err(err).Msg("payments.create.invalid_body")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.UserID <= 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "user_id is required")
		return
	}
	if req.Method == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "method is required")
		return
	}

	created, err := h.settle.CreatePayment(r.Context(), settlement.CreateInput{
		UserID:      req.UserID,
		Method:      storage.Method(strings.ToLower(req.Method)),
		Amount:      req.Amount,
		ChannelHint: req.ChannelHint,
		ForceNew:    req.ForceNew,
	})
	if err != nil {
		writeSettlementError(w, r, err)
		return
	}

	responders.JSON(w, http.StatusCreated, paymentWithDisplay{
		Payment: h.toPaymentResponse(created.Payment),
		Display: created.Display,
	})
}

func (h *handlers) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.settle.GetPayment(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		writeSettlementError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, paymentWithDisplay{
		Payment: h.toPaymentResponse(p),
		Display: settlement.DisplayFor(p),
	})
}

// checkPayment asks the gateway for the current state ("I paid" button).
func (h *handlers) checkPayment(w http.ResponseWriter, r *http.Request) {
	res, err := h.settle.CheckPayment(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		writeSettlementError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, checkResponse{
		Payment:   h.toPaymentResponse(res.Payment),
		Confirmed: res.Confirmed,
	})
}

// cancelPayment cancels a pending payment. A payment the provider already
// settled is credited and reported as remote_payment_succeeded.
func (h *handlers) cancelPayment(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	p, err := h.settle.CancelPayment(r.Context(), chi.URLParam(r, "paymentID"), req.UserID)
	if errors.Is(err, settlement.ErrRemoteSucceeded) {
		apierrors.WriteError(w, apierrors.ErrCodeRemoteSucceeded, "payment already completed", map[string]interface{}{
			"payment_id": p.ID,
			"status":     string(p.Status),
		})
		return
	}
	if err != nil {
		writeSettlementError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"payment": h.toPaymentResponse(p),
	})
}

// activePayment returns the user's pending payment so the front-end can offer
// to continue it.
func (h *handlers) activePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	created, err := h.settle.ContinuePayment(r.Context(), userID)
	if err != nil {
		writeSettlementError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, paymentWithDisplay{
		Payment: h.toPaymentResponse(created.Payment),
		Display: created.Display,
	})
}

// userIDParam parses {userID}, writing the error response on failure.
func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "userID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField, "invalid user id", "user_id", raw)
		return 0, false
	}
	return id, true
}
