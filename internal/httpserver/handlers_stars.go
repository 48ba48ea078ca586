package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apierrors "github.com/CedrosPay/settlement/internal/errors"
	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/CedrosPay/settlement/internal/settlement"
	"github.com/CedrosPay/settlement/internal/stars"
	"github.com/CedrosPay/settlement/pkg/responders"
)

// HeaderTelegramSecret carries the secret token registered with setWebhook.
const HeaderTelegramSecret = "X-Telegram-Bot-Api-Secret-Token"

// preCheckoutDeclined is shown to the payer in the payment sheet.
const preCheckoutDeclined = "Payment is no longer available. Please create a new one."

type starsPaymentRequest struct {
	ChargeID       string `json:"charge_id"`
	UserID         int64  `json:"user_id"`
	TotalAmount    int64  `json:"total_amount"`
	Currency       string `json:"currency"`
	InvoicePayload string `json:"invoice_payload"`
}

type confirmResponse struct {
	Payment  paymentResponse `json:"payment"`
	Credited bool            `json:"credited"`
	Balance  int64           `json:"balance"`
}

// starsPreCheckout lets a front-end that receives the platform's updates
// itself ask whether an invoice may still be charged.
func (h *handlers) starsPreCheckout(w http.ResponseWriter, r *http.Request) {
	var req starsPaymentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.InvoicePayload == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "invoice_payload is required")
		return
	}
	err := h.settle.ValidatePreCheckout(r.Context(), settlement.PreCheckout{
		UserID:      req.UserID,
		AmountUnits: req.TotalAmount,
		Currency:    req.Currency,
		Payload:     req.InvoicePayload,
	})
	if err != nil {
		writeSettlementError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// starsConfirm credits a successful in-chat payment forwarded by the front-end.
func (h *handlers) starsConfirm(w http.ResponseWriter, r *http.Request) {
	var req starsPaymentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.ChargeID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "charge_id is required")
		return
	}
	res, err := h.settle.ConfirmPush(r.Context(), settlement.PushConfirmation{
		ChargeID:    req.ChargeID,
		UserID:      req.UserID,
		AmountUnits: req.TotalAmount,
		Currency:    req.Currency,
		Payload:     req.InvoicePayload,
	})
	if err != nil {
		writeSettlementError(w, r, err)
		return
	}
	responders.JSON(w, http.StatusOK, h.toConfirmResponse(res))
}

func (h *handlers) toConfirmResponse(res gateway.ConfirmResult) confirmResponse {
	return confirmResponse{
		Payment:  h.toPaymentResponse(res.Payment),
		Credited: res.Credited,
		Balance:  res.Balance,
	}
}

// telegramWebhook receives Bot API updates directly. Pre-checkout queries are
// answered here; successful payments are confirmed. Telegram retries any
// non-2xx response, so only ledger failures return 500.
func (h *handlers) telegramWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	if secret := h.cfg.Stars.WebhookSecret; secret != "" {
		got := r.Header.Get(HeaderTelegramSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			h.metrics.ObserveInboundWebhook("telegram", "unauthorized")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "invalid secret token")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "failed to read body")
		return
	}
	var update stars.Update
	if err := json.Unmarshal(body, &update); err != nil {
		h.metrics.ObserveInboundWebhook("telegram", "invalid")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidWebhook, "invalid update")
		return
	}

	switch {
	case update.PreCheckoutQuery != nil:
		h.answerPreCheckout(w, r, update.PreCheckoutQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		h.confirmSuccessfulPayment(w, r, update.Message)
	default:
		log.Debug().Int64("update_id", update.UpdateID).Msg("telegram.update_ignored")
		h.metrics.ObserveInboundWebhook("telegram", "ignored")
		responders.Ack(w, "ignored", nil)
	}
}

func (h *handlers) answerPreCheckout(w http.ResponseWriter, r *http.Request, q *stars.PreCheckoutQuery) {
	log := logger.FromContext(r.Context())

	err := h.settle.ValidatePreCheckout(r.Context(), settlement.PreCheckout{
		UserID:      q.From.ID,
		AmountUnits: q.TotalAmount,
		Currency:    q.Currency,
		Payload:     q.InvoicePayload,
	})
	ok := err == nil
	msg := ""
	if !ok {
		msg = preCheckoutDeclined
		log.Info().Err(err).Int64("user_id", q.From.ID).Msg("telegram.pre_checkout_declined")
	}

	if h.telegram == nil {
		log.Warn().Msg("telegram.pre_checkout_no_client")
		h.metrics.ObserveInboundWebhook("telegram", "error")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "telegram client not configured")
		return
	}
	if err := h.telegram.AnswerPreCheckoutQuery(r.Context(), q.ID, ok, msg); err != nil {
		log.Error().Err(err).Str("query_id", q.ID).Msg("telegram.pre_checkout_answer_failed")
		h.metrics.ObserveInboundWebhook("telegram", "error")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeGatewayUnavailable, "failed to answer pre-checkout query")
		return
	}

	result := "pre_checkout_ok"
	if !ok {
		result = "pre_checkout_declined"
	}
	h.metrics.ObserveInboundWebhook("telegram", result)
	responders.Ack(w, result, nil)
}

func (h *handlers) confirmSuccessfulPayment(w http.ResponseWriter, r *http.Request, msg *stars.Message) {
	log := logger.FromContext(r.Context())
	sp := msg.SuccessfulPayment

	var payer int64
	if msg.From != nil {
		payer = msg.From.ID
	}
	res, err := h.settle.ConfirmPush(r.Context(), settlement.PushConfirmation{
		ChargeID:    sp.TelegramPaymentChargeID,
		UserID:      payer,
		AmountUnits: sp.TotalAmount,
		Currency:    sp.Currency,
		Payload:     sp.InvoicePayload,
	})
	switch {
	case err == nil:
		log.Info().
			Str("payment_id", res.Payment.ID).
			Bool("credited", res.Credited).
			Msg("telegram.payment_confirmed")
		h.metrics.ObserveInboundWebhook("telegram", "confirmed")
		responders.Ack(w, "confirmed", map[string]string{"payment_id": res.Payment.ID})
	case errors.Is(err, settlement.ErrStore):
		log.Error().Err(err).Msg("telegram.payment_confirm_failed")
		h.metrics.ObserveInboundWebhook("telegram", "error")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "internal error")
	default:
		// Redelivery would be rejected the same way.
		log.Warn().
			Err(err).
			Int64("user_id", payer).
			Str("charge_id", sp.TelegramPaymentChargeID).
			Msg("telegram.payment_rejected")
		h.metrics.ObserveInboundWebhook("telegram", "rejected")
		responders.Ack(w, "rejected", map[string]string{"code": string(errorCode(err))})
	}
}
