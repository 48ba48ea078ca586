package httpserver

import (
	"errors"
	"io"
	"net/http"

	apierrors "github.com/CedrosPay/settlement/internal/errors"
	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/CedrosPay/settlement/internal/settlement"
	"github.com/CedrosPay/settlement/pkg/responders"
)

// stripeWebhook confirms card payments from checkout events. Stripe retries
// non-2xx responses, so business rejections are acknowledged and only
// transient or ledger failures ask for redelivery.
func (h *handlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	if h.stripe == nil || h.stripeCf == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidMethod, "card payments are not enabled")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		log.Error().Err(err).Msg("stripe.webhook.read_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "failed to read body")
		return
	}
	event, err := h.stripe.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		log.Warn().Err(err).Msg("stripe.webhook.invalid")
		h.metrics.ObserveInboundWebhook("stripe", "invalid")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidWebhook, "invalid webhook")
		return
	}

	res, handled, err := h.stripeCf.ConfirmFromWebhook(r.Context(), event, h.settle)
	switch {
	case err == nil && !handled:
		h.metrics.ObserveInboundWebhook("stripe", "ignored")
		responders.Ack(w, "ignored", nil)
	case err == nil:
		log.Info().
			Str("payment_id", res.Payment.ID).
			Str("session_id", event.SessionID).
			Bool("credited", res.Credited).
			Msg("stripe.webhook.confirmed")
		h.metrics.ObserveInboundWebhook("stripe", "confirmed")
		responders.Ack(w, "confirmed", map[string]string{"payment_id": res.Payment.ID})
	case errors.Is(err, settlement.ErrStore), errors.Is(err, gateway.ErrTransient):
		log.Error().Err(err).Str("payment_id", event.PaymentID).Msg("stripe.webhook.confirm_failed")
		h.metrics.ObserveInboundWebhook("stripe", "error")
		writeSettlementError(w, r, err)
	default:
		log.Warn().Err(err).Str("payment_id", event.PaymentID).Msg("stripe.webhook.rejected")
		h.metrics.ObserveInboundWebhook("stripe", "rejected")
		responders.Ack(w, "rejected", map[string]string{"code": string(errorCode(err))})
	}
}
