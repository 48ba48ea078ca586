package httpserver

import (
	"context"
	"errors"
	"net/http"

	apierrors "github.com/CedrosPay/settlement/internal/errors"
	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/CedrosPay/settlement/internal/rates"
	"github.com/CedrosPay/settlement/internal/settlement"
	"github.com/CedrosPay/settlement/internal/storage"
)

// errorCode maps a settlement error onto the API error taxonomy.
func errorCode(err error) apierrors.ErrorCode {
	var active *settlement.ActivePaymentError
	switch {
	case errors.As(err, &active):
		return apierrors.ErrCodeActivePaymentExists
	case errors.Is(err, settlement.ErrInvalidUser):
		return apierrors.ErrCodeInvalidField
	case errors.Is(err, settlement.ErrInvalidAmount):
		return apierrors.ErrCodeInvalidAmount
	case errors.Is(err, settlement.ErrInvalidMethod):
		return apierrors.ErrCodeInvalidMethod
	case errors.Is(err, settlement.ErrInvalidPlan):
		return apierrors.ErrCodeInvalidPlan
	case errors.Is(err, settlement.ErrInvalidPayload):
		return apierrors.ErrCodeInvalidPayload
	case errors.Is(err, settlement.ErrPayerMismatch):
		return apierrors.ErrCodePayerMismatch
	case errors.Is(err, settlement.ErrAmountMismatch):
		return apierrors.ErrCodeAmountMismatch
	case errors.Is(err, storage.ErrNotFound):
		return apierrors.ErrCodePaymentNotFound
	case errors.Is(err, settlement.ErrNotPending):
		return apierrors.ErrCodePaymentNotPending
	case errors.Is(err, settlement.ErrReferenceUsed),
		errors.Is(err, storage.ErrDuplicateReference),
		errors.Is(err, storage.ErrCandidateClaimed):
		return apierrors.ErrCodeDuplicateReference
	case errors.Is(err, settlement.ErrRemoteSucceeded):
		return apierrors.ErrCodeRemoteSucceeded
	case errors.Is(err, settlement.ErrRecoveryWindowClosed):
		return apierrors.ErrCodeRecoveryClosed
	case errors.Is(err, storage.ErrInsufficientBalance):
		return apierrors.ErrCodeInsufficientBalance
	case errors.Is(err, rates.ErrQuoteUnavailable):
		return apierrors.ErrCodeQuoteUnavailable
	case errors.Is(err, settlement.ErrRemoteStateUnknown),
		errors.Is(err, gateway.ErrTransient),
		errors.Is(err, context.DeadlineExceeded):
		return apierrors.ErrCodeGatewayUnavailable
	case errors.Is(err, gateway.ErrTerminal):
		return apierrors.ErrCodeGatewayRejected
	case errors.Is(err, settlement.ErrStore):
		return apierrors.ErrCodeDatabaseError
	default:
		return apierrors.ErrCodeInternalError
	}
}

// writeSettlementError writes err in the standard error envelope. Internal
// failures are logged and their message is not exposed.
func writeSettlementError(w http.ResponseWriter, r *http.Request, err error) {
	code := errorCode(err)

	var active *settlement.ActivePaymentError
	if errors.As(err, &active) {
		apierrors.WriteError(w, code, "an active payment already exists", map[string]interface{}{
			"payment_id": active.PaymentID,
			"amount":     active.Amount,
			"method":     active.Method,
			"expires_at": active.ExpiresAt,
		})
		return
	}

	msg := err.Error()
	if code.HTTPStatus() >= http.StatusInternalServerError {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("code", string(code)).Msg("http.request_failed")
		switch code {
		case apierrors.ErrCodeDatabaseError, apierrors.ErrCodeInternalError:
			msg = "internal error"
		}
	}
	apierrors.WriteSimpleError(w, code, msg)
}
