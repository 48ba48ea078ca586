package errors

// ErrorCode represents a machine-readable error identifier for the chat front-end.
type ErrorCode string

// Validation errors.
const (
	ErrCodeMissingField   ErrorCode = "missing_field"
	ErrCodeInvalidField   ErrorCode = "invalid_field"
	ErrCodeInvalidAmount  ErrorCode = "invalid_amount"
	ErrCodeInvalidMethod  ErrorCode = "invalid_method"
	ErrCodeInvalidPlan    ErrorCode = "invalid_plan"
	ErrCodePayerMismatch  ErrorCode = "payer_mismatch"
	ErrCodeAmountMismatch ErrorCode = "amount_mismatch"
	ErrCodeInvalidPayload ErrorCode = "invalid_payload"
	ErrCodeInvalidWebhook ErrorCode = "invalid_webhook"
)

// Auth errors.
const (
	ErrCodeUnauthorized ErrorCode = "unauthorized"
	ErrCodeForbidden    ErrorCode = "forbidden"
)

// Resource and state errors.
const (
	ErrCodePaymentNotFound     ErrorCode = "payment_not_found"
	ErrCodeActivePaymentExists ErrorCode = "active_payment_exists"
	ErrCodePaymentNotPending   ErrorCode = "payment_not_pending"
	ErrCodeDuplicateReference  ErrorCode = "duplicate_reference"
	ErrCodeRemoteSucceeded     ErrorCode = "remote_payment_succeeded"
	ErrCodeRecoveryClosed      ErrorCode = "recovery_window_closed"
	ErrCodeInsufficientBalance ErrorCode = "insufficient_balance"
)

// Gateway errors.
const (
	ErrCodeGatewayUnavailable ErrorCode = "gateway_unavailable"
	ErrCodeGatewayRejected    ErrorCode = "gateway_rejected"
	ErrCodeQuoteUnavailable   ErrorCode = "quote_unavailable"
)

// Internal errors.
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeRateLimited   ErrorCode = "rate_limited"
)

// IsRetryable reports whether the client may retry the same request unchanged.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeGatewayUnavailable,
		ErrCodeQuoteUnavailable,
		ErrCodeDatabaseError,
		ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidMethod,
		ErrCodeInvalidPlan,
		ErrCodeAmountMismatch,
		ErrCodeInvalidPayload,
		ErrCodeInvalidWebhook:
		return 400

	case ErrCodeUnauthorized:
		return 401

	case ErrCodeInsufficientBalance:
		return 402

	case ErrCodeForbidden,
		ErrCodePayerMismatch:
		return 403

	case ErrCodePaymentNotFound:
		return 404

	case ErrCodeActivePaymentExists,
		ErrCodePaymentNotPending,
		ErrCodeDuplicateReference,
		ErrCodeRemoteSucceeded,
		ErrCodeRecoveryClosed:
		return 409

	case ErrCodeRateLimited:
		return 429

	case ErrCodeGatewayUnavailable,
		ErrCodeGatewayRejected,
		ErrCodeQuoteUnavailable:
		return 502

	default:
		return 500
	}
}
