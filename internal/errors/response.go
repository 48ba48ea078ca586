package errors

import (
	"net/http"

	"github.com/CedrosPay/settlement/pkg/responders"
)

// ErrorResponse is the envelope every failed API call returns.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the code the front-end branches on. Details hold the
// context it needs to recover, e.g. the id of the payment blocking a new one.
type ErrorDetail struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteError writes the envelope with the status mapped from code.
func WriteError(w http.ResponseWriter, code ErrorCode, message string, details map[string]any) {
	if len(details) == 0 {
		details = nil
	}
	responders.JSON(w, code.HTTPStatus(), ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		Retryable: code.IsRetryable(),
		Details:   details,
	}})
}

// WriteSimpleError writes an error without details.
func WriteSimpleError(w http.ResponseWriter, code ErrorCode, message string) {
	WriteError(w, code, message, nil)
}

// WriteErrorWithDetail writes an error with one detail field.
func WriteErrorWithDetail(w http.ResponseWriter, code ErrorCode, message, key string, value any) {
	WriteError(w, code, message, map[string]any{key: value})
}
