package errors

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		status    int
		retryable bool
	}{
		{ErrCodeInvalidAmount, 400, false},
		{ErrCodeUnauthorized, 401, false},
		{ErrCodeInsufficientBalance, 402, false},
		{ErrCodePayerMismatch, 403, false},
		{ErrCodePaymentNotFound, 404, false},
		{ErrCodeActivePaymentExists, 409, false},
		{ErrCodeRemoteSucceeded, 409, false},
		{ErrCodeRateLimited, 429, true},
		{ErrCodeGatewayUnavailable, 502, true},
		{ErrCodeGatewayRejected, 502, false},
		{ErrCodeDatabaseError, 500, true},
		{ErrCodeInternalError, 500, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.status {
				t.Errorf("HTTPStatus = %d, want %d", got, tt.status)
			}
			if got := tt.code.IsRetryable(); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, ErrCodeActivePaymentExists, "an active payment exists", map[string]interface{}{
		"payment_id": "pay_1",
		"amount":     50000,
	})

	if rec.Code != 409 {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != ErrCodeActivePaymentExists || resp.Error.Retryable {
		t.Fatalf("unexpected body: %+v", resp.Error)
	}
	if resp.Error.Details["payment_id"] != "pay_1" {
		t.Fatalf("details = %v", resp.Error.Details)
	}
}
