package httputil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		retryable bool
	}{
		{"ok", http.StatusOK, false, false},
		{"bad request", http.StatusBadRequest, true, false},
		{"rate limited", http.StatusTooManyRequests, true, true},
		{"unavailable", http.StatusServiceUnavailable, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("body"))
			}))
			defer srv.Close()

			resp, err := NewClient(time.Second).Get(srv.URL)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			defer resp.Body.Close()

			err = CheckStatus(resp)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckStatus err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("expected *StatusError, got %T", err)
			}
			if se.Body != "body" || se.Retryable() != tt.retryable {
				t.Fatalf("StatusError = %+v retryable=%v", se, se.Retryable())
			}
		})
	}
}
