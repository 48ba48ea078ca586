package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFromContext_Fallback(t *testing.T) {
	l := FromContext(context.Background())
	// Nop logger must not panic.
	l.Info().Msg("ignored")
}

func TestMiddleware_PropagatesRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: "info", Format: "json", Service: "settlement", Output: &buf})

	var seenID string
	h := Middleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = GetRequestID(r.Context())
		log := FromContext(r.Context())
		log.Info().Msg("handler.called")
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/payments", nil)
	req.Header.Set("X-Request-ID", "req_fixed")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seenID != "req_fixed" {
		t.Fatalf("request id in context = %q", seenID)
	}
	if rec.Header().Get("X-Request-ID") != "req_fixed" {
		t.Fatalf("response header missing request id")
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}
	var completed map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &completed); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if completed["message"] != "request.completed" {
		t.Errorf("message = %v", completed["message"])
	}
	if completed["status"] != float64(http.StatusCreated) {
		t.Errorf("status = %v", completed["status"])
	}
	if completed["request_id"] != "req_fixed" {
		t.Errorf("request_id = %v", completed["request_id"])
	}
}

func TestMiddleware_GeneratesRequestID(t *testing.T) {
	h := Middleware(New(Config{Output: &bytes.Buffer{}}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if id := rec.Header().Get("X-Request-ID"); !strings.HasPrefix(id, "req_") || len(id) != 36 {
		t.Fatalf("unexpected generated id %q", id)
	}
}

func TestTruncateAddress(t *testing.T) {
	if got := TruncateAddress("short"); got != "short" {
		t.Errorf("short address changed: %q", got)
	}
	got := TruncateAddress("5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnb")
	if got != "5VERv8NM...BRnb" {
		t.Errorf("TruncateAddress = %q", got)
	}
}

func TestRedactToken(t *testing.T) {
	tests := map[string]string{
		"":                 "",
		"abc":              "***",
		"12345:AAbbccddee": "1234***",
	}
	for in, want := range tests {
		if got := RedactToken(in); got != want {
			t.Errorf("RedactToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestForPayment(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: "info", Format: "json", Output: &buf})

	log := ForPayment(base, "pay_1", "card")
	log.Warn().Msg("cancel.failed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["payment_id"] != "pay_1" || line["method"] != "card" || line["level"] != "warn" {
		t.Fatalf("log line = %v", line)
	}
}
