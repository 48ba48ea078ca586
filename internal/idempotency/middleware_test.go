package idempotency

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apierrors "github.com/CedrosPay/settlement/internal/errors"
)

// createPayments stands in for POST /v1/payments: every executed request
// creates a new payment id, so a replay is visible as a repeated id.
type createPayments struct {
	calls int
}

func (c *createPayments) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.calls++
	var in struct {
		Method string `json:"method"`
		Amount int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Amount < 20000 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, "amount below minimum")
		return
	}
	id := fmt.Sprintf("pay-%d", c.calls)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/v1/payments/"+id)
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"payment_id": id, "method": in.Method, "amount": in.Amount})
}

type paymentRequest struct {
	key  string
	user string
	path string
	body string
}

func (p paymentRequest) send(h http.Handler) *httptest.ResponseRecorder {
	path := p.path
	if path == "" {
		path = "/v1/payments"
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(p.body))
	if p.key != "" {
		req.Header.Set(HeaderKey, p.key)
	}
	if p.user != "" {
		req.Header.Set(HeaderUserID, p.user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func paymentID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		PaymentID string `json:"payment_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out.PaymentID
}

const cardBody = `{"method":"card","amount":50000}`

func TestMiddleware_CreatePaymentRetries(t *testing.T) {
	type want struct {
		status int
		replay bool
		id     string
	}
	tests := []struct {
		name      string
		requests  []paymentRequest
		want      []want
		wantCalls int
	}{
		{
			name:      "no key creates every time",
			requests:  []paymentRequest{{user: "7", body: cardBody}, {user: "7", body: cardBody}},
			want:      []want{{status: 201, id: "pay-1"}, {status: 201, id: "pay-2"}},
			wantCalls: 2,
		},
		{
			name:      "retry with same key and body replays",
			requests:  []paymentRequest{{key: "k1", user: "7", body: cardBody}, {key: "k1", user: "7", body: cardBody}},
			want:      []want{{status: 201, id: "pay-1"}, {status: 201, replay: true, id: "pay-1"}},
			wantCalls: 1,
		},
		{
			name:      "new key creates a new payment",
			requests:  []paymentRequest{{key: "k1", user: "7", body: cardBody}, {key: "k2", user: "7", body: cardBody}},
			want:      []want{{status: 201, id: "pay-1"}, {status: 201, id: "pay-2"}},
			wantCalls: 2,
		},
		{
			name:      "same key from another user is independent",
			requests:  []paymentRequest{{key: "k1", user: "7", body: cardBody}, {key: "k1", user: "8", body: cardBody}},
			want:      []want{{status: 201, id: "pay-1"}, {status: 201, id: "pay-2"}},
			wantCalls: 2,
		},
		{
			name: "same key on another route is independent",
			requests: []paymentRequest{
				{key: "k1", user: "7", body: cardBody},
				{key: "k1", user: "7", path: "/v1/payments/pay-1/cancel", body: cardBody},
			},
			want:      []want{{status: 201, id: "pay-1"}, {status: 201, id: "pay-2"}},
			wantCalls: 2,
		},
		{
			name: "rejected create is not cached",
			requests: []paymentRequest{
				{key: "k1", user: "7", body: `{"method":"card","amount":100}`},
				{key: "k1", user: "7", body: `{"method":"card","amount":100}`},
			},
			want:      []want{{status: 400}, {status: 400}},
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t, 100)
			h := &createPayments{}
			handler := Middleware(store, time.Hour)(h)

			for i, req := range tt.requests {
				rec := req.send(handler)
				w := tt.want[i]
				if rec.Code != w.status {
					t.Fatalf("request %d: status = %d, want %d (%s)", i, rec.Code, w.status, rec.Body.String())
				}
				if got := rec.Header().Get("X-Idempotency-Replay") == "true"; got != w.replay {
					t.Errorf("request %d: replay = %v, want %v", i, got, w.replay)
				}
				if w.id != "" {
					if got := paymentID(t, rec); got != w.id {
						t.Errorf("request %d: payment = %s, want %s", i, got, w.id)
					}
				}
			}
			if h.calls != tt.wantCalls {
				t.Errorf("handler calls = %d, want %d", h.calls, tt.wantCalls)
			}
		})
	}
}

func TestMiddleware_KeyReusedWithDifferentBody(t *testing.T) {
	store, _ := newTestStore(t, 100)
	h := &createPayments{}
	handler := Middleware(store, time.Hour)(h)

	first := paymentRequest{key: "retry-1", user: "7", body: cardBody}.send(handler)
	if first.Code != http.StatusCreated {
		t.Fatalf("first create: %d", first.Code)
	}

	tests := []struct {
		name string
		body string
	}{
		{name: "different amount", body: `{"method":"card","amount":90000}`},
		{name: "different method", body: `{"method":"onchain","amount":50000}`},
		{name: "empty body", body: ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := paymentRequest{key: "retry-1", user: "7", body: tt.body}.send(handler)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var resp apierrors.ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error.Code != apierrors.ErrCodeInvalidField {
				t.Errorf("code = %s, want %s", resp.Error.Code, apierrors.ErrCodeInvalidField)
			}
			if rec.Header().Get("X-Idempotency-Replay") != "" {
				t.Error("rejected request must not be marked as a replay")
			}
		})
	}

	// The original request still replays after the rejections.
	again := paymentRequest{key: "retry-1", user: "7", body: cardBody}.send(handler)
	if again.Code != http.StatusCreated || paymentID(t, again) != "pay-1" {
		t.Errorf("replay after rejection = %d %s", again.Code, again.Body.String())
	}
	if h.calls != 1 {
		t.Errorf("handler calls = %d, want 1", h.calls)
	}
}

func TestMiddleware_ReplayKeepsCreateHeaders(t *testing.T) {
	store, _ := newTestStore(t, 100)
	handler := Middleware(store, time.Hour)(&createPayments{})

	req := paymentRequest{key: "k1", user: "7", body: cardBody}
	req.send(handler)
	rec := req.send(handler)

	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Location"); got != "/v1/payments/pay-1" {
		t.Errorf("Location = %q", got)
	}
}

func TestMiddleware_TTL(t *testing.T) {
	tests := []struct {
		name       string
		ttl        time.Duration
		advance    time.Duration
		wantReplay bool
	}{
		{name: "inside configured ttl", ttl: 10 * time.Minute, advance: 9 * time.Minute, wantReplay: true},
		{name: "past configured ttl", ttl: 10 * time.Minute, advance: 10 * time.Minute},
		{name: "default ttl still live", ttl: 0, advance: DefaultTTL - time.Minute, wantReplay: true},
		{name: "default ttl elapsed", ttl: 0, advance: DefaultTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, clock := newTestStore(t, 100)
			h := &createPayments{}
			handler := Middleware(store, tt.ttl)(h)

			req := paymentRequest{key: "k1", user: "7", body: cardBody}
			req.send(handler)
			clock.Advance(tt.advance)
			rec := req.send(handler)

			if got := rec.Header().Get("X-Idempotency-Replay") == "true"; got != tt.wantReplay {
				t.Errorf("replay = %v, want %v", got, tt.wantReplay)
			}
			wantCalls := 2
			if tt.wantReplay {
				wantCalls = 1
			}
			if h.calls != wantCalls {
				t.Errorf("handler calls = %d, want %d", h.calls, wantCalls)
			}
		})
	}
}

func TestMiddleware_HandlerSeesBody(t *testing.T) {
	store, _ := newTestStore(t, 100)
	var seen string
	handler := Middleware(store, time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		seen = buf.String()
		w.WriteHeader(http.StatusCreated)
	}))

	paymentRequest{key: "k1", user: "7", body: cardBody}.send(handler)
	if seen != cardBody {
		t.Errorf("handler body = %q, want %q", seen, cardBody)
	}
}
