package cryptopay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/CedrosPay/settlement/internal/money"
	"github.com/CedrosPay/settlement/internal/rates"
	"github.com/CedrosPay/settlement/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func usdtOracle() rates.Static {
	return rates.Static{"USDT": {Base: money.MustGetAsset("USDT"), Quote: money.MustGetAsset("RUB"), Atomic: 9250}}
}

type fakeAPI struct {
	invoice   Invoice
	createErr error
	getErr    error
	deleteErr error
	created   []CreateInvoiceRequest
	deleted   []int64
}

func (f *fakeAPI) CreateInvoice(_ context.Context, req CreateInvoiceRequest) (Invoice, error) {
	f.created = append(f.created, req)
	return f.invoice, f.createErr
}

func (f *fakeAPI) GetInvoice(context.Context, int64) (Invoice, error) {
	return f.invoice, f.getErr
}

func (f *fakeAPI) DeleteInvoice(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func TestClient_CreateInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(tokenHeader) != "secret" {
			t.Errorf("missing token header")
		}
		if r.URL.Path != "/api/createInvoice" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body CreateInvoiceRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Asset != "USDT" || body.Amount != "5.405406" || body.Payload != "pay-1" {
			t.Errorf("body = %+v", body)
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"invoice_id":42,"hash":"IVabc","status":"active","bot_invoice_url":"https://t.me/CryptoBot?start=IVabc"}}`))
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	c := NewClient(srv.URL, "secret", time.Second, nil, m)
	inv, err := c.CreateInvoice(context.Background(), CreateInvoiceRequest{Asset: "USDT", Amount: "5.405406", Payload: "pay-1"})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if inv.InvoiceID != 42 || inv.URL() != "https://t.me/CryptoBot?start=IVabc" {
		t.Errorf("invoice = %+v", inv)
	}
	if got := promtest.ToFloat64(m.GatewayCallsTotal.WithLabelValues(gatewayName, "createInvoice", "success")); got != 1 {
		t.Errorf("gateway calls = %v", got)
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
		apiName   string
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"ok":false,"error":{"code":401,"name":"UNAUTHORIZED"}}`, apiName: "UNAUTHORIZED"},
		{name: "bad request", status: http.StatusBadRequest, body: `{"ok":false,"error":{"code":400,"name":"AMOUNT_TOO_SMALL"}}`, apiName: "AMOUNT_TOO_SMALL"},
		{name: "server error", status: http.StatusInternalServerError, body: `{"ok":false,"error":{"code":500,"name":"INTERNAL"}}`, transient: true, apiName: "INTERNAL"},
		{name: "gateway html", status: http.StatusBadGateway, body: `<html>bad gateway</html>`, transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "secret", time.Second, nil, nil, WithRetryPolicy(0, 0))
			_, err := c.GetInvoice(context.Background(), 1)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := gateway.IsTransient(err); got != tt.transient {
				t.Errorf("transient = %v, want %v (%v)", got, tt.transient, err)
			}
			if tt.apiName != "" && !IsAPIError(err, tt.apiName) {
				t.Errorf("expected API error %s, got %v", tt.apiName, err)
			}
		})
	}
}

func TestClient_GetInvoiceMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("invoice_ids") != "7" {
			t.Errorf("invoice_ids = %q", r.URL.Query().Get("invoice_ids"))
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"items":[]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second, nil, nil)
	_, err := c.GetInvoice(context.Background(), 7)
	if !errors.Is(err, gateway.ErrTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	tests := []struct {
		name       string
		failures   int32
		maxRetries int
		wantCalls  int32
		wantErr    bool
	}{
		{name: "recovers after one 503", failures: 1, maxRetries: 3, wantCalls: 2},
		{name: "gives up after retries", failures: 10, maxRetries: 2, wantCalls: 3, wantErr: true},
		{name: "retries disabled", failures: 1, maxRetries: -1, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if calls.Add(1) <= tt.failures {
					w.WriteHeader(http.StatusServiceUnavailable)
					_, _ = w.Write([]byte(`<html>service unavailable</html>`))
					return
				}
				_, _ = w.Write([]byte(`{"ok":true,"result":{"items":[{"invoice_id":9,"status":"paid","amount":"5.4"}]}}`))
			}))
			defer srv.Close()

			m := metrics.New(prometheus.NewRegistry())
			c := NewClient(srv.URL, "secret", time.Second, nil, m, WithRetryPolicy(tt.maxRetries, time.Millisecond))
			inv, err := c.GetInvoice(context.Background(), 9)
			if got := calls.Load(); got != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.wantErr {
				if !errors.Is(err, gateway.ErrTransient) {
					t.Fatalf("expected transient error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetInvoice: %v", err)
			}
			if inv.Status != InvoicePaid {
				t.Errorf("status = %q", inv.Status)
			}
			if got := promtest.ToFloat64(m.GatewayCallsTotal.WithLabelValues(gatewayName, "getInvoices", "success")); got != 1 {
				t.Errorf("gateway calls = %v, want one logical call", got)
			}
		})
	}
}

func newPayment() storage.Payment {
	now := time.Now()
	return storage.Payment{
		ID:        "pay-1",
		UserID:    10,
		Method:    storage.MethodCryptoPay,
		Amount:    50000,
		Status:    storage.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	}
}

func TestAdapter_Create(t *testing.T) {
	api := &fakeAPI{invoice: Invoice{InvoiceID: 42, Hash: "IVabc", PayURL: "https://pay.example/IVabc"}}
	a := NewAdapter(AdapterConfig{Currency: "RUB"}, api, usdtOracle(), zerolog.Nop())

	req := &gateway.CreateRequest{Payment: newPayment()}
	display, err := a.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(api.created) != 1 {
		t.Fatalf("expected one invoice, got %d", len(api.created))
	}
	sent := api.created[0]
	if sent.Amount != "5.405406" || sent.Asset != "USDT" || sent.Payload != "pay-1" {
		t.Errorf("invoice request = %+v", sent)
	}
	if sent.ExpiresIn <= 0 || sent.ExpiresIn > 900 {
		t.Errorf("expires_in = %d", sent.ExpiresIn)
	}
	if req.Payment.Metadata[metaInvoiceID] != "42" || req.Payment.QuotedAmount != 5405406 || req.Payment.QuoteAsset != "USDT" {
		t.Errorf("payment not annotated: %+v", req.Payment)
	}
	if display.URL != "https://pay.example/IVabc" {
		t.Errorf("display url = %q", display.URL)
	}
}

func TestAdapter_CreateQuoteFailure(t *testing.T) {
	api := &fakeAPI{}
	a := NewAdapter(AdapterConfig{Currency: "RUB"}, api, rates.Static{}, zerolog.Nop())
	_, err := a.Create(context.Background(), &gateway.CreateRequest{Payment: newPayment()})
	if !errors.Is(err, rates.ErrQuoteUnavailable) || !gateway.IsTransient(err) {
		t.Fatalf("expected transient quote error, got %v", err)
	}
	if len(api.created) != 0 {
		t.Error("no invoice should be created without a quote")
	}
}

func TestAdapter_Check(t *testing.T) {
	tests := []struct {
		status    string
		confirmed bool
		calls     int32
	}{
		{status: InvoiceActive},
		{status: InvoiceExpired},
		{status: InvoicePaid, confirmed: true, calls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			api := &fakeAPI{invoice: Invoice{InvoiceID: 42, Status: tt.status}}
			a := NewAdapter(AdapterConfig{Currency: "RUB"}, api, usdtOracle(), zerolog.Nop())

			p := newPayment()
			p.Metadata = map[string]string{metaInvoiceID: "42"}

			var calls atomic.Int32
			c := gateway.ConfirmerFunc(func(_ context.Context, req gateway.ConfirmRequest) (gateway.ConfirmResult, error) {
				calls.Add(1)
				if req.ExternalRef != "cryptopay_42" || req.PaymentID != p.ID {
					t.Errorf("confirm request = %+v", req)
				}
				confirmed := p
				confirmed.Status = storage.StatusConfirmed
				return gateway.ConfirmResult{Payment: confirmed, Credited: true}, nil
			})

			ok, err := a.Check(context.Background(), p, c)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if ok != tt.confirmed || calls.Load() != tt.calls {
				t.Errorf("confirmed = %v calls = %d", ok, calls.Load())
			}
		})
	}
}

func TestAdapter_Cancel(t *testing.T) {
	api := &fakeAPI{}
	a := NewAdapter(AdapterConfig{Currency: "RUB"}, api, usdtOracle(), zerolog.Nop())

	p := newPayment()
	p.Metadata = map[string]string{metaInvoiceID: "42"}
	if err := a.Cancel(context.Background(), p); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(api.deleted) != 1 || api.deleted[0] != 42 {
		t.Errorf("deleted = %v", api.deleted)
	}

	api.deleteErr = &APIError{Code: 400, Name: "INVOICE_NOT_FOUND"}
	if err := a.Cancel(context.Background(), p); err != nil {
		t.Errorf("missing invoice should cancel cleanly, got %v", err)
	}

	api.deleteErr = gateway.Transient(gatewayName, "deleteInvoice", errors.New("timeout"))
	if err := a.Cancel(context.Background(), p); err == nil {
		t.Error("expected gateway error")
	}

	if err := a.Cancel(context.Background(), newPayment()); !errors.Is(err, gateway.ErrCancelUnsupported) {
		t.Errorf("payment without invoice: %v", err)
	}
}

func TestRef(t *testing.T) {
	if got := Ref(42); !strings.HasPrefix(got, RefPrefix) || got != "cryptopay_42" {
		t.Errorf("Ref = %q", got)
	}
}
