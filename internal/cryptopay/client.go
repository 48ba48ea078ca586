// Package cryptopay implements the hosted crypto invoice gateway on the Crypto Pay API.
package cryptopay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/CedrosPay/settlement/internal/circuitbreaker"
	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/httputil"
	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/CedrosPay/settlement/internal/rpcutil"
)

const (
	gatewayName = "crypto_pay"
	tokenHeader = "Crypto-Pay-API-Token"
)

// Invoice statuses reported by the API.
const (
	InvoiceActive  = "active"
	InvoicePaid    = "paid"
	InvoiceExpired = "expired"
)

// Invoice is the subset of the Crypto Pay invoice object the gateway uses.
type Invoice struct {
	InvoiceID         int64  `json:"invoice_id"`
	Hash              string `json:"hash"`
	Status            string `json:"status"`
	Asset             string `json:"asset"`
	Amount            string `json:"amount"`
	BotInvoiceURL     string `json:"bot_invoice_url"`
	PayURL            string `json:"pay_url"`
	MiniAppInvoiceURL string `json:"mini_app_invoice_url"`
	Payload           string `json:"payload"`
	PaidAt            string `json:"paid_at"`
}

// URL returns the best link to show the payer.
func (i Invoice) URL() string {
	if i.BotInvoiceURL != "" {
		return i.BotInvoiceURL
	}
	if i.MiniAppInvoiceURL != "" {
		return i.MiniAppInvoiceURL
	}
	return i.PayURL
}

// CreateInvoiceRequest is the createInvoice body.
type CreateInvoiceRequest struct {
	CurrencyType string `json:"currency_type,omitempty"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	Description  string `json:"description,omitempty"`
	Payload      string `json:"payload,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	AllowAnon    *bool  `json:"allow_anonymous,omitempty"`
}

// APIError is an ok=false response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Name       string `json:"name"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crypto pay error %d %s", e.Code, e.Name)
}

// Retryable marks server-side and rate limit failures as transient.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 || e.Code >= 500
}

type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *APIError       `json:"error"`
}

// Client talks to the Crypto Pay API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *circuitbreaker.Manager
	metrics    *metrics.Metrics
	maxRetries int
	retryBase  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRetryPolicy sets how often transient failures are retried and the
// initial backoff between attempts. A negative maxRetries disables retries.
func WithRetryPolicy(maxRetries int, base time.Duration) Option {
	return func(c *Client) {
		if maxRetries < 0 {
			maxRetries = 0
		}
		c.maxRetries = maxRetries
		if base > 0 {
			c.retryBase = base
		}
	}
}

// NewClient creates a Crypto Pay client.
func NewClient(baseURL, token string, timeout time.Duration, breaker *circuitbreaker.Manager, m *metrics.Metrics, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: httputil.NewClient(timeout),
		breaker:    breaker,
		metrics:    m,
		maxRetries: 3,
		retryBase:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateInvoice creates an invoice.
func (c *Client) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (Invoice, error) {
	var inv Invoice
	err := c.call(ctx, http.MethodPost, "createInvoice", nil, req, &inv)
	return inv, err
}

// GetInvoice fetches a single invoice by id.
func (c *Client) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	var out struct {
		Items []Invoice `json:"items"`
	}
	q := url.Values{}
	q.Set("invoice_ids", strconv.FormatInt(id, 10))
	if err := c.call(ctx, http.MethodGet, "getInvoices", q, nil, &out); err != nil {
		return Invoice{}, err
	}
	for _, inv := range out.Items {
		if inv.InvoiceID == id {
			return inv, nil
		}
	}
	return Invoice{}, gateway.Terminal(gatewayName, "getInvoices", fmt.Errorf("invoice %d not found", id))
}

// DeleteInvoice deletes an unpaid invoice.
func (c *Client) DeleteInvoice(ctx context.Context, id int64) error {
	var ok bool
	return c.call(ctx, http.MethodPost, "deleteInvoice", nil, map[string]int64{"invoice_id": id}, &ok)
}

func (c *Client) call(ctx context.Context, httpMethod, apiMethod string, query url.Values, body any, out any) error {
	done := metrics.MeasureGatewayCall(c.metrics, gatewayName, apiMethod)
	_, err := rpcutil.WithRetry(ctx, func() (struct{}, error) {
		return circuitbreaker.Do(c.breaker, circuitbreaker.ServiceCryptoPay, func() (struct{}, error) {
			return struct{}{}, c.do(ctx, httpMethod, apiMethod, query, body, out)
		})
	},
		rpcutil.WithMaxRetries(c.maxRetries),
		rpcutil.WithBaseDelay(c.retryBase),
		rpcutil.WithOperation(gatewayName+"."+apiMethod),
	)
	done(err)
	return gateway.Classify(gatewayName, apiMethod, err)
}

func (c *Client) do(ctx context.Context, httpMethod, apiMethod string, query url.Values, body any, out any) error {
	endpoint := c.baseURL + "/api/" + apiMethod
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", apiMethod, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set(tokenHeader, c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &httputil.StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
		}
		return fmt.Errorf("decode %s response: %w", apiMethod, err)
	}
	if !env.OK {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &APIError{Name: "UNKNOWN"}
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", apiMethod, err)
	}
	return nil
}

// IsAPIError reports whether err carries a Crypto Pay error with the given name.
func IsAPIError(err error, name string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && strings.EqualFold(apiErr.Name, name)
}
