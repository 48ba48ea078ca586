// Package stars implements the push-confirmed in-chat currency gateway on
// Telegram Stars (currency XTR).
package stars

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/CedrosPay/settlement/internal/circuitbreaker"
	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/httputil"
	"github.com/CedrosPay/settlement/internal/metrics"
)

const (
	gatewayName = "telegram"

	// Currency is the Telegram Stars currency code.
	Currency = "XTR"
)

// LabeledPrice is one invoice line.
type LabeledPrice struct {
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
}

// InvoiceParams are shared by sendInvoice and createInvoiceLink.
type InvoiceParams struct {
	ChatID      int64          `json:"chat_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Payload     string         `json:"payload"`
	Currency    string         `json:"currency"`
	Prices      []LabeledPrice `json:"prices"`
}

// APIError is an ok=false Bot API response.
type APIError struct {
	StatusCode  int
	ErrorCode   int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram error %d: %s", e.ErrorCode, e.Description)
}

// Retryable marks flood control and server failures as transient.
func (e *APIError) Retryable() bool {
	return e.ErrorCode == http.StatusTooManyRequests || e.ErrorCode >= 500 || e.StatusCode >= 500
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// Client calls the Telegram Bot API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *circuitbreaker.Manager
	metrics    *metrics.Metrics
}

// NewClient creates a Bot API client.
func NewClient(baseURL, token string, timeout time.Duration, breaker *circuitbreaker.Manager, m *metrics.Metrics) *Client {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: httputil.NewClient(timeout),
		breaker:    breaker,
		metrics:    m,
	}
}

// CreateInvoiceLink returns a shareable invoice link.
func (c *Client) CreateInvoiceLink(ctx context.Context, params InvoiceParams) (string, error) {
	params.ChatID = 0
	var link string
	err := c.call(ctx, "createInvoiceLink", params, &link)
	return link, err
}

// SendInvoice posts the invoice into a chat.
func (c *Client) SendInvoice(ctx context.Context, params InvoiceParams) error {
	return c.call(ctx, "sendInvoice", params, nil)
}

// AnswerPreCheckoutQuery accepts or rejects a pre-checkout query.
func (c *Client) AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	body := map[string]any{"pre_checkout_query_id": queryID, "ok": ok}
	if !ok {
		body["error_message"] = errorMessage
	}
	return c.call(ctx, "answerPreCheckoutQuery", body, nil)
}

func (c *Client) call(ctx context.Context, method string, body any, out any) error {
	done := metrics.MeasureGatewayCall(c.metrics, gatewayName, method)
	_, err := circuitbreaker.Do(c.breaker, circuitbreaker.ServiceTelegram, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, method, body, out)
	})
	done(err)
	return gateway.Classify(gatewayName, method, err)
}

func (c *Client) do(ctx context.Context, method string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		return fmt.Errorf("telegram %s: request failed: %w", method, redact(err, c.token))
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
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !env.OK {
		return &APIError{StatusCode: resp.StatusCode, ErrorCode: env.ErrorCode, Description: env.Description}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), err: err}
}
