// Package stripe implements the hosted card gateway on Stripe Checkout.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/CedrosPay/settlement/internal/circuitbreaker"
	"github.com/CedrosPay/settlement/internal/config"
	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/CedrosPay/settlement/internal/rpcutil"
)

const gatewayName = "stripe"

// SessionAPI is the Checkout session surface of stripe-go.
type SessionAPI interface {
	New(params *stripeapi.CheckoutSessionParams) (*stripeapi.CheckoutSession, error)
	Get(id string, params *stripeapi.CheckoutSessionParams) (*stripeapi.CheckoutSession, error)
	Expire(id string, params *stripeapi.CheckoutSessionExpireParams) (*stripeapi.CheckoutSession, error)
}

type liveSessions struct{}

func (liveSessions) New(params *stripeapi.CheckoutSessionParams) (*stripeapi.CheckoutSession, error) {
	return session.New(params)
}

func (liveSessions) Get(id string, params *stripeapi.CheckoutSessionParams) (*stripeapi.CheckoutSession, error) {
	return session.Get(id, params)
}

func (liveSessions) Expire(id string, params *stripeapi.CheckoutSessionExpireParams) (*stripeapi.CheckoutSession, error) {
	return session.Expire(id, params)
}

// Client wraps stripe-go operations used by the card gateway. Every call is
// retried with bounded exponential backoff on transient failures.
type Client struct {
	cfg      config.StripeConfig
	sessions SessionAPI
	breaker  *circuitbreaker.Manager
	metrics  *metrics.Metrics
}

// Option customises a Client.
type Option func(*Client)

// WithSessionAPI replaces the stripe-go session package, used in tests.
func WithSessionAPI(api SessionAPI) Option {
	return func(c *Client) { c.sessions = api }
}

// NewClient sets up stripe-go with the provided credentials.
func NewClient(cfg config.StripeConfig, breaker *circuitbreaker.Manager, metricsCollector *metrics.Metrics, opts ...Option) *Client {
	if cfg.SecretKey != "" {
		stripeapi.Key = cfg.SecretKey
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase.Duration <= 0 {
		cfg.RetryBase = config.Duration{Duration: 100 * time.Millisecond}
	}
	c := &Client{
		cfg:      cfg,
		sessions: liveSessions{},
		breaker:  breaker,
		metrics:  metricsCollector,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSessionRequest captures checkout metadata.
type CreateSessionRequest struct {
	PaymentID   string
	UserID      int64
	Amount      int64 // minor units of Currency
	Currency    string
	Description string
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

// CreateCheckoutSession builds a Stripe Checkout session for a single top-up.
// The payment id doubles as the idempotency key so retried creates reuse one session.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CreateSessionRequest) (*stripeapi.CheckoutSession, error) {
	if req.Amount <= 0 {
		return nil, gateway.Terminal(gatewayName, "create_session", errors.New("stripe: amount required"))
	}
	metadata := convertMetadata(req.Metadata, req.PaymentID)
	metadata["user_id"] = strconv.FormatInt(req.UserID, 10)

	params := &stripeapi.CheckoutSessionParams{
		Mode:               stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
		SuccessURL:         stripeapi.String(firstNonEmpty(req.SuccessURL, c.cfg.SuccessURL)),
		CancelURL:          stripeapi.String(firstNonEmpty(req.CancelURL, c.cfg.CancelURL)),
		ClientReferenceID:  stripeapi.String(req.PaymentID),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				Quantity: stripeapi.Int64(1),
				PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
					Currency: stripeapi.String(req.Currency),
					ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripeapi.String(firstNonEmpty(req.Description, "Balance top-up")),
					},
					UnitAmount: stripeapi.Int64(req.Amount),
				},
			},
		},
	}
	params.Metadata = metadata
	params.Context = ctx
	params.IdempotencyKey = stripeapi.String("checkout_" + req.PaymentID)

	return call(ctx, c, "create_session", func() (*stripeapi.CheckoutSession, error) {
		return c.sessions.New(params)
	})
}

// GetSession fetches a Checkout session.
func (c *Client) GetSession(ctx context.Context, id string) (*stripeapi.CheckoutSession, error) {
	params := &stripeapi.CheckoutSessionParams{}
	params.Context = ctx
	return call(ctx, c, "get_session", func() (*stripeapi.CheckoutSession, error) {
		return c.sessions.Get(id, params)
	})
}

// ExpireSession expires an open Checkout session so it can no longer be paid.
func (c *Client) ExpireSession(ctx context.Context, id string) (*stripeapi.CheckoutSession, error) {
	params := &stripeapi.CheckoutSessionExpireParams{}
	params.Context = ctx
	return call(ctx, c, "expire_session", func() (*stripeapi.CheckoutSession, error) {
		return c.sessions.Expire(id, params)
	})
}

func call[T any](ctx context.Context, c *Client, op string, fn func() (T, error)) (T, error) {
	done := metrics.MeasureGatewayCall(c.metrics, gatewayName, op)
	out, err := rpcutil.WithRetry(ctx, func() (T, error) {
		return circuitbreaker.Do(c.breaker, circuitbreaker.ServiceStripe, fn)
	},
		rpcutil.WithMaxRetries(c.cfg.MaxRetries),
		rpcutil.WithBaseDelay(c.cfg.RetryBase.Duration),
		rpcutil.WithOperation("stripe."+op),
		rpcutil.WithClassifier(isRetryable),
	)
	done(err)
	if err != nil {
		return out, classify(op, err)
	}
	return out, nil
}

// isRetryable treats rate limits, Stripe-side failures and network errors as transient.
func isRetryable(err error) bool {
	var se *stripeapi.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == http.StatusTooManyRequests ||
			se.HTTPStatusCode >= 500 ||
			se.Type == stripeapi.ErrorTypeAPI
	}
	return rpcutil.IsTransient(err)
}

func classify(op string, err error) error {
	var se *stripeapi.Error
	if errors.As(err, &se) {
		if isRetryable(err) {
			return gateway.Transient(gatewayName, op, err)
		}
		return gateway.Terminal(gatewayName, op, err)
	}
	return gateway.Classify(gatewayName, op, err)
}

// WebhookEvent wraps the subset of event types we care about.
type WebhookEvent struct {
	Type          string
	SessionID     string
	PaymentID     string
	UserID        string
	PaymentStatus string
	Metadata      map[string]string
	AmountTotal   int64
	Currency      string
}

// Paid reports whether the event is a completed, paid checkout.
func (e WebhookEvent) Paid() bool {
	return e.Type == "checkout.session.completed" && e.PaymentStatus == "paid"
}

// ParseWebhook validates event signatures and normalises the payload.
func (c *Client) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	if c.cfg.WebhookSecret == "" {
		return WebhookEvent{}, errors.New("stripe: webhook secret not configured")
	}
	event, err := webhook.ConstructEvent(payload, signature, c.cfg.WebhookSecret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("stripe: construct event: %w", err)
	}
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var checkout stripeapi.CheckoutSession
		if err := jsonExtract(event.Data.Raw, &checkout); err != nil {
			return WebhookEvent{}, err
		}

		paymentID := checkout.ClientReferenceID
		if checkout.Metadata != nil {
			paymentID = firstNonEmpty(checkout.Metadata["payment_id"], paymentID)
		}
		if paymentID == "" {
			return WebhookEvent{}, errors.New("stripe: webhook missing payment_id in metadata")
		}

		status := string(checkout.PaymentStatus)
		eventType := event.Type
		if eventType == "checkout.session.async_payment_succeeded" {
			eventType = "checkout.session.completed"
			status = "paid"
		}
		return WebhookEvent{
			Type:          eventType,
			SessionID:     checkout.ID,
			PaymentID:     paymentID,
			UserID:        checkout.Metadata["user_id"],
			PaymentStatus: status,
			Metadata:      checkout.Metadata,
			AmountTotal:   checkout.AmountTotal,
			Currency:      string(checkout.Currency),
		}, nil
	default:
		return WebhookEvent{Type: event.Type}, nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func convertMetadata(metadata map[string]string, paymentID string) map[string]string {
	out := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		out[k] = v
	}
	if out["payment_id"] == "" {
		out["payment_id"] = paymentID
	}
	return out
}

func jsonExtract(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("stripe: webhook payload empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("stripe: decode webhook payload: %w", err)
	}
	return nil
}
