package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/CedrosPay/settlement/internal/circuitbreaker"
	"github.com/CedrosPay/settlement/internal/config"
	"github.com/CedrosPay/settlement/internal/httputil"
	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/rs/zerolog"
)

const metricEventType = "settlement"

// RetryConfig holds delivery retry configuration.
type RetryConfig struct {
	MaxAttempts     int           // default: 5
	InitialInterval time.Duration // default: 1s
	MaxInterval     time.Duration // default: 5m
	Multiplier      float64       // default: 2.0
	Timeout         time.Duration // per attempt, default: 10s
}

// DefaultRetryConfig returns the delivery defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Timeout:         10 * time.Second,
	}
}

func retryConfigFrom(cfg config.CallbacksConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if !cfg.Retry.Enabled {
		rc.MaxAttempts = 1
	} else if cfg.Retry.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialInterval.Duration > 0 {
		rc.InitialInterval = cfg.Retry.InitialInterval.Duration
	}
	if cfg.Retry.MaxInterval.Duration > 0 {
		rc.MaxInterval = cfg.Retry.MaxInterval.Duration
	}
	if cfg.Retry.Multiplier > 1 {
		rc.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Timeout.Duration > 0 {
		rc.Timeout = cfg.Timeout.Duration
	}
	return rc
}

// RetryableClient posts settlement events asynchronously with exponential
// backoff and parks undeliverable ones in a dead letter queue.
type RetryableClient struct {
	cfg        config.CallbacksConfig
	retryCfg   RetryConfig
	httpClient *http.Client
	logger     zerolog.Logger
	dlqStore   DLQStore
	metrics    *metrics.Metrics
	breaker    *circuitbreaker.Manager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RetryOption customizes the client.
type RetryOption func(*RetryableClient)

// WithRetryLogger sets the logger.
func WithRetryLogger(logger zerolog.Logger) RetryOption {
	return func(c *RetryableClient) { c.logger = logger }
}

// WithDLQStore enables the dead letter queue.
func WithDLQStore(store DLQStore) RetryOption {
	return func(c *RetryableClient) { c.dlqStore = store }
}

// WithRetryConfig overrides the retry configuration derived from config.
func WithRetryConfig(cfg RetryConfig) RetryOption {
	return func(c *RetryableClient) { c.retryCfg = cfg }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) RetryOption {
	return func(c *RetryableClient) { c.metrics = m }
}

// WithBreaker routes deliveries through the webhook circuit breaker.
func WithBreaker(b *circuitbreaker.Manager) RetryOption {
	return func(c *RetryableClient) { c.breaker = b }
}

// NewRetryableClient constructs the client. It returns nil when no settlement
// URL is configured; callers fall back to NoopNotifier.
func NewRetryableClient(cfg config.CallbacksConfig, opts ...RetryOption) *RetryableClient {
	if cfg.SettlementURL == "" {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &RetryableClient{
		cfg:      cfg,
		retryCfg: retryConfigFrom(cfg),
		logger:   zerolog.Nop(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retryCfg.MaxAttempts <= 0 {
		c.retryCfg.MaxAttempts = 1
	}
	if c.retryCfg.Timeout <= 0 {
		c.retryCfg.Timeout = 10 * time.Second
	}
	c.httpClient = httputil.NewClient(c.retryCfg.Timeout)
	return c
}

// PaymentConfirmed dispatches the event in the background. The event id is
// fixed before the first attempt so every retry carries the same id.
func (c *RetryableClient) PaymentConfirmed(_ context.Context, event SettlementEvent) {
	if c == nil {
		return
	}
	PrepareSettlementEvent(&event)

	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error().Err(err).Str("event_id", event.EventID).Msg("callbacks.serialize_failed")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		attempts, err := c.sendWithRetry(c.ctx, payload)
		if err == nil {
			return
		}
		c.logger.Error().
			Err(err).
			Str("event_id", event.EventID).
			Str("payment_id", event.PaymentID).
			Int("attempts", attempts).
			Msg("callbacks.delivery_failed")
		if c.dlqStore != nil {
			c.saveToDLQ(context.Background(), event.EventID, payload, attempts, err)
		}
	}()
}

// Close stops pending retries and waits for in-flight deliveries.
func (c *RetryableClient) Close() error {
	if c == nil {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	return nil
}

// Wait blocks until all dispatched deliveries finished.
func (c *RetryableClient) Wait() {
	if c != nil {
		c.wg.Wait()
	}
}

// Redrive re-sends up to limit dead-lettered events once each and removes
// the delivered ones. It returns how many were delivered.
func (c *RetryableClient) Redrive(ctx context.Context, limit int) (int, error) {
	if c == nil || c.dlqStore == nil {
		return 0, ErrCallbackDisabled
	}
	failed, err := c.dlqStore.ListFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list DLQ: %w", err)
	}
	delivered := 0
	for _, f := range failed {
		start := time.Now()
		reqCtx, cancel := context.WithTimeout(ctx, c.retryCfg.Timeout)
		err := c.send(reqCtx, f.Payload)
		cancel()
		if err != nil {
			c.metrics.ObserveWebhook(metricEventType, "redrive_failed", time.Since(start), f.Attempts+1, false)
			f.Attempts++
			f.LastError = err.Error()
			f.LastAttempt = time.Now().UTC()
			if saveErr := c.dlqStore.SaveFailedEvent(ctx, f); saveErr != nil {
				c.logger.Error().Err(saveErr).Str("event_id", f.ID).Msg("callbacks.dlq_update_failed")
			}
			continue
		}
		c.metrics.ObserveWebhook(metricEventType, "redriven", time.Since(start), f.Attempts+1, false)
		if err := c.dlqStore.DeleteFailedEvent(ctx, f.ID); err != nil {
			return delivered, fmt.Errorf("delete DLQ entry %s: %w", f.ID, err)
		}
		delivered++
	}
	return delivered, nil
}

// sendWithRetry attempts delivery with exponential backoff capped at MaxInterval.
func (c *RetryableClient) sendWithRetry(ctx context.Context, payload []byte) (int, error) {
	var lastErr error
	interval := c.retryCfg.InitialInterval
	start := time.Now()

	for attempt := 1; attempt <= c.retryCfg.MaxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.retryCfg.Timeout)
		err := c.send(reqCtx, payload)
		cancel()

		if err == nil {
			c.metrics.ObserveWebhook(metricEventType, "success", time.Since(start), attempt, false)
			if attempt > 1 {
				c.logger.Info().Int("attempt", attempt).Msg("callbacks.delivered_after_retry")
			}
			return attempt, nil
		}

		lastErr = err
		if attempt == c.retryCfg.MaxAttempts {
			break
		}
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", c.retryCfg.MaxAttempts).
			Dur("next_retry", interval).
			Msg("callbacks.attempt_failed")

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.metrics.ObserveWebhook(metricEventType, "failed", time.Since(start), attempt, false)
			return attempt, fmt.Errorf("delivery interrupted after %d attempts: %w", attempt, lastErr)
		case <-timer.C:
		}
		interval = time.Duration(float64(interval) * c.retryCfg.Multiplier)
		if interval > c.retryCfg.MaxInterval {
			interval = c.retryCfg.MaxInterval
		}
	}

	c.metrics.ObserveWebhook(metricEventType, "failed", time.Since(start), c.retryCfg.MaxAttempts, false)
	return c.retryCfg.MaxAttempts, fmt.Errorf("delivery failed after %d attempts: %w", c.retryCfg.MaxAttempts, lastErr)
}

func (c *RetryableClient) send(ctx context.Context, payload []byte) error {
	_, err := circuitbreaker.Do(c.breaker, circuitbreaker.ServiceWebhook, func() (struct{}, error) {
		return struct{}{}, c.sendHTTP(ctx, payload)
	})
	return err
}

func (c *RetryableClient) sendHTTP(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SettlementURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		if k == "" || strings.EqualFold(k, "content-type") {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	return httputil.CheckStatus(resp)
}

func (c *RetryableClient) saveToDLQ(ctx context.Context, eventID string, payload []byte, attempts int, lastErr error) {
	now := time.Now().UTC()
	failed := FailedEvent{
		ID:          eventID,
		URL:         c.cfg.SettlementURL,
		Payload:     json.RawMessage(payload),
		Attempts:    attempts,
		LastError:   lastErr.Error(),
		LastAttempt: now,
		CreatedAt:   now,
	}
	if err := c.dlqStore.SaveFailedEvent(ctx, failed); err != nil {
		c.logger.Error().Err(err).Str("event_id", eventID).Msg("callbacks.dlq_save_failed")
		return
	}
	c.metrics.ObserveWebhook(metricEventType, "dlq", 0, attempts, true)
	c.logger.Info().Str("event_id", eventID).Int("attempts", attempts).Msg("callbacks.saved_to_dlq")
}
