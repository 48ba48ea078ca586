package rpcutil

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/sony/gobreaker"
)

// Retryable is implemented by errors that know whether repeating the call can help.
type Retryable interface {
	Retryable() bool
}

// retryConfig defines retry behavior for outbound gateway calls.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	operation  string
	classify   func(error) bool
}

// Option customises WithRetry.
type Option func(*retryConfig)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(c *retryConfig) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBaseDelay sets the first backoff delay; later delays double.
func WithBaseDelay(d time.Duration) Option {
	return func(c *retryConfig) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithOperation names the call in retry logs.
func WithOperation(name string) Option {
	return func(c *retryConfig) { c.operation = name }
}

// WithClassifier replaces the default transient-error check.
func WithClassifier(fn func(error) bool) Option {
	return func(c *retryConfig) {
		if fn != nil {
			c.classify = fn
		}
	}
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		operation:  "rpc",
		classify:   IsTransient,
	}
}

// WithRetry runs operation, retrying transient failures with exponential backoff
// (100ms, 200ms, 400ms by default). Terminal errors are returned immediately.
func WithRetry[T any](ctx context.Context, operation func() (T, error), opts ...Option) (T, error) {
	cfg := defaultRetryConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var result T
	var err error

	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		result, err = operation()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return result, err
		}
		if !cfg.classify(err) {
			return result, err
		}
		if attempt == cfg.maxRetries {
			break
		}

		delay := cfg.baseDelay * time.Duration(1<<uint(attempt))
		log := logger.FromContext(ctx)
		log.Warn().
			Err(err).
			Str("operation", cfg.operation).
			Int("attempt", attempt+1).
			Int("max_attempts", cfg.maxRetries+1).
			Dur("retry_delay", delay).
			Msg("rpc.operation_retry")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}

	return result, err
}

// IsTransient determines if an error is worth retrying.
// Typed errors win; the message heuristics cover SDKs that only return strings.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// http.Client.Timeout and dial deadlines surface as DeadlineExceeded too.
	// WithRetry stops on the caller's own expired context before classifying.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// An open breaker will keep failing fast; let the caller back off instead.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}

	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"eof",
	"rate limit",
	"too many requests",
	"429",
	"502",
	"503",
	"504",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
}
