package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CedrosPay/settlement/internal/apikey"
	apierrors "github.com/CedrosPay/settlement/internal/errors"
	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/go-chi/httprate"
)

// HeaderUserID identifies the end user on whose behalf the front-end calls.
const HeaderUserID = "X-User-ID"

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool
	GlobalLimit   int           // requests per window
	GlobalWindow  time.Duration // time window

	// Per-user rate limiting, keyed by X-User-ID or the /users/{id} path segment
	PerUserEnabled bool
	PerUserLimit   int
	PerUserWindow  time.Duration

	// Per-IP rate limiting (fallback when no user is identified)
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	Metrics *metrics.Metrics
}

// DefaultConfig returns the default limits. They stop a user hammering
// "create payment" without restricting normal use of a chat bot.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  1 * time.Minute,

		PerUserEnabled: true,
		PerUserLimit:   30,
		PerUserWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  1 * time.Minute,
	}
}

func limitHandler(limitType string, window time.Duration, identify func(*http.Request) string, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	seconds := int(window.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "all"
		if identify != nil {
			if id := identify(r); id != "" {
				identifier = id
			}
		}
		m.ObserveRateLimit(limitType)

		message := "Rate limit exceeded. Please try again later."
		switch limitType {
		case "global":
			message = "Global rate limit exceeded. Please try again later."
		case "per_user":
			if identifier != "all" {
				message = fmt.Sprintf("Rate limit exceeded for user %s. Please try again later.", identifier)
			}
		}

		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		apierrors.WriteError(w, apierrors.ErrCodeRateLimited, message, map[string]interface{}{
			"retry_after_seconds": seconds,
			"limit":               limitType,
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// GlobalLimiter limits all callers together. Admin keys bypass it.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}

	limiter := httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(limitHandler("global", cfg.GlobalWindow, nil, cfg.Metrics)),
	)

	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apikey.IsExemptFromRateLimits(r) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

// UserLimiter limits each end user. Requests that name no user fall back to
// their IP.
func UserLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerUserEnabled {
		return passthrough
	}

	limiter := httprate.Limit(
		cfg.PerUserLimit,
		cfg.PerUserWindow,
		httprate.WithKeyFuncs(userKey),
		httprate.WithLimitHandler(limitHandler("per_user", cfg.PerUserWindow, UserFromRequest, cfg.Metrics)),
	)

	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apikey.IsExemptFromRateLimits(r) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

// IPLimiter limits each client address. Front-end and admin keys bypass it:
// the front-end relays every user from one address.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}

	limiter := httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", cfg.PerIPWindow, func(r *http.Request) string { return r.RemoteAddr }, cfg.Metrics)),
	)

	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apikey.ShouldBypassIPLimit(r) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

func userKey(r *http.Request) (string, error) {
	user := UserFromRequest(r)
	if user == "" {
		return httprate.KeyByIP(r)
	}
	return "user:" + user, nil
}

// UserFromRequest returns the end user id from the X-User-ID header or a
// /users/{id}/ path segment. Non-numeric ids are ignored.
func UserFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderUserID)); validUserID(id) {
		return id
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "users" && validUserID(parts[i+1]) {
			return parts[i+1]
		}
	}
	return ""
}

func validUserID(s string) bool {
	if s == "" {
		return false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	return err == nil && id > 0
}
