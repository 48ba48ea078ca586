package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	apierrors "github.com/CedrosPay/settlement/internal/errors"
)

const (
	// HeaderKey is the idempotency key header sent by the front-end when it
	// retries a payment creation.
	HeaderKey = "Idempotency-Key"

	// HeaderUserID scopes keys per end user.
	HeaderUserID = "X-User-ID"

	// DefaultTTL is how long a response is replayed.
	DefaultTTL = 24 * time.Hour

	maxBody = 1 << 20
)

// responseWriter captures the response for caching.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) headers() map[string]string {
	out := make(map[string]string, len(rw.ResponseWriter.Header()))
	for key := range rw.ResponseWriter.Header() {
		out[key] = rw.ResponseWriter.Header().Get(key)
	}
	return out
}

// Middleware replays the first successful response for a repeated
// Idempotency-Key. A key reused with a different body is rejected, so a
// retried "create payment" can never silently create a different payment.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := readBody(r)
			if err != nil {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "unreadable request body")
				return
			}
			fingerprint := bodyHash(body)

			// Scoped by method, path and user so keys cannot collide across endpoints or users.
			key := r.Method + ":" + r.URL.Path + ":" + r.Header.Get(HeaderUserID) + ":" + rawKey

			if cached, found := store.Get(r.Context(), key); found {
				if cached.BodyHash != "" && cached.BodyHash != fingerprint {
					apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField,
						"Idempotency-Key was already used with a different request body", "header", HeaderKey)
					return
				}
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("X-Idempotency-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			// Errors are not cached: the client may fix the cause and retry with the same key.
			if rw.statusCode >= 200 && rw.statusCode < 300 {
				_ = store.Set(r.Context(), key, &Response{
					StatusCode: rw.statusCode,
					Headers:    rw.headers(),
					Body:       rw.body.Bytes(),
					BodyHash:   fingerprint,
					CachedAt:   time.Now(),
				}, ttl)
			}
		})
	}
}

// readBody buffers the request body and restores it for the handler.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
