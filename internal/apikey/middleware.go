package apikey

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	apierrors "github.com/CedrosPay/settlement/internal/errors"
)

// Role is what an API key is allowed to do.
type Role string

const (
	RoleNone     Role = ""         // no or unknown key
	RoleFrontend Role = "frontend" // the chat bot / web front-end acting for its users
	RoleAdmin    Role = "admin"    // operators: DLQ redrive, cancellations on behalf of users
)

// HeaderKey carries the API key.
const HeaderKey = "X-API-Key"

type contextKey string

const contextKeyRole contextKey = "api_key_role"

// Config holds API key configuration.
type Config struct {
	// Keys maps API key to role, e.g. {"fe_abc123": RoleFrontend}.
	Keys map[string]Role

	// Enabled controls whether keys are enforced. When disabled every
	// request is treated as RoleAdmin so local setups work without keys.
	Enabled bool
}

// ParseRole maps a configured role name to a Role. Unknown names yield RoleNone.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleFrontend:
		return RoleFrontend
	case RoleAdmin:
		return RoleAdmin
	}
	return RoleNone
}

// Middleware resolves the X-API-Key header to a role and stores it in the
// request context. It never rejects a request; RequireRole does.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if !cfg.Enabled || len(cfg.Keys) == 0 {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), RoleAdmin)))
			})
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := lookup(cfg.Keys, strings.TrimSpace(r.Header.Get(HeaderKey)))
			next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), role)))
		})
	}
}

// lookup compares in constant time so response timing does not leak key prefixes.
func lookup(keys map[string]Role, presented string) Role {
	if presented == "" {
		return RoleNone
	}
	role := RoleNone
	for key, r := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			role = r
		}
	}
	return role
}

// WithRole stores role in ctx.
func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, contextKeyRole, role)
}

// GetRole extracts the role from the request context.
func GetRole(r *http.Request) Role {
	if role, ok := r.Context().Value(contextKeyRole).(Role); ok {
		return role
	}
	return RoleNone
}

// RequireRole rejects requests whose role is not in allowed. RoleAdmin is
// always allowed.
func RequireRole(allowed ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := GetRole(r)
			if role == RoleNone {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "missing or invalid API key")
				return
			}
			if role == RoleAdmin {
				next.ServeHTTP(w, r)
				return
			}
			for _, a := range allowed {
				if role == a {
					next.ServeHTTP(w, r)
					return
				}
			}
			apierrors.WriteSimpleError(w, apierrors.ErrCodeForbidden, "API key role not allowed")
		})
	}
}

// IsExemptFromRateLimits reports whether per-user and per-IP limits are skipped.
// Only admin keys are exempt; the front-end is a single client acting for many
// users, so it stays subject to per-user limits.
func IsExemptFromRateLimits(r *http.Request) bool {
	return GetRole(r) == RoleAdmin
}

// ShouldBypassIPLimit reports whether the per-IP limiter is skipped. All
// front-end traffic arrives from one address.
func ShouldBypassIPLimit(r *http.Request) bool {
	role := GetRole(r)
	return role == RoleFrontend || role == RoleAdmin
}
