package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/settlement/internal/apikey"
	"github.com/CedrosPay/settlement/internal/config"
	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/idempotency"
	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/CedrosPay/settlement/internal/ratelimit"
	"github.com/CedrosPay/settlement/internal/settlement"
	stripesvc "github.com/CedrosPay/settlement/internal/stripe"
)

var (
	serverStartTime = time.Now()
)

// StripeEvents verifies and decodes Stripe webhook payloads.
type StripeEvents interface {
	ParseWebhook(payload []byte, signature string) (stripesvc.WebhookEvent, error)
}

// StripeConfirmer settles the payment named by a webhook event.
type StripeConfirmer interface {
	ConfirmFromWebhook(ctx context.Context, event stripesvc.WebhookEvent, c gateway.Confirmer) (gateway.ConfirmResult, bool, error)
}

// PreCheckoutAnswerer answers Telegram pre-checkout queries.
type PreCheckoutAnswerer interface {
	AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error
}

// Redriver re-sends settlement events parked in the dead letter queue.
type Redriver interface {
	Redrive(ctx context.Context, limit int) (int, error)
}

// ExpirySweeper runs an expiry pass on demand.
type ExpirySweeper interface {
	ExpireNow(ctx context.Context) (int64, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps are the services behind the HTTP surface. Only Settlement is required.
type Deps struct {
	Settlement      *settlement.Manager
	StripeEvents    StripeEvents
	StripeConfirmer StripeConfirmer
	Telegram        PreCheckoutAnswerer
	Events          Redriver
	Sweeper         ExpirySweeper
	Idempotency     idempotency.Store
	Metrics         *metrics.Metrics
	HealthChecks    map[string]HealthCheck
}

// Server is the settlement HTTP API.
type Server struct {
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	settle   *settlement.Manager
	stripe   StripeEvents
	stripeCf StripeConfirmer
	telegram PreCheckoutAnswerer
	events   Redriver
	sweeper  ExpirySweeper
	metrics  *metrics.Metrics
	health   map[string]HealthCheck
	logger   zerolog.Logger
}

func newHandlers(cfg *config.Config, deps Deps, appLogger zerolog.Logger) *handlers {
	return &handlers{
		cfg:      cfg,
		settle:   deps.Settlement,
		stripe:   deps.StripeEvents,
		stripeCf: deps.StripeConfirmer,
		telegram: deps.Telegram,
		events:   deps.Events,
		sweeper:  deps.Sweeper,
		metrics:  deps.Metrics,
		health:   deps.HealthChecks,
		logger:   appLogger,
	}
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, deps Deps, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()
	ConfigureRouter(router, cfg, deps, appLogger)
	return Wrap(cfg, router)
}

// Wrap serves an already configured handler with the configured timeouts.
func Wrap(cfg *config.Config, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      handler,
		},
	}
}

// ConfigureRouter attaches the settlement routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, deps Deps, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := newHandlers(cfg, deps, appLogger)

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)

	// Logging goes before RequestID so the request id reaches the context logger.
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// API keys resolve before rate limiting so admin keys can be exempted.
	apiKeyCfg := apikey.Config{
		Enabled: cfg.APIKey.Enabled,
		Keys:    make(map[string]apikey.Role),
	}
	for key, role := range cfg.APIKey.Keys {
		apiKeyCfg.Keys[key] = apikey.ParseRole(role)
	}
	router.Use(apikey.Middleware(apiKeyCfg))

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled:  cfg.RateLimit.GlobalEnabled,
		GlobalLimit:    cfg.RateLimit.GlobalLimit,
		GlobalWindow:   cfg.RateLimit.GlobalWindow.Duration,
		PerUserEnabled: cfg.RateLimit.PerUserEnabled,
		PerUserLimit:   cfg.RateLimit.PerUserLimit,
		PerUserWindow:  cfg.RateLimit.PerUserWindow.Duration,
		PerIPEnabled:   cfg.RateLimit.PerIPEnabled,
		PerIPLimit:     cfg.RateLimit.PerIPLimit,
		PerIPWindow:    cfg.RateLimit.PerIPWindow.Duration,
		Metrics:        deps.Metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.UserLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/healthz", handler.healthz)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Provider call-ins authenticate with their own signatures, not API keys.
	// Their URLs are not versioned: they are registered with the providers.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post(prefix+"/webhooks/stripe", handler.stripeWebhook)
		r.Post(prefix+"/webhooks/telegram", handler.telegramWebhook)
	})

	idempotencyMW := func(next http.Handler) http.Handler { return next }
	if deps.Idempotency != nil && cfg.Idempotency.Enabled {
		idempotencyMW = idempotency.Middleware(deps.Idempotency, cfg.Idempotency.TTL.Duration)
	}

	// Front-end API. Gateway calls happen inline, hence the longer timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(apikey.RequireRole(apikey.RoleFrontend))

		r.With(idempotencyMW).Post(prefix+"/v1/payments", handler.createPayment)
		r.Get(prefix+"/v1/payments/{paymentID}", handler.getPayment)
		r.Post(prefix+"/v1/payments/{paymentID}/check", handler.checkPayment)
		r.Post(prefix+"/v1/payments/{paymentID}/cancel", handler.cancelPayment)

		r.Get(prefix+"/v1/users/{userID}/payments/active", handler.activePayment)
		r.Get(prefix+"/v1/users/{userID}/balance", handler.balance)
		r.Get(prefix+"/v1/users/{userID}/history", handler.history)
		r.Post(prefix+"/v1/users/{userID}/purchase", handler.purchase)

		r.Post(prefix+"/v1/stars/pre-checkout", handler.starsPreCheckout)
		r.Post(prefix+"/v1/stars/confirm", handler.starsConfirm)
	})

	// Operator endpoints.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(apikey.RequireRole())

		r.Post(prefix+"/v1/admin/events/redrive", handler.redriveEvents)
		r.Post(prefix+"/v1/admin/sweep", handler.sweepNow)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
