// Package engine assembles the settlement engine for standalone serving or
// embedding into an existing chi router.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/settlement/internal/cache"
	"github.com/CedrosPay/settlement/internal/callbacks"
	"github.com/CedrosPay/settlement/internal/circuitbreaker"
	"github.com/CedrosPay/settlement/internal/config"
	"github.com/CedrosPay/settlement/internal/cryptopay"
	"github.com/CedrosPay/settlement/internal/dbpool"
	"github.com/CedrosPay/settlement/internal/gateway"
	"github.com/CedrosPay/settlement/internal/httpserver"
	"github.com/CedrosPay/settlement/internal/idempotency"
	"github.com/CedrosPay/settlement/internal/ingester"
	"github.com/CedrosPay/settlement/internal/journal"
	"github.com/CedrosPay/settlement/internal/lifecycle"
	"github.com/CedrosPay/settlement/internal/logger"
	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/CedrosPay/settlement/internal/poller"
	"github.com/CedrosPay/settlement/internal/rates"
	"github.com/CedrosPay/settlement/internal/settlement"
	"github.com/CedrosPay/settlement/internal/solana"
	"github.com/CedrosPay/settlement/internal/stars"
	"github.com/CedrosPay/settlement/internal/storage"
	stripesvc "github.com/CedrosPay/settlement/internal/stripe"
)

const invoiceDescription = "Balance top-up"

// App wires the settlement components.
type App struct {
	Config     *config.Config
	Store      storage.Store
	Settlement *settlement.Manager
	Registry   *gateway.Registry
	Poller     *poller.Poller
	Ingester   *ingester.Ingester // nil unless the onchain method is enabled
	Sweeper    *storage.Sweeper
	Notifier   callbacks.Notifier
	Metrics    *metrics.Metrics

	router    chi.Router
	resources *lifecycle.Manager
	logger    zerolog.Logger
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store      storage.Store
	notifier   callbacks.Notifier
	oracle     rates.Oracle
	adapters   []gateway.Adapter
	router     chi.Router
	registerer prometheus.Registerer
	logger     *zerolog.Logger
}

// WithStore sets a custom ledger backend.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithNotifier replaces the outbound settlement event notifier.
func WithNotifier(n callbacks.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithOracle replaces the exchange rate oracle.
func WithOracle(oracle rates.Oracle) Option {
	return func(o *options) { o.oracle = oracle }
}

// WithAdapters registers additional gateway adapters. A configured gateway
// of the same method is not built.
func WithAdapters(adapters ...gateway.Adapter) Option {
	return func(o *options) { o.adapters = append(o.adapters, adapters...) }
}

// WithRouter registers the routes onto an existing router.
func WithRouter(router chi.Router) Option {
	return func(o *options) { o.router = router }
}

// WithRegisterer sets the Prometheus registerer (default: the global one).
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithLogger replaces the logger built from the logging config.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// NewApp builds every component. Background workers are not started until Start.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("engine: config required")
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "settlement",
		Environment: cfg.Logging.Environment,
	})
	if o.logger != nil {
		appLogger = *o.logger
	}

	app := &App{
		Config:    cfg,
		resources: lifecycle.NewManager(appLogger),
		logger:    appLogger,
	}
	ok := false
	defer func() {
		if !ok {
			_ = app.resources.Close()
		}
	}()

	registerer := o.registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	app.Metrics = metrics.New(registerer)

	breakers := circuitbreaker.Disabled()
	if cfg.CircuitBreaker.Enabled {
		breakers = circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, appLogger)
	}

	health := make(map[string]httpserver.HealthCheck)

	if err := app.openStore(ctx, o.store, health); err != nil {
		return nil, err
	}

	// Shared cache: balances, quotes and idempotency keys across instances.
	var (
		redisCache *cache.Redis
		idemStore  idempotency.Store
	)
	if cfg.Redis.Enabled {
		client, err := cache.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		app.resources.Register("redis", client)
		redisCache = cache.NewRedis(client, cache.DefaultBalanceTTL)
		idemStore = idempotency.NewRedisStore(client, "")
		health["redis"] = redisCache.HealthCheck
	} else {
		mem := idempotency.NewMemoryStoreWithSize(cfg.Idempotency.MaxKeys)
		app.resources.RegisterFunc("idempotency-store", func() error {
			mem.Stop()
			return nil
		})
		idemStore = mem
	}

	oracle := o.oracle
	if oracle == nil {
		var oracleOpts []rates.Option
		if redisCache != nil {
			oracleOpts = append(oracleOpts, rates.WithSharedCache(redisCache))
		}
		cg, err := rates.NewCoinGecko(cfg.Rates, cfg.Settlement.Currency, breakers, app.Metrics, appLogger, oracleOpts...)
		if err != nil {
			return nil, fmt.Errorf("init rate oracle: %w", err)
		}
		oracle = cg
	}

	journ, err := journal.New(cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("init journal: %w", err)
	}
	app.resources.RegisterFunc("journal", func() error {
		return journ.Close(context.Background())
	})

	var redriver httpserver.Redriver
	app.Notifier, redriver, err = app.buildNotifier(o.notifier, breakers)
	if err != nil {
		return nil, err
	}

	deps := httpserver.Deps{
		Idempotency:  idemStore,
		Metrics:      app.Metrics,
		HealthChecks: health,
		Events:       redriver,
	}

	app.Registry = gateway.NewRegistry(o.adapters...)
	if err := app.buildGateways(oracle, breakers, &deps); err != nil {
		return nil, err
	}
	if len(app.Registry.Methods()) == 0 {
		return nil, errors.New("engine: no payment method enabled")
	}

	var balances cache.BalanceCache
	if redisCache != nil {
		balances = redisCache
	}
	app.Settlement = settlement.NewManager(app.Store, app.Registry, settlement.ConfigFrom(cfg.Settlement),
		settlement.WithNotifier(app.Notifier),
		settlement.WithJournal(journ),
		settlement.WithBalanceCache(balances),
		settlement.WithMetrics(app.Metrics),
		settlement.WithLogger(appLogger),
	)
	deps.Settlement = app.Settlement

	// Workers are registered last so they stop before the stores they use.
	app.Sweeper = storage.NewSweeper(app.Store, storage.SweeperConfig{
		SweepInterval:   cfg.Settlement.SweepInterval.Duration,
		CleanupInterval: cfg.Settlement.CleanupInterval.Duration,
		RetentionPeriod: cfg.Settlement.RetentionPeriod.Duration,
	}, app.Metrics, appLogger)
	app.resources.RegisterStopper("sweeper", app.Sweeper)
	deps.Sweeper = app.Sweeper

	var sweep poller.Sweeper
	if app.Ingester != nil {
		sweep = app.Ingester
		app.resources.RegisterStopper("ingester", app.Ingester)
	}
	var recheck []storage.Method
	if _, ok := app.Registry.Get(storage.MethodCard); ok {
		recheck = append(recheck, storage.MethodCard)
	}
	app.Poller = poller.New(poller.Config{
		Interval:             cfg.Poller.Interval.Duration,
		Methods:              app.Registry.PollingMethods(),
		RecheckExpired:       recheck,
		RecheckExpiredWindow: cfg.Poller.RecheckExpiredWindow.Duration,
	}, app.Store, app.Settlement, sweep, app.Metrics, appLogger)
	app.Settlement.SetPoller(app.Poller)
	app.resources.RegisterStopper("poller", app.Poller)

	app.router = o.router
	if app.router == nil {
		app.router = chi.NewRouter()
	}
	httpserver.ConfigureRouter(app.router, cfg, deps, appLogger)

	ok = true
	return app, nil
}

func (a *App) openStore(ctx context.Context, store storage.Store, health map[string]httpserver.HealthCheck) error {
	if store != nil {
		a.Store = store
		return nil
	}
	cfg := a.Config.Storage
	if cfg.Backend != "postgres" {
		a.logger.Warn().Msg("engine: using the in-memory ledger; balances are lost on restart")
		store, err := storage.NewStore(cfg, nil, a.Metrics)
		if err != nil {
			return err
		}
		a.Store = store
		a.resources.Register("storage", store)
		return nil
	}

	pool, err := dbpool.NewSharedPool(ctx, cfg)
	if err != nil {
		return err
	}
	a.resources.Register("postgres-pool", pool)
	health["ledger"] = pool.Ping

	store, err = storage.NewStore(cfg, pool.DB(), a.Metrics)
	if err != nil {
		return err
	}
	a.Store = store
	a.resources.Register("storage", store)
	return nil
}

// buildNotifier returns the event notifier and, when delivery is configured,
// the dead letter queue redriver.
func (a *App) buildNotifier(custom callbacks.Notifier, breakers *circuitbreaker.Manager) (callbacks.Notifier, httpserver.Redriver, error) {
	if custom != nil {
		return custom, nil, nil
	}
	cfg := a.Config.Callbacks

	callbackOpts := []callbacks.RetryOption{
		callbacks.WithRetryLogger(a.logger),
		callbacks.WithMetrics(a.Metrics),
		callbacks.WithBreaker(breakers),
	}
	if cfg.DLQEnabled {
		var dlq callbacks.DLQStore
		if cfg.DLQPath != "" {
			fileDLQ, err := callbacks.NewFileDLQStore(cfg.DLQPath)
			if err != nil {
				return nil, nil, fmt.Errorf("init DLQ store: %w", err)
			}
			dlq = fileDLQ
		} else {
			dlq = callbacks.NewMemoryDLQStore()
		}
		callbackOpts = append(callbackOpts, callbacks.WithDLQStore(dlq))
	}

	client := callbacks.NewRetryableClient(cfg, callbackOpts...)
	if client == nil {
		a.logger.Info().Msg("engine: no settlement_url configured; settlement events are not delivered")
		return callbacks.NoopNotifier{}, nil, nil
	}
	a.resources.Register("callbacks", client)
	return client, client, nil
}

// buildGateways registers an adapter for every enabled method not supplied
// through WithAdapters.
func (a *App) buildGateways(oracle rates.Oracle, breakers *circuitbreaker.Manager, deps *httpserver.Deps) error {
	cfg := a.Config
	currency := cfg.Settlement.Currency
	registered := func(m storage.Method) bool {
		_, ok := a.Registry.Get(m)
		return ok
	}

	if cfg.MethodEnabled(config.MethodOnChain) && !registered(storage.MethodOnChain) {
		source, err := solana.NewRPCSource(cfg.Solana.RPCURL, cfg.Solana.WalletAddress, cfg.Solana.Commitment, breakers, a.Metrics)
		if err != nil {
			return fmt.Errorf("init solana rpc: %w", err)
		}
		deps.HealthChecks["solana_rpc"] = source.HealthCheck
		a.Ingester = ingester.New(source, a.Store, ingester.Config{
			Window:   cfg.Solana.IngestWindow.Duration,
			Limit:    cfg.Solana.IngestLimit,
			Interval: cfg.Solana.IngestInterval.Duration,
		}, a.Metrics, a.logger)
		adapter := solana.NewAdapter(solana.AdapterConfig{
			Wallet:       cfg.Solana.WalletAddress,
			Currency:     currency,
			ToleranceBPS: cfg.Settlement.ToleranceBPS,
		}, oracle, a.Store, a.logger)
		if err := a.Registry.Register(adapter); err != nil {
			return err
		}
	}

	if cfg.MethodEnabled(config.MethodCryptoPay) && !registered(storage.MethodCryptoPay) {
		client := cryptopay.NewClient(cfg.CryptoPay.BaseURL, cfg.CryptoPay.APIToken, cfg.CryptoPay.Timeout.Duration, breakers, a.Metrics,
			cryptopay.WithRetryPolicy(cfg.CryptoPay.MaxRetries, cfg.CryptoPay.RetryBase.Duration))
		adapter := cryptopay.NewAdapter(cryptopay.AdapterConfig{
			Asset:       cfg.CryptoPay.Asset,
			Currency:    currency,
			Description: invoiceDescription,
		}, client, oracle, a.logger)
		if err := a.Registry.Register(adapter); err != nil {
			return err
		}
	}

	if cfg.MethodEnabled(config.MethodCard) && !registered(storage.MethodCard) {
		client := stripesvc.NewClient(cfg.Stripe, breakers, a.Metrics)
		adapter := stripesvc.NewAdapter(client, currency, invoiceDescription, a.logger)
		if err := a.Registry.Register(adapter); err != nil {
			return err
		}
		deps.StripeEvents = client
		deps.StripeConfirmer = adapter
	}

	if cfg.MethodEnabled(config.MethodStars) && !registered(storage.MethodStars) {
		client := stars.NewClient(cfg.Stars.APIBaseURL, cfg.Stars.BotToken, cfg.Stars.Timeout.Duration, breakers, a.Metrics)
		adapter := stars.NewAdapter(stars.AdapterConfig{
			Rate:        cfg.Stars.Rate,
			Currency:    currency,
			Title:       cfg.Stars.Title,
			Description: cfg.Stars.Description,
		}, client, a.logger)
		if err := a.Registry.Register(adapter); err != nil {
			return err
		}
		deps.Telegram = client
	}
	return nil
}

// Start launches the background workers. Payments left pending by a previous
// run are picked up by the poller's first cycle.
func (a *App) Start() {
	a.Sweeper.Start()
	if a.Ingester != nil {
		a.Ingester.Start()
	}
	a.Poller.EnsureRunning()
	a.logger.Info().
		Strs("methods", methodNames(a.Registry.Methods())).
		Str("storage", a.Config.Storage.Backend).
		Msg("engine.started")
}

// Router returns the chi router with the settlement routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Server returns an HTTP server for the router bound to the configured address.
func (a *App) Server() *httpserver.Server {
	return httpserver.Wrap(a.Config, a.router)
}

// Close stops the workers and releases every resource.
func (a *App) Close() error {
	return a.resources.Close()
}

func methodNames(methods []storage.Method) []string {
	out := make([]string, len(methods))
	for i, m := range methods {
		out[i] = string(m)
	}
	return out
}

// Config is an exported alias of the internal configuration for embedders.
type Config = config.Config

// LoadConfig wraps the internal loader.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
