package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	Settlement     SettlementConfig     `yaml:"settlement"`
	Poller         PollerConfig         `yaml:"poller"`
	Solana         SolanaConfig         `yaml:"solana"`
	CryptoPay      CryptoPayConfig      `yaml:"crypto_pay"`
	Stripe         StripeConfig         `yaml:"stripe"`
	Stars          StarsConfig          `yaml:"stars"`
	Rates          RatesConfig          `yaml:"rates"`
	Redis          RedisConfig          `yaml:"redis"`
	Journal        JournalConfig        `yaml:"journal"`
	Callbacks      CallbacksConfig      `yaml:"callbacks"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	APIKey         APIKeyConfig         `yaml:"api_key"`
	Idempotency    IdempotencyConfig    `yaml:"idempotency"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Protects /metrics when set
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // default: 25
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // default: 5
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // default: 5m
}

// StorageConfig holds ledger storage configuration.
type StorageConfig struct {
	Backend       string              `yaml:"backend"` // "memory" or "postgres"
	PostgresURL   string              `yaml:"postgres_url"`
	PostgresPool  PostgresPoolConfig  `yaml:"postgres_pool"`
	SchemaMapping SchemaMappingConfig `yaml:"schema_mapping"`
}

// SchemaMappingConfig holds table name overrides for the ledger tables.
type SchemaMappingConfig struct {
	Payments   TableMappingConfig `yaml:"payments"`
	Users      TableMappingConfig `yaml:"users"`
	Candidates TableMappingConfig `yaml:"candidates"`
}

// TableMappingConfig defines a single table mapping.
type TableMappingConfig struct {
	TableName string `yaml:"table_name"`
}

// SettlementConfig holds the rules applied by the settlement manager.
// Amounts are minor units of Currency (kopecks for RUB).
type SettlementConfig struct {
	Currency           string   `yaml:"currency"`
	PaymentTimeout     Duration `yaml:"payment_timeout"`      // pending -> expired (default: 15m)
	ExpiredGraceWindow Duration `yaml:"expired_grace_window"` // late confirmations of expired payments, from creation (default: 24h)
	MinAmount          int64    `yaml:"min_amount"`
	MaxAmount          int64    `yaml:"max_amount"`
	ToleranceBPS       int64    `yaml:"tolerance_bps"` // on-chain underpayment tolerance (default: 9500 = 95%)
	EnabledMethods     []string `yaml:"enabled_methods"`
	SweepInterval      Duration `yaml:"sweep_interval"`   // expiry sweep cadence (default: 1m)
	RetentionPeriod    Duration `yaml:"retention_period"` // terminal records kept this long (default: 7 days)
	CleanupInterval    Duration `yaml:"cleanup_interval"` // retention cleanup cadence (default: 2h)
	Plans              []Plan   `yaml:"plans"`
}

// Plan is an entitlement period purchasable from the balance.
type Plan struct {
	ID    string `yaml:"id"`
	Days  int    `yaml:"days"`
	Price int64  `yaml:"price"`
}

// PollerConfig holds reconciliation poller configuration.
type PollerConfig struct {
	Interval             Duration `yaml:"interval"`               // default: 60s
	RecheckExpiredWindow Duration `yaml:"recheck_expired_window"` // hosted card payments expired within this window are rechecked (default: 24h)
}

// SolanaConfig holds on-chain gateway and ingester configuration.
type SolanaConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RPCURL         string   `yaml:"rpc_url"`
	WSURL          string   `yaml:"ws_url"`
	WalletAddress  string   `yaml:"wallet_address"`
	Commitment     string   `yaml:"commitment"`
	IngestWindow   Duration `yaml:"ingest_window"`   // default: 10m
	IngestLimit    int      `yaml:"ingest_limit"`    // default: 50
	IngestInterval Duration `yaml:"ingest_interval"` // 0 = driven by the poller only
}

// CryptoPayConfig holds hosted crypto invoice gateway configuration.
type CryptoPayConfig struct {
	Enabled    bool     `yaml:"enabled"`
	APIToken   string   `yaml:"api_token"`
	BaseURL    string   `yaml:"base_url"`
	Testnet    bool     `yaml:"testnet"`
	Asset      string   `yaml:"asset"` // default: USDT
	Timeout    Duration `yaml:"timeout"`
	MaxRetries int      `yaml:"max_retries"`
	RetryBase  Duration `yaml:"retry_base"`
}

// StripeConfig holds hosted card checkout configuration.
type StripeConfig struct {
	Enabled       bool     `yaml:"enabled"`
	SecretKey     string   `yaml:"secret_key"`
	WebhookSecret string   `yaml:"webhook_secret"`
	SuccessURL    string   `yaml:"success_url"`
	CancelURL     string   `yaml:"cancel_url"`
	Mode          string   `yaml:"mode"` // live | test
	MaxRetries    int      `yaml:"max_retries"`
	RetryBase     Duration `yaml:"retry_base"`
}

// StarsConfig holds in-chat currency gateway configuration.
type StarsConfig struct {
	Enabled     bool     `yaml:"enabled"`
	BotToken    string   `yaml:"bot_token"`
	APIBaseURL  string   `yaml:"api_base_url"`
	Rate        float64  `yaml:"rate"` // settlement major units per star (default: 1.35)
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Timeout     Duration `yaml:"timeout"`

	// WebhookSecret is compared with X-Telegram-Bot-Api-Secret-Token on incoming updates.
	WebhookSecret string `yaml:"webhook_secret"`
}

// RatesConfig holds exchange rate oracle configuration.
type RatesConfig struct {
	BaseURL  string            `yaml:"base_url"`
	CacheTTL Duration          `yaml:"cache_ttl"` // default: 60s
	Timeout  Duration          `yaml:"timeout"`
	Assets   map[string]string `yaml:"assets"` // asset code -> oracle id
}

// RedisConfig holds the shared cache connection.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JournalConfig holds settlement journal configuration.
type JournalConfig struct {
	Backend    string `yaml:"backend"` // "memory", "mongodb" or "" (disabled)
	MongoDBURL string `yaml:"mongodb_url"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// CallbacksConfig holds outbound settlement event configuration.
type CallbacksConfig struct {
	SettlementURL string            `yaml:"settlement_url"`
	Headers       map[string]string `yaml:"headers"`
	Timeout       Duration          `yaml:"timeout"`
	Retry         RetryConfig       `yaml:"retry"`
	DLQEnabled    bool              `yaml:"dlq_enabled"`
	DLQPath       string            `yaml:"dlq_path"`
}

// RetryConfig holds event delivery retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	Multiplier      float64  `yaml:"multiplier"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-user limiting keyed by the user id in the request path or X-User-ID header.
	PerUserEnabled bool     `yaml:"per_user_enabled"`
	PerUserLimit   int      `yaml:"per_user_limit"`
	PerUserWindow  Duration `yaml:"per_user_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// APIKeyConfig holds front-end API key authentication.
type APIKeyConfig struct {
	Enabled bool              `yaml:"enabled"`
	Keys    map[string]string `yaml:"keys"` // key -> role (frontend, admin)
}

// IdempotencyConfig controls Idempotency-Key handling on payment creation.
type IdempotencyConfig struct {
	Enabled bool     `yaml:"enabled"`
	TTL     Duration `yaml:"ttl"`
	MaxKeys int      `yaml:"max_keys"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled    bool                 `yaml:"enabled"`
	SolanaRPC  BreakerServiceConfig `yaml:"solana_rpc"`
	CryptoPay  BreakerServiceConfig `yaml:"crypto_pay"`
	StripeAPI  BreakerServiceConfig `yaml:"stripe_api"`
	Telegram   BreakerServiceConfig `yaml:"telegram"`
	RateOracle BreakerServiceConfig `yaml:"rate_oracle"`
	Webhook    BreakerServiceConfig `yaml:"webhook"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}

// MethodEnabled reports whether a gateway method is listed in settlement.enabled_methods.
func (c *Config) MethodEnabled(method string) bool {
	for _, m := range c.Settlement.EnabledMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// PlanByID returns the configured entitlement plan with the given id.
func (s SettlementConfig) PlanByID(id string) (Plan, bool) {
	for _, p := range s.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}
