package config

import (
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "SETTLEMENT_"

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
func (c *Config) applyEnvOverrides() {
	// Server
	setIfEnv(&c.Server.Address, "SETTLEMENT_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "SETTLEMENT_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "SETTLEMENT_ADMIN_METRICS_API_KEY")
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging
	setIfEnv(&c.Logging.Level, "SETTLEMENT_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "SETTLEMENT_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "SETTLEMENT_ENVIRONMENT")

	// Storage
	setIfEnv(&c.Storage.Backend, "SETTLEMENT_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "SETTLEMENT_POSTGRES_URL")

	// Settlement rules
	setIfEnv(&c.Settlement.Currency, "SETTLEMENT_CURRENCY")
	setDurationIfEnv(&c.Settlement.PaymentTimeout, "SETTLEMENT_PAYMENT_TIMEOUT")
	setDurationIfEnv(&c.Settlement.ExpiredGraceWindow, "SETTLEMENT_EXPIRED_GRACE_WINDOW")
	setInt64IfEnv(&c.Settlement.MinAmount, "SETTLEMENT_MIN_AMOUNT")
	setInt64IfEnv(&c.Settlement.MaxAmount, "SETTLEMENT_MAX_AMOUNT")
	setInt64IfEnv(&c.Settlement.ToleranceBPS, "SETTLEMENT_TOLERANCE_BPS")
	if v := os.Getenv("SETTLEMENT_ENABLED_METHODS"); v != "" {
		c.Settlement.EnabledMethods = splitList(v)
	}

	// Poller
	setDurationIfEnv(&c.Poller.Interval, "SETTLEMENT_POLLER_INTERVAL")
	setDurationIfEnv(&c.Poller.RecheckExpiredWindow, "SETTLEMENT_POLLER_RECHECK_EXPIRED_WINDOW")

	// On-chain
	setBoolIfEnv(&c.Solana.Enabled, "SETTLEMENT_SOLANA_ENABLED")
	setIfEnv(&c.Solana.RPCURL, "SETTLEMENT_SOLANA_RPC_URL")
	setIfEnv(&c.Solana.WSURL, "SETTLEMENT_SOLANA_WS_URL")
	setIfEnv(&c.Solana.WalletAddress, "SETTLEMENT_SOLANA_WALLET_ADDRESS")
	setIfEnv(&c.Solana.Commitment, "SETTLEMENT_SOLANA_COMMITMENT")
	setDurationIfEnv(&c.Solana.IngestWindow, "SETTLEMENT_SOLANA_INGEST_WINDOW")
	setDurationIfEnv(&c.Solana.IngestInterval, "SETTLEMENT_SOLANA_INGEST_INTERVAL")

	// Crypto Pay
	setBoolIfEnv(&c.CryptoPay.Enabled, "SETTLEMENT_CRYPTO_PAY_ENABLED")
	setIfEnv(&c.CryptoPay.APIToken, "SETTLEMENT_CRYPTO_PAY_API_TOKEN")
	setIfEnv(&c.CryptoPay.BaseURL, "SETTLEMENT_CRYPTO_PAY_BASE_URL")
	setBoolIfEnv(&c.CryptoPay.Testnet, "SETTLEMENT_CRYPTO_PAY_TESTNET")
	setIfEnv(&c.CryptoPay.Asset, "SETTLEMENT_CRYPTO_PAY_ASSET")

	// Stripe
	setBoolIfEnv(&c.Stripe.Enabled, "SETTLEMENT_STRIPE_ENABLED")
	setIfEnv(&c.Stripe.SecretKey, "SETTLEMENT_STRIPE_SECRET_KEY")
	setIfEnv(&c.Stripe.WebhookSecret, "SETTLEMENT_STRIPE_WEBHOOK_SECRET")
	setIfEnv(&c.Stripe.SuccessURL, "SETTLEMENT_STRIPE_SUCCESS_URL")
	setIfEnv(&c.Stripe.CancelURL, "SETTLEMENT_STRIPE_CANCEL_URL")
	setIfEnv(&c.Stripe.Mode, "SETTLEMENT_STRIPE_MODE")

	// Stars
	setBoolIfEnv(&c.Stars.Enabled, "SETTLEMENT_STARS_ENABLED")
	setIfEnv(&c.Stars.BotToken, "SETTLEMENT_STARS_BOT_TOKEN")
	setIfEnv(&c.Stars.APIBaseURL, "SETTLEMENT_STARS_API_BASE_URL")
	setIfEnv(&c.Stars.WebhookSecret, "SETTLEMENT_STARS_WEBHOOK_SECRET")
	if v := os.Getenv("SETTLEMENT_STARS_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.Stars.Rate = rate
		}
	}

	// Rates
	setIfEnv(&c.Rates.BaseURL, "SETTLEMENT_RATES_BASE_URL")
	setDurationIfEnv(&c.Rates.CacheTTL, "SETTLEMENT_RATES_CACHE_TTL")

	// Redis
	setBoolIfEnv(&c.Redis.Enabled, "SETTLEMENT_REDIS_ENABLED")
	setIfEnv(&c.Redis.Addr, "SETTLEMENT_REDIS_ADDR")
	setIfEnv(&c.Redis.Password, "SETTLEMENT_REDIS_PASSWORD")

	// Journal
	setIfEnv(&c.Journal.Backend, "SETTLEMENT_JOURNAL_BACKEND")
	setIfEnv(&c.Journal.MongoDBURL, "SETTLEMENT_JOURNAL_MONGODB_URL")
	setIfEnv(&c.Journal.Database, "SETTLEMENT_JOURNAL_DATABASE")

	// Callbacks
	setIfEnv(&c.Callbacks.SettlementURL, "SETTLEMENT_CALLBACK_URL")
	setDurationIfEnv(&c.Callbacks.Timeout, "SETTLEMENT_CALLBACK_TIMEOUT")
	setBoolIfEnv(&c.Callbacks.DLQEnabled, "SETTLEMENT_CALLBACK_DLQ_ENABLED")
	setIfEnv(&c.Callbacks.DLQPath, "SETTLEMENT_CALLBACK_DLQ_PATH")
	for name, value := range prefixedEnv(envPrefix + "CALLBACK_HEADER_") {
		if c.Callbacks.Headers == nil {
			c.Callbacks.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Callbacks.Headers[headerName] = value
	}

	// API keys: SETTLEMENT_API_KEY_<KEY>=<role>
	setBoolIfEnv(&c.APIKey.Enabled, "SETTLEMENT_API_KEY_ENABLED")
	for name, role := range prefixedEnv(envPrefix + "API_KEY_") {
		if name == "ENABLED" {
			continue
		}
		if c.APIKey.Keys == nil {
			c.APIKey.Keys = make(map[string]string)
		}
		c.APIKey.Keys[strings.ToLower(name)] = strings.TrimSpace(role)
	}
}

// prefixedEnv collects environment variables starting with prefix, keyed by the remainder of the name.
func prefixedEnv(prefix string) map[string]string {
	out := make(map[string]string)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], prefix)
		if name == "" {
			continue
		}
		out[name] = parts[1]
	}
	return out
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1" and any casing of "true" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*target = n
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
