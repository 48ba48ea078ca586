package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultBreaker() BreakerServiceConfig {
	return BreakerServiceConfig{
		MaxRequests:         3,
		Interval:            Duration{Duration: 60 * time.Second},
		Timeout:             Duration{Duration: 30 * time.Second},
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Settlement: SettlementConfig{
			Currency:           "RUB",
			PaymentTimeout:     Duration{Duration: 15 * time.Minute},
			ExpiredGraceWindow: Duration{Duration: 24 * time.Hour},
			MinAmount:          20000,    // 200.00
			MaxAmount:          10000000, // 100000.00
			ToleranceBPS:       9500,
			SweepInterval:      Duration{Duration: time.Minute},
			RetentionPeriod:    Duration{Duration: 7 * 24 * time.Hour},
			CleanupInterval:    Duration{Duration: 2 * time.Hour},
		},
		Poller: PollerConfig{
			Interval:             Duration{Duration: 60 * time.Second},
			RecheckExpiredWindow: Duration{Duration: 24 * time.Hour},
		},
		Solana: SolanaConfig{
			RPCURL:       "https://api.mainnet-beta.solana.com",
			Commitment:   "confirmed",
			IngestWindow: Duration{Duration: 10 * time.Minute},
			IngestLimit:  50,
		},
		CryptoPay: CryptoPayConfig{
			Asset:      "USDT",
			Timeout:    Duration{Duration: 10 * time.Second},
			MaxRetries: 3,
			RetryBase:  Duration{Duration: 100 * time.Millisecond},
		},
		Stripe: StripeConfig{
			Mode:       "test",
			SuccessURL: "http://localhost:8080/stripe/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  "http://localhost:8080/stripe/cancel",
			MaxRetries: 3,
			RetryBase:  Duration{Duration: 100 * time.Millisecond},
		},
		Stars: StarsConfig{
			APIBaseURL:  "https://api.telegram.org",
			Rate:        1.35,
			Title:       "Balance top-up",
			Description: "Top up your balance",
			Timeout:     Duration{Duration: 10 * time.Second},
		},
		Rates: RatesConfig{
			BaseURL:  "https://api.coingecko.com",
			CacheTTL: Duration{Duration: 60 * time.Second},
			Timeout:  Duration{Duration: 5 * time.Second},
			Assets: map[string]string{
				"SOL":  "solana",
				"USDT": "tether",
			},
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Journal: JournalConfig{
			Database:   "settlement",
			Collection: "settlement_journal",
		},
		Callbacks: CallbacksConfig{
			Headers: make(map[string]string),
			Timeout: Duration{Duration: 3 * time.Second},
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
			DLQPath: "./data/settlement-dlq.json",
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:  true,
			GlobalLimit:    1000,
			GlobalWindow:   Duration{Duration: 1 * time.Minute},
			PerUserEnabled: true,
			PerUserLimit:   30,
			PerUserWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:   true,
			PerIPLimit:     120,
			PerIPWindow:    Duration{Duration: 1 * time.Minute},
		},
		APIKey: APIKeyConfig{
			Keys: make(map[string]string),
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			TTL:     Duration{Duration: 24 * time.Hour},
			MaxKeys: 10000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:    true,
			SolanaRPC:  defaultBreaker(),
			CryptoPay:  defaultBreaker(),
			StripeAPI:  defaultBreaker(),
			Telegram:   defaultBreaker(),
			RateOracle: defaultBreaker(),
			Webhook: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
