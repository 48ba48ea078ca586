package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Gateway method names as used in settlement.enabled_methods.
const (
	MethodOnChain   = "onchain"
	MethodCryptoPay = "cryptopay"
	MethodCard      = "card"
	MethodStars     = "stars"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	c.Settlement.Currency = strings.ToUpper(strings.TrimSpace(c.Settlement.Currency))
	if c.Settlement.Currency == "" {
		c.Settlement.Currency = "RUB"
	}
	if c.Settlement.PaymentTimeout.Duration <= 0 {
		c.Settlement.PaymentTimeout = Duration{Duration: 15 * time.Minute}
	}
	if c.Settlement.ToleranceBPS == 0 {
		c.Settlement.ToleranceBPS = 9500
	}
	if c.Settlement.SweepInterval.Duration <= 0 {
		c.Settlement.SweepInterval = Duration{Duration: time.Minute}
	}
	if c.Poller.Interval.Duration <= 0 {
		c.Poller.Interval = Duration{Duration: 60 * time.Second}
	}
	if c.Solana.IngestLimit <= 0 {
		c.Solana.IngestLimit = 50
	}
	if c.Solana.IngestWindow.Duration <= 0 {
		c.Solana.IngestWindow = Duration{Duration: 10 * time.Minute}
	}
	switch strings.ToLower(c.Solana.Commitment) {
	case "processed", "confirmed", "finalized":
		c.Solana.Commitment = strings.ToLower(c.Solana.Commitment)
	default:
		c.Solana.Commitment = string(rpc.CommitmentConfirmed)
	}
	if c.CryptoPay.BaseURL == "" {
		if c.CryptoPay.Testnet {
			c.CryptoPay.BaseURL = "https://testnet-pay.crypt.bot"
		} else {
			c.CryptoPay.BaseURL = "https://pay.crypt.bot"
		}
	}
	if c.Stripe.Mode == "" {
		c.Stripe.Mode = "test"
	}
	if c.Stars.Rate <= 0 {
		c.Stars.Rate = 1.35
	}
	if c.Callbacks.Timeout.Duration == 0 {
		c.Callbacks.Timeout = Duration{Duration: 3 * time.Second}
	}
	if c.Callbacks.Headers == nil {
		c.Callbacks.Headers = make(map[string]string)
	}

	if len(c.Settlement.EnabledMethods) == 0 {
		if c.Solana.Enabled {
			c.Settlement.EnabledMethods = append(c.Settlement.EnabledMethods, MethodOnChain)
		}
		if c.CryptoPay.Enabled {
			c.Settlement.EnabledMethods = append(c.Settlement.EnabledMethods, MethodCryptoPay)
		}
		if c.Stripe.Enabled {
			c.Settlement.EnabledMethods = append(c.Settlement.EnabledMethods, MethodCard)
		}
		if c.Stars.Enabled {
			c.Settlement.EnabledMethods = append(c.Settlement.EnabledMethods, MethodStars)
		}
	}

	if c.Solana.WSURL == "" && c.Solana.RPCURL != "" {
		if wsURL, err := deriveWebsocketURL(c.Solana.RPCURL); err == nil {
			c.Solana.WSURL = wsURL
		}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when backend is 'postgres'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory, postgres)", c.Storage.Backend))
	}

	s := c.Settlement
	if s.MinAmount <= 0 {
		errs = append(errs, "settlement.min_amount must be positive")
	}
	if s.MaxAmount < s.MinAmount {
		errs = append(errs, "settlement.max_amount must be >= settlement.min_amount")
	}
	if s.ToleranceBPS <= 0 || s.ToleranceBPS > 10000 {
		errs = append(errs, "settlement.tolerance_bps must be within (0, 10000]")
	}
	if len(s.EnabledMethods) == 0 {
		errs = append(errs, "at least one payment method must be enabled")
	}
	for _, p := range s.Plans {
		if p.ID == "" || p.Days <= 0 || p.Price <= 0 {
			errs = append(errs, fmt.Sprintf("settlement.plans entry %q must define id, positive days and price", p.ID))
		}
	}

	for _, m := range s.EnabledMethods {
		switch m {
		case MethodOnChain:
			if c.Solana.WalletAddress == "" {
				errs = append(errs, "solana.wallet_address is required for the onchain method")
			} else if _, err := solana.PublicKeyFromBase58(c.Solana.WalletAddress); err != nil {
				errs = append(errs, fmt.Sprintf("solana.wallet_address is invalid: %v", err))
			}
			if c.Solana.RPCURL == "" {
				errs = append(errs, "solana.rpc_url is required for the onchain method")
			}
		case MethodCryptoPay:
			if c.CryptoPay.APIToken == "" {
				errs = append(errs, "crypto_pay.api_token is required for the cryptopay method")
			}
		case MethodCard:
			if c.Stripe.SecretKey == "" {
				errs = append(errs, "stripe.secret_key is required for the card method")
			}
		case MethodStars:
			if c.Stars.BotToken == "" {
				errs = append(errs, "stars.bot_token is required for the stars method")
			}
		default:
			errs = append(errs, fmt.Sprintf("unknown payment method %q", m))
		}
	}

	if c.Journal.Backend == "mongodb" && c.Journal.MongoDBURL == "" {
		errs = append(errs, "journal.mongodb_url is required when journal backend is 'mongodb'")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// deriveWebsocketURL converts an HTTP(S) RPC URL to WS(S) format.
func deriveWebsocketURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("rpc url empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
		return raw, nil
	case "":
		return "", errors.New("rpc url missing scheme")
	default:
		return "", fmt.Errorf("unsupported rpc url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
