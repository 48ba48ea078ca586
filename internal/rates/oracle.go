// Package rates quotes crypto assets in the settlement currency.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CedrosPay/settlement/internal/cacheutil"
	"github.com/CedrosPay/settlement/internal/circuitbreaker"
	"github.com/CedrosPay/settlement/internal/config"
	"github.com/CedrosPay/settlement/internal/httputil"
	"github.com/CedrosPay/settlement/internal/metrics"
	"github.com/CedrosPay/settlement/internal/money"
	"github.com/rs/zerolog"
)

// ErrQuoteUnavailable is returned when no fresh quote can be obtained.
var ErrQuoteUnavailable = errors.New("rates: quote unavailable")

// Oracle quotes one major unit of an asset in settlement currency minor units.
type Oracle interface {
	Quote(ctx context.Context, asset string) (money.Price, error)
}

// SharedCache lets several instances share quotes. Implemented by cache.Redis.
type SharedCache interface {
	GetInt(ctx context.Context, key string) (int64, bool, error)
	SetInt(ctx context.Context, key string, v int64, ttl time.Duration) error
}

// CoinGecko is an Oracle backed by the CoinGecko simple/price endpoint.
type CoinGecko struct {
	baseURL    string
	httpClient *http.Client
	currency   money.Asset
	ids        map[string]string // asset code -> coingecko id
	ttl        time.Duration
	local      *cacheutil.TTL[string, money.Price]
	shared     SharedCache
	breaker    *circuitbreaker.Manager
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// Option configures CoinGecko.
type Option func(*CoinGecko)

// WithSharedCache enables the cross-instance quote cache.
func WithSharedCache(c SharedCache) Option {
	return func(o *CoinGecko) { o.shared = c }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *CoinGecko) { o.httpClient = c }
}

// NewCoinGecko builds the oracle for the configured settlement currency.
func NewCoinGecko(cfg config.RatesConfig, currency string, breaker *circuitbreaker.Manager, m *metrics.Metrics, log zerolog.Logger, opts ...Option) (*CoinGecko, error) {
	asset, err := money.GetAsset(currency)
	if err != nil {
		return nil, fmt.Errorf("rates: settlement currency: %w", err)
	}
	ids := make(map[string]string, len(cfg.Assets))
	for code, id := range cfg.Assets {
		ids[strings.ToUpper(code)] = id
	}
	o := &CoinGecko{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: httputil.NewClient(cfg.Timeout.Duration),
		currency:   asset,
		ids:        ids,
		ttl:        cfg.CacheTTL.Duration,
		local:      cacheutil.NewTTL[string, money.Price](cfg.CacheTTL.Duration),
		breaker:    breaker,
		metrics:    m,
		logger:     log.With().Str("component", "rates").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Quote returns the price of one major unit of asset.
// A failure is reported as ErrQuoteUnavailable; stale quotes are never served.
func (o *CoinGecko) Quote(ctx context.Context, asset string) (money.Price, error) {
	code := strings.ToUpper(asset)
	base, err := money.GetAsset(code)
	if err != nil {
		return money.Price{}, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	if code == o.currency.Code {
		return money.NewPrice(base, o.currency, 1)
	}
	id, ok := o.ids[code]
	if !ok {
		return money.Price{}, fmt.Errorf("%w: no oracle id for %s", ErrQuoteUnavailable, code)
	}

	source := "memory"
	price, err := o.local.Get(code, func() (money.Price, error) {
		if p, ok := o.fromShared(ctx, base); ok {
			source = "shared"
			return p, nil
		}
		source = "oracle"
		p, err := o.fetch(ctx, base, id)
		if err != nil {
			return money.Price{}, err
		}
		o.toShared(ctx, p)
		return p, nil
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("asset", code).Msg("rates.quote_failed")
		return money.Price{}, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	o.metrics.ObserveRateQuote(code, source)
	return price, nil
}

func (o *CoinGecko) sharedKey(base money.Asset) string {
	return fmt.Sprintf("rates:%s:%s", base.Code, o.currency.Code)
}

func (o *CoinGecko) fromShared(ctx context.Context, base money.Asset) (money.Price, bool) {
	if o.shared == nil {
		return money.Price{}, false
	}
	v, ok, err := o.shared.GetInt(ctx, o.sharedKey(base))
	if err != nil || !ok || v <= 0 {
		return money.Price{}, false
	}
	return money.Price{Base: base, Quote: o.currency, Atomic: v}, true
}

func (o *CoinGecko) toShared(ctx context.Context, p money.Price) {
	if o.shared == nil || o.ttl <= 0 {
		return
	}
	if err := o.shared.SetInt(ctx, o.sharedKey(p.Base), p.Atomic, o.ttl); err != nil {
		o.logger.Debug().Err(err).Msg("rates.shared_cache_write_failed")
	}
}

func (o *CoinGecko) fetch(ctx context.Context, base money.Asset, id string) (money.Price, error) {
	vs := strings.ToLower(o.currency.Code)
	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", vs)
	endpoint := o.baseURL + "/api/v3/simple/price?" + q.Encode()

	done := metrics.MeasureGatewayCall(o.metrics, "rate_oracle", "simple_price")
	body, err := circuitbreaker.Do(o.breaker, circuitbreaker.ServiceRateOracle, func() (map[string]map[string]float64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := o.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if err := httputil.CheckStatus(resp); err != nil {
			return nil, err
		}
		var out map[string]map[string]float64
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode simple/price: %w", err)
		}
		return out, nil
	})
	done(err)
	if err != nil {
		return money.Price{}, err
	}

	v, ok := body[id][vs]
	if !ok || v <= 0 {
		return money.Price{}, fmt.Errorf("no %s price for %s", vs, id)
	}
	return money.NewPrice(base, o.currency, v)
}

// Static is an Oracle with fixed prices, used for tests and offline runs.
type Static map[string]money.Price

// Quote returns the fixed price for asset.
func (s Static) Quote(_ context.Context, asset string) (money.Price, error) {
	p, ok := s[strings.ToUpper(asset)]
	if !ok {
		return money.Price{}, fmt.Errorf("%w: %s", ErrQuoteUnavailable, asset)
	}
	return p, nil
}
