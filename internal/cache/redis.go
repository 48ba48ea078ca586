// Package cache holds the redis-backed caches shared between instances:
// user balances read by the front-end and oracle quotes.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/CedrosPay/settlement/internal/config"
	"github.com/redis/go-redis/v9"
)

// DefaultBalanceTTL bounds how stale a cached balance can be if an invalidation is lost.
const DefaultBalanceTTL = 5 * time.Minute

// BalanceCache caches user balances. Implementations are best-effort:
// a cache failure never fails a settlement.
type BalanceCache interface {
	GetBalance(ctx context.Context, userID int64) (int64, bool)
	SetBalance(ctx context.Context, userID int64, balance int64)
	InvalidateBalance(ctx context.Context, userID int64) error
}

// Connect opens a redis client and verifies it with PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Redis implements BalanceCache and the shared quote cache on a redis client.
type Redis struct {
	client     *redis.Client
	balanceTTL time.Duration
}

// NewRedis wraps client.
func NewRedis(client *redis.Client, balanceTTL time.Duration) *Redis {
	if balanceTTL <= 0 {
		balanceTTL = DefaultBalanceTTL
	}
	return &Redis{client: client, balanceTTL: balanceTTL}
}

// BalanceKey is the redis key holding a user's cached balance.
func BalanceKey(userID int64) string {
	return fmt.Sprintf("user:%d:balance", userID)
}

// GetBalance returns the cached balance when present.
func (r *Redis) GetBalance(ctx context.Context, userID int64) (int64, bool) {
	v, ok, err := r.GetInt(ctx, BalanceKey(userID))
	if err != nil || !ok {
		return 0, false
	}
	return v, true
}

// SetBalance caches balance for the balance TTL.
func (r *Redis) SetBalance(ctx context.Context, userID int64, balance int64) {
	_ = r.SetInt(ctx, BalanceKey(userID), balance, r.balanceTTL)
}

// InvalidateBalance drops the cached balance.
func (r *Redis) InvalidateBalance(ctx context.Context, userID int64) error {
	return r.client.Del(ctx, BalanceKey(userID)).Err()
}

// GetInt reads an integer key. ok is false on a miss.
func (r *Redis) GetInt(ctx context.Context, key string) (int64, bool, error) {
	raw, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("cache key %s: %w", key, err)
	}
	return v, true, nil
}

// SetInt writes an integer key with ttl.
func (r *Redis) SetInt(ctx context.Context, key string, v int64, ttl time.Duration) error {
	return r.client.Set(ctx, key, v, ttl).Err()
}

// HealthCheck pings redis.
func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Noop is a BalanceCache that caches nothing.
type Noop struct{}

func (Noop) GetBalance(context.Context, int64) (int64, bool) { return 0, false }
func (Noop) SetBalance(context.Context, int64, int64) {}
func (Noop) InvalidateBalance(context.Context, int64) error { return nil }
