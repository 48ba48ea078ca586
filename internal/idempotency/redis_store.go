package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares cached responses between instances behind a load balancer.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore stores entries under prefix ("idem:" when empty).
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idem:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get returns the cached response. Redis errors count as a miss.
func (s *RedisStore) Get(ctx context.Context, key string) (*Response, bool) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// Set stores response with ttl.
func (s *RedisStore) Set(ctx context.Context, key string, response *Response, ttl time.Duration) error {
	if response == nil {
		return errors.New("idempotency: nil response")
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, raw, ttl).Err()
}

// Delete removes a cached response.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
