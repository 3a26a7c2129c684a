// Package cache holds the optional shared cache for read-mostly responses.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KeySnapshot caches the status+devices snapshot served by /api/query.
const KeySnapshot = "snapshot"

const keyPrefix = "sleepy:"

// Cache stores short-lived byte values.
type Cache interface {
	// Get returns the value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Nop is a cache that never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Set(context.Context, string, []byte) error           { return nil }
func (Nop) Delete(context.Context, ...string) error             { return nil }
func (Nop) Close() error                                        { return nil }

// Redis is a Cache backed by a Redis server. Keys are namespaced and
// expire after the configured TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis creates a Redis cache from a redis:// URL.
func NewRedis(url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts), ttl: ttl}, nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, keyPrefix+key, value, r.ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = keyPrefix + k
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Open returns a Redis cache for url, or Nop when url is empty. An
// unreachable server is logged and replaced by Nop so startup never
// depends on the cache.
func Open(ctx context.Context, url string, ttl time.Duration, logger *zap.Logger) (Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if url == "" {
		return Nop{}, nil
	}

	r, err := NewRedis(url, ttl)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.Ping(pingCtx); err != nil {
		logger.Warn("redis unavailable, snapshot cache disabled", zap.Error(err))
		_ = r.Close()
		return Nop{}, nil
	}

	logger.Info("redis snapshot cache enabled", zap.Duration("ttl", ttl))
	return r, nil
}
