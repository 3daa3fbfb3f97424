package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisKey is the key holding the model cache.
	DefaultRedisKey = "chatgateway:models"

	// DefaultRedisTTL lets stale catalogs expire when no instance refreshes them.
	DefaultRedisTTL = 24 * time.Hour
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection URL
	URL string
	Key string
	TTL time.Duration
}

// RedisCache shares the model cache between gateway instances.
type RedisCache struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := NewRedisCacheWithClient(client, cfg.Key, cfg.TTL)
	slog.Info("redis model cache connected", "key", c.key, "ttl", c.ttl)
	return c, nil
}

// NewRedisCacheWithClient wraps an existing client. Empty key and zero ttl take defaults.
func NewRedisCacheWithClient(client redis.UniversalClient, key string, ttl time.Duration) *RedisCache {
	if key == "" {
		key = DefaultRedisKey
	}
	if ttl == 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisCache{client: client, key: key, ttl: ttl}
}

// Get fetches and decodes the cache value.
func (c *RedisCache) Get(ctx context.Context) (*ModelCache, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cache from redis: %w", err)
	}

	var mc ModelCache
	if err := json.Unmarshal(data, &mc); err != nil {
		return nil, fmt.Errorf("failed to parse cache from redis: %w", err)
	}
	return &mc, nil
}

// Set stores the cache value with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, mc *ModelCache) error {
	data, err := json.Marshal(mc)
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}
	if err := c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache in redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
