package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces quota keys.
const DefaultRedisKeyPrefix = "chatgateway:quota"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL       string
	KeyPrefix string
}

// RedisStore keeps one key per (user, kind, window). Rollover needs no reset:
// a new window is a new key and old keys expire on their own.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
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

	s := NewRedisStoreWithClient(client, cfg.KeyPrefix)
	slog.Info("redis quota store connected", "prefix", s.prefix)
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. The store closes it on Close.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(userID string, w Window) string {
	return s.prefix + ":" + userID + ":" + string(w.Kind) + ":" + w.Start
}

// Increment applies INCRBY and EXPIREAT for every window in one MULTI/EXEC.
func (s *RedisStore) Increment(ctx context.Context, userID string, delta int64, windows ...Window) ([]int64, error) {
	incrs := make([]*redis.IntCmd, len(windows))

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, w := range windows {
			key := s.key(userID, w)
			incrs[i] = pipe.IncrBy(ctx, key, delta)
			pipe.ExpireAt(ctx, key, w.ExpiresAt)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to increment quota in redis: %w", err)
	}

	totals := make([]int64, len(windows))
	for i, cmd := range incrs {
		totals[i] = cmd.Val()
	}
	return totals, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, userID string, windows ...Window) ([]int64, error) {
	keys := make([]string, len(windows))
	for i, w := range windows {
		keys[i] = s.key(userID, w)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read quota from redis: %w", err)
	}

	used := make([]int64, len(windows))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid quota counter %s: %w", keys[i], err)
		}
		used[i] = n
	}
	return used, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
