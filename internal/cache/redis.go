package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/mediafetch/mediafetch/internal/errors"
	"github.com/mediafetch/mediafetch/internal/logger"
)

const keyPrefix = "mediafetch:meta:"

// RedisStore is the shared metadata tier. Keys are hashed canonical URLs.
type RedisStore struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisStore wraps an existing client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, log: logger.Default().WithComponent("cache")}
}

// Connect parses a redis:// URL and verifies the server answers
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func storeKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Get reads a value; ok is false on a miss
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := apperrors.RetryWithResult(ctx, apperrors.CacheRetryConfig(), func(ctx context.Context) ([]byte, error) {
		return s.client.Get(ctx, storeKey(key)).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		s.log.Debug(ctx, "[CACHE MISS]", map[string]interface{}{"key": key})
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.log.Debug(ctx, "[CACHE HIT]", map[string]interface{}{"key": key})
	return val, true, nil
}

// Set stores value with ttl
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, storeKey(key), value, ttl).Err(); err != nil {
		return err
	}
	s.log.Debug(ctx, "[CACHE SET]", map[string]interface{}{"key": key, "ttl": ttl.String()})
	return nil
}
