package usecase

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/cancer-check/internal/logging"
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// ErrCacheMiss is returned by Cache implementations for absent keys.
var ErrCacheMiss = errors.New("cache miss")

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis, mapping redis.Nil to ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return value, err
}

func scoreCacheKey(digest string) string {
	return "score:" + digest
}

// cachedScore never fails the request: cache problems degrade to a miss.
func (uc *PredictionUseCase) cachedScore(ctx context.Context, requestID, key string) (float32, bool) {
	opLogger := logging.WithOperation(uc.logger, "cache.get.score", requestID)

	raw, err := uc.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			opLogger.Warn("failed to read score cache", zap.Error(err))
		}
		return 0, false
	}

	parsed, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		opLogger.Warn("failed to decode cached score", zap.String("value", raw), zap.Error(err))
		return 0, false
	}
	score, err := FirstScore([]float32{float32(parsed)})
	if err != nil {
		opLogger.Warn("discarding cached score", zap.Error(err))
		return 0, false
	}
	opLogger.Debug("score cache hit")
	return score, true
}

func (uc *PredictionUseCase) storeScore(ctx context.Context, requestID, key string, score float32) {
	value := strconv.FormatFloat(float64(score), 'g', -1, 32)
	if err := uc.cache.Set(ctx, key, value, uc.cacheTTL); err != nil {
		logging.WithOperation(uc.logger, "cache.set.score", requestID).Warn("failed to write score cache", zap.Error(err))
	}
}
