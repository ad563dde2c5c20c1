package ranker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

// DefaultScoreTTL bounds how long a cached noise score is reused.
const DefaultScoreTTL = 5 * time.Minute

// ScoreCache stores noise scores by key with a TTL.
type ScoreCache interface {
	Get(ctx context.Context, key string) (float64, bool, error)
	Set(ctx context.Context, key string, score float64, ttl time.Duration) error
}

// RedisScoreCache keeps scores in Redis so every replica shares them.
type RedisScoreCache struct {
	redis *redis.Client
}

func NewRedisScoreCache(rdb *redis.Client) *RedisScoreCache {
	return &RedisScoreCache{redis: rdb}
}

func (c *RedisScoreCache) Get(ctx context.Context, key string) (float64, bool, error) {
	raw, err := c.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, model.Retryable("score cache get", err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("score cache entry %s: %w", key, err)
	}
	return v, true, nil
}

func (c *RedisScoreCache) Set(ctx context.Context, key string, score float64, ttl time.Duration) error {
	if err := c.redis.Set(ctx, key, strconv.FormatFloat(score, 'g', -1, 64), ttl).Err(); err != nil {
		return model.Retryable("score cache set", err)
	}
	return nil
}

// LRUScoreCache is the in-process fallback. Its TTL is fixed at
// construction; the ttl argument to Set is ignored.
type LRUScoreCache struct {
	lru *expirable.LRU[string, float64]
}

func NewLRUScoreCache(size int, ttl time.Duration) *LRUScoreCache {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = DefaultScoreTTL
	}
	return &LRUScoreCache{lru: expirable.NewLRU[string, float64](size, nil, ttl)}
}

func (c *LRUScoreCache) Get(_ context.Context, key string) (float64, bool, error) {
	v, ok := c.lru.Get(key)
	return v, ok, nil
}

func (c *LRUScoreCache) Set(_ context.Context, key string, score float64, _ time.Duration) error {
	c.lru.Add(key, score)
	return nil
}

func (c *LRUScoreCache) Len() int { return c.lru.Len() }
