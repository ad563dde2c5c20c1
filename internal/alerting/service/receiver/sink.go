package receiver

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qiniu/alertiq/internal/alerting/model"
)

var ErrBackpressure = errors.New("alert queue is full")

// Sink accepts alerts for processing.
type Sink interface {
	Submit(ctx context.Context, a *model.Alert) error
}

// ChannelSink hands alerts to the pipeline pool.
type ChannelSink struct {
	ch chan<- *model.Alert
}

func NewChannelSink(ch chan<- *model.Alert) *ChannelSink { return &ChannelSink{ch: ch} }

// Submit blocks until the alert is queued or ctx ends.
func (s *ChannelSink) Submit(ctx context.Context, a *model.Alert) error {
	select {
	case s.ch <- a:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrBackpressure, ctx.Err())
	}
}

// Marker claims an idempotency key across receiver replicas. It returns
// false when another replica already claimed it.
type Marker interface {
	TryMark(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type NoopMarker struct{}

func (NoopMarker) TryMark(context.Context, string, time.Duration) (bool, error) { return true, nil }

type RedisMarker struct {
	redis  *redis.Client
	prefix string
}

func NewRedisMarker(rdb *redis.Client) *RedisMarker {
	return &RedisMarker{redis: rdb, prefix: "alertiq:ingest:"}
}

func (m *RedisMarker) TryMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return m.redis.SetNX(ctx, m.prefix+key, 1, ttl).Result()
}
