package snooze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every snooze key.
const DefaultKeyPrefix = "alertiq:snooze:"

// RedisStore keeps live records as plain keys with a TTL, so an expired
// snooze vanishes without a cleanup pass. Audit entries live in one sorted
// set per alert scored by timestamp.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{redis: rdb, prefix: prefix}
}

func (s *RedisStore) recordKey(alertID string) string { return s.prefix + "rec:" + alertID }
func (s *RedisStore) hashKey(alertID string) string { return s.prefix + "hash:" + alertID }
func (s *RedisStore) auditKey(alertID string) string { return s.prefix + "audit:" + alertID }

func (s *RedisStore) Create(ctx context.Context, rec *Record, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to marshal snooze record: %w", err)
	}
	ok, err := s.redis.SetNX(ctx, s.recordKey(rec.AlertID), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to create snooze record: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Put(ctx context.Context, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal snooze record: %w", err)
	}
	if err := s.redis.Set(ctx, s.recordKey(rec.AlertID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store snooze record: %w", err)
	}
	return nil
}

func decodeRecord(raw string, err error) (*Record, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snooze record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Get(ctx context.Context, alertID string) (*Record, error) {
	return decodeRecord(s.redis.Get(ctx, s.recordKey(alertID)).Result())
}

func (s *RedisStore) Take(ctx context.Context, alertID string) (*Record, error) {
	return decodeRecord(s.redis.GetDel(ctx, s.recordKey(alertID)).Result())
}

func (s *RedisStore) Remaining(ctx context.Context, alertID string) (time.Duration, bool, error) {
	d, err := s.redis.PTTL(ctx, s.recordKey(alertID)).Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read snooze ttl: %w", err)
	}
	// Negative values mean missing key or no expiry.
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (s *RedisStore) ActiveIDs(ctx context.Context) ([]string, error) {
	prefix := s.recordKey("")
	var ids []string
	iter := s.redis.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan snooze records: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) SetHash(ctx context.Context, alertID, hash string, ttl time.Duration) error {
	return s.redis.Set(ctx, s.hashKey(alertID), hash, ttl).Err()
}

func (s *RedisStore) Hash(ctx context.Context, alertID string) (string, bool, error) {
	h, err := s.redis.Get(ctx, s.hashKey(alertID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return h, true, nil
}

func (s *RedisStore) DeleteHash(ctx context.Context, alertID string) error {
	return s.redis.Del(ctx, s.hashKey(alertID)).Err()
}

func (s *RedisStore) AppendAudit(ctx context.Context, e AuditEntry, retention time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	key := s.auditKey(e.AlertID)
	_, err = s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(e.Timestamp.UnixMicro()), Member: data})
		if retention > 0 {
			p.Expire(ctx, key, retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Audit(ctx context.Context, alertID string, limit int) ([]AuditEntry, error) {
	raw, err := s.redis.ZRevRange(ctx, s.auditKey(alertID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}
	out := make([]AuditEntry, 0, len(raw))
	for _, r := range raw {
		var e AuditEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) PruneAudit(ctx context.Context, before time.Time) (int, error) {
	bound := "(" + strconv.FormatInt(before.UnixMicro(), 10)
	removed := 0
	iter := s.redis.Scan(ctx, 0, s.auditKey("")+"*", 200).Iterator()
	for iter.Next(ctx) {
		n, err := s.redis.ZRemRangeByScore(ctx, iter.Val(), "-inf", bound).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to prune audit entries: %w", err)
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan audit entries: %w", err)
	}
	return removed, nil
}
