package receiver

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultSeenSize = 10000
	defaultSeenTTL  = 10 * time.Minute
)

// BuildIdempotencyKey identifies one notification of one firing.
func BuildIdempotencyKey(a AMAlert) string {
	return strings.Join([]string{
		a.Fingerprint,
		strings.TrimSpace(a.Labels["alertname"]),
		strings.TrimSpace(a.Labels["service"]),
		strings.TrimSpace(a.Labels["service_version"]),
		a.StartsAt.UTC().Format(time.RFC3339Nano),
		strings.ToLower(a.Status),
	}, "|")
}

// SeenSet remembers recently accepted keys so Alertmanager retries and
// repeat notifications are dropped.
type SeenSet struct {
	lru *expirable.LRU[string, struct{}]
}

func NewSeenSet(size int, ttl time.Duration) *SeenSet {
	if size <= 0 {
		size = defaultSeenSize
	}
	if ttl <= 0 {
		ttl = defaultSeenTTL
	}
	return &SeenSet{lru: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (s *SeenSet) AlreadySeen(key string) bool { return s.lru.Contains(key) }

func (s *SeenSet) MarkSeen(key string) { s.lru.Add(key, struct{}{}) }

func (s *SeenSet) Len() int { return s.lru.Len() }
