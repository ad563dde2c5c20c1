package grouping

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/alertiq/internal/alerting/model"
	"github.com/qiniu/alertiq/internal/alerting/service/ruleset"
	"github.com/qiniu/alertiq/internal/metrics"
)

// DefaultMergeSuggestionThreshold is the similarity above which two groups
// are reported as merge candidates.
const DefaultMergeSuggestionThreshold = 0.85

const shardCount = 64

// Group is a set of related alerts. Threshold and window are fixed when the
// group is opened.
type Group struct {
	ID                  string        `json:"id"`
	Key                 string        `json:"group_key"`
	Rule                string        `json:"rule,omitempty"`
	Members             []string      `json:"member_alert_ids"`
	RepresentativeID    string        `json:"representative_alert_id"`
	Representative      *model.Alert  `json:"-"`
	AlertCount          int           `json:"alert_count"`
	FirstSeen           time.Time     `json:"first_seen"`
	LastSeen            time.Time     `json:"last_seen"`
	SimilarityThreshold float64       `json:"similarity_threshold"`
	TimeWindow          time.Duration `json:"time_window"`
}

func (g *Group) clone() Group {
	c := *g
	c.Members = slices.Clone(g.Members)
	return c
}

// Expired reports whether the group has been idle longer than its window.
func (g *Group) Expired(now time.Time) bool {
	return now.Sub(g.LastSeen) > g.TimeWindow
}

func (g *Group) accepts(at time.Time) bool {
	d := at.Sub(g.LastSeen)
	if d < 0 {
		d = -d
	}
	return d <= g.TimeWindow
}

// RuleSource decides the key, threshold and window for an alert.
type RuleSource interface {
	Evaluate(a *model.Alert) ruleset.Evaluation
}

type Config struct {
	Weights                  Weights `yaml:"weights"`
	MergeSuggestionThreshold float64 `yaml:"merge_suggestion_threshold"`
}

type shard struct {
	mu    sync.Mutex
	byKey map[string][]*Group
}

// Service holds the open groups. Groups are partitioned by key into shards;
// create-or-merge for one key runs entirely under its shard lock.
type Service struct {
	rules      RuleSource
	weights    Weights
	mergeBound float64
	now        func() time.Time
	shards     [shardCount]shard
	open       atomic.Int64
	scratch    bool // batch grouping; stays out of the metrics
}

func NewService(rules RuleSource, cfg Config) *Service {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.MergeSuggestionThreshold <= 0 {
		cfg.MergeSuggestionThreshold = DefaultMergeSuggestionThreshold
	}
	s := &Service{rules: rules, weights: cfg.Weights, mergeBound: cfg.MergeSuggestionThreshold, now: time.Now}
	for i := range s.shards {
		s.shards[i].byKey = map[string][]*Group{}
	}
	return s
}

func (s *Service) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)%shardCount]
}

// Similarity scores two alerts with the service's weights.
func (s *Service) Similarity(a, b *model.Alert) float64 { return s.weights.Similarity(a, b) }

// Assignment is the result of Assign.
type Assignment struct {
	Group      Group   `json:"group"`
	Merged     bool    `json:"merged"`
	Similarity float64 `json:"similarity"`
}

// Assign merges a into the most similar open group for its key, or opens a
// new group. Among equally similar groups the most recently active wins.
// A cancelled context leaves every group unchanged.
func (s *Service) Assign(ctx context.Context, a *model.Alert) (Assignment, error) {
	if err := ctx.Err(); err != nil {
		return Assignment{}, err
	}
	ev := s.rules.Evaluate(a)
	at := a.FiredAt
	if at.IsZero() {
		at = s.now()
	}

	sh := s.shardFor(ev.GroupKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Assignment{}, err
	}

	var best *Group
	bestSim := -1.0
	for _, g := range sh.byKey[ev.GroupKey] {
		if !g.accepts(at) {
			continue
		}
		sim := s.weights.Similarity(a, g.Representative)
		if sim < g.SimilarityThreshold {
			continue
		}
		if sim > bestSim || (sim == bestSim && g.LastSeen.After(best.LastSeen)) {
			best, bestSim = g, sim
		}
	}

	if best != nil {
		best.AlertCount++
		if at.After(best.LastSeen) {
			best.LastSeen = at
		}
		if at.Before(best.FirstSeen) {
			best.FirstSeen = at
		}
		if a.ID != "" && !slices.Contains(best.Members, a.ID) {
			best.Members = append(best.Members, a.ID)
		}
		if !s.scratch {
			metrics.GroupsMergedTotal.Inc()
		}
		return Assignment{Group: best.clone(), Merged: true, Similarity: bestSim}, nil
	}

	g := &Group{
		ID:                  uuid.NewString(),
		Key:                 ev.GroupKey,
		Rule:                ev.MatchingRule,
		RepresentativeID:    a.ID,
		Representative:      a,
		AlertCount:          1,
		FirstSeen:           at,
		LastSeen:            at,
		SimilarityThreshold: ev.SimilarityThreshold,
		TimeWindow:          ev.TimeWindow,
	}
	if a.ID != "" {
		g.Members = []string{a.ID}
	}
	sh.byKey[ev.GroupKey] = append(sh.byKey[ev.GroupKey], g)
	open := s.open.Add(1)
	if s.scratch {
		return Assignment{Group: g.clone(), Similarity: 1}, nil
	}
	metrics.GroupsOpenedTotal.Inc()
	metrics.OpenGroups.Set(float64(open))
	log.Debug().Str("group_id", g.ID).Str("group_key", g.Key).Str("alert_id", a.ID).Str("rule", g.Rule).Msg("alert group opened")
	return Assignment{Group: g.clone(), Similarity: 1}, nil
}

// Expire closes groups idle past their window and returns them.
func (s *Service) Expire(now time.Time) []Group {
	var closed []Group
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, groups := range sh.byKey {
			kept := groups[:0]
			for _, g := range groups {
				if g.Expired(now) {
					closed = append(closed, g.clone())
					continue
				}
				kept = append(kept, g)
			}
			if len(kept) == 0 {
				delete(sh.byKey, key)
			} else {
				clear(groups[len(kept):])
				sh.byKey[key] = kept
			}
		}
		sh.mu.Unlock()
	}
	if len(closed) > 0 && !s.scratch {
		metrics.OpenGroups.Set(float64(s.open.Add(-int64(len(closed)))))
		log.Info().Int("closed", len(closed)).Msg("expired alert groups")
	}
	return closed
}

// Snapshot copies the open groups ordered by first_seen.
func (s *Service) Snapshot() []Group {
	var out []Group
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, groups := range sh.byKey {
			for _, g := range groups {
				out = append(out, g.clone())
			}
		}
		sh.mu.Unlock()
	}
	sortGroups(out)
	return out
}

// Get returns the open group with the given id.
func (s *Service) Get(id string) (Group, bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, groups := range sh.byKey {
			for _, g := range groups {
				if g.ID == id {
					c := g.clone()
					sh.mu.Unlock()
					return c, true
				}
			}
		}
		sh.mu.Unlock()
	}
	return Group{}, false
}

func sortGroups(gs []Group) {
	sort.SliceStable(gs, func(i, j int) bool {
		if !gs[i].FirstSeen.Equal(gs[j].FirstSeen) {
			return gs[i].FirstSeen.Before(gs[j].FirstSeen)
		}
		return gs[i].ID < gs[j].ID
	})
}

// Group clusters a batch of alerts in fired_at order without touching the
// service's open groups.
func (s *Service) Group(ctx context.Context, alerts []*model.Alert) ([]Group, error) {
	batch := NewService(s.rules, Config{Weights: s.weights, MergeSuggestionThreshold: s.mergeBound})
	batch.now = s.now
	batch.scratch = true
	sorted := slices.Clone(alerts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].FiredAt.Before(sorted[j].FiredAt) })
	for _, a := range sorted {
		if _, err := batch.Assign(ctx, a); err != nil {
			return nil, err
		}
	}
	return batch.Snapshot(), nil
}

// MergeSuggestion is a pair of groups whose representatives are similar
// enough that an operator may want to merge them.
type MergeSuggestion struct {
	A          string  `json:"group_a"`
	B          string  `json:"group_b"`
	Similarity float64 `json:"similarity"`
}

// SuggestMerges compares every pair of groups by their representative
// alerts and reports pairs scoring above the merge bound. It never mutates
// the groups.
func (s *Service) SuggestMerges(groups []Group) []MergeSuggestion {
	var out []MergeSuggestion
	for i := range groups {
		for j := i + 1; j < len(groups); j++ {
			sim := s.groupSimilarity(&groups[i], &groups[j])
			if sim > s.mergeBound {
				out = append(out, MergeSuggestion{A: groups[i].ID, B: groups[j].ID, Similarity: sim})
			}
		}
	}
	return out
}

func (s *Service) groupSimilarity(a, b *Group) float64 {
	if a.Representative != nil && b.Representative != nil {
		return s.weights.Similarity(a.Representative, b.Representative)
	}
	return NameSimilarity(a.Key, b.Key)
}
