package snooze

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memRecord struct {
	rec     Record
	expires time.Time
}

type memHash struct {
	hash    string
	expires time.Time
}

// MemoryStore is a single-process Store used when Redis is not configured
// and in tests. Expiry is evaluated lazily against its clock.
type MemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	records map[string]memRecord
	hashes  map[string]memHash
	audits  map[string][]AuditEntry
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		records: map[string]memRecord{},
		hashes:  map[string]memHash{},
		audits:  map[string][]AuditEntry{},
	}
}

// live must be called with mu held.
func (m *MemoryStore) live(alertID string) (memRecord, bool) {
	r, ok := m.records[alertID]
	if !ok {
		return r, false
	}
	if !m.now().Before(r.expires) {
		delete(m.records, alertID)
		return r, false
	}
	return r, true
}

func (m *MemoryStore) Create(_ context.Context, rec *Record, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(rec.AlertID); ok {
		return false, nil
	}
	m.records[rec.AlertID] = memRecord{rec: *rec, expires: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryStore) Put(_ context.Context, rec *Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.AlertID] = memRecord{rec: *rec, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, alertID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.live(alertID)
	if !ok {
		return nil, nil
	}
	rec := r.rec
	return &rec, nil
}

func (m *MemoryStore) Remaining(_ context.Context, alertID string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.live(alertID)
	if !ok {
		return 0, false, nil
	}
	return r.expires.Sub(m.now()), true, nil
}

func (m *MemoryStore) Take(_ context.Context, alertID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.live(alertID)
	if !ok {
		return nil, nil
	}
	delete(m.records, alertID)
	rec := r.rec
	return &rec, nil
}

func (m *MemoryStore) ActiveIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		if _, ok := m.live(id); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) SetHash(_ context.Context, alertID, hash string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[alertID] = memHash{hash: hash, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Hash(_ context.Context, alertID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[alertID]
	if !ok || !m.now().Before(h.expires) {
		delete(m.hashes, alertID)
		return "", false, nil
	}
	return h.hash, true, nil
}

func (m *MemoryStore) DeleteHash(_ context.Context, alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes, alertID)
	return nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, e AuditEntry, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits[e.AlertID] = append(m.audits[e.AlertID], e)
	return nil
}

func (m *MemoryStore) Audit(_ context.Context, alertID string, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.audits[alertID]
	out := make([]AuditEntry, 0, min(limit, len(src)))
	for i := len(src) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

func (m *MemoryStore) PruneAudit(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, entries := range m.audits {
		kept := entries[:0]
		for _, e := range entries {
			if e.Timestamp.Before(before) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(m.audits, id)
		} else {
			m.audits[id] = kept
		}
	}
	return removed, nil
}
