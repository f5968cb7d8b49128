package audit

import (
	"context"
	"sort"
	"sync"

	"veritas/pkg/platform/sentinel"
)

// MemoryStore keeps records in memory, ordered by sequence. It backs local
// development and the bulk of the test suite; production uses PostgresStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*AuditRecord
	byID    map[string]*AuditRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*AuditRecord)}
}

func (s *MemoryStore) Append(_ context.Context, record *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[record.ID]; exists {
		return sentinel.ErrConflict
	}
	cp := *record
	s.records = append(s.records, &cp)
	s.byID[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) GetBySequence(_ context.Context, seq int64) (*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.Sequence == seq {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *MemoryStore) Head(_ context.Context) (*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return nil, nil
	}
	cp := *s.records[len(s.records)-1]
	return &cp, nil
}

func (s *MemoryStore) Query(_ context.Context, filter Filter) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*AuditRecord
	for _, rec := range s.records {
		if matchesFilter(rec, filter) {
			cp := *rec
			matched = append(matched, &cp)
		}
	}

	// Most recent first, as the read-back API promises.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) ListBySequence(_ context.Context, from, to int64) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditRecord
	for _, rec := range s.records {
		if rec.Sequence < from {
			continue
		}
		if to > 0 && rec.Sequence > to {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CountMatching(_ context.Context, filter PurgeFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, rec := range s.records {
		if matchesPurge(rec, filter) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteMatching(_ context.Context, filter PurgeFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*AuditRecord
	var deleted int64
	for _, rec := range s.records {
		if matchesPurge(rec, filter) {
			delete(s.byID, rec.ID)
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return deleted, nil
}

// Tamper mutates a stored record in place, bypassing the append path. Tests
// use it to simulate out-of-band storage edits; production code has no
// business calling it.
func (s *MemoryStore) Tamper(id string, mutate func(*AuditRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return false
	}
	mutate(rec)
	return true
}

func matchesFilter(rec *AuditRecord, f Filter) bool {
	if f.From != nil && rec.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && !rec.Timestamp.Before(*f.To) {
		return false
	}
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, rec.EventType) {
		return false
	}
	if len(f.Severities) > 0 {
		found := false
		for _, sev := range f.Severities {
			if rec.Severity == sev {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ActorID != "" && rec.Actor.ID != f.ActorID {
		return false
	}
	if f.Framework != "" && !containsString(rec.Compliance.Frameworks, f.Framework) {
		return false
	}
	return true
}

func matchesPurge(rec *AuditRecord, f PurgeFilter) bool {
	if !rec.Timestamp.Before(f.Before) {
		return false
	}
	if len(f.Frameworks) > 0 && !intersects(f.Frameworks, rec.Compliance.Frameworks) {
		return false
	}
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, rec.EventType) {
		return false
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, s := range a {
		if containsString(b, s) {
			return true
		}
	}
	return false
}
