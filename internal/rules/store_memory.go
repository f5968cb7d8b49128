package rules

import (
	"context"
	"sort"
	"sync"
	"time"

	"veritas/pkg/platform/sentinel"
)

// MemoryStore keeps rules in memory for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*AlertRule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]*AlertRule)}
}

func (s *MemoryStore) Create(_ context.Context, rule *AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[rule.ID]; exists {
		return sentinel.ErrConflict
	}
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func (s *MemoryStore) Update(_ context.Context, rule *AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[rule.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	cp := *rule
	cp.Statistics = existing.Statistics // statistics survive edits
	s.rules[rule.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *rule
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AlertRule, 0, len(s.rules))
	for _, rule := range s.rules {
		cp := *rule
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*AlertRule, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, rule := range all {
		if rule.IsActive {
			active = append(active, rule)
		}
	}
	return active, nil
}

func (s *MemoryStore) RecordTrigger(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	rule.Statistics.TotalTriggers++
	t := at
	rule.Statistics.LastTriggered = &t
	return nil
}
