package retention

import (
	"context"
	"sort"
	"sync"
	"time"

	"veritas/pkg/platform/sentinel"
)

// MemoryStore keeps policies in memory for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*RetentionPolicy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*RetentionPolicy)}
}

func (s *MemoryStore) Create(_ context.Context, policy *RetentionPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.policies[policy.ID]; exists {
		return sentinel.ErrConflict
	}
	cp := *policy
	s.policies[policy.ID] = &cp
	return nil
}

func (s *MemoryStore) Update(_ context.Context, policy *RetentionPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.policies[policy.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	cp := *policy
	cp.LastExecutedAt = existing.LastExecutedAt // execution history survives edits
	s.policies[policy.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.policies, id)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*RetentionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	policy, ok := s.policies[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *policy
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*RetentionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RetentionPolicy, 0, len(s.policies))
	for _, policy := range s.policies {
		cp := *policy
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) MarkExecuted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	policy, ok := s.policies[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	t := at
	policy.LastExecutedAt = &t
	return nil
}
