package progress

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. Suitable for single-node use and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Progress
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Progress)}
}

func (s *MemoryStore) Get(_ context.Context, courseID string) (*Progress, error) {
	if courseID == "" {
		return nil, ErrInvalidID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.records[courseID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (s *MemoryStore) Put(_ context.Context, courseID string, p *Progress) error {
	if courseID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[courseID] = clone(p)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, courseID string) error {
	if courseID == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, courseID)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// clone copies a record so callers cannot mutate stored state.
func clone(p *Progress) *Progress {
	cp := *p
	if p.CompletedChallengeIDs != nil {
		cp.CompletedChallengeIDs = append([]string(nil), p.CompletedChallengeIDs...)
	}
	return &cp
}
