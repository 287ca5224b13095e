package anchor

import (
	"context"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu      sync.RWMutex
	anchors map[string]Anchor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{anchors: map[string]Anchor{}}
}

func (s *MemoryStore) Create(_ context.Context, a Anchor) (Anchor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.anchors[a.CorrelationHash]; ok {
		return existing, false, nil
	}
	s.anchors[a.CorrelationHash] = a
	return a, true, nil
}

func (s *MemoryStore) Get(_ context.Context, hash string) (Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anchors[hash]
	if !ok {
		return Anchor{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) Update(_ context.Context, a Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.anchors[a.CorrelationHash]; !ok {
		return ErrNotFound
	}
	s.anchors[a.CorrelationHash] = a
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status string, limit int) ([]Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Anchor
	for _, a := range s.anchors {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
