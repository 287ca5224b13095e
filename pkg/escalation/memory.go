package escalation

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu        sync.Mutex
	byID      map[string]Record
	byRequest map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]Record{}, byRequest: map[string]string{}}
}

func (m *MemoryStore) Create(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byRequest[rec.RequestID]; ok {
		return m.byID[id], nil
	}
	m.byID[rec.ID] = rec
	m.byRequest[rec.RequestID] = rec.ID
	return rec, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) GetByRequest(_ context.Context, requestID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRequest[requestID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return m.byID[id], nil
}

func (m *MemoryStore) Update(_ context.Context, rec Record, expected int) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[rec.ID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if cur.Version != expected {
		return Record{}, ErrVersionConflict
	}
	rec.Version = expected + 1
	m.byID[rec.ID] = rec
	return rec, nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.byID {
		if _, ok := rec.State.(Pending); ok && IsExpired(now, rec.ExpiresAt) {
			out = append(out, rec)
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) List(_ context.Context, status string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.byID {
		if status == "" || rec.Status() == status {
			out = append(out, rec)
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByCreated(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
