package mutationlog

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Locks are per fingerprint.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	locks   map[string]*fpLock
	token   int64
}

type fpLock struct {
	ch   chan struct{}
	refs int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]Entry{}, locks: map[string]*fpLock{}}
}

func (s *MemoryStore) Lock(ctx context.Context, fp string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[fp]
	if !ok {
		l = &fpLock{ch: make(chan struct{}, 1)}
		s.locks[fp] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		s.release(fp, l)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			s.release(fp, l)
		})
	}, nil
}

func (s *MemoryStore) release(fp string, l *fpLock) {
	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, fp)
	}
	s.mu.Unlock()
}

func (s *MemoryStore) Lookup(_ context.Context, fp string, now time.Time) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[fp]
	if !ok || !now.Before(e.ExpiresAt) {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) Record(_ context.Context, e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token++
	e.CommitToken = s.token
	s.entries[e.Fingerprint] = e
	return e, nil
}

func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for fp, e := range s.entries {
		if !e.ExpiresAt.After(before) {
			delete(s.entries, fp)
			n++
		}
	}
	return n, nil
}
