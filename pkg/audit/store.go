package audit

import (
	"context"
	"sync"
	"time"
)

// Tip is the chain head. Hash is empty for an empty chain.
type Tip struct {
	Seq        int64     `json:"seq"`
	Hash       string    `json:"hash"`
	Timestamp  time.Time `json:"timestamp"`
	Halted     bool      `json:"halted"`
	HaltReason string    `json:"halt_reason,omitempty"`
}

// Store persists entries and the tip. Append must store e and move the tip
// to e only if the current tip hash equals expected (and the chain is not
// halted), returning ErrTipMoved otherwise.
type Store interface {
	Tip(ctx context.Context) (Tip, error)
	Append(ctx context.Context, expected string, e Entry) error
	Get(ctx context.Context, seq int64) (Entry, error)
	GetByID(ctx context.Context, id string) (Entry, error)
	// List returns up to limit entries with seq > after in seq order.
	List(ctx context.Context, after int64, limit int) ([]Entry, error)
	SetRedacted(ctx context.Context, id string) error
	SetHalt(ctx context.Context, halted bool, reason string) error
}

type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	byID    map[string]int
	tip     Tip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]int{}}
}

func (m *MemoryStore) Tip(_ context.Context) (Tip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tip, nil
}

func (m *MemoryStore) Append(_ context.Context, expected string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tip.Halted || m.tip.Hash != expected || e.Seq != m.tip.Seq+1 {
		return ErrTipMoved
	}
	m.byID[e.ID] = len(m.entries)
	m.entries = append(m.entries, e)
	m.tip.Seq = e.Seq
	m.tip.Hash = e.EntryHash
	m.tip.Timestamp = e.Timestamp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, seq int64) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq < 1 || seq > int64(len(m.entries)) {
		return Entry{}, ErrNotFound
	}
	return m.entries[seq-1], nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return m.entries[i], nil
}

func (m *MemoryStore) List(_ context.Context, after int64, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if after < 0 {
		after = 0
	}
	if after >= int64(len(m.entries)) {
		return nil, nil
	}
	end := int64(len(m.entries))
	if limit > 0 && after+int64(limit) < end {
		end = after + int64(limit)
	}
	return append([]Entry(nil), m.entries[after:end]...), nil
}

func (m *MemoryStore) SetRedacted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	m.entries[i].Redacted = true
	return nil
}

func (m *MemoryStore) SetHalt(_ context.Context, halted bool, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tip.Halted = halted
	m.tip.HaltReason = reason
	return nil
}

// tamper rewrites a stored entry in place. Tests use it to simulate
// out-of-band modification.
func (m *MemoryStore) tamper(seq int64, fn func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.entries[seq-1])
}
