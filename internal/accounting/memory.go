package accounting

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*Record)}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	cp := *rec
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	m.mu.Lock()
	m.recs[cp.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) StartProcessing(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return ErrNotFound
	}
	if Terminal(rec.Status) {
		return nil
	}
	rec.Status = StatusProcessing
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Complete(ctx context.Context, id string, out Outcome) error {
	return m.terminal(id, StatusCompleted, out)
}

func (m *MemoryStore) Fail(ctx context.Context, id string, out Outcome) error {
	return m.terminal(id, StatusFailed, out)
}

func (m *MemoryStore) Timeout(ctx context.Context, id string, out Outcome) error {
	return m.terminal(id, StatusTimeout, out)
}

// terminal applies the first terminal transition and ignores the rest.
func (m *MemoryStore) terminal(id, status string, out Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return ErrNotFound
	}
	if Terminal(rec.Status) {
		return nil
	}
	rec.Status = status
	rec.TokensUsed = out.TokensUsed
	rec.CreditsUsed = out.CreditsUsed
	rec.LatencyMs = out.LatencyMs
	rec.ResponseBytes = out.ResponseBytes
	rec.StatusCode = out.StatusCode
	rec.ErrorMessage = out.ErrorMessage
	rec.RetryCount = out.RetryCount
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}
