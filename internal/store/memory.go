package store

import (
	"context"
	"sync"

	"github.com/nulpointcorp/llm-relay/internal/registry"
)

// Memory is the in-process store used for tests and single-node deployments
// without Redis.
type Memory struct {
	mu     sync.RWMutex
	users  map[string]*User
	byHash map[string]string // api key hash -> user id
	provs  map[string]*registry.Provider
	subs   map[string]*registry.SubProvider
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:  make(map[string]*User),
		byHash: make(map[string]string),
		provs:  make(map[string]*registry.Provider),
		subs:   make(map[string]*registry.SubProvider),
	}
}

func (m *Memory) GetByID(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	hash := HashAPIKey(apiKey)
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *Memory) SetEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Enabled = enabled
	return nil
}

func (m *Memory) DecrementCredits(ctx context.Context, id string, n int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return false, ErrNotFound
	}
	if u.Credits < n {
		return false, nil
	}
	u.Credits -= n
	return true, nil
}

func (m *Memory) UpsertUser(ctx context.Context, u *User) error {
	cp := *u
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.users[cp.ID]; ok && old.APIKeyHash != cp.APIKeyHash {
		delete(m.byHash, old.APIKeyHash)
	}
	m.users[cp.ID] = &cp
	if cp.APIKeyHash != "" {
		m.byHash[cp.APIKeyHash] = cp.ID
	}
	return nil
}

func (m *Memory) ListProviders(ctx context.Context) ([]*registry.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*registry.Provider, 0, len(m.provs))
	for _, p := range m.provs {
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) UpsertProvider(ctx context.Context, p *registry.Provider) error {
	m.mu.Lock()
	m.provs[p.ID] = p
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListSubProviders(ctx context.Context) ([]*registry.SubProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*registry.SubProvider, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) UpsertSubProvider(ctx context.Context, s *registry.SubProvider) error {
	m.mu.Lock()
	m.subs[s.ID] = s
	m.mu.Unlock()
	return nil
}
