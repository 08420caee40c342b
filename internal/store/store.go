// Package store defines the persistence seams for tenants, provider
// configuration, and key slots, with in-memory and Redis-backed
// implementations. API keys are stored hashed; lookups hash the presented
// key and never touch the raw value.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/nulpointcorp/llm-relay/internal/registry"
)

// ErrNotFound reports a missing record.
var ErrNotFound = errors.New("store: not found")

// User is one tenant record.
type User struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	APIKeyHash        string   `json:"api_key_hash"`
	Enabled           bool     `json:"enabled"`
	Credits           int64    `json:"credits"`
	AllowedModels     []string `json:"allowed_models,omitempty"`
	RequestsPerMinute int      `json:"requests_per_minute,omitempty"`
	Admin             bool     `json:"admin,omitempty"`
}

// AllowsModel reports whether the plan permits the model. An empty list
// permits everything.
func (u *User) AllowsModel(model string) bool {
	if len(u.AllowedModels) == 0 {
		return true
	}
	for _, m := range u.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// HashAPIKey returns the hex SHA-256 of a raw API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// UserStore persists tenants.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*User, error)
	// GetByAPIKey resolves a raw presented key via its hash.
	GetByAPIKey(ctx context.Context, apiKey string) (*User, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	// DecrementCredits debits n atomically; false means the balance was
	// insufficient and nothing was debited.
	DecrementCredits(ctx context.Context, id string, n int64) (bool, error)
	UpsertUser(ctx context.Context, u *User) error
}

// ProviderStore persists provider families and feeds the registry at boot.
type ProviderStore interface {
	registry.ProviderSource
	UpsertProvider(ctx context.Context, p *registry.Provider) error
}

// SubProviderStore persists key slots and feeds the registry at boot.
type SubProviderStore interface {
	registry.SubProviderSource
	UpsertSubProvider(ctx context.Context, s *registry.SubProvider) error
}
