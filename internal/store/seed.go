package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nulpointcorp/llm-relay/internal/registry"
)

// SeedUser is a User plus an optional raw key. Raw keys exist only in seed
// files for development; they are hashed at load and never stored.
type SeedUser struct {
	User
	APIKey string `json:"api_key,omitempty"`
}

// Seed is the boot fixture format: tenants, provider families, and key slots
// in one JSON document.
type Seed struct {
	Users        []SeedUser              `json:"users"`
	Providers    []*registry.Provider    `json:"providers"`
	SubProviders []*registry.SubProvider `json:"sub_providers"`
}

// ReadSeed loads and validates a seed file, hashing any raw API keys.
func ReadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: read seed: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("store: decode seed %s: %w", path, err)
	}

	for i := range seed.Users {
		u := &seed.Users[i]
		if u.ID == "" {
			return nil, fmt.Errorf("store: seed user %d has no id", i)
		}
		if u.APIKey != "" {
			u.APIKeyHash = HashAPIKey(u.APIKey)
			u.APIKey = ""
		}
	}
	for i, p := range seed.Providers {
		if p.ID == "" || p.Name == "" {
			return nil, fmt.Errorf("store: seed provider %d needs id and name", i)
		}
	}
	for i, s := range seed.SubProviders {
		if s.ID == "" || s.ProviderID == "" {
			return nil, fmt.Errorf("store: seed sub-provider %d needs id and provider_id", i)
		}
	}
	return &seed, nil
}

// Apply writes the seed into the stores.
func (s *Seed) Apply(ctx context.Context, users UserStore, provs ProviderStore, subs SubProviderStore) error {
	for i := range s.Users {
		if err := users.UpsertUser(ctx, &s.Users[i].User); err != nil {
			return err
		}
	}
	for _, p := range s.Providers {
		if err := provs.UpsertProvider(ctx, p); err != nil {
			return err
		}
	}
	for _, sub := range s.SubProviders {
		if err := subs.UpsertSubProvider(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}
