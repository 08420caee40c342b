package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/schema"
)

// Registry is the in-memory view of providers and sub-providers the balancer
// selects from. It is loaded from the stores at boot and updated by the admin
// surface; lookups are read-mostly.
type Registry struct {
	mu             sync.RWMutex
	providers      map[string]*Provider
	byName         map[string]*Provider
	subs           map[string]*SubProvider
	subsByProvider map[string][]*SubProvider
	loadedAt       time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		providers:      make(map[string]*Provider),
		byName:         make(map[string]*Provider),
		subs:           make(map[string]*SubProvider),
		subsByProvider: make(map[string][]*SubProvider),
		loadedAt:       time.Now(),
	}
}

// ProviderSource lists persisted providers (implemented by the stores).
type ProviderSource interface {
	ListProviders(ctx context.Context) ([]*Provider, error)
}

// SubProviderSource lists persisted sub-providers.
type SubProviderSource interface {
	ListSubProviders(ctx context.Context) ([]*SubProvider, error)
}

// Load replaces the registry content from the persistent stores.
func (r *Registry) Load(ctx context.Context, ps ProviderSource, ss SubProviderSource) error {
	provs, err := ps.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("registry: load providers: %w", err)
	}
	subs, err := ss.ListSubProviders(ctx)
	if err != nil {
		return fmt.Errorf("registry: load sub-providers: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers = make(map[string]*Provider, len(provs))
	r.byName = make(map[string]*Provider, len(provs))
	r.subs = make(map[string]*SubProvider, len(subs))
	r.subsByProvider = make(map[string][]*SubProvider, len(provs))
	for _, p := range provs {
		r.providers[p.ID] = p
		r.byName[p.Name] = p
	}
	for _, s := range subs {
		r.subs[s.ID] = s
		r.subsByProvider[s.ProviderID] = append(r.subsByProvider[s.ProviderID], s)
	}
	r.loadedAt = time.Now()
	return nil
}

// UpsertProvider adds or replaces one provider.
func (r *Registry) UpsertProvider(p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.providers[p.ID]; ok {
		delete(r.byName, old.Name)
	}
	r.providers[p.ID] = p
	r.byName[p.Name] = p
}

// UpsertSubProvider adds or replaces one sub-provider.
func (r *Registry) UpsertSubProvider(s *SubProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.subs[s.ID]; ok {
		list := r.subsByProvider[old.ProviderID]
		for i, sp := range list {
			if sp.ID == s.ID {
				r.subsByProvider[old.ProviderID] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	r.subs[s.ID] = s
	r.subsByProvider[s.ProviderID] = append(r.subsByProvider[s.ProviderID], s)
}

// Provider returns a provider by id.
func (r *Registry) Provider(id string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ProviderByName returns a provider by family name ("openai", …).
func (r *Registry) ProviderByName(name string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// SubProvider returns a sub-provider by id.
func (r *Registry) SubProvider(id string) (*SubProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subs[id]
	return s, ok
}

// ActiveProviders returns the enabled providers in stable name order.
func (r *Registry) ActiveProviders() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SubProvidersOf returns the sub-providers of one provider in stable order.
func (r *Registry) SubProvidersOf(providerID string) []*SubProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.subsByProvider[providerID]
	out := make([]*SubProvider, len(list))
	copy(out, list)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Models assembles the /v1/models catalog: every model an enabled provider
// serves, plus incoming names introduced by sub-provider mappings.
func (r *Registry) Models() []schema.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]string) // model id → owner
	for _, p := range r.providers {
		if !p.Enabled {
			continue
		}
		for _, m := range p.Models {
			if _, ok := seen[m]; !ok {
				seen[m] = p.Name
			}
		}
		for _, s := range r.subsByProvider[p.ID] {
			for incoming := range s.ModelMapping {
				if _, ok := seen[incoming]; !ok {
					seen[incoming] = p.Name
				}
			}
		}
	}

	created := r.loadedAt.Unix()
	out := make([]schema.Model, 0, len(seen))
	for id, owner := range seen {
		out = append(out, schema.Model{ID: id, Object: "model", Created: created, OwnedBy: owner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ModelByID looks up one catalog entry.
func (r *Registry) ModelByID(id string) (schema.Model, bool) {
	for _, m := range r.Models() {
		if m.ID == id {
			return m, true
		}
	}
	return schema.Model{}, false
}
