package registry

import (
	"context"
	"testing"
)

type fakeProviderSource []*Provider

func (f fakeProviderSource) ListProviders(context.Context) ([]*Provider, error) {
	return f, nil
}

type fakeSubSource []*SubProvider

func (f fakeSubSource) ListSubProviders(context.Context) ([]*SubProvider, error) {
	return f, nil
}

func TestRegistry_LoadAndLookup(t *testing.T) {
	r := New()

	err := r.Load(context.Background(),
		fakeProviderSource{
			{ID: "p1", Name: "openai", Enabled: true, Models: []string{"gpt-4o-mini"}},
			{ID: "p2", Name: "anthropic", Enabled: false, Models: []string{"claude-3-5-sonnet"}},
		},
		fakeSubSource{
			{ID: "s1", ProviderID: "p1", Enabled: true},
			{ID: "s2", ProviderID: "p1", Enabled: true},
		},
	)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, ok := r.Provider("p1"); !ok {
		t.Fatal("provider p1 missing")
	}
	if _, ok := r.ProviderByName("anthropic"); !ok {
		t.Fatal("provider lookup by name failed")
	}
	if _, ok := r.SubProvider("s2"); !ok {
		t.Fatal("sub-provider s2 missing")
	}

	active := r.ActiveProviders()
	if len(active) != 1 || active[0].ID != "p1" {
		t.Fatalf("active providers = %v, want [p1]", active)
	}

	subs := r.SubProvidersOf("p1")
	if len(subs) != 2 || subs[0].ID != "s1" || subs[1].ID != "s2" {
		t.Fatalf("sub-providers of p1 in wrong order: %v", subs)
	}
}

func TestRegistry_ModelCatalog(t *testing.T) {
	r := New()
	r.UpsertProvider(&Provider{ID: "p1", Name: "openai", Enabled: true, Models: []string{"gpt-4o-mini", "gpt-4o"}})
	r.UpsertProvider(&Provider{ID: "p2", Name: "mistral", Enabled: false, Models: []string{"mistral-large"}})
	r.UpsertSubProvider(&SubProvider{
		ID: "s1", ProviderID: "p1", Enabled: true,
		ModelMapping: map[string]string{"gpt-4o-alias": "gpt-4o"},
	})

	models := r.Models()
	ids := make(map[string]string, len(models))
	for _, m := range models {
		ids[m.ID] = m.OwnedBy
	}

	if ids["gpt-4o-mini"] != "openai" || ids["gpt-4o"] != "openai" {
		t.Fatalf("provider models missing from catalog: %v", ids)
	}
	if ids["gpt-4o-alias"] != "openai" {
		t.Fatalf("mapped model missing from catalog: %v", ids)
	}
	if _, ok := ids["mistral-large"]; ok {
		t.Fatal("disabled provider's model leaked into the catalog")
	}

	if _, ok := r.ModelByID("gpt-4o"); !ok {
		t.Fatal("ModelByID failed for a known model")
	}
	if _, ok := r.ModelByID("nope"); ok {
		t.Fatal("ModelByID succeeded for an unknown model")
	}
}

func TestRegistry_UpsertReplacesSub(t *testing.T) {
	r := New()
	r.UpsertProvider(&Provider{ID: "p1", Name: "openai", Enabled: true})
	r.UpsertSubProvider(&SubProvider{ID: "s1", ProviderID: "p1"})
	r.UpsertSubProvider(&SubProvider{ID: "s1", ProviderID: "p1", Name: "replaced"})

	subs := r.SubProvidersOf("p1")
	if len(subs) != 1 {
		t.Fatalf("sub count after replace = %d, want 1", len(subs))
	}
	if subs[0].Name != "replaced" {
		t.Fatalf("sub not replaced: %+v", subs[0])
	}
}
