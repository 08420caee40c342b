package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-relay/internal/registry"
)

func newTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	return NewRedis(cli)
}

func TestRedis_UserRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRedis(t)
	if err := r.UpsertUser(ctx, testUser("u1", "sk-alpha", 100)); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	u, err := r.GetByAPIKey(ctx, "sk-alpha")
	if err != nil {
		t.Fatalf("GetByAPIKey: %v", err)
	}
	if u.ID != "u1" || u.Credits != 100 || !u.Enabled {
		t.Fatalf("user = %+v", u)
	}

	if _, err := r.GetByAPIKey(ctx, "sk-wrong"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := r.GetByID(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRedis_DecrementCreditsIsGuarded(t *testing.T) {
	ctx := context.Background()
	r := newTestRedis(t)
	if err := r.UpsertUser(ctx, testUser("u1", "sk", 5)); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}

	ok, err := r.DecrementCredits(ctx, "u1", 4)
	if err != nil || !ok {
		t.Fatalf("debit 4: ok=%v err=%v", ok, err)
	}
	ok, err = r.DecrementCredits(ctx, "u1", 4)
	if err != nil || ok {
		t.Fatalf("debit past balance: ok=%v err=%v, want refusal", ok, err)
	}

	u, err := r.GetByID(ctx, "u1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if u.Credits != 1 {
		t.Fatalf("credits = %d, want 1", u.Credits)
	}

	if _, err := r.DecrementCredits(ctx, "ghost", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRedis_SetEnabledPersists(t *testing.T) {
	ctx := context.Background()
	r := newTestRedis(t)
	if err := r.UpsertUser(ctx, testUser("u1", "sk", 1)); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := r.SetEnabled(ctx, "u1", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	u, _ := r.GetByID(ctx, "u1")
	if u.Enabled {
		t.Fatalf("user should be disabled")
	}
}

func TestRedis_ProviderListing(t *testing.T) {
	ctx := context.Background()
	r := newTestRedis(t)

	p := &registry.Provider{
		ID: "p1", Name: "anthropic", Enabled: true, NeedsSubProviders: true,
		Models:       []string{"claude-sonnet-4"},
		Capabilities: registry.Capabilities{Chat: true},
	}
	sub := &registry.SubProvider{
		ID: "s1", ProviderID: "p1", Enabled: true,
		Limits: registry.Limits{RequestsPerMinute: 60},
	}
	if err := r.UpsertProvider(ctx, p); err != nil {
		t.Fatalf("UpsertProvider: %v", err)
	}
	if err := r.UpsertSubProvider(ctx, sub); err != nil {
		t.Fatalf("UpsertSubProvider: %v", err)
	}

	provs, err := r.ListProviders(ctx)
	if err != nil {
		t.Fatalf("ListProviders: %v", err)
	}
	if len(provs) != 1 || provs[0].Name != "anthropic" || !provs[0].Capabilities.Chat {
		t.Fatalf("providers = %+v", provs)
	}

	subs, err := r.ListSubProviders(ctx)
	if err != nil {
		t.Fatalf("ListSubProviders: %v", err)
	}
	if len(subs) != 1 || subs[0].Limits.RequestsPerMinute != 60 {
		t.Fatalf("sub-providers = %+v", subs)
	}

	reg := registry.New()
	if err := reg.Load(ctx, r, r); err != nil {
		t.Fatalf("registry.Load: %v", err)
	}
	if _, ok := reg.ProviderByName("anthropic"); !ok {
		t.Fatalf("registry missed the persisted provider")
	}
}
