package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*ExactCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewExactCacheFromClient(rdb), mr
}

func TestExactCache_MissThenHit(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	key := Key("u1", "/v1/chat/completions", []byte(`{"model":"gpt-4o"}`))

	if data, ok := c.Get(ctx, key); ok || data != nil {
		t.Fatalf("Get before Set = (%v, %v), want miss", data, ok)
	}

	want := []byte(`{"id":"chatcmpl-1"}`)
	if err := c.Set(ctx, key, want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get(ctx, key)
	if !ok || string(got) != string(want) {
		t.Fatalf("Get = (%q, %v), want (%q, true)", got, ok, want)
	}
}

func TestExactCache_TTLExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "ttl-key", []byte("payload"), 10*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := c.Get(ctx, "ttl-key"); !ok {
		t.Fatal("key should exist before the TTL elapses")
	}

	mr.FastForward(11 * time.Second)

	if _, ok := c.Get(ctx, "ttl-key"); ok {
		t.Fatal("key should have expired")
	}
}

func TestExactCache_Delete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("key should be gone after Delete")
	}
	if err := c.Delete(ctx, "ghost"); err != nil {
		t.Fatalf("Delete of a missing key: %v", err)
	}
}

func TestExactCache_DegradesWhenRedisDown(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	mr.Close()

	if data, ok := c.Get(ctx, "any"); ok || data != nil {
		t.Fatalf("Get with Redis down = (%v, %v), want a plain miss", data, ok)
	}
	if err := c.Set(ctx, "any", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set must degrade to nil when Redis is down, got %v", err)
	}
	if err := c.Delete(ctx, "any"); err == nil {
		t.Fatal("Delete should surface the Redis error")
	}
}

func TestKey_TenantAndEndpointScoped(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[]}`)

	k := Key("u1", "/v1/chat/completions", body)
	if !strings.HasPrefix(k, "cache:") {
		t.Fatalf("key %q missing the keyspace prefix", k)
	}
	if k != Key("u1", "/v1/chat/completions", body) {
		t.Fatal("same request must derive the same key")
	}
	if k == Key("u2", "/v1/chat/completions", body) {
		t.Fatal("different tenants must never share a key")
	}
	if k == Key("u1", "/v1/embeddings", body) {
		t.Fatal("different endpoints must never share a key")
	}
}

func TestBackendsImplementCache(t *testing.T) {
	var _ Cache = (*ExactCache)(nil)
	var _ Cache = (*MemoryCache)(nil)
}
