package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-relay/internal/registry"
)

// Redis key layout. Records are JSON blobs; the credit balance lives in a
// separate integer key so debits stay atomic, and an index set per collection
// backs the boot-time listing.
const (
	keyUser        = "user:"
	keyUserByHash  = "user:key:"
	keyUserCredits = "user:credits:"
	keyProvider    = "provider:"
	keySubProvider = "sub_provider:"
	setProviders   = "providers"
	setSubs        = "sub_providers"
)

// debitScript debits the balance only when it covers the amount.
var debitScript = redis.NewScript(`
local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
if bal < n then
  return 0
end
redis.call('DECRBY', KEYS[1], n)
return 1
`)

// RedisStore persists users, providers, and sub-providers in Redis. One value
// serves all three store interfaces.
type RedisStore struct {
	client *redis.Client
}

// NewRedis wraps an existing client. The caller owns the client lifecycle.
func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisFromURL parses redisURL, connects, and verifies with a ping.
func NewRedisFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return &RedisStore{client: cli}, nil
}

// Close releases the underlying client.
func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) GetByID(ctx context.Context, id string) (*User, error) {
	data, err := r.client.Get(ctx, keyUser+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("store: decode user %s: %w", id, err)
	}

	// The balance key is authoritative; the blob carries the seed value.
	if bal, err := r.client.Get(ctx, keyUserCredits+id).Int64(); err == nil {
		u.Credits = bal
	}
	return &u, nil
}

func (r *RedisStore) GetByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	id, err := r.client.Get(ctx, keyUserByHash+HashAPIKey(apiKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: resolve api key: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *RedisStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	u, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	u.Enabled = enabled
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("store: encode user %s: %w", id, err)
	}
	if err := r.client.Set(ctx, keyUser+id, data, 0).Err(); err != nil {
		return fmt.Errorf("store: set user: %w", err)
	}
	return nil
}

func (r *RedisStore) DecrementCredits(ctx context.Context, id string, n int64) (bool, error) {
	if exists, err := r.client.Exists(ctx, keyUser+id).Result(); err != nil {
		return false, fmt.Errorf("store: debit credits: %w", err)
	} else if exists == 0 {
		return false, ErrNotFound
	}
	ok, err := debitScript.Run(ctx, r.client, []string{keyUserCredits + id}, n).Int()
	if err != nil {
		return false, fmt.Errorf("store: debit credits: %w", err)
	}
	return ok == 1, nil
}

func (r *RedisStore) UpsertUser(ctx context.Context, u *User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("store: encode user %s: %w", u.ID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, keyUser+u.ID, data, 0)
	pipe.Set(ctx, keyUserCredits+u.ID, u.Credits, 0)
	if u.APIKeyHash != "" {
		pipe.Set(ctx, keyUserByHash+u.APIKeyHash, u.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: upsert user %s: %w", u.ID, err)
	}
	return nil
}

func (r *RedisStore) ListProviders(ctx context.Context) ([]*registry.Provider, error) {
	ids, err := r.client.SMembers(ctx, setProviders).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	out := make([]*registry.Provider, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, keyProvider+id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: get provider %s: %w", id, err)
		}
		var p registry.Provider
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("store: decode provider %s: %w", id, err)
		}
		out = append(out, &p)
	}
	return out, nil
}

func (r *RedisStore) UpsertProvider(ctx context.Context, p *registry.Provider) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: encode provider %s: %w", p.ID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, keyProvider+p.ID, data, 0)
	pipe.SAdd(ctx, setProviders, p.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: upsert provider %s: %w", p.ID, err)
	}
	return nil
}

func (r *RedisStore) ListSubProviders(ctx context.Context) ([]*registry.SubProvider, error) {
	ids, err := r.client.SMembers(ctx, setSubs).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list sub-providers: %w", err)
	}
	out := make([]*registry.SubProvider, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, keySubProvider+id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: get sub-provider %s: %w", id, err)
		}
		var s registry.SubProvider
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("store: decode sub-provider %s: %w", id, err)
		}
		out = append(out, &s)
	}
	return out, nil
}

func (r *RedisStore) UpsertSubProvider(ctx context.Context, s *registry.SubProvider) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("store: encode sub-provider %s: %w", s.ID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, keySubProvider+s.ID, data, 0)
	pipe.SAdd(ctx, setSubs, s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: upsert sub-provider %s: %w", s.ID, err)
	}
	return nil
}
