// Package cache stores completed responses keyed by tenant and request
// identity so identical non-streaming calls can be replayed without spending
// credits or upstream capacity.
//
// Two interchangeable backends implement Cache: ExactCache on Redis for
// multi-replica deployments, MemoryCache in-process for single instances and
// local development. Both degrade gracefully — a cache outage costs a miss,
// never a failed completion.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache is the replay store consulted before dispatch and written after a
// successful buffered response.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key derives the deterministic replay key for one request. The tenant id is
// hashed in so users never share cached completions, and the endpoint keeps
// equal bodies on different routes from colliding.
func Key(userID, endpoint string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write(body)
	return "cache:" + hex.EncodeToString(h.Sum(nil))
}
