package speedlayer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// ============================================================================
// SHARED CACHE — optional Redis second level
// ============================================================================

// KVClient is the minimal key/value surface the shared cache needs. The
// concrete go-redis adapter lives in internal/infra; tests inject a map.
type KVClient interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// SharedCache mirrors definite decisions into a cross-process store so a
// restarted bridge warms up from its peers. It is strictly best-effort:
// every failure degrades to a miss.
type SharedCache struct {
	kv     KVClient
	prefix string
}

// NewSharedCache wraps a key/value client. Prefix defaults to
// "lighthouse:decisions:".
func NewSharedCache(kv KVClient, prefix string) *SharedCache {
	if prefix == "" {
		prefix = "lighthouse:decisions:"
	}
	return &SharedCache{kv: kv, prefix: prefix}
}

// Get fetches a decision; any error or unreadable value is a miss.
func (s *SharedCache) Get(ctx context.Context, key string) (*Decision, bool) {
	data, err := s.kv.Get(ctx, s.prefix+key)
	if err != nil || len(data) == 0 {
		return nil, false
	}
	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, false
	}
	if !d.ExpiresAt.IsZero() && time.Now().After(d.ExpiresAt) {
		return nil, false
	}
	return &d, true
}

// Put mirrors a decision with the same TTL as the memory cache entry.
func (s *SharedCache) Put(ctx context.Context, key string, d *Decision, ttl time.Duration) {
	data, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, s.prefix+key, data, ttl); err != nil {
		slog.Debug("shared cache write failed", "error", err)
	}
}
