package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skelly-jelly/pipeline/internal/model"
)

// RedisIndex is an ephemeral, TTL-keyed mirror of in-flight ScreenshotRefs.
// It does not replace Store — Store remains the sole source of truth for
// metadata, and the sweeper still polls ListExpiredScreenshotRefs against
// it; the index only mirrors each tracked ref under a key that Redis
// expires at the ref's ExpiresAt. Durable store and ephemeral index are
// kept as separate concerns here, since their lifetimes genuinely differ.
type RedisIndex struct {
	client *redis.Client
}

// NewRedisIndex connects to addr.
func NewRedisIndex(addr string) *RedisIndex {
	return &RedisIndex{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func refKey(id string) string { return "screenshot_ref:" + id }

// Track registers ref with Redis, expiring the key at ref.ExpiresAt, so
// Exists reports false once the ref's deadline has passed.
func (r *RedisIndex) Track(ctx context.Context, ref model.ScreenshotRef) error {
	data, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	ttl := time.Until(ref.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return r.client.Set(ctx, refKey(ref.ID), data, ttl).Err()
}

// Untrack removes ref's key immediately, used once ScreenshotAnalyzed has
// been handled and the ref no longer needs independent expiry tracking.
func (r *RedisIndex) Untrack(ctx context.Context, id string) error {
	return r.client.Del(ctx, refKey(id)).Err()
}

// Exists reports whether id's key is still live (i.e. not yet expired or
// explicitly untracked).
func (r *RedisIndex) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, refKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisIndex) Close() error {
	return r.client.Close()
}
