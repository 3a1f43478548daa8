// Package resume persists change-stream resume markers and per-namespace
// staleness flags in Redis so a process restart does not force every
// namespace to fall back to a full remote catch-up fetch. Grounded on
// nodestorage/v2/cache.RedisCache (the teacher's Redis-backed cache: prefixed
// keys, bson-marshaled values, a connectivity check on construction),
// generalized from document caching to resume-token storage. No other
// package in this module calls it: neither the listener nor the recovery
// path reads or writes these markers.
package resume

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"

	"docsync/nsync"
)

const defaultTTL = 24 * time.Hour

// Cache is a Redis-backed store for per-namespace resume tokens and
// staleness markers.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Options configures a Cache.
type Options struct {
	Addr   string
	Prefix string
	TTL    time.Duration
}

// DefaultOptions returns sane defaults, mirroring the teacher's
// DefaultCacheOptions.
func DefaultOptions(addr string) *Options {
	return &Options{Addr: addr, Prefix: "docsync:resume:", TTL: defaultTTL}
}

// Open connects to Redis and verifies reachability via Ping, the same
// fail-fast construction the teacher's NewRedisCache performs.
func Open(ctx context.Context, opts *Options) (*Cache, error) {
	if opts == nil {
		return nil, fmt.Errorf("resume: options required")
	}
	client := redis.NewClient(&redis.Options{Addr: opts.Addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("resume: connect to redis: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "docsync:resume:"
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl}, nil
}

func (c *Cache) tokenKey(ns nsync.Namespace) string {
	return c.prefix + "token:" + ns.String()
}

func (c *Cache) staleKey(ns nsync.Namespace) string {
	return c.prefix + "stale:" + ns.String()
}

// SaveToken persists a change-stream resume token for ns.
func (c *Cache) SaveToken(ctx context.Context, ns nsync.Namespace, token bson.Raw) error {
	if err := c.client.Set(ctx, c.tokenKey(ns), []byte(token), c.ttl).Err(); err != nil {
		return fmt.Errorf("resume: save token for %s: %w", ns, err)
	}
	return nil
}

// LoadToken returns the last saved resume token for ns, or nil if none is
// cached (a cache miss means the listener must open fresh and mark the
// namespace stale, per §4.2).
func (c *Cache) LoadToken(ctx context.Context, ns nsync.Namespace) (bson.Raw, error) {
	data, err := c.client.Get(ctx, c.tokenKey(ns)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("resume: load token for %s: %w", ns, err)
	}
	return bson.Raw(data), nil
}

// MarkStale records that ns's listener reopened and may have missed events,
// surviving a process restart so a crashed-and-restarted instance still
// performs the required catch-up.
func (c *Cache) MarkStale(ctx context.Context, ns nsync.Namespace) error {
	if err := c.client.Set(ctx, c.staleKey(ns), "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("resume: mark stale for %s: %w", ns, err)
	}
	return nil
}

// ClearStale removes ns's staleness marker once the required catch-up has
// run.
func (c *Cache) ClearStale(ctx context.Context, ns nsync.Namespace) error {
	if err := c.client.Del(ctx, c.staleKey(ns)).Err(); err != nil {
		return fmt.Errorf("resume: clear stale for %s: %w", ns, err)
	}
	return nil
}

// IsStale reports whether ns was marked stale and not yet cleared.
func (c *Cache) IsStale(ctx context.Context, ns nsync.Namespace) (bool, error) {
	_, err := c.client.Get(ctx, c.staleKey(ns)).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("resume: check stale for %s: %w", ns, err)
	}
	return true, nil
}

// Close releases the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
