package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements the hot-path stores (window counters and cache entries) on
// a redis server. Policy rows and cost logs stay in sqlite or memory.
type Redis struct {
	cli *redis.Client
}

// OpenRedis connects to the server at url ("redis://host:port/db") and pings it.
func OpenRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{cli: cli}, nil
}

func (r *Redis) Close() error { return r.cli.Close() }

func (r *Redis) Ping(ctx context.Context) error { return r.cli.Ping(ctx).Err() }

func windowKey(identity string, w Window, windowStart time.Time) string {
	return fmt.Sprintf("rl:%s:%s:%d", identity, w, windowStart.Unix())
}

func (r *Redis) IncrementWindow(ctx context.Context, identity string, w Window, windowStart time.Time) error {
	key := windowKey(identity, w, windowStart)
	value, err := r.cli.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("incr %s: %w", key, err)
	}
	if value == 1 {
		// Superseded windows expire on their own; a little slack keeps the
		// counter readable right at the boundary.
		if err := r.cli.ExpireNX(ctx, key, w.Duration()+time.Minute).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return nil
}

func (r *Redis) WindowCount(ctx context.Context, identity string, w Window, windowStart time.Time) (int64, error) {
	count, err := r.cli.Get(ctx, windowKey(identity, w, windowStart)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get window counter: %w", err)
	}
	return count, nil
}

func cacheKey(key string) string     { return "cache:" + key }
func cacheHitsKey(key string) string { return "cachehits:" + key }

func (r *Redis) CacheEntry(ctx context.Context, key string) (*CacheEntry, error) {
	data, err := r.cli.Get(ctx, cacheKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}

	var e CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if hits, err := r.cli.Get(ctx, cacheHitsKey(key)).Int64(); err == nil {
		e.HitCount = hits
	}
	return &e, nil
}

func (r *Redis) PutCacheEntry(ctx context.Context, e *CacheEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := r.cli.Set(ctx, cacheKey(e.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("set cache entry: %w", err)
	}
	return nil
}

func (r *Redis) TouchCacheEntry(ctx context.Context, key string) error {
	if err := r.cli.Incr(ctx, cacheHitsKey(key)).Err(); err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	return nil
}
