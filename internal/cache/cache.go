// Package cache memoizes completed non-streaming responses, keyed by a hash
// of the request content. Identical inputs map to the same key; expiry is
// enforced lazily at lookup, never by an active sweep.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentgrid/llm-gateway/internal/provider"
	"github.com/agentgrid/llm-gateway/internal/store"
)

// Cache is the content-addressed response cache.
type Cache struct {
	entries store.CacheStore
	now     func() time.Time
}

// New builds a cache over the given entry store.
func New(entries store.CacheStore) *Cache {
	return &Cache{entries: entries, now: time.Now}
}

// Key derives the deterministic cache key for (model, ordered message list).
// Message order is semantically meaningful and is hashed as-is.
func Key(model string, messages []provider.Message) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the live entry for (model, messages), or miss. An entry past
// its expiry is treated as absent even if still stored. Store errors are
// logged and surface as a miss so the request proceeds to dispatch.
func (c *Cache) Lookup(ctx context.Context, model string, messages []provider.Message) (*store.CacheEntry, bool) {
	key := Key(model, messages)

	entry, err := c.entries.CacheEntry(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache: lookup failed, treating as miss")
		return nil, false
	}
	if entry == nil {
		return nil, false
	}
	if !c.now().Before(entry.ExpiresAt) {
		return nil, false
	}

	if err := c.entries.TouchCacheEntry(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache: hit count update failed")
	}
	entry.HitCount++
	return entry, true
}

// Store memoizes a successful non-streaming response for ttl. Failures are
// logged and swallowed; caching is best-effort.
func (c *Cache) Store(ctx context.Context, model string, messages []provider.Message,
	payload []byte, inputTokens, outputTokens int, cost float64, ttl time.Duration) {

	entry := &store.CacheEntry{
		Key:          Key(model, messages),
		Model:        model,
		Payload:      payload,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		ExpiresAt:    c.now().Add(ttl),
	}
	if err := c.entries.PutCacheEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("key", entry.Key).Msg("cache: store failed")
	}
}
