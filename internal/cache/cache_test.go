package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/llm-gateway/internal/provider"
	"github.com/agentgrid/llm-gateway/internal/store"
)

var testMessages = []provider.Message{
	{Role: "system", Content: "You are terse."},
	{Role: "user", Content: "What is the capital of France?"},
}

func TestKey_Deterministic(t *testing.T) {
	a := Key("gpt-4o", testMessages)
	b := Key("gpt-4o", testMessages)
	assert.Equal(t, a, b)
}

func TestKey_SensitiveToModel(t *testing.T) {
	assert.NotEqual(t, Key("gpt-4o", testMessages), Key("gpt-4o-mini", testMessages))
}

func TestKey_SensitiveToMessageOrder(t *testing.T) {
	reversed := []provider.Message{testMessages[1], testMessages[0]}
	assert.NotEqual(t, Key("gpt-4o", testMessages), Key("gpt-4o", reversed))
}

func TestKey_RoleContentBoundary(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not collide across the role/content split.
	a := Key("m", []provider.Message{{Role: "ab", Content: "c"}})
	b := Key("m", []provider.Message{{Role: "a", Content: "bc"}})
	assert.NotEqual(t, a, b)
}

func TestLookup_MissWhenEmpty(t *testing.T) {
	c := New(store.NewMemory())
	_, hit := c.Lookup(context.Background(), "gpt-4o", testMessages)
	assert.False(t, hit)
}

func TestStoreAndLookup_Hit(t *testing.T) {
	c := New(store.NewMemory())
	ctx := context.Background()
	payload := []byte(`{"choices":[{"message":{"content":"Paris"}}]}`)

	c.Store(ctx, "gpt-4o", testMessages, payload, 12, 3, 0.0005, time.Hour)

	entry, hit := c.Lookup(ctx, "gpt-4o", testMessages)
	require.True(t, hit)
	assert.Equal(t, payload, entry.Payload)
	assert.Equal(t, 12, entry.InputTokens)
	assert.Equal(t, 3, entry.OutputTokens)
	assert.InDelta(t, 0.0005, entry.Cost, 1e-9)
}

func TestLookup_IncrementsHitCount(t *testing.T) {
	mem := store.NewMemory()
	c := New(mem)
	ctx := context.Background()

	c.Store(ctx, "gpt-4o", testMessages, []byte(`{}`), 1, 1, 0, time.Hour)

	for i := 1; i <= 3; i++ {
		entry, hit := c.Lookup(ctx, "gpt-4o", testMessages)
		require.True(t, hit)
		assert.Equal(t, int64(i), entry.HitCount)
	}
}

func TestLookup_ExpiredEntryIsMiss(t *testing.T) {
	mem := store.NewMemory()
	c := New(mem)
	ctx := context.Background()

	c.Store(ctx, "gpt-4o", testMessages, []byte(`{}`), 1, 1, 0, time.Hour)

	// Entry still present in storage, but the clock has moved past expiry.
	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, hit := c.Lookup(ctx, "gpt-4o", testMessages)
	assert.False(t, hit)

	stored, err := mem.CacheEntry(ctx, Key("gpt-4o", testMessages))
	require.NoError(t, err)
	assert.NotNil(t, stored, "lazy expiration leaves the row in place")
}

func TestLookup_ExpiryBoundaryIsExclusive(t *testing.T) {
	mem := store.NewMemory()
	c := New(mem)
	ctx := context.Background()

	base := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	c.Store(ctx, "gpt-4o", testMessages, []byte(`{}`), 1, 1, 0, time.Hour)

	// now == expires_at is already a miss.
	c.now = func() time.Time { return base.Add(time.Hour) }
	_, hit := c.Lookup(ctx, "gpt-4o", testMessages)
	assert.False(t, hit)
}

type failingStore struct{}

func (failingStore) CacheEntry(context.Context, string) (*store.CacheEntry, error) {
	return nil, errors.New("cache store down")
}

func (failingStore) PutCacheEntry(context.Context, *store.CacheEntry) error {
	return errors.New("cache store down")
}

func (failingStore) TouchCacheEntry(context.Context, string) error {
	return errors.New("cache store down")
}

func TestLookup_StoreErrorIsMiss(t *testing.T) {
	c := New(failingStore{})
	_, hit := c.Lookup(context.Background(), "gpt-4o", testMessages)
	assert.False(t, hit)
}

func TestStore_ErrorIsSwallowed(t *testing.T) {
	c := New(failingStore{})
	// Must not panic or propagate; caching is best-effort.
	c.Store(context.Background(), "gpt-4o", testMessages, []byte(`{}`), 1, 1, 0, time.Hour)
}
