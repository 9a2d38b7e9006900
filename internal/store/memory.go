package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process implementation of every store interface. It backs
// tests and credential-free local runs.
type Memory struct {
	mu       sync.RWMutex
	configs  map[string]RateLimitConfig
	counters map[string]int64
	entries  map[string]CacheEntry
	logs     []CostLogEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		configs:  make(map[string]RateLimitConfig),
		counters: make(map[string]int64),
		entries:  make(map[string]CacheEntry),
	}
}

func counterKey(identity string, w Window, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%d", identity, w, windowStart.Unix())
}

func (m *Memory) RateLimitConfig(_ context.Context, identity string) (*RateLimitConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[identity]
	if !ok {
		return nil, nil
	}
	return &cfg, nil
}

func (m *Memory) UpsertRateLimitConfig(_ context.Context, cfg RateLimitConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.Identity] = cfg
	return nil
}

func (m *Memory) IncrementWindow(_ context.Context, identity string, w Window, windowStart time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counterKey(identity, w, windowStart)]++
	return nil
}

func (m *Memory) WindowCount(_ context.Context, identity string, w Window, windowStart time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[counterKey(identity, w, windowStart)], nil
}

func (m *Memory) CacheEntry(_ context.Context, key string) (*CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) PutCacheEntry(_ context.Context, e *CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = *e
	return nil
}

func (m *Memory) TouchCacheEntry(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		e.HitCount++
		m.entries[key] = e
	}
	return nil
}

func (m *Memory) AppendCostLog(_ context.Context, e *CostLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *e)
	return nil
}

// CostLogs returns a snapshot of every appended record, oldest first.
func (m *Memory) CostLogs() []CostLogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CostLogEntry, len(m.logs))
	copy(out, m.logs)
	return out
}

func (m *Memory) Ping(context.Context) error { return nil }
