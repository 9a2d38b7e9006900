// Package store defines the durable collaborators of the gateway: rate-limit
// policy rows, window counters, cached responses, and the cost log.
//
// DESIGN: The gateway only needs simple get/upsert semantics, so each concern
// gets a narrow interface. Three bindings are shipped: sqlite (everything),
// redis (hot-path counters and cache entries), and memory (tests, local runs).
package store

import (
	"context"
	"time"
)

// Window identifies one of the three fixed rate-limit windows.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Duration returns the span of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// RateLimitConfig is a per-caller admission policy row. Rows are created and
// edited by operators; the gateway only reads them. A missing row means the
// caller is unregistered and always admitted.
type RateLimitConfig struct {
	Identity           string  `json:"identity" yaml:"identity"`
	RequestsPerMinute  int     `json:"requests_per_minute" yaml:"requests_per_minute"`
	RequestsPerHour    int     `json:"requests_per_hour" yaml:"requests_per_hour"`
	RequestsPerDay     int     `json:"requests_per_day" yaml:"requests_per_day"`
	OffHoursMultiplier float64 `json:"off_hours_multiplier" yaml:"off_hours_multiplier"`
	OffHoursStart      string  `json:"off_hours_start" yaml:"off_hours_start"` // "HH:MM"
	OffHoursEnd        string  `json:"off_hours_end" yaml:"off_hours_end"`     // "HH:MM", may wrap midnight
	Active             bool    `json:"active" yaml:"active"`
}

// CacheEntry is a memoized completed (non-streaming) response.
type CacheEntry struct {
	Key          string    `json:"key"`
	Model        string    `json:"model"`
	Payload      []byte    `json:"payload"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	ExpiresAt    time.Time `json:"expires_at"`
	HitCount     int64     `json:"hit_count"`
}

// CostLogEntry is one immutable accounting record. Exactly one is written per
// processed request, whatever the outcome.
type CostLogEntry struct {
	RequestID    string    `json:"request_id"`
	Identity     string    `json:"identity"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	CacheHit     bool      `json:"cache_hit"`
	Priority     string    `json:"priority"`
	LatencyMs    int64     `json:"latency_ms"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ConfigStore reads operator-managed rate-limit policy.
type ConfigStore interface {
	// RateLimitConfig returns the policy row for identity, or nil when the
	// caller is unregistered.
	RateLimitConfig(ctx context.Context, identity string) (*RateLimitConfig, error)
	UpsertRateLimitConfig(ctx context.Context, cfg RateLimitConfig) error
}

// CounterStore holds per-identity fixed-window counters. Increments are
// best-effort at-least-once upserts; lost updates under race are tolerated.
type CounterStore interface {
	IncrementWindow(ctx context.Context, identity string, w Window, windowStart time.Time) error
	WindowCount(ctx context.Context, identity string, w Window, windowStart time.Time) (int64, error)
}

// CacheStore holds memoized responses keyed by content hash.
type CacheStore interface {
	// CacheEntry returns the entry for key, or nil when absent. Expiry is
	// enforced by the caller, not the store.
	CacheEntry(ctx context.Context, key string) (*CacheEntry, error)
	PutCacheEntry(ctx context.Context, e *CacheEntry) error
	// TouchCacheEntry increments the entry's hit counter.
	TouchCacheEntry(ctx context.Context, key string) error
}

// CostLogStore appends immutable accounting records.
type CostLogStore interface {
	AppendCostLog(ctx context.Context, e *CostLogEntry) error
}

// Pinger reports whether the backing store is reachable, for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}
