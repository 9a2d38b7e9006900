// Package ratelimit enforces per-caller fixed-window admission control.
//
// DESIGN: Counters are truncated-timestamp buckets (minute/hour/day), not a
// sliding window or token bucket. This is advisory throttling, not a security
// boundary: increments are best-effort, and an unreachable counter store
// fails open rather than blocking callers.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentgrid/llm-gateway/internal/store"
)

// Priorities accepted on inbound requests.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Decision is the admission verdict for one request.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // remaining time to the denying window's boundary
}

// Limiter checks and advances per-identity window counters.
type Limiter struct {
	configs  store.ConfigStore
	counters store.CounterStore
	now      func() time.Time
}

// New builds a limiter over the given policy and counter stores.
func New(configs store.ConfigStore, counters store.CounterStore) *Limiter {
	return &Limiter{configs: configs, counters: counters, now: time.Now}
}

// Admit decides whether a request from identity may proceed.
//
// No policy row means open admission. The minute check is bypassed for high
// priority; hour and day checks apply to every priority. On admission all
// three counters are incremented best-effort.
func (l *Limiter) Admit(ctx context.Context, identity, priority string) Decision {
	cfg, err := l.configs.RateLimitConfig(ctx, identity)
	if err != nil {
		log.Warn().Err(err).Str("identity", identity).Msg("ratelimit: config store unreachable, failing open")
		return Decision{Allowed: true}
	}
	if cfg == nil || !cfg.Active {
		return Decision{Allowed: true}
	}

	now := l.now()
	minuteLimit, hourLimit, dayLimit := l.effectiveLimits(cfg, now)

	minuteStart := now.Truncate(time.Minute)
	hourStart := now.Truncate(time.Hour)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	checks := []struct {
		window store.Window
		start  time.Time
		limit  int
		bypass bool
	}{
		{store.WindowMinute, minuteStart, minuteLimit, priority == PriorityHigh},
		{store.WindowHour, hourStart, hourLimit, false},
		{store.WindowDay, dayStart, dayLimit, false},
	}

	for _, c := range checks {
		if c.limit <= 0 || c.bypass {
			continue
		}
		count, err := l.counters.WindowCount(ctx, identity, c.window, c.start)
		if err != nil {
			log.Warn().Err(err).Str("identity", identity).Str("window", string(c.window)).
				Msg("ratelimit: counter store unreachable, failing open")
			continue
		}
		if count >= int64(c.limit) {
			retryAfter := c.start.Add(c.window.Duration()).Sub(now)
			log.Info().
				Str("identity", identity).
				Str("priority", priority).
				Str("window", string(c.window)).
				Int64("count", count).
				Int("limit", c.limit).
				Dur("retry_after", retryAfter).
				Msg("ratelimit: denied")
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}

	// At-least-once advisory increments; lost updates under race are tolerated.
	for _, c := range checks {
		if err := l.counters.IncrementWindow(ctx, identity, c.window, c.start); err != nil {
			log.Warn().Err(err).Str("identity", identity).Str("window", string(c.window)).
				Msg("ratelimit: counter increment failed")
		}
	}
	return Decision{Allowed: true}
}

// effectiveLimits applies the off-hours multiplier when now falls inside the
// configured time-of-day window.
func (l *Limiter) effectiveLimits(cfg *store.RateLimitConfig, now time.Time) (minute, hour, day int) {
	minute, hour, day = cfg.RequestsPerMinute, cfg.RequestsPerHour, cfg.RequestsPerDay
	if cfg.OffHoursMultiplier <= 0 {
		return minute, hour, day
	}
	if !inOffHours(now, cfg.OffHoursStart, cfg.OffHoursEnd) {
		return minute, hour, day
	}
	return scale(minute, cfg.OffHoursMultiplier),
		scale(hour, cfg.OffHoursMultiplier),
		scale(day, cfg.OffHoursMultiplier)
}

func scale(limit int, multiplier float64) int {
	if limit <= 0 {
		return limit
	}
	return int(float64(limit) * multiplier)
}

// inOffHours reports whether now's time-of-day falls in [start, end). The
// range may wrap past midnight (e.g. 22:00-06:00).
func inOffHours(now time.Time, start, end string) bool {
	startMin, ok := parseClock(start)
	if !ok {
		return false
	}
	endMin, ok := parseClock(end)
	if !ok {
		return false
	}
	nowMin := now.Hour()*60 + now.Minute()

	if startMin <= endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	// Wraps midnight.
	return nowMin >= startMin || nowMin < endMin
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
