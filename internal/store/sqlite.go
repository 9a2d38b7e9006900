package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS rate_limit_configs (
	identity             TEXT PRIMARY KEY,
	requests_per_minute  INTEGER NOT NULL DEFAULT 0,
	requests_per_hour    INTEGER NOT NULL DEFAULT 0,
	requests_per_day     INTEGER NOT NULL DEFAULT 0,
	off_hours_multiplier REAL NOT NULL DEFAULT 0,
	off_hours_start      TEXT NOT NULL DEFAULT '',
	off_hours_end        TEXT NOT NULL DEFAULT '',
	active               INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS window_counters (
	identity     TEXT NOT NULL,
	window       TEXT NOT NULL,
	window_start INTEGER NOT NULL,
	count        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (identity, window, window_start)
);
CREATE TABLE IF NOT EXISTS cache_entries (
	key           TEXT PRIMARY KEY,
	model         TEXT NOT NULL,
	payload       BLOB NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost          REAL NOT NULL,
	expires_at    INTEGER NOT NULL,
	hit_count     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS cost_logs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id    TEXT NOT NULL,
	identity      TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost          REAL NOT NULL,
	cache_hit     INTEGER NOT NULL,
	priority      TEXT NOT NULL,
	latency_ms    INTEGER NOT NULL,
	success       INTEGER NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
`

// SQLite implements every store interface on a local sqlite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) RateLimitConfig(ctx context.Context, identity string) (*RateLimitConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT identity, requests_per_minute, requests_per_hour, requests_per_day,
		       off_hours_multiplier, off_hours_start, off_hours_end, active
		FROM rate_limit_configs WHERE identity = ?`, identity)

	var cfg RateLimitConfig
	err := row.Scan(&cfg.Identity, &cfg.RequestsPerMinute, &cfg.RequestsPerHour, &cfg.RequestsPerDay,
		&cfg.OffHoursMultiplier, &cfg.OffHoursStart, &cfg.OffHoursEnd, &cfg.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query rate limit config: %w", err)
	}
	return &cfg, nil
}

func (s *SQLite) UpsertRateLimitConfig(ctx context.Context, cfg RateLimitConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_configs
			(identity, requests_per_minute, requests_per_hour, requests_per_day,
			 off_hours_multiplier, off_hours_start, off_hours_end, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			requests_per_minute = excluded.requests_per_minute,
			requests_per_hour = excluded.requests_per_hour,
			requests_per_day = excluded.requests_per_day,
			off_hours_multiplier = excluded.off_hours_multiplier,
			off_hours_start = excluded.off_hours_start,
			off_hours_end = excluded.off_hours_end,
			active = excluded.active`,
		cfg.Identity, cfg.RequestsPerMinute, cfg.RequestsPerHour, cfg.RequestsPerDay,
		cfg.OffHoursMultiplier, cfg.OffHoursStart, cfg.OffHoursEnd, cfg.Active)
	if err != nil {
		return fmt.Errorf("upsert rate limit config: %w", err)
	}
	return nil
}

func (s *SQLite) IncrementWindow(ctx context.Context, identity string, w Window, windowStart time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO window_counters (identity, window, window_start, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(identity, window, window_start) DO UPDATE SET count = count + 1`,
		identity, string(w), windowStart.Unix())
	if err != nil {
		return fmt.Errorf("increment window counter: %w", err)
	}
	return nil
}

func (s *SQLite) WindowCount(ctx context.Context, identity string, w Window, windowStart time.Time) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT count FROM window_counters
		WHERE identity = ? AND window = ? AND window_start = ?`,
		identity, string(w), windowStart.Unix())

	var count int64
	err := row.Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query window counter: %w", err)
	}
	return count, nil
}

func (s *SQLite) CacheEntry(ctx context.Context, key string) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, model, payload, input_tokens, output_tokens, cost, expires_at, hit_count
		FROM cache_entries WHERE key = ?`, key)

	var e CacheEntry
	var expiresAt int64
	err := row.Scan(&e.Key, &e.Model, &e.Payload, &e.InputTokens, &e.OutputTokens, &e.Cost, &expiresAt, &e.HitCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cache entry: %w", err)
	}
	e.ExpiresAt = time.Unix(expiresAt, 0)
	return &e, nil
}

func (s *SQLite) PutCacheEntry(ctx context.Context, e *CacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries
			(key, model, payload, input_tokens, output_tokens, cost, expires_at, hit_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			model = excluded.model,
			payload = excluded.payload,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cost = excluded.cost,
			expires_at = excluded.expires_at,
			hit_count = excluded.hit_count`,
		e.Key, e.Model, e.Payload, e.InputTokens, e.OutputTokens, e.Cost, e.ExpiresAt.Unix(), e.HitCount)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

func (s *SQLite) TouchCacheEntry(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1 WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	return nil
}

func (s *SQLite) AppendCostLog(ctx context.Context, e *CostLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_logs
			(request_id, identity, model, input_tokens, output_tokens, cost,
			 cache_hit, priority, latency_ms, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Identity, e.Model, e.InputTokens, e.OutputTokens, e.Cost,
		e.CacheHit, e.Priority, e.LatencyMs, e.Success, e.Error, e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("append cost log: %w", err)
	}
	return nil
}
