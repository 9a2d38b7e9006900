package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentgrid/llm-gateway/internal/store"
)

// Config holds all gateway configuration, loaded from a YAML file with
// environment overrides on top.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Store    StoreConfig    `yaml:"store"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Cache    CacheConfig    `yaml:"cache"`
	Costs    CostsConfig    `yaml:"costs"`
	Logging  LoggingConfig  `yaml:"logging"`

	// RateLimits seeds operator policy rows into the config store at startup.
	// Absence of a row still means open admission.
	RateLimits []store.RateLimitConfig `yaml:"rate_limits"`
}

type ServerConfig struct {
	Port               int `yaml:"port"`
	ReadTimeoutSecs    int `yaml:"read_timeout_seconds"`
	WriteTimeoutSecs   int `yaml:"write_timeout_seconds"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_seconds"`
}

func (s ServerConfig) ReadTimeout() time.Duration {
	return secondsOr(s.ReadTimeoutSecs, DefaultReadTimeout)
}

func (s ServerConfig) WriteTimeout() time.Duration {
	return secondsOr(s.WriteTimeoutSecs, DefaultServerWriteTimeout)
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return secondsOr(s.ShutdownTimeoutSec, DefaultShutdownTimeout)
}

type ProviderConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	DefaultModel   string   `yaml:"default_model"`
	FallbackModels []string `yaml:"fallback_models"`
	TimeoutSecs    int      `yaml:"timeout_seconds"`
}

func (p ProviderConfig) Timeout() time.Duration {
	return secondsOr(p.TimeoutSecs, DefaultProviderTimeout)
}

type StoreConfig struct {
	// Backend selects where hot-path state lives: "sqlite", "redis", or
	// "memory". With redis, counters and cache entries go to redis while
	// policy rows and cost logs stay in sqlite.
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
	RedisURL   string `yaml:"redis_url"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CoolDownSecs     int `yaml:"cool_down_seconds"`
}

func (b BreakerConfig) CoolDown() time.Duration {
	return secondsOr(b.CoolDownSecs, DefaultCoolDown)
}

type CacheConfig struct {
	DefaultTTLSecs int `yaml:"default_ttl_seconds"`
}

func (c CacheConfig) DefaultTTL() time.Duration {
	return secondsOr(c.DefaultTTLSecs, DefaultCacheTTL)
}

type CostsConfig struct {
	// Estimator selects the token estimator: "heuristic" (chars/4, the
	// default) or "tiktoken" (exact cl100k_base counts).
	Estimator string `yaml:"estimator"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	AuditPath string `yaml:"audit_path"`
}

// Load reads the YAML file at path (optional), applies environment overrides,
// fills defaults, and validates. A missing provider API key is a fatal
// configuration error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AUDIT_LOG_PATH"); v != "" {
		c.Logging.AuditPath = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = DefaultProviderBaseURL
	}
	if c.Provider.DefaultModel == "" {
		c.Provider.DefaultModel = DefaultModel
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = DefaultSQLitePath
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Costs.Estimator == "" {
		c.Costs.Estimator = "heuristic"
	}
}

// Validate reports configuration errors that must stop startup.
func (c *Config) Validate() error {
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider api_key is required (set PROVIDER_API_KEY)")
	}
	switch c.Store.Backend {
	case "sqlite", "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Costs.Estimator {
	case "heuristic", "tiktoken":
	default:
		return fmt.Errorf("unknown token estimator %q", c.Costs.Estimator)
	}
	return nil
}

func secondsOr(secs int, fallback time.Duration) time.Duration {
	if secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
