// The llm-gateway daemon: a single mediating service between internal agents
// and one generative-text provider, with admission control, response
// memoization, circuit breaking, and an append-only cost trail.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentgrid/llm-gateway/internal/audit"
	"github.com/agentgrid/llm-gateway/internal/breaker"
	"github.com/agentgrid/llm-gateway/internal/cache"
	"github.com/agentgrid/llm-gateway/internal/config"
	"github.com/agentgrid/llm-gateway/internal/costs"
	"github.com/agentgrid/llm-gateway/internal/gateway"
	"github.com/agentgrid/llm-gateway/internal/metrics"
	"github.com/agentgrid/llm-gateway/internal/provider"
	"github.com/agentgrid/llm-gateway/internal/ratelimit"
	"github.com/agentgrid/llm-gateway/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Configuration errors are fatal at startup, never retried per-request.
		fmt.Fprintf(os.Stderr, "llm-gateway: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging.Level)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("gateway exited")
	}
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.close()

	// Seed operator policy rows from the config file.
	for _, rl := range cfg.RateLimits {
		if err := stores.configs.UpsertRateLimitConfig(ctx, rl); err != nil {
			return fmt.Errorf("seed rate limit config for %q: %w", rl.Identity, err)
		}
	}

	auditLog, err := audit.New(cfg.Logging.AuditPath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	estimator, err := buildEstimator(cfg.Costs.Estimator)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	gw := gateway.New(gateway.Options{
		Limiter:    ratelimit.New(stores.configs, stores.counters),
		Cache:      cache.New(stores.entries),
		Breaker:    breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.CoolDown(), cfg.Provider.FallbackModels, auditLog),
		Client:     provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout()),
		Accountant: costs.NewAccountant(estimator, stores.logs, auditLog),
		Metrics:    m,
		Health:     stores.pinger,

		DefaultModel: cfg.Provider.DefaultModel,
		DefaultTTL:   cfg.Cache.DefaultTTL(),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      gw.Routes(reg),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Str("store_backend", cfg.Store.Backend).
			Str("default_model", cfg.Provider.DefaultModel).
			Strs("fallback_models", cfg.Provider.FallbackModels).
			Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// gatewayStores bundles the backing stores behind the gateway's interfaces.
type gatewayStores struct {
	configs  store.ConfigStore
	counters store.CounterStore
	entries  store.CacheStore
	logs     store.CostLogStore
	pinger   store.Pinger

	closers []func() error
}

func (s *gatewayStores) close() {
	for _, c := range s.closers {
		_ = c()
	}
}

// openStores wires the configured backend. The redis backend keeps hot-path
// state (counters, cache entries) in redis and durable state (policy rows,
// cost logs) in sqlite.
func openStores(ctx context.Context, cfg *config.Config) (*gatewayStores, error) {
	switch cfg.Store.Backend {
	case "memory":
		mem := store.NewMemory()
		return &gatewayStores{configs: mem, counters: mem, entries: mem, logs: mem, pinger: mem}, nil

	case "sqlite":
		db, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &gatewayStores{
			configs: db, counters: db, entries: db, logs: db, pinger: db,
			closers: []func() error{db.Close},
		}, nil

	case "redis":
		rdb, err := store.OpenRedis(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, err
		}
		db, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		return &gatewayStores{
			configs: db, counters: rdb, entries: rdb, logs: db, pinger: rdb,
			closers: []func() error{rdb.Close, db.Close},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildEstimator(name string) (costs.TokenEstimator, error) {
	switch name {
	case "tiktoken":
		return costs.NewTiktokenEstimator()
	default:
		return costs.HeuristicEstimator{}, nil
	}
}
