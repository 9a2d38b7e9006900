// Package gateway is the entry point of the LLM request gateway. It sequences
// Rate Limiter -> Cache -> Circuit Breaker -> Dispatcher -> Cache-write and
// records exactly one cost-log entry for every terminal outcome.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentgrid/llm-gateway/internal/breaker"
	"github.com/agentgrid/llm-gateway/internal/cache"
	"github.com/agentgrid/llm-gateway/internal/costs"
	"github.com/agentgrid/llm-gateway/internal/metrics"
	"github.com/agentgrid/llm-gateway/internal/provider"
	"github.com/agentgrid/llm-gateway/internal/ratelimit"
	"github.com/agentgrid/llm-gateway/internal/store"
)

// Gateway owns the request pipeline and its collaborators.
type Gateway struct {
	limiter    *ratelimit.Limiter
	cache      *cache.Cache
	breaker    *breaker.Breaker
	client     *provider.Client
	accountant *costs.Accountant
	metrics    *metrics.Metrics
	health     store.Pinger

	defaultModel string
	defaultTTL   time.Duration
}

// Options carries everything a Gateway needs.
type Options struct {
	Limiter    *ratelimit.Limiter
	Cache      *cache.Cache
	Breaker    *breaker.Breaker
	Client     *provider.Client
	Accountant *costs.Accountant
	Metrics    *metrics.Metrics
	Health     store.Pinger

	DefaultModel string
	DefaultTTL   time.Duration
}

// New assembles the gateway.
func New(opts Options) *Gateway {
	return &Gateway{
		limiter:      opts.Limiter,
		cache:        opts.Cache,
		breaker:      opts.Breaker,
		client:       opts.Client,
		accountant:   opts.Accountant,
		metrics:      opts.Metrics,
		health:       opts.Health,
		defaultModel: opts.DefaultModel,
		defaultTTL:   opts.DefaultTTL,
	}
}

// Routes builds the HTTP surface: the chat-completions endpoint, a health
// probe, and Prometheus metrics.
func (g *Gateway) Routes(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Post("/v1/chat/completions", g.handleChat)
	r.Get("/healthz", g.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

// record writes the single accounting entry for a request outcome.
// Bookkeeping must survive caller disconnects, so it never uses the request
// context.
func (g *Gateway) record(e *store.CostLogEntry) {
	g.accountant.Record(context.Background(), e)
}
