// Package gateway types - the caller-facing request and error shapes.
package gateway

import (
	"time"

	"github.com/agentgrid/llm-gateway/internal/config"
	"github.com/agentgrid/llm-gateway/internal/provider"
	"github.com/agentgrid/llm-gateway/internal/ratelimit"
)

// ChatRequest is the inbound request from an internal caller.
type ChatRequest struct {
	Messages        []provider.Message `json:"messages"`
	Model           string             `json:"model,omitempty"`
	Stream          bool               `json:"stream,omitempty"`
	MaxTokens       int                `json:"max_tokens,omitempty"`
	Temperature     *float64           `json:"temperature,omitempty"`
	CallerIdentity  string             `json:"caller_identity"`
	Priority        string             `json:"priority,omitempty"`
	CacheTTLSeconds int                `json:"cache_ttl_seconds,omitempty"`
	SkipCache       bool               `json:"skip_cache,omitempty"`
}

// applyDefaults fills the model and priority defaults.
func (r *ChatRequest) applyDefaults(defaultModel string) {
	if r.Model == "" {
		r.Model = defaultModel
	}
	switch r.Priority {
	case ratelimit.PriorityHigh, ratelimit.PriorityMedium, ratelimit.PriorityLow:
	default:
		r.Priority = config.DefaultPriority
	}
}

// cacheTTL returns the caller-supplied TTL or the gateway default.
func (r *ChatRequest) cacheTTL(fallback time.Duration) time.Duration {
	if r.CacheTTLSeconds > 0 {
		return time.Duration(r.CacheTTLSeconds) * time.Second
	}
	return fallback
}

// errorPayload is the structured error shape surfaced to callers. Gateway
// admission denials and upstream rate limits share HTTP 429 but are
// distinguishable by error_kind.
type errorPayload struct {
	ErrorKind  string `json:"error_kind"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}
