// Package costs estimates token usage, prices it, and writes the append-only
// accounting trail. Every path through the gateway records exactly one entry;
// that exactly-once contract is owned by the orchestrator, this package just
// makes recording cheap and non-blocking for the primary request.
package costs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentgrid/llm-gateway/internal/audit"
	"github.com/agentgrid/llm-gateway/internal/provider"
	"github.com/agentgrid/llm-gateway/internal/store"
)

// Accountant estimates and records per-request cost.
type Accountant struct {
	estimator TokenEstimator
	logs      store.CostLogStore
	audit     *audit.Log
}

// NewAccountant wires the estimator, the durable log store, and the JSONL
// audit sink together.
func NewAccountant(estimator TokenEstimator, logs store.CostLogStore, auditLog *audit.Log) *Accountant {
	return &Accountant{estimator: estimator, logs: logs, audit: auditLog}
}

// EstimateTokens estimates tokens for a message set using the configured
// estimator.
func (a *Accountant) EstimateTokens(messages []provider.Message) int {
	return a.estimator.EstimateTokens(messages)
}

// Cost prices a token count against the static per-model table.
func (a *Accountant) Cost(model string, inputTokens, outputTokens int) float64 {
	return Cost(model, inputTokens, outputTokens)
}

// Record persists one accounting entry. Store failures are logged and
// swallowed; the JSONL audit trail is written regardless so no outcome goes
// unrecorded.
func (a *Accountant) Record(ctx context.Context, e *store.CostLogEntry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	if err := a.logs.AppendCostLog(ctx, e); err != nil {
		log.Error().Err(err).Str("request_id", e.RequestID).Msg("costs: failed to persist cost log entry")
	}
	a.audit.RecordCost(e)

	log.Debug().
		Str("request_id", e.RequestID).
		Str("identity", e.Identity).
		Str("model", e.Model).
		Int("input_tokens", e.InputTokens).
		Int("output_tokens", e.OutputTokens).
		Float64("cost", e.Cost).
		Bool("cache_hit", e.CacheHit).
		Bool("success", e.Success).
		Msg("cost recorded")
}
