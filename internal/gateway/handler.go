// HTTP request handling for the LLM request gateway.
//
// DESIGN: Main request flow:
//   - handleChat():          Entry point for all chat-completion requests
//   - handleNonStreaming():  Cache-aware dispatch with memoization
//   - handleStreaming():     SSE passthrough, never cached
//
// Every terminal outcome (denial, cache hit, success, failure) records
// exactly one cost-log entry before returning.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/agentgrid/llm-gateway/internal/config"
	"github.com/agentgrid/llm-gateway/internal/provider"
	"github.com/agentgrid/llm-gateway/internal/store"
)

// writeError writes a JSON error response for malformed requests.
func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorPayload{ErrorKind: "gateway_error", Message: msg})
}

// writeKindError writes a structured {error_kind, message, retry_after?}
// outcome to the caller.
func (g *Gateway) writeKindError(w http.ResponseWriter, status int, kind, msg string, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	if retryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorPayload{ErrorKind: kind, Message: msg, RetryAfter: retryAfter})
}

// handleHealth returns gateway health status, probing the backing store.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}

	if g.health != nil {
		if err := g.health.Ping(r.Context()); err != nil {
			health["status"] = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if health["status"] != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}

// handleChat processes one chat-completion request through the pipeline.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		g.writeError(w, "messages is required", http.StatusBadRequest)
		return
	}
	if req.CallerIdentity == "" {
		g.writeError(w, "caller_identity is required", http.StatusBadRequest)
		return
	}
	req.applyDefaults(g.defaultModel)

	defer func() {
		g.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	}()

	// Admission control.
	decision := g.limiter.Admit(ctx, req.CallerIdentity, req.Priority)
	if !decision.Allowed {
		g.metrics.Admissions.WithLabelValues("denied").Inc()
		g.record(&store.CostLogEntry{
			RequestID:   requestID,
			Identity:    req.CallerIdentity,
			Model:       req.Model,
			InputTokens: g.accountant.EstimateTokens(req.Messages),
			Priority:    req.Priority,
			LatencyMs:   time.Since(start).Milliseconds(),
			Success:     false,
			Error:       "admission_denied",
		})
		retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		g.writeKindError(w, http.StatusTooManyRequests, "admission_denied", "rate limit exceeded", retryAfter)
		return
	}
	g.metrics.Admissions.WithLabelValues("allowed").Inc()

	// Memoized response, non-streaming only.
	if !req.Stream && !req.SkipCache {
		if entry, hit := g.cache.Lookup(ctx, req.Model, req.Messages); hit {
			g.metrics.CacheLookups.WithLabelValues("hit").Inc()
			g.record(&store.CostLogEntry{
				RequestID:    requestID,
				Identity:     req.CallerIdentity,
				Model:        entry.Model,
				InputTokens:  entry.InputTokens,
				OutputTokens: entry.OutputTokens,
				Cost:         entry.Cost,
				CacheHit:     true,
				Priority:     req.Priority,
				LatencyMs:    time.Since(start).Milliseconds(),
				Success:      true,
			})
			g.writeCompletion(w, requestID, entry.Payload, true, entry.Model, entry.Cost)
			return
		}
		g.metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	// The breaker may substitute a fallback model while the upstream cools.
	model, substituted := g.breaker.ModelFor(req.Model)
	if substituted {
		log.Info().
			Str("request_id", requestID).
			Str("requested", req.Model).
			Str("substitute", model).
			Msg("breaker open, substituting fallback model")
	}

	providerReq := provider.Request{
		Model:       model,
		Messages:    req.Messages,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	if req.Stream {
		g.handleStreaming(w, ctx, requestID, req, providerReq, start)
		return
	}
	g.handleNonStreaming(w, ctx, requestID, req, providerReq, start)
}

// handleNonStreaming dispatches, memoizes on success, and returns the
// annotated provider payload.
func (g *Gateway) handleNonStreaming(w http.ResponseWriter, ctx context.Context,
	requestID string, req ChatRequest, providerReq provider.Request, start time.Time) {

	res, err := g.client.Dispatch(ctx, providerReq)
	if err != nil {
		g.handleDispatchError(w, requestID, req, providerReq.Model, start, err)
		return
	}
	g.breaker.RecordSuccess()
	g.metrics.Dispatches.WithLabelValues("success").Inc()
	g.metrics.BreakerState.Set(float64(g.breaker.State()))

	inputTokens, outputTokens, reported := provider.UsageFromBody(res.Body)
	if !reported {
		inputTokens = g.accountant.EstimateTokens(req.Messages)
		outputTokens = g.accountant.EstimateTokens(completionMessages(res.Body))
	}
	cost := g.accountant.Cost(providerReq.Model, inputTokens, outputTokens)

	// Memoize under the requested model so the next identical request hits.
	if !req.SkipCache {
		g.cache.Store(ctx, req.Model, req.Messages, res.Body,
			inputTokens, outputTokens, cost, req.cacheTTL(g.defaultTTL))
	}

	g.record(&store.CostLogEntry{
		RequestID:    requestID,
		Identity:     req.CallerIdentity,
		Model:        providerReq.Model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		Priority:     req.Priority,
		LatencyMs:    time.Since(start).Milliseconds(),
		Success:      true,
	})
	g.writeCompletion(w, requestID, res.Body, false, providerReq.Model, cost)
}

// handleStreaming passes the provider's event stream through verbatim.
// Streamed responses are never cached, and the output token count is unknown
// synchronously; only the input estimate is recorded.
func (g *Gateway) handleStreaming(w http.ResponseWriter, ctx context.Context,
	requestID string, req ChatRequest, providerReq provider.Request, start time.Time) {

	res, err := g.client.Dispatch(ctx, providerReq)
	if err != nil {
		g.handleDispatchError(w, requestID, req, providerReq.Model, start, err)
		return
	}
	defer func() { _ = res.Stream.Close() }()

	g.breaker.RecordSuccess()
	g.metrics.Dispatches.WithLabelValues("success").Inc()
	g.metrics.BreakerState.Set(float64(g.breaker.State()))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Request-Id", requestID)
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	streamErr := ""
	buf := make([]byte, 4096)
	for {
		n, readErr := res.Stream.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				// Caller went away mid-stream; not an upstream failure.
				streamErr = "client_disconnected"
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if errors.Is(readErr, context.Canceled) {
				streamErr = "client_disconnected"
			} else {
				streamErr = "stream_interrupted"
			}
			break
		}
	}

	inputTokens := g.accountant.EstimateTokens(req.Messages)
	g.record(&store.CostLogEntry{
		RequestID:   requestID,
		Identity:    req.CallerIdentity,
		Model:       providerReq.Model,
		InputTokens: inputTokens,
		Cost:        g.accountant.Cost(providerReq.Model, inputTokens, 0),
		Priority:    req.Priority,
		LatencyMs:   time.Since(start).Milliseconds(),
		Success:     streamErr == "",
		Error:       streamErr,
	})
}

// handleDispatchError maps a failed dispatch to a breaker signal, a cost-log
// entry, and a caller-visible structured error. Caller-initiated cancellation
// is bookkept but never reported to the breaker.
func (g *Gateway) handleDispatchError(w http.ResponseWriter, requestID string,
	req ChatRequest, model string, start time.Time, err error) {

	entry := &store.CostLogEntry{
		RequestID:   requestID,
		Identity:    req.CallerIdentity,
		Model:       model,
		InputTokens: g.accountant.EstimateTokens(req.Messages),
		Priority:    req.Priority,
		LatencyMs:   time.Since(start).Milliseconds(),
		Success:     false,
	}

	if errors.Is(err, context.Canceled) {
		entry.Error = "canceled"
		g.record(entry)
		g.metrics.Dispatches.WithLabelValues("canceled").Inc()
		return
	}

	g.breaker.RecordFailure()
	g.metrics.BreakerState.Set(float64(g.breaker.State()))

	kind := provider.KindUpstreamUnavailable
	var perr *provider.Error
	if errors.As(err, &perr) {
		kind = perr.Kind
	}
	entry.Error = string(kind)
	g.record(entry)
	g.metrics.Dispatches.WithLabelValues(string(kind)).Inc()

	log.Error().Err(err).
		Str("request_id", requestID).
		Str("model", model).
		Msg("dispatch failed")

	switch kind {
	case provider.KindUpstreamRateLimited:
		g.writeKindError(w, http.StatusTooManyRequests, string(kind), "upstream rejected the request with 429", 0)
	case provider.KindQuotaExhausted:
		g.writeKindError(w, http.StatusPaymentRequired, string(kind), "upstream quota exhausted", 0)
	default:
		g.writeKindError(w, http.StatusBadGateway, string(kind), "upstream unavailable", 0)
	}
}

// writeCompletion returns a provider payload annotated with the cache
// HIT/MISS indicator.
func (g *Gateway) writeCompletion(w http.ResponseWriter, requestID string,
	payload []byte, hit bool, model string, cost float64) {

	status := "MISS"
	if hit {
		status = "HIT"
	}
	annotated, err := sjson.SetBytes(payload, "cache_status", status)
	if err != nil {
		annotated = payload
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)
	w.Header().Set("X-Cache", status)
	w.Header().Set("X-Model", model)
	w.Header().Set("X-Cost-USD", fmt.Sprintf("%.6f", cost))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(annotated)
}

// completionMessages extracts the assistant content of a chat-completion
// response for output-token estimation when the provider reports no usage.
func completionMessages(body []byte) []provider.Message {
	var msgs []provider.Message
	for _, choice := range gjson.GetBytes(body, "choices.#.message.content").Array() {
		if s := choice.String(); strings.TrimSpace(s) != "" {
			msgs = append(msgs, provider.Message{Role: "assistant", Content: s})
		}
	}
	return msgs
}
