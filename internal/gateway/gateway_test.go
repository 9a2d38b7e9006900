package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/agentgrid/llm-gateway/internal/audit"
	"github.com/agentgrid/llm-gateway/internal/breaker"
	"github.com/agentgrid/llm-gateway/internal/cache"
	"github.com/agentgrid/llm-gateway/internal/costs"
	"github.com/agentgrid/llm-gateway/internal/metrics"
	"github.com/agentgrid/llm-gateway/internal/provider"
	"github.com/agentgrid/llm-gateway/internal/ratelimit"
	"github.com/agentgrid/llm-gateway/internal/store"
)

const completionBody = `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"four"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`

// testEnv wires a full gateway against an httptest upstream and the in-memory
// store, so every path from HTTP in to cost-log out is exercised.
type testEnv struct {
	mem       *store.Memory
	brk       *breaker.Breaker
	srv       *httptest.Server
	dispatches atomic.Int64
}

func newTestEnv(t *testing.T, upstream http.HandlerFunc) *testEnv {
	t.Helper()

	env := &testEnv{mem: store.NewMemory()}
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.dispatches.Add(1)
		upstream(w, r)
	}))
	t.Cleanup(up.Close)

	auditLog, err := audit.New("")
	require.NoError(t, err)

	env.brk = breaker.New(5, time.Minute, []string{"gpt-4o-mini", "gpt-3.5-turbo"}, auditLog)

	reg := prometheus.NewRegistry()
	g := New(Options{
		Limiter:      ratelimit.New(env.mem, env.mem),
		Cache:        cache.New(env.mem),
		Breaker:      env.brk,
		Client:       provider.NewClient(up.URL, "test-key", 2*time.Second),
		Accountant:   costs.NewAccountant(costs.HeuristicEstimator{}, env.mem, auditLog),
		Metrics:      metrics.New(reg),
		Health:       env.mem,
		DefaultModel: "gpt-4o",
		DefaultTTL:   time.Hour,
	})
	env.srv = httptest.NewServer(g.Routes(reg))
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) postChat(t *testing.T, body map[string]any) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(e.srv.URL+"/v1/chat/completions", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, respBody
}

func chatBody(overrides map[string]any) map[string]any {
	body := map[string]any{
		"model":           "gpt-4o",
		"messages":        []map[string]string{{"role": "user", "content": "what is 2+2?"}},
		"caller_identity": "agent-7",
	}
	for k, v := range overrides {
		body[k] = v
	}
	return body
}

func okUpstream(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, completionBody)
}

func TestChat_CacheHitSkipsSecondDispatch(t *testing.T) {
	env := newTestEnv(t, okUpstream)

	resp1, body1 := env.postChat(t, chatBody(nil))
	require.Equal(t, http.StatusOK, resp1.StatusCode)
	assert.Equal(t, "MISS", resp1.Header.Get("X-Cache"))
	assert.Equal(t, "MISS", gjson.GetBytes(body1, "cache_status").String())

	resp2, body2 := env.postChat(t, chatBody(nil))
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "HIT", resp2.Header.Get("X-Cache"))
	assert.Equal(t, "HIT", gjson.GetBytes(body2, "cache_status").String())

	assert.Equal(t, int64(1), env.dispatches.Load(), "the second identical request must not reach the provider")

	// Apart from the cache annotation, the memoized payload is the original one.
	assert.Equal(t, gjson.GetBytes(body1, "choices").Raw, gjson.GetBytes(body2, "choices").Raw)
	assert.Equal(t, gjson.GetBytes(body1, "id").String(), gjson.GetBytes(body2, "id").String())

	logs := env.mem.CostLogs()
	require.Len(t, logs, 2)
	assert.False(t, logs[0].CacheHit)
	assert.True(t, logs[1].CacheHit)
	assert.Equal(t, logs[0].Cost, logs[1].Cost, "the hit records the figures memoized at store time")
	assert.Equal(t, 12, logs[1].InputTokens)
	assert.Equal(t, 3, logs[1].OutputTokens)
}

func TestChat_DifferentMessagesMiss(t *testing.T) {
	env := newTestEnv(t, okUpstream)

	env.postChat(t, chatBody(nil))
	env.postChat(t, chatBody(map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "what is 3+3?"}},
	}))

	assert.Equal(t, int64(2), env.dispatches.Load())
}

func TestChat_SkipCacheBypassesLookupAndStore(t *testing.T) {
	env := newTestEnv(t, okUpstream)

	body := chatBody(map[string]any{"skip_cache": true})
	env.postChat(t, body)
	env.postChat(t, body)
	assert.Equal(t, int64(2), env.dispatches.Load())

	// A skip_cache response is not memoized either: a normal request misses.
	resp, _ := env.postChat(t, chatBody(nil))
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Equal(t, int64(3), env.dispatches.Load())
}

func TestChat_AdmissionDenied(t *testing.T) {
	env := newTestEnv(t, okUpstream)
	require.NoError(t, env.mem.UpsertRateLimitConfig(context.Background(), store.RateLimitConfig{
		Identity:          "agent-7",
		RequestsPerMinute: 1,
		Active:            true,
	}))

	resp1, _ := env.postChat(t, chatBody(map[string]any{"skip_cache": true}))
	require.Equal(t, http.StatusOK, resp1.StatusCode)

	resp2, body2 := env.postChat(t, chatBody(map[string]any{"skip_cache": true}))
	require.Equal(t, http.StatusTooManyRequests, resp2.StatusCode)
	assert.Equal(t, "admission_denied", gjson.GetBytes(body2, "error_kind").String())
	assert.NotEmpty(t, resp2.Header.Get("Retry-After"))

	retryAfter := gjson.GetBytes(body2, "retry_after").Int()
	assert.GreaterOrEqual(t, retryAfter, int64(1))
	assert.LessOrEqual(t, retryAfter, int64(60))

	assert.Equal(t, int64(1), env.dispatches.Load(), "a denied request never reaches the provider")

	logs := env.mem.CostLogs()
	require.Len(t, logs, 2)
	assert.Equal(t, "admission_denied", logs[1].Error)
	assert.False(t, logs[1].Success)
}

func TestChat_HighPriorityBypassesMinuteWindow(t *testing.T) {
	env := newTestEnv(t, okUpstream)
	require.NoError(t, env.mem.UpsertRateLimitConfig(context.Background(), store.RateLimitConfig{
		Identity:          "agent-7",
		RequestsPerMinute: 1,
		Active:            true,
	}))

	env.postChat(t, chatBody(map[string]any{"skip_cache": true}))
	resp, _ := env.postChat(t, chatBody(map[string]any{"skip_cache": true, "priority": "high"}))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChat_BreakerOpensAndSubstitutesFallback(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "model").String() == "gpt-4o" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		okUpstream(w, r)
	})

	// Five consecutive failures open the breaker.
	for i := 0; i < 5; i++ {
		body := chatBody(map[string]any{
			"skip_cache": true,
			"messages":   []map[string]string{{"role": "user", "content": fmt.Sprintf("attempt %d", i)}},
		})
		resp, respBody := env.postChat(t, body)
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "upstream_unavailable", gjson.GetBytes(respBody, "error_kind").String())
	}
	require.Equal(t, breaker.Open, env.brk.State())

	// The sixth request is served by the first fallback that differs from the
	// requested model, and its success closes the breaker.
	resp, _ := env.postChat(t, chatBody(map[string]any{"skip_cache": true}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gpt-4o-mini", resp.Header.Get("X-Model"))
	assert.Equal(t, breaker.Closed, env.brk.State())

	logs := env.mem.CostLogs()
	require.Len(t, logs, 6)
	for _, e := range logs[:5] {
		assert.Equal(t, "upstream_unavailable", e.Error)
		assert.Equal(t, "gpt-4o", e.Model)
	}
	assert.True(t, logs[5].Success)
	assert.Equal(t, "gpt-4o-mini", logs[5].Model, "accounting records the model actually dispatched")
}

func TestChat_UpstreamRateLimitedPassesThrough(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	resp, body := env.postChat(t, chatBody(nil))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "upstream_rate_limited", gjson.GetBytes(body, "error_kind").String())

	logs := env.mem.CostLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "upstream_rate_limited", logs[0].Error)
}

func TestChat_QuotaExhaustedPassesThrough(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	})

	resp, body := env.postChat(t, chatBody(nil))
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "quota_exhausted", gjson.GetBytes(body, "error_kind").String())
}

func TestChat_StreamingPassesThroughAndIsNeverCached(t *testing.T) {
	const sse = "data: {\"choices\":[{\"delta\":{\"content\":\"fo\"}}]}\n\ndata: [DONE]\n\n"
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "stream").Bool() {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, sse)
			return
		}
		okUpstream(w, r)
	})

	streamReq := chatBody(map[string]any{"stream": true})
	resp, body := env.postChat(t, streamReq)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Equal(t, sse, string(body), "stream chunks pass through byte for byte")

	// Repeating the stream dispatches again, and the equivalent non-streaming
	// request still misses: streamed responses never enter the cache.
	env.postChat(t, streamReq)
	resp3, _ := env.postChat(t, chatBody(nil))
	assert.Equal(t, "MISS", resp3.Header.Get("X-Cache"))
	assert.Equal(t, int64(3), env.dispatches.Load())

	logs := env.mem.CostLogs()
	require.Len(t, logs, 3)
	assert.True(t, logs[0].Success)
	assert.Zero(t, logs[0].OutputTokens, "stream output size is unknown synchronously")
	assert.Greater(t, logs[0].InputTokens, 0)
}

func TestChat_ExactlyOneCostLogPerRequest(t *testing.T) {
	fail := atomic.Bool{}
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		okUpstream(w, r)
	})
	require.NoError(t, env.mem.UpsertRateLimitConfig(context.Background(), store.RateLimitConfig{
		Identity:          "agent-7",
		RequestsPerMinute: 4,
		Active:            true,
	}))

	env.postChat(t, chatBody(nil)) // dispatch, miss
	env.postChat(t, chatBody(nil)) // cache hit
	fail.Store(true)
	env.postChat(t, chatBody(map[string]any{"skip_cache": true})) // upstream failure
	env.postChat(t, chatBody(nil))                                // hit again, still admitted
	env.postChat(t, chatBody(nil))                                // admission denied

	logs := env.mem.CostLogs()
	require.Len(t, logs, 5, "one accounting record per request, no more, no less")

	ids := map[string]bool{}
	for _, e := range logs {
		assert.NotEmpty(t, e.RequestID)
		assert.False(t, ids[e.RequestID], "request ids must be unique")
		ids[e.RequestID] = true
		assert.Equal(t, "agent-7", e.Identity)
		assert.False(t, e.CreatedAt.IsZero())
	}
}

func TestChat_MalformedRequestsDoNotReachThePipeline(t *testing.T) {
	env := newTestEnv(t, okUpstream)

	resp, _ := env.postChat(t, map[string]any{"caller_identity": "agent-7"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.postChat(t, map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, int64(0), env.dispatches.Load())
	assert.Empty(t, env.mem.CostLogs(), "rejected requests are not accounted")
}

func TestChat_DefaultModelApplied(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "gpt-4o", gjson.GetBytes(body, "model").String())
		okUpstream(w, r)
	})

	body := chatBody(nil)
	delete(body, "model")
	resp, _ := env.postChat(t, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gpt-4o", resp.Header.Get("X-Model"))
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, okUpstream)

	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", gjson.GetBytes(body, "status").String())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, okUpstream)
	env.postChat(t, chatBody(nil))

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "llm_gateway_admissions_total")
}
