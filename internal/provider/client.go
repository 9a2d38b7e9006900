// Package provider dispatches chat-completion calls to the upstream
// generative-text endpoint and maps HTTP outcomes to typed results.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// Result is a completed dispatch. For non-streaming calls Body holds the
// provider's JSON; for streaming calls Stream is the provider's event-stream
// body, handed back unmodified, and the caller must close it.
type Result struct {
	StatusCode int
	Body       []byte
	Stream     io.ReadCloser
	Header     http.Header
}

// Client talks to the provider's chat-completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

// NewClient builds a provider client. timeout bounds non-streaming calls and
// the response-header wait of streaming calls; streaming bodies are read for
// as long as the consumer keeps the stream open.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: timeout,
		http: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeout,
				MaxIdleConnsPerHost:   16,
			},
		},
	}
}

// Dispatch executes one chat-completion call. Non-2xx statuses and timeouts
// return a typed *Error; caller cancellation returns context.Canceled
// unwrapped so the breaker can tell the two apart.
func (c *Client) Dispatch(ctx context.Context, req Request) (*Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode provider request: %w", err)
	}

	if !req.Stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		// Timeouts and transport errors are both upstream unavailability.
		return nil, &Error{Kind: KindUpstreamUnavailable, StatusCode: 0, Body: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &Error{Kind: kindForStatus(resp.StatusCode), StatusCode: resp.StatusCode, Body: string(body)}
	}

	if req.Stream {
		return &Result{StatusCode: resp.StatusCode, Stream: resp.Body, Header: resp.Header}, nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		return nil, &Error{Kind: KindUpstreamUnavailable, StatusCode: resp.StatusCode, Body: err.Error()}
	}
	return &Result{StatusCode: resp.StatusCode, Body: body, Header: resp.Header}, nil
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusTooManyRequests:
		return KindUpstreamRateLimited
	case http.StatusPaymentRequired:
		return KindQuotaExhausted
	default:
		return KindUpstreamUnavailable
	}
}

// UsageFromBody extracts reported token usage from a chat-completion response.
// Returns ok=false when the provider did not report usage, in which case the
// caller falls back to estimation.
func UsageFromBody(body []byte) (inputTokens, outputTokens int, ok bool) {
	prompt := gjson.GetBytes(body, "usage.prompt_tokens")
	completion := gjson.GetBytes(body, "usage.completion_tokens")
	if !prompt.Exists() || !completion.Exists() {
		return 0, 0, false
	}
	return int(prompt.Int()), int(completion.Int()), true
}
