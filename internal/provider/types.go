package provider

import "fmt"

// Message is one ordered chat message. Order is semantically meaningful and
// is never reordered by the gateway.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the outbound chat-completion call, after the breaker has chosen
// the model.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// ErrorKind classifies a non-success provider outcome.
type ErrorKind string

const (
	KindUpstreamRateLimited ErrorKind = "upstream_rate_limited"
	KindQuotaExhausted      ErrorKind = "quota_exhausted"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
)

// Error is a typed non-success provider outcome. Caller-initiated
// cancellation is never wrapped in an Error; it propagates as context.Canceled.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: %s (status %d)", e.Kind, e.StatusCode)
}
