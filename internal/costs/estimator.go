package costs

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/agentgrid/llm-gateway/internal/provider"
)

// TokenEstimateRatio is the approximate number of characters per token, used
// by the heuristic estimator.
const TokenEstimateRatio = 4

// TokenEstimator estimates token counts for a message set. It is an
// interface so tests can inject exact counts.
type TokenEstimator interface {
	EstimateTokens(messages []provider.Message) int
}

// HeuristicEstimator estimates ceil(totalCharacters / 4) over the
// concatenated message contents. It is the default: cheap, provider-agnostic,
// and close enough for advisory accounting.
type HeuristicEstimator struct{}

func (HeuristicEstimator) EstimateTokens(messages []provider.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return (chars + TokenEstimateRatio - 1) / TokenEstimateRatio
}

// TiktokenEstimator counts tokens with the cl100k_base encoding. Slower than
// the heuristic but exact for OpenAI-family models.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the cl100k_base encoding.
func NewTiktokenEstimator() (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding: %w", err)
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (t *TiktokenEstimator) EstimateTokens(messages []provider.Message) int {
	total := 0
	for _, m := range messages {
		total += len(t.enc.Encode(m.Content, nil, nil))
	}
	return total
}
