package costs

import "strings"

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMTok  float64 // USD per million input tokens
	OutputPerMTok float64 // USD per million output tokens
}

// modelPricingTable maps model names to their pricing.
var modelPricingTable = map[string]ModelPricing{
	"gpt-4o":                 {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4o-2024-11-20":      {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4o-mini":            {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4o-mini-2024-07-18": {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4-turbo":            {InputPerMTok: 10, OutputPerMTok: 30},
	"gpt-3.5-turbo":          {InputPerMTok: 0.5, OutputPerMTok: 1.5},
}

// defaultPricing is used for unknown models (conservative to prevent silent
// overspend).
var defaultPricing = ModelPricing{InputPerMTok: 10, OutputPerMTok: 30}

// modelFamilyPricing maps model family prefixes to pricing. Longest prefix
// wins so e.g. "gpt-4o-mini" is not billed at "gpt-4o" rates.
var modelFamilyPricing = map[string]ModelPricing{
	"gpt-4o-mini":   {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4o":        {InputPerMTok: 2.5, OutputPerMTok: 10},
	"gpt-4":         {InputPerMTok: 10, OutputPerMTok: 30},
	"gpt-3.5-turbo": {InputPerMTok: 0.5, OutputPerMTok: 1.5},
}

// Pricing returns pricing for a model. Tries exact match, then prefix/family
// match (longest prefix wins), then the default row.
func Pricing(model string) ModelPricing {
	if p, ok := modelPricingTable[model]; ok {
		return p
	}

	bestPrefix := ""
	var bestPricing ModelPricing
	for prefix, p := range modelFamilyPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			bestPricing = p
		}
	}
	if bestPrefix != "" {
		return bestPricing
	}

	return defaultPricing
}

// Cost computes the cost in USD from token counts.
func Cost(model string, inputTokens, outputTokens int) float64 {
	pricing := Pricing(model)
	inputCost := float64(inputTokens) / 1_000_000 * pricing.InputPerMTok
	outputCost := float64(outputTokens) / 1_000_000 * pricing.OutputPerMTok
	return inputCost + outputCost
}
