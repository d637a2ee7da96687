package pricing

import (
	"strings"

	"github.com/usagepulse/usagepulse/internal/model"
)

// embedded per-model prices, applied independently to each token category.
// The table is static on purpose: cost must be a deterministic function of
// the event set so that re-aggregation produces identical uploads.
var table = map[string]model.ModelPricing{
	"claude-opus-4-20250514": {
		InputCostPerToken:         1.5e-05,
		OutputCostPerToken:        7.5e-05,
		CacheCreationCostPerToken: 1.875e-05,
		CacheReadCostPerToken:     1.5e-06,
	},
	"claude-opus-4-1-20250805": {
		InputCostPerToken:         1.5e-05,
		OutputCostPerToken:        7.5e-05,
		CacheCreationCostPerToken: 1.875e-05,
		CacheReadCostPerToken:     1.5e-06,
	},
	"claude-sonnet-4-20250514": {
		InputCostPerToken:         3e-06,
		OutputCostPerToken:        1.5e-05,
		CacheCreationCostPerToken: 3.75e-06,
		CacheReadCostPerToken:     3e-07,
	},
	"claude-sonnet-4-5-20250929": {
		InputCostPerToken:         3e-06,
		OutputCostPerToken:        1.5e-05,
		CacheCreationCostPerToken: 3.75e-06,
		CacheReadCostPerToken:     3e-07,
	},
	"claude-3-7-sonnet-20250219": {
		InputCostPerToken:         3e-06,
		OutputCostPerToken:        1.5e-05,
		CacheCreationCostPerToken: 3.75e-06,
		CacheReadCostPerToken:     3e-07,
	},
	"claude-3-5-sonnet-20241022": {
		InputCostPerToken:         3e-06,
		OutputCostPerToken:        1.5e-05,
		CacheCreationCostPerToken: 3.75e-06,
		CacheReadCostPerToken:     3e-07,
	},
	"claude-3-5-haiku-20241022": {
		InputCostPerToken:         8e-07,
		OutputCostPerToken:        4e-06,
		CacheCreationCostPerToken: 1e-06,
		CacheReadCostPerToken:     8e-08,
	},
	"claude-3-haiku-20240307": {
		InputCostPerToken:         2.5e-07,
		OutputCostPerToken:        1.25e-06,
		CacheCreationCostPerToken: 3e-07,
		CacheReadCostPerToken:     3e-08,
	},
	"claude-3-opus-20240229": {
		InputCostPerToken:         1.5e-05,
		OutputCostPerToken:        7.5e-05,
		CacheCreationCostPerToken: 1.875e-05,
		CacheReadCostPerToken:     1.5e-06,
	},
}

// defaultPricing is used for unknown models (Sonnet-class prices).
var defaultPricing = model.ModelPricing{
	InputCostPerToken:         3e-06,
	OutputCostPerToken:        1.5e-05,
	CacheCreationCostPerToken: 3.75e-06,
	CacheReadCostPerToken:     3e-07,
}

// GetPricing returns pricing for a model, trying an exact match first and
// then a normalized-name match before falling back to the default profile.
func GetPricing(modelName string) model.ModelPricing {
	if p, ok := table[modelName]; ok {
		return p
	}

	normalized := normalizeModelName(modelName)
	for name, p := range table {
		if normalizeModelName(name) == normalized {
			return p
		}
	}

	return defaultPricing
}

// normalizeModelName normalizes model names for matching.
func normalizeModelName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "")
	name = strings.ReplaceAll(name, "_", "")
	return name
}

// CalculateCost calculates the USD cost for one event's token usage.
func CalculateCost(usage model.TokenUsage, pricing model.ModelPricing) float64 {
	cost := float64(usage.InputTokens) * pricing.InputCostPerToken
	cost += float64(usage.OutputTokens) * pricing.OutputCostPerToken
	cost += float64(usage.CacheCreationTokens) * pricing.CacheCreationCostPerToken
	cost += float64(usage.CacheReadTokens) * pricing.CacheReadCostPerToken
	return cost
}

// CostFor is a convenience that prices usage for the named model.
func CostFor(modelName string, usage model.TokenUsage) float64 {
	return CalculateCost(usage, GetPricing(modelName))
}
