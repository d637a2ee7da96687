package model

import "time"

// UsageEvent represents a single usage entry sourced from one log line.
// Events are immutable; aggregates are recomputed from them on every run.
type UsageEvent struct {
	Timestamp   time.Time
	SessionID   string
	ProjectPath string
	Model       string
	Usage       TokenUsage
}

// TokenUsage contains token counts from one assistant API response.
type TokenUsage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// Add accumulates another TokenUsage into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// Total returns the sum of all token categories.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// ModelPricing contains per-token USD prices for a model (per token, not per million).
type ModelPricing struct {
	InputCostPerToken         float64
	OutputCostPerToken        float64
	CacheCreationCostPerToken float64
	CacheReadCostPerToken     float64
}
