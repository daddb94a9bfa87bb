package domain

import (
	"context"
)

// RuleGenerator produces a candidate rule from a natural-language instruction.
// Implementations call a hosted completion service with an enforced output
// schema; the engine depends on nothing beyond "returns a rule matching the
// schema or fails".
type RuleGenerator interface {
	GenerateRule(ctx context.Context, tenantID string, instruction string) (*Rule, error)
}

// LLMConfig holds configuration for the hosted completion service client.
type LLMConfig struct {
	Endpoint string
	APIKey   string
	Model    string

	// TimeoutSecs bounds a single completion call.
	TimeoutSecs int

	// RateLimit is the maximum completions per RateWindowSecs.
	RateLimit      int
	RateWindowSecs int
	// SharedLimiter switches the limiter from in-process sliding window to
	// cache-backed counters, required when running multiple instances.
	SharedLimiter bool

	// PromptCacheTTL caches generated rules per instruction.
	PromptCacheTTL int // seconds, 0 disables
}
