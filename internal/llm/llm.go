// Package llm defines the narrow LLM completion surface available to
// analysis agents; the built-in strategy_agent does not call it. Contents of the prompt/response are out of
// scope per SPEC_FULL.md §1 — the core only needs usage accounting for cost
// tracking and the budget guard.
package llm

import "context"

// Usage is the token accounting an agent needs to compute a call's cost.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Service is the engine's only path to an LLM provider.
type Service interface {
	Complete(ctx context.Context, prompt, model string, temperature float64, maxTokens int) (text string, usage Usage, err error)
}
