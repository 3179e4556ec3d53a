// Package stub is a deterministic Service implementation: it never calls an
// external model, so paper/simulation runs and tests stay reproducible and
// free. A live deployment swaps this for a real provider client behind the
// same llm.Service interface.
package stub

import (
	"context"
	"fmt"

	"github.com/aristath/sentinel/internal/llm"
)

// Service always returns the same canned completion text. Usage counts
// len(prompt)/4 prompt tokens (at least 1) and maxTokens completion tokens
// (64 when maxTokens is outside 1..256), so cost-tracking agents still
// exercise real arithmetic in tests.
type Service struct {
	PricePerThousandTokens float64
}

// New builds a stub Service. pricePerThousandTokens lets tests assert on a
// known cost without real provider pricing.
func New(pricePerThousandTokens float64) *Service {
	return &Service{PricePerThousandTokens: pricePerThousandTokens}
}

func (s *Service) Complete(ctx context.Context, prompt, model string, temperature float64, maxTokens int) (string, llm.Usage, error) {
	promptTokens := len(prompt) / 4
	if promptTokens == 0 {
		promptTokens = 1
	}
	completionTokens := maxTokens
	if completionTokens <= 0 || completionTokens > 256 {
		completionTokens = 64
	}

	text := fmt.Sprintf("[stub completion for model %s, temperature %.2f]", model, temperature)

	return text, llm.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}, nil
}

// Cost estimates the dollar cost of usage at the configured rate — agents
// call this to feed TrackCost.
func (s *Service) Cost(usage llm.Usage) float64 {
	return float64(usage.TotalTokens) / 1000.0 * s.PricePerThousandTokens
}
