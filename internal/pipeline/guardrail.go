package pipeline

import (
	"context"
	"log/slog"

	"github.com/dotcommander/ciris/internal/llm"
)

// GuardrailResult records the epistemic scores for an outbound message and
// whether it may be spoken. Non-speaking actions pass by default and never
// reach the guardrail.
type GuardrailResult struct {
	Passed    bool    `json:"passed"`
	Entropy   float64 `json:"entropy"`
	Coherence float64 `json:"coherence"`
	Reason    string  `json:"reason,omitempty"`
}

// EpistemicGuardrail gates SPEAK actions on entropy and coherence scores
// from the LLM faculty. On a breach the processor substitutes PONDER or
// DEFER for the original action before dispatch.
type EpistemicGuardrail struct {
	gen                llm.Generator
	entropyThreshold   float64
	coherenceThreshold float64
}

// NewEpistemicGuardrail builds a guardrail with configured thresholds.
func NewEpistemicGuardrail(gen llm.Generator, entropyThreshold, coherenceThreshold float64) *EpistemicGuardrail {
	return &EpistemicGuardrail{
		gen:                gen,
		entropyThreshold:   entropyThreshold,
		coherenceThreshold: coherenceThreshold,
	}
}

// Check scores content. A faculty failure falls back to the safe defaults
// (which pass), so a broken faculty degrades to logging rather than
// silencing the agent.
func (g *EpistemicGuardrail) Check(ctx context.Context, content string) GuardrailResult {
	values, err := llm.CalculateEpistemicValues(ctx, g.gen, content)
	if err != nil {
		slog.Default().Warn("epistemic faculty degraded", "error", err)
	}

	result := GuardrailResult{
		Entropy:   values.Entropy,
		Coherence: values.Coherence,
		Passed:    true,
	}
	if values.Entropy > g.entropyThreshold {
		result.Passed = false
		result.Reason = "entropy above threshold"
	} else if values.Coherence < g.coherenceThreshold {
		result.Passed = false
		result.Reason = "coherence below threshold"
	}
	return result
}
