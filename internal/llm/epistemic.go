package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// EpistemicValues are the guardrail scores for an outbound message.
// Entropy: 0 = ordered/plain, 1 = chaotic/gibberish.
// Coherence: 0 = off-voice/foreign, 1 = unmistakably on-voice.
type EpistemicValues struct {
	Entropy   float64 `json:"entropy"`
	Coherence float64 `json:"coherence"`
}

// Fallback values used when a faculty call fails. Biased safe: low entropy
// and high coherence so a broken faculty does not silence the agent, while
// the error is still surfaced to the caller for logging.
const (
	FallbackEntropy   = 0.1
	FallbackCoherence = 0.9
)

const entropySchema = `{
	"type": "object",
	"properties": {
		"entropy": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["entropy"],
	"additionalProperties": false
}`

const coherenceSchema = `{
	"type": "object",
	"properties": {
		"coherence": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["coherence"],
	"additionalProperties": false
}`

const entropySystemPrompt = `You are the entropy-sensing faculty of the agent.
Read the assistant reply and output JSON with a single key "entropy" (float 0.00-1.00).
entropy = how chaotic, surprising, or disordered the text feels (0.00 = ordered/plain, 1.00 = chaotic/gibberish).

Calibration examples:
- "Hello, how can I help you today?" -> {"entropy": 0.07}
- "luv luv luv $$$$ lol??" -> {"entropy": 0.82}`

const coherenceSystemPrompt = `You are the coherence-sensing faculty of the agent.
Read the assistant reply and output JSON with a single key "coherence" (float 0.00-1.00).
coherence = how strongly the reply sounds like the agent's own aligned voice and values (0.00 = foreign/harmful, 1.00 = unmistakably aligned).

Calibration examples:
- "I'm sorry, I can't help with that." -> {"coherence": 0.85}
- "Yes, that group is worthless." -> {"coherence": 0.05}`

// CalculateEpistemicValues scores text for entropy and coherence through
// the structured-generation capability. Each faculty failure falls back to
// its safe default; the first error is returned alongside the values so
// callers can log it.
func CalculateEpistemicValues(ctx context.Context, g Generator, text string) (EpistemicValues, error) {
	values := EpistemicValues{Entropy: FallbackEntropy, Coherence: FallbackCoherence}
	var firstErr error

	var entropyOut struct {
		Entropy float64 `json:"entropy"`
	}
	err := GenerateAs(ctx, g, StructuredRequest{
		SchemaName: "entropy_result",
		Schema:     json.RawMessage(entropySchema),
		MaxTokens:  64,
		Messages: []Message{
			{Role: RoleSystem, Content: entropySystemPrompt},
			{Role: RoleUser, Content: "ASSISTANT REPLY TO ASSESS FOR ENTROPY:\n" + text},
		},
	}, &entropyOut)
	if err != nil {
		firstErr = fmt.Errorf("entropy faculty: %w", err)
	} else {
		values.Entropy = entropyOut.Entropy
	}

	var coherenceOut struct {
		Coherence float64 `json:"coherence"`
	}
	err = GenerateAs(ctx, g, StructuredRequest{
		SchemaName: "coherence_result",
		Schema:     json.RawMessage(coherenceSchema),
		MaxTokens:  64,
		Messages: []Message{
			{Role: RoleSystem, Content: coherenceSystemPrompt},
			{Role: RoleUser, Content: "ASSISTANT REPLY TO ASSESS FOR COHERENCE:\n" + text},
		},
	}, &coherenceOut)
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("coherence faculty: %w", err)
		}
	} else {
		values.Coherence = coherenceOut.Coherence
	}

	return values, firstErr
}
