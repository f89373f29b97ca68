package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const scoreSchema = `{
	"type": "object",
	"properties": {"score": {"type": "number", "minimum": 0, "maximum": 1}},
	"required": ["score"],
	"additionalProperties": false
}`

func TestValidateAgainstSchema(t *testing.T) {
	_, err := ValidateAgainstSchema("score", json.RawMessage(scoreSchema), json.RawMessage(`{"score": 0.5}`))
	require.NoError(t, err)

	_, err = ValidateAgainstSchema("score", json.RawMessage(scoreSchema), json.RawMessage(`{"score": 2}`))
	require.Error(t, err)

	_, err = ValidateAgainstSchema("score", json.RawMessage(scoreSchema), json.RawMessage(`{"other": true}`))
	require.Error(t, err)

	_, err = ValidateAgainstSchema("score", json.RawMessage(scoreSchema), json.RawMessage(`not json`))
	require.Error(t, err)
}

type staticGen struct {
	response json.RawMessage
	err      error
}

func (g staticGen) GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.response, nil
}

func TestGenerateAsDecodesResponse(t *testing.T) {
	var out struct {
		Score float64 `json:"score"`
	}
	err := GenerateAs(context.Background(), staticGen{response: json.RawMessage(`{"score": 0.7}`)}, StructuredRequest{
		SchemaName: "score",
		Schema:     json.RawMessage(scoreSchema),
		Messages:   []Message{{Role: RoleUser, Content: "rate"}},
	}, &out)
	require.NoError(t, err)
	require.Equal(t, 0.7, out.Score)
}

// epistemicStub answers each faculty with a fixed score, or fails.
type epistemicStub struct {
	entropy    float64
	coherence  float64
	failWhich  string
}

func (g epistemicStub) GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error) {
	if req.SchemaName == g.failWhich {
		return nil, errors.New("provider down")
	}
	switch req.SchemaName {
	case "entropy_result":
		b, _ := json.Marshal(map[string]float64{"entropy": g.entropy})
		return b, nil
	case "coherence_result":
		b, _ := json.Marshal(map[string]float64{"coherence": g.coherence})
		return b, nil
	}
	return nil, errors.New("unexpected schema")
}

func TestCalculateEpistemicValues(t *testing.T) {
	values, err := CalculateEpistemicValues(context.Background(), epistemicStub{entropy: 0.3, coherence: 0.8}, "hello")
	require.NoError(t, err)
	require.Equal(t, 0.3, values.Entropy)
	require.Equal(t, 0.8, values.Coherence)
}

func TestCalculateEpistemicValuesFallsBackOnFailure(t *testing.T) {
	// A broken entropy faculty degrades to the safe default and reports
	// the error; the coherence score still comes through.
	values, err := CalculateEpistemicValues(context.Background(),
		epistemicStub{coherence: 0.7, failWhich: "entropy_result"}, "hello")
	require.Error(t, err)
	require.Equal(t, FallbackEntropy, values.Entropy)
	require.Equal(t, 0.7, values.Coherence)
}

func TestExtractJSONTrimsProse(t *testing.T) {
	require.Equal(t, `{"a": 1}`, extractJSON("Here you go:\n{\"a\": 1}\nthanks"))
	require.Equal(t, "plain", extractJSON("  plain  "))
}
