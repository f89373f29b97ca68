package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandlerActionValidate(t *testing.T) {
	cases := []struct {
		name   string
		action HandlerAction
		ok     bool
	}{
		{"speak ok", HandlerAction{Type: ActionSpeak, Speak: &SpeakParams{ChannelID: "cli_local", Content: "hi"}}, true},
		{"speak missing content", HandlerAction{Type: ActionSpeak, Speak: &SpeakParams{ChannelID: "cli_local"}}, false},
		{"speak missing payload", HandlerAction{Type: ActionSpeak}, false},
		{"forget requires reason", HandlerAction{Type: ActionForget, Forget: &ForgetParams{NodeID: "n"}}, false},
		{"forget ok", HandlerAction{Type: ActionForget, Forget: &ForgetParams{NodeID: "n", Reason: "stale"}}, true},
		{"ponder needs questions", HandlerAction{Type: ActionPonder, Ponder: &PonderParams{}}, false},
		{"ponder ok", HandlerAction{Type: ActionPonder, Ponder: &PonderParams{Questions: []string{"q"}}}, true},
		{"task complete bare", HandlerAction{Type: ActionTaskComplete}, true},
		{"unknown type", HandlerAction{Type: "dance"}, false},
		{"defer needs reason", HandlerAction{Type: ActionDefer, Defer: &DeferParams{}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.action.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestHandlerActionValidatesAfterDeserialisation(t *testing.T) {
	raw := `{"type": "speak", "speak": {"channel_id": "discord_1", "content": "hello"}}`
	var action HandlerAction
	require.NoError(t, json.Unmarshal([]byte(raw), &action))
	require.NoError(t, action.Validate())

	raw = `{"type": "speak"}`
	var bare HandlerAction
	require.NoError(t, json.Unmarshal([]byte(raw), &bare))
	require.Error(t, bare.Validate())
}

func TestEdgeIDDeterministic(t *testing.T) {
	a := EdgeID("s", "t", "TEMPORAL_NEXT")
	b := EdgeID("s", "t", "TEMPORAL_NEXT")
	c := EdgeID("s", "t", "TEMPORAL_PREV")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestThoughtContextValid(t *testing.T) {
	require.False(t, (*ThoughtContext)(nil).Valid())
	require.False(t, (&ThoughtContext{TaskID: "t"}).Valid())
	require.True(t, (&ThoughtContext{TaskID: "t", CorrelationID: "c"}).Valid())
}

// TestSummaryRoundTrip checks the serialisation law: a typed summary node
// converted to attributes and reconstructed preserves all fields.
func TestSummaryRoundTrip(t *testing.T) {
	start := time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC)
	original := ConversationSummary{
		SummaryPeriod: SummaryPeriod{
			PeriodStart:            start,
			PeriodEnd:              start.Add(6 * time.Hour),
			PeriodLabel:            "2025-08-01 06:00 UTC",
			ConsolidationLevel:     ConsolidationBasic,
			SourceCorrelationCount: 8,
		},
		ConversationsByChannel: map[string][]ConversationEntry{
			"discord_1": {{
				Timestamp:  start.Add(time.Minute),
				AuthorID:   "alice",
				AuthorName: "Alice",
				Content:    "hello there",
				ActionType: "speak",
				Success:    true,
			}},
		},
		TotalMessages:     1,
		MessagesByChannel: map[string]int{"discord_1": 1},
		UniqueUsers:       1,
		UserList:          []string{"alice"},
		ActionCounts:      map[string]int{"speak": 1},
		ServiceCalls:      map[string]int{"communication": 1},
		SuccessRate:       1.0,
	}

	attrs, err := SummaryAttributes(original)
	require.NoError(t, err)

	node := &GraphNode{ID: "conversation_summary_20250801_06", Type: NodeTypeConversationSummary, Attributes: attrs}
	var restored ConversationSummary
	require.NoError(t, SummaryFromNode(node, &restored))
	require.Equal(t, original, restored)
}

func TestCognitiveStateValid(t *testing.T) {
	for _, s := range []CognitiveState{StateWakeup, StateWork, StatePlay, StateSolitude, StateDream, StateShutdown} {
		require.True(t, s.Valid())
	}
	require.False(t, CognitiveState("nap").Valid())
}
