package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/bus"
	"github.com/dotcommander/ciris/internal/llm"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/registry"
	"github.com/dotcommander/ciris/internal/store"
)

// --- fakes -----------------------------------------------------------------

type okEthical struct{}

func (okEthical) Evaluate(ctx context.Context, ec *EvaluationContext) (*EthicalOutput, error) {
	return &EthicalOutput{
		ContextAnalysis:   "benign request",
		AlignmentCheck:    map[string]string{"beneficence": "aligned"},
		Conflicts:         "none",
		Resolution:        "proceed",
		DecisionRationale: "clearly helpful",
		MonitoringPlan:    "watch the reply",
	}, nil
}

type failingEthical struct{}

func (failingEthical) Evaluate(ctx context.Context, ec *EvaluationContext) (*EthicalOutput, error) {
	return nil, errors.New("schema validation failed")
}

type okCommonSense struct{}

func (okCommonSense) Evaluate(ctx context.Context, ec *EvaluationContext) (*CommonSenseOutput, error) {
	return &CommonSenseOutput{PlausibilityScore: 0.9, Reasoning: "ordinary"}, nil
}

// scriptedSelector returns its actions in order and records the ponder
// notes it saw on each invocation.
type scriptedSelector struct {
	mu      sync.Mutex
	actions []*models.HandlerAction
	i       int
	seen    [][]string
}

func (s *scriptedSelector) SelectAction(ctx context.Context, ec *EvaluationContext) (*models.HandlerAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, ec.PonderNotes)
	if s.i >= len(s.actions) {
		return &models.HandlerAction{Type: models.ActionTaskComplete}, nil
	}
	a := s.actions[s.i]
	s.i++
	return a, nil
}

// epistemicGen answers the entropy/coherence schemas with fixed scores.
type epistemicGen struct {
	entropy   float64
	coherence float64
}

func (g *epistemicGen) GenerateStructured(ctx context.Context, req llm.StructuredRequest) (json.RawMessage, error) {
	switch req.SchemaName {
	case "entropy_result":
		return json.RawMessage(fmt.Sprintf(`{"entropy": %f}`, g.entropy)), nil
	case "coherence_result":
		return json.RawMessage(fmt.Sprintf(`{"coherence": %f}`, g.coherence)), nil
	}
	return nil, fmt.Errorf("unexpected schema %s", req.SchemaName)
}

// fakeComm is a CLI communication provider recording sends.
type fakeComm struct {
	mu    sync.Mutex
	sends []string
}

func (f *fakeComm) Name() string           { return "fake_cli" }
func (f *fakeComm) Capabilities() []string { return []string{bus.CapCLI, bus.CapSendMessage, bus.CapFetchMessages} }
func (f *fakeComm) IsHealthy() bool        { return true }

func (f *fakeComm) SendMessage(ctx context.Context, channelID, content string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, channelID+": "+content)
	return true, nil
}

func (f *fakeComm) FetchMessages(ctx context.Context, channelID string, limit int) ([]models.FetchedMessage, error) {
	return nil, nil
}

// memorySink accumulates correlations in memory.
type memorySink struct {
	mu   sync.Mutex
	rows []*models.ServiceCorrelation
}

func (s *memorySink) Record(c *models.ServiceCorrelation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, c)
}

func (s *memorySink) byComponent(component string) []*models.ServiceCorrelation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ServiceCorrelation
	for _, c := range s.rows {
		if c.Tags["component_type"] == component {
			out = append(out, c)
		}
	}
	return out
}

// --- harness ---------------------------------------------------------------

type harness struct {
	db       *sql.DB
	auditSvc *audit.Service
	sink     *memorySink
	comm     *fakeComm
	selector *scriptedSelector
	gen      *epistemicGen
	proc     *Processor
	tasks    *TaskManager
}

func newHarness(t *testing.T, actions []*models.HandlerAction, gen *epistemicGen) *harness {
	t.Helper()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	auditSvc, err := audit.NewService(db, t.TempDir())
	require.NoError(t, err)

	sink := &memorySink{}
	reg := registry.New()
	comm := &fakeComm{}
	reg.Register(models.ServiceCommunication, comm, 0)

	buses := Buses{
		Communication: bus.NewCommunicationBus(reg, sink),
		Memory:        bus.NewMemoryBus(reg, sink),
		Tool:          bus.NewToolBus(reg, sink),
		WiseAuthority: bus.NewWiseAuthorityBus(reg, sink),
	}

	selector := &scriptedSelector{actions: actions}
	chain := &Chain{Ethical: okEthical{}, CommonSense: okCommonSense{}, Selector: selector}

	if gen == nil {
		gen = &epistemicGen{entropy: 0.1, coherence: 0.9}
	}
	guardrail := NewEpistemicGuardrail(gen, 0.40, 0.60)
	dispatcher := NewDispatcher(db, buses, auditSvc, sink)

	return &harness{
		db:       db,
		auditSvc: auditSvc,
		sink:     sink,
		comm:     comm,
		selector: selector,
		gen:      gen,
		proc:     NewProcessor(db, chain, guardrail, dispatcher, auditSvc, 5),
		tasks:    NewTaskManager(db),
	}
}

func (h *harness) seedThought(t *testing.T, content string) *models.Thought {
	t.Helper()
	_, thought, err := h.tasks.CreateTaskFromMessage(&models.IncomingMessage{
		ChannelID: "cli_local",
		AuthorID:  "alice",
		Content:   content,
	})
	require.NoError(t, err)
	return thought
}

// --- tests -----------------------------------------------------------------

func TestPonderThenSpeak(t *testing.T) {
	h := newHarness(t, []*models.HandlerAction{
		{Type: models.ActionPonder, Ponder: &models.PonderParams{Questions: []string{"Q1", "Q2"}}},
		{Type: models.ActionSpeak, Speak: &models.SpeakParams{ChannelID: "cli_local", Content: "the answer"}},
	}, nil)

	thought := h.seedThought(t, "what is the answer?")

	outcome := h.proc.ProcessThought(context.Background(), thought, 1)
	require.True(t, outcome.Requeued)

	// The requeued thought carries the ponder notes into round two.
	pending, err := store.PendingThoughts(h.db, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].PonderCount)

	outcome = h.proc.ProcessThought(context.Background(), pending[0], 2)
	require.False(t, outcome.Requeued)
	require.Equal(t, models.ThoughtStatusCompleted, outcome.ThoughtStatus)

	// Second selector invocation saw the first round's questions.
	require.Equal(t, [][]string{nil, {"Q1", "Q2"}}, h.selector.seen)

	// The handler invoked the communication bus.
	require.Equal(t, []string{"cli_local: the answer"}, h.comm.sends)

	// Both actions were audited with strictly increasing sequence numbers.
	entries, err := h.auditSvc.Entries(0, 0)
	require.NoError(t, err)
	var handlerEvents []*models.AuditEntry
	for _, e := range entries {
		if e.EventType == models.AuditEventHandlerAction {
			handlerEvents = append(handlerEvents, e)
		}
	}
	require.Len(t, handlerEvents, 2)
	require.Less(t, handlerEvents[0].SequenceNumber, handlerEvents[1].SequenceNumber)
}

func TestGuardrailBreachSubstitutesPonder(t *testing.T) {
	h := newHarness(t, []*models.HandlerAction{
		{Type: models.ActionSpeak, Speak: &models.SpeakParams{ChannelID: "cli_local", Content: "gibberish!!!"}},
	}, &epistemicGen{entropy: 0.9, coherence: 0.9})

	thought := h.seedThought(t, "say something")
	outcome := h.proc.ProcessThought(context.Background(), thought, 1)

	// SPEAK never reached the bus; the thought requeued as PONDER.
	require.True(t, outcome.Requeued)
	require.Empty(t, h.comm.sends)

	// The breach was audited with the original proposal and scores.
	entries, err := h.auditSvc.Entries(0, 0)
	require.NoError(t, err)
	var breach *models.AuditEntry
	for _, e := range entries {
		if e.EventType == models.AuditEventGuardrailBreach {
			breach = e
		}
	}
	require.NotNil(t, breach)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(breach.EventPayload, &payload))
	require.InDelta(t, 0.9, payload["entropy"].(float64), 0.001)

	// A guardrail violation trace span was recorded for consolidation.
	violations := h.sink.byComponent("guardrail")
	require.Len(t, violations, 1)
	require.Equal(t, "true", violations[0].Tags["violation"])
}

func TestGuardrailPassesCleanSpeak(t *testing.T) {
	h := newHarness(t, []*models.HandlerAction{
		{Type: models.ActionSpeak, Speak: &models.SpeakParams{ChannelID: "cli_local", Content: "hello"}},
	}, &epistemicGen{entropy: 0.05, coherence: 0.95})

	thought := h.seedThought(t, "greet")
	outcome := h.proc.ProcessThought(context.Background(), thought, 1)
	require.Equal(t, models.ThoughtStatusCompleted, outcome.ThoughtStatus)
	require.Len(t, h.comm.sends, 1)
}

func TestPonderLimitDegradesToDefer(t *testing.T) {
	h := newHarness(t, []*models.HandlerAction{
		{Type: models.ActionPonder, Ponder: &models.PonderParams{Questions: []string{"again?"}}},
	}, nil)

	thought := h.seedThought(t, "spin")
	// Exhaust the ponder budget directly.
	for i := 0; i < 5; i++ {
		require.NoError(t, store.RequeueThoughtWithPonder(h.db, thought.ThoughtID, []string{"q"}))
	}
	pending, err := store.PendingThoughts(h.db, 1)
	require.NoError(t, err)
	require.Equal(t, 5, pending[0].PonderCount)

	outcome := h.proc.ProcessThought(context.Background(), pending[0], 6)
	require.Equal(t, models.ThoughtStatusDeferred, outcome.ThoughtStatus)

	task, err := store.GetTask(h.db, thought.SourceTaskID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusDeferred, task.Status)
}

func TestEvaluatorFailureFallsBackToPonder(t *testing.T) {
	chain := &Chain{Ethical: failingEthical{}, CommonSense: okCommonSense{}, Selector: &scriptedSelector{}}
	action := chain.Run(context.Background(), &EvaluationContext{
		Thought: &models.Thought{Content: "x"},
		Task:    &models.Task{Description: "y"},
	})
	require.Equal(t, models.ActionPonder, action.Type)
	require.NotEmpty(t, action.Ponder.Questions)
	require.NoError(t, action.Validate())
}

func TestTaskCompleteClosesTask(t *testing.T) {
	h := newHarness(t, []*models.HandlerAction{
		{Type: models.ActionTaskComplete},
	}, nil)

	thought := h.seedThought(t, "done already")
	outcome := h.proc.ProcessThought(context.Background(), thought, 1)
	require.Equal(t, models.ThoughtStatusCompleted, outcome.ThoughtStatus)

	task, err := store.GetTask(h.db, thought.SourceTaskID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, task.Status)
}
