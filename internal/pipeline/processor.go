package pipeline

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

// Processor drives one thought through the evaluator chain, the epistemic
// guardrail, and the dispatcher.
type Processor struct {
	db          *sql.DB
	chain       *Chain
	guardrail   *EpistemicGuardrail
	dispatcher  *Dispatcher
	auditSvc    *audit.Service
	ponderLimit int
}

// NewProcessor builds a thought processor. ponderLimit bounds PONDER
// retries before a thought degrades to DEFER.
func NewProcessor(db *sql.DB, chain *Chain, guardrail *EpistemicGuardrail, dispatcher *Dispatcher, auditSvc *audit.Service, ponderLimit int) *Processor {
	if ponderLimit <= 0 {
		ponderLimit = 5
	}
	return &Processor{
		db:          db,
		chain:       chain,
		guardrail:   guardrail,
		dispatcher:  dispatcher,
		auditSvc:    auditSvc,
		ponderLimit: ponderLimit,
	}
}

// ProcessThought runs the full evaluate-guard-dispatch sequence for one
// thought. Failures convert to typed outcomes; nothing escapes the round.
func (p *Processor) ProcessThought(ctx context.Context, thought *models.Thought, round int) DispatchOutcome {
	if err := store.MarkThoughtProcessing(p.db, thought.ThoughtID, round); err != nil {
		slog.Default().Warn("thought not claimable", "thought_id", thought.ThoughtID, "error", err)
		return DispatchOutcome{ThoughtStatus: thought.Status, Detail: "not claimable"}
	}

	task, err := store.GetTask(p.db, thought.SourceTaskID)
	if err != nil {
		slog.Default().Error("thought without task", "thought_id", thought.ThoughtID, "error", err)
		_ = store.CompleteThought(p.db, thought.ThoughtID, models.ThoughtStatusFailed, nil)
		return DispatchOutcome{ThoughtStatus: models.ThoughtStatusFailed, Detail: "task missing"}
	}

	ec := &EvaluationContext{
		Thought:     thought,
		Task:        task,
		RoundNumber: round,
	}
	if thought.Context != nil {
		ec.PonderNotes = thought.Context.PonderNotes
	}

	action := p.chain.Run(ctx, ec)
	action = p.applyGuardrail(ctx, thought, action)
	action = p.applyPonderLimit(thought, action)

	return p.dispatcher.Dispatch(ctx, thought, action)
}

// applyGuardrail scores SPEAK content and substitutes PONDER (or DEFER
// when pondering is exhausted) on breach. The original proposal is audited;
// the substitute's rationale notes the substitution but does not carry it.
func (p *Processor) applyGuardrail(ctx context.Context, thought *models.Thought, action *models.HandlerAction) *models.HandlerAction {
	if action.Type != models.ActionSpeak || p.guardrail == nil {
		return action
	}
	result := p.guardrail.Check(ctx, action.Speak.Content)
	if result.Passed {
		return action
	}

	slog.Default().Warn("guardrail breach",
		"thought_id", thought.ThoughtID,
		"entropy", result.Entropy,
		"coherence", result.Coherence,
		"reason", result.Reason,
	)
	if p.auditSvc != nil {
		payload := map[string]any{
			"thought_id":     thought.ThoughtID,
			"original":       action,
			"entropy":        result.Entropy,
			"coherence":      result.Coherence,
			"reason":         result.Reason,
			"guardrail_type": "content_filter",
		}
		if _, err := p.auditSvc.Log(models.AuditEventGuardrailBreach, "epistemic_guardrail", payload); err != nil {
			slog.Default().Error("failed to audit guardrail breach", "error", err)
		}
	}
	if p.dispatcher != nil && p.dispatcher.sink != nil {
		p.recordGuardrailViolation(thought)
	}

	if thought.PonderCount >= p.ponderLimit {
		return &models.HandlerAction{
			Type:      models.ActionDefer,
			Defer:     &models.DeferParams{Reason: "guardrail breach with ponder budget exhausted: " + result.Reason},
			Rationale: "substituted for SPEAK after guardrail breach",
		}
	}
	return &models.HandlerAction{
		Type: models.ActionPonder,
		Ponder: &models.PonderParams{
			Questions: []string{"the proposed reply breached the epistemic guardrail (" + result.Reason + "); how should it be rephrased?"},
		},
		Rationale: "substituted for SPEAK after guardrail breach",
	}
}

// applyPonderLimit degrades PONDER to DEFER once the retry budget is spent.
func (p *Processor) applyPonderLimit(thought *models.Thought, action *models.HandlerAction) *models.HandlerAction {
	if action.Type != models.ActionPonder {
		return action
	}
	if thought.PonderCount < p.ponderLimit {
		return action
	}
	return &models.HandlerAction{
		Type:      models.ActionDefer,
		Defer:     &models.DeferParams{Reason: "ponder limit exceeded"},
		Rationale: "degraded from PONDER after retry budget exhausted",
	}
}

func (p *Processor) recordGuardrailViolation(thought *models.Thought) {
	p.dispatcher.sink.Record(&models.ServiceCorrelation{
		Type:        models.CorrelationTraceSpan,
		ServiceType: models.ServiceLLM,
		HandlerName: "epistemic_guardrail",
		ActionType:  "guardrail_check",
		Status:      models.CorrelationStatusFailed,
		Tags: map[string]string{
			"component_type": "guardrail",
			"guardrail_type": "content_filter",
			"violation":      "true",
			"task_id":        thought.SourceTaskID,
			"thought_id":     thought.ThoughtID,
		},
	})
}
