// Package evaluators provides the default structured-generation
// implementations of the pipeline's evaluator interfaces. Each evaluator is
// a single schema-validated LLM call; validation failures surface as errors
// and the chain degrades them to a synthetic PONDER.
package evaluators

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dotcommander/ciris/internal/llm"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/pipeline"
)

const ethicalSchema = `{
	"type": "object",
	"properties": {
		"context_analysis": {"type": "string", "minLength": 1},
		"alignment_check": {"type": "object", "additionalProperties": {"type": "string"}},
		"conflicts": {"type": "string"},
		"resolution": {"type": "string", "minLength": 1},
		"decision_rationale": {"type": "string", "minLength": 1},
		"monitoring_plan": {"type": "string", "minLength": 1}
	},
	"required": ["context_analysis", "alignment_check", "conflicts", "resolution", "decision_rationale", "monitoring_plan"],
	"additionalProperties": false
}`

const ethicalSystemPrompt = `You are the principled decision-making evaluator.
Analyse the thought against the six principles (beneficence, non-maleficence,
integrity, fidelity, respect for autonomy, justice) and the meta-goal of
promoting sustainable adaptive coherence. Report the context analysis, the
per-principle alignment check, any conflicts, their resolution, the decision
rationale, and a monitoring plan.`

// Ethical is the LLM-backed principled evaluator.
type Ethical struct {
	Gen llm.Generator
}

// Evaluate implements pipeline.EthicalEvaluator.
func (e *Ethical) Evaluate(ctx context.Context, ec *pipeline.EvaluationContext) (*pipeline.EthicalOutput, error) {
	var out pipeline.EthicalOutput
	err := llm.GenerateAs(ctx, e.Gen, llm.StructuredRequest{
		SchemaName: "ethical_evaluation",
		Schema:     json.RawMessage(ethicalSchema),
		MaxTokens:  1024,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: ethicalSystemPrompt},
			{Role: llm.RoleUser, Content: thoughtPrompt(ec)},
		},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("ethical evaluation: %w", err)
	}
	return &out, nil
}

const commonSenseSchema = `{
	"type": "object",
	"properties": {
		"plausibility_score": {"type": "number", "minimum": 0, "maximum": 1},
		"flags": {"type": "array", "items": {"type": "string"}},
		"reasoning": {"type": "string", "minLength": 1}
	},
	"required": ["plausibility_score", "reasoning"],
	"additionalProperties": false
}`

const commonSenseSystemPrompt = `You are the common-sense evaluator. Assess how
plausible the thought is against everyday physical and social reality.
Output a plausibility_score in [0,1], flags such as "Physical_Implausibility"
or "Atypical_Approach" when warranted, and brief reasoning.`

// CommonSense is the LLM-backed plausibility evaluator.
type CommonSense struct {
	Gen llm.Generator
}

// Evaluate implements pipeline.CommonSenseEvaluator.
func (e *CommonSense) Evaluate(ctx context.Context, ec *pipeline.EvaluationContext) (*pipeline.CommonSenseOutput, error) {
	var out pipeline.CommonSenseOutput
	err := llm.GenerateAs(ctx, e.Gen, llm.StructuredRequest{
		SchemaName: "common_sense_evaluation",
		Schema:     json.RawMessage(commonSenseSchema),
		MaxTokens:  512,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: commonSenseSystemPrompt},
			{Role: llm.RoleUser, Content: thoughtPrompt(ec)},
		},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("common-sense evaluation: %w", err)
	}
	return &out, nil
}

const actionSelectionSchema = `{
	"type": "object",
	"properties": {
		"type": {"type": "string", "enum": ["speak", "observe", "memorize", "recall", "forget", "tool", "ponder", "defer", "reject", "task_complete"]},
		"speak": {"type": "object", "properties": {"channel_id": {"type": "string"}, "content": {"type": "string"}}, "required": ["channel_id", "content"]},
		"observe": {"type": "object", "properties": {"channel_id": {"type": "string"}, "active": {"type": "boolean"}}, "required": ["channel_id"]},
		"memorize": {"type": "object"},
		"recall": {"type": "object"},
		"forget": {"type": "object", "properties": {"node_id": {"type": "string"}, "reason": {"type": "string"}}, "required": ["node_id", "reason"]},
		"tool": {"type": "object", "properties": {"name": {"type": "string"}}, "required": ["name"]},
		"ponder": {"type": "object", "properties": {"questions": {"type": "array", "items": {"type": "string"}, "minItems": 1}}, "required": ["questions"]},
		"defer": {"type": "object", "properties": {"reason": {"type": "string"}}, "required": ["reason"]},
		"reject": {"type": "object", "properties": {"reason": {"type": "string"}}, "required": ["reason"]},
		"rationale": {"type": "string"}
	},
	"required": ["type", "rationale"]
}`

const actionSelectionSystemPrompt = `You are the action-selection evaluator.
Given the thought, the ethical and common-sense judgements, and any ponder
notes from earlier rounds, choose exactly ONE handler action. Prefer SPEAK
for direct answers, PONDER when genuinely uncertain (include concrete
questions), DEFER when human judgement is required, TASK_COMPLETE when the
task needs nothing further.`

// ActionSelection is the LLM-backed final evaluator.
type ActionSelection struct {
	Gen llm.Generator
}

// SelectAction implements pipeline.ActionSelector.
func (e *ActionSelection) SelectAction(ctx context.Context, ec *pipeline.EvaluationContext) (*models.HandlerAction, error) {
	var out models.HandlerAction
	err := llm.GenerateAs(ctx, e.Gen, llm.StructuredRequest{
		SchemaName: "action_selection",
		Schema:     json.RawMessage(actionSelectionSchema),
		MaxTokens:  1024,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: actionSelectionSystemPrompt},
			{Role: llm.RoleUser, Content: selectionPrompt(ec)},
		},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("action selection: %w", err)
	}
	return &out, nil
}

// NewChain wires the default LLM-backed evaluator chain. No domain
// evaluator is configured by default.
func NewChain(gen llm.Generator) *pipeline.Chain {
	return &pipeline.Chain{
		Ethical:     &Ethical{Gen: gen},
		CommonSense: &CommonSense{Gen: gen},
		Selector:    &ActionSelection{Gen: gen},
	}
}

func thoughtPrompt(ec *pipeline.EvaluationContext) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(ec.Task.Description)
	b.WriteString("\nThought: ")
	b.WriteString(ec.Thought.Content)
	if ec.IdentityContext != "" {
		b.WriteString("\nIdentity context:\n")
		b.WriteString(ec.IdentityContext)
	}
	return b.String()
}

func selectionPrompt(ec *pipeline.EvaluationContext) string {
	var b strings.Builder
	b.WriteString(thoughtPrompt(ec))
	if ec.Ethical != nil {
		b.WriteString("\nEthical resolution: ")
		b.WriteString(ec.Ethical.Resolution)
		b.WriteString("\nRationale: ")
		b.WriteString(ec.Ethical.DecisionRationale)
	}
	if ec.CommonSense != nil {
		fmt.Fprintf(&b, "\nPlausibility: %.2f (%s)", ec.CommonSense.PlausibilityScore, strings.Join(ec.CommonSense.Flags, ", "))
	}
	if ec.Domain != nil {
		fmt.Fprintf(&b, "\nDomain %s score: %.2f, recommended: %s", ec.Domain.Domain, ec.Domain.Score, ec.Domain.RecommendedAction)
	}
	if len(ec.PonderNotes) > 0 {
		b.WriteString("\nPonder notes from the previous round:")
		for _, note := range ec.PonderNotes {
			b.WriteString("\n- ")
			b.WriteString(note)
		}
	}
	if ec.Thought.Context != nil && ec.Thought.Context.ChannelID != "" {
		b.WriteString("\nReply channel: ")
		b.WriteString(ec.Thought.Context.ChannelID)
	}
	return b.String()
}
