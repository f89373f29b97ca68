// Package pipeline converts incoming messages into tasks and thoughts,
// routes each thought through the evaluator chain, applies the epistemic
// guardrail, and dispatches the selected action to its handler.
package pipeline

import (
	"context"
	"fmt"

	"github.com/dotcommander/ciris/internal/models"
)

// EthicalOutput is the first evaluator's judgement. All fields are
// mandatory; a missing field is a validation failure.
type EthicalOutput struct {
	ContextAnalysis   string            `json:"context_analysis"`
	AlignmentCheck    map[string]string `json:"alignment_check"`
	Conflicts         string            `json:"conflicts"`
	Resolution        string            `json:"resolution"`
	DecisionRationale string            `json:"decision_rationale"`
	MonitoringPlan    string            `json:"monitoring_plan"`
}

// CommonSenseOutput is the second evaluator's judgement.
type CommonSenseOutput struct {
	PlausibilityScore float64  `json:"plausibility_score"`
	Flags             []string `json:"flags,omitempty"`
	Reasoning         string   `json:"reasoning"`
}

// DomainOutput is the optional third evaluator's judgement.
type DomainOutput struct {
	Domain            string   `json:"domain"`
	Score             float64  `json:"score"`
	RecommendedAction string   `json:"recommended_action,omitempty"`
	Flags             []string `json:"flags,omitempty"`
	Reasoning         string   `json:"reasoning"`
}

// EvaluationContext accumulates the chain's inputs and outputs for one
// thought. Action selection sees everything the earlier evaluators
// produced plus any ponder notes carried from prior rounds.
type EvaluationContext struct {
	Thought         *models.Thought
	Task            *models.Task
	PonderNotes     []string
	IdentityContext string
	RoundNumber     int

	Ethical     *EthicalOutput
	CommonSense *CommonSenseOutput
	Domain      *DomainOutput
}

// EthicalEvaluator produces the principled-alignment judgement.
type EthicalEvaluator interface {
	Evaluate(ctx context.Context, ec *EvaluationContext) (*EthicalOutput, error)
}

// CommonSenseEvaluator produces the plausibility judgement.
type CommonSenseEvaluator interface {
	Evaluate(ctx context.Context, ec *EvaluationContext) (*CommonSenseOutput, error)
}

// DomainEvaluator produces the domain-specific judgement. DomainFor
// returning "" skips the evaluator for that task.
type DomainEvaluator interface {
	DomainFor(task *models.Task) string
	Evaluate(ctx context.Context, ec *EvaluationContext) (*DomainOutput, error)
}

// ActionSelector consumes the full context and picks exactly one action.
type ActionSelector interface {
	SelectAction(ctx context.Context, ec *EvaluationContext) (*models.HandlerAction, error)
}

// Chain runs the evaluators in their strict order: ethical, common sense,
// optional domain, action selection. Every evaluator failure degrades to a
// synthetic PONDER carrying the error — a flagged fallback, never an
// uncaught failure escaping the round.
type Chain struct {
	Ethical     EthicalEvaluator
	CommonSense CommonSenseEvaluator
	Domain      DomainEvaluator // optional
	Selector    ActionSelector
}

// Run executes the chain and returns the selected action. The returned
// action always validates.
func (c *Chain) Run(ctx context.Context, ec *EvaluationContext) *models.HandlerAction {
	ethical, err := c.Ethical.Evaluate(ctx, ec)
	if err != nil {
		return fallbackPonder("ethical evaluation failed", err)
	}
	if err := validateEthical(ethical); err != nil {
		return fallbackPonder("ethical evaluation invalid", err)
	}
	ec.Ethical = ethical

	commonSense, err := c.CommonSense.Evaluate(ctx, ec)
	if err != nil {
		return fallbackPonder("common-sense evaluation failed", err)
	}
	if commonSense.PlausibilityScore < 0 || commonSense.PlausibilityScore > 1 {
		return fallbackPonder("common-sense evaluation invalid",
			fmt.Errorf("plausibility score %f out of range", commonSense.PlausibilityScore))
	}
	ec.CommonSense = commonSense

	if c.Domain != nil {
		if domain := c.Domain.DomainFor(ec.Task); domain != "" {
			out, err := c.Domain.Evaluate(ctx, ec)
			if err != nil {
				return fallbackPonder("domain evaluation failed", err)
			}
			ec.Domain = out
		}
	}

	action, err := c.Selector.SelectAction(ctx, ec)
	if err != nil {
		return fallbackPonder("action selection failed", err)
	}
	if err := action.Validate(); err != nil {
		return fallbackPonder("action selection produced invalid action", err)
	}
	return action
}

func validateEthical(out *EthicalOutput) error {
	switch {
	case out.ContextAnalysis == "":
		return fmt.Errorf("context_analysis is required")
	case len(out.AlignmentCheck) == 0:
		return fmt.Errorf("alignment_check is required")
	case out.Conflicts == "":
		return fmt.Errorf("conflicts is required")
	case out.Resolution == "":
		return fmt.Errorf("resolution is required")
	case out.DecisionRationale == "":
		return fmt.Errorf("decision_rationale is required")
	case out.MonitoringPlan == "":
		return fmt.Errorf("monitoring_plan is required")
	}
	return nil
}

func fallbackPonder(stage string, err error) *models.HandlerAction {
	return &models.HandlerAction{
		Type: models.ActionPonder,
		Ponder: &models.PonderParams{
			Questions: []string{fmt.Sprintf("%s: %v — what should happen instead?", stage, err)},
		},
		Rationale: "synthetic fallback after evaluator failure",
	}
}
