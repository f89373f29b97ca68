package adaptation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

// AdaptationState is the variance monitor's review lifecycle.
type AdaptationState string

// Adaptation state constants. LEARNING is normal operation; REVIEWING
// blocks adaptation until the wise authority decides; STABILIZING is the
// post-approval cooldown.
const (
	AdaptationLearning    AdaptationState = "learning"
	AdaptationReviewing   AdaptationState = "reviewing"
	AdaptationStabilizing AdaptationState = "stabilizing"
)

// baselineNodeID is where the behavioural baseline snapshot lives.
const baselineNodeID = "identity_baseline"

// VarianceMonitor computes a scalar drift between the agent's current
// behavioural profile and its baseline snapshot. Crossing the threshold
// transitions to REVIEWING and blocks adaptation until an external
// wise-authority decision arrives.
type VarianceMonitor struct {
	db        *sql.DB
	auditSvc  *audit.Service
	agentID   string
	threshold float64

	mu    sync.Mutex
	state AdaptationState
}

// NewVarianceMonitor builds the monitor. threshold defaults to 0.20.
func NewVarianceMonitor(db *sql.DB, auditSvc *audit.Service, agentID string, threshold float64) *VarianceMonitor {
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.20
	}
	return &VarianceMonitor{
		db:        db,
		auditSvc:  auditSvc,
		agentID:   agentID,
		threshold: threshold,
		state:     AdaptationLearning,
	}
}

// State returns the current adaptation state.
func (m *VarianceMonitor) State() AdaptationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// behaviourProfile is the normalised action distribution the variance is
// computed over.
func (m *VarianceMonitor) behaviourProfile(ctx context.Context) (map[string]float64, error) {
	end := time.Now().UTC()
	rows, err := store.CorrelationsInWindow(m.db, models.CorrelationTraceSpan, end.Add(-analysisLookback), end)
	if err != nil {
		return nil, err
	}
	counts := map[string]float64{}
	total := 0.0
	for _, row := range rows {
		if row.Tags["component_type"] != "handler" {
			continue
		}
		if action := row.Tags["action_type"]; action != "" {
			counts[action]++
			total++
		}
	}
	if total > 0 {
		for k := range counts {
			counts[k] /= total
		}
	}
	return counts, nil
}

// SeedBaseline stores a behavioural profile as the baseline snapshot.
// Called by CheckVariance when no baseline exists yet, by
// ResumeAfterReview, and by tests that need a known baseline.
func (m *VarianceMonitor) SeedBaseline(ctx context.Context, profile map[string]float64) error {
	attrs := map[string]any{"profile": profile, "seeded_at": time.Now().UTC().Format(time.RFC3339Nano)}
	node := &models.GraphNode{
		ID:         baselineNodeID,
		Type:       models.NodeTypeIdentity,
		Scope:      models.ScopeIdentity,
		Attributes: attrs,
		UpdatedBy:  m.agentID,
	}
	return store.UpsertNode(m.db, node)
}

// CheckVariance computes the drift from baseline. First call with no
// baseline seeds it and reports zero variance. A breach transitions to
// REVIEWING, records a wa_review node and audits the event.
func (m *VarianceMonitor) CheckVariance(ctx context.Context) (float64, error) {
	current, err := m.behaviourProfile(ctx)
	if err != nil {
		return 0, err
	}

	baselineNode, err := store.GetNode(m.db, baselineNodeID, models.ScopeIdentity)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return 0, m.SeedBaseline(ctx, current)
		}
		return 0, err
	}

	baseline := profileFromNode(baselineNode)
	variance := profileVariance(baseline, current)
	if variance <= m.threshold {
		return variance, nil
	}

	m.mu.Lock()
	m.state = AdaptationReviewing
	m.mu.Unlock()

	reviewNode := &models.GraphNode{
		ID:        "wa_review/" + time.Now().UTC().Format("20060102T150405"),
		Type:      models.NodeTypeConcept,
		Scope:     models.ScopeLocal,
		UpdatedBy: m.agentID,
		Attributes: map[string]any{
			"insight_type": "wa_review",
			"variance":     variance,
			"threshold":    m.threshold,
			"status":       "pending",
		},
	}
	if err := store.UpsertNode(m.db, reviewNode); err != nil {
		return variance, fmt.Errorf("record wa_review node: %w", err)
	}

	if m.auditSvc != nil {
		payload := map[string]any{"variance": variance, "threshold": m.threshold}
		if _, err := m.auditSvc.Log(models.AuditEventVarianceReview, m.agentID, payload); err != nil {
			slog.Default().Error("failed to audit variance review", "error", err)
		}
	}
	slog.Default().Warn("identity variance exceeded threshold, entering review",
		"variance", variance, "threshold", m.threshold)
	return variance, nil
}

// ResumeAfterReview applies the wise-authority decision: approve moves to
// STABILIZING (and re-baselines on current behaviour); reject returns to
// LEARNING with the old baseline intact.
func (m *VarianceMonitor) ResumeAfterReview(ctx context.Context, approve bool) error {
	m.mu.Lock()
	if m.state != AdaptationReviewing {
		m.mu.Unlock()
		return fmt.Errorf("no review pending (state %s)", m.state)
	}
	if approve {
		m.state = AdaptationStabilizing
	} else {
		m.state = AdaptationLearning
	}
	m.mu.Unlock()

	if approve {
		current, err := m.behaviourProfile(ctx)
		if err != nil {
			return err
		}
		return m.SeedBaseline(ctx, current)
	}
	return nil
}

func profileFromNode(node *models.GraphNode) map[string]float64 {
	out := map[string]float64{}
	raw, ok := node.Attributes["profile"].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out
}

// profileVariance is half the L1 distance between the two distributions:
// 0 for identical behaviour, 1 for disjoint.
func profileVariance(baseline, current map[string]float64) float64 {
	keys := map[string]bool{}
	for k := range baseline {
		keys[k] = true
	}
	for k := range current {
		keys[k] = true
	}
	var distance float64
	for k := range keys {
		d := baseline[k] - current[k]
		if d < 0 {
			d = -d
		}
		distance += d
	}
	return distance / 2
}
