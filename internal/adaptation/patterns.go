// Package adaptation observes the agent over time: it detects behavioural
// patterns in recent correlations, monitors identity variance against a
// baseline snapshot, and carries the emergency stop that disables all
// adaptation after repeated failures.
package adaptation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

// PatternType classifies a detected behavioural pattern.
type PatternType string

// Pattern type constants.
const (
	PatternTemporal       PatternType = "temporal"
	PatternFrequency      PatternType = "frequency"
	PatternPerformance    PatternType = "performance"
	PatternError          PatternType = "error"
	PatternUserPreference PatternType = "user_preference"
)

// DetectedPattern is one behavioural observation with a confidence score.
// Patterns are never auto-applied; they are stored as insight nodes the
// agent reads during DREAM.
type DetectedPattern struct {
	Type        PatternType `json:"pattern_type"`
	Description string      `json:"description"`
	Confidence  float64     `json:"confidence"`
	Evidence    string      `json:"evidence,omitempty"`
}

// analysisLookback is how far back pattern analysis reads correlations.
const analysisLookback = 24 * time.Hour

// Service runs scheduled pattern analysis and owns the emergency stop.
type Service struct {
	db      *sql.DB
	agentID string

	variance *VarianceMonitor

	stopped  atomic.Bool
	failures atomic.Int64
}

// emergencyFailureLimit is how many consecutive analysis failures flip the
// emergency stop.
const emergencyFailureLimit = 3

// NewService builds the adaptation service. variance may be nil in tests
// that only exercise pattern detection.
func NewService(db *sql.DB, agentID string, variance *VarianceMonitor) *Service {
	return &Service{db: db, agentID: agentID, variance: variance}
}

// Stopped reports whether the emergency stop has flipped.
func (s *Service) Stopped() bool { return s.stopped.Load() }

// EmergencyStop disables all adaptation until the process restarts.
func (s *Service) EmergencyStop() { s.stopped.Store(true) }

// AnalyzePatterns reads recent correlations, stores each detected pattern
// as an actionable CONCEPT node, and returns how many were found.
// Rejected while the emergency stop is engaged or an identity review is
// pending.
func (s *Service) AnalyzePatterns(ctx context.Context) (int, error) {
	if s.stopped.Load() {
		return 0, models.ErrEmergencyStop
	}
	if s.variance != nil && s.variance.State() == AdaptationReviewing {
		return 0, models.ErrReviewPending
	}

	patterns, err := s.detect(ctx)
	if err != nil {
		if s.failures.Add(1) >= emergencyFailureLimit {
			s.EmergencyStop()
		}
		return 0, err
	}
	s.failures.Store(0)

	for _, p := range patterns {
		if err := s.storeInsight(p); err != nil {
			return 0, err
		}
	}
	return len(patterns), nil
}

func (s *Service) detect(ctx context.Context) ([]DetectedPattern, error) {
	end := time.Now().UTC()
	start := end.Add(-analysisLookback)

	traces, err := store.CorrelationsInWindow(s.db, models.CorrelationTraceSpan, start, end)
	if err != nil {
		return nil, fmt.Errorf("read trace correlations: %w", err)
	}
	interactions, err := store.CorrelationsInWindow(s.db, models.CorrelationServiceInteraction, start, end)
	if err != nil {
		return nil, fmt.Errorf("read interaction correlations: %w", err)
	}

	var patterns []DetectedPattern
	patterns = append(patterns, detectTemporal(traces)...)
	patterns = append(patterns, detectFrequency(traces)...)
	patterns = append(patterns, detectPerformance(traces)...)
	patterns = append(patterns, detectErrors(traces)...)
	patterns = append(patterns, detectUserPreference(interactions)...)
	return patterns, nil
}

// detectTemporal flags hours that concentrate a disproportionate share of
// activity.
func detectTemporal(rows []*models.ServiceCorrelation) []DetectedPattern {
	if len(rows) < 10 {
		return nil
	}
	byHour := map[int]int{}
	for _, row := range rows {
		byHour[row.Timestamp.UTC().Hour()]++
	}
	var peakHour, peakCount int
	for hour, count := range byHour {
		if count > peakCount {
			peakHour, peakCount = hour, count
		}
	}
	share := float64(peakCount) / float64(len(rows))
	if share < 0.3 {
		return nil
	}
	return []DetectedPattern{{
		Type:        PatternTemporal,
		Description: fmt.Sprintf("activity concentrates around %02d:00 UTC (%.0f%% of spans)", peakHour, share*100),
		Confidence:  share,
	}}
}

// detectFrequency flags a dominant handler action.
func detectFrequency(rows []*models.ServiceCorrelation) []DetectedPattern {
	byAction := map[string]int{}
	total := 0
	for _, row := range rows {
		if row.Tags["component_type"] != "handler" {
			continue
		}
		if action := row.Tags["action_type"]; action != "" {
			byAction[action]++
			total++
		}
	}
	if total < 10 {
		return nil
	}
	var topAction string
	var topCount int
	for action, count := range byAction {
		if count > topCount {
			topAction, topCount = action, count
		}
	}
	share := float64(topCount) / float64(total)
	if share < 0.5 {
		return nil
	}
	return []DetectedPattern{{
		Type:        PatternFrequency,
		Description: fmt.Sprintf("action %s dominates handler usage (%.0f%%)", topAction, share*100),
		Confidence:  share,
	}}
}

type latencySample struct {
	ts time.Time
	ms float64
}

// detectPerformance flags components whose recent latency is drifting up.
func detectPerformance(rows []*models.ServiceCorrelation) []DetectedPattern {
	byComponent := map[string][]latencySample{}
	for _, row := range rows {
		component := row.Tags["component_type"]
		if component == "" {
			continue
		}
		var resp struct {
			ExecutionTimeMs float64 `json:"execution_time_ms"`
		}
		if len(row.ResponseData) == 0 {
			continue
		}
		if err := json.Unmarshal(row.ResponseData, &resp); err != nil || resp.ExecutionTimeMs <= 0 {
			continue
		}
		byComponent[component] = append(byComponent[component], latencySample{ts: row.Timestamp, ms: resp.ExecutionTimeMs})
	}

	var patterns []DetectedPattern
	for component, samples := range byComponent {
		if len(samples) < 10 {
			continue
		}
		sort.Slice(samples, func(i, j int) bool { return samples[i].ts.Before(samples[j].ts) })
		half := len(samples) / 2
		earlier := meanLatency(samples[:half])
		later := meanLatency(samples[half:])
		if earlier <= 0 || later < earlier*1.5 {
			continue
		}
		patterns = append(patterns, DetectedPattern{
			Type:        PatternPerformance,
			Description: fmt.Sprintf("%s latency rising: %.0fms -> %.0fms", component, earlier, later),
			Confidence:  0.7,
			Evidence:    fmt.Sprintf("%d samples over lookback", len(samples)),
		})
	}
	return patterns
}

// detectErrors flags components with high failure rates.
func detectErrors(rows []*models.ServiceCorrelation) []DetectedPattern {
	calls := map[string]int{}
	failures := map[string]int{}
	for _, row := range rows {
		component := row.Tags["component_type"]
		if component == "" {
			continue
		}
		calls[component]++
		if row.Status == models.CorrelationStatusFailed {
			failures[component]++
		}
	}
	var patterns []DetectedPattern
	for component, n := range calls {
		if n < 5 {
			continue
		}
		rate := float64(failures[component]) / float64(n)
		if rate < 0.25 {
			continue
		}
		patterns = append(patterns, DetectedPattern{
			Type:        PatternError,
			Description: fmt.Sprintf("%s failing %.0f%% of calls", component, rate*100),
			Confidence:  rate,
		})
	}
	return patterns
}

// detectUserPreference flags channels that dominate interactions.
func detectUserPreference(rows []*models.ServiceCorrelation) []DetectedPattern {
	byChannel := map[string]int{}
	total := 0
	for _, row := range rows {
		if channel := row.Tags["channel_id"]; channel != "" {
			byChannel[channel]++
			total++
		}
	}
	if total < 10 {
		return nil
	}
	var topChannel string
	var topCount int
	for channel, count := range byChannel {
		if count > topCount {
			topChannel, topCount = channel, count
		}
	}
	share := float64(topCount) / float64(total)
	if share < 0.6 {
		return nil
	}
	return []DetectedPattern{{
		Type:        PatternUserPreference,
		Description: fmt.Sprintf("channel %s receives %.0f%% of interactions", topChannel, share*100),
		Confidence:  share,
	}}
}

// storeInsight writes one pattern as an actionable CONCEPT node.
func (s *Service) storeInsight(p DetectedPattern) error {
	nodeID := fmt.Sprintf("insight/%s/%s", p.Type, time.Now().UTC().Format("20060102"))
	node := &models.GraphNode{
		ID:        nodeID,
		Type:      models.NodeTypeConcept,
		Scope:     models.ScopeLocal,
		UpdatedBy: s.agentID,
		Attributes: map[string]any{
			"insight_type": "behavioral_pattern",
			"actionable":   true,
			"pattern_type": string(p.Type),
			"description":  p.Description,
			"confidence":   p.Confidence,
			"evidence":     p.Evidence,
		},
	}
	if err := store.UpsertNode(s.db, node); err != nil {
		return fmt.Errorf("store insight: %w", err)
	}
	return nil
}

func meanLatency(samples []latencySample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.ms
	}
	return sum / float64(len(samples))
}
