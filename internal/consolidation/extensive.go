package consolidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

// dailySummaryTypes are the five types rolled up per day.
var dailySummaryTypes = []models.NodeType{
	models.NodeTypeTSDBSummary,
	models.NodeTypeConversationSummary,
	models.NodeTypeTraceSummary,
	models.NodeTypeTaskSummary,
	models.NodeTypeAuditSummary,
}

// ConsolidateExtensive combines basic summaries into daily summaries for
// every complete day before now, then links the same-day summaries across
// types. Partial days consolidate what exists; the daily id pattern
// ({type}_daily_{YYYYMMDD}) makes the pass idempotent.
func (s *Service) ConsolidateExtensive(ctx context.Context, now time.Time) error {
	days := map[time.Time]bool{}
	for _, nodeType := range dailySummaryTypes {
		summaries, err := s.summariesByPeriod(nodeType)
		if err != nil {
			return err
		}
		for _, node := range summaries {
			if models.ConsolidationLevel(node.Attr("consolidation_level")) != models.ConsolidationBasic {
				continue
			}
			ps, ok := periodStart(node)
			if !ok {
				continue
			}
			day := time.Date(ps.Year(), ps.Month(), ps.Day(), 0, 0, 0, 0, time.UTC)
			if day.Add(24 * time.Hour).After(now.UTC()) {
				continue // day not complete yet
			}
			days[day] = true
		}
	}

	for day := range days {
		if err := s.consolidateDay(ctx, day); err != nil {
			return fmt.Errorf("consolidate day %s: %w", day.Format("2006-01-02"), err)
		}
	}
	return nil
}

func (s *Service) consolidateDay(ctx context.Context, day time.Time) error {
	var dailyNodes []*models.GraphNode
	for _, nodeType := range dailySummaryTypes {
		node, err := s.consolidateDayForType(ctx, day, nodeType)
		if err != nil {
			return err
		}
		if node != nil {
			dailyNodes = append(dailyNodes, node)
		}
	}
	if len(dailyNodes) > 1 {
		return s.linkSameDaySummaries(day, dailyNodes)
	}
	return nil
}

// consolidateDayForType merges the day's basic summaries of one type into
// a single extensive summary node.
func (s *Service) consolidateDayForType(ctx context.Context, day time.Time, nodeType models.NodeType) (*models.GraphNode, error) {
	nodeID := dailySummaryNodeID(nodeType, day)
	if existing, err := store.GetNode(s.db, nodeID, models.ScopeLocal); err == nil {
		return existing, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	summaries, err := s.summariesByPeriod(nodeType)
	if err != nil {
		return nil, err
	}
	var parts []*models.GraphNode
	for _, node := range summaries {
		if models.ConsolidationLevel(node.Attr("consolidation_level")) != models.ConsolidationBasic {
			continue
		}
		ps, ok := periodStart(node)
		if !ok {
			continue
		}
		if !ps.Before(day) && ps.Before(day.Add(24*time.Hour)) {
			parts = append(parts, node)
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}

	attrs, err := mergeDailyAttributes(day, parts)
	if err != nil {
		return nil, err
	}

	node := &models.GraphNode{
		ID:         nodeID,
		Type:       nodeType,
		Scope:      models.ScopeLocal,
		Attributes: attrs,
		UpdatedBy:  s.agentID,
	}
	if err := store.UpsertNode(s.db, node); err != nil {
		return nil, err
	}
	return node, nil
}

// mergeDailyAttributes folds the basic windows into one attribute map:
// numeric leaves sum, nested count maps merge, and the period header is
// rewritten for the day. Content-bearing fields (conversations, outcomes)
// concatenate.
//
//nolint:gocognit // generic merge over heterogeneous summary attribute maps
func mergeDailyAttributes(day time.Time, parts []*models.GraphNode) (map[string]any, error) {
	merged := map[string]any{}
	for _, part := range parts {
		for key, value := range part.Attributes {
			switch key {
			case "period_start", "period_end", "period_label", "consolidation_level":
				continue
			case "source_correlation_count":
				merged[key] = asFloat(merged[key]) + asFloat(value)
			default:
				merged[key] = mergeValue(merged[key], value)
			}
		}
	}

	// Ratio and percentile fields are means over the day, not sums.
	for key, value := range merged {
		if !isAveragedKey(key) {
			continue
		}
		merged[key] = asFloat(value) / float64(len(parts))
	}

	merged["period_start"] = day.UTC().Format(time.RFC3339Nano)
	merged["period_end"] = day.Add(24 * time.Hour).UTC().Format(time.RFC3339Nano)
	merged["period_label"] = day.UTC().Format("2006-01-02")
	merged["consolidation_level"] = string(models.ConsolidationExtensive)
	merged["source_summary_count"] = float64(len(parts))

	// Round-trip through JSON so nested values stay plain maps/slices like
	// any other stored attribute set.
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("merge daily attributes: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mergeValue(existing, incoming any) any {
	if existing == nil {
		return incoming
	}
	switch ev := existing.(type) {
	case float64:
		return ev + asFloat(incoming)
	case map[string]any:
		iv, ok := incoming.(map[string]any)
		if !ok {
			return existing
		}
		for k, v := range iv {
			ev[k] = mergeValue(ev[k], v)
		}
		return ev
	case []any:
		if iv, ok := incoming.([]any); ok {
			return append(ev, iv...)
		}
		return existing
	default:
		// Strings and bools keep the latest window's value.
		return incoming
	}
}

// isAveragedKey marks attribute keys that combine as means across windows.
func isAveragedKey(key string) bool {
	switch key {
	case "success_rate", "completion_rate", "avg_duration_ms", "avg_thoughts_per_task":
		return true
	}
	return strings.HasPrefix(key, "p50_") || strings.HasPrefix(key, "p95_") || strings.HasPrefix(key, "p99_")
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
