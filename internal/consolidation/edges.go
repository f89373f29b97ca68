package consolidation

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

// chainTemporalEdges links a freshly-written summary into its type's
// temporal chain: TEMPORAL_PREV to the predecessor (carrying days_apart so
// gaps are discoverable), TEMPORAL_NEXT from the predecessor, and — when
// the summary is the newest of its type — the latest-marker self-edge.
// Inserting between two existing summaries rewrites the bridging edges to
// run through the new node.
func (s *Service) chainTemporalEdges(node *models.GraphNode, nodeType models.NodeType, start time.Time) error {
	summaries, err := s.summariesByPeriod(nodeType)
	if err != nil {
		return err
	}

	// The chain is per (type, consolidation level): daily rollups never
	// interleave with the 6-hour chain.
	level := node.Attr("consolidation_level")

	var pred, succ *models.GraphNode
	for _, candidate := range summaries {
		if candidate.ID == node.ID {
			continue
		}
		if candidate.Attr("consolidation_level") != level {
			continue
		}
		ps, ok := periodStart(candidate)
		if !ok {
			continue
		}
		switch {
		case ps.Before(start):
			if pred == nil {
				pred = candidate
			} else if pp, _ := periodStart(pred); ps.After(pp) {
				pred = candidate
			}
		case ps.After(start):
			if succ == nil {
				succ = candidate
			} else if sp, _ := periodStart(succ); ps.Before(sp) {
				succ = candidate
			}
		}
	}

	return store.Transact(s.db, func(tx *sql.Tx) error {
		if pred != nil {
			if err := s.linkNeighbours(tx, pred, node); err != nil {
				return err
			}
		}
		if succ != nil {
			if err := s.linkNeighbours(tx, node, succ); err != nil {
				return err
			}
			// The new node sits between pred and succ: the old bridge edges
			// no longer reflect the chain.
			if pred != nil {
				if err := store.DeleteEdgeTx(tx, models.EdgeID(pred.ID, succ.ID, models.RelTemporalNext)); err != nil {
					return err
				}
				if err := store.DeleteEdgeTx(tx, models.EdgeID(succ.ID, pred.ID, models.RelTemporalPrev)); err != nil {
					return err
				}
			}
			return nil
		}

		// No successor: node is the new head. Move the latest marker.
		if pred != nil {
			if err := store.DeleteEdgeTx(tx, models.EdgeID(pred.ID, pred.ID, models.RelTemporalNext)); err != nil {
				return err
			}
		}
		latest := models.NewEdge(node.ID, node.ID, models.RelTemporalNext, models.ScopeLocal, 1.0)
		latest.Attributes = map[string]any{"is_latest": true}
		return store.InsertEdgeTx(tx, &latest)
	})
}

// linkNeighbours writes the prev/next pair between two adjacent summaries.
func (s *Service) linkNeighbours(tx *sql.Tx, earlier, later *models.GraphNode) error {
	ep, ok1 := periodStart(earlier)
	lp, ok2 := periodStart(later)
	daysApart := 0.0
	if ok1 && ok2 {
		daysApart = lp.Sub(ep).Hours() / 24
	}

	prev := models.NewEdge(later.ID, earlier.ID, models.RelTemporalPrev, models.ScopeLocal, 1.0)
	prev.Attributes = map[string]any{"days_apart": daysApart}
	if err := store.InsertEdgeTx(tx, &prev); err != nil {
		return err
	}
	next := models.NewEdge(earlier.ID, later.ID, models.RelTemporalNext, models.ScopeLocal, 1.0)
	return store.InsertEdgeTx(tx, &next)
}

// linkParticipants emits edges from conversation summaries to the users
// and channels involved, and from task summaries to noteworthy tasks.
func (s *Service) linkParticipants(node *models.GraphNode, summary any) error {
	switch v := summary.(type) {
	case models.ConversationSummary:
		return s.linkConversationParticipants(node, v)
	case models.TaskSummary:
		return s.linkNoteworthyTasks(node, v)
	}
	return nil
}

func (s *Service) linkConversationParticipants(node *models.GraphNode, summary models.ConversationSummary) error {
	for _, userID := range summary.UserList {
		userNode := &models.GraphNode{
			ID:        "user/" + userID,
			Type:      models.NodeTypeUser,
			Scope:     models.ScopeLocal,
			UpdatedBy: s.agentID,
			Attributes: map[string]any{
				"user_id": userID,
			},
		}
		if err := store.UpsertNode(s.db, userNode); err != nil {
			return fmt.Errorf("upsert user node: %w", err)
		}
		edge := models.NewEdge(node.ID, userNode.ID, models.RelInvolvedUser, models.ScopeLocal, 1.0)
		if err := store.InsertEdge(s.db, &edge); err != nil {
			return err
		}
	}
	for channelID := range summary.ConversationsByChannel {
		channelNode := &models.GraphNode{
			ID:        "channel/" + channelID,
			Type:      models.NodeTypeChannel,
			Scope:     models.ScopeLocal,
			UpdatedBy: s.agentID,
			Attributes: map[string]any{
				"channel_id": channelID,
			},
		}
		if err := store.UpsertNode(s.db, channelNode); err != nil {
			return fmt.Errorf("upsert channel node: %w", err)
		}
		edge := models.NewEdge(node.ID, channelNode.ID, models.RelOccurredInChannel, models.ScopeLocal, 1.0)
		if err := store.InsertEdge(s.db, &edge); err != nil {
			return err
		}
	}
	return nil
}

// noteworthyTaskDuration marks a task long-running for summary linkage.
const noteworthyTaskDuration = float64(60 * 60 * 1000) // 1h in ms

// linkNoteworthyTasks records failed, retried and long-running tasks as a
// self-edge on the summary carrying the task data in its attributes.
func (s *Service) linkNoteworthyTasks(node *models.GraphNode, summary models.TaskSummary) error {
	for _, outcome := range summary.TaskOutcomes {
		noteworthy := outcome.Status == string(models.TaskStatusFailed) ||
			outcome.RetryCount > 0 ||
			outcome.DurationMs > noteworthyTaskDuration
		if !noteworthy {
			continue
		}
		edge := models.GraphEdge{
			EdgeID:       models.EdgeID(node.ID, node.ID, models.RelErrorTask+":"+outcome.TaskID),
			Source:       node.ID,
			Target:       node.ID,
			Scope:        models.ScopeLocal,
			Relationship: models.RelErrorTask,
			Weight:       1.0,
			Attributes: map[string]any{
				"task_id":     outcome.TaskID,
				"status":      outcome.Status,
				"retry_count": outcome.RetryCount,
				"duration_ms": outcome.DurationMs,
			},
		}
		if err := store.InsertEdge(s.db, &edge); err != nil {
			return err
		}
	}
	return nil
}

// crossTypeRelationship names the semantic edge between two same-day
// summary types, falling back to TEMPORAL_CORRELATION.
func crossTypeRelationship(a, b models.NodeType) string {
	has := func(t models.NodeType) bool { return a == t || b == t }
	switch {
	case has(models.NodeTypeAuditSummary):
		return models.RelSecuresExecution
	case has(models.NodeTypeTaskSummary) && has(models.NodeTypeTraceSummary):
		return models.RelDrivesProcessing
	case has(models.NodeTypeTSDBSummary):
		return models.RelGeneratesMetrics
	default:
		return models.RelTemporalCorrelation
	}
}

// linkSameDaySummaries writes the C(N,2) cross-type edges among the daily
// summaries present for one day. Deterministic edge ids keep repeats
// duplicate-proof; self-edges never occur because each type appears once.
func (s *Service) linkSameDaySummaries(day time.Time, nodes []*models.GraphNode) error {
	return store.Transact(s.db, func(tx *sql.Tx) error {
		for i := 0; i < len(nodes); i++ {
			for j := i + 1; j < len(nodes); j++ {
				rel := crossTypeRelationship(nodes[i].Type, nodes[j].Type)
				edge := models.NewEdge(nodes[i].ID, nodes[j].ID, rel, models.ScopeLocal, 1.0)
				edge.Attributes = map[string]any{"day": day.UTC().Format("2006-01-02")}
				if err := store.InsertEdgeTx(tx, &edge); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
