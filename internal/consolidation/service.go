// Package consolidation compresses raw correlations, tasks and audit rows
// into typed summary nodes on a 6-hour cadence, chains the summaries with
// temporal edges, and links same-day summaries across types. Summaries are
// idempotent per (type, window): re-consolidating a period is a no-op.
package consolidation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

// BasicWindow is the span one basic summary covers.
const BasicWindow = 6 * time.Hour

// Service runs the consolidation passes. The soft lock per
// (summary-type, period) is the idempotent summary id check: whoever
// inserts the node first wins the window.
type Service struct {
	db       *sql.DB
	auditSvc *audit.Service
	agentID  string
}

// New builds the consolidation service.
func New(db *sql.DB, auditSvc *audit.Service, agentID string) *Service {
	return &Service{db: db, auditSvc: auditSvc, agentID: agentID}
}

// RunConsolidation consolidates every complete basic window since the
// earliest raw correlation, rolls complete days into extensive summaries,
// and sweeps orphan edges. Called hourly by maintenance and on dream entry.
func (s *Service) RunConsolidation(ctx context.Context) error {
	earliest, err := store.EarliestCorrelationTimestamp(s.db)
	if err != nil {
		return err
	}
	if earliest.IsZero() {
		return nil
	}

	now := time.Now().UTC()
	windows := 0
	for start := AlignToWindow(earliest); start.Add(BasicWindow).Before(now) || start.Add(BasicWindow).Equal(now); start = start.Add(BasicWindow) {
		created, err := s.ConsolidateBasicWindow(ctx, start)
		if err != nil {
			return fmt.Errorf("consolidate window %s: %w", start.Format(time.RFC3339), err)
		}
		if created > 0 {
			windows++
		}
	}

	if err := s.ConsolidateExtensive(ctx, now); err != nil {
		return err
	}

	swept, err := store.DeleteOrphanEdges(s.db)
	if err != nil {
		return err
	}
	if swept > 0 {
		slog.Default().Info("orphan edge sweep", "deleted", swept)
	}

	if windows > 0 && s.auditSvc != nil {
		payload := map[string]any{"windows_consolidated": windows}
		if _, err := s.auditSvc.Log(models.AuditEventConsolidation, s.agentID, payload); err != nil {
			slog.Default().Error("failed to audit consolidation", "error", err)
		}
	}
	return nil
}

// AlignToWindow floors t to the 6-hour window boundary (00/06/12/18 UTC).
func AlignToWindow(t time.Time) time.Time {
	t = t.UTC()
	hour := (t.Hour() / 6) * 6
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, time.UTC)
}

// PeriodLabel renders the human-readable window label.
func PeriodLabel(start time.Time) string {
	return start.UTC().Format("2006-01-02 15:04") + " UTC"
}

// summaryNodeID derives the idempotent basic summary id for a window.
func summaryNodeID(nodeType models.NodeType, start time.Time) string {
	return string(nodeType) + "_" + start.UTC().Format("20060102_15")
}

// dailySummaryNodeID derives the idempotent extensive summary id.
func dailySummaryNodeID(nodeType models.NodeType, day time.Time) string {
	return string(nodeType) + "_daily_" + day.UTC().Format("20060102")
}

// ConsolidateBasicWindow produces one summary node per correlation type for
// [start, start+6h). Existing summaries skip their window. Returns how many
// summary nodes were created.
func (s *Service) ConsolidateBasicWindow(ctx context.Context, start time.Time) (int, error) {
	start = AlignToWindow(start)
	end := start.Add(BasicWindow)
	created := 0

	type builder struct {
		nodeType models.NodeType
		build    func(ctx context.Context, start, end time.Time) (any, int, error)
	}
	builders := []builder{
		{models.NodeTypeTSDBSummary, s.buildTSDBSummary},
		{models.NodeTypeConversationSummary, s.buildConversationSummary},
		{models.NodeTypeTraceSummary, s.buildTraceSummary},
		{models.NodeTypeTaskSummary, s.buildTaskSummary},
		{models.NodeTypeAuditSummary, s.buildAuditSummary},
	}

	for _, b := range builders {
		nodeID := summaryNodeID(b.nodeType, start)
		if _, err := store.GetNode(s.db, nodeID, models.ScopeLocal); err == nil {
			continue // window already consolidated for this type
		} else if !errors.Is(err, models.ErrNotFound) {
			return created, err
		}

		summary, sourceCount, err := b.build(ctx, start, end)
		if err != nil {
			return created, err
		}
		if sourceCount == 0 {
			continue // nothing in the window for this type
		}

		node, err := s.writeSummaryNode(nodeID, b.nodeType, summary)
		if err != nil {
			return created, err
		}
		created++

		if err := s.chainTemporalEdges(node, b.nodeType, start); err != nil {
			return created, err
		}
		if err := s.linkParticipants(node, summary); err != nil {
			return created, err
		}
	}
	return created, nil
}

func (s *Service) writeSummaryNode(nodeID string, nodeType models.NodeType, summary any) (*models.GraphNode, error) {
	attrs, err := models.SummaryAttributes(summary)
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
		return nil, fmt.Errorf("write summary node %s: %w", nodeID, err)
	}
	return node, nil
}

// summariesByPeriod returns same-type summaries sorted by period_start.
func (s *Service) summariesByPeriod(nodeType models.NodeType) ([]*models.GraphNode, error) {
	nodes, err := store.NodesByType(s.db, nodeType, models.ScopeLocal, 1000)
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Attr("period_start") < nodes[j].Attr("period_start")
	})
	return nodes, nil
}

func periodStart(node *models.GraphNode) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, node.Attr("period_start"))
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, node.Attr("period_start"))
	}
	return t, err == nil
}

// percentile returns the pth percentile of sorted values using the same
// index arithmetic the rest of the summaries rely on.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	var idx int
	if p == 0.5 {
		idx = len(sorted) / 2
	} else {
		idx = int(float64(len(sorted)) * p)
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
