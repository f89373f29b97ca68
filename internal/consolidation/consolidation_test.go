package consolidation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

func newTestService(t *testing.T) (*Service, *sql.DB, *audit.Service) {
	t.Helper()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	auditSvc, err := audit.NewService(db, t.TempDir())
	require.NoError(t, err)
	return New(db, auditSvc, "tester"), db, auditSvc
}

func insertMetric(t *testing.T, db *sql.DB, ts time.Time, name string, value float64) {
	t.Helper()
	req, _ := json.Marshal(models.MetricDatapoint{MetricName: name, Value: value})
	require.NoError(t, store.InsertCorrelation(db, &models.ServiceCorrelation{
		CorrelationID: store.NewPrefixedID("corr"),
		Type:          models.CorrelationMetricDatapoint,
		ServiceType:   models.ServiceMemory,
		RequestData:   req,
		Timestamp:     ts,
		Tags:          map[string]string{"metric_name": name},
	}))
}

func insertInteraction(t *testing.T, db *sql.DB, ts time.Time, channel, author, content string) {
	t.Helper()
	req, _ := json.Marshal(map[string]string{
		"channel_id": channel,
		"content":    content,
		"author_id":  author,
	})
	require.NoError(t, store.InsertCorrelation(db, &models.ServiceCorrelation{
		CorrelationID: store.NewPrefixedID("corr"),
		Type:          models.CorrelationServiceInteraction,
		ServiceType:   models.ServiceCommunication,
		ActionType:    "speak",
		RequestData:   req,
		Timestamp:     ts,
		Tags:          map[string]string{"channel_id": channel},
	}))
}

func insertHandlerSpan(t *testing.T, db *sql.DB, ts time.Time, taskID, thoughtID, action string) {
	t.Helper()
	resp, _ := json.Marshal(map[string]float64{"execution_time_ms": 12})
	require.NoError(t, store.InsertCorrelation(db, &models.ServiceCorrelation{
		CorrelationID: store.NewPrefixedID("corr"),
		Type:          models.CorrelationTraceSpan,
		ServiceType:   models.ServiceCommunication,
		ResponseData:  resp,
		Timestamp:     ts,
		Tags: map[string]string{
			"component_type": "handler",
			"task_id":        taskID,
			"thought_id":     thoughtID,
			"action_type":    action,
		},
	}))
}

// TestSixHourWindowConsolidation covers the documented window: 72 metric
// samples, 8 messages across 2 channels, 3 tasks with 3 thoughts each
// including one guardrail violation, 9 audit events.
func TestSixHourWindowConsolidation(t *testing.T) {
	svc, db, auditSvc := newTestService(t)

	now := time.Now().UTC()
	start := AlignToWindow(now)
	ts := start.Add(time.Minute)

	for i := 0; i < 72; i++ {
		insertMetric(t, db, ts, "tokens_used", float64(i%10))
	}

	channels := []string{"discord_100", "api_127.0.0.1:8080"}
	for i := 0; i < 8; i++ {
		insertInteraction(t, db, ts.Add(time.Duration(i)*time.Second),
			channels[i%2], fmt.Sprintf("user%d", i%3), fmt.Sprintf("message %d", i))
	}

	for taskN := 0; taskN < 3; taskN++ {
		task := &models.Task{Description: fmt.Sprintf("task %d", taskN), ChannelID: channels[taskN%2]}
		require.NoError(t, store.CreateTask(db, task))
		for thoughtN := 0; thoughtN < 3; thoughtN++ {
			insertHandlerSpan(t, db, ts.Add(time.Duration(thoughtN)*time.Second),
				task.TaskID, fmt.Sprintf("thought_%d_%d", taskN, thoughtN), "speak")
		}
	}
	// One guardrail violation span.
	require.NoError(t, store.InsertCorrelation(db, &models.ServiceCorrelation{
		CorrelationID: store.NewPrefixedID("corr"),
		Type:          models.CorrelationTraceSpan,
		ServiceType:   models.ServiceLLM,
		Status:        models.CorrelationStatusFailed,
		Timestamp:     ts,
		Tags: map[string]string{
			"component_type": "guardrail",
			"guardrail_type": "content_filter",
			"violation":      "true",
		},
	}))

	for i := 0; i < 9; i++ {
		_, err := auditSvc.Log("handler_action", "tester", map[string]int{"i": i})
		require.NoError(t, err)
	}

	created, err := svc.ConsolidateBasicWindow(context.Background(), start)
	require.NoError(t, err)
	require.Equal(t, 5, created)

	// Exactly one summary node of each type for the window.
	tsdbNode, err := store.GetNode(db, summaryNodeID(models.NodeTypeTSDBSummary, start), models.ScopeLocal)
	require.NoError(t, err)
	var tsdb models.TSDBSummary
	require.NoError(t, models.SummaryFromNode(tsdbNode, &tsdb))
	require.Equal(t, 72, tsdb.SourceCorrelationCount)
	require.Equal(t, 72, tsdb.Metrics["tokens_used"].Count)

	convNode, err := store.GetNode(db, summaryNodeID(models.NodeTypeConversationSummary, start), models.ScopeLocal)
	require.NoError(t, err)
	var conv models.ConversationSummary
	require.NoError(t, models.SummaryFromNode(convNode, &conv))
	require.Equal(t, 8, conv.TotalMessages)
	require.Len(t, conv.MessagesByChannel, 2)
	require.Equal(t, 3, conv.UniqueUsers)

	traceNode, err := store.GetNode(db, summaryNodeID(models.NodeTypeTraceSummary, start), models.ScopeLocal)
	require.NoError(t, err)
	var trace models.TraceSummary
	require.NoError(t, models.SummaryFromNode(traceNode, &trace))
	require.Equal(t, 3, trace.TotalTasksProcessed)
	require.Equal(t, 9, trace.TotalThoughts)
	require.Equal(t, 1, trace.GuardrailViolations["content_filter"])

	taskNode, err := store.GetNode(db, summaryNodeID(models.NodeTypeTaskSummary, start), models.ScopeLocal)
	require.NoError(t, err)
	var tasks models.TaskSummary
	require.NoError(t, models.SummaryFromNode(taskNode, &tasks))
	require.Equal(t, 3, tasks.TotalTasks)

	auditNode, err := store.GetNode(db, summaryNodeID(models.NodeTypeAuditSummary, start), models.ScopeLocal)
	require.NoError(t, err)
	var auditSummary models.AuditSummary
	require.NoError(t, models.SummaryFromNode(auditNode, &auditSummary))
	require.Equal(t, 9, auditSummary.TotalAuditEvents)
	require.Len(t, auditSummary.AuditHash, 64)
	require.Equal(t, "sha256", auditSummary.HashAlgorithm)

	// Consolidating an already-consolidated period is a no-op.
	created, err = svc.ConsolidateBasicWindow(context.Background(), start)
	require.NoError(t, err)
	require.Zero(t, created)
}

func TestTemporalChainEdges(t *testing.T) {
	svc, db, _ := newTestService(t)

	w1 := AlignToWindow(time.Now().UTC().Add(-12 * time.Hour))
	w2 := w1.Add(BasicWindow)

	insertMetric(t, db, w1.Add(time.Minute), "tokens_used", 1)
	insertMetric(t, db, w2.Add(time.Minute), "tokens_used", 2)

	_, err := svc.ConsolidateBasicWindow(context.Background(), w1)
	require.NoError(t, err)

	node1 := summaryNodeID(models.NodeTypeTSDBSummary, w1)
	node2 := summaryNodeID(models.NodeTypeTSDBSummary, w2)

	// First summary is the head: latest marker self-edge.
	selfEdges, err := store.EdgesFrom(db, node1, models.RelTemporalNext)
	require.NoError(t, err)
	require.Len(t, selfEdges, 1)
	require.Equal(t, node1, selfEdges[0].Target)
	require.Equal(t, true, selfEdges[0].Attributes["is_latest"])

	_, err = svc.ConsolidateBasicWindow(context.Background(), w2)
	require.NoError(t, err)

	// node1 -> node2 TEMPORAL_NEXT; old latest marker removed.
	nexts, err := store.EdgesFrom(db, node1, models.RelTemporalNext)
	require.NoError(t, err)
	require.Len(t, nexts, 1)
	require.Equal(t, node2, nexts[0].Target)

	// node2 TEMPORAL_PREV node1 with days_apart, plus the new latest marker.
	prevs, err := store.EdgesFrom(db, node2, models.RelTemporalPrev)
	require.NoError(t, err)
	require.Len(t, prevs, 1)
	require.Equal(t, node1, prevs[0].Target)
	require.InDelta(t, 0.25, prevs[0].Attributes["days_apart"].(float64), 0.001)

	latest, err := store.EdgesFrom(db, node2, models.RelTemporalNext)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	require.Equal(t, node2, latest[0].Target)
	require.Equal(t, true, latest[0].Attributes["is_latest"])
}

func TestExtensiveDailyConsolidation(t *testing.T) {
	svc, db, _ := newTestService(t)

	now := time.Now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(-48 * time.Hour)

	// Two basic windows of metrics and one of interactions on the same day.
	insertMetric(t, db, day.Add(time.Hour), "tokens_used", 10)
	insertMetric(t, db, day.Add(7*time.Hour), "tokens_used", 20)
	insertInteraction(t, db, day.Add(time.Hour), "cli_local", "alice", "hello")

	for _, start := range []time.Time{day, day.Add(6 * time.Hour)} {
		_, err := svc.ConsolidateBasicWindow(context.Background(), start)
		require.NoError(t, err)
	}

	require.NoError(t, svc.ConsolidateExtensive(context.Background(), now))

	daily, err := store.GetNode(db, dailySummaryNodeID(models.NodeTypeTSDBSummary, day), models.ScopeLocal)
	require.NoError(t, err)
	require.Equal(t, string(models.ConsolidationExtensive), daily.Attr("consolidation_level"))

	// Two summary types present for the day: one cross-type edge, and a
	// TSDB participant means GENERATES_METRICS.
	edges, err := store.EdgesTouching(db, daily.ID)
	require.NoError(t, err)
	var crossType int
	for _, e := range edges {
		if e.Relationship == models.RelGeneratesMetrics {
			crossType++
		}
	}
	require.Equal(t, 1, crossType)

	// Idempotent: a second extensive pass creates nothing new.
	require.NoError(t, svc.ConsolidateExtensive(context.Background(), now))
	daily2, err := store.GetNode(db, dailySummaryNodeID(models.NodeTypeTSDBSummary, day), models.ScopeLocal)
	require.NoError(t, err)
	require.Equal(t, daily.Version, daily2.Version)
}
