package memoryservice

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

func newTestService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, "tester"), db
}

func TestMemorizeThenRecall(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result := svc.Memorize(ctx, &models.GraphNode{
		ID:         "concept/paris",
		Type:       models.NodeTypeConcept,
		Attributes: map[string]any{"content": "Paris is the capital of France"},
	})
	require.Equal(t, models.MemoryOpOK, result.Status)

	nodes, err := svc.Recall(ctx, models.MemoryQuery{NodeID: "concept/paris"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "Paris is the capital of France", nodes[0].Attr("content"))
	require.NotEmpty(t, nodes[0].Attr("created_at"))
	require.Equal(t, "tester", nodes[0].Attr("updated_by"))
}

func TestSearchFindsStoredContent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.Memorize(ctx, &models.GraphNode{
		ID:         "concept/paris",
		Type:       models.NodeTypeConcept,
		Attributes: map[string]any{"content": "Paris is the capital of France"},
	})

	nodes, err := svc.Search(ctx, "France", models.ScopeLocal, "")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "concept/paris", nodes[0].ID)
}

func TestForgetRemovesNode(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	svc.Memorize(ctx, &models.GraphNode{ID: "concept/x", Type: models.NodeTypeConcept})

	denied := svc.Forget(ctx, "concept/x", models.ScopeLocal, "")
	require.Equal(t, models.MemoryOpDenied, denied.Status)

	result := svc.Forget(ctx, "concept/x", models.ScopeLocal, "stale observation")
	require.Equal(t, models.MemoryOpOK, result.Status)

	nodes, err := svc.Recall(ctx, models.MemoryQuery{NodeID: "concept/x"})
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestWildcardRecallRequiresType(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Recall(ctx, models.MemoryQuery{NodeID: "*"})
	require.Error(t, err)

	svc.Memorize(ctx, &models.GraphNode{ID: "concept/a", Type: models.NodeTypeConcept})
	svc.Memorize(ctx, &models.GraphNode{ID: "user/b", Type: models.NodeTypeUser})

	nodes, err := svc.Recall(ctx, models.MemoryQuery{NodeID: "*", Type: models.NodeTypeConcept})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestRecallWithEdgesExpandsNeighbours(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	svc.Memorize(ctx, &models.GraphNode{ID: "a", Type: models.NodeTypeConcept})
	svc.Memorize(ctx, &models.GraphNode{ID: "b", Type: models.NodeTypeConcept})
	svc.Memorize(ctx, &models.GraphNode{ID: "c", Type: models.NodeTypeConcept})
	edgeAB := models.NewEdge("a", "b", models.RelTemporalNext, models.ScopeLocal, 1.0)
	require.NoError(t, store.InsertEdge(db, &edgeAB))
	edgeBC := models.NewEdge("b", "c", models.RelTemporalNext, models.ScopeLocal, 1.0)
	require.NoError(t, store.InsertEdge(db, &edgeBC))

	nodes, err := svc.Recall(ctx, models.MemoryQuery{NodeID: "a", IncludeEdges: true, Depth: 1})
	require.NoError(t, err)
	require.Len(t, nodes, 2) // a + b

	nodes, err = svc.Recall(ctx, models.MemoryQuery{NodeID: "a", IncludeEdges: true, Depth: 2})
	require.NoError(t, err)
	require.Len(t, nodes, 3) // a + b + c
}

func TestIdentityScopeRequiresAuthority(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	node := &models.GraphNode{ID: "identity/core", Type: models.NodeTypeIdentity, Scope: models.ScopeIdentity}
	denied := svc.MemorizeIdentity(ctx, node, false)
	require.Equal(t, models.MemoryOpDenied, denied.Status)

	allowed := svc.MemorizeIdentity(ctx, node, true)
	require.Equal(t, models.MemoryOpOK, allowed.Status)
}

func TestMemorizeMetricAndTimeseries(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	result := svc.MemorizeMetric(ctx, models.MetricDatapoint{MetricName: "tokens_used", Value: 42})
	require.Equal(t, models.MemoryOpOK, result.Status)

	rows, err := svc.RecallTimeseries(ctx, models.TimeSeriesQuery{
		Type:  models.CorrelationMetricDatapoint,
		Start: time.Now().UTC().Add(-time.Minute),
		End:   time.Now().UTC().Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "tokens_used", rows[0].Tags["metric_name"])
}
