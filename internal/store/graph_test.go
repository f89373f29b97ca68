package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/ciris/internal/models"
)

func TestUpsertNodeVersioning(t *testing.T) {
	db := newTestDB(t)

	node := &models.GraphNode{
		ID:         "concept/paris",
		Type:       models.NodeTypeConcept,
		Scope:      models.ScopeLocal,
		Attributes: map[string]any{"content": "Paris is the capital of France"},
		UpdatedBy:  "tester",
	}
	require.NoError(t, UpsertNode(db, node))
	require.Equal(t, 1, node.Version)
	created := node.CreatedAt

	node.Attributes["content"] = "Paris, capital of France"
	require.NoError(t, UpsertNode(db, node))
	require.Equal(t, 2, node.Version)
	require.Equal(t, created.Unix(), node.CreatedAt.Unix())

	got, err := GetNode(db, "concept/paris", models.ScopeLocal)
	require.NoError(t, err)
	require.Equal(t, 2, got.Version)
	require.Equal(t, "Paris, capital of France", got.Attr("content"))
}

func TestEdgeDeterministicIDAndDedup(t *testing.T) {
	db := newTestDB(t)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, UpsertNode(db, &models.GraphNode{ID: id, Type: models.NodeTypeConcept, Scope: models.ScopeLocal}))
	}

	edge := models.NewEdge("a", "b", models.RelTemporalNext, models.ScopeLocal, 1.0)
	require.NoError(t, InsertEdge(db, &edge))

	// Same triple inserts are duplicate-proof.
	again := models.NewEdge("a", "b", models.RelTemporalNext, models.ScopeLocal, 0.5)
	require.NoError(t, InsertEdge(db, &again))
	require.Equal(t, edge.EdgeID, again.EdgeID)

	edges, err := EdgesFrom(db, "a", models.RelTemporalNext)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Equal(t, 1.0, edges[0].Weight)
}

func TestDeleteNodeRemovesEdges(t *testing.T) {
	db := newTestDB(t)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, UpsertNode(db, &models.GraphNode{ID: id, Type: models.NodeTypeConcept, Scope: models.ScopeLocal}))
	}
	edge := models.NewEdge("a", "b", models.RelInvolvedUser, models.ScopeLocal, 1.0)
	require.NoError(t, InsertEdge(db, &edge))

	deleted, err := DeleteNode(db, "b", models.ScopeLocal)
	require.NoError(t, err)
	require.True(t, deleted)

	edges, err := EdgesTouching(db, "a")
	require.NoError(t, err)
	require.Empty(t, edges)
}

func TestDeleteOrphanEdges(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, UpsertNode(db, &models.GraphNode{ID: "a", Type: models.NodeTypeConcept, Scope: models.ScopeLocal}))
	// Edge to a node that never existed.
	ghost := models.NewEdge("a", "ghost", models.RelTemporalNext, models.ScopeLocal, 1.0)
	require.NoError(t, InsertEdge(db, &ghost))

	n, err := DeleteOrphanEdges(db)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Re-running is a no-op.
	n, err = DeleteOrphanEdges(db)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSearchNodesFilters(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, UpsertNode(db, &models.GraphNode{
		ID: "concept/france", Type: models.NodeTypeConcept, Scope: models.ScopeLocal,
		Attributes: map[string]any{"content": "Paris is the capital of France"},
	}))
	require.NoError(t, UpsertNode(db, &models.GraphNode{
		ID: "user/alice", Type: models.NodeTypeUser, Scope: models.ScopeLocal,
		Attributes: map[string]any{"content": "lives in France"},
	}))

	nodes, err := SearchNodes(db, "France", models.ScopeLocal, models.NodeTypeConcept, 10)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "concept/france", nodes[0].ID)

	nodes, err = SearchNodes(db, "France", models.ScopeLocal, "", 10)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
}

func TestCorrelationWindowQueries(t *testing.T) {
	db := newTestDB(t)

	base := time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, InsertCorrelation(db, &models.ServiceCorrelation{
			CorrelationID: NewPrefixedID("corr"),
			Type:          models.CorrelationMetricDatapoint,
			ServiceType:   models.ServiceMemory,
			Timestamp:     base.Add(time.Duration(i) * time.Hour),
			Tags:          map[string]string{"metric_name": "tokens_used"},
		}))
	}

	rows, err := CorrelationsInWindow(db, models.CorrelationMetricDatapoint, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	filtered, err := QueryTimeSeries(db, models.TimeSeriesQuery{
		Type:  models.CorrelationMetricDatapoint,
		Start: base,
		End:   base.Add(6 * time.Hour),
		Tags:  map[string]string{"metric_name": "tokens_used"},
	})
	require.NoError(t, err)
	require.Len(t, filtered, 3)

	earliest, err := EarliestCorrelationTimestamp(db)
	require.NoError(t, err)
	require.Equal(t, base.Unix(), earliest.Unix())
}
