package adaptation

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

func newTestMonitor(t *testing.T) (*VarianceMonitor, *Service, *sql.DB) {
	t.Helper()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	auditSvc, err := audit.NewService(db, t.TempDir())
	require.NoError(t, err)

	monitor := NewVarianceMonitor(db, auditSvc, "tester", 0.20)
	return monitor, NewService(db, "tester", monitor), db
}

func insertHandlerSpans(t *testing.T, db *sql.DB, counts map[string]int) {
	t.Helper()
	now := time.Now().UTC()
	for action, n := range counts {
		for i := 0; i < n; i++ {
			require.NoError(t, store.InsertCorrelation(db, &models.ServiceCorrelation{
				CorrelationID: store.NewPrefixedID("corr"),
				Type:          models.CorrelationTraceSpan,
				ServiceType:   models.ServiceCommunication,
				Timestamp:     now.Add(-time.Minute),
				Tags: map[string]string{
					"component_type": "handler",
					"action_type":    action,
				},
			}))
		}
	}
}

// TestVarianceBreachEntersReview seeds a baseline of pure SPEAK behaviour,
// then shifts 25% of actions to TOOL: variance 0.25 > 0.20 triggers review.
func TestVarianceBreachEntersReview(t *testing.T) {
	monitor, svc, db := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, monitor.SeedBaseline(ctx, map[string]float64{"speak": 1.0}))
	insertHandlerSpans(t, db, map[string]int{"speak": 3, "tool": 1})

	variance, err := monitor.CheckVariance(ctx)
	require.NoError(t, err)
	require.InDelta(t, 0.25, variance, 0.001)
	require.Equal(t, AdaptationReviewing, monitor.State())

	// A wa_review node was recorded.
	reviews, err := store.SearchNodes(db, "wa_review", models.ScopeLocal, models.NodeTypeConcept, 10)
	require.NoError(t, err)
	require.NotEmpty(t, reviews)

	// Adaptation is rejected while review is pending.
	_, err = svc.AnalyzePatterns(ctx)
	require.ErrorIs(t, err, models.ErrReviewPending)

	// Approval moves to STABILIZING and re-baselines; adaptation resumes.
	require.NoError(t, monitor.ResumeAfterReview(ctx, true))
	require.Equal(t, AdaptationStabilizing, monitor.State())
	_, err = svc.AnalyzePatterns(ctx)
	require.NoError(t, err)

	// Variance against the new baseline is now zero.
	variance, err = monitor.CheckVariance(ctx)
	require.NoError(t, err)
	require.InDelta(t, 0, variance, 0.001)
}

func TestVarianceRejectKeepsBaseline(t *testing.T) {
	monitor, _, db := newTestMonitor(t)
	ctx := context.Background()

	require.NoError(t, monitor.SeedBaseline(ctx, map[string]float64{"speak": 1.0}))
	insertHandlerSpans(t, db, map[string]int{"tool": 4})

	_, err := monitor.CheckVariance(ctx)
	require.NoError(t, err)
	require.Equal(t, AdaptationReviewing, monitor.State())

	require.NoError(t, monitor.ResumeAfterReview(ctx, false))
	require.Equal(t, AdaptationLearning, monitor.State())

	// Baseline unchanged: the same drift breaches again.
	variance, err := monitor.CheckVariance(ctx)
	require.NoError(t, err)
	require.Greater(t, variance, 0.20)
}

func TestFirstCheckSeedsBaseline(t *testing.T) {
	monitor, _, db := newTestMonitor(t)
	ctx := context.Background()

	insertHandlerSpans(t, db, map[string]int{"speak": 2})
	variance, err := monitor.CheckVariance(ctx)
	require.NoError(t, err)
	require.Zero(t, variance)
	require.Equal(t, AdaptationLearning, monitor.State())
}

func TestEmergencyStopBlocksAnalysis(t *testing.T) {
	_, svc, _ := newTestMonitor(t)

	svc.EmergencyStop()
	_, err := svc.AnalyzePatterns(context.Background())
	require.ErrorIs(t, err, models.ErrEmergencyStop)
}

func TestPatternDetectionStoresInsights(t *testing.T) {
	monitor, svc, db := newTestMonitor(t)
	_ = monitor

	// 12 handler spans all SPEAK: frequency pattern fires (and temporal,
	// since everything lands in one hour).
	insertHandlerSpans(t, db, map[string]int{"speak": 12})

	n, err := svc.AnalyzePatterns(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	insights, err := store.SearchNodes(db, "behavioral_pattern", models.ScopeLocal, models.NodeTypeConcept, 10)
	require.NoError(t, err)
	require.NotEmpty(t, insights)
	require.Equal(t, true, insights[0].Attributes["actionable"])
}
