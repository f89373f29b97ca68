package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/ciris/internal/app"
	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/llm"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/pipeline"
	"github.com/dotcommander/ciris/internal/store"
)

// test chain: everything completes immediately.
type completeEthical struct{}

func (completeEthical) Evaluate(ctx context.Context, ec *pipeline.EvaluationContext) (*pipeline.EthicalOutput, error) {
	return &pipeline.EthicalOutput{
		ContextAnalysis:   "n/a",
		AlignmentCheck:    map[string]string{"beneficence": "ok"},
		Conflicts:         "none",
		Resolution:        "proceed",
		DecisionRationale: "test",
		MonitoringPlan:    "none",
	}, nil
}

type completeCommonSense struct{}

func (completeCommonSense) Evaluate(ctx context.Context, ec *pipeline.EvaluationContext) (*pipeline.CommonSenseOutput, error) {
	return &pipeline.CommonSenseOutput{PlausibilityScore: 1, Reasoning: "test"}, nil
}

type completeSelector struct{}

func (completeSelector) SelectAction(ctx context.Context, ec *pipeline.EvaluationContext) (*models.HandlerAction, error) {
	return &models.HandlerAction{Type: models.ActionTaskComplete}, nil
}

func testChain(gen llm.Generator) *pipeline.Chain {
	return &pipeline.Chain{
		Ethical:     completeEthical{},
		CommonSense: completeCommonSense{},
		Selector:    completeSelector{},
	}
}

const testEmergencyKeyHex = "30313233343536373839616263646566" // "0123456789abcdef"

func newTestRuntime(t *testing.T) (*Runtime, string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ciris.db")
	keyDir := filepath.Join(dir, "keys")

	settings := app.EffectiveRuntimeSettings()
	settings.WorkRoundDelay = 10 * time.Millisecond

	rt, err := New(Options{
		DBPath:          dbPath,
		KeyDir:          keyDir,
		ArchiveDir:      filepath.Join(dir, "archive"),
		Settings:        settings,
		ChainBuilder:    testChain,
		EmergencyKeyHex: testEmergencyKeyHex,
	})
	require.NoError(t, err)
	return rt, dbPath, keyDir
}

func TestRuntimeStartProcessesTaskAndStops(t *testing.T) {
	rt, _, _ := newTestRuntime(t)

	require.NoError(t, rt.Start(context.Background()))

	task, err := rt.HandleIncoming(&models.IncomingMessage{
		ChannelID: "cli_local",
		AuthorID:  "alice",
		Content:   "please finish",
	})
	require.NoError(t, err)

	// The WORK processor completes the seed thought via TASK_COMPLETE.
	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := store.GetTask(rt.DB, task.TaskID)
		require.NoError(t, err)
		if got.Status == models.TaskStatusCompleted {
			break
		}
		require.True(t, time.Now().Before(deadline), "task never completed")
		time.Sleep(20 * time.Millisecond)
	}

	rt.Stop()
}

func TestEmergencyShutdownAcceptedAndAudited(t *testing.T) {
	rt, dbPath, keyDir := newTestRuntime(t)
	require.NoError(t, rt.Start(context.Background()))

	cmd := &models.EmergencyCommand{
		Reason:    "operator initiated",
		Timestamp: time.Now().UTC(),
		Force:     true,
	}
	cmd.Signature = rt.emergencyAuth.SignCommand(cmd)

	require.NoError(t, rt.EmergencyShutdown(cmd))

	// Reopen the store and check both emergency events landed in the chain.
	db, err := store.InitDBWithPath(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	auditSvc, err := audit.NewService(db, keyDir)
	require.NoError(t, err)

	entries, err := auditSvc.Entries(0, 0)
	require.NoError(t, err)
	var attempt, initiated bool
	for _, e := range entries {
		switch e.EventType {
		case models.AuditEventEmergencyAttempt:
			attempt = true
		case models.AuditEventEmergencyInitiated:
			initiated = true
		}
	}
	require.True(t, attempt)
	require.True(t, initiated)
}

func TestEmergencyShutdownRejectsBadSignature(t *testing.T) {
	rt, _, _ := newTestRuntime(t)

	cmd := &models.EmergencyCommand{
		Reason:    "intrusion",
		Timestamp: time.Now().UTC(),
		Signature: "forged",
	}
	require.Error(t, rt.EmergencyShutdown(cmd))

	// The rejected attempt is still audited.
	entries, err := rt.Audit.Entries(0, 0)
	require.NoError(t, err)
	var rejected bool
	for _, e := range entries {
		if e.EventType == models.AuditEventEmergencyAttempt {
			rejected = true
		}
	}
	require.True(t, rejected)
	rt.Stop()
}
