package maintenance

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

func newTestService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	auditSvc, err := audit.NewService(db, t.TempDir())
	require.NoError(t, err)
	return New(db, auditSvc, "tester", t.TempDir(), 24*time.Hour), db
}

func TestStartupCleanupRemovesOrphans(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	parent := &models.Task{Description: "parent", ChannelID: "cli_local"}
	require.NoError(t, store.CreateTask(db, parent))
	child := &models.Task{Description: "child", ChannelID: "cli_local", ParentTaskID: parent.TaskID}
	require.NoError(t, store.CreateTask(db, child))
	require.NoError(t, store.UpdateTaskStatus(db, parent.TaskID, models.TaskStatusFailed))

	// Stale wakeup task from an interrupted startup.
	wakeup := &models.Task{TaskID: "wakeup_123", Description: "verify identity", ChannelID: ""}
	require.NoError(t, store.CreateTask(db, wakeup))

	// Thought with malformed context, inserted raw.
	_, err := db.ExecContext(ctx, `
		INSERT INTO thoughts (thought_id, source_task_id, status, content, context_json)
		VALUES ('thought_bad', ?, 'pending', 'broken', '{}')
	`, parent.TaskID)
	require.NoError(t, err)

	// Runtime-only config node.
	require.NoError(t, store.UpsertNode(db, &models.GraphNode{
		ID:         "config/session",
		Type:       models.NodeTypeConfig,
		Scope:      models.ScopeLocal,
		Attributes: map[string]any{"runtime_only": true},
	}))

	report, err := svc.PerformStartupCleanup(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, report.OrphanedTasksDeleted)
	require.EqualValues(t, 1, report.MalformedThoughtsPurged)
	require.EqualValues(t, 1, report.StaleWakeupTasksDeleted)
	require.EqualValues(t, 1, report.RuntimeConfigDeleted)

	// Re-running startup cleanup is a no-op.
	report, err = svc.PerformStartupCleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, &CleanupReport{}, report)
}

func TestArchiveOldThoughts(t *testing.T) {
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	auditSvc, err := audit.NewService(db, t.TempDir())
	require.NoError(t, err)

	archiveDir := t.TempDir()
	svc := New(db, auditSvc, "tester", archiveDir, time.Hour)

	task := &models.Task{Description: "old work", ChannelID: "cli_local"}
	require.NoError(t, store.CreateTask(db, task))
	th := &models.Thought{
		SourceTaskID: task.TaskID,
		Content:      "an old thought",
		Context:      &models.ThoughtContext{TaskID: task.TaskID, CorrelationID: "corr-1"},
	}
	require.NoError(t, store.CreateThought(db, th))

	// Age the thought past the threshold.
	_, err = db.ExecContext(context.Background(),
		`UPDATE thoughts SET created_at = ? WHERE thought_id = ?`,
		time.Now().UTC().Add(-2*time.Hour), th.ThoughtID)
	require.NoError(t, err)

	n, err := svc.ArchiveOldThoughts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The thought is gone from the database and present in the archive.
	_, err = store.GetThought(db, th.ThoughtID)
	require.ErrorIs(t, err, models.ErrNotFound)

	files, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(filepath.Join(archiveDir, files[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(data), th.ThoughtID)

	// Tasks are not archived.
	_, err = store.GetTask(db, task.TaskID)
	require.NoError(t, err)
}
