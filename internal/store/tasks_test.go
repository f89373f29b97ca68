package store

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/ciris/internal/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCreateAndGetTask(t *testing.T) {
	db := newTestDB(t)

	task := &models.Task{Description: "answer the question", ChannelID: "cli_local"}
	require.NoError(t, CreateTask(db, task))
	require.NotEmpty(t, task.TaskID)
	require.Equal(t, models.TaskStatusActive, task.Status)

	got, err := GetTask(db, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, task.Description, got.Description)
	require.True(t, got.IsRoot())
}

func TestGetTaskNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := GetTask(db, "task_missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestCreateTaskRequiresExistingParent(t *testing.T) {
	db := newTestDB(t)

	task := &models.Task{Description: "child", ChannelID: "cli_local", ParentTaskID: "task_ghost"}
	err := CreateTask(db, task)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parent task not found")
}

func TestUpdateTaskStatus(t *testing.T) {
	db := newTestDB(t)

	task := &models.Task{Description: "work item", ChannelID: "cli_local"}
	require.NoError(t, CreateTask(db, task))

	require.NoError(t, UpdateTaskStatus(db, task.TaskID, models.TaskStatusCompleted))
	got, err := GetTask(db, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, got.Status)

	require.ErrorIs(t, UpdateTaskStatus(db, "task_missing", models.TaskStatusFailed), models.ErrNotFound)
}

func TestOrphanedActiveTaskIDs(t *testing.T) {
	db := newTestDB(t)

	parent := &models.Task{Description: "parent", ChannelID: "cli_local"}
	require.NoError(t, CreateTask(db, parent))

	childOK := &models.Task{Description: "child of active", ChannelID: "cli_local", ParentTaskID: parent.TaskID}
	require.NoError(t, CreateTask(db, childOK))

	failedParent := &models.Task{Description: "failed parent", ChannelID: "cli_local"}
	require.NoError(t, CreateTask(db, failedParent))
	orphan := &models.Task{Description: "orphan", ChannelID: "cli_local", ParentTaskID: failedParent.TaskID}
	require.NoError(t, CreateTask(db, orphan))
	require.NoError(t, UpdateTaskStatus(db, failedParent.TaskID, models.TaskStatusFailed))

	ids, err := OrphanedActiveTaskIDs(db)
	require.NoError(t, err)
	require.Equal(t, []string{orphan.TaskID}, ids)

	// A COMPLETED parent keeps its child valid.
	require.NoError(t, UpdateTaskStatus(db, parent.TaskID, models.TaskStatusCompleted))
	ids, err = OrphanedActiveTaskIDs(db)
	require.NoError(t, err)
	require.Equal(t, []string{orphan.TaskID}, ids)
}

func TestDeleteTasksCascadesThoughts(t *testing.T) {
	db := newTestDB(t)

	task := &models.Task{Description: "doomed", ChannelID: "cli_local"}
	require.NoError(t, CreateTask(db, task))

	thought := &models.Thought{
		SourceTaskID: task.TaskID,
		Content:      "thinking",
		Context:      &models.ThoughtContext{TaskID: task.TaskID, CorrelationID: "corr-1"},
	}
	require.NoError(t, CreateThought(db, thought))

	n, err := DeleteTasksByIDs(db, []string{task.TaskID})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = GetThought(db, thought.ThoughtID)
	require.ErrorIs(t, err, models.ErrNotFound)
}
