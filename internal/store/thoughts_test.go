package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/ciris/internal/models"
)

func seedTask(t *testing.T, db *sql.DB) *models.Task {
	t.Helper()
	task := &models.Task{Description: "seed", ChannelID: "cli_local"}
	require.NoError(t, CreateTask(db, task))
	return task
}

func TestCreateThoughtRejectsMalformedContext(t *testing.T) {
	db := newTestDB(t)
	task := seedTask(t, db)

	err := CreateThought(db, &models.Thought{
		SourceTaskID: task.TaskID,
		Content:      "no context",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "context")
}

func TestThoughtLifecycle(t *testing.T) {
	db := newTestDB(t)
	task := seedTask(t, db)

	th := &models.Thought{
		SourceTaskID: task.TaskID,
		Content:      "consider the request",
		Context:      &models.ThoughtContext{TaskID: task.TaskID, CorrelationID: "corr-1"},
	}
	require.NoError(t, CreateThought(db, th))

	pending, err := PendingThoughts(db, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, MarkThoughtProcessing(db, th.ThoughtID, 3))
	// Claiming twice fails: the thought is no longer pending.
	require.Error(t, MarkThoughtProcessing(db, th.ThoughtID, 4))

	action := &models.HandlerAction{
		Type:  models.ActionSpeak,
		Speak: &models.SpeakParams{ChannelID: "cli_local", Content: "done"},
	}
	require.NoError(t, CompleteThought(db, th.ThoughtID, models.ThoughtStatusCompleted, action))

	got, err := GetThought(db, th.ThoughtID)
	require.NoError(t, err)
	require.Equal(t, models.ThoughtStatusCompleted, got.Status)
	require.Equal(t, 3, got.RoundProcessed)
	require.NotNil(t, got.FinalAction)
	require.Equal(t, models.ActionSpeak, got.FinalAction.Type)
	require.Equal(t, "done", got.FinalAction.Speak.Content)
}

func TestRequeueThoughtWithPonder(t *testing.T) {
	db := newTestDB(t)
	task := seedTask(t, db)

	th := &models.Thought{
		SourceTaskID: task.TaskID,
		Content:      "hmm",
		Context:      &models.ThoughtContext{TaskID: task.TaskID, CorrelationID: "corr-1"},
	}
	require.NoError(t, CreateThought(db, th))
	require.NoError(t, MarkThoughtProcessing(db, th.ThoughtID, 1))

	require.NoError(t, RequeueThoughtWithPonder(db, th.ThoughtID, []string{"Q1", "Q2"}))

	got, err := GetThought(db, th.ThoughtID)
	require.NoError(t, err)
	require.Equal(t, models.ThoughtStatusPending, got.Status)
	require.Equal(t, 1, got.PonderCount)
	require.Equal(t, []string{"Q1", "Q2"}, got.Context.PonderNotes)
}

func TestThoughtsWithMalformedContext(t *testing.T) {
	db := newTestDB(t)
	task := seedTask(t, db)

	good := &models.Thought{
		SourceTaskID: task.TaskID,
		Content:      "fine",
		Context:      &models.ThoughtContext{TaskID: task.TaskID, CorrelationID: "corr-1"},
	}
	require.NoError(t, CreateThought(db, good))

	// Corrupt a context directly, simulating a crashed older version.
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO thoughts (thought_id, source_task_id, status, content, context_json)
		VALUES ('thought_bad', ?, 'pending', 'broken', '{"task_id": ""}')
	`, task.TaskID)
	require.NoError(t, err)

	ids, err := ThoughtsWithMalformedContext(db)
	require.NoError(t, err)
	require.Equal(t, []string{"thought_bad"}, ids)

	n, err := DeleteThoughtsByIDs(db, ids)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Second sweep is a no-op.
	ids, err = ThoughtsWithMalformedContext(db)
	require.NoError(t, err)
	require.Empty(t, ids)
}
