package pipeline

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

// TaskManager creates tasks from incoming messages and seeds their first
// thought.
type TaskManager struct {
	db *sql.DB
}

// NewTaskManager builds a task manager.
func NewTaskManager(db *sql.DB) *TaskManager {
	return &TaskManager{db: db}
}

// CreateTaskFromMessage converts an incoming message into a root task with
// one seed thought, atomically. The seed thought's context carries the task
// id and a fresh correlation id.
func (m *TaskManager) CreateTaskFromMessage(msg *models.IncomingMessage) (*models.Task, *models.Thought, error) {
	if msg == nil || msg.Content == "" {
		return nil, nil, fmt.Errorf("incoming message requires content")
	}

	task := &models.Task{
		Description: msg.Content,
		ChannelID:   msg.ChannelID,
		Status:      models.TaskStatusActive,
	}
	thought := &models.Thought{
		Content: fmt.Sprintf("Observed message from %s in %s: %s", msg.AuthorID, msg.ChannelID, msg.Content),
		Status:  models.ThoughtStatusPending,
	}

	err := store.Transact(m.db, func(tx *sql.Tx) error {
		if err := store.CreateTaskTx(tx, task); err != nil {
			return err
		}
		thought.SourceTaskID = task.TaskID
		thought.Context = &models.ThoughtContext{
			TaskID:        task.TaskID,
			CorrelationID: uuid.NewString(),
			ChannelID:     msg.ChannelID,
		}
		return store.CreateThoughtTx(tx, thought)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create task from message: %w", err)
	}
	return task, thought, nil
}

// CreateFollowupThought adds another thought to an existing task.
func (m *TaskManager) CreateFollowupThought(taskID, content string) (*models.Thought, error) {
	task, err := store.GetTask(m.db, taskID)
	if err != nil {
		return nil, err
	}
	thought := &models.Thought{
		SourceTaskID: task.TaskID,
		Content:      content,
		Status:       models.ThoughtStatusPending,
		Context: &models.ThoughtContext{
			TaskID:        task.TaskID,
			CorrelationID: uuid.NewString(),
			ChannelID:     task.ChannelID,
		},
	}
	if err := store.CreateThought(m.db, thought); err != nil {
		return nil, err
	}
	return thought, nil
}
