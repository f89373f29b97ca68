package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dotcommander/ciris/internal/models"
)

// Task payload size constraints enforced by ValidateTask.
const (
	MaxTaskDescriptionLength = 4096
	MaxChannelIDLength       = 256
)

const taskColumns = `task_id, description, channel_id, status, parent_task_id, retry_count, created_at, updated_at`

// ValidateTask enforces task payload constraints for durability and safety.
func ValidateTask(description, channelID string) error {
	description = strings.TrimSpace(description)
	if description == "" {
		return errors.New("task description is required")
	}
	if len(description) > MaxTaskDescriptionLength {
		return fmt.Errorf("task description exceeds max length (%d)", MaxTaskDescriptionLength)
	}
	if len(channelID) > MaxChannelIDLength {
		return fmt.Errorf("channel id exceeds max length (%d)", MaxChannelIDLength)
	}
	return nil
}

// CreateTaskTx inserts a new task inside an existing transaction.
// parentTaskID may be empty for root tasks; when set, the parent must exist.
func CreateTaskTx(tx *sql.Tx, task *models.Task) error {
	if err := ValidateTask(task.Description, task.ChannelID); err != nil {
		return err
	}
	if task.TaskID == "" {
		task.TaskID = NewPrefixedID("task")
	}
	if task.Status == "" {
		task.Status = models.TaskStatusActive
	}

	var parent any
	if task.ParentTaskID != "" {
		var exists int
		if err := tx.QueryRowContext(context.Background(),
			`SELECT COUNT(*) FROM tasks WHERE task_id = ?`, task.ParentTaskID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to verify parent task: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("parent task not found: %s", task.ParentTaskID)
		}
		parent = task.ParentTaskID
	}

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	if _, err := tx.ExecContext(context.Background(), `
		INSERT INTO tasks (task_id, description, channel_id, status, parent_task_id, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, task.TaskID, task.Description, task.ChannelID, task.Status, parent, task.RetryCount, now, now); err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// CreateTask inserts a new task with retry.
func CreateTask(db *sql.DB, task *models.Task) error {
	return Transact(db, func(tx *sql.Tx) error {
		return CreateTaskTx(tx, task)
	})
}

// GetTask loads a task by id. Returns models.ErrNotFound when missing.
func GetTask(db *sql.DB, taskID string) (*models.Task, error) {
	var task *models.Task
	err := RetryWithBackoff(func() error {
		row := db.QueryRowContext(context.Background(),
			`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
		t, scanErr := scanTaskRow(row)
		if scanErr != nil {
			return scanErr
		}
		task = t
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasksByStatus returns tasks in the given status ordered oldest-first.
func ListTasksByStatus(db *sql.DB, status models.TaskStatus, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var tasks []*models.Task
	err := RetryWithBackoff(func() error {
		rows, err := db.QueryContext(context.Background(),
			`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC LIMIT ?`, status, limit)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		tasks = tasks[:0]
		for rows.Next() {
			t, scanErr := scanTaskRow(rows)
			if scanErr != nil {
				return scanErr
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	return tasks, nil
}

// UpdateTaskStatusTx transitions a task's status inside a transaction.
func UpdateTaskStatusTx(tx *sql.Tx, taskID string, status models.TaskStatus) error {
	res, err := tx.ExecContext(context.Background(), `
		UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?
	`, status, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check task update: %w", err)
	}
	if ra == 0 {
		return fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	return nil
}

// UpdateTaskStatus transitions a task's status with retry.
func UpdateTaskStatus(db *sql.DB, taskID string, status models.TaskStatus) error {
	return Transact(db, func(tx *sql.Tx) error {
		return UpdateTaskStatusTx(tx, taskID, status)
	})
}

// IncrementTaskRetry bumps retry_count and returns the new value.
func IncrementTaskRetry(db *sql.DB, taskID string) (int, error) {
	var count int
	err := Transact(db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(context.Background(), `
			UPDATE tasks SET retry_count = retry_count + 1, updated_at = ? WHERE task_id = ?
		`, time.Now().UTC(), taskID); err != nil {
			return fmt.Errorf("failed to increment retry count: %w", err)
		}
		return tx.QueryRowContext(context.Background(),
			`SELECT retry_count FROM tasks WHERE task_id = ?`, taskID).Scan(&count)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteTasksByIDs removes tasks (and their thoughts via cascade).
// Returns the number of tasks deleted.
func DeleteTasksByIDs(db *sql.DB, taskIDs []string) (int64, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	var deleted int64
	err := Transact(db, func(tx *sql.Tx) error {
		placeholders := strings.Repeat("?,", len(taskIDs))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(taskIDs))
		for i, id := range taskIDs {
			args[i] = id
		}
		res, err := tx.ExecContext(context.Background(),
			`DELETE FROM tasks WHERE task_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return fmt.Errorf("failed to delete tasks: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// TasksInWindow returns tasks updated within [start, end) for consolidation.
func TasksInWindow(db *sql.DB, start, end time.Time) ([]*models.Task, error) {
	var tasks []*models.Task
	err := RetryWithBackoff(func() error {
		rows, err := db.QueryContext(context.Background(),
			`SELECT `+taskColumns+` FROM tasks WHERE updated_at >= ? AND updated_at < ? ORDER BY created_at ASC`,
			start.UTC(), end.UTC())
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		tasks = tasks[:0]
		for rows.Next() {
			t, scanErr := scanTaskRow(rows)
			if scanErr != nil {
				return scanErr
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("tasks in window: %w", err)
	}
	return tasks, nil
}

// OrphanedActiveTaskIDs returns ids of non-root ACTIVE tasks whose parent is
// missing or in a state other than ACTIVE/COMPLETED. These violate the task
// parent invariant and are removed at startup.
func OrphanedActiveTaskIDs(db *sql.DB) ([]string, error) {
	var ids []string
	err := RetryWithBackoff(func() error {
		rows, err := db.QueryContext(context.Background(), `
			SELECT t.task_id
			FROM tasks t
			LEFT JOIN tasks p ON p.task_id = t.parent_task_id
			WHERE t.status = ? AND t.parent_task_id IS NOT NULL
			  AND (p.task_id IS NULL OR p.status NOT IN (?, ?))
		`, models.TaskStatusActive, models.TaskStatusActive, models.TaskStatusCompleted)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		ids = ids[:0]
		for rows.Next() {
			var id string
			if scanErr := rows.Scan(&id); scanErr != nil {
				return scanErr
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("orphaned active tasks: %w", err)
	}
	return ids, nil
}
