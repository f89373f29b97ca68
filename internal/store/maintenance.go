package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dotcommander/ciris/internal/models"
)

// DeleteStaleWakeupTasks removes ACTIVE wakeup-sequence tasks left behind
// by interrupted startups. Wakeup tasks are recognised by the "wakeup_" id
// prefix alone; the query does not look at the parent.
func DeleteStaleWakeupTasks(db *sql.DB) (int64, error) {
	var deleted int64
	err := Transact(db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(context.Background(), `
			DELETE FROM tasks WHERE status = ? AND task_id LIKE 'wakeup_%'
		`, models.TaskStatusActive)
		if err != nil {
			return fmt.Errorf("failed to delete stale wakeup tasks: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// DeleteRuntimeConfigNodes removes CONFIG nodes flagged runtime-only.
// These carry per-process state that must not leak across runs.
func DeleteRuntimeConfigNodes(db *sql.DB) (int64, error) {
	var deleted int64
	err := Transact(db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(context.Background(), `
			DELETE FROM graph_nodes
			WHERE node_type = ? AND attributes_json LIKE '%"runtime_only":true%'
		`, models.NodeTypeConfig)
		if err != nil {
			return fmt.Errorf("failed to delete runtime config nodes: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
