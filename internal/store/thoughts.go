package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dotcommander/ciris/internal/models"
)

const thoughtColumns = `thought_id, source_task_id, status, content, ponder_count, round_processed, final_action, context_json, created_at, updated_at`

// CreateThoughtTx inserts a thought inside an existing transaction. The
// thought's context must carry task_id and correlation_id; a thought with a
// malformed context is rejected at the write boundary rather than waiting
// for the startup purge.
func CreateThoughtTx(tx *sql.Tx, th *models.Thought) error {
	if th.SourceTaskID == "" {
		return errors.New("thought source task id is required")
	}
	if !th.Context.Valid() {
		return errors.New("thought context must carry task_id and correlation_id")
	}
	if th.ThoughtID == "" {
		th.ThoughtID = NewPrefixedID("thought")
	}
	if th.Status == "" {
		th.Status = models.ThoughtStatusPending
	}

	ctxJSON, err := json.Marshal(th.Context)
	if err != nil {
		return fmt.Errorf("failed to encode thought context: %w", err)
	}

	now := time.Now().UTC()
	th.CreatedAt = now
	th.UpdatedAt = now

	if _, err := tx.ExecContext(context.Background(), `
		INSERT INTO thoughts (thought_id, source_task_id, status, content, ponder_count, context_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, th.ThoughtID, th.SourceTaskID, th.Status, th.Content, th.PonderCount, string(ctxJSON), now, now); err != nil {
		return fmt.Errorf("failed to insert thought: %w", err)
	}
	return nil
}

// CreateThought inserts a thought with retry.
func CreateThought(db *sql.DB, th *models.Thought) error {
	return Transact(db, func(tx *sql.Tx) error {
		return CreateThoughtTx(tx, th)
	})
}

// GetThought loads a thought by id. Returns models.ErrNotFound when missing.
func GetThought(db *sql.DB, thoughtID string) (*models.Thought, error) {
	var th *models.Thought
	err := RetryWithBackoff(func() error {
		row := db.QueryRowContext(context.Background(),
			`SELECT `+thoughtColumns+` FROM thoughts WHERE thought_id = ?`, thoughtID)
		t, scanErr := scanThoughtRow(row)
		if scanErr != nil {
			return scanErr
		}
		th = t
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thought %s: %w", thoughtID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get thought: %w", err)
	}
	return th, nil
}

// PendingThoughts returns PENDING thoughts oldest-first for the work
// processor to pump through the pipeline.
func PendingThoughts(db *sql.DB, limit int) ([]*models.Thought, error) {
	return thoughtsByStatus(db, models.ThoughtStatusPending, limit)
}

// ProcessingThoughts returns thoughts in PROCESSING, oldest-first. Startup
// cleanup does not call it.
func ProcessingThoughts(db *sql.DB, limit int) ([]*models.Thought, error) {
	return thoughtsByStatus(db, models.ThoughtStatusProcessing, limit)
}

func thoughtsByStatus(db *sql.DB, status models.ThoughtStatus, limit int) ([]*models.Thought, error) {
	if limit <= 0 {
		limit = 100
	}
	var thoughts []*models.Thought
	err := RetryWithBackoff(func() error {
		rows, err := db.QueryContext(context.Background(),
			`SELECT `+thoughtColumns+` FROM thoughts WHERE status = ? ORDER BY created_at ASC LIMIT ?`, status, limit)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		thoughts = thoughts[:0]
		for rows.Next() {
			t, scanErr := scanThoughtRow(rows)
			if scanErr != nil {
				return scanErr
			}
			thoughts = append(thoughts, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("thoughts by status: %w", err)
	}
	return thoughts, nil
}

// MarkThoughtProcessing flips a PENDING thought to PROCESSING and stamps the
// round that picked it up.
func MarkThoughtProcessing(db *sql.DB, thoughtID string, round int) error {
	return Transact(db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(context.Background(), `
			UPDATE thoughts SET status = ?, round_processed = ?, updated_at = ?
			WHERE thought_id = ? AND status = ?
		`, models.ThoughtStatusProcessing, round, time.Now().UTC(), thoughtID, models.ThoughtStatusPending)
		if err != nil {
			return fmt.Errorf("failed to mark thought processing: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if ra == 0 {
			return fmt.Errorf("thought %s not pending: %w", thoughtID, models.ErrNotFound)
		}
		return nil
	})
}

// CompleteThought records the final action and terminal status for a thought.
func CompleteThought(db *sql.DB, thoughtID string, status models.ThoughtStatus, action *models.HandlerAction) error {
	var actionVal any
	if action != nil {
		b, err := json.Marshal(action)
		if err != nil {
			return fmt.Errorf("failed to encode final action: %w", err)
		}
		actionVal = string(b)
	}
	return Transact(db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(context.Background(), `
			UPDATE thoughts SET status = ?, final_action = ?, updated_at = ? WHERE thought_id = ?
		`, status, actionVal, time.Now().UTC(), thoughtID)
		if err != nil {
			return fmt.Errorf("failed to complete thought: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if ra == 0 {
			return fmt.Errorf("thought %s: %w", thoughtID, models.ErrNotFound)
		}
		return nil
	})
}

// RequeueThoughtWithPonder resets a thought to PENDING, bumps ponder_count
// and attaches the ponder questions to the context so the next
// action-selection round sees them.
func RequeueThoughtWithPonder(db *sql.DB, thoughtID string, questions []string) error {
	return Transact(db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(context.Background(),
			`SELECT context_json FROM thoughts WHERE thought_id = ?`, thoughtID)
		var ctxJSON string
		if err := row.Scan(&ctxJSON); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("thought %s: %w", thoughtID, models.ErrNotFound)
			}
			return fmt.Errorf("failed to load thought context: %w", err)
		}

		var tctx models.ThoughtContext
		if err := json.Unmarshal([]byte(ctxJSON), &tctx); err != nil {
			return fmt.Errorf("failed to decode thought context: %w", err)
		}
		tctx.PonderNotes = questions

		updated, err := json.Marshal(&tctx)
		if err != nil {
			return fmt.Errorf("failed to encode thought context: %w", err)
		}

		if _, err := tx.ExecContext(context.Background(), `
			UPDATE thoughts
			SET status = ?, ponder_count = ponder_count + 1, context_json = ?, updated_at = ?
			WHERE thought_id = ?
		`, models.ThoughtStatusPending, string(updated), time.Now().UTC(), thoughtID); err != nil {
			return fmt.Errorf("failed to requeue thought: %w", err)
		}
		return nil
	})
}

// ThoughtsWithMalformedContext returns ids of thoughts whose context is
// missing task_id or correlation_id. Purged at startup.
func ThoughtsWithMalformedContext(db *sql.DB) ([]string, error) {
	var ids []string
	err := RetryWithBackoff(func() error {
		rows, err := db.QueryContext(context.Background(),
			`SELECT thought_id, context_json FROM thoughts`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		ids = ids[:0]
		for rows.Next() {
			var id, ctxJSON string
			if scanErr := rows.Scan(&id, &ctxJSON); scanErr != nil {
				return scanErr
			}
			var tctx models.ThoughtContext
			if err := json.Unmarshal([]byte(ctxJSON), &tctx); err != nil || !tctx.Valid() {
				ids = append(ids, id)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("thoughts with malformed context: %w", err)
	}
	return ids, nil
}

// DeleteThoughtsByIDs removes thoughts by id, returning the deleted count.
func DeleteThoughtsByIDs(db *sql.DB, thoughtIDs []string) (int64, error) {
	if len(thoughtIDs) == 0 {
		return 0, nil
	}
	var deleted int64
	err := Transact(db, func(tx *sql.Tx) error {
		for _, id := range thoughtIDs {
			res, err := tx.ExecContext(context.Background(),
				`DELETE FROM thoughts WHERE thought_id = ?`, id)
			if err != nil {
				return fmt.Errorf("failed to delete thought %s: %w", id, err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += ra
		}
		return nil
	})
	return deleted, err
}

// ThoughtsOlderThan returns thoughts created before the cutoff, for the
// maintenance archiver.
func ThoughtsOlderThan(db *sql.DB, cutoff time.Time, limit int) ([]*models.Thought, error) {
	if limit <= 0 {
		limit = 500
	}
	var thoughts []*models.Thought
	err := RetryWithBackoff(func() error {
		rows, err := db.QueryContext(context.Background(),
			`SELECT `+thoughtColumns+` FROM thoughts WHERE created_at < ? ORDER BY created_at ASC LIMIT ?`,
			cutoff.UTC(), limit)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		thoughts = thoughts[:0]
		for rows.Next() {
			t, scanErr := scanThoughtRow(rows)
			if scanErr != nil {
				return scanErr
			}
			thoughts = append(thoughts, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("thoughts older than: %w", err)
	}
	return thoughts, nil
}

// CountThoughtsByTask returns per-status thought counts for a task.
func CountThoughtsByTask(db *sql.DB, taskID string) (map[models.ThoughtStatus]int, error) {
	counts := make(map[models.ThoughtStatus]int)
	err := RetryWithBackoff(func() error {
		rows, err := db.QueryContext(context.Background(),
			`SELECT status, COUNT(*) FROM thoughts WHERE source_task_id = ? GROUP BY status`, taskID)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var status models.ThoughtStatus
			var n int
			if scanErr := rows.Scan(&status, &n); scanErr != nil {
				return scanErr
			}
			counts[status] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("count thoughts by task: %w", err)
	}
	return counts, nil
}
