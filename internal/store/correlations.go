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

const correlationColumns = `correlation_id, correlation_type, service_type, handler_name, action_type, request_data, response_data, status, timestamp, tags_json`

// InsertCorrelation appends an immutable correlation row. Correlations are
// never updated; consolidation supersedes them with summary nodes.
func InsertCorrelation(db *sql.DB, c *models.ServiceCorrelation) error {
	if c.CorrelationID == "" {
		return errors.New("correlation id is required")
	}
	if c.Type == "" {
		return errors.New("correlation type is required")
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = models.CorrelationStatusCompleted
	}

	tags := c.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode correlation tags: %w", err)
	}

	var reqData, respData any
	if len(c.RequestData) > 0 {
		reqData = string(c.RequestData)
	}
	if len(c.ResponseData) > 0 {
		respData = string(c.ResponseData)
	}

	return Transact(db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(context.Background(), `
			INSERT INTO service_correlations (correlation_id, correlation_type, service_type, handler_name, action_type, request_data, response_data, status, timestamp, tags_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.CorrelationID, c.Type, c.ServiceType, c.HandlerName, c.ActionType, reqData, respData, c.Status, c.Timestamp.UTC(), string(tagsJSON)); err != nil {
			return fmt.Errorf("failed to insert correlation: %w", err)
		}
		return nil
	})
}

// CorrelationsInWindow returns correlations of a type with timestamp in
// [start, end), oldest-first. The consolidator walks windows with this.
func CorrelationsInWindow(db *sql.DB, ctype models.CorrelationType, start, end time.Time) ([]*models.ServiceCorrelation, error) {
	return queryCorrelations(db,
		`SELECT `+correlationColumns+` FROM service_correlations
		 WHERE correlation_type = ? AND timestamp >= ? AND timestamp < ?
		 ORDER BY timestamp ASC`,
		ctype, start.UTC(), end.UTC())
}

// QueryTimeSeries selects correlations matching a TimeSeriesQuery. Tag
// filters apply as equality matches on the tags map.
func QueryTimeSeries(db *sql.DB, q models.TimeSeriesQuery) ([]*models.ServiceCorrelation, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	rowsOut, err := queryCorrelations(db,
		`SELECT `+correlationColumns+` FROM service_correlations
		 WHERE correlation_type = ? AND timestamp >= ? AND timestamp < ?
		 ORDER BY timestamp ASC LIMIT ?`,
		q.Type, q.Start.UTC(), q.End.UTC(), limit)
	if err != nil {
		return nil, err
	}
	if len(q.Tags) == 0 {
		return rowsOut, nil
	}
	filtered := rowsOut[:0]
	for _, c := range rowsOut {
		match := true
		for k, v := range q.Tags {
			if c.Tags[k] != v {
				match = false
				break
			}
		}
		if match {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// EarliestCorrelationTimestamp returns the oldest correlation timestamp, or
// a zero time when the table is empty.
func EarliestCorrelationTimestamp(db *sql.DB) (time.Time, error) {
	// MIN() drops the column's declared type, so the driver returns the
	// stored text rather than a time.Time; parse it here.
	var raw sql.NullString
	err := RetryWithBackoff(func() error {
		return db.QueryRowContext(context.Background(),
			`SELECT MIN(timestamp) FROM service_correlations`).Scan(&raw)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("earliest correlation: %w", err)
	}
	if !raw.Valid {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05.999999999 -0700 MST", time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if ts, perr := time.Parse(layout, raw.String); perr == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("earliest correlation: unrecognised timestamp %q", raw.String)
}

func queryCorrelations(db *sql.DB, sqlQuery string, args ...any) ([]*models.ServiceCorrelation, error) {
	var out []*models.ServiceCorrelation
	err := RetryWithBackoff(func() error {
		rows, err := db.QueryContext(context.Background(), sqlQuery, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			c, scanErr := scanCorrelationRow(rows)
			if scanErr != nil {
				return scanErr
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query correlations: %w", err)
	}
	return out, nil
}
