package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dotcommander/ciris/internal/models"
)

// scanNullString converts sql.NullString to string (empty if NULL)
func scanNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// scanNullTime converts sql.NullTime to *time.Time (nil if NULL)
func scanNullTime(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

// rowScanner is the minimal Scan surface shared by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRow(row rowScanner) (*models.Task, error) {
	var t models.Task
	var parent sql.NullString
	if err := row.Scan(
		&t.TaskID,
		&t.Description,
		&t.ChannelID,
		&t.Status,
		&parent,
		&t.RetryCount,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.ParentTaskID = scanNullString(parent)
	return &t, nil
}

func scanThoughtRow(row rowScanner) (*models.Thought, error) {
	var th models.Thought
	var round sql.NullInt64
	var finalAction sql.NullString
	var contextJSON string
	if err := row.Scan(
		&th.ThoughtID,
		&th.SourceTaskID,
		&th.Status,
		&th.Content,
		&th.PonderCount,
		&round,
		&finalAction,
		&contextJSON,
		&th.CreatedAt,
		&th.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if round.Valid {
		th.RoundProcessed = int(round.Int64)
	}
	if finalAction.Valid && finalAction.String != "" {
		var action models.HandlerAction
		if err := json.Unmarshal([]byte(finalAction.String), &action); err != nil {
			return nil, fmt.Errorf("decode final action for thought %s: %w", th.ThoughtID, err)
		}
		th.FinalAction = &action
	}
	var ctx models.ThoughtContext
	// A malformed context column is surfaced as a nil Context so startup
	// maintenance can purge the row instead of the scan failing forever.
	if err := json.Unmarshal([]byte(contextJSON), &ctx); err == nil {
		th.Context = &ctx
	}
	return &th, nil
}

func scanNodeRow(row rowScanner) (*models.GraphNode, error) {
	var n models.GraphNode
	var attrsJSON string
	if err := row.Scan(
		&n.ID,
		&n.Scope,
		&n.Type,
		&attrsJSON,
		&n.Version,
		&n.UpdatedBy,
		&n.UpdatedAt,
		&n.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrsJSON), &n.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes for node %s: %w", n.ID, err)
	}
	return &n, nil
}

func scanEdgeRow(row rowScanner) (*models.GraphEdge, error) {
	var e models.GraphEdge
	var attrsJSON string
	if err := row.Scan(
		&e.EdgeID,
		&e.Source,
		&e.Target,
		&e.Scope,
		&e.Relationship,
		&e.Weight,
		&attrsJSON,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}
	if attrsJSON != "" && attrsJSON != "{}" {
		if err := json.Unmarshal([]byte(attrsJSON), &e.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes for edge %s: %w", e.EdgeID, err)
		}
	}
	return &e, nil
}

func scanCorrelationRow(row rowScanner) (*models.ServiceCorrelation, error) {
	var c models.ServiceCorrelation
	var reqData, respData sql.NullString
	var tagsJSON string
	if err := row.Scan(
		&c.CorrelationID,
		&c.Type,
		&c.ServiceType,
		&c.HandlerName,
		&c.ActionType,
		&reqData,
		&respData,
		&c.Status,
		&c.Timestamp,
		&tagsJSON,
	); err != nil {
		return nil, err
	}
	if reqData.Valid {
		c.RequestData = json.RawMessage(reqData.String)
	}
	if respData.Valid {
		c.ResponseData = json.RawMessage(respData.String)
	}
	if tagsJSON != "" && tagsJSON != "{}" {
		if err := json.Unmarshal([]byte(tagsJSON), &c.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for correlation %s: %w", c.CorrelationID, err)
		}
	}
	return &c, nil
}
