package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/output"
	"github.com/dotcommander/ciris/internal/store"
)

// NewStatusCmd reports queue depths and schema state.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task/thought queue depths and schema state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			type resp struct {
				ActiveTasks     int   `json:"active_tasks"`
				PendingThoughts int   `json:"pending_thoughts"`
				AuditEntries    int64 `json:"audit_entries"`
				SchemaCurrent   int64 `json:"schema_current"`
				SchemaLatest    int64 `json:"schema_latest"`
			}
			var r resp
			if err := withDB(func(db *DB) error {
				tasks, err := store.ListTasksByStatus(db, models.TaskStatusActive, 1000)
				if err != nil {
					return err
				}
				r.ActiveTasks = len(tasks)

				thoughts, err := store.PendingThoughts(db, 1000)
				if err != nil {
					return err
				}
				r.PendingThoughts = len(thoughts)

				if err := db.QueryRowContext(context.Background(),
					`SELECT COUNT(*) FROM audit_log_v2`).Scan(&r.AuditEntries); err != nil {
					return err
				}

				r.SchemaCurrent, r.SchemaLatest, err = store.SchemaVersion(db)
				return err
			}); err != nil {
				return err
			}
			return output.PrintSuccess(r)
		},
	}
}

// NewSchemaCmd prints the schema version pair.
func NewSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Show current and latest migration versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			type resp struct {
				Current int64 `json:"current"`
				Latest  int64 `json:"latest"`
			}
			var r resp
			if err := withDB(func(db *DB) error {
				var err error
				r.Current, r.Latest, err = store.SchemaVersion(db)
				return err
			}); err != nil {
				return err
			}
			return output.PrintSuccess(r)
		},
	}
}
