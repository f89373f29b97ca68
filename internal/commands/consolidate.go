package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotcommander/ciris/internal/app"
	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/consolidation"
	"github.com/dotcommander/ciris/internal/maintenance"
	"github.com/dotcommander/ciris/internal/output"
)

// NewConsolidateCmd runs one consolidation pass by hand.
func NewConsolidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Run one consolidation pass (basic + extensive + edge sweep)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keyDir, err := app.GetKeyDir()
			if err != nil {
				return cmdErr(err)
			}
			started := time.Now()
			if err := withDB(func(db *DB) error {
				auditSvc, err := audit.NewService(db, keyDir)
				if err != nil {
					return err
				}
				settings := app.EffectiveRuntimeSettings()
				svc := consolidation.New(db, auditSvc, settings.AgentID)
				return svc.RunConsolidation(context.Background())
			}); err != nil {
				return err
			}
			type resp struct {
				DurationMs int64 `json:"duration_ms"`
			}
			return output.PrintSuccess(resp{DurationMs: time.Since(started).Milliseconds()})
		},
	}
}

// NewMaintenanceCmd runs startup cleanup and archival by hand.
func NewMaintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Run startup cleanup and thought archival",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keyDir, err := app.GetKeyDir()
			if err != nil {
				return cmdErr(err)
			}
			archiveDir, err := app.GetArchiveDir()
			if err != nil {
				return cmdErr(err)
			}
			type resp struct {
				Cleanup  *maintenance.CleanupReport `json:"cleanup"`
				Archived int                        `json:"thoughts_archived"`
			}
			var r resp
			if err := withDB(func(db *DB) error {
				auditSvc, err := audit.NewService(db, keyDir)
				if err != nil {
					return err
				}
				settings := app.EffectiveRuntimeSettings()
				svc := maintenance.New(db, auditSvc, settings.AgentID, archiveDir, settings.ArchiveOlderThan)
				r.Cleanup, err = svc.PerformStartupCleanup(context.Background())
				if err != nil {
					return err
				}
				r.Archived, err = svc.ArchiveOldThoughts(context.Background())
				return err
			}); err != nil {
				return err
			}
			return output.PrintSuccess(r)
		},
	}
}
