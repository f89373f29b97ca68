// Package maintenance owns startup cleanup of orphaned or interrupted
// state, scheduled archival of old thoughts to append-only JSONL files,
// and the hourly consolidation trigger.
package maintenance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

// CleanupReport summarises one startup cleanup pass. Re-running cleanup on
// a clean database reports all zeros.
type CleanupReport struct {
	OrphanedTasksDeleted    int64 `json:"orphaned_tasks_deleted"`
	MalformedThoughtsPurged int64 `json:"malformed_thoughts_purged"`
	StaleWakeupTasksDeleted int64 `json:"stale_wakeup_tasks_deleted"`
	RuntimeConfigDeleted    int64 `json:"runtime_config_deleted"`
	OrphanEdgesDeleted      int64 `json:"orphan_edges_deleted"`
}

// Consolidator is the slice of the consolidation service the scheduled
// loop triggers.
type Consolidator interface {
	RunConsolidation(ctx context.Context) error
}

// Service performs database maintenance: cleanup and archival.
type Service struct {
	db               *sql.DB
	auditSvc         *audit.Service
	agentID          string
	archiveDir       string
	archiveOlderThan time.Duration
}

// New builds the maintenance service.
func New(db *sql.DB, auditSvc *audit.Service, agentID, archiveDir string, archiveOlderThan time.Duration) *Service {
	if archiveOlderThan <= 0 {
		archiveOlderThan = 24 * time.Hour
	}
	return &Service{
		db:               db,
		auditSvc:         auditSvc,
		agentID:          agentID,
		archiveDir:       archiveDir,
		archiveOlderThan: archiveOlderThan,
	}
}

// PerformStartupCleanup removes state a previous run left behind:
// thoughts with malformed context, orphaned ACTIVE tasks (parent missing
// or in the wrong state), stale wakeup tasks, runtime-only config, and
// edges whose endpoints are gone. Idempotent: a second pass is a no-op.
func (s *Service) PerformStartupCleanup(ctx context.Context) (*CleanupReport, error) {
	report := &CleanupReport{}

	malformed, err := store.ThoughtsWithMalformedContext(s.db)
	if err != nil {
		return nil, err
	}
	if len(malformed) > 0 {
		n, err := store.DeleteThoughtsByIDs(s.db, malformed)
		if err != nil {
			return nil, err
		}
		report.MalformedThoughtsPurged = n
	}

	report.StaleWakeupTasksDeleted, err = store.DeleteStaleWakeupTasks(s.db)
	if err != nil {
		return nil, err
	}

	// Orphan deletion cascades: loop until the frontier is empty so a chain
	// of orphans resolves in one startup.
	for {
		orphans, err := store.OrphanedActiveTaskIDs(s.db)
		if err != nil {
			return nil, err
		}
		if len(orphans) == 0 {
			break
		}
		n, err := store.DeleteTasksByIDs(s.db, orphans)
		if err != nil {
			return nil, err
		}
		report.OrphanedTasksDeleted += n
	}

	report.RuntimeConfigDeleted, err = store.DeleteRuntimeConfigNodes(s.db)
	if err != nil {
		return nil, err
	}

	report.OrphanEdgesDeleted, err = store.DeleteOrphanEdges(s.db)
	if err != nil {
		return nil, err
	}

	slog.Default().Info("startup cleanup complete",
		"orphaned_tasks", report.OrphanedTasksDeleted,
		"malformed_thoughts", report.MalformedThoughtsPurged,
		"stale_wakeup_tasks", report.StaleWakeupTasksDeleted,
		"runtime_config", report.RuntimeConfigDeleted,
		"orphan_edges", report.OrphanEdgesDeleted,
	)

	if s.auditSvc != nil {
		if _, err := s.auditSvc.Log(models.AuditEventStartupCleanup, s.agentID, report); err != nil {
			slog.Default().Error("failed to audit startup cleanup", "error", err)
		}
	}
	return report, nil
}

// ArchiveOldThoughts appends thoughts older than the archival threshold to
// a rotated JSONL file and deletes them. Tasks are never file-archived;
// they are consolidated. Returns the number archived.
func (s *Service) ArchiveOldThoughts(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.archiveOlderThan)
	thoughts, err := store.ThoughtsOlderThan(s.db, cutoff, 500)
	if err != nil {
		return 0, err
	}
	if len(thoughts) == 0 {
		return 0, nil
	}

	if err := os.MkdirAll(s.archiveDir, 0755); err != nil {
		return 0, fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(s.archiveDir, "thoughts_"+time.Now().UTC().Format("20060102")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644) //nolint:gosec // G302/G304: archive path derived from trusted config
	if err != nil {
		return 0, fmt.Errorf("open archive file: %w", err)
	}
	defer func() { _ = f.Close() }()

	enc := json.NewEncoder(f)
	var archived []string
	for _, th := range thoughts {
		if err := enc.Encode(th); err != nil {
			return 0, fmt.Errorf("append thought %s to archive: %w", th.ThoughtID, err)
		}
		archived = append(archived, th.ThoughtID)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync archive file: %w", err)
	}

	n, err := store.DeleteThoughtsByIDs(s.db, archived)
	if err != nil {
		return 0, err
	}
	slog.Default().Info("archived old thoughts", "count", n, "file", path)
	return int(n), nil
}

// RunScheduled performs the periodic maintenance loop: consolidation and
// archival on each tick until the context ends.
func (s *Service) RunScheduled(ctx context.Context, interval time.Duration, consolidator Consolidator) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if consolidator != nil {
				if err := consolidator.RunConsolidation(ctx); err != nil {
					slog.Default().Error("scheduled consolidation failed", "error", err)
				}
			}
			if _, err := s.ArchiveOldThoughts(ctx); err != nil {
				slog.Default().Error("scheduled thought archival failed", "error", err)
			}
		}
	}
}
