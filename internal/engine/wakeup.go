package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

// WakeupProcessor executes the fixed identity-verification sequence before
// the agent is allowed into WORK: database reachable, identity baseline
// present (seeded on first boot), audit chain head intact.
type WakeupProcessor struct {
	db       *sql.DB
	auditSvc *audit.Service
	verifier *audit.Verifier
	agentID  string

	steps     []wakeupStep
	completed atomic.Int64
}

type wakeupStep struct {
	name string
	run  func(ctx context.Context) error
}

// NewWakeupProcessor builds the wakeup processor.
func NewWakeupProcessor(db *sql.DB, auditSvc *audit.Service, agentID string) *WakeupProcessor {
	p := &WakeupProcessor{
		db:       db,
		auditSvc: auditSvc,
		verifier: audit.NewVerifier(auditSvc),
		agentID:  agentID,
	}
	p.steps = []wakeupStep{
		{name: "verify_database", run: p.verifyDatabase},
		{name: "verify_identity", run: p.verifyIdentity},
		{name: "verify_audit_chain", run: p.verifyAuditChain},
	}
	return p
}

// State implements StateProcessor.
func (p *WakeupProcessor) State() models.CognitiveState { return models.StateWakeup }

// Initialize implements StateProcessor.
func (p *WakeupProcessor) Initialize(ctx context.Context) error {
	p.completed.Store(0)
	return nil
}

// Process runs one wakeup step per round. All steps passing recommends
// WORK; a failing step requests shutdown.
func (p *WakeupProcessor) Process(ctx context.Context, round int64) ProcessResult {
	idx := int(p.completed.Load())
	if idx >= len(p.steps) {
		return ProcessResult{Status: StatusDone, Recommend: models.StateWork}
	}

	step := p.steps[idx]
	if err := step.run(ctx); err != nil {
		slog.Default().Error("wakeup step failed", "step", step.name, "error", err)
		return ProcessResult{Status: StatusFailure, ShouldExit: true, Detail: step.name + ": " + err.Error()}
	}
	p.completed.Add(1)
	slog.Default().Info("wakeup step passed", "step", step.name)

	if int(p.completed.Load()) >= len(p.steps) {
		return ProcessResult{Status: StatusDone, Recommend: models.StateWork}
	}
	return ProcessResult{Status: StatusSuccess}
}

// Cleanup implements StateProcessor.
func (p *WakeupProcessor) Cleanup(ctx context.Context) error { return nil }

// Metrics implements StateProcessor.
func (p *WakeupProcessor) Metrics() map[string]float64 {
	return map[string]float64{"wakeup_steps_completed": float64(p.completed.Load())}
}

func (p *WakeupProcessor) verifyDatabase(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// verifyIdentity loads the identity baseline node, seeding it on first boot.
func (p *WakeupProcessor) verifyIdentity(ctx context.Context) error {
	nodeID := "identity/" + p.agentID
	_, err := store.GetNode(p.db, nodeID, models.ScopeIdentity)
	if err == nil {
		return nil
	}
	node := &models.GraphNode{
		ID:    nodeID,
		Type:  models.NodeTypeIdentity,
		Scope: models.ScopeIdentity,
		Attributes: map[string]any{
			"agent_id":   p.agentID,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
			"updated_by": p.agentID,
			"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
		UpdatedBy: p.agentID,
	}
	if err := store.UpsertNode(p.db, node); err != nil {
		return fmt.Errorf("seed identity baseline: %w", err)
	}
	return nil
}

func (p *WakeupProcessor) verifyAuditChain(ctx context.Context) error {
	report, err := p.verifier.VerifyComplete()
	if err != nil {
		return err
	}
	if !report.Valid {
		return fmt.Errorf("audit chain verification failed at seq %d", report.FirstTamperedSeq)
	}
	return nil
}
