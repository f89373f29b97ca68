// Package runtime assembles the agent core: store, audit chain, registry,
// buses, memory service, pipeline, scheduler, consolidation, adaptation and
// maintenance — one explicit context, no module-level singletons beyond the
// log sink. Shutdown tears the context down in reverse dependency order.
package runtime

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dotcommander/ciris/internal/adaptation"
	"github.com/dotcommander/ciris/internal/app"
	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/bus"
	"github.com/dotcommander/ciris/internal/consolidation"
	"github.com/dotcommander/ciris/internal/engine"
	"github.com/dotcommander/ciris/internal/llm"
	"github.com/dotcommander/ciris/internal/maintenance"
	"github.com/dotcommander/ciris/internal/memoryservice"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/pipeline"
	"github.com/dotcommander/ciris/internal/registry"
	"github.com/dotcommander/ciris/internal/store"
)

// Options configures runtime assembly.
type Options struct {
	DBPath     string
	KeyDir     string
	ArchiveDir string
	Settings   app.RuntimeSettings

	// ChainBuilder constructs the evaluator chain over the runtime's LLM
	// bus, so every evaluator call leaves a trace correlation. Required.
	ChainBuilder func(gen llm.Generator) *pipeline.Chain
	// LLMProvider is registered on the LLM bus when non-nil.
	LLMProvider bus.LLMProvider
	// EmergencyKeyHex authenticates signed emergency shutdown commands.
	// Empty disables the out-of-band shutdown path.
	EmergencyKeyHex string
}

// Runtime is the assembled agent core.
type Runtime struct {
	DB       *sql.DB
	Settings app.RuntimeSettings

	Registry      *registry.Registry
	Audit         *audit.Service
	Verifier      *audit.Verifier
	Communication *bus.CommunicationBus
	Memory        *bus.MemoryBus
	Tool          *bus.ToolBus
	WiseAuthority *bus.WiseAuthorityBus
	LLM           *bus.LLMBus

	MemoryService *memoryservice.Service
	Tasks         *pipeline.TaskManager
	Scheduler     *engine.Scheduler
	Consolidator  *consolidation.Service
	Adaptation    *adaptation.Service
	Variance      *adaptation.VarianceMonitor
	Maintenance   *maintenance.Service

	emergencyAuth *audit.EmergencyAuthenticator

	mu        sync.Mutex
	cancelAll context.CancelFunc
	started   bool
}

// correlationSink persists bus correlations. Write failures are logged,
// never propagated: correlation loss must not fail the side effect itself.
type correlationSink struct {
	db *sql.DB
}

// Record implements bus.CorrelationSink.
func (s *correlationSink) Record(c *models.ServiceCorrelation) {
	if c.CorrelationID == "" {
		c.CorrelationID = store.NewPrefixedID("corr")
	}
	if err := store.InsertCorrelation(s.db, c); err != nil {
		slog.Default().Error("failed to record correlation", "error", err)
	}
}

// New assembles a runtime over the given database path.
func New(opts Options) (*Runtime, error) {
	db, err := store.InitDBWithPath(opts.DBPath)
	if err != nil {
		return nil, err
	}

	auditSvc, err := audit.NewService(db, opts.KeyDir)
	if err != nil {
		_ = store.CloseDB(db)
		return nil, err
	}

	settings := opts.Settings
	reg := registry.New()
	sink := &correlationSink{db: db}

	rt := &Runtime{
		DB:            db,
		Settings:      settings,
		Registry:      reg,
		Audit:         auditSvc,
		Verifier:      audit.NewVerifier(auditSvc),
		Communication: bus.NewCommunicationBus(reg, sink),
		Memory:        bus.NewMemoryBus(reg, sink),
		Tool:          bus.NewToolBus(reg, sink),
		WiseAuthority: bus.NewWiseAuthorityBus(reg, sink),
		LLM:           bus.NewLLMBus(reg, sink),
		Tasks:         pipeline.NewTaskManager(db),
	}

	rt.MemoryService = memoryservice.New(db, settings.AgentID)
	reg.Register(models.ServiceMemory, rt.MemoryService, 0)
	if opts.LLMProvider != nil {
		reg.Register(models.ServiceLLM, opts.LLMProvider, 0)
	}

	if opts.ChainBuilder == nil {
		_ = store.CloseDB(db)
		return nil, fmt.Errorf("evaluator chain builder is required")
	}
	chain := opts.ChainBuilder(rt.LLM)

	guardrail := pipeline.NewEpistemicGuardrail(rt.LLM, settings.EntropyThreshold, settings.CoherenceThreshold)
	dispatcher := pipeline.NewDispatcher(db, pipeline.Buses{
		Communication: rt.Communication,
		Memory:        rt.Memory,
		Tool:          rt.Tool,
		WiseAuthority: rt.WiseAuthority,
	}, auditSvc, sink)
	processor := pipeline.NewProcessor(db, chain, guardrail, dispatcher, auditSvc, settings.PonderLimit)

	rt.Consolidator = consolidation.New(db, auditSvc, settings.AgentID)
	rt.Variance = adaptation.NewVarianceMonitor(db, auditSvc, settings.AgentID, settings.VarianceThreshold)
	rt.Adaptation = adaptation.NewService(db, settings.AgentID, rt.Variance)
	rt.Maintenance = maintenance.New(db, auditSvc, settings.AgentID, opts.ArchiveDir, settings.ArchiveOlderThan)

	states := engine.NewStateManager()
	rt.Scheduler = engine.NewScheduler(states, []engine.StateProcessor{
		engine.NewWakeupProcessor(db, auditSvc, settings.AgentID),
		engine.NewWorkProcessor(db, processor),
		engine.NewPlayProcessor(db, processor),
		engine.NewSolitudeProcessor(db, rt.Adaptation, rt.Variance),
		engine.NewDreamProcessor(rt.Consolidator, rt.Adaptation, settings.DreamDuration),
	}, auditSvc, engine.SchedulerConfig{
		AgentID:            settings.AgentID,
		WorkRoundDelay:     settings.WorkRoundDelay,
		SolitudeRoundDelay: settings.SolitudeRoundDelay,
		DreamRoundDelay:    settings.DreamRoundDelay,
		SpeedMultiplier:    settings.SpeedMultiplier,
	})

	if opts.EmergencyKeyHex != "" {
		key, err := hex.DecodeString(opts.EmergencyKeyHex)
		if err != nil {
			_ = store.CloseDB(db)
			return nil, fmt.Errorf("decode emergency key: %w", err)
		}
		auth, err := audit.NewEmergencyAuthenticator(key)
		if err != nil {
			_ = store.CloseDB(db)
			return nil, err
		}
		rt.emergencyAuth = auth
	}

	return rt, nil
}

// Start performs startup cleanup, launches bus workers, starts the
// cognitive scheduler and the maintenance loop.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		return fmt.Errorf("runtime already started")
	}

	if _, err := rt.Maintenance.PerformStartupCleanup(ctx); err != nil {
		return fmt.Errorf("startup cleanup: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt.cancelAll = cancel

	rt.Communication.Start()
	rt.Tool.Start()
	rt.WiseAuthority.Start()

	if err := rt.Scheduler.Start(runCtx); err != nil {
		cancel()
		return err
	}

	go rt.Maintenance.RunScheduled(runCtx, rt.Settings.ConsolidationInterval, rt.Consolidator)

	rt.started = true
	slog.Default().Info("runtime started", "agent_id", rt.Settings.AgentID)
	return nil
}

// Stop tears the runtime down in reverse dependency order: scheduler,
// bus workers, database.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.mu.Unlock()
		return
	}
	rt.started = false
	cancel := rt.cancelAll
	rt.mu.Unlock()

	rt.Scheduler.Stop()
	cancel()
	rt.WiseAuthority.Stop()
	rt.Tool.Stop()
	rt.Communication.Stop()
	if err := store.CloseDB(rt.DB); err != nil {
		slog.Default().Warn("database close failed", "error", err)
	}
	slog.Default().Info("runtime stopped")
}

// HandleIncoming converts a transport message into a task + seed thought.
func (rt *Runtime) HandleIncoming(msg *models.IncomingMessage) (*models.Task, error) {
	task, _, err := rt.Tasks.CreateTaskFromMessage(msg)
	return task, err
}

// EmergencyShutdown authenticates a signed out-of-band shutdown command.
// Acceptance and rejection are both audited. On acceptance the runtime
// shuts down within the bounded timeout (5s forced, 30s soft) and the
// process is hard-killed if teardown hangs.
func (rt *Runtime) EmergencyShutdown(cmd *models.EmergencyCommand) error {
	if rt.emergencyAuth == nil {
		return fmt.Errorf("emergency shutdown not configured")
	}

	err := rt.emergencyAuth.Authenticate(cmd, time.Now().UTC())
	payload := map[string]any{
		"reason":  cmd.Reason,
		"force":   cmd.Force,
		"success": err == nil,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	if _, auditErr := rt.Audit.Log(models.AuditEventEmergencyAttempt, "emergency", payload); auditErr != nil {
		slog.Default().Error("failed to audit emergency attempt", "error", auditErr)
	}
	if err != nil {
		return err
	}

	if _, auditErr := rt.Audit.Log(models.AuditEventEmergencyInitiated, "emergency", map[string]any{
		"reason": cmd.Reason,
		"force":  cmd.Force,
	}); auditErr != nil {
		slog.Default().Error("failed to audit emergency initiation", "error", auditErr)
	}

	timeout := 30 * time.Second
	if cmd.Force {
		timeout = 5 * time.Second
	}

	done := make(chan struct{})
	go func() {
		rt.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		slog.Default().Error("emergency shutdown timed out, hard-killing process", "timeout", timeout)
		os.Exit(1)
		return nil
	}
}
