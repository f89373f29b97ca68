package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/models"
)

// SchedulerConfig carries the round-loop tuning knobs.
type SchedulerConfig struct {
	AgentID            string
	WorkRoundDelay     time.Duration
	SolitudeRoundDelay time.Duration
	DreamRoundDelay    time.Duration
	SpeedMultiplier    float64
	// FailureThreshold is how many consecutive processor failures trip the
	// emergency breaker and force shutdown.
	FailureThreshold uint32
	// StopTimeout bounds how long Stop waits for the loop before cancelling.
	StopTimeout time.Duration
}

// Scheduler owns the round loop: it advances the round number, applies
// auto-transitions, invokes the current state's processor, follows
// transition recommendations, and sleeps a state-dependent delay scaled by
// the speed multiplier. Repeated processor failures trip a circuit breaker
// that forces SHUTDOWN.
type Scheduler struct {
	states     *StateManager
	processors map[models.CognitiveState]StateProcessor
	auditSvc   *audit.Service
	cfg        SchedulerConfig
	breaker    *gobreaker.CircuitBreaker

	round    atomic.Int64
	speedMil atomic.Int64 // multiplier * 1000
	paused   atomic.Bool
	stepCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	mu          sync.Mutex
	running     bool
	activeState models.CognitiveState
	cancelRun   context.CancelFunc
}

// NewScheduler wires the per-state processors into a round loop.
func NewScheduler(states *StateManager, processors []StateProcessor, auditSvc *audit.Service, cfg SchedulerConfig) *Scheduler {
	if cfg.WorkRoundDelay <= 0 {
		cfg.WorkRoundDelay = time.Second
	}
	if cfg.SolitudeRoundDelay <= 0 {
		cfg.SolitudeRoundDelay = 30 * time.Second
	}
	if cfg.DreamRoundDelay <= 0 {
		cfg.DreamRoundDelay = 5 * time.Second
	}
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1.0
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}

	byState := make(map[models.CognitiveState]StateProcessor, len(processors))
	for _, p := range processors {
		byState[p.State()] = p
	}

	s := &Scheduler{
		states:     states,
		processors: byState,
		auditSvc:   auditSvc,
		cfg:        cfg,
		stepCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	s.SetSpeed(cfg.SpeedMultiplier)
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "state_processor",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	})
	return s
}

// Round returns the current round number.
func (s *Scheduler) Round() int64 { return s.round.Load() }

// SetSpeed clamps and applies the processing-speed multiplier (0.1x-10x).
func (s *Scheduler) SetSpeed(multiplier float64) {
	if multiplier < 0.1 {
		multiplier = 0.1
	}
	if multiplier > 10 {
		multiplier = 10
	}
	s.speedMil.Store(int64(multiplier * 1000))
}

// Pause suspends round processing. Single-step still works while paused.
func (s *Scheduler) Pause() { s.paused.Store(true) }

// Resume lifts a pause.
func (s *Scheduler) Resume() { s.paused.Store(false) }

// Step executes exactly one round regardless of pause state.
func (s *Scheduler) Step() {
	select {
	case s.stepCh <- struct{}{}:
	default:
	}
}

// ForceState performs an audited forced transition on behalf of an
// authorised caller.
func (s *Scheduler) ForceState(to models.CognitiveState, forcedBy string) error {
	from := s.states.Current()
	if err := s.states.Force(to); err != nil {
		return err
	}
	s.auditTransition(models.AuditEventForcedTransition, from, to, forcedBy)
	return nil
}

// Start launches the round loop. It transitions SHUTDOWN -> WAKEUP and
// returns immediately; the loop runs until Stop or a shutdown condition.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	if err := s.states.Transition(models.StateWakeup); err != nil {
		return fmt.Errorf("start processing: %w", err)
	}
	s.auditTransition(models.AuditEventStateTransition, models.StateShutdown, models.StateWakeup, s.cfg.AgentID)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	s.running = true
	go s.run(runCtx)
	return nil
}

// Stop sets the stop event, waits up to StopTimeout for the loop to exit,
// then cancels the processing context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancelRun
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })

	select {
	case <-s.doneCh:
	case <-time.After(s.cfg.StopTimeout):
		slog.Default().Warn("scheduler stop timed out, cancelling processing task", "timeout", s.cfg.StopTimeout)
		cancel()
		<-s.doneCh
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

//nolint:gocognit // the round loop necessarily sequences pause, step, process, transition, and sleep
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	defer s.cleanupActive(ctx)

	for {
		select {
		case <-s.stopCh:
			s.enterShutdown("stop requested")
			return
		case <-ctx.Done():
			s.enterShutdown("context cancelled")
			return
		default:
		}

		if s.paused.Load() {
			select {
			case <-s.stopCh:
				s.enterShutdown("stop requested")
				return
			case <-ctx.Done():
				s.enterShutdown("context cancelled")
				return
			case <-s.stepCh:
				// Single step: fall through to one round.
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		state := s.states.Current()
		if state == models.StateShutdown {
			return
		}

		round := s.round.Add(1)
		proc := s.processors[state]
		if proc == nil {
			slog.Default().Error("no processor for state", "state", string(state))
			s.enterShutdown("missing processor for " + string(state))
			return
		}
		s.ensureInitialized(ctx, proc)

		result := s.processOnce(ctx, proc, round)

		switch {
		case result.ShouldExit:
			s.enterShutdown(result.Detail)
			return
		case result.Recommend != "" && result.Recommend != state:
			if err := s.states.Transition(result.Recommend); err != nil {
				slog.Default().Warn("recommended transition rejected", "from", string(state), "to", string(result.Recommend), "error", err)
			} else {
				s.auditTransition(models.AuditEventStateTransition, state, result.Recommend, s.cfg.AgentID)
				slog.Default().Info("state transition", "from", string(state), "to", string(result.Recommend), "round", round)
			}
		}

		// The combined stop/timer wait lets shutdown interrupt sleeps
		// immediately.
		select {
		case <-s.stopCh:
			s.enterShutdown("stop requested")
			return
		case <-ctx.Done():
			s.enterShutdown("context cancelled")
			return
		case <-time.After(s.roundDelay(s.states.Current())):
		}
	}
}

// processOnce invokes the processor under the emergency breaker with panic
// containment. A tripped breaker forces shutdown.
func (s *Scheduler) processOnce(ctx context.Context, proc StateProcessor, round int64) ProcessResult {
	out, err := s.breaker.Execute(func() (any, error) {
		var result ProcessResult
		var procErr error
		func() {
			defer func() {
				if r := recover(); r != nil {
					procErr = fmt.Errorf("processor panic: %v", r)
				}
			}()
			result = proc.Process(ctx, round)
		}()
		if procErr != nil {
			return nil, procErr
		}
		if result.Status == StatusFailure {
			return result, fmt.Errorf("processor reported failure: %s", result.Detail)
		}
		return result, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			slog.Default().Error("emergency breaker open, forcing shutdown", "state", string(proc.State()))
			return ProcessResult{Status: StatusFailure, ShouldExit: true, Detail: "emergency failure threshold exceeded"}
		}
		slog.Default().Error("processor round failed", "state", string(proc.State()), "round", round, "error", err)
		if result, ok := out.(ProcessResult); ok {
			return result
		}
		return ProcessResult{Status: StatusFailure, Detail: err.Error()}
	}
	return out.(ProcessResult)
}

// ensureInitialized runs Cleanup on the outgoing processor and Initialize
// on the incoming one across state changes.
func (s *Scheduler) ensureInitialized(ctx context.Context, proc StateProcessor) {
	s.mu.Lock()
	prev := s.activeState
	if prev == proc.State() {
		s.mu.Unlock()
		return
	}
	s.activeState = proc.State()
	s.mu.Unlock()

	if prev != "" {
		if old := s.processors[prev]; old != nil {
			if err := old.Cleanup(ctx); err != nil {
				slog.Default().Warn("processor cleanup failed", "state", string(prev), "error", err)
			}
		}
	}
	if err := proc.Initialize(ctx); err != nil {
		slog.Default().Warn("processor initialize failed", "state", string(proc.State()), "error", err)
	}
}

func (s *Scheduler) cleanupActive(ctx context.Context) {
	s.mu.Lock()
	active := s.activeState
	s.mu.Unlock()
	if active == "" {
		return
	}
	if proc := s.processors[active]; proc != nil {
		if err := proc.Cleanup(ctx); err != nil {
			slog.Default().Warn("processor cleanup failed", "state", string(active), "error", err)
		}
	}
}

func (s *Scheduler) enterShutdown(reason string) {
	from := s.states.Current()
	if from == models.StateShutdown {
		return
	}
	if err := s.states.Transition(models.StateShutdown); err != nil {
		// Every state may transition to SHUTDOWN; a failure here means the
		// table itself is broken, which is worth a loud log.
		slog.Default().Error("shutdown transition failed", "from", string(from), "error", err)
		return
	}
	s.auditTransition(models.AuditEventStateTransition, from, models.StateShutdown, s.cfg.AgentID)
	slog.Default().Info("entering shutdown", "from", string(from), "reason", reason)
}

// roundDelay is the state-dependent base delay scaled by the speed
// multiplier: short for WORK, long for SOLITUDE, medium for DREAM.
func (s *Scheduler) roundDelay(state models.CognitiveState) time.Duration {
	var base time.Duration
	switch state {
	case models.StateSolitude:
		base = s.cfg.SolitudeRoundDelay
	case models.StateDream:
		base = s.cfg.DreamRoundDelay
	case models.StateWakeup:
		base = s.cfg.WorkRoundDelay / 2
	default:
		base = s.cfg.WorkRoundDelay
	}
	multiplier := float64(s.speedMil.Load()) / 1000
	return time.Duration(float64(base) / multiplier)
}

func (s *Scheduler) auditTransition(eventType string, from, to models.CognitiveState, by string) {
	if s.auditSvc == nil {
		return
	}
	payload := map[string]any{
		"from":  string(from),
		"to":    string(to),
		"by":    by,
		"round": s.round.Load(),
	}
	if _, err := s.auditSvc.Log(eventType, by, payload); err != nil {
		slog.Default().Error("failed to audit state transition", "error", err)
	}
}
