package engine

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

func TestStateTransitionTable(t *testing.T) {
	m := NewStateManager()
	require.Equal(t, models.StateShutdown, m.Current())

	// SHUTDOWN only starts processing via WAKEUP.
	require.Error(t, m.Transition(models.StateWork))
	require.NoError(t, m.Transition(models.StateWakeup))
	require.NoError(t, m.Transition(models.StateWork))

	// WORK reaches PLAY, SOLITUDE, DREAM; each falls back to WORK.
	for _, s := range []models.CognitiveState{models.StatePlay, models.StateSolitude, models.StateDream} {
		require.NoError(t, m.Transition(s))
		require.NoError(t, m.Transition(models.StateWork))
	}

	// Every state may shut down.
	require.NoError(t, m.Transition(models.StateShutdown))

	// Unknown states are rejected.
	require.Error(t, m.Transition(models.CognitiveState("daydream")))
}

func TestForcedTransitionCannotDropShutdown(t *testing.T) {
	m := NewStateManager()
	require.Error(t, m.Force(models.StateWork))
	require.NoError(t, m.Force(models.StateWakeup))
	require.NoError(t, m.Force(models.StateDream))
}

// stubProcessor drives the scheduler without any real work.
type stubProcessor struct {
	state   models.CognitiveState
	result  atomic.Value // ProcessResult
	rounds  atomic.Int64
	inits   atomic.Int64
	cleanup atomic.Int64
}

func newStubProcessor(state models.CognitiveState, result ProcessResult) *stubProcessor {
	p := &stubProcessor{state: state}
	p.result.Store(result)
	return p
}

func (p *stubProcessor) State() models.CognitiveState { return p.state }
func (p *stubProcessor) Initialize(ctx context.Context) error {
	p.inits.Add(1)
	return nil
}
func (p *stubProcessor) Process(ctx context.Context, round int64) ProcessResult {
	p.rounds.Add(1)
	return p.result.Load().(ProcessResult)
}
func (p *stubProcessor) Cleanup(ctx context.Context) error {
	p.cleanup.Add(1)
	return nil
}
func (p *stubProcessor) Metrics() map[string]float64 { return nil }

func newTestAudit(t *testing.T) (*audit.Service, *sql.DB) {
	t.Helper()
	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	svc, err := audit.NewService(db, t.TempDir())
	require.NoError(t, err)
	return svc, db
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.FailNow(t, "condition not met within timeout")
}

func TestSchedulerWakeupToWorkAndStop(t *testing.T) {
	auditSvc, _ := newTestAudit(t)

	wakeup := newStubProcessor(models.StateWakeup, ProcessResult{Status: StatusDone, Recommend: models.StateWork})
	work := newStubProcessor(models.StateWork, ProcessResult{Status: StatusIdle})

	states := NewStateManager()
	s := NewScheduler(states, []StateProcessor{wakeup, work}, auditSvc, SchedulerConfig{
		AgentID:        "tester",
		WorkRoundDelay: 5 * time.Millisecond,
	})

	require.NoError(t, s.Start(context.Background()))
	waitFor(t, 2*time.Second, func() bool { return states.Current() == models.StateWork })
	waitFor(t, 2*time.Second, func() bool { return work.rounds.Load() >= 2 })

	s.Stop()
	require.Equal(t, models.StateShutdown, states.Current())
	require.GreaterOrEqual(t, wakeup.inits.Load(), int64(1))

	// Transitions were audited.
	entries, err := auditSvc.Entries(0, 0)
	require.NoError(t, err)
	var transitions int
	for _, e := range entries {
		if e.EventType == models.AuditEventStateTransition {
			transitions++
		}
	}
	require.GreaterOrEqual(t, transitions, 2) // shutdown->wakeup, wakeup->work, ...->shutdown
}

func TestSchedulerEmergencyBreaker(t *testing.T) {
	auditSvc, _ := newTestAudit(t)

	wakeup := newStubProcessor(models.StateWakeup, ProcessResult{Status: StatusDone, Recommend: models.StateWork})
	work := newStubProcessor(models.StateWork, ProcessResult{Status: StatusFailure, Detail: "boom"})

	states := NewStateManager()
	s := NewScheduler(states, []StateProcessor{wakeup, work}, auditSvc, SchedulerConfig{
		AgentID:          "tester",
		WorkRoundDelay:   time.Millisecond,
		FailureThreshold: 3,
	})

	require.NoError(t, s.Start(context.Background()))
	waitFor(t, 5*time.Second, func() bool { return states.Current() == models.StateShutdown })
	s.Stop()

	// The breaker needed at least the threshold's worth of failures.
	require.GreaterOrEqual(t, work.rounds.Load(), int64(3))
}

func TestSchedulerPauseAndSingleStep(t *testing.T) {
	auditSvc, _ := newTestAudit(t)

	wakeup := newStubProcessor(models.StateWakeup, ProcessResult{Status: StatusDone, Recommend: models.StateWork})
	work := newStubProcessor(models.StateWork, ProcessResult{Status: StatusIdle})

	states := NewStateManager()
	s := NewScheduler(states, []StateProcessor{wakeup, work}, auditSvc, SchedulerConfig{
		AgentID:        "tester",
		WorkRoundDelay: time.Millisecond,
	})

	s.Pause()
	require.NoError(t, s.Start(context.Background()))

	// Paused: no rounds run on their own.
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, work.rounds.Load())

	// Single-step executes exactly one round despite the pause.
	s.Step()
	waitFor(t, 2*time.Second, func() bool { return wakeup.rounds.Load() == 1 })

	s.Resume()
	waitFor(t, 2*time.Second, func() bool { return work.rounds.Load() >= 1 })
	s.Stop()
}

func TestSchedulerSpeedClamps(t *testing.T) {
	auditSvc, _ := newTestAudit(t)
	s := NewScheduler(NewStateManager(), nil, auditSvc, SchedulerConfig{})

	s.SetSpeed(100)
	require.EqualValues(t, 10_000, s.speedMil.Load())
	s.SetSpeed(0.01)
	require.EqualValues(t, 100, s.speedMil.Load())
}

func TestForceStateIsAudited(t *testing.T) {
	auditSvc, _ := newTestAudit(t)
	states := NewStateManager()
	require.NoError(t, states.Transition(models.StateWakeup))
	require.NoError(t, states.Transition(models.StateWork))

	s := NewScheduler(states, nil, auditSvc, SchedulerConfig{AgentID: "tester"})
	require.NoError(t, s.ForceState(models.StateSolitude, "operator"))
	require.Equal(t, models.StateSolitude, states.Current())

	entries, err := auditSvc.Entries(0, 0)
	require.NoError(t, err)
	var forced int
	for _, e := range entries {
		if e.EventType == models.AuditEventForcedTransition {
			forced++
		}
	}
	require.Equal(t, 1, forced)
}
