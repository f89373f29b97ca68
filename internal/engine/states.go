// Package engine implements the cognitive state machine and the round-loop
// scheduler that drives the per-state processors.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/dotcommander/ciris/internal/models"
)

// validTransitions is the cognitive state machine. SHUTDOWN is initial and
// terminal; every state may fall back to SHUTDOWN.
var validTransitions = map[models.CognitiveState][]models.CognitiveState{
	models.StateShutdown: {models.StateWakeup},
	models.StateWakeup:   {models.StateWork, models.StateShutdown},
	models.StateWork:     {models.StateDream, models.StatePlay, models.StateSolitude, models.StateShutdown},
	models.StatePlay:     {models.StateWork, models.StateShutdown},
	models.StateSolitude: {models.StateWork, models.StateShutdown},
	models.StateDream:    {models.StateWork, models.StateShutdown},
}

// StateManager tracks the current cognitive state and enforces the
// transition table.
type StateManager struct {
	mu        sync.RWMutex
	current   models.CognitiveState
	enteredAt time.Time
}

// NewStateManager starts in SHUTDOWN.
func NewStateManager() *StateManager {
	return &StateManager{current: models.StateShutdown, enteredAt: time.Now()}
}

// Current returns the current state.
func (m *StateManager) Current() models.CognitiveState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// TimeInState returns how long the current state has been active.
func (m *StateManager) TimeInState() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.enteredAt)
}

// CanTransition reports whether from -> to is in the transition table.
func (m *StateManager) CanTransition(from, to models.CognitiveState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to the target state, enforcing the table.
func (m *StateManager) Transition(to models.CognitiveState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !to.Valid() {
		return fmt.Errorf("unknown cognitive state %q", to)
	}
	if m.current == to {
		return nil
	}
	if !m.CanTransition(m.current, to) {
		return fmt.Errorf("invalid transition %s -> %s", m.current, to)
	}
	m.current = to
	m.enteredAt = time.Now()
	return nil
}

// Force moves to the target state regardless of the table, except that out
// of SHUTDOWN the only forced target accepted is WAKEUP; any other forced
// exit from SHUTDOWN is rejected. Callers must audit forced transitions.
func (m *StateManager) Force(to models.CognitiveState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !to.Valid() {
		return fmt.Errorf("unknown cognitive state %q", to)
	}
	if m.current == models.StateShutdown && to != models.StateWakeup {
		return fmt.Errorf("refusing forced transition out of shutdown to %s", to)
	}
	m.current = to
	m.enteredAt = time.Now()
	return nil
}
