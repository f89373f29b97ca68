package engine

import (
	"context"

	"github.com/dotcommander/ciris/internal/models"
)

// ProcessStatus classifies one processor round.
type ProcessStatus string

// Process status constants.
const (
	StatusSuccess ProcessStatus = "success"
	StatusIdle    ProcessStatus = "idle"
	StatusFailure ProcessStatus = "failure"
	StatusDone    ProcessStatus = "done"
)

// ProcessResult is what a state processor reports per round. Recommend is
// the processor's suggested next state ("" = stay); ShouldExit requests a
// transition to SHUTDOWN.
type ProcessResult struct {
	Status     ProcessStatus
	Recommend  models.CognitiveState
	ShouldExit bool
	Detail     string
}

// StateProcessor is the per-state contract the scheduler drives.
type StateProcessor interface {
	State() models.CognitiveState
	Initialize(ctx context.Context) error
	Process(ctx context.Context, round int64) ProcessResult
	Cleanup(ctx context.Context) error
	Metrics() map[string]float64
}
