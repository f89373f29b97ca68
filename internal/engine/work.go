package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/pipeline"
	"github.com/dotcommander/ciris/internal/store"
)

// thoughtsPerRound caps how many thoughts one WORK round pumps through the
// pipeline so a deep queue cannot starve the round loop.
const thoughtsPerRound = 5

// idleRoundsBeforeDream is how many consecutive empty WORK rounds trigger a
// DREAM recommendation.
const idleRoundsBeforeDream = 30

// WorkProcessor pulls pending thoughts and dispatches them through the
// pipeline. Long idleness recommends DREAM.
type WorkProcessor struct {
	db        *sql.DB
	processor *pipeline.Processor

	idleRounds atomic.Int64
	processed  atomic.Int64
}

// NewWorkProcessor builds the WORK processor.
func NewWorkProcessor(db *sql.DB, processor *pipeline.Processor) *WorkProcessor {
	return &WorkProcessor{db: db, processor: processor}
}

// State implements StateProcessor.
func (p *WorkProcessor) State() models.CognitiveState { return models.StateWork }

// Initialize implements StateProcessor.
func (p *WorkProcessor) Initialize(ctx context.Context) error {
	p.idleRounds.Store(0)
	return nil
}

// Process pumps up to thoughtsPerRound pending thoughts.
func (p *WorkProcessor) Process(ctx context.Context, round int64) ProcessResult {
	thoughts, err := store.PendingThoughts(p.db, thoughtsPerRound)
	if err != nil {
		slog.Default().Error("failed to pull pending thoughts", "error", err)
		return ProcessResult{Status: StatusFailure, Detail: err.Error()}
	}

	if len(thoughts) == 0 {
		idle := p.idleRounds.Add(1)
		if idle >= idleRoundsBeforeDream {
			p.idleRounds.Store(0)
			return ProcessResult{Status: StatusIdle, Recommend: models.StateDream, Detail: "idle long enough to dream"}
		}
		return ProcessResult{Status: StatusIdle}
	}

	p.idleRounds.Store(0)
	for _, th := range thoughts {
		outcome := p.processor.ProcessThought(ctx, th, int(round))
		p.processed.Add(1)
		slog.Default().Debug("thought processed",
			"thought_id", th.ThoughtID,
			"status", string(outcome.ThoughtStatus),
			"requeued", outcome.Requeued,
		)
	}
	return ProcessResult{Status: StatusSuccess}
}

// Cleanup implements StateProcessor.
func (p *WorkProcessor) Cleanup(ctx context.Context) error { return nil }

// Metrics implements StateProcessor.
func (p *WorkProcessor) Metrics() map[string]float64 {
	return map[string]float64{
		"thoughts_processed": float64(p.processed.Load()),
		"idle_rounds":        float64(p.idleRounds.Load()),
	}
}
