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

// PlayProcessor allows exploratory processing: it pumps thoughts like WORK
// but one at a time, and recommends WORK as soon as the queue deepens.
type PlayProcessor struct {
	db        *sql.DB
	processor *pipeline.Processor
	processed atomic.Int64
}

// NewPlayProcessor builds the PLAY processor.
func NewPlayProcessor(db *sql.DB, processor *pipeline.Processor) *PlayProcessor {
	return &PlayProcessor{db: db, processor: processor}
}

// State implements StateProcessor.
func (p *PlayProcessor) State() models.CognitiveState { return models.StatePlay }

// Initialize implements StateProcessor.
func (p *PlayProcessor) Initialize(ctx context.Context) error { return nil }

// Process handles at most one thought per round.
func (p *PlayProcessor) Process(ctx context.Context, round int64) ProcessResult {
	thoughts, err := store.PendingThoughts(p.db, 2)
	if err != nil {
		slog.Default().Error("failed to pull pending thoughts", "error", err)
		return ProcessResult{Status: StatusFailure, Detail: err.Error()}
	}
	if len(thoughts) == 0 {
		return ProcessResult{Status: StatusIdle}
	}

	p.processor.ProcessThought(ctx, thoughts[0], int(round))
	p.processed.Add(1)

	// A deepening queue means real work is waiting.
	if len(thoughts) > 1 {
		return ProcessResult{Status: StatusSuccess, Recommend: models.StateWork, Detail: "queue deepening"}
	}
	return ProcessResult{Status: StatusSuccess}
}

// Cleanup implements StateProcessor.
func (p *PlayProcessor) Cleanup(ctx context.Context) error { return nil }

// Metrics implements StateProcessor.
func (p *PlayProcessor) Metrics() map[string]float64 {
	return map[string]float64{"play_thoughts_processed": float64(p.processed.Load())}
}
