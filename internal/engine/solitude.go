package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

// VarianceChecker is the slice of the adaptation service SOLITUDE drives
// for identity reflection.
type VarianceChecker interface {
	CheckVariance(ctx context.Context) (float64, error)
}

// SolitudeProcessor runs reflection at a slow cadence: pattern analysis
// and an identity variance check, recommending WORK when new thoughts
// arrive.
type SolitudeProcessor struct {
	db       *sql.DB
	patterns PatternAnalyzer
	variance VarianceChecker
	rounds   atomic.Int64
}

// NewSolitudeProcessor builds the SOLITUDE processor.
func NewSolitudeProcessor(db *sql.DB, patterns PatternAnalyzer, variance VarianceChecker) *SolitudeProcessor {
	return &SolitudeProcessor{db: db, patterns: patterns, variance: variance}
}

// State implements StateProcessor.
func (p *SolitudeProcessor) State() models.CognitiveState { return models.StateSolitude }

// Initialize implements StateProcessor.
func (p *SolitudeProcessor) Initialize(ctx context.Context) error { return nil }

// Process reflects once per round, leaving solitude when work arrives.
func (p *SolitudeProcessor) Process(ctx context.Context, round int64) ProcessResult {
	p.rounds.Add(1)

	pending, err := store.PendingThoughts(p.db, 1)
	if err == nil && len(pending) > 0 {
		return ProcessResult{Status: StatusDone, Recommend: models.StateWork, Detail: "work arrived"}
	}

	if p.patterns != nil {
		if _, err := p.patterns.AnalyzePatterns(ctx); err != nil {
			slog.Default().Warn("solitude pattern analysis failed", "error", err)
		}
	}
	if p.variance != nil {
		if v, err := p.variance.CheckVariance(ctx); err != nil {
			slog.Default().Warn("identity variance check failed", "error", err)
		} else {
			slog.Default().Debug("identity variance", "variance", v)
		}
	}
	return ProcessResult{Status: StatusSuccess}
}

// Cleanup implements StateProcessor.
func (p *SolitudeProcessor) Cleanup(ctx context.Context) error { return nil }

// Metrics implements StateProcessor.
func (p *SolitudeProcessor) Metrics() map[string]float64 {
	return map[string]float64{"solitude_rounds": float64(p.rounds.Load())}
}
