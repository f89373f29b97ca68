package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dotcommander/ciris/internal/models"
)

// Consolidator is the slice of the consolidation service DREAM drives.
type Consolidator interface {
	RunConsolidation(ctx context.Context) error
}

// PatternAnalyzer is the slice of the adaptation service DREAM and
// SOLITUDE drive.
type PatternAnalyzer interface {
	AnalyzePatterns(ctx context.Context) (int, error)
}

// DreamProcessor runs for a bounded duration performing memory
// consolidation and behavioural pattern analysis, then recommends WORK.
type DreamProcessor struct {
	consolidator Consolidator
	patterns     PatternAnalyzer
	duration     time.Duration

	startedAt    atomic.Int64
	consolidated atomic.Bool
}

// NewDreamProcessor builds the DREAM processor.
func NewDreamProcessor(consolidator Consolidator, patterns PatternAnalyzer, duration time.Duration) *DreamProcessor {
	if duration <= 0 {
		duration = 30 * time.Minute
	}
	return &DreamProcessor{consolidator: consolidator, patterns: patterns, duration: duration}
}

// State implements StateProcessor.
func (p *DreamProcessor) State() models.CognitiveState { return models.StateDream }

// Initialize implements StateProcessor.
func (p *DreamProcessor) Initialize(ctx context.Context) error {
	p.startedAt.Store(time.Now().UnixNano())
	p.consolidated.Store(false)
	return nil
}

// Process consolidates on dream entry, analyses patterns thereafter, and
// recommends WORK once the dream duration elapses.
func (p *DreamProcessor) Process(ctx context.Context, round int64) ProcessResult {
	if elapsed := time.Since(time.Unix(0, p.startedAt.Load())); elapsed >= p.duration {
		return ProcessResult{Status: StatusDone, Recommend: models.StateWork, Detail: "dream duration elapsed"}
	}

	if !p.consolidated.Load() {
		p.consolidated.Store(true)
		if p.consolidator != nil {
			if err := p.consolidator.RunConsolidation(ctx); err != nil {
				slog.Default().Error("dream consolidation failed", "error", err)
				return ProcessResult{Status: StatusFailure, Detail: err.Error()}
			}
		}
		return ProcessResult{Status: StatusSuccess, Detail: "consolidated"}
	}

	if p.patterns != nil {
		n, err := p.patterns.AnalyzePatterns(ctx)
		if err != nil {
			slog.Default().Warn("dream pattern analysis failed", "error", err)
			return ProcessResult{Status: StatusFailure, Detail: err.Error()}
		}
		if n > 0 {
			slog.Default().Info("dream detected behavioural patterns", "count", n)
		}
	}
	return ProcessResult{Status: StatusSuccess}
}

// Cleanup implements StateProcessor.
func (p *DreamProcessor) Cleanup(ctx context.Context) error { return nil }

// Metrics implements StateProcessor.
func (p *DreamProcessor) Metrics() map[string]float64 {
	return map[string]float64{
		"dream_elapsed_sec": time.Since(time.Unix(0, p.startedAt.Load())).Seconds(),
	}
}
