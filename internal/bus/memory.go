package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/registry"
)

// MemoryProvider is the core's expectation of a graph memory service.
type MemoryProvider interface {
	registry.Provider
	Memorize(ctx context.Context, node *models.GraphNode) models.MemoryOpResult
	Recall(ctx context.Context, query models.MemoryQuery) ([]*models.GraphNode, error)
	Forget(ctx context.Context, nodeID string, scope models.GraphScope, reason string) models.MemoryOpResult
	Search(ctx context.Context, query string, scope models.GraphScope, nodeType models.NodeType) ([]*models.GraphNode, error)
	RecallTimeseries(ctx context.Context, q models.TimeSeriesQuery) ([]*models.ServiceCorrelation, error)
	MemorizeMetric(ctx context.Context, metric models.MetricDatapoint) models.MemoryOpResult
	MemorizeLog(ctx context.Context, level, message string, tags map[string]string) models.MemoryOpResult
	ExportIdentityContext(ctx context.Context) (string, error)
}

// MemoryBus mediates all graph memory operations. Every operation is
// synchronous: handlers depend on the result before selecting their next
// step, so there is no queued path here.
type MemoryBus struct {
	baseBus
}

// NewMemoryBus builds the memory bus.
func NewMemoryBus(reg *registry.Registry, sink CorrelationSink) *MemoryBus {
	return &MemoryBus{baseBus: newBaseBus(models.ServiceMemory, reg, sink)}
}

func (b *MemoryBus) provider() (MemoryProvider, models.MemoryOpResult) {
	p, err := b.registry.Get(b.service, nil)
	if err != nil {
		return nil, models.MemoryOpResult{Status: models.MemoryOpError, Reason: "No memory service available"}
	}
	mp, ok := p.(MemoryProvider)
	if !ok {
		return nil, models.MemoryOpResult{Status: models.MemoryOpError, Reason: "No memory service available"}
	}
	return mp, models.MemoryOpResult{}
}

// Memorize stores a node.
func (b *MemoryBus) Memorize(ctx context.Context, node *models.GraphNode, handlerName string) models.MemoryOpResult {
	p, failure := b.provider()
	if p == nil {
		return failure
	}
	result := p.Memorize(ctx, node)
	b.recordOp(handlerName, string(models.ActionMemorize), result, map[string]string{"node_id": node.ID, "node_type": string(node.Type)})
	return result
}

// Recall queries nodes. No provider yields an empty result, not an error.
func (b *MemoryBus) Recall(ctx context.Context, query models.MemoryQuery, handlerName string) []*models.GraphNode {
	p, _ := b.provider()
	if p == nil {
		slog.Default().Warn("recall with no memory provider", "handler", handlerName)
		return nil
	}
	nodes, err := p.Recall(ctx, query)
	if err != nil {
		slog.Default().Warn("recall failed", "handler", handlerName, "error", err)
		return nil
	}
	b.recordOp(handlerName, string(models.ActionRecall), models.MemoryOpResult{Status: models.MemoryOpOK}, map[string]string{"node_id": query.NodeID})
	return nodes
}

// Forget removes a node; the reason is mandatory and audited by the handler.
func (b *MemoryBus) Forget(ctx context.Context, nodeID string, scope models.GraphScope, reason, handlerName string) models.MemoryOpResult {
	p, failure := b.provider()
	if p == nil {
		return failure
	}
	result := p.Forget(ctx, nodeID, scope, reason)
	b.recordOp(handlerName, string(models.ActionForget), result, map[string]string{"node_id": nodeID, "reason": reason})
	return result
}

// SearchMemories matches nodes by text with optional scope/type filters.
func (b *MemoryBus) SearchMemories(ctx context.Context, query string, scope models.GraphScope, nodeType models.NodeType, handlerName string) []*models.GraphNode {
	p, _ := b.provider()
	if p == nil {
		return nil
	}
	nodes, err := p.Search(ctx, query, scope, nodeType)
	if err != nil {
		slog.Default().Warn("memory search failed", "handler", handlerName, "error", err)
		return nil
	}
	return nodes
}

// RecallTimeseries returns correlations in a time range.
func (b *MemoryBus) RecallTimeseries(ctx context.Context, q models.TimeSeriesQuery, handlerName string) []*models.ServiceCorrelation {
	p, _ := b.provider()
	if p == nil {
		return nil
	}
	rows, err := p.RecallTimeseries(ctx, q)
	if err != nil {
		slog.Default().Warn("recall_timeseries failed", "handler", handlerName, "error", err)
		return nil
	}
	return rows
}

// MemorizeMetric records a metric datapoint in the time-series store.
func (b *MemoryBus) MemorizeMetric(ctx context.Context, metric models.MetricDatapoint, handlerName string) models.MemoryOpResult {
	p, failure := b.provider()
	if p == nil {
		return failure
	}
	return p.MemorizeMetric(ctx, metric)
}

// MemorizeLog records a log line as a time-series correlation.
func (b *MemoryBus) MemorizeLog(ctx context.Context, level, message string, tags map[string]string, handlerName string) models.MemoryOpResult {
	p, failure := b.provider()
	if p == nil {
		return failure
	}
	return p.MemorizeLog(ctx, level, message, tags)
}

// ExportIdentityContext renders the identity-scoped nodes as evaluator
// context.
func (b *MemoryBus) ExportIdentityContext(ctx context.Context) (string, error) {
	p, _ := b.provider()
	if p == nil {
		return "", &models.NoProviderError{Service: string(b.service)}
	}
	return p.ExportIdentityContext(ctx)
}

func (b *MemoryBus) recordOp(handlerName, action string, result models.MemoryOpResult, tags map[string]string) {
	status := models.CorrelationStatusCompleted
	if result.Status == models.MemoryOpError || result.Status == models.MemoryOpDenied {
		status = models.CorrelationStatusFailed
	}
	b.record(&models.ServiceCorrelation{
		Type:        models.CorrelationServiceInteraction,
		HandlerName: handlerName,
		ActionType:  action,
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Tags:        tags,
	})
}
