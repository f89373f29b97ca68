// Package memoryservice implements the local graph memory provider:
// MEMORIZE/RECALL/FORGET over typed nodes plus time-series recall, backed
// by the relational store.
package memoryservice

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

// Service is the LOCAL graph memory provider registered on the memory bus.
type Service struct {
	db      *sql.DB
	agentID string
}

// New builds the memory service. agentID stamps updated_by on writes.
func New(db *sql.DB, agentID string) *Service {
	return &Service{db: db, agentID: agentID}
}

// Name implements registry.Provider.
func (s *Service) Name() string { return "local_graph_memory" }

// Capabilities implements registry.Provider.
func (s *Service) Capabilities() []string {
	return []string{"memorize", "recall", "forget", "search", "recall_timeseries",
		"memorize_metric", "memorize_log", "export_identity_context"}
}

// IsHealthy implements registry.Provider.
func (s *Service) IsHealthy() bool {
	return s.db.PingContext(context.Background()) == nil
}

// Memorize stores a node, versioning in place when the id already exists.
// IDENTITY-scoped writes require wise-authority approval and are denied
// otherwise.
func (s *Service) Memorize(ctx context.Context, node *models.GraphNode) models.MemoryOpResult {
	if node != nil && node.Scope == models.ScopeIdentity {
		return models.MemoryOpResult{Status: models.MemoryOpDenied, Reason: "identity scope requires wise authority approval"}
	}
	return s.memorize(node)
}

func (s *Service) memorize(node *models.GraphNode) models.MemoryOpResult {
	if node == nil || node.ID == "" {
		return models.MemoryOpResult{Status: models.MemoryOpError, Reason: "node id is required"}
	}
	if node.Scope == "" {
		node.Scope = models.ScopeLocal
	}
	if node.UpdatedBy == "" {
		node.UpdatedBy = s.agentID
	}
	if node.Attributes == nil {
		node.Attributes = map[string]any{}
	}
	if _, ok := node.Attributes["created_at"]; !ok {
		node.Attributes["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	node.Attributes["updated_by"] = node.UpdatedBy
	node.Attributes["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	if err := store.UpsertNode(s.db, node); err != nil {
		return models.MemoryOpResult{Status: models.MemoryOpError, Reason: err.Error()}
	}
	return models.MemoryOpResult{Status: models.MemoryOpOK, NodeID: node.ID}
}

// MemorizeIdentity is the elevated-authority path for IDENTITY-scope
// writes. Plain Memorize calls that target IDENTITY are denied.
func (s *Service) MemorizeIdentity(ctx context.Context, node *models.GraphNode, waAuthorized bool) models.MemoryOpResult {
	if node != nil && node.Scope == models.ScopeIdentity && !waAuthorized {
		return models.MemoryOpResult{Status: models.MemoryOpDenied, Reason: "identity scope requires wise authority approval"}
	}
	return s.memorize(node)
}

// Recall answers a MemoryQuery. node_id "*" is a wildcard type-filtered
// search; IncludeEdges walks neighbours out to Depth (clamped to [1, 10]).
func (s *Service) Recall(ctx context.Context, query models.MemoryQuery) ([]*models.GraphNode, error) {
	scope := query.Scope
	if scope == "" {
		scope = models.ScopeLocal
	}

	var nodes []*models.GraphNode
	if query.NodeID == "*" {
		if query.Type == "" {
			return nil, errors.New("wildcard recall requires a node type")
		}
		found, err := store.NodesByType(s.db, query.Type, scope, 100)
		if err != nil {
			return nil, err
		}
		nodes = found
	} else {
		node, err := store.GetNode(s.db, query.NodeID, scope)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		nodes = []*models.GraphNode{node}
	}

	if query.IncludeEdges && len(nodes) > 0 {
		depth := query.Depth
		if depth < 1 {
			depth = 1
		}
		if depth > 10 {
			depth = 10
		}
		expanded, err := s.expandNeighbours(nodes, scope, depth)
		if err != nil {
			return nil, err
		}
		nodes = expanded
	}
	return nodes, nil
}

// expandNeighbours breadth-first walks edges from the seed nodes up to
// depth hops, deduplicating by node id.
func (s *Service) expandNeighbours(seed []*models.GraphNode, scope models.GraphScope, depth int) ([]*models.GraphNode, error) {
	seen := make(map[string]bool, len(seed))
	out := make([]*models.GraphNode, 0, len(seed))
	frontier := make([]string, 0, len(seed))
	for _, n := range seed {
		seen[n.ID] = true
		out = append(out, n)
		frontier = append(frontier, n.ID)
	}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			edges, err := store.EdgesTouching(s.db, id)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				for _, neighbour := range []string{e.Source, e.Target} {
					if seen[neighbour] {
						continue
					}
					seen[neighbour] = true
					node, err := store.GetNode(s.db, neighbour, scope)
					if err != nil {
						if errors.Is(err, models.ErrNotFound) {
							continue
						}
						return nil, err
					}
					out = append(out, node)
					next = append(next, neighbour)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// Forget removes a node and its edges. The reason is required — removals
// without an auditable reason are denied.
func (s *Service) Forget(ctx context.Context, nodeID string, scope models.GraphScope, reason string) models.MemoryOpResult {
	if strings.TrimSpace(reason) == "" {
		return models.MemoryOpResult{Status: models.MemoryOpDenied, Reason: "forget requires an auditable reason"}
	}
	if scope == "" {
		scope = models.ScopeLocal
	}
	deleted, err := store.DeleteNode(s.db, nodeID, scope)
	if err != nil {
		return models.MemoryOpResult{Status: models.MemoryOpError, Reason: err.Error()}
	}
	if !deleted {
		return models.MemoryOpResult{Status: models.MemoryOpError, Reason: "node not found"}
	}
	return models.MemoryOpResult{Status: models.MemoryOpOK, NodeID: nodeID}
}

// Search matches nodes by text with optional scope/type filters.
func (s *Service) Search(ctx context.Context, query string, scope models.GraphScope, nodeType models.NodeType) ([]*models.GraphNode, error) {
	if scope == "" {
		scope = models.ScopeLocal
	}
	return store.SearchNodes(s.db, query, scope, nodeType, 50)
}

// RecallTimeseries returns correlations in a time range.
func (s *Service) RecallTimeseries(ctx context.Context, q models.TimeSeriesQuery) ([]*models.ServiceCorrelation, error) {
	return store.QueryTimeSeries(s.db, q)
}

// MemorizeMetric appends a METRIC_DATAPOINT correlation.
func (s *Service) MemorizeMetric(ctx context.Context, metric models.MetricDatapoint) models.MemoryOpResult {
	req, err := json.Marshal(metric)
	if err != nil {
		return models.MemoryOpResult{Status: models.MemoryOpError, Reason: err.Error()}
	}
	tags := map[string]string{"metric_name": metric.MetricName}
	for k, v := range metric.Tags {
		tags[k] = v
	}
	c := &models.ServiceCorrelation{
		CorrelationID: uuid.NewString(),
		Type:          models.CorrelationMetricDatapoint,
		ServiceType:   models.ServiceMemory,
		HandlerName:   "memorize_metric",
		ActionType:    "metric",
		RequestData:   req,
		Timestamp:     time.Now().UTC(),
		Tags:          tags,
	}
	if err := store.InsertCorrelation(s.db, c); err != nil {
		return models.MemoryOpResult{Status: models.MemoryOpError, Reason: err.Error()}
	}
	return models.MemoryOpResult{Status: models.MemoryOpOK}
}

// MemorizeLog appends a log line as a METRIC_DATAPOINT correlation tagged
// with its level.
func (s *Service) MemorizeLog(ctx context.Context, level, message string, tags map[string]string) models.MemoryOpResult {
	req, err := json.Marshal(map[string]string{"level": level, "message": message})
	if err != nil {
		return models.MemoryOpResult{Status: models.MemoryOpError, Reason: err.Error()}
	}
	allTags := map[string]string{"log_level": level}
	for k, v := range tags {
		allTags[k] = v
	}
	c := &models.ServiceCorrelation{
		CorrelationID: uuid.NewString(),
		Type:          models.CorrelationMetricDatapoint,
		ServiceType:   models.ServiceMemory,
		HandlerName:   "memorize_log",
		ActionType:    "log",
		RequestData:   req,
		Timestamp:     time.Now().UTC(),
		Tags:          allTags,
	}
	if err := store.InsertCorrelation(s.db, c); err != nil {
		return models.MemoryOpResult{Status: models.MemoryOpError, Reason: err.Error()}
	}
	return models.MemoryOpResult{Status: models.MemoryOpOK}
}

// ExportIdentityContext renders IDENTITY-scoped nodes as a stable text
// block for evaluator prompts.
func (s *Service) ExportIdentityContext(ctx context.Context) (string, error) {
	nodes, err := store.NodesByType(s.db, models.NodeTypeIdentity, models.ScopeIdentity, 100)
	if err != nil {
		return "", fmt.Errorf("export identity context: %w", err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	var b strings.Builder
	for _, n := range nodes {
		attrs, err := json.Marshal(n.Attributes)
		if err != nil {
			continue
		}
		b.WriteString(n.ID)
		b.WriteString(": ")
		b.Write(attrs)
		b.WriteString("\n")
	}
	return b.String(), nil
}
