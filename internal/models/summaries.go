package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConsolidationLevel orders summary compression passes.
type ConsolidationLevel string

// Consolidation levels: basic covers a 6-hour window, extensive a day,
// profound a month.
const (
	ConsolidationBasic     ConsolidationLevel = "basic"
	ConsolidationExtensive ConsolidationLevel = "extensive"
	ConsolidationProfound  ConsolidationLevel = "profound"
)

// SummaryPeriod is the common window header every summary carries.
type SummaryPeriod struct {
	PeriodStart        time.Time          `json:"period_start"`
	PeriodEnd          time.Time          `json:"period_end"`
	PeriodLabel        string             `json:"period_label"`
	ConsolidationLevel ConsolidationLevel `json:"consolidation_level"`
	// SourceCorrelationCount is how many raw rows fed this summary.
	SourceCorrelationCount int `json:"source_correlation_count"`
}

// MetricAggregate is the per-metric rollup inside a TSDB summary.
type MetricAggregate struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// TSDBSummary aggregates metric datapoints for one window.
type TSDBSummary struct {
	SummaryPeriod
	Metrics         map[string]MetricAggregate `json:"metrics"`
	TotalTokensUsed float64                    `json:"total_tokens_used"`
	TotalCostCents  float64                    `json:"total_cost_cents"`
	TotalCarbonG    float64                    `json:"total_carbon_grams"`
	TotalEnergyKWh  float64                    `json:"total_energy_kwh"`
	ActionCounts    map[string]int             `json:"action_counts"`
	ErrorCount      int                        `json:"error_count"`
	SuccessRate     float64                    `json:"success_rate"`
}

// ConversationEntry preserves a single message inside a conversation
// summary. Full content is retained by design: summaries are the agent's
// long-term conversational memory.
type ConversationEntry struct {
	Timestamp       time.Time `json:"timestamp"`
	AuthorID        string    `json:"author_id"`
	AuthorName      string    `json:"author_name,omitempty"`
	Content         string    `json:"content"`
	ActionType      string    `json:"action_type"`
	ExecutionTimeMs float64   `json:"execution_time_ms,omitempty"`
	Success         bool      `json:"success"`
}

// ConversationSummary aggregates service interactions for one window.
type ConversationSummary struct {
	SummaryPeriod
	ConversationsByChannel map[string][]ConversationEntry `json:"conversations_by_channel"`
	TotalMessages          int                            `json:"total_messages"`
	MessagesByChannel      map[string]int                 `json:"messages_by_channel"`
	UniqueUsers            int                            `json:"unique_users"`
	UserList               []string                       `json:"user_list,omitempty"`
	ActionCounts           map[string]int                 `json:"action_counts"`
	ServiceCalls           map[string]int                 `json:"service_calls"`
	ErrorCount             int                            `json:"error_count"`
	SuccessRate            float64                        `json:"success_rate"`
}

// LatencyStats carries latency percentiles in milliseconds.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// TraceSummary aggregates trace spans for one window.
type TraceSummary struct {
	SummaryPeriod
	TotalTasksProcessed  int                     `json:"total_tasks_processed"`
	TotalThoughts        int                     `json:"total_thoughts_processed"`
	UniqueTaskIDs        []string                `json:"unique_task_ids,omitempty"`
	AvgThoughtsPerTask   float64                 `json:"avg_thoughts_per_task"`
	ComponentCalls       map[string]int          `json:"component_calls"`
	ComponentFailures    map[string]int          `json:"component_failures"`
	ComponentLatency     map[string]LatencyStats `json:"component_latency_stats"`
	HandlerActions       map[string]int          `json:"handler_actions"`
	GuardrailViolations  map[string]int          `json:"guardrail_violations"`
	DMADecisions         map[string]int          `json:"dma_decisions"`
	TaskTimes            LatencyStats            `json:"task_times_ms"`
	TaskStatuses         map[string]string       `json:"task_statuses,omitempty"`
	ErrorsByComponent    map[string]int          `json:"errors_by_component,omitempty"`
	TotalErrors          int                     `json:"total_errors"`
}

// TaskOutcome is the per-task record inside a task summary.
type TaskOutcome struct {
	TaskID     string   `json:"task_id"`
	Status     string   `json:"status"`
	ChannelID  string   `json:"channel_id,omitempty"`
	DurationMs float64  `json:"duration_ms"`
	RetryCount int      `json:"retry_count"`
	Handlers   []string `json:"handlers,omitempty"`
}

// TaskSummary aggregates task outcomes for one window.
type TaskSummary struct {
	SummaryPeriod
	TotalTasks     int            `json:"total_tasks"`
	TasksByStatus  map[string]int `json:"tasks_by_status"`
	TasksByChannel map[string]int `json:"tasks_by_channel"`
	CompletionRate float64        `json:"completion_rate"`
	HandlerUsage   map[string]int `json:"handler_usage"`
	AvgDurationMs  float64        `json:"avg_duration_ms"`
	P50DurationMs  float64        `json:"p50_duration_ms"`
	P95DurationMs  float64        `json:"p95_duration_ms"`
	P99DurationMs  float64        `json:"p99_duration_ms"`
	RetryStats     map[string]int `json:"retry_stats"`
	TaskOutcomes   []TaskOutcome  `json:"task_summaries,omitempty"`
}

// AuditSummary aggregates audit events for one window. AuditHash is a
// SHA-256 digest over a canonical ordering of the included entries so the
// window contents stay tamper-evident after consolidation.
type AuditSummary struct {
	SummaryPeriod
	TotalAuditEvents  int            `json:"total_audit_events"`
	EventsByType      map[string]int `json:"events_by_type"`
	AuthSuccesses     int            `json:"auth_successes"`
	AuthFailures      int            `json:"auth_failures"`
	PermissionDenials int            `json:"permission_denials"`
	ConfigChanges     int            `json:"config_changes"`
	AuditHash         string         `json:"audit_hash"`
	HashAlgorithm     string         `json:"hash_algorithm"`
}

// SummaryNodeType maps a correlation type to its summary node type.
func SummaryNodeType(ct CorrelationType) NodeType {
	switch ct {
	case CorrelationMetricDatapoint:
		return NodeTypeTSDBSummary
	case CorrelationServiceInteraction:
		return NodeTypeConversationSummary
	case CorrelationTraceSpan:
		return NodeTypeTraceSummary
	case CorrelationAuditEvent:
		return NodeTypeAuditSummary
	default:
		return NodeTypeTSDBSummary
	}
}

// SummaryAttributes converts a typed summary into node attributes via a
// JSON round trip. The inverse, SummaryFromNode, reconstructs the typed
// struct; together they satisfy the serialisation round-trip law.
func SummaryAttributes(summary any) (map[string]any, error) {
	raw, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("unmarshal summary attributes: %w", err)
	}
	return attrs, nil
}

// SummaryFromNode decodes node attributes into the typed summary out,
// which must be a pointer to a summary struct.
func SummaryFromNode(node *GraphNode, out any) error {
	raw, err := json.Marshal(node.Attributes)
	if err != nil {
		return fmt.Errorf("marshal node attributes: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode summary from node %s: %w", node.ID, err)
	}
	return nil
}
