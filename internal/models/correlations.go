package models

import (
	"encoding/json"
	"time"
)

// CorrelationType classifies service correlation rows.
type CorrelationType string

// Correlation type constants.
const (
	CorrelationServiceInteraction CorrelationType = "service_interaction"
	CorrelationTraceSpan          CorrelationType = "trace_span"
	CorrelationMetricDatapoint    CorrelationType = "metric_datapoint"
	CorrelationAuditEvent         CorrelationType = "audit_event"
)

// ServiceType names the bus a correlation was produced by.
type ServiceType string

// Service type constants for the registry and buses.
const (
	ServiceCommunication ServiceType = "communication"
	ServiceMemory        ServiceType = "memory"
	ServiceTool          ServiceType = "tool"
	ServiceWiseAuthority ServiceType = "wise_authority"
	ServiceLLM           ServiceType = "llm"
)

// ServiceCorrelation is an immutable event record written alongside every
// bus side effect. Rows are consolidated (not deleted) after the raw
// retention window; originals remain until a separate retention sweep.
type ServiceCorrelation struct {
	CorrelationID string            `json:"correlation_id"`
	Type          CorrelationType   `json:"correlation_type"`
	ServiceType   ServiceType       `json:"service_type"`
	HandlerName   string            `json:"handler_name"`
	ActionType    string            `json:"action_type"`
	RequestData   json.RawMessage   `json:"request_data,omitempty"`
	ResponseData  json.RawMessage   `json:"response_data,omitempty"`
	Status        string            `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Correlation status constants.
const (
	CorrelationStatusCompleted = "completed"
	CorrelationStatusFailed    = "failed"
)

// MetricDatapoint is the request payload of a METRIC_DATAPOINT correlation.
type MetricDatapoint struct {
	MetricName string            `json:"metric_name"`
	Value      float64           `json:"value"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// TimeSeriesQuery selects correlations for recall_timeseries.
type TimeSeriesQuery struct {
	Type  CorrelationType   `json:"correlation_type"`
	Start time.Time         `json:"start"`
	End   time.Time         `json:"end"`
	Tags  map[string]string `json:"tags,omitempty"`
	Limit int               `json:"limit,omitempty"`
}
