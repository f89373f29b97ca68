package consolidation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

func newPeriod(start, end time.Time, sourceCount int) models.SummaryPeriod {
	return models.SummaryPeriod{
		PeriodStart:            start,
		PeriodEnd:              end,
		PeriodLabel:            PeriodLabel(start),
		ConsolidationLevel:     models.ConsolidationBasic,
		SourceCorrelationCount: sourceCount,
	}
}

// buildTSDBSummary aggregates METRIC_DATAPOINT correlations.
func (s *Service) buildTSDBSummary(ctx context.Context, start, end time.Time) (any, int, error) {
	rows, err := store.CorrelationsInWindow(s.db, models.CorrelationMetricDatapoint, start, end)
	if err != nil {
		return nil, 0, err
	}
	if len(rows) == 0 {
		return nil, 0, nil
	}

	summary := models.TSDBSummary{
		SummaryPeriod: newPeriod(start, end, len(rows)),
		Metrics:       map[string]models.MetricAggregate{},
		ActionCounts:  map[string]int{},
	}

	for _, row := range rows {
		var dp models.MetricDatapoint
		if len(row.RequestData) > 0 {
			if err := json.Unmarshal(row.RequestData, &dp); err != nil {
				continue
			}
		}
		if dp.MetricName == "" {
			dp.MetricName = row.Tags["metric_name"]
		}
		if dp.MetricName == "" {
			continue
		}

		agg := summary.Metrics[dp.MetricName]
		if agg.Count == 0 {
			agg.Min = dp.Value
			agg.Max = dp.Value
		} else {
			if dp.Value < agg.Min {
				agg.Min = dp.Value
			}
			if dp.Value > agg.Max {
				agg.Max = dp.Value
			}
		}
		agg.Count++
		agg.Sum += dp.Value
		agg.Avg = agg.Sum / float64(agg.Count)
		summary.Metrics[dp.MetricName] = agg

		switch dp.MetricName {
		case "tokens_used":
			summary.TotalTokensUsed += dp.Value
		case "cost_cents":
			summary.TotalCostCents += dp.Value
		case "carbon_grams":
			summary.TotalCarbonG += dp.Value
		case "energy_kwh":
			summary.TotalEnergyKWh += dp.Value
		}
		if action := row.Tags["action"]; action != "" {
			summary.ActionCounts[action]++
		}
		if row.Status == models.CorrelationStatusFailed {
			summary.ErrorCount++
		}
	}

	summary.SuccessRate = 1.0
	if len(rows) > 0 {
		summary.SuccessRate = 1.0 - float64(summary.ErrorCount)/float64(len(rows))
	}
	return summary, len(rows), nil
}

// buildConversationSummary aggregates SERVICE_INTERACTION correlations,
// preserving full message content per channel.
func (s *Service) buildConversationSummary(ctx context.Context, start, end time.Time) (any, int, error) {
	rows, err := store.CorrelationsInWindow(s.db, models.CorrelationServiceInteraction, start, end)
	if err != nil {
		return nil, 0, err
	}
	if len(rows) == 0 {
		return nil, 0, nil
	}

	summary := models.ConversationSummary{
		SummaryPeriod:          newPeriod(start, end, len(rows)),
		ConversationsByChannel: map[string][]models.ConversationEntry{},
		MessagesByChannel:      map[string]int{},
		ActionCounts:           map[string]int{},
		ServiceCalls:           map[string]int{},
	}
	users := map[string]bool{}

	for _, row := range rows {
		summary.ActionCounts[row.ActionType]++
		summary.ServiceCalls[string(row.ServiceType)]++
		if row.Status == models.CorrelationStatusFailed {
			summary.ErrorCount++
		}

		var req struct {
			ChannelID  string `json:"channel_id"`
			Content    string `json:"content"`
			AuthorID   string `json:"author_id"`
			AuthorName string `json:"author_name"`
		}
		if len(row.RequestData) > 0 {
			_ = json.Unmarshal(row.RequestData, &req)
		}
		if req.ChannelID == "" {
			req.ChannelID = row.Tags["channel_id"]
		}
		if req.ChannelID == "" || req.Content == "" {
			continue
		}

		var resp struct {
			ExecutionTimeMs float64 `json:"execution_time_ms"`
			Delivered       bool    `json:"delivered"`
		}
		if len(row.ResponseData) > 0 {
			_ = json.Unmarshal(row.ResponseData, &resp)
		}

		entry := models.ConversationEntry{
			Timestamp:       row.Timestamp,
			AuthorID:        req.AuthorID,
			AuthorName:      req.AuthorName,
			Content:         req.Content,
			ActionType:      row.ActionType,
			ExecutionTimeMs: resp.ExecutionTimeMs,
			Success:         row.Status != models.CorrelationStatusFailed,
		}
		summary.ConversationsByChannel[req.ChannelID] = append(summary.ConversationsByChannel[req.ChannelID], entry)
		if req.AuthorID != "" {
			users[req.AuthorID] = true
		}
	}

	for channel, entries := range summary.ConversationsByChannel {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
		summary.ConversationsByChannel[channel] = entries
		summary.MessagesByChannel[channel] = len(entries)
		summary.TotalMessages += len(entries)
	}
	summary.UniqueUsers = len(users)
	for u := range users {
		summary.UserList = append(summary.UserList, u)
	}
	sort.Strings(summary.UserList)
	summary.SuccessRate = 1.0 - float64(summary.ErrorCount)/float64(len(rows))
	return summary, len(rows), nil
}

// buildTraceSummary aggregates TRACE_SPAN correlations into component and
// task statistics.
//
//nolint:gocognit,gocyclo // one pass over spans accumulating every trace statistic
func (s *Service) buildTraceSummary(ctx context.Context, start, end time.Time) (any, int, error) {
	rows, err := store.CorrelationsInWindow(s.db, models.CorrelationTraceSpan, start, end)
	if err != nil {
		return nil, 0, err
	}
	if len(rows) == 0 {
		return nil, 0, nil
	}

	summary := models.TraceSummary{
		SummaryPeriod:       newPeriod(start, end, len(rows)),
		ComponentCalls:      map[string]int{},
		ComponentFailures:   map[string]int{},
		ComponentLatency:    map[string]models.LatencyStats{},
		HandlerActions:      map[string]int{},
		GuardrailViolations: map[string]int{},
		DMADecisions:        map[string]int{},
		ErrorsByComponent:   map[string]int{},
	}

	uniqueTasks := map[string]bool{}
	uniqueThoughts := map[string]bool{}
	latencies := map[string][]float64{}
	taskSpans := map[string][]time.Time{}

	for _, row := range rows {
		component := row.Tags["component_type"]
		if component == "" {
			component = "unknown"
		}
		summary.ComponentCalls[component]++

		if taskID := row.Tags["task_id"]; taskID != "" {
			uniqueTasks[taskID] = true
			taskSpans[taskID] = append(taskSpans[taskID], row.Timestamp)
		}
		if thoughtID := row.Tags["thought_id"]; thoughtID != "" {
			uniqueThoughts[thoughtID] = true
		}

		if row.Status == models.CorrelationStatusFailed {
			summary.ComponentFailures[component]++
			summary.ErrorsByComponent[component]++
			summary.TotalErrors++
		}

		var resp struct {
			ExecutionTimeMs float64 `json:"execution_time_ms"`
		}
		if len(row.ResponseData) > 0 {
			if err := json.Unmarshal(row.ResponseData, &resp); err == nil && resp.ExecutionTimeMs > 0 {
				latencies[component] = append(latencies[component], resp.ExecutionTimeMs)
			}
		}

		if component == "handler" {
			if action := row.Tags["action_type"]; action != "" {
				summary.HandlerActions[action]++
			}
		}
		if component == "guardrail" && row.Tags["violation"] == "true" {
			gtype := row.Tags["guardrail_type"]
			if gtype == "" {
				gtype = "unknown"
			}
			summary.GuardrailViolations[gtype]++
		}
		if component == "dma" {
			dtype := row.Tags["dma_type"]
			if dtype == "" {
				dtype = "unknown"
			}
			summary.DMADecisions[dtype]++
		}
	}

	for component, values := range latencies {
		sort.Float64s(values)
		summary.ComponentLatency[component] = models.LatencyStats{
			P50: percentile(values, 0.5),
			P95: percentile(values, 0.95),
			P99: percentile(values, 0.99),
		}
	}

	var taskDurations []float64
	for _, spans := range taskSpans {
		if len(spans) < 2 {
			continue
		}
		sort.Slice(spans, func(i, j int) bool { return spans[i].Before(spans[j]) })
		taskDurations = append(taskDurations, float64(spans[len(spans)-1].Sub(spans[0]).Milliseconds()))
	}
	sort.Float64s(taskDurations)
	summary.TaskTimes = models.LatencyStats{
		P50: percentile(taskDurations, 0.5),
		P95: percentile(taskDurations, 0.95),
		P99: percentile(taskDurations, 0.99),
	}

	summary.TotalTasksProcessed = len(uniqueTasks)
	summary.TotalThoughts = len(uniqueThoughts)
	for id := range uniqueTasks {
		summary.UniqueTaskIDs = append(summary.UniqueTaskIDs, id)
	}
	sort.Strings(summary.UniqueTaskIDs)
	if len(uniqueTasks) > 0 {
		summary.AvgThoughtsPerTask = float64(len(uniqueThoughts)) / float64(len(uniqueTasks))
	}
	return summary, len(rows), nil
}

// buildTaskSummary aggregates task outcomes for the window.
func (s *Service) buildTaskSummary(ctx context.Context, start, end time.Time) (any, int, error) {
	tasks, err := store.TasksInWindow(s.db, start, end)
	if err != nil {
		return nil, 0, err
	}
	if len(tasks) == 0 {
		return nil, 0, nil
	}

	summary := models.TaskSummary{
		SummaryPeriod:  newPeriod(start, end, len(tasks)),
		TotalTasks:     len(tasks),
		TasksByStatus:  map[string]int{},
		TasksByChannel: map[string]int{},
		HandlerUsage:   map[string]int{},
		RetryStats:     map[string]int{},
	}

	var durations []float64
	for _, t := range tasks {
		summary.TasksByStatus[string(t.Status)]++
		if t.ChannelID != "" {
			summary.TasksByChannel[t.ChannelID]++
		}
		if t.RetryCount > 0 {
			summary.RetryStats["retries_"+strconv.Itoa(t.RetryCount)]++
		}

		durationMs := float64(t.UpdatedAt.Sub(t.CreatedAt).Milliseconds())
		if durationMs < 0 {
			durationMs = 0
		}
		durations = append(durations, durationMs)

		outcome := models.TaskOutcome{
			TaskID:     t.TaskID,
			Status:     string(t.Status),
			ChannelID:  t.ChannelID,
			DurationMs: durationMs,
			RetryCount: t.RetryCount,
		}
		handlers, err := s.handlersForTask(t.TaskID, start, end)
		if err == nil {
			outcome.Handlers = handlers
			for _, h := range handlers {
				summary.HandlerUsage[h]++
			}
		}
		summary.TaskOutcomes = append(summary.TaskOutcomes, outcome)
	}

	var sum float64
	for _, d := range durations {
		sum += d
	}
	summary.AvgDurationMs = sum / float64(len(durations))
	sort.Float64s(durations)
	summary.P50DurationMs = percentile(durations, 0.5)
	summary.P95DurationMs = percentile(durations, 0.95)
	summary.P99DurationMs = percentile(durations, 0.99)
	summary.CompletionRate = float64(summary.TasksByStatus[string(models.TaskStatusCompleted)]) / float64(len(tasks))
	return summary, len(tasks), nil
}

// handlersForTask lists the handler actions recorded for a task in the
// window, from its trace spans.
func (s *Service) handlersForTask(taskID string, start, end time.Time) ([]string, error) {
	rows, err := store.QueryTimeSeries(s.db, models.TimeSeriesQuery{
		Type:  models.CorrelationTraceSpan,
		Start: start,
		End:   end,
		Tags:  map[string]string{"component_type": "handler", "task_id": taskID},
	})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var handlers []string
	for _, row := range rows {
		if action := row.Tags["action_type"]; action != "" && !seen[action] {
			seen[action] = true
			handlers = append(handlers, action)
		}
	}
	sort.Strings(handlers)
	return handlers, nil
}

// buildAuditSummary aggregates audit entries for the window. The audit_hash
// digests the entry hashes in sequence order so the consolidated window
// stays tamper-evident.
func (s *Service) buildAuditSummary(ctx context.Context, start, end time.Time) (any, int, error) {
	entries, err := s.auditSvc.EntriesInWindow(start, end)
	if err != nil {
		return nil, 0, err
	}
	if len(entries) == 0 {
		return nil, 0, nil
	}

	summary := models.AuditSummary{
		SummaryPeriod:    newPeriod(start, end, len(entries)),
		TotalAuditEvents: len(entries),
		EventsByType:     map[string]int{},
		HashAlgorithm:    "sha256",
	}

	h := sha256.New()
	for _, e := range entries {
		summary.EventsByType[e.EventType]++
		switch e.EventType {
		case models.AuditEventAuthSuccess:
			summary.AuthSuccesses++
		case models.AuditEventAuthFailure:
			summary.AuthFailures++
		case models.AuditEventPermissionDenied:
			summary.PermissionDenials++
		case models.AuditEventConfigChange:
			summary.ConfigChanges++
		}
		h.Write([]byte(e.EntryHash))
	}
	summary.AuditHash = hex.EncodeToString(h.Sum(nil))
	return summary, len(entries), nil
}
