package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dotcommander/ciris/internal/audit"
	"github.com/dotcommander/ciris/internal/bus"
	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/store"
)

// Buses bundles the typed buses a dispatcher invokes.
type Buses struct {
	Communication *bus.CommunicationBus
	Memory        *bus.MemoryBus
	Tool          *bus.ToolBus
	WiseAuthority *bus.WiseAuthorityBus
}

// DispatchOutcome is what a handler reports back to the processor.
type DispatchOutcome struct {
	ThoughtStatus models.ThoughtStatus
	Requeued      bool
	Detail        string
}

// Dispatcher maps each action variant to a handler that invokes the
// appropriate bus. Every dispatch writes an audit entry and a trace
// correlation recording the action, parameters and outcome.
type Dispatcher struct {
	db    *sql.DB
	buses Buses
	audit *audit.Service
	sink  bus.CorrelationSink
}

// NewDispatcher builds an action dispatcher.
func NewDispatcher(db *sql.DB, buses Buses, auditSvc *audit.Service, sink bus.CorrelationSink) *Dispatcher {
	return &Dispatcher{db: db, buses: buses, audit: auditSvc, sink: sink}
}

// Dispatch routes the action to its handler, persists the thought's final
// state, and audits the outcome. Handler failures come back as outcome
// detail, never as a raised error that could escape the round.
func (d *Dispatcher) Dispatch(ctx context.Context, thought *models.Thought, action *models.HandlerAction) DispatchOutcome {
	handlerName := "handle_" + string(action.Type)
	started := time.Now()

	outcome := d.invoke(ctx, thought, action, handlerName)

	d.recordTrace(thought, action, handlerName, outcome, time.Since(started))
	d.auditAction(thought, action, handlerName, outcome)

	if outcome.Requeued {
		return outcome
	}
	if err := store.CompleteThought(d.db, thought.ThoughtID, outcome.ThoughtStatus, action); err != nil {
		slog.Default().Error("failed to finalise thought", "thought_id", thought.ThoughtID, "error", err)
	}
	return outcome
}

//nolint:gocognit,gocyclo // one branch per action variant is the shape of a dispatcher
func (d *Dispatcher) invoke(ctx context.Context, thought *models.Thought, action *models.HandlerAction, handlerName string) DispatchOutcome {
	switch action.Type {
	case models.ActionSpeak:
		ok := d.buses.Communication.SendMessageSync(ctx, action.Speak.ChannelID, action.Speak.Content, handlerName)
		if !ok {
			return DispatchOutcome{ThoughtStatus: models.ThoughtStatusFailed, Detail: "send failed"}
		}
		return DispatchOutcome{ThoughtStatus: models.ThoughtStatusCompleted}

	case models.ActionObserve:
		msgs := d.buses.Communication.FetchMessages(ctx, action.Observe.ChannelID, 20, handlerName)
		return DispatchOutcome{
			ThoughtStatus: models.ThoughtStatusCompleted,
			Detail:        fmt.Sprintf("fetched %d messages", len(msgs)),
		}

	case models.ActionMemorize:
		result := d.buses.Memory.Memorize(ctx, &action.Memorize.Node, handlerName)
		if result.Status != models.MemoryOpOK {
			return DispatchOutcome{ThoughtStatus: models.ThoughtStatusFailed, Detail: result.Reason}
		}
		return DispatchOutcome{ThoughtStatus: models.ThoughtStatusCompleted, Detail: "memorized " + result.NodeID}

	case models.ActionRecall:
		nodes := d.buses.Memory.Recall(ctx, action.Recall.Query, handlerName)
		return DispatchOutcome{
			ThoughtStatus: models.ThoughtStatusCompleted,
			Detail:        fmt.Sprintf("recalled %d nodes", len(nodes)),
		}

	case models.ActionForget:
		result := d.buses.Memory.Forget(ctx, action.Forget.NodeID, action.Forget.Scope, action.Forget.Reason, handlerName)
		if result.Status != models.MemoryOpOK {
			return DispatchOutcome{ThoughtStatus: models.ThoughtStatusFailed, Detail: result.Reason}
		}
		return DispatchOutcome{ThoughtStatus: models.ThoughtStatusCompleted, Detail: "forgot " + action.Forget.NodeID}

	case models.ActionTool:
		result := d.buses.Tool.Execute(ctx, action.Tool.Name, action.Tool.Parameters, handlerName)
		if !result.Success {
			return DispatchOutcome{ThoughtStatus: models.ThoughtStatusFailed, Detail: result.Error}
		}
		return DispatchOutcome{ThoughtStatus: models.ThoughtStatusCompleted, Detail: "tool " + action.Tool.Name}

	case models.ActionPonder:
		if err := store.RequeueThoughtWithPonder(d.db, thought.ThoughtID, action.Ponder.Questions); err != nil {
			slog.Default().Error("failed to requeue pondering thought", "thought_id", thought.ThoughtID, "error", err)
			return DispatchOutcome{ThoughtStatus: models.ThoughtStatusFailed, Detail: err.Error()}
		}
		return DispatchOutcome{Requeued: true, ThoughtStatus: models.ThoughtStatusPending}

	case models.ActionDefer:
		d.buses.WiseAuthority.SendDeferral(ctx, models.DeferralContext{
			ThoughtID: thought.ThoughtID,
			TaskID:    thought.SourceTaskID,
			Reason:    action.Defer.Reason,
			Metadata:  action.Defer.Metadata,
		}, handlerName)
		if err := store.UpdateTaskStatus(d.db, thought.SourceTaskID, models.TaskStatusDeferred); err != nil {
			slog.Default().Warn("failed to defer task", "task_id", thought.SourceTaskID, "error", err)
		}
		return DispatchOutcome{ThoughtStatus: models.ThoughtStatusDeferred, Detail: action.Defer.Reason}

	case models.ActionReject:
		return DispatchOutcome{ThoughtStatus: models.ThoughtStatusFailed, Detail: "rejected: " + action.Reject.Reason}

	case models.ActionTaskComplete:
		if err := store.UpdateTaskStatus(d.db, thought.SourceTaskID, models.TaskStatusCompleted); err != nil {
			slog.Default().Warn("failed to complete task", "task_id", thought.SourceTaskID, "error", err)
		}
		return DispatchOutcome{ThoughtStatus: models.ThoughtStatusCompleted, Detail: "task complete"}

	default:
		return DispatchOutcome{ThoughtStatus: models.ThoughtStatusFailed, Detail: "unknown action type"}
	}
}

func (d *Dispatcher) recordTrace(thought *models.Thought, action *models.HandlerAction, handlerName string, outcome DispatchOutcome, elapsed time.Duration) {
	if d.sink == nil {
		return
	}
	status := models.CorrelationStatusCompleted
	if outcome.ThoughtStatus == models.ThoughtStatusFailed {
		status = models.CorrelationStatusFailed
	}
	resp, _ := json.Marshal(map[string]any{
		"outcome":           string(outcome.ThoughtStatus),
		"detail":            outcome.Detail,
		"execution_time_ms": float64(elapsed.Milliseconds()),
	})
	req, _ := json.Marshal(action)
	d.sink.Record(&models.ServiceCorrelation{
		Type:         models.CorrelationTraceSpan,
		ServiceType:  models.ServiceCommunication,
		HandlerName:  handlerName,
		ActionType:   string(action.Type),
		RequestData:  req,
		ResponseData: resp,
		Status:       status,
		Timestamp:    time.Now().UTC(),
		Tags: map[string]string{
			"component_type": "handler",
			"task_id":        thought.SourceTaskID,
			"thought_id":     thought.ThoughtID,
			"action_type":    string(action.Type),
		},
	})
}

func (d *Dispatcher) auditAction(thought *models.Thought, action *models.HandlerAction, handlerName string, outcome DispatchOutcome) {
	if d.audit == nil {
		return
	}
	payload := map[string]any{
		"action":     action,
		"thought_id": thought.ThoughtID,
		"task_id":    thought.SourceTaskID,
		"outcome":    string(outcome.ThoughtStatus),
		"detail":     outcome.Detail,
	}
	if _, err := d.audit.Log(models.AuditEventHandlerAction, handlerName, payload); err != nil {
		slog.Default().Error("failed to audit handler action", "handler", handlerName, "error", err)
	}
}
