package models

import (
	"encoding/json"
	"time"
)

// ID Strategy:
// - Audit entries and correlations use monotonic/uuid IDs (append-only ordering)
// - Tasks and Thoughts use string IDs (distributed generation, e.g., "task_1234567890_a3f9")
//
// Append-only logs benefit from sequential IDs; task/thought creation from
// multiple processors benefits from collision-free string IDs.

// TaskStatus represents the current state of a task.
type TaskStatus string

// Task status constants.
const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusDeferred  TaskStatus = "deferred"
)

// IsTerminal returns true if the task has reached a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ThoughtStatus represents the current state of a thought.
type ThoughtStatus string

// Thought status constants.
const (
	ThoughtStatusPending    ThoughtStatus = "pending"
	ThoughtStatusProcessing ThoughtStatus = "processing"
	ThoughtStatusCompleted  ThoughtStatus = "completed"
	ThoughtStatusDeferred   ThoughtStatus = "deferred"
	ThoughtStatusFailed     ThoughtStatus = "failed"
)

// CognitiveState is one of the agent's processing states.
type CognitiveState string

// Cognitive state constants. SHUTDOWN is both the initial and terminal state.
const (
	StateWakeup   CognitiveState = "wakeup"
	StateWork     CognitiveState = "work"
	StatePlay     CognitiveState = "play"
	StateSolitude CognitiveState = "solitude"
	StateDream    CognitiveState = "dream"
	StateShutdown CognitiveState = "shutdown"
)

// Valid reports whether s names a known cognitive state.
func (s CognitiveState) Valid() bool {
	switch s {
	case StateWakeup, StateWork, StatePlay, StateSolitude, StateDream, StateShutdown:
		return true
	}
	return false
}

// Task is a durable unit of agent work. Root tasks have no parent; a non-root
// ACTIVE task must have an ACTIVE-or-COMPLETED parent (orphans are removed at
// startup by maintenance).
type Task struct {
	TaskID       string     `json:"task_id"`
	Description  string     `json:"description"`
	ChannelID    string     `json:"channel_id"`
	Status       TaskStatus `json:"status"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsRoot returns true if the task has no parent.
func (t *Task) IsRoot() bool {
	return t.ParentTaskID == ""
}

// ThoughtContext is the required context carried by every thought. Thoughts
// with a malformed context (missing task or correlation id) are purged at
// startup.
type ThoughtContext struct {
	TaskID        string   `json:"task_id"`
	CorrelationID string   `json:"correlation_id"`
	ChannelID     string   `json:"channel_id,omitempty"`
	PonderNotes   []string `json:"ponder_notes,omitempty"`
}

// Valid reports whether the context carries the mandatory identifiers.
func (c *ThoughtContext) Valid() bool {
	return c != nil && c.TaskID != "" && c.CorrelationID != ""
}

// Thought is a single reasoning step owned by a task. Thoughts exist only
// while their task exists (cascading delete).
type Thought struct {
	ThoughtID      string          `json:"thought_id"`
	SourceTaskID   string          `json:"source_task_id"`
	Status         ThoughtStatus   `json:"status"`
	Content        string          `json:"content"`
	PonderCount    int             `json:"ponder_count"`
	RoundProcessed int             `json:"round_processed,omitempty"`
	FinalAction    *HandlerAction  `json:"final_action,omitempty"`
	Context        *ThoughtContext `json:"context"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IncomingMessage is what transport adapters deliver to the core.
type IncomingMessage struct {
	MessageID  string    `json:"message_id"`
	ChannelID  string    `json:"channel_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// FetchedMessage is returned by communication providers on fetch.
type FetchedMessage struct {
	MessageID  string    `json:"message_id"`
	ChannelID  string    `json:"channel_id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsAgent    bool      `json:"is_agent,omitempty"`
}

// GuidanceContext is submitted to the wise-authority bus when the agent
// needs external guidance.
type GuidanceContext struct {
	ThoughtID string `json:"thought_id"`
	TaskID    string `json:"task_id"`
	Question  string `json:"question"`
}

// DeferralContext is submitted to the wise-authority bus when a thought
// defers to human judgement.
type DeferralContext struct {
	ThoughtID string            `json:"thought_id"`
	TaskID    string            `json:"task_id"`
	Reason    string            `json:"reason"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MemoryOpStatus is the outcome class of a memory operation.
type MemoryOpStatus string

// Memory operation status constants.
const (
	MemoryOpOK       MemoryOpStatus = "ok"
	MemoryOpDeferred MemoryOpStatus = "deferred"
	MemoryOpDenied   MemoryOpStatus = "denied"
	MemoryOpError    MemoryOpStatus = "error"
)

// MemoryOpResult is the typed result every memory bus operation returns.
// Bus-level failures (no provider, provider panic) are converted to a
// result with MemoryOpError rather than surfaced as errors.
type MemoryOpResult struct {
	Status MemoryOpStatus `json:"status"`
	Reason string         `json:"reason,omitempty"`
	NodeID string         `json:"node_id,omitempty"`
}

// MemoryQuery selects nodes for RECALL. NodeID "*" is a wildcard that
// matches any node of the given type. Depth is clamped to [1, 10] and only
// meaningful when IncludeEdges is set.
type MemoryQuery struct {
	NodeID       string     `json:"node_id"`
	Scope        GraphScope `json:"scope"`
	Type         NodeType   `json:"type,omitempty"`
	IncludeEdges bool       `json:"include_edges"`
	Depth        int        `json:"depth"`
	// WAAuthorized marks queries issued under wise-authority approval.
	// The memory service does not read it; IDENTITY-scope writes are gated
	// by memoryservice.MemorizeIdentity instead.
	WAAuthorized bool `json:"wa_authorized,omitempty"`
}

// ToolInfo describes a tool a provider advertises.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	ToolName string          `json:"tool_name"`
	Success  bool            `json:"success"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}
