package models

import "strconv"

// RuntimeEventType defines the types of runtime events.
type RuntimeEventType string

const (
	// EventThinkingStart indicates the LLM is processing.
	EventThinkingStart RuntimeEventType = "thinking_start"

	// EventThinkingEnd indicates the LLM has finished processing.
	EventThinkingEnd RuntimeEventType = "thinking_end"

	// EventToolQueued indicates a tool call is queued for execution.
	EventToolQueued RuntimeEventType = "tool_queued"

	// EventToolStarted indicates a tool has started executing.
	EventToolStarted RuntimeEventType = "tool_started"

	// EventToolCompleted indicates a tool has completed successfully.
	EventToolCompleted RuntimeEventType = "tool_completed"

	// EventToolFailed indicates a tool has failed.
	EventToolFailed RuntimeEventType = "tool_failed"

	// EventToolTimeout indicates a tool execution timed out.
	EventToolTimeout RuntimeEventType = "tool_timeout"

	// EventSummarizing indicates conversation summarization is in progress.
	EventSummarizing RuntimeEventType = "summarizing"

	// EventIterationStart indicates a new agentic loop iteration.
	EventIterationStart RuntimeEventType = "iteration_start"

	// EventIterationEnd indicates an agentic loop iteration has ended.
	EventIterationEnd RuntimeEventType = "iteration_end"

	// EventAgentStart marks the beginning of a turn-loop run.
	EventAgentStart RuntimeEventType = "agent_start"

	// EventTurnStart marks the beginning of one turn within a run.
	EventTurnStart RuntimeEventType = "turn_start"

	// EventToolStart marks a tool call beginning execution within a turn.
	EventToolStart RuntimeEventType = "tool_start"

	// EventToolEnd marks a tool call finishing execution within a turn.
	EventToolEnd RuntimeEventType = "tool_end"

	// EventTurnEnd marks the end of one turn within a run.
	EventTurnEnd RuntimeEventType = "turn_end"

	// EventAgentEnd marks the end of a turn-loop run.
	EventAgentEnd RuntimeEventType = "agent_end"

	// EventMessage marks a message being appended to the session (Role
	// distinguishes User/Assistant/Tool/System).
	EventMessage RuntimeEventType = "message"

	// EventCostBudgetAlert marks a cost-budget threshold being crossed.
	EventCostBudgetAlert RuntimeEventType = "cost_budget_alert"
)

// RuntimeEvent represents a lifecycle event during agent processing.
// These events provide observability into the agent's execution flow.
type RuntimeEvent struct {
	// Type identifies the kind of event.
	Type RuntimeEventType `json:"type"`

	// Message is a human-readable description of the event.
	Message string `json:"message,omitempty"`

	// ToolName is the name of the tool (for tool events).
	ToolName string `json:"tool_name,omitempty"`

	// ToolCallID is the ID of the tool call (for tool events).
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Iteration is the current agentic loop iteration (0-indexed).
	Iteration int `json:"iteration,omitempty"`

	// TurnIndex is the 1-based turn number, for turn_start/turn_end events.
	TurnIndex int `json:"turn_index,omitempty"`

	// Role distinguishes message events (User/Assistant/Tool/System).
	Role string `json:"role,omitempty"`

	// Meta contains additional event-specific metadata.
	Meta map[string]any `json:"meta,omitempty"`
}

// SpecLabel renders the event's canonical label, matching the turn-loop
// event-sequence contract (e.g. "turn_start:1", "tool_start:read",
// "message:User").
func (e RuntimeEvent) SpecLabel() string {
	switch e.Type {
	case EventTurnStart, EventTurnEnd:
		return string(e.Type) + ":" + strconv.Itoa(e.TurnIndex)
	case EventToolStart, EventToolEnd:
		return string(e.Type) + ":" + e.ToolName
	case EventMessage:
		return string(e.Type) + ":" + e.Role
	default:
		return string(e.Type)
	}
}

// NewToolEvent creates a new tool lifecycle event.
func NewToolEvent(eventType RuntimeEventType, toolName, toolCallID string) *RuntimeEvent {
	return &RuntimeEvent{
		Type:       eventType,
		ToolName:   toolName,
		ToolCallID: toolCallID,
	}
}

// WithMessage adds a message to the event.
func (e *RuntimeEvent) WithMessage(msg string) *RuntimeEvent {
	e.Message = msg
	return e
}

// WithIteration adds the iteration number to the event.
func (e *RuntimeEvent) WithIteration(iter int) *RuntimeEvent {
	e.Iteration = iter
	return e
}

// WithMeta adds metadata to the event.
func (e *RuntimeEvent) WithMeta(key string, value any) *RuntimeEvent {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}
