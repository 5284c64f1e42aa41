// Package turn implements the turn event pipeline: the event catalog streamed
// to clients during one conversational turn, the SSE framing for it, and the
// Pipeline that coalesces per-turn activity into persisted conversation state.
//
// Events flow one way: the agent runtime produces them through an Emitter, the
// Pipeline updates its per-turn state and fans each event out to its sinks
// (the SSE response, optionally a Pulse stream) in emission order.
package turn

import (
	"context"
	"encoding/json"
	"time"

	"stratagem/runtime/strategy"
)

// EventType discriminates turn events. The values are wire strings; clients
// must tolerate types they do not know.
type EventType string

const (
	// EventMessageStart opens the turn stream.
	EventMessageStart EventType = "message_start"
	// EventAssistantMessage carries one assistant text message.
	EventAssistantMessage EventType = "assistant_message"
	// EventToolCallStart announces a top-level agent tool call.
	EventToolCallStart EventType = "tool_call_start"
	// EventToolCallEnd carries the result of a top-level tool call.
	EventToolCallEnd EventType = "tool_call_end"
	// EventSubtaskStart announces a delegated sub-task.
	EventSubtaskStart EventType = "subkani_task_start"
	// EventSubtaskToolCallStart announces a tool call inside a sub-task.
	EventSubtaskToolCallStart EventType = "subkani_tool_call_start"
	// EventSubtaskToolCallEnd carries a sub-task tool call result.
	EventSubtaskToolCallEnd EventType = "subkani_tool_call_end"
	// EventSubtaskEnd reports a sub-task's terminal status.
	EventSubtaskEnd EventType = "subkani_task_end"
	// EventSubtaskRetry reports a sub-task retry round.
	EventSubtaskRetry EventType = "subkani_task_retry"
	// EventStrategyUpdate reports one step added to a graph. The pipeline
	// dedupes by step id: only the first event per step escapes.
	EventStrategyUpdate EventType = "strategy_update"
	// EventGraphSnapshot carries a full graph snapshot.
	EventGraphSnapshot EventType = "graph_snapshot"
	// EventGraphPlan carries the canonicalized plan for a graph.
	EventGraphPlan EventType = "graph_plan"
	// EventGraphCleared reports that a graph was emptied.
	EventGraphCleared EventType = "graph_cleared"
	// EventGraphDeleted reports that a graph was deleted.
	EventGraphDeleted EventType = "graph_deleted"
	// EventStrategyLink carries the external link of a pushed strategy.
	EventStrategyLink EventType = "strategy_link"
	// EventStrategyMeta carries derived strategy name and description.
	EventStrategyMeta EventType = "strategy_meta"
	// EventPlanningArtifact carries an intermediate planning document.
	EventPlanningArtifact EventType = "planning_artifact"
	// EventCitations carries literature citations for the current answer.
	EventCitations EventType = "citations"
	// EventReasoning carries model reasoning deltas.
	EventReasoning EventType = "reasoning"
	// EventPlanUpdate carries the agent's task-list progress.
	EventPlanUpdate EventType = "plan_update"
	// EventExecutorBuildRequest asks the executor surface to build a strategy.
	EventExecutorBuildRequest EventType = "executor_build_request"
	// EventError reports a non-fatal turn error. The stream continues.
	EventError EventType = "error"
	// EventMessageEnd closes the turn stream.
	EventMessageEnd EventType = "message_end"
)

type (
	// Event is one discriminated turn event: a type tag plus its typed
	// payload. TurnID and Time are stamped by the pipeline on ingestion;
	// producers leave them zero.
	Event struct {
		Type   EventType `json:"type"`
		TurnID string    `json:"turn_id,omitempty"`
		Time   time.Time `json:"timestamp,omitempty"`
		Data   any       `json:"data,omitempty"`
	}

	// Emitter accepts one event. The agent runtime, the tool registry, the
	// sub-task runner, and the scheduler all report through an Emitter; the
	// pipeline's OnEvent is the canonical implementation.
	Emitter func(ctx context.Context, ev Event) error

	// Sink delivers events to one transport. Implementations must be safe
	// for concurrent use; the pipeline serializes Send calls per turn but
	// different turns share sink instances.
	Sink interface {
		// Send publishes one event. Errors abort the turn: a dead client
		// must stop the producing agent rather than silently dropping
		// events.
		Send(ctx context.Context, ev Event) error
		// Close releases transport resources. Idempotent.
		Close(ctx context.Context) error
	}

	// MessageStart opens a turn.
	MessageStart struct {
		TurnID         string           `json:"turn_id"`
		ConversationID string           `json:"conversation_id"`
		StrategyID     string           `json:"strategy_id,omitempty"`
		Strategy       *StrategySummary `json:"strategy,omitempty"`
		AuthToken      string           `json:"auth_token,omitempty"`
	}

	// StrategySummary is the minimal strategy context sent on message_start.
	StrategySummary struct {
		ID         string `json:"id"`
		Name       string `json:"name,omitempty"`
		RecordType string `json:"record_type,omitempty"`
		StepCount  int    `json:"step_count"`
	}

	// AssistantMessage is one assistant text message.
	AssistantMessage struct {
		Content string `json:"content"`
	}

	// ToolCallStart announces a tool call.
	ToolCallStart struct {
		CallID string          `json:"call_id"`
		Name   string          `json:"name"`
		Args   json.RawMessage `json:"args,omitempty"`
	}

	// ToolCallEnd reports a tool call result or failure.
	ToolCallEnd struct {
		CallID string          `json:"call_id"`
		Name   string          `json:"name"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  *ToolErrorData  `json:"error,omitempty"`
	}

	// ToolErrorData is the wire form of a failed tool call.
	ToolErrorData struct {
		Code    string         `json:"code,omitempty"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	}

	// SubtaskStart announces one delegated sub-task.
	SubtaskStart struct {
		Task   string `json:"task"`
		NodeID string `json:"node_id,omitempty"`
		Goal   string `json:"goal,omitempty"`
	}

	// SubtaskToolCallStart announces a tool call made by a sub-task's agent.
	SubtaskToolCallStart struct {
		Task   string          `json:"task"`
		CallID string          `json:"call_id"`
		Name   string          `json:"name"`
		Args   json.RawMessage `json:"args,omitempty"`
	}

	// SubtaskToolCallEnd reports a sub-task tool call result.
	SubtaskToolCallEnd struct {
		Task   string          `json:"task"`
		CallID string          `json:"call_id"`
		Name   string          `json:"name"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  *ToolErrorData  `json:"error,omitempty"`
	}

	// SubtaskEnd reports a sub-task's terminal status: "done", "timeout" or
	// "no_steps".
	SubtaskEnd struct {
		Task   string   `json:"task"`
		NodeID string   `json:"node_id,omitempty"`
		Status string   `json:"status"`
		Rounds int      `json:"rounds,omitempty"`
		Errors []string `json:"errors,omitempty"`
	}

	// SubtaskRetry reports the start of a retry round.
	SubtaskRetry struct {
		Task   string   `json:"task"`
		NodeID string   `json:"node_id,omitempty"`
		Round  int      `json:"round"`
		Errors []string `json:"errors,omitempty"`
	}

	// StrategyUpdate reports one step added to a graph. Snapshot is optional;
	// when present the producer follows with a graph_snapshot event.
	StrategyUpdate struct {
		GraphID string         `json:"graph_id"`
		StepID  string         `json:"step_id"`
		Step    *strategy.Step `json:"step,omitempty"`
	}

	// GraphSnapshot carries a full serialized graph.
	GraphSnapshot struct {
		GraphID  string            `json:"graph_id"`
		Snapshot strategy.Snapshot `json:"snapshot"`
	}

	// GraphPlan carries the canonical plan artifact of a graph.
	GraphPlan struct {
		GraphID     string          `json:"graph_id"`
		Name        string          `json:"name,omitempty"`
		RecordType  string          `json:"record_type,omitempty"`
		Description string          `json:"description,omitempty"`
		Plan        json.RawMessage `json:"plan,omitempty"`
	}

	// GraphCleared reports that a graph was emptied.
	GraphCleared struct {
		GraphID string `json:"graph_id"`
	}

	// GraphDeleted reports that a graph was deleted.
	GraphDeleted struct {
		GraphID string `json:"graph_id"`
	}

	// StrategyLink carries the external identity of a pushed strategy. The
	// pipeline buffers links and re-emits them at finalization with
	// StrategySnapshotID set.
	StrategyLink struct {
		GraphID            string `json:"graph_id"`
		StrategyID         int    `json:"strategy_id"`
		Name               string `json:"name,omitempty"`
		URL                string `json:"url,omitempty"`
		StrategySnapshotID string `json:"strategy_snapshot_id,omitempty"`
	}

	// StrategyMeta carries derived strategy metadata.
	StrategyMeta struct {
		GraphID     string `json:"graph_id"`
		Name        string `json:"name,omitempty"`
		Description string `json:"description,omitempty"`
		RecordType  string `json:"record_type,omitempty"`
	}

	// PlanningArtifact carries an intermediate planning document produced by
	// the agent before delegation.
	PlanningArtifact struct {
		Kind    string          `json:"kind"`
		Content json.RawMessage `json:"content,omitempty"`
	}

	// Citations carries literature references supporting the current answer.
	Citations struct {
		Items []Citation `json:"items"`
	}

	// Citation is one literature reference.
	Citation struct {
		Title   string `json:"title,omitempty"`
		URL     string `json:"url,omitempty"`
		Snippet string `json:"snippet,omitempty"`
	}

	// Reasoning carries one model reasoning delta.
	Reasoning struct {
		Text string `json:"text"`
	}

	// PlanUpdate carries the agent's task list.
	PlanUpdate struct {
		Items []PlanItem `json:"items"`
	}

	// PlanItem is one entry of the agent's task list.
	PlanItem struct {
		ID     string `json:"id,omitempty"`
		Task   string `json:"task"`
		Status string `json:"status,omitempty"`
	}

	// ExecutorBuildRequest asks the executor surface to build and run a
	// strategy outside the conversational flow.
	ExecutorBuildRequest struct {
		GraphID string          `json:"graph_id,omitempty"`
		Goal    string          `json:"goal,omitempty"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// ErrorData reports a non-fatal error. The turn continues.
	ErrorData struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	}

	// MessageEnd closes a turn.
	MessageEnd struct {
		TurnID string `json:"turn_id,omitempty"`
		Status string `json:"status,omitempty"`
	}
)

// NewEvent builds an event from a type tag and its payload.
func NewEvent(t EventType, data any) Event {
	return Event{Type: t, Data: data}
}

// MarshalData renders the event payload as a JSON object. A nil payload
// renders as {} so SSE consumers always receive an object.
func (e Event) MarshalData() ([]byte, error) {
	if e.Data == nil {
		return []byte("{}"), nil
	}
	if raw, ok := e.Data.(json.RawMessage); ok {
		if len(raw) == 0 {
			return []byte("{}"), nil
		}
		return raw, nil
	}
	return json.Marshal(e.Data)
}
