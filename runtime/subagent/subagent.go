// Package subagent defines the contract between the orchestration layer and
// an agent implementation. The sub-task runner and the delegation scheduler
// drive agents exclusively through this interface, so tests can substitute
// scripted agents and the model-backed implementation stays swappable.
package subagent

import (
	"context"
	"encoding/json"
	"time"

	"stratagem/runtime/model"
	"stratagem/runtime/tools"
	"stratagem/runtime/turn"
)

type (
	// Agent runs one prompted round: the agent plans against the prompt,
	// executes tool calls, and stops when it produces a final text or runs
	// out of iterations. One round is the unit the sub-task runner retries.
	Agent interface {
		RunRound(ctx context.Context, in RoundInput) (*RoundResult, error)
	}

	// RoundInput is everything one round may see.
	RoundInput struct {
		// Task names the delegated task the round belongs to. Events emitted
		// by the agent carry it so concurrent sub-tasks stay attributable.
		// Empty marks a top-level round.
		Task string
		// Prompt is the user-role task prompt for this round.
		Prompt string
		// System is the system prompt.
		System string
		// History is prior conversation context, already sanitized.
		History []model.Message
		// Tools is the registry the agent may call into.
		Tools *tools.Registry
		// Emit receives the round's streaming events. Nil disables emission.
		Emit turn.Emitter
	}

	// RoundResult summarizes one executed round.
	RoundResult struct {
		// Text is the agent's final assistant text, possibly empty.
		Text string
		// ToolCalls records every tool invocation in execution order.
		ToolCalls []ToolCallRecord
		// ToolErrors collects the failure strings of unsuccessful calls, in
		// order. The sub-task runner folds these into retry preambles.
		ToolErrors []string
	}

	// ToolCallRecord is one executed tool call with its outcome.
	ToolCallRecord struct {
		CallID  string
		Name    string
		Args    json.RawMessage
		Result  json.RawMessage
		Err     *tools.Error
		Elapsed time.Duration
	}
)

// SanitizeHistory strips tool-call framing from a conversation history,
// keeping only plain user and assistant content turns. Providers reject
// histories with dangling tool_use/tool_result pairs, and a sub-agent only
// needs the dialogue, not the mechanics of how earlier turns were produced.
func SanitizeHistory(history []model.Message) []model.Message {
	out := make([]model.Message, 0, len(history))
	for _, m := range history {
		if m.IsPlain() {
			out = append(out, m)
		}
	}
	return out
}
