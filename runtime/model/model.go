// Package model defines the provider-agnostic contract for LLM chat
// completion clients. Implementations wrap provider SDKs (Anthropic, OpenAI)
// and translate the normalized Request/Response/Chunk types into
// provider-specific formats. The orchestration core drives agents exclusively
// through this seam so tests can substitute scripted clients.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Client is the contract agents use to invoke chat completions. Clients
	// must be safe for concurrent use; one client instance is shared across
	// every sub-agent of a turn.
	Client interface {
		// Complete sends a chat completion request and returns the full
		// response. Rate-limit rejections are reported as errors wrapping
		// ErrRateLimited so middleware can distinguish them from terminal
		// failures.
		Complete(ctx context.Context, req Request) (*Response, error)

		// Stream sends a chat completion request and returns a Streamer
		// yielding incremental chunks (text, thinking, tool calls, usage).
		// The returned Streamer must be closed by the caller. Providers
		// without streaming support return ErrStreamingUnsupported; callers
		// fall back to Complete.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Recv returns chunks until
	// io.EOF. Recv is single-goroutine; Close releases the underlying
	// transport and may be called concurrently with Recv.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
	}

	// Role classifies a chat message.
	Role string

	// Request captures the normalized parameters of one model invocation.
	Request struct {
		// Model is the provider-specific model identifier. Empty selects the
		// adapter's configured default.
		Model string
		// System is the system prompt, kept out of the message sequence
		// because providers disagree on its framing.
		System string
		// Messages is the ordered conversation: user and assistant turns plus
		// tool-call/tool-result framing from prior rounds.
		Messages []Message
		// Tools lists the tool schemas exposed for this call. Empty disables
		// tool calling.
		Tools []ToolDefinition
		// Temperature controls sampling. Zero uses the adapter default.
		Temperature float64
		// MaxTokens caps completion length. Zero uses the adapter default.
		MaxTokens int
		// Thinking enables provider thinking modes when non-nil.
		Thinking *ThinkingOptions
	}

	// Message is one turn of the conversation. The zero framing (no tool
	// calls, no ToolID) is a plain content turn; assistant turns that
	// requested tools carry ToolCalls; tool-result turns carry the ToolID of
	// the call they answer.
	Message struct {
		Role    Role
		Content string
		// ToolCalls holds the tool invocations an assistant turn requested.
		ToolCalls []ToolCall
		// ToolID marks a tool-result turn: the id of the call Content answers.
		ToolID string
		// IsError marks a tool-result turn whose content is an error payload.
		IsError bool
	}

	// ToolDefinition describes one tool schema passed to the provider.
	ToolDefinition struct {
		Name        string
		Description string
		// InputSchema is the decoded JSON Schema object for the tool's
		// arguments.
		InputSchema map[string]any
	}

	// ToolCall is a tool invocation requested by the model. Payload is the
	// raw JSON argument object exactly as the model produced it; validation
	// happens at dispatch.
	ToolCall struct {
		// ID is the provider-assigned call id, echoed back in the matching
		// tool-result message.
		ID      string
		Name    string
		Payload json.RawMessage
	}

	// Response is the full result of a Complete call.
	Response struct {
		// Text is the assistant's text content, possibly empty when the
		// model only requested tools.
		Text string
		// Thinking is the model's reasoning text when thinking was enabled.
		Thinking string
		// ToolCalls lists requested tool invocations in emission order.
		ToolCalls []ToolCall
		// Usage reports token counts when the provider supplies them.
		Usage TokenUsage
		// StopReason is the provider's termination reason, untranslated.
		StopReason string
	}

	// Chunk is one streaming event. Type selects which payload field is set.
	Chunk struct {
		Type ChunkType
		// Text is an assistant text delta (ChunkText).
		Text string
		// Thinking is a reasoning delta (ChunkThinking).
		Thinking string
		// ToolCall is a completed tool invocation (ChunkToolCall). Adapters
		// buffer argument fragments internally and emit whole calls only.
		ToolCall *ToolCall
		// Usage is an incremental usage report (ChunkUsage).
		Usage *TokenUsage
		// StopReason is the termination reason (ChunkStop).
		StopReason string
	}

	// ChunkType discriminates streaming events.
	ChunkType string

	// ThinkingOptions enables provider thinking modes.
	ThinkingOptions struct {
		Enable bool
		// BudgetTokens caps thinking output. Zero uses the adapter default.
		BudgetTokens int
	}

	// TokenUsage records token counts when the provider reports them.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}
)

const (
	// RoleUser is an end-user turn.
	RoleUser Role = "user"
	// RoleAssistant is a model turn.
	RoleAssistant Role = "assistant"
	// RoleTool is a tool-result turn answering an assistant tool call.
	RoleTool Role = "tool"
)

const (
	// ChunkText carries an assistant text delta.
	ChunkText ChunkType = "text"
	// ChunkThinking carries a reasoning delta.
	ChunkThinking ChunkType = "thinking"
	// ChunkToolCall carries one completed tool invocation.
	ChunkToolCall ChunkType = "tool_call"
	// ChunkUsage carries an incremental token usage report.
	ChunkUsage ChunkType = "usage"
	// ChunkStop carries the stream termination reason.
	ChunkStop ChunkType = "stop"
)

// IsPlain reports whether the message is a plain user or assistant content
// turn with no tool-call framing. Only plain turns cross the agent/sub-agent
// history boundary.
func (m Message) IsPlain() bool {
	return (m.Role == RoleUser || m.Role == RoleAssistant) &&
		len(m.ToolCalls) == 0 && m.ToolID == ""
}

// ErrRateLimited marks provider rate-limit rejections. Adapters wrap it so
// errors.Is works across providers; the adaptive limiter middleware keys its
// backoff on it.
var ErrRateLimited = errors.New("model: rate limited")

// ErrStreamingUnsupported indicates the provider does not implement streaming
// for the requested model or parameters. Callers fall back to Complete.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")
