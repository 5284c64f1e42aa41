// Package convo defines the conversation store contract consumed by the turn
// pipeline: per-conversation metadata, the message log, and the transient
// "thinking" payload surfaced while a turn is in flight. Storage backends
// implement Store; the package ships an in-memory implementation for tests
// and single-process deployments.
package convo

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Conversation is the persisted record of one conversation. Its id doubles
	// as the strategy-session id: one conversation owns one strategy session.
	Conversation struct {
		ID    string `json:"id"`
		Title string `json:"title,omitempty"`
		// SiteID selects the external platform instance the conversation's
		// strategies run against.
		SiteID string `json:"siteId,omitempty"`
		// RecordType is the record class of the active strategy, persisted so
		// reconnecting clients can restore context.
		RecordType string `json:"recordType,omitempty"`
		// WdkStrategyID is the external id of the last pushed strategy, zero
		// before the first push.
		WdkStrategyID int `json:"wdkStrategyId,omitempty"`
		// Plans holds the latest canonical plan artifact per graph id.
		Plans map[string]PlanArtifact `json:"plans,omitempty"`
		// Snapshots holds the latest persisted graph snapshot per graph id.
		Snapshots map[string]SnapshotRecord `json:"snapshots,omitempty"`
		// Messages is the append-only message log.
		Messages []Message `json:"messages"`
		// Thinking is the in-flight turn activity, nil between turns.
		Thinking  *Thinking `json:"thinking,omitempty"`
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// PlanArtifact is the persisted form of a graph plan: the canonicalized
	// plan payload plus the metadata the UI renders without loading the graph.
	PlanArtifact struct {
		Name        string          `json:"name,omitempty"`
		RecordType  string          `json:"recordType,omitempty"`
		Description string          `json:"description,omitempty"`
		Plan        json.RawMessage `json:"plan,omitempty"`
		UpdatedAt   time.Time       `json:"updatedAt"`
	}

	// SnapshotRecord is one persisted graph snapshot. ID is assigned at
	// persistence time and referenced by strategy_link events as the
	// strategy snapshot id.
	SnapshotRecord struct {
		ID        string          `json:"id"`
		Graph     json.RawMessage `json:"graph"`
		UpdatedAt time.Time       `json:"updatedAt"`
	}

	// Message is one persisted conversation turn. Tool calls and sub-task
	// activity are attached to the last assistant message of the turn that
	// produced them.
	Message struct {
		Role      string            `json:"role"`
		Content   string            `json:"content"`
		ToolCalls []ToolCall        `json:"toolCalls,omitempty"`
		Subtasks  []SubtaskActivity `json:"subtasks,omitempty"`
		CreatedAt time.Time         `json:"createdAt"`
	}

	// ToolCall is the normalized record of one executed tool call.
	ToolCall struct {
		ID   string          `json:"id"`
		Name string          `json:"name"`
		Args json.RawMessage `json:"args,omitempty"`
		// Result is the tool's JSON result, nil when the call failed.
		Result json.RawMessage `json:"result,omitempty"`
		// Error is set when the call failed.
		Error     *ToolFailure  `json:"error,omitempty"`
		StartedAt time.Time     `json:"startedAt,omitempty"`
		Elapsed   time.Duration `json:"elapsed,omitempty"`
	}

	// ToolFailure is the persisted form of a failed tool call.
	ToolFailure struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	}

	// SubtaskActivity summarizes one delegated sub-task: its lifecycle status
	// and the tool calls its sub-agent executed.
	SubtaskActivity struct {
		Task   string     `json:"task"`
		Status string     `json:"status"`
		Rounds int        `json:"rounds,omitempty"`
		Calls  []ToolCall `json:"calls,omitempty"`
		Errors []string   `json:"errors,omitempty"`
	}

	// Thinking is the coalesced in-flight activity of the current turn. The
	// pipeline flushes it to the store at most every two seconds; finalization
	// clears it and folds the payload into the last assistant message.
	Thinking struct {
		ToolCalls []ToolCall        `json:"toolCalls,omitempty"`
		Subtasks  []SubtaskActivity `json:"subtasks,omitempty"`
		UpdatedAt time.Time         `json:"updatedAt"`
	}

	// Patch is a partial conversation update. Nil fields are left unchanged.
	Patch struct {
		Title      *string
		RecordType *string
		// WdkStrategyID replaces the external strategy id. Point at zero to
		// clear it.
		WdkStrategyID *int
		// Plans merges plan artifacts by graph id. A nil artifact removes the
		// entry.
		Plans map[string]*PlanArtifact
		// Snapshots merges snapshot records by graph id. A nil record removes
		// the entry.
		Snapshots map[string]*SnapshotRecord
	}

	// Store persists conversations. Implementations must be safe for
	// concurrent use; the pipeline serializes writes per conversation but
	// different conversations write in parallel.
	Store interface {
		// Get returns the conversation or ErrNotFound.
		Get(ctx context.Context, id string) (*Conversation, error)
		// Create inserts a new conversation. ErrExists when the id is taken.
		Create(ctx context.Context, conv *Conversation) error
		// Update applies a partial update to an existing conversation.
		Update(ctx context.Context, id string, patch Patch) error
		// AppendMessage appends one message to the conversation log.
		AppendMessage(ctx context.Context, id string, msg Message) error
		// UpdateThinking replaces the in-flight thinking payload.
		UpdateThinking(ctx context.Context, id string, thinking *Thinking) error
		// ClearThinking removes the thinking payload.
		ClearThinking(ctx context.Context, id string) error
	}
)

// ErrNotFound is returned when the conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// ErrExists is returned by Create when the conversation id is taken.
var ErrExists = errors.New("conversation already exists")
