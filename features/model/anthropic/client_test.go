package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"stratagem/runtime/model"
)

// stubMessagesClient records the last request and replies with canned values.
type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
	stream     *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) New(_ context.Context, params sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = params
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, params sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = params
	return s.stream
}

func mustMessage(t *testing.T, raw string) *sdk.Message {
	t.Helper()
	var msg sdk.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return &msg
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubMessagesClient{resp: mustMessage(t, `{
  "content": [
    {"type": "thinking", "thinking": "weighing options"},
    {"type": "text", "text": "final answer"}
  ],
  "stop_reason": "end_turn",
  "usage": {"input_tokens": 40, "output_tokens": 12}
}`)}
	c, err := New(stub, Options{DefaultModel: "claude-sonnet-4-20250514", MaxTokens: 2048})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Complete(context.Background(), model.Request{
		System:   "be terse",
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "final answer" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.Thinking != "weighing options" {
		t.Fatalf("unexpected thinking %q", resp.Thinking)
	}
	if resp.StopReason != "end_turn" {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 40 || resp.Usage.OutputTokens != 12 || resp.Usage.TotalTokens != 52 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}

	if got := stub.lastParams.Model; got != "claude-sonnet-4-20250514" {
		t.Fatalf("unexpected model %q", got)
	}
	if stub.lastParams.MaxTokens != 2048 {
		t.Fatalf("unexpected max tokens %d", stub.lastParams.MaxTokens)
	}
	if len(stub.lastParams.System) != 1 || stub.lastParams.System[0].Text != "be terse" {
		t.Fatalf("system prompt not forwarded: %+v", stub.lastParams.System)
	}
}

func TestCompleteToolUse(t *testing.T) {
	stub := &stubMessagesClient{resp: mustMessage(t, `{
  "content": [
    {"type": "tool_use", "id": "tu_1", "name": "add_step", "input": {"search_name": "GenesByText"}}
  ],
  "stop_reason": "tool_use"
}`)}
	c, err := New(stub, Options{DefaultModel: "claude-sonnet-4-20250514", MaxTokens: 4096})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "add a text search"}},
		Tools: []model.ToolDefinition{{
			Name:        "add_step",
			Description: "Add a search step to the strategy.",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "tu_1" || call.Name != "add_step" {
		t.Fatalf("unexpected tool call %+v", call)
	}
	var payload map[string]any
	if err := json.Unmarshal(call.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["search_name"] != "GenesByText" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if resp.StopReason != "tool_use" {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}

	if len(stub.lastParams.Tools) != 1 {
		t.Fatalf("expected one encoded tool, got %d", len(stub.lastParams.Tools))
	}
	tool := stub.lastParams.Tools[0].OfTool
	if tool == nil {
		t.Fatalf("expected plain tool encoding")
	}
	if tool.Name != "add_step" {
		t.Fatalf("unexpected tool name %q", tool.Name)
	}
	if tool.Description.Value != "Add a search step to the strategy." {
		t.Fatalf("unexpected tool description %q", tool.Description.Value)
	}
}

func TestCompleteRateLimited(t *testing.T) {
	stub := &stubMessagesClient{err: &sdk.Error{StatusCode: http.StatusTooManyRequests}}
	c, err := New(stub, Options{DefaultModel: "claude-sonnet-4-20250514", MaxTokens: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected rate-limit classification, got %v", err)
	}
}

func TestCompleteRequiresMaxTokens(t *testing.T) {
	stub := &stubMessagesClient{}
	c, err := New(stub, Options{DefaultModel: "claude-sonnet-4-20250514"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	if err == nil || err.Error() != "anthropic: max_tokens must be positive" {
		t.Fatalf("expected max_tokens error, got %v", err)
	}
}

func TestPrepareRequestThinkingBudget(t *testing.T) {
	stub := &stubMessagesClient{}
	c, err := New(stub, Options{DefaultModel: "claude-sonnet-4-20250514", MaxTokens: 8192})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	base := model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}}

	req := base
	req.Thinking = &model.ThinkingOptions{Enable: true, BudgetTokens: 512}
	if _, err := c.prepareRequest(req); err == nil {
		t.Fatalf("expected error for budget below 1024")
	}

	req = base
	req.Thinking = &model.ThinkingOptions{Enable: true, BudgetTokens: 8192}
	if _, err := c.prepareRequest(req); err == nil {
		t.Fatalf("expected error for budget >= max_tokens")
	}

	req = base
	req.Thinking = &model.ThinkingOptions{Enable: true, BudgetTokens: 2048}
	params, err := c.prepareRequest(req)
	if err != nil {
		t.Fatalf("prepareRequest: %v", err)
	}
	enabled := params.Thinking.OfEnabled
	if enabled == nil || enabled.BudgetTokens != 2048 {
		t.Fatalf("thinking config not set: %+v", params.Thinking)
	}
}
