// Package modelagent implements subagent.Agent over a model.Client: a bounded
// plan/execute loop that streams one model response, dispatches the tool calls
// it requested through the round's registry, folds the results back into the
// conversation, and stops when the model answers without tools.
//
// The same agent instance serves top-level turns and delegated sub-tasks. A
// round carrying a task name emits the subkani_* tool-call events; a top-level
// round emits tool_call_* events plus assistant_message and reasoning.
package modelagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"stratagem/runtime/model"
	"stratagem/runtime/subagent"
	"stratagem/runtime/telemetry"
	"stratagem/runtime/tools"
	"stratagem/runtime/turn"
)

// defaultMaxIterations bounds model invocations within one round. Rounds that
// hit the bound return whatever they produced; the sub-task runner decides
// whether to retry.
const defaultMaxIterations = 12

type (
	// Options configures the agent.
	Options struct {
		// MaxIterations caps model invocations per round. Zero means 12.
		MaxIterations int

		// Logger receives per-iteration diagnostics. Nil means silent.
		Logger telemetry.Logger
	}

	// Agent is the model-backed subagent.Agent.
	Agent struct {
		client  model.Client
		maxIter int
		log     telemetry.Logger
	}
)

// New builds an agent over the given model client.
func New(client model.Client, opts Options) (*Agent, error) {
	if client == nil {
		return nil, errors.New("modelagent: model client is required")
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Agent{client: client, maxIter: maxIter, log: log}, nil
}

var _ subagent.Agent = (*Agent)(nil)

// RunRound drives the plan/execute loop once. The returned result carries the
// final assistant text and every executed tool call; an error is returned only
// for model transport failures and context cancellation, never for tool
// failures (those are folded back into the conversation for the model to
// react to).
func (a *Agent) RunRound(ctx context.Context, in subagent.RoundInput) (*subagent.RoundResult, error) {
	if in.Prompt == "" {
		return nil, errors.New("modelagent: prompt is required")
	}

	msgs := make([]model.Message, 0, len(in.History)+1)
	msgs = append(msgs, in.History...)
	msgs = append(msgs, model.Message{Role: model.RoleUser, Content: in.Prompt})

	defs := toolDefinitions(in.Tools)
	result := &subagent.RoundResult{}

	for iter := 1; iter <= a.maxIter; iter++ {
		resp, err := a.invoke(ctx, in, model.Request{
			System:   in.System,
			Messages: msgs,
			Tools:    defs,
		})
		if err != nil {
			return result, err
		}

		if resp.Text != "" {
			result.Text = resp.Text
			if in.Task == "" {
				a.emit(ctx, in, turn.EventAssistantMessage, &turn.AssistantMessage{Content: resp.Text})
			}
		}

		if len(resp.ToolCalls) == 0 {
			return result, nil
		}

		calls := withCallIDs(resp.ToolCalls)
		msgs = append(msgs, model.Message{
			Role:      model.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: calls,
		})

		for _, call := range calls {
			rec := a.executeCall(ctx, in, call)
			result.ToolCalls = append(result.ToolCalls, rec)
			if rec.Err != nil {
				result.ToolErrors = append(result.ToolErrors, rec.Err.Error())
			}
			msgs = append(msgs, toolResultMessage(rec))
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
		}

		a.log.Debug(ctx, "round iteration executed",
			"task", in.Task, "iteration", iter, "toolCalls", len(calls))
	}

	a.log.Warn(ctx, "round exhausted its iteration budget",
		"task", in.Task, "iterations", a.maxIter)
	return result, nil
}

// invoke prefers streaming and falls back to Complete for providers without
// stream support. Reasoning deltas of top-level rounds are emitted as they
// arrive; text is always delivered whole per iteration.
func (a *Agent) invoke(ctx context.Context, in subagent.RoundInput, req model.Request) (*model.Response, error) {
	stream, err := a.client.Stream(ctx, req)
	if err != nil {
		if errors.Is(err, model.ErrStreamingUnsupported) {
			resp, cerr := a.client.Complete(ctx, req)
			if cerr != nil {
				return nil, cerr
			}
			if resp.Thinking != "" && in.Task == "" {
				a.emit(ctx, in, turn.EventReasoning, &turn.Reasoning{Text: resp.Thinking})
			}
			return resp, nil
		}
		return nil, err
	}
	return a.drain(ctx, in, stream)
}

func (a *Agent) drain(ctx context.Context, in subagent.RoundInput, stream model.Streamer) (*model.Response, error) {
	defer func() {
		_ = stream.Close()
	}()

	resp := &model.Response{}
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return resp, nil
			}
			return nil, err
		}
		switch chunk.Type {
		case model.ChunkText:
			resp.Text += chunk.Text
		case model.ChunkThinking:
			if chunk.Thinking == "" {
				continue
			}
			resp.Thinking += chunk.Thinking
			if in.Task == "" {
				a.emit(ctx, in, turn.EventReasoning, &turn.Reasoning{Text: chunk.Thinking})
			}
		case model.ChunkToolCall:
			if chunk.ToolCall == nil || chunk.ToolCall.Name == "" {
				continue
			}
			resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
		case model.ChunkUsage:
			if chunk.Usage != nil {
				resp.Usage = model.TokenUsage{
					InputTokens:  resp.Usage.InputTokens + chunk.Usage.InputTokens,
					OutputTokens: resp.Usage.OutputTokens + chunk.Usage.OutputTokens,
					TotalTokens:  resp.Usage.TotalTokens + chunk.Usage.TotalTokens,
				}
			}
		case model.ChunkStop:
			resp.StopReason = chunk.StopReason
		}
	}
}

// executeCall dispatches one tool call and reports it through the round's
// emitter. Failures become structured records, never errors; the caller folds
// them back into the conversation.
func (a *Agent) executeCall(ctx context.Context, in subagent.RoundInput, call model.ToolCall) subagent.ToolCallRecord {
	rec := subagent.ToolCallRecord{
		CallID: call.ID,
		Name:   call.Name,
		Args:   call.Payload,
	}

	if in.Task == "" {
		a.emit(ctx, in, turn.EventToolCallStart, &turn.ToolCallStart{
			CallID: call.ID, Name: call.Name, Args: call.Payload,
		})
	} else {
		a.emit(ctx, in, turn.EventSubtaskToolCallStart, &turn.SubtaskToolCallStart{
			Task: in.Task, CallID: call.ID, Name: call.Name, Args: call.Payload,
		})
	}

	started := time.Now()
	if in.Tools == nil {
		rec.Err = tools.NewError(tools.CodeUnknownTool, "no tools available in this round")
	} else {
		raw, err := in.Tools.Invoke(ctx, call.Name, call.Payload)
		if err != nil {
			rec.Err = tools.FromError(err)
		} else {
			rec.Result = raw
		}
	}
	rec.Elapsed = time.Since(started)

	if in.Task == "" {
		a.emit(ctx, in, turn.EventToolCallEnd, &turn.ToolCallEnd{
			CallID: call.ID, Name: call.Name, Result: rec.Result, Error: toolErrorData(rec.Err),
		})
	} else {
		a.emit(ctx, in, turn.EventSubtaskToolCallEnd, &turn.SubtaskToolCallEnd{
			Task: in.Task, CallID: call.ID, Name: call.Name, Result: rec.Result, Error: toolErrorData(rec.Err),
		})
	}
	return rec
}

func (a *Agent) emit(ctx context.Context, in subagent.RoundInput, t turn.EventType, data any) {
	if in.Emit == nil {
		return
	}
	if err := in.Emit(ctx, turn.NewEvent(t, data)); err != nil {
		a.log.Warn(ctx, "round event emission failed",
			"task", in.Task, "type", string(t), "err", err)
	}
}

// toolDefinitions renders the registry's specs into the model's tool schema
// form. A nil registry means the round runs without tools.
func toolDefinitions(reg *tools.Registry) []model.ToolDefinition {
	if reg == nil {
		return nil
	}
	specs := reg.Specs()
	defs := make([]model.ToolDefinition, 0, len(specs))
	for _, spec := range specs {
		def := model.ToolDefinition{Name: spec.Name, Description: spec.Description}
		if len(spec.Schema) > 0 {
			var schema map[string]any
			if err := json.Unmarshal(spec.Schema, &schema); err == nil {
				def.InputSchema = schema
			}
		}
		if def.InputSchema == nil {
			def.InputSchema = map[string]any{"type": "object"}
		}
		defs = append(defs, def)
	}
	return defs
}

// withCallIDs fills in generated ids for calls the provider left unnamed so
// result messages stay correlated.
func withCallIDs(calls []model.ToolCall) []model.ToolCall {
	out := make([]model.ToolCall, len(calls))
	copy(out, calls)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = "call_" + uuid.NewString()[:8]
		}
	}
	return out
}

func toolResultMessage(rec subagent.ToolCallRecord) model.Message {
	msg := model.Message{Role: model.RoleTool, ToolID: rec.CallID}
	if rec.Err != nil {
		msg.IsError = true
		msg.Content = toolErrorJSON(rec.Err)
		return msg
	}
	msg.Content = string(rec.Result)
	return msg
}

// toolErrorJSON renders a failed call's result content. The envelope keys the
// error object under "error" so models distinguish failures from result
// objects that themselves contain code fields.
func toolErrorJSON(te *tools.Error) string {
	raw, err := json.Marshal(map[string]any{"error": te})
	if err != nil {
		return fmt.Sprintf(`{"error":{"code":%q,"message":%q}}`, te.Code, te.Message)
	}
	return string(raw)
}

func toolErrorData(te *tools.Error) *turn.ToolErrorData {
	if te == nil {
		return nil
	}
	return &turn.ToolErrorData{Code: te.Code, Message: te.Message, Details: te.Details}
}
