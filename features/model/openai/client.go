// Package openai implements model.Client on top of the OpenAI Chat
// Completions API. It translates the normalized request/response types into
// chat.completions calls using github.com/openai/openai-go and maps text,
// tool-call, and usage fields back.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"stratagem/runtime/model"
)

type (
	// CompletionsClient captures the subset of the OpenAI SDK client used by
	// the adapter. It is satisfied by *sdk.ChatCompletionService so tests can
	// pass a mock.
	CompletionsClient interface {
		New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is the model identifier used when model.Request.Model
		// is empty. Required.
		DefaultModel string

		// MaxTokens caps completions when a request does not set MaxTokens.
		// Zero leaves the cap to the provider.
		MaxTokens int

		// Temperature applies when a request does not set one.
		Temperature float64
	}

	// Client implements model.Client over OpenAI Chat Completions.
	Client struct {
		chat         CompletionsClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

// New builds the adapter from an OpenAI chat completions client.
func New(chat CompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP transport.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, opts)
}

var _ model.Client = (*Client)(nil)

// Complete issues a non-streaming chat.completions request.
func (c *Client) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	completion, err := c.chat.New(ctx, *params)
	if err != nil {
		return nil, wrapProviderError("chat.completions.new", err)
	}
	return translateResponse(completion)
}

// Stream reports that this adapter does not stream; callers fall back to
// Complete per the model.Client contract.
func (c *Client) Stream(context.Context, model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func (c *Client) prepareRequest(req model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, err := encodeMessages(req.System, req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: msgs,
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return &params, nil
}

// encodeMessages renders the flat conversation into chat message params. The
// system prompt leads as a system message; tool results keep their own tool
// turns keyed by tool_call_id.
func encodeMessages(system string, msgs []model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, sdk.SystemMessage(system))
	}
	for _, m := range msgs {
		if m.ToolID != "" {
			out = append(out, sdk.ToolMessage(m.Content, m.ToolID))
			continue
		}
		switch m.Role {
		case model.RoleUser:
			if m.Content == "" {
				continue
			}
			out = append(out, sdk.UserMessage(m.Content))
		case model.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				if m.Content == "" {
					continue
				}
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			out = append(out, assistantWithToolCalls(m))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one user or assistant message is required")
	}
	return out, nil
}

func assistantWithToolCalls(m model.Message) sdk.ChatCompletionMessageParamUnion {
	assistant := sdk.ChatCompletionAssistantMessageParam{}
	if m.Content != "" {
		assistant.Content = sdk.ChatCompletionAssistantMessageParamContentUnion{OfString: sdk.String(m.Content)}
	}
	for _, tc := range m.ToolCalls {
		assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: string(tc.Payload),
				},
			},
		})
	}
	return sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func encodeTools(defs []model.ToolDefinition) []sdk.ChatCompletionToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		fn := sdk.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if def.InputSchema != nil {
			fn.Parameters = sdk.FunctionParameters(def.InputSchema)
		}
		out = append(out, sdk.ChatCompletionToolUnionParam{
			OfFunction: &sdk.ChatCompletionFunctionToolParam{Function: fn},
		})
	}
	return out
}

func translateResponse(completion *sdk.ChatCompletion) (*model.Response, error) {
	if completion == nil {
		return nil, errors.New("openai: response is nil")
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	choice := completion.Choices[0]
	resp := &model.Response{
		Text:       choice.Message.Content,
		StopReason: choice.FinishReason,
	}
	for _, call := range choice.Message.ToolCalls {
		args := call.Function.Arguments
		if args == "" {
			args = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
			ID:      call.ID,
			Name:    call.Function.Name,
			Payload: json.RawMessage(args),
		})
	}
	if u := completion.Usage; u.PromptTokens != 0 || u.CompletionTokens != 0 {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(u.PromptTokens),
			OutputTokens: int(u.CompletionTokens),
			TotalTokens:  int(u.TotalTokens),
		}
	}
	return resp, nil
}

// wrapProviderError maps SDK failures onto the normalized error vocabulary.
// Rate-limit rejections wrap model.ErrRateLimited so the adaptive limiter can
// key its backoff on them.
func wrapProviderError(op string, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: openai %s: %w", model.ErrRateLimited, op, err)
	}
	return fmt.Errorf("openai %s: %w", op, err)
}
