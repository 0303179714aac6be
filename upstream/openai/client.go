// Package openai implements the upstream client for OpenAI-dialect
// providers on top of the official SDK.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/upstream"
	"github.com/luthienresearch/luthien/wire"
)

type (
	// CompletionsClient is the slice of the SDK the client depends on,
	// kept narrow so tests can substitute a fake.
	CompletionsClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
		NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Options configures the client.
	Options struct {
		// APIKey authenticates against the provider. Required unless
		// Completions is supplied.
		APIKey string
		// BaseURL overrides the provider endpoint, for compatible
		// gateways. Empty means the SDK default.
		BaseURL string
		// Completions substitutes the SDK service, for tests.
		Completions CompletionsClient
	}

	// Client calls an OpenAI-dialect provider.
	Client struct {
		cmp CompletionsClient
	}
)

// New returns a Client.
func New(opts Options) (*Client, error) {
	cmp := opts.Completions
	if cmp == nil {
		if opts.APIKey == "" {
			return nil, errors.New("api key is required")
		}
		ropts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
		if opts.BaseURL != "" {
			ropts = append(ropts, option.WithBaseURL(opts.BaseURL))
		}
		oc := sdk.NewClient(ropts...)
		cmp = &oc.Chat.Completions
	}
	return &Client{cmp: cmp}, nil
}

// Complete issues a non-streaming Chat.Completions.New request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := prepareRequest(req, false)
	if err != nil {
		return nil, err
	}
	completion, err := c.cmp.New(ctx, *params)
	if err != nil {
		return nil, classify(err)
	}
	return translateResponse(completion)
}

// Stream invokes Chat.Completions.NewStreaming and adapts incremental
// chunks into canonical chunks. Usage reporting on the final chunk is
// always requested.
func (c *Client) Stream(ctx context.Context, req *model.Request) (upstream.Streamer, error) {
	params, err := prepareRequest(req, true)
	if err != nil {
		return nil, err
	}
	stream := c.cmp.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}
	return newStreamer(ctx, stream), nil
}

func prepareRequest(req *model.Request, streaming bool) (*sdk.ChatCompletionNewParams, error) {
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(req.Model),
		Messages: msgs,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(*req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.Stop = sdk.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if streaming {
		params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)}
	}
	return &params, nil
}

func encodeMessages(msgs []model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for i, m := range msgs {
		enc, err := encodeMessage(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, enc)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one message is required")
	}
	return out, nil
}

func encodeMessage(m model.Message) (sdk.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case model.RoleSystem:
		return sdk.SystemMessage(m.Text()), nil

	case model.RoleUser:
		parts := make([]sdk.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case *model.TextPart:
				parts = append(parts, sdk.TextContentPart(v.Text))
			case *model.ImagePart:
				url := v.URL
				if url == "" {
					url = fmt.Sprintf("data:%s;base64,%s", v.MediaType, v.Data)
				}
				parts = append(parts, sdk.ImageContentPart(sdk.ChatCompletionContentPartImageImageURLParam{URL: url}))
			default:
				return sdk.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported part kind %q in user message", part.Kind())
			}
		}
		return sdk.UserMessage(parts), nil

	case model.RoleAssistant:
		assistant := sdk.ChatCompletionAssistantMessageParam{}
		for _, part := range m.Parts {
			switch v := part.(type) {
			case *model.TextPart:
				if v.Text != "" {
					assistant.Content.OfString = sdk.String(v.Text)
				}
			case *model.ToolUsePart:
				if v.Name == "" {
					return sdk.ChatCompletionMessageParamUnion{}, errors.New("tool_use part missing name")
				}
				args := v.ArgsJSON
				if args == "" {
					args = "{}"
				}
				assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID: v.ID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      v.Name,
						Arguments: args,
					},
				})
			case *model.ThinkingPart:
				// Thinking parts are not re-sent upstream.
			default:
				return sdk.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported part kind %q in assistant message", part.Kind())
			}
		}
		return sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, nil

	case model.RoleTool:
		var result *model.ToolResultPart
		for _, part := range m.Parts {
			if v, ok := part.(*model.ToolResultPart); ok {
				result = v
				break
			}
		}
		if result == nil {
			return sdk.ChatCompletionMessageParamUnion{}, errors.New("tool message has no tool_result part")
		}
		return sdk.ToolMessage(result.Content, result.ToolCallID), nil
	}
	return sdk.ChatCompletionMessageParamUnion{}, fmt.Errorf("unsupported message role %q", m.Role)
}

func encodeTools(specs []model.ToolSpec) ([]sdk.ChatCompletionToolParam, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	toolList := make([]sdk.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		fn := sdk.FunctionDefinitionParam{Name: spec.Name}
		if spec.Description != "" {
			fn.Description = sdk.String(spec.Description)
		}
		if len(spec.InputSchema) > 0 {
			var m map[string]any
			if err := json.Unmarshal(spec.InputSchema, &m); err != nil {
				return nil, fmt.Errorf("tool %q schema: %w", spec.Name, err)
			}
			fn.Parameters = sdk.FunctionParameters(m)
		}
		toolList = append(toolList, sdk.ChatCompletionToolParam{Function: fn})
	}
	return toolList, nil
}

func translateResponse(completion *sdk.ChatCompletion) (*model.Response, error) {
	if completion == nil {
		return nil, errors.New("response completion is nil")
	}
	choices := make([]model.Choice, 0, len(completion.Choices))
	for _, c := range completion.Choices {
		var parts []model.Part
		if c.Message.Content != "" {
			parts = append(parts, &model.TextPart{Text: c.Message.Content})
		}
		if c.Message.Refusal != "" {
			parts = append(parts, &model.TextPart{Text: c.Message.Refusal})
		}
		for _, tc := range c.Message.ToolCalls {
			parts = append(parts, &model.ToolUsePart{
				ID:       tc.ID,
				Name:     tc.Function.Name,
				ArgsJSON: tc.Function.Arguments,
			})
		}
		if len(parts) == 0 {
			parts = []model.Part{&model.TextPart{}}
		}
		choices = append(choices, model.Choice{
			Index:        int(c.Index),
			Message:      model.Message{Role: model.RoleAssistant, Parts: parts},
			FinishReason: finishReason(string(c.FinishReason)),
		})
	}
	if len(choices) == 0 {
		return nil, errors.New("response has no choices")
	}
	resp := &model.Response{
		ID:      completion.ID,
		Model:   completion.Model,
		Choices: choices,
	}
	if u := completion.Usage; u.PromptTokens != 0 || u.CompletionTokens != 0 {
		resp.Usage = &model.TokenUsage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
		}
	}
	return resp, nil
}

// finishReason normalizes a wire finish_reason. Unknown values collapse
// to stop rather than leaking provider-specific strings.
func finishReason(s string) model.FinishReason {
	switch r := model.FinishReason(s); r {
	case model.FinishStop, model.FinishLength, model.FinishToolCalls, model.FinishContentFilter:
		return r
	case "":
		return ""
	default:
		return model.FinishStop
	}
}

// classify maps SDK failures onto the gateway error taxonomy. API errors
// with 5xx or 429 statuses are retryable; other API errors are terminal;
// transport failures are treated as retryable.
func classify(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode >= 500 || apierr.StatusCode == 429 {
			return wire.WrapError(wire.KindUpstreamUnavailable, "provider unavailable", err)
		}
		return wire.WrapError(wire.KindUpstreamError, "provider rejected request", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return wire.WrapError(wire.KindUpstreamUnavailable, "provider unreachable", err)
}
