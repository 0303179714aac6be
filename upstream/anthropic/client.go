// Package anthropic implements the upstream client for Anthropic-dialect
// providers on top of the official SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/upstream"
	"github.com/luthienresearch/luthien/wire"
	wireanthropic "github.com/luthienresearch/luthien/wire/anthropic"
)

type (
	// MessagesClient is the slice of the SDK the client depends on, kept
	// narrow so tests can substitute a fake.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the client.
	Options struct {
		// APIKey authenticates against the provider. Required unless
		// Messages is supplied.
		APIKey string
		// BaseURL overrides the provider endpoint, for compatible
		// gateways. Empty means the SDK default.
		BaseURL string
		// Messages substitutes the SDK service, for tests.
		Messages MessagesClient
	}

	// Client calls an Anthropic-dialect provider.
	Client struct {
		msg MessagesClient
	}
)

// Anthropic requires max_tokens; requests without one get this cap.
const defaultMaxTokens = 4096

// New returns a Client.
func New(opts Options) (*Client, error) {
	msg := opts.Messages
	if msg == nil {
		if opts.APIKey == "" {
			return nil, errors.New("api key is required")
		}
		ropts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
		if opts.BaseURL != "" {
			ropts = append(ropts, option.WithBaseURL(opts.BaseURL))
		}
		ac := sdk.NewClient(ropts...)
		msg = &ac.Messages
	}
	return &Client{msg: msg}, nil
}

// Complete issues a non-streaming Messages.New request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, classify(err)
	}
	return translateResponse(msg)
}

// Stream invokes Messages.NewStreaming and adapts incremental events into
// canonical chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (upstream.Streamer, error) {
	params, err := prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}
	return newStreamer(ctx, stream), nil
}

func prepareRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := int64(defaultMaxTokens)
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: maxTokens,
		Messages:  msgs,
		Model:     sdk.Model(req.Model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	return &params, nil
}

func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			for _, p := range m.Parts {
				if v, ok := p.(*model.TextPart); ok && v.Text != "" {
					system = append(system, sdk.TextBlockParam{Text: v.Text})
				}
			}
			continue
		}

		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case *model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case *model.ImagePart:
				if v.URL != "" {
					blocks = append(blocks, sdk.NewImageBlock(sdk.URLImageSourceParam{URL: v.URL}))
				} else {
					blocks = append(blocks, sdk.NewImageBlockBase64(v.MediaType, v.Data))
				}
			case *model.ToolUsePart:
				if v.Name == "" {
					return nil, nil, errors.New("tool_use part missing name")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, json.RawMessage(v.ArgsJSON), v.Name))
			case *model.ToolResultPart:
				blocks = append(blocks, sdk.NewToolResultBlock(v.ToolCallID, v.Content, v.IsError))
			case *model.ThinkingPart:
				// Thinking parts are not re-sent upstream.
			default:
				return nil, nil, fmt.Errorf("unsupported part kind %q", part.Kind())
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.RoleUser, model.RoleTool:
			// Anthropic carries tool results in user messages.
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(specs []model.ToolSpec) ([]sdk.ToolUnionParam, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		schema, err := toolInputSchema(spec.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", spec.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, spec.Name)
		if u.OfTool != nil && spec.Description != "" {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, nil
}

func toolInputSchema(raw []byte) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateResponse(msg *sdk.Message) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("response message is nil")
	}
	var parts []model.Part
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, &model.TextPart{Text: block.Text})
			}
		case "tool_use":
			parts = append(parts, &model.ToolUsePart{
				ID:       block.ID,
				Name:     block.Name,
				ArgsJSON: string(block.Input),
			})
		case "thinking":
			parts = append(parts, &model.ThinkingPart{Text: block.Thinking, Signature: block.Signature})
		}
	}
	if len(parts) == 0 {
		parts = []model.Part{&model.TextPart{}}
	}
	resp := &model.Response{
		ID:    msg.ID,
		Model: string(msg.Model),
		Choices: []model.Choice{{
			Message:      model.Message{Role: model.RoleAssistant, Parts: parts},
			FinishReason: wireanthropic.Finish(string(msg.StopReason)),
		}},
	}
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		resp.Usage = &model.TokenUsage{
			PromptTokens:     u.InputTokens,
			CompletionTokens: u.OutputTokens,
		}
	}
	return resp, nil
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
