package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/wire"
)

// stop reason mapping between the dialects.
var (
	stopReasonByFinish = map[model.FinishReason]string{
		model.FinishStop:          "end_turn",
		model.FinishLength:        "max_tokens",
		model.FinishToolCalls:     "tool_use",
		model.FinishContentFilter: "refusal",
	}
	finishByStopReason = map[string]model.FinishReason{
		"end_turn":      model.FinishStop,
		"stop_sequence": model.FinishStop,
		"max_tokens":    model.FinishLength,
		"tool_use":      model.FinishToolCalls,
		"refusal":       model.FinishContentFilter,
	}
)

// StopReason converts a canonical finish reason to the Anthropic value.
func StopReason(r model.FinishReason) string {
	if s, ok := stopReasonByFinish[r]; ok {
		return s
	}
	return "end_turn"
}

// Finish converts an Anthropic stop reason to the canonical value.
func Finish(stop string) model.FinishReason {
	if f, ok := finishByStopReason[stop]; ok {
		return f
	}
	return model.FinishStop
}

// FormatRequest converts a canonical request to the Anthropic wire shape.
// Inverse of ParseRequest. System messages collapse into the system field;
// tool results render inside user messages.
func FormatRequest(req *model.Request) ([]byte, error) {
	wr := wireRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Stream:        req.Stream,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Metadata:      req.Metadata,
	}
	var system []wireContent
	for _, m := range req.Messages {
		if m.Role == model.RoleSystem {
			for _, p := range m.Parts {
				t, ok := p.(*model.TextPart)
				if !ok {
					return nil, fmt.Errorf("system message supports text parts only, got %q", p.Kind())
				}
				system = append(system, wireContent{Type: "text", Text: t.Text})
			}
			continue
		}
		wm, err := formatMessage(m)
		if err != nil {
			return nil, err
		}
		wr.Messages = append(wr.Messages, wm)
	}
	if len(system) > 0 {
		raw, err := json.Marshal(system)
		if err != nil {
			return nil, err
		}
		wr.System = raw
	}
	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return json.Marshal(wr)
}

func formatMessage(m model.Message) (wireMessage, error) {
	role := string(m.Role)
	if m.Role == model.RoleTool {
		// Anthropic carries tool results in user messages.
		role = "user"
	}
	var blocks []wireContent
	for _, p := range m.Parts {
		switch part := p.(type) {
		case *model.TextPart:
			blocks = append(blocks, wireContent{Type: "text", Text: part.Text})
		case *model.ImagePart:
			src := &wireImageSource{MediaType: part.MediaType, Data: part.Data, URL: part.URL}
			if part.URL != "" {
				src.Type = "url"
			} else {
				src.Type = "base64"
			}
			blocks = append(blocks, wireContent{Type: "image", Source: src})
		case *model.ToolUsePart:
			input := json.RawMessage(part.ArgsJSON)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, wireContent{Type: "tool_use", ID: part.ID, Name: part.Name, Input: input})
		case *model.ToolResultPart:
			raw, err := json.Marshal(part.Content)
			if err != nil {
				return wireMessage{}, err
			}
			blocks = append(blocks, wireContent{Type: "tool_result", ToolUseID: part.ToolCallID, Content: raw, IsError: part.IsError})
		case *model.ThinkingPart:
			blocks = append(blocks, wireContent{Type: "thinking", Thinking: part.Text, Signature: part.Signature})
		default:
			return wireMessage{}, fmt.Errorf("unsupported part kind %q", p.Kind())
		}
	}
	raw, err := json.Marshal(blocks)
	if err != nil {
		return wireMessage{}, err
	}
	return wireMessage{Role: role, Content: raw}, nil
}

// FormatResponse renders a canonical response as an Anthropic message body.
// Only the first choice is rendered; the dialect has no multi-choice shape.
func FormatResponse(resp *model.Response) ([]byte, error) {
	out := struct {
		ID         string        `json:"id"`
		Type       string        `json:"type"`
		Role       string        `json:"role"`
		Model      string        `json:"model"`
		Content    []wireContent `json:"content"`
		StopReason string        `json:"stop_reason"`
		Usage      *struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage,omitempty"`
	}{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.StopReason = StopReason(choice.FinishReason)
		for _, p := range choice.Message.Parts {
			switch part := p.(type) {
			case *model.TextPart:
				out.Content = append(out.Content, wireContent{Type: "text", Text: part.Text})
			case *model.ToolUsePart:
				input := json.RawMessage(part.ArgsJSON)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				out.Content = append(out.Content, wireContent{Type: "tool_use", ID: part.ID, Name: part.Name, Input: input})
			case *model.ThinkingPart:
				out.Content = append(out.Content, wireContent{Type: "thinking", Thinking: part.Text, Signature: part.Signature})
			}
		}
	}
	if resp.Usage != nil {
		out.Usage = &struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		}{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	}
	if out.Content == nil {
		out.Content = []wireContent{}
	}
	return json.Marshal(out)
}

// FormatError renders a classified error as an Anthropic error body.
func FormatError(e *wire.Error) []byte {
	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    string(e.Kind),
			"message": e.Message,
		},
	})
	return body
}
