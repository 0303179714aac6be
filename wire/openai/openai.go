// Package openai converts between the OpenAI chat completions wire dialect
// and the canonical model. Parsing and formatting are inverses up to the
// lossy fields documented on ParseRequest.
package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/wire"
)

type (
	wireRequest struct {
		Model       string          `json:"model"`
		Messages    []wireMessage   `json:"messages"`
		Tools       []wireTool      `json:"tools,omitempty"`
		Stream      bool            `json:"stream,omitempty"`
		MaxTokens   *int64          `json:"max_tokens,omitempty"`
		Temperature *float64        `json:"temperature,omitempty"`
		TopP        *float64        `json:"top_p,omitempty"`
		Stop        stopField       `json:"stop,omitempty"`
		Metadata    map[string]any  `json:"metadata,omitempty"`
	}

	wireMessage struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content,omitempty"`
		ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
		ToolCallID string          `json:"tool_call_id,omitempty"`
	}

	wireContentPart struct {
		Type     string        `json:"type"`
		Text     string        `json:"text,omitempty"`
		ImageURL *wireImageURL `json:"image_url,omitempty"`
	}

	wireImageURL struct {
		URL string `json:"url"`
	}

	wireToolCall struct {
		ID       string       `json:"id"`
		Type     string       `json:"type"`
		Function wireFunction `json:"function"`
	}

	wireFunction struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	wireTool struct {
		Type     string      `json:"type"`
		Function wireToolDef `json:"function"`
	}

	wireToolDef struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	// stopField accepts both the string and array encodings of "stop".
	stopField []string
)

// SessionHeader is the request header carrying the client session id.
const SessionHeader = "x-session-id"

func (s *stopField) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*s = nil
		return nil
	}
	if data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseRequest converts an OpenAI chat completions body to a canonical
// request. The x-session-id header, when present, becomes the session id.
// Lossy fields: message "name", response_format, and other vendor options
// are dropped.
func ParseRequest(body []byte, header http.Header) (*model.Request, error) {
	var wr wireRequest
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, &wire.InvalidRequestError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	req := &model.Request{
		Model:       wr.Model,
		Stream:      wr.Stream,
		MaxTokens:   wr.MaxTokens,
		Temperature: wr.Temperature,
		TopP:        wr.TopP,
		Stop:        wr.Stop,
		Metadata:    wr.Metadata,
	}
	if header != nil {
		req.SessionID = header.Get(SessionHeader)
	}
	for i, wm := range wr.Messages {
		msg, err := parseMessage(wm)
		if err != nil {
			return nil, &wire.InvalidRequestError{Path: fmt.Sprintf("messages[%d]", i), Reason: err.Error()}
		}
		req.Messages = append(req.Messages, msg)
	}
	for i, wt := range wr.Tools {
		if wt.Type != "function" {
			return nil, &wire.InvalidRequestError{Path: fmt.Sprintf("tools[%d].type", i), Reason: fmt.Sprintf("unsupported tool type %q", wt.Type)}
		}
		if err := wire.CheckToolSchema(wt.Function.Parameters); err != nil {
			return nil, &wire.InvalidRequestError{Path: fmt.Sprintf("tools[%d].function.parameters", i), Reason: err.Error()}
		}
		req.Tools = append(req.Tools, model.ToolSpec{
			Name:        wt.Function.Name,
			Description: wt.Function.Description,
			InputSchema: append([]byte(nil), wt.Function.Parameters...),
		})
	}
	if err := req.Validate(); err != nil {
		return nil, &wire.InvalidRequestError{Reason: err.Error()}
	}
	return req, nil
}

func parseMessage(wm wireMessage) (model.Message, error) {
	msg := model.Message{Role: model.Role(wm.Role), ToolCallID: wm.ToolCallID}
	if wm.Role == "tool" {
		var content string
		if err := json.Unmarshal(wm.Content, &content); err != nil {
			return msg, fmt.Errorf("tool message content must be a string")
		}
		msg.Parts = []model.Part{&model.ToolResultPart{ToolCallID: wm.ToolCallID, Content: content}}
		return msg, nil
	}
	parts, err := parseContent(wm.Content)
	if err != nil {
		return msg, err
	}
	msg.Parts = parts
	for _, tc := range wm.ToolCalls {
		if tc.Type != "function" {
			return msg, fmt.Errorf("unsupported tool call type %q", tc.Type)
		}
		msg.Parts = append(msg.Parts, &model.ToolUsePart{
			ID:       tc.ID,
			Name:     tc.Function.Name,
			ArgsJSON: tc.Function.Arguments,
		})
	}
	if len(msg.Parts) == 0 {
		return msg, fmt.Errorf("content is required")
	}
	return msg, nil
}

func parseContent(raw json.RawMessage) ([]model.Part, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		if text == "" {
			return nil, nil
		}
		return []model.Part{&model.TextPart{Text: text}}, nil
	}
	var wps []wireContentPart
	if err := json.Unmarshal(raw, &wps); err != nil {
		return nil, fmt.Errorf("content must be a string or array of parts")
	}
	var parts []model.Part
	for _, wp := range wps {
		switch wp.Type {
		case "text":
			parts = append(parts, &model.TextPart{Text: wp.Text})
		case "image_url":
			if wp.ImageURL == nil {
				return nil, fmt.Errorf("image_url part missing image_url")
			}
			parts = append(parts, &model.ImagePart{URL: wp.ImageURL.URL})
		default:
			return nil, fmt.Errorf("unsupported content part type %q", wp.Type)
		}
	}
	return parts, nil
}

// FormatRequest converts a canonical request back to the OpenAI wire shape.
// Inverse of ParseRequest.
func FormatRequest(req *model.Request) ([]byte, error) {
	wr := wireRequest{
		Model:       req.Model,
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Metadata:    req.Metadata,
	}
	for _, m := range req.Messages {
		wm, err := formatMessage(m)
		if err != nil {
			return nil, err
		}
		wr.Messages = append(wr.Messages, wm)
	}
	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{
			Type: "function",
			Function: wireToolDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return json.Marshal(wr)
}

func formatMessage(m model.Message) (wireMessage, error) {
	wm := wireMessage{Role: string(m.Role), ToolCallID: m.ToolCallID}
	var (
		contentParts []wireContentPart
		textOnly     = true
	)
	for _, p := range m.Parts {
		switch part := p.(type) {
		case *model.TextPart:
			contentParts = append(contentParts, wireContentPart{Type: "text", Text: part.Text})
		case *model.ImagePart:
			url := part.URL
			if url == "" {
				url = fmt.Sprintf("data:%s;base64,%s", part.MediaType, part.Data)
			}
			contentParts = append(contentParts, wireContentPart{Type: "image_url", ImageURL: &wireImageURL{URL: url}})
			textOnly = false
		case *model.ToolUsePart:
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   part.ID,
				Type: "function",
				Function: wireFunction{
					Name:      part.Name,
					Arguments: part.ArgsJSON,
				},
			})
		case *model.ToolResultPart:
			wm.Role = "tool"
			if wm.ToolCallID == "" {
				wm.ToolCallID = part.ToolCallID
			}
			raw, err := json.Marshal(part.Content)
			if err != nil {
				return wm, err
			}
			wm.Content = raw
		case *model.ThinkingPart:
			// The OpenAI dialect has no thinking representation. Documented
			// lossy field.
		default:
			return wm, fmt.Errorf("unsupported part kind %q", p.Kind())
		}
	}
	if wm.Content == nil {
		switch {
		case len(contentParts) == 0:
			// Assistant tool-call messages may have no content.
		case textOnly && len(contentParts) == 1:
			raw, err := json.Marshal(contentParts[0].Text)
			if err != nil {
				return wm, err
			}
			wm.Content = raw
		default:
			raw, err := json.Marshal(contentParts)
			if err != nil {
				return wm, err
			}
			wm.Content = raw
		}
	}
	return wm, nil
}

// FormatResponse renders a canonical response as an OpenAI chat completion
// body.
func FormatResponse(resp *model.Response) ([]byte, error) {
	type respMessage struct {
		Role      string         `json:"role"`
		Content   *string        `json:"content"`
		ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	}
	type respChoice struct {
		Index        int          `json:"index"`
		Message      respMessage  `json:"message"`
		FinishReason string       `json:"finish_reason"`
	}
	type respUsage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	}
	out := struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []respChoice `json:"choices"`
		Usage   *respUsage   `json:"usage,omitempty"`
	}{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
	}
	for _, c := range resp.Choices {
		rc := respChoice{Index: c.Index, FinishReason: string(c.FinishReason)}
		rc.Message.Role = "assistant"
		var text string
		for _, p := range c.Message.Parts {
			switch part := p.(type) {
			case *model.TextPart:
				text += part.Text
			case *model.ToolUsePart:
				rc.Message.ToolCalls = append(rc.Message.ToolCalls, wireToolCall{
					ID:   part.ID,
					Type: "function",
					Function: wireFunction{
						Name:      part.Name,
						Arguments: part.ArgsJSON,
					},
				})
			}
		}
		if text != "" || len(rc.Message.ToolCalls) == 0 {
			rc.Message.Content = &text
		}
		out.Choices = append(out.Choices, rc)
	}
	if resp.Usage != nil {
		out.Usage = &respUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		}
	}
	return json.Marshal(out)
}

// FormatError renders a classified error as an OpenAI error body.
func FormatError(e *wire.Error) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": e.Message,
			"type":    string(e.Kind),
			"code":    e.Status,
		},
	})
	return body
}
