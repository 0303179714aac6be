// Package anthropic converts between the Anthropic messages wire dialect
// and the canonical model. Request parsing and formatting are inverses up
// to the lossy fields documented on ParseRequest; streaming conversion is
// handled by StreamFormatter, the single owner of block index state.
package anthropic

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/wire"
)

type (
	wireRequest struct {
		Model         string          `json:"model"`
		MaxTokens     *int64          `json:"max_tokens,omitempty"`
		Messages      []wireMessage   `json:"messages"`
		System        json.RawMessage `json:"system,omitempty"`
		Tools         []wireTool      `json:"tools,omitempty"`
		Stream        bool            `json:"stream,omitempty"`
		Temperature   *float64        `json:"temperature,omitempty"`
		TopP          *float64        `json:"top_p,omitempty"`
		StopSequences []string        `json:"stop_sequences,omitempty"`
		Metadata      map[string]any  `json:"metadata,omitempty"`
	}

	wireMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	wireContent struct {
		Type string `json:"type"`

		// text
		Text string `json:"text,omitempty"`

		// image
		Source *wireImageSource `json:"source,omitempty"`

		// tool_use
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`

		// tool_result
		ToolUseID string          `json:"tool_use_id,omitempty"`
		Content   json.RawMessage `json:"content,omitempty"`
		IsError   bool            `json:"is_error,omitempty"`

		// thinking
		Thinking  string `json:"thinking,omitempty"`
		Signature string `json:"signature,omitempty"`
	}

	wireImageSource struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type,omitempty"`
		Data      string `json:"data,omitempty"`
		URL       string `json:"url,omitempty"`
	}

	wireTool struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
	}
)

// sessionUserID matches the metadata.user_id shape agent clients use to
// smuggle a session identifier.
var sessionUserID = regexp.MustCompile(`^user_[^_]+_account__session_([0-9a-f-]+)$`)

// ParseRequest converts an Anthropic messages body to a canonical request.
// A metadata.user_id of the form user_<hash>_account__session_<uuid> becomes
// the session id. Empty text blocks alongside tool content are stripped.
// Lossy fields: cache_control and other vendor extensions are dropped.
func ParseRequest(body []byte) (*model.Request, error) {
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
		Stop:        wr.StopSequences,
		Metadata:    wr.Metadata,
	}
	if uid, ok := wr.Metadata["user_id"].(string); ok {
		if m := sessionUserID.FindStringSubmatch(uid); m != nil {
			req.SessionID = m[1]
		}
	}
	if len(wr.System) > 0 {
		parts, err := parseSystem(wr.System)
		if err != nil {
			return nil, &wire.InvalidRequestError{Path: "system", Reason: err.Error()}
		}
		if len(parts) > 0 {
			req.Messages = append(req.Messages, model.Message{Role: model.RoleSystem, Parts: parts})
		}
	}
	for i, wm := range wr.Messages {
		msg, err := parseMessage(wm)
		if err != nil {
			return nil, &wire.InvalidRequestError{Path: fmt.Sprintf("messages[%d]", i), Reason: err.Error()}
		}
		req.Messages = append(req.Messages, msg)
	}
	for i, wt := range wr.Tools {
		if err := wire.CheckToolSchema(wt.InputSchema); err != nil {
			return nil, &wire.InvalidRequestError{Path: fmt.Sprintf("tools[%d].input_schema", i), Reason: err.Error()}
		}
		req.Tools = append(req.Tools, model.ToolSpec{
			Name:        wt.Name,
			Description: wt.Description,
			InputSchema: append([]byte(nil), wt.InputSchema...),
		})
	}
	if err := req.Validate(); err != nil {
		return nil, &wire.InvalidRequestError{Reason: err.Error()}
	}
	return req, nil
}

func parseSystem(raw json.RawMessage) ([]model.Part, error) {
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		return []model.Part{&model.TextPart{Text: text}}, nil
	}
	var blocks []wireContent
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("system must be a string or array of text blocks")
	}
	var parts []model.Part
	for _, b := range blocks {
		if b.Type != "text" {
			return nil, fmt.Errorf("unsupported system block type %q", b.Type)
		}
		parts = append(parts, &model.TextPart{Text: b.Text})
	}
	return parts, nil
}

// parseMessage returns the canonical message for one wire message. Tool
// results stay inside their user message, which the canonical invariants
// allow.
func parseMessage(wm wireMessage) (model.Message, error) {
	role := model.Role(wm.Role)
	if role != model.RoleUser && role != model.RoleAssistant {
		return model.Message{}, fmt.Errorf("unsupported role %q", wm.Role)
	}
	if len(wm.Content) == 0 {
		return model.Message{}, fmt.Errorf("content is required")
	}
	if wm.Content[0] == '"' {
		var text string
		if err := json.Unmarshal(wm.Content, &text); err != nil {
			return model.Message{}, err
		}
		return model.Message{Role: role, Parts: []model.Part{&model.TextPart{Text: text}}}, nil
	}
	var blocks []wireContent
	if err := json.Unmarshal(wm.Content, &blocks); err != nil {
		return model.Message{}, fmt.Errorf("content must be a string or array of blocks")
	}
	var parts []model.Part
	hasTool := false
	for _, b := range blocks {
		switch b.Type {
		case "tool_use", "tool_result":
			hasTool = true
		}
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text == "" && hasTool {
				// Known client quirk: empty text blocks accompany tool
				// phases and must not reach policies.
				continue
			}
			parts = append(parts, &model.TextPart{Text: b.Text})
		case "image":
			if b.Source == nil {
				return model.Message{}, fmt.Errorf("image block missing source")
			}
			parts = append(parts, &model.ImagePart{
				URL:       b.Source.URL,
				Data:      b.Source.Data,
				MediaType: b.Source.MediaType,
			})
		case "tool_use":
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			parts = append(parts, &model.ToolUsePart{ID: b.ID, Name: b.Name, ArgsJSON: args})
		case "tool_result":
			content, err := parseToolResultContent(b.Content)
			if err != nil {
				return model.Message{}, err
			}
			parts = append(parts, &model.ToolResultPart{ToolCallID: b.ToolUseID, Content: content, IsError: b.IsError})
		case "thinking":
			parts = append(parts, &model.ThinkingPart{Text: b.Thinking, Signature: b.Signature})
		default:
			return model.Message{}, fmt.Errorf("unsupported content block type %q", b.Type)
		}
	}
	if len(parts) == 0 {
		return model.Message{}, fmt.Errorf("content is required")
	}
	return model.Message{Role: role, Parts: parts}, nil
}

func parseToolResultContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", err
		}
		return text, nil
	}
	var blocks []wireContent
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("tool_result content must be a string or array of blocks")
	}
	var text string
	for _, b := range blocks {
		if b.Type != "text" {
			return "", fmt.Errorf("unsupported tool_result block type %q", b.Type)
		}
		text += b.Text
	}
	return text, nil
}
