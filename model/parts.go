package model

import (
	"encoding/json"
	"fmt"
)

type (
	// Part is one element of message content. Implementations are the
	// closed set of types in this package.
	Part interface {
		// Kind returns the discriminator used in the JSON encoding.
		Kind() string

		clonePart() Part
	}

	// TextPart is plain text content.
	TextPart struct {
		// Text is the text content.
		Text string `json:"text"`
	}

	// ImagePart is image content, carried opaquely. Exactly one of URL or
	// Data is set.
	ImagePart struct {
		// URL references a remotely hosted image.
		URL string `json:"url,omitempty"`
		// Data is base64-encoded image bytes.
		Data string `json:"data,omitempty"`
		// MediaType is the MIME type accompanying Data.
		MediaType string `json:"media_type,omitempty"`
	}

	// ToolUsePart is a model-issued tool invocation.
	ToolUsePart struct {
		// ID is the provider-assigned call identifier.
		ID string `json:"id"`
		// Name is the invoked tool name.
		Name string `json:"name"`
		// ArgsJSON is the raw argument JSON exactly as the model produced
		// it. The gateway never parses or re-serializes it.
		ArgsJSON string `json:"args_json"`
	}

	// ToolResultPart is the result of executing a tool call.
	ToolResultPart struct {
		// ToolCallID cites the originating tool call.
		ToolCallID string `json:"tool_call_id"`
		// Content is the tool output.
		Content string `json:"content"`
		// IsError marks a failed execution.
		IsError bool `json:"is_error,omitempty"`
	}

	// ThinkingPart is extended reasoning content from providers that
	// expose it.
	ThinkingPart struct {
		// Text is the reasoning text.
		Text string `json:"text"`
		// Signature is the provider integrity signature, when present.
		Signature string `json:"signature,omitempty"`
	}
)

// Part kind discriminators.
const (
	KindText       = "text"
	KindImage      = "image"
	KindToolUse    = "tool_use"
	KindToolResult = "tool_result"
	KindThinking   = "thinking"
)

func (*TextPart) Kind() string       { return KindText }
func (*ImagePart) Kind() string      { return KindImage }
func (*ToolUsePart) Kind() string    { return KindToolUse }
func (*ToolResultPart) Kind() string { return KindToolResult }
func (*ThinkingPart) Kind() string   { return KindThinking }

func (p *TextPart) clonePart() Part       { dup := *p; return &dup }
func (p *ImagePart) clonePart() Part      { dup := *p; return &dup }
func (p *ToolUsePart) clonePart() Part    { dup := *p; return &dup }
func (p *ToolResultPart) clonePart() Part { dup := *p; return &dup }
func (p *ThinkingPart) clonePart() Part   { dup := *p; return &dup }

// partEnvelope wraps a part with its kind discriminator for persistence.
type partEnvelope struct {
	Kind string          `json:"kind"`
	Part json.RawMessage `json:"part"`
}

// MarshalJSON encodes the message with tagged parts so it survives a
// round trip through the record store.
func (m Message) MarshalJSON() ([]byte, error) {
	envs := make([]partEnvelope, len(m.Parts))
	for i, p := range m.Parts {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s part: %w", p.Kind(), err)
		}
		envs[i] = partEnvelope{Kind: p.Kind(), Part: raw}
	}
	return json.Marshal(struct {
		Role       Role           `json:"role"`
		Parts      []partEnvelope `json:"parts"`
		ToolCallID string         `json:"tool_call_id,omitempty"`
	}{Role: m.Role, Parts: envs, ToolCallID: m.ToolCallID})
}

// UnmarshalJSON decodes a message produced by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var aux struct {
		Role       Role           `json:"role"`
		Parts      []partEnvelope `json:"parts"`
		ToolCallID string         `json:"tool_call_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	parts := make([]Part, len(aux.Parts))
	for i, env := range aux.Parts {
		p, err := decodePart(env)
		if err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
		parts[i] = p
	}
	m.Role = aux.Role
	m.Parts = parts
	m.ToolCallID = aux.ToolCallID
	return nil
}

func decodePart(env partEnvelope) (Part, error) {
	var p Part
	switch env.Kind {
	case KindText:
		p = &TextPart{}
	case KindImage:
		p = &ImagePart{}
	case KindToolUse:
		p = &ToolUsePart{}
	case KindToolResult:
		p = &ToolResultPart{}
	case KindThinking:
		p = &ThinkingPart{}
	default:
		return nil, fmt.Errorf("unknown part kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Part, p); err != nil {
		return nil, err
	}
	return p, nil
}
