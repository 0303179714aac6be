// Package model defines the provider-neutral conversation types that flow
// through the gateway. Requests and responses in any supported wire dialect
// are converted to these types at the edges so that policies, records, and
// events operate on a single representation.
package model

import (
	"errors"
	"fmt"
)

type (
	// Role identifies the author of a message.
	Role string

	// FinishReason explains why a model stopped generating.
	FinishReason string

	// Request is a canonical chat completion request.
	Request struct {
		// Model is the requested model identifier, verbatim from the client.
		Model string `json:"model"`
		// Messages is the conversation history, oldest first.
		Messages []Message `json:"messages"`
		// Tools lists the tool definitions offered to the model.
		Tools []ToolSpec `json:"tools,omitempty"`
		// Stream requests a streamed response.
		Stream bool `json:"stream,omitempty"`
		// MaxTokens caps the completion length. Nil means provider default.
		MaxTokens *int64 `json:"max_tokens,omitempty"`
		// Temperature is the sampling temperature. Nil means provider default.
		Temperature *float64 `json:"temperature,omitempty"`
		// TopP is the nucleus sampling parameter. Nil means provider default.
		TopP *float64 `json:"top_p,omitempty"`
		// Stop lists stop sequences.
		Stop []string `json:"stop,omitempty"`
		// SessionID groups calls belonging to one agent session, when the
		// client supplied one.
		SessionID string `json:"session_id,omitempty"`
		// Metadata carries client-supplied metadata fields that the gateway
		// does not interpret.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Message is one conversation turn.
	Message struct {
		// Role is the author of the message.
		Role Role `json:"role"`
		// Parts is the ordered message content. Always non-empty.
		Parts []Part `json:"parts"`
		// ToolCallID links a tool role message to the tool call it answers.
		ToolCallID string `json:"tool_call_id,omitempty"`
	}

	// ToolSpec describes a tool offered to the model.
	ToolSpec struct {
		// Name is the tool name.
		Name string `json:"name"`
		// Description explains the tool to the model.
		Description string `json:"description,omitempty"`
		// InputSchema is the JSON Schema for the tool arguments, stored as
		// raw JSON so no dialect-specific shape is lost.
		InputSchema []byte `json:"input_schema,omitempty"`
	}

	// Response is a canonical non-streaming completion.
	Response struct {
		// ID is the provider-assigned response identifier.
		ID string `json:"id"`
		// Model is the model that produced the response.
		Model string `json:"model"`
		// Choices holds the generated completions. Most providers return one.
		Choices []Choice `json:"choices"`
		// Usage reports token consumption when the provider supplied it.
		Usage *TokenUsage `json:"usage,omitempty"`
	}

	// Choice is a single completion within a response.
	Choice struct {
		// Index is the zero-based choice index.
		Index int `json:"index"`
		// Message is the generated assistant message.
		Message Message `json:"message"`
		// FinishReason explains why generation stopped.
		FinishReason FinishReason `json:"finish_reason"`
	}

	// TokenUsage reports prompt and completion token counts.
	TokenUsage struct {
		// PromptTokens counts tokens in the input.
		PromptTokens int64 `json:"prompt_tokens"`
		// CompletionTokens counts generated tokens.
		CompletionTokens int64 `json:"completion_tokens"`
	}
)

const (
	// RoleSystem marks system instructions.
	RoleSystem Role = "system"
	// RoleUser marks end-user messages.
	RoleUser Role = "user"
	// RoleAssistant marks model output.
	RoleAssistant Role = "assistant"
	// RoleTool marks tool execution results.
	RoleTool Role = "tool"
)

const (
	// FinishStop means the model completed naturally.
	FinishStop FinishReason = "stop"
	// FinishLength means the token limit was reached.
	FinishLength FinishReason = "length"
	// FinishToolCalls means the model is requesting tool execution.
	FinishToolCalls FinishReason = "tool_calls"
	// FinishContentFilter means the provider filtered the output.
	FinishContentFilter FinishReason = "content_filter"
)

// Validate checks the structural invariants of a canonical request. Parsers
// call it after dialect conversion so every request entering the pipeline is
// well formed.
func (r *Request) Validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	calls := map[string]bool{}
	for i, m := range r.Messages {
		if len(m.Parts) == 0 {
			return fmt.Errorf("message %d: parts must not be empty", i)
		}
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
		for j, p := range m.Parts {
			switch part := p.(type) {
			case *ToolUsePart:
				if m.Role != RoleAssistant {
					return fmt.Errorf("message %d part %d: tool_use outside assistant message", i, j)
				}
				calls[part.ID] = true
			case *ToolResultPart:
				if m.Role != RoleTool && m.Role != RoleUser {
					return fmt.Errorf("message %d part %d: tool_result outside tool or user message", i, j)
				}
				if !calls[part.ToolCallID] {
					return fmt.Errorf("message %d part %d: tool_result cites unknown tool call %q", i, j, part.ToolCallID)
				}
			}
		}
		if m.Role == RoleTool && m.ToolCallID != "" && !calls[m.ToolCallID] {
			return fmt.Errorf("message %d: tool message cites unknown tool call %q", i, m.ToolCallID)
		}
	}
	for i, t := range r.Tools {
		if t.Name == "" {
			return fmt.Errorf("tool %d: name is required", i)
		}
	}
	return nil
}

// Clone returns a deep copy of the request. Policies receive clones so the
// original request recorded for the transaction stays immutable.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	dup := *r
	dup.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		dup.Messages[i] = m.Clone()
	}
	if r.Tools != nil {
		dup.Tools = make([]ToolSpec, len(r.Tools))
		for i, t := range r.Tools {
			dup.Tools[i] = t
			dup.Tools[i].InputSchema = append([]byte(nil), t.InputSchema...)
		}
	}
	if r.Stop != nil {
		dup.Stop = append([]string(nil), r.Stop...)
	}
	if r.MaxTokens != nil {
		v := *r.MaxTokens
		dup.MaxTokens = &v
	}
	if r.Temperature != nil {
		v := *r.Temperature
		dup.Temperature = &v
	}
	if r.TopP != nil {
		v := *r.TopP
		dup.TopP = &v
	}
	if r.Metadata != nil {
		dup.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	dup := m
	dup.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		dup.Parts[i] = p.clonePart()
	}
	return dup
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	dup := *r
	dup.Choices = make([]Choice, len(r.Choices))
	for i, c := range r.Choices {
		dup.Choices[i] = c
		dup.Choices[i].Message = c.Message.Clone()
	}
	if r.Usage != nil {
		u := *r.Usage
		dup.Usage = &u
	}
	return &dup
}

// Text returns the concatenated text content of the message, ignoring
// non-text parts.
func (m Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if t, ok := p.(*TextPart); ok {
			s += t.Text
		}
	}
	return s
}
