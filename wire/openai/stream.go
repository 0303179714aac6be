package openai

import (
	"encoding/json"
	"time"

	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/wire"
)

type (
	// StreamFormatter renders canonical chunks as OpenAI SSE frames. It is
	// stateful only to number tool calls within each choice, which the wire
	// format requires.
	StreamFormatter struct {
		created   time.Time
		toolIndex map[int]int
		toolOpen  map[int]bool
	}

	chunkDelta struct {
		Role      string           `json:"role,omitempty"`
		Content   string           `json:"content,omitempty"`
		ToolCalls []chunkToolCall  `json:"tool_calls,omitempty"`
	}

	chunkToolCall struct {
		Index    int          `json:"index"`
		ID       string       `json:"id,omitempty"`
		Type     string       `json:"type,omitempty"`
		Function wireFunction `json:"function"`
	}

	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}

	chunkBody struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []chunkChoice `json:"choices"`
		Usage   *chunkUsage   `json:"usage,omitempty"`
	}

	chunkUsage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	}
)

// NewStreamFormatter returns a formatter for one response stream.
func NewStreamFormatter() *StreamFormatter {
	return &StreamFormatter{
		created:   time.Now(),
		toolIndex: make(map[int]int),
		toolOpen:  make(map[int]bool),
	}
}

// FormatChunk renders one canonical chunk as a single data frame.
func (f *StreamFormatter) FormatChunk(c model.Chunk) wire.Frame {
	choice := chunkChoice{Index: c.ChoiceIndex}
	if c.Delta.Role != "" {
		choice.Delta.Role = string(c.Delta.Role)
	}
	// The OpenAI dialect has no thinking channel; reasoning deltas produce
	// an empty delta frame which doubles as a keepalive.
	choice.Delta.Content = c.Delta.Text
	if tc := c.Delta.ToolCall; tc != nil {
		if tc.ID != "" {
			if f.toolOpen[c.ChoiceIndex] {
				f.toolIndex[c.ChoiceIndex]++
			}
			f.toolOpen[c.ChoiceIndex] = true
		}
		call := chunkToolCall{
			Index: f.toolIndex[c.ChoiceIndex],
			ID:    tc.ID,
			Function: wireFunction{
				Name:      tc.Name,
				Arguments: tc.ArgsDelta,
			},
		}
		if tc.ID != "" {
			call.Type = "function"
		}
		choice.Delta.ToolCalls = []chunkToolCall{call}
	}
	if c.FinishReason != "" {
		reason := string(c.FinishReason)
		choice.FinishReason = &reason
	}
	body := chunkBody{
		ID:      c.ID,
		Object:  "chat.completion.chunk",
		Created: f.created.Unix(),
		Model:   c.Model,
		Choices: []chunkChoice{choice},
	}
	if c.Usage != nil {
		body.Usage = &chunkUsage{
			PromptTokens:     c.Usage.PromptTokens,
			CompletionTokens: c.Usage.CompletionTokens,
			TotalTokens:      c.Usage.PromptTokens + c.Usage.CompletionTokens,
		}
	}
	data, _ := json.Marshal(body)
	return wire.Frame{Data: data}
}

// Finish returns the terminal frames of the stream.
func (f *StreamFormatter) Finish() []wire.Frame {
	return []wire.Frame{Done()}
}

// FormatStreamError renders a classified error as an in-stream frame
// followed by the terminal frame.
func (f *StreamFormatter) FormatStreamError(e *wire.Error) []wire.Frame {
	return []wire.Frame{{Data: FormatError(e)}, Done()}
}

// Done returns the OpenAI stream terminator.
func Done() wire.Frame {
	return wire.Frame{Data: []byte("[DONE]")}
}
