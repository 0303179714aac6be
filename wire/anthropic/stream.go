package anthropic

import (
	"encoding/json"

	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/wire"
)

type (
	// StreamFormatter renders canonical chunks as Anthropic SSE frames. It
	// owns all block index state: the message_start frame is emitted lazily
	// from the first chunk, block indices are assigned in emission order,
	// and the open block is closed whenever the content type changes.
	// Only choice 0 is rendered; the dialect has no multi-choice shape.
	StreamFormatter struct {
		started   bool
		nextIndex int

		// openType is "" when no block is open, otherwise the wire type of
		// the open block. openToolID distinguishes consecutive tool calls.
		openType   string
		openToolID string

		finish model.FinishReason
		usage  *model.TokenUsage
	}

	streamEvent struct {
		Type         string          `json:"type"`
		Index        *int            `json:"index,omitempty"`
		Message      json.RawMessage `json:"message,omitempty"`
		ContentBlock *wireContent    `json:"content_block,omitempty"`
		Delta        *eventDelta     `json:"delta,omitempty"`
		Usage        *eventUsage     `json:"usage,omitempty"`
	}

	eventDelta struct {
		Type string `json:"type,omitempty"`

		// content_block_delta payloads
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		Thinking    string `json:"thinking,omitempty"`

		// message_delta payload
		StopReason   string  `json:"stop_reason,omitempty"`
		StopSequence *string `json:"stop_sequence,omitempty"`
	}

	eventUsage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	}
)

// NewStreamFormatter returns a formatter for one response stream.
func NewStreamFormatter() *StreamFormatter {
	return &StreamFormatter{}
}

// FormatChunk renders one canonical chunk as zero or more SSE frames.
func (f *StreamFormatter) FormatChunk(c model.Chunk) []wire.Frame {
	var frames []wire.Frame
	if c.ChoiceIndex != 0 {
		return nil
	}
	if !f.started {
		frames = append(frames, f.messageStart(c))
		f.started = true
	}
	if c.NewBlock {
		frames = append(frames, f.closeBlock()...)
	}
	if c.Usage != nil {
		u := *c.Usage
		f.usage = &u
	}
	switch {
	case c.Delta.Text != "":
		frames = append(frames, f.ensureBlock("text", "", nil)...)
		frames = append(frames, f.event(streamEvent{
			Type:  "content_block_delta",
			Index: f.openIndex(),
			Delta: &eventDelta{Type: "text_delta", Text: c.Delta.Text},
		}))
	case c.Delta.Thinking != "":
		frames = append(frames, f.ensureBlock("thinking", "", nil)...)
		frames = append(frames, f.event(streamEvent{
			Type:  "content_block_delta",
			Index: f.openIndex(),
			Delta: &eventDelta{Type: "thinking_delta", Thinking: c.Delta.Thinking},
		}))
	case c.Delta.ToolCall != nil:
		tc := c.Delta.ToolCall
		if tc.ID != "" {
			start := &wireContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: json.RawMessage("{}")}
			frames = append(frames, f.ensureBlock("tool_use", tc.ID, start)...)
		}
		if tc.ArgsDelta != "" && f.openType == "tool_use" {
			frames = append(frames, f.event(streamEvent{
				Type:  "content_block_delta",
				Index: f.openIndex(),
				Delta: &eventDelta{Type: "input_json_delta", PartialJSON: tc.ArgsDelta},
			}))
		}
	}
	if c.FinishReason != "" {
		f.finish = c.FinishReason
		frames = append(frames, f.Finish()...)
	}
	return frames
}

// Finish closes any open block and emits the terminal frames. Calling it
// more than once is safe; subsequent calls return nothing.
func (f *StreamFormatter) Finish() []wire.Frame {
	if !f.started {
		return nil
	}
	var frames []wire.Frame
	frames = append(frames, f.closeBlock()...)
	reason := f.finish
	if reason == "" {
		reason = model.FinishStop
	}
	delta := &eventDelta{StopReason: StopReason(reason)}
	ev := streamEvent{Type: "message_delta", Delta: delta}
	if f.usage != nil {
		ev.Usage = &eventUsage{InputTokens: f.usage.PromptTokens, OutputTokens: f.usage.CompletionTokens}
	}
	frames = append(frames, f.event(ev))
	frames = append(frames, f.event(streamEvent{Type: "message_stop"}))
	f.started = false
	return frames
}

// FormatStreamError renders a classified error as an in-stream error event.
// An open block is closed first so the frame sequence stays well formed.
func (f *StreamFormatter) FormatStreamError(e *wire.Error) []wire.Frame {
	var frames []wire.Frame
	frames = append(frames, f.closeBlock()...)
	frames = append(frames, wire.Frame{Event: "error", Data: FormatError(e)})
	f.started = false
	return frames
}

func (f *StreamFormatter) messageStart(c model.Chunk) wire.Frame {
	msg, _ := json.Marshal(map[string]any{
		"id":      c.ID,
		"type":    "message",
		"role":    "assistant",
		"model":   c.Model,
		"content": []any{},
		"usage":   map[string]int64{"input_tokens": 0, "output_tokens": 0},
	})
	return f.event(streamEvent{Type: "message_start", Message: msg})
}

// ensureBlock opens a block of the given type, closing the previous block
// first when the type or tool id changes.
func (f *StreamFormatter) ensureBlock(typ, toolID string, start *wireContent) []wire.Frame {
	if f.openType == typ && (typ != "tool_use" || f.openToolID == toolID) {
		return nil
	}
	frames := f.closeBlock()
	idx := f.nextIndex
	f.nextIndex++
	f.openType = typ
	f.openToolID = toolID
	if start == nil {
		switch typ {
		case "text":
			start = &wireContent{Type: "text"}
		case "thinking":
			start = &wireContent{Type: "thinking"}
		}
	}
	frames = append(frames, f.event(streamEvent{
		Type:         "content_block_start",
		Index:        &idx,
		ContentBlock: start,
	}))
	return frames
}

func (f *StreamFormatter) closeBlock() []wire.Frame {
	if f.openType == "" {
		return nil
	}
	idx := f.nextIndex - 1
	f.openType = ""
	f.openToolID = ""
	return []wire.Frame{f.event(streamEvent{Type: "content_block_stop", Index: &idx})}
}

func (f *StreamFormatter) openIndex() *int {
	idx := f.nextIndex - 1
	return &idx
}

func (f *StreamFormatter) event(ev streamEvent) wire.Frame {
	data, _ := json.Marshal(ev)
	return wire.Frame{Event: ev.Type, Data: data}
}
