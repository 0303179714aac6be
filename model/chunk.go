package model

type (
	// Chunk is one canonical streaming increment. Upstream adapters convert
	// provider events to chunks and client formatters convert chunks back to
	// the requesting dialect.
	Chunk struct {
		// ID is the provider-assigned response identifier, repeated on
		// every chunk of the stream.
		ID string `json:"id"`
		// Model is the model producing the stream.
		Model string `json:"model,omitempty"`
		// ChoiceIndex is the choice this chunk belongs to.
		ChoiceIndex int `json:"choice_index"`
		// Delta is the incremental content. Empty for chunks that only
		// carry a finish reason or usage.
		Delta Delta `json:"delta"`
		// NewBlock tells client formatters to close any open content block
		// before rendering this chunk. Set on the first chunk of a policy
		// replacement so the substitute content starts its own block instead
		// of merging into an earlier one.
		NewBlock bool `json:"new_block,omitempty"`
		// FinishReason is set on exactly one chunk per choice, the last one
		// carrying content for that choice.
		FinishReason FinishReason `json:"finish_reason,omitempty"`
		// Usage reports token counts when the provider attaches them,
		// typically on the final chunk.
		Usage *TokenUsage `json:"usage,omitempty"`
	}

	// Delta is the incremental payload of a chunk. At most one of Text,
	// ToolCall and Thinking is populated.
	Delta struct {
		// Role is set on the first chunk of a choice.
		Role Role `json:"role,omitempty"`
		// Text is incremental text content.
		Text string `json:"text,omitempty"`
		// ToolCall is an incremental tool call fragment.
		ToolCall *ToolCallDelta `json:"tool_call,omitempty"`
		// Thinking is incremental reasoning content.
		Thinking string `json:"thinking,omitempty"`
	}

	// ToolCallDelta is a fragment of a streamed tool call. The first
	// fragment carries ID and Name; subsequent fragments append to the raw
	// argument JSON.
	ToolCallDelta struct {
		// ID identifies the tool call. Set on the first fragment.
		ID string `json:"id,omitempty"`
		// Name is the tool name. Set on the first fragment.
		Name string `json:"name,omitempty"`
		// ArgsDelta is the next piece of the raw argument JSON.
		ArgsDelta string `json:"args_delta,omitempty"`
	}
)

// Empty reports whether the delta carries no content.
func (d Delta) Empty() bool {
	return d.Text == "" && d.ToolCall == nil && d.Thinking == ""
}

// TextChunk returns a content chunk carrying text. Policies use it to build
// replacement and injection chunks.
func TextChunk(id, text string) Chunk {
	return Chunk{ID: id, Delta: Delta{Text: text}}
}

// FinishChunk returns a terminal chunk carrying only a finish reason.
func FinishChunk(id string, reason FinishReason) Chunk {
	return Chunk{ID: id, FinishReason: reason}
}
