package anthropic

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/wire"
)

func TestStreamFormatterTextThenTool(t *testing.T) {
	f := NewStreamFormatter()
	var frames []wire.Frame

	frames = append(frames, f.FormatChunk(model.Chunk{ID: "msg_1", Model: "claude-sonnet-4", Delta: model.Delta{Role: model.RoleAssistant, Text: "hel"}})...)
	frames = append(frames, f.FormatChunk(model.Chunk{ID: "msg_1", Delta: model.Delta{Text: "lo"}})...)
	frames = append(frames, f.FormatChunk(model.Chunk{ID: "msg_1", Delta: model.Delta{ToolCall: &model.ToolCallDelta{ID: "toolu_1", Name: "search"}}})...)
	frames = append(frames, f.FormatChunk(model.Chunk{ID: "msg_1", Delta: model.Delta{ToolCall: &model.ToolCallDelta{ArgsDelta: `{"q":"go"}`}}})...)
	frames = append(frames, f.FormatChunk(model.Chunk{ID: "msg_1", FinishReason: model.FinishToolCalls, Usage: &model.TokenUsage{PromptTokens: 3, CompletionTokens: 9}})...)

	events := make([]string, len(frames))
	for i, fr := range frames {
		events[i] = fr.Event
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, events)

	// Block indices are assigned in emission order.
	assert.Contains(t, string(frames[1].Data), `"index":0`)
	assert.Contains(t, string(frames[5].Data), `"index":1`)
	assert.Contains(t, string(frames[5].Data), `"id":"toolu_1"`)
	assert.Contains(t, string(frames[6].Data), `"partial_json":"{\"q\":\"go\"}"`)
	assert.Contains(t, string(frames[8].Data), `"stop_reason":"tool_use"`)
	assert.Contains(t, string(frames[8].Data), `"output_tokens":9`)

	// Finish already ran off the finish_reason chunk.
	assert.Empty(t, f.Finish())
}

func TestStreamFormatterNewBlockStartsFreshIndex(t *testing.T) {
	f := NewStreamFormatter()
	f.FormatChunk(model.Chunk{ID: "msg_1", Model: "claude-sonnet-4", Delta: model.Delta{Text: "Let me "}})
	f.FormatChunk(model.Chunk{ID: "msg_1", Delta: model.Delta{Text: "check."}})

	// A replacement chunk carries NewBlock so its text does not merge
	// into the block already open at index 0.
	frames := f.FormatChunk(model.Chunk{ID: "msg_1", NewBlock: true, Delta: model.Delta{Text: "tool call blocked"}})
	require.Len(t, frames, 3)
	assert.Equal(t, "content_block_stop", frames[0].Event)
	assert.Contains(t, string(frames[0].Data), `"index":0`)
	assert.Equal(t, "content_block_start", frames[1].Event)
	assert.Contains(t, string(frames[1].Data), `"index":1`)
	assert.Equal(t, "content_block_delta", frames[2].Event)
	assert.Contains(t, string(frames[2].Data), `"index":1`)

	frames = f.FormatChunk(model.Chunk{ID: "msg_1", FinishReason: model.FinishStop})
	events := make([]string, len(frames))
	for i, fr := range frames {
		events[i] = fr.Event
	}
	assert.Equal(t, []string{"content_block_stop", "message_delta", "message_stop"}, events)
	assert.Contains(t, string(frames[1].Data), `"stop_reason":"end_turn"`)
}

func TestStreamFormatterZeroContent(t *testing.T) {
	f := NewStreamFormatter()
	frames := f.FormatChunk(model.Chunk{ID: "msg_1", Model: "claude-sonnet-4", FinishReason: model.FinishStop})

	events := make([]string, len(frames))
	for i, fr := range frames {
		events[i] = fr.Event
	}
	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, events)
}

func TestStreamFormatterErrorClosesOpenBlock(t *testing.T) {
	f := NewStreamFormatter()
	f.FormatChunk(model.Chunk{ID: "msg_1", Delta: model.Delta{Text: "partial"}})
	frames := f.FormatStreamError(wire.NewError(wire.KindPolicyTimeout, "stalled"))

	require.Len(t, frames, 2)
	assert.Equal(t, "content_block_stop", frames[0].Event)
	assert.Equal(t, "error", frames[1].Event)
	assert.Contains(t, string(frames[1].Data), "stalled")
}

func TestStreamFormatterIgnoresOtherChoices(t *testing.T) {
	f := NewStreamFormatter()
	assert.Empty(t, f.FormatChunk(model.Chunk{ID: "msg_1", ChoiceIndex: 1, Delta: model.Delta{Text: "x"}}))
}

// chunkOp is a flattened description of one canonical chunk, used to compare
// a chunk stream before formatting with the stream recovered from the wire.
type chunkOp struct {
	Kind string
	A, B string
}

func describe(chunks []model.Chunk) []chunkOp {
	var ops []chunkOp
	for _, c := range chunks {
		switch {
		case c.Delta.Text != "":
			ops = append(ops, chunkOp{Kind: "text", A: c.Delta.Text})
		case c.Delta.Thinking != "":
			ops = append(ops, chunkOp{Kind: "thinking", A: c.Delta.Thinking})
		case c.Delta.ToolCall != nil && c.Delta.ToolCall.ID != "":
			ops = append(ops, chunkOp{Kind: "tool_start", A: c.Delta.ToolCall.ID, B: c.Delta.ToolCall.Name})
		case c.Delta.ToolCall != nil:
			ops = append(ops, chunkOp{Kind: "tool_args", A: c.Delta.ToolCall.ArgsDelta})
		}
		if c.FinishReason != "" {
			ops = append(ops, chunkOp{Kind: "finish", A: string(c.FinishReason)})
		}
	}
	return ops
}

// parseFrames recovers canonical chunks from a formatted SSE frame sequence.
func parseFrames(t *testing.T, frames []wire.Frame) []model.Chunk {
	t.Helper()
	var (
		chunks []model.Chunk
		id     string
	)
	for _, fr := range frames {
		var ev streamEvent
		require.NoError(t, json.Unmarshal(fr.Data, &ev))
		switch ev.Type {
		case "message_start":
			var msg struct {
				ID string `json:"id"`
			}
			require.NoError(t, json.Unmarshal(ev.Message, &msg))
			id = msg.ID
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				chunks = append(chunks, model.Chunk{ID: id, Delta: model.Delta{ToolCall: &model.ToolCallDelta{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}}})
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				chunks = append(chunks, model.Chunk{ID: id, Delta: model.Delta{Text: ev.Delta.Text}})
			case "thinking_delta":
				chunks = append(chunks, model.Chunk{ID: id, Delta: model.Delta{Thinking: ev.Delta.Thinking}})
			case "input_json_delta":
				chunks = append(chunks, model.Chunk{ID: id, Delta: model.Delta{ToolCall: &model.ToolCallDelta{ArgsDelta: ev.Delta.PartialJSON}}})
			}
		case "message_delta":
			chunks = append(chunks, model.Chunk{ID: id, FinishReason: Finish(ev.Delta.StopReason)})
		}
	}
	return chunks
}

func TestStreamRoundTripProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200

	text := gen.RegexMatch(`[a-zA-Z0-9 .,!?]{1,12}`)

	genBlock := gen.OneGenOf(
		// Text block: one to three deltas.
		gen.SliceOfN(3, text).Map(func(ts []string) []model.Chunk {
			chunks := make([]model.Chunk, len(ts))
			for i, s := range ts {
				chunks[i] = model.Chunk{Delta: model.Delta{Text: s}}
			}
			return chunks
		}),
		// Thinking block.
		gen.SliceOfN(2, text).Map(func(ts []string) []model.Chunk {
			chunks := make([]model.Chunk, len(ts))
			for i, s := range ts {
				chunks[i] = model.Chunk{Delta: model.Delta{Thinking: s}}
			}
			return chunks
		}),
		// Tool call block: start then argument fragments.
		gen.SliceOfN(2, text).Map(func(ts []string) []model.Chunk {
			chunks := []model.Chunk{{Delta: model.Delta{ToolCall: &model.ToolCallDelta{ID: "toolu_" + ts[0], Name: "tool"}}}}
			for _, s := range ts {
				chunks = append(chunks, model.Chunk{Delta: model.Delta{ToolCall: &model.ToolCallDelta{ArgsDelta: fmt.Sprintf("%q", s)}}})
			}
			return chunks
		}),
	)

	genFinish := gen.OneConstOf(model.FinishStop, model.FinishLength, model.FinishToolCalls, model.FinishContentFilter)

	properties := gopter.NewProperties(params)
	properties.Property("format then parse preserves the chunk stream", prop.ForAll(
		func(blocks [][]model.Chunk, finish model.FinishReason) bool {
			var (
				stream []model.Chunk
				nTools int
			)
			for _, b := range blocks {
				stream = append(stream, b...)
			}
			for i := range stream {
				stream[i].ID = "msg_p"
				// Consecutive tool blocks must carry distinct ids or the
				// formatter rightly treats them as one block.
				if tc := stream[i].Delta.ToolCall; tc != nil && tc.ID != "" {
					dup := *tc
					dup.ID = fmt.Sprintf("toolu_%d", nTools)
					nTools++
					stream[i].Delta.ToolCall = &dup
				}
			}
			stream = append(stream, model.Chunk{ID: "msg_p", FinishReason: finish})

			f := NewStreamFormatter()
			var frames []wire.Frame
			for _, c := range stream {
				frames = append(frames, f.FormatChunk(c)...)
			}

			got := describe(parseFrames(t, frames))
			want := describe(stream)
			return assert.ObjectsAreEqual(want, got)
		},
		gen.SliceOfN(2, genBlock),
		genFinish,
	))
	properties.TestingRun(t)
}
