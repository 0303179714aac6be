package policy

import (
	"fmt"

	"github.com/luthienresearch/luthien/model"
)

type (
	// EventType names an assembler lifecycle event.
	EventType string

	// Event is one assembler lifecycle event. The fields populated depend
	// on the type; Chunk is the underlying chunk for all events produced
	// by Feed.
	Event struct {
		// Type is the event kind.
		Type EventType
		// Chunk is the chunk that produced the event.
		Chunk model.Chunk
		// Block is set on BlockStarted and BlockComplete.
		Block model.Block
		// Text is set on ContentDelta and ThinkingDelta.
		Text string
		// ToolID, ToolName and Args are set on ToolCallDelta. ToolID and
		// ToolName are only present on the first fragment of a call.
		ToolID   string
		ToolName string
		Args     string
		// Finish and Usage are set on ResponseComplete.
		Finish model.FinishReason
		Usage  *model.TokenUsage
	}

	// Assembler folds a canonical chunk stream into ordered blocks and
	// lifecycle events. It keeps independent state per choice; at most one
	// block is open per choice at any time.
	Assembler struct {
		choices     map[int]*choiceAssembly
		blocks      []model.Block
		thinkingSeq int
		finish      model.FinishReason
		usage       *model.TokenUsage
		completed   bool
	}

	choiceAssembly struct {
		open     model.Block
		finished bool
	}
)

const (
	// EventChunkReceived fires for every chunk, before assembly.
	EventChunkReceived EventType = "chunk_received"
	// EventBlockStarted fires when a block opens.
	EventBlockStarted EventType = "block_started"
	// EventContentDelta fires per text delta.
	EventContentDelta EventType = "content_delta"
	// EventToolCallDelta fires per tool call fragment.
	EventToolCallDelta EventType = "tool_call_delta"
	// EventThinkingDelta fires per reasoning delta.
	EventThinkingDelta EventType = "thinking_delta"
	// EventBlockComplete fires when a block closes.
	EventBlockComplete EventType = "block_complete"
	// EventResponseComplete fires exactly once, after all content events.
	EventResponseComplete EventType = "response_complete"
)

// NewAssembler returns an assembler for one response stream.
func NewAssembler() *Assembler {
	return &Assembler{choices: make(map[int]*choiceAssembly)}
}

// Feed folds one chunk and returns the events it produced, in order.
func (a *Assembler) Feed(chunk model.Chunk) []Event {
	events := []Event{{Type: EventChunkReceived, Chunk: chunk}}
	ca := a.choices[chunk.ChoiceIndex]
	if ca == nil {
		ca = &choiceAssembly{}
		a.choices[chunk.ChoiceIndex] = ca
	}
	if chunk.Usage != nil {
		u := *chunk.Usage
		a.usage = &u
	}

	switch {
	case chunk.Delta.Text != "":
		tb, ok := ca.open.(*model.TextBlock)
		if !ok {
			tb = &model.TextBlock{ID: model.TextBlockID}
			events = append(events, a.transition(ca, tb, chunk)...)
		}
		tb.Text += chunk.Delta.Text
		events = append(events, Event{Type: EventContentDelta, Chunk: chunk, Text: chunk.Delta.Text})

	case chunk.Delta.Thinking != "":
		kb, ok := ca.open.(*model.ThinkingBlock)
		if !ok {
			kb = &model.ThinkingBlock{ID: fmt.Sprintf("thinking_%d", a.thinkingSeq)}
			a.thinkingSeq++
			events = append(events, a.transition(ca, kb, chunk)...)
		}
		kb.Text += chunk.Delta.Thinking
		events = append(events, Event{Type: EventThinkingDelta, Chunk: chunk, Text: chunk.Delta.Thinking})

	case chunk.Delta.ToolCall != nil:
		tc := chunk.Delta.ToolCall
		cb, ok := ca.open.(*model.ToolCallBlock)
		if tc.ID != "" && (!ok || cb.ID != tc.ID) {
			cb = &model.ToolCallBlock{ID: tc.ID, Name: tc.Name}
			events = append(events, a.transition(ca, cb, chunk)...)
			ok = true
		}
		if ok {
			cb.ArgsJSON += tc.ArgsDelta
			events = append(events, Event{
				Type:     EventToolCallDelta,
				Chunk:    chunk,
				ToolID:   tc.ID,
				ToolName: tc.Name,
				Args:     tc.ArgsDelta,
			})
		}
	}

	if chunk.FinishReason != "" {
		a.finish = chunk.FinishReason
		ca.finished = true
		events = append(events, a.closeOpen(ca, chunk)...)
		if a.allFinished() {
			events = append(events, a.complete(chunk))
		}
	}
	return events
}

// Finish closes any open blocks and emits the terminal event for streams
// that ended without a finish reason chunk. Safe to call after a stream
// that already completed; it then returns nothing.
func (a *Assembler) Finish() []Event {
	if a.completed {
		return nil
	}
	var events []Event
	for _, ca := range a.choices {
		events = append(events, a.closeOpen(ca, model.Chunk{})...)
	}
	events = append(events, a.complete(model.Chunk{}))
	return events
}

// Blocks returns all blocks assembled so far, in wire order.
func (a *Assembler) Blocks() []model.Block { return a.blocks }

// transition closes the open block, opens next, and returns both events.
func (a *Assembler) transition(ca *choiceAssembly, next model.Block, chunk model.Chunk) []Event {
	events := a.closeOpen(ca, chunk)
	ca.open = next
	a.blocks = append(a.blocks, next)
	return append(events, Event{Type: EventBlockStarted, Chunk: chunk, Block: next})
}

func (a *Assembler) closeOpen(ca *choiceAssembly, chunk model.Chunk) []Event {
	if ca.open == nil {
		return nil
	}
	block := ca.open
	switch b := block.(type) {
	case *model.TextBlock:
		b.Done = true
	case *model.ToolCallBlock:
		b.Done = true
	case *model.ThinkingBlock:
		b.Done = true
	}
	ca.open = nil
	return []Event{{Type: EventBlockComplete, Chunk: chunk, Block: block}}
}

func (a *Assembler) complete(chunk model.Chunk) Event {
	a.completed = true
	return Event{Type: EventResponseComplete, Chunk: chunk, Finish: a.finish, Usage: a.usage}
}

func (a *Assembler) allFinished() bool {
	for _, ca := range a.choices {
		if !ca.finished {
			return false
		}
	}
	return true
}
