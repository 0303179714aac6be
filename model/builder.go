package model

import "sort"

type (
	// ResponseBuilder folds a chunk stream into a Response. The processor
	// uses one builder per stream to reconstruct the final response handed
	// to the record store.
	ResponseBuilder struct {
		id      string
		model   string
		usage   *TokenUsage
		choices map[int]*choiceState
	}

	choiceState struct {
		parts  []Part
		finish FinishReason
		// openTool points at the tool_use part currently receiving argument
		// fragments, keyed by call id.
		openTool map[string]*ToolUsePart
		lastKind string
	}
)

// NewResponseBuilder returns an empty builder.
func NewResponseBuilder() *ResponseBuilder {
	return &ResponseBuilder{choices: make(map[int]*choiceState)}
}

// Add folds one chunk into the builder. Chunks must arrive in stream order.
func (b *ResponseBuilder) Add(c Chunk) {
	if c.ID != "" {
		b.id = c.ID
	}
	if c.Model != "" {
		b.model = c.Model
	}
	if c.Usage != nil {
		u := *c.Usage
		b.usage = &u
	}
	cs := b.choices[c.ChoiceIndex]
	if cs == nil {
		cs = &choiceState{openTool: make(map[string]*ToolUsePart)}
		b.choices[c.ChoiceIndex] = cs
	}
	if c.FinishReason != "" {
		cs.finish = c.FinishReason
	}
	switch {
	case c.Delta.Text != "":
		if cs.lastKind == KindText {
			cs.parts[len(cs.parts)-1].(*TextPart).Text += c.Delta.Text
		} else {
			cs.parts = append(cs.parts, &TextPart{Text: c.Delta.Text})
			cs.lastKind = KindText
		}
	case c.Delta.Thinking != "":
		if cs.lastKind == KindThinking {
			cs.parts[len(cs.parts)-1].(*ThinkingPart).Text += c.Delta.Thinking
		} else {
			cs.parts = append(cs.parts, &ThinkingPart{Text: c.Delta.Thinking})
			cs.lastKind = KindThinking
		}
	case c.Delta.ToolCall != nil:
		tc := c.Delta.ToolCall
		if tc.ID != "" {
			part := &ToolUsePart{ID: tc.ID, Name: tc.Name, ArgsJSON: tc.ArgsDelta}
			cs.parts = append(cs.parts, part)
			cs.openTool[tc.ID] = part
			cs.lastKind = KindToolUse
		} else if cs.lastKind == KindToolUse {
			if p, ok := cs.parts[len(cs.parts)-1].(*ToolUsePart); ok {
				p.ArgsJSON += tc.ArgsDelta
			}
		}
	}
}

// Response returns the assembled response. Choices appear in index order;
// tool calls with no argument fragments get the empty object.
func (b *ResponseBuilder) Response() *Response {
	idxs := make([]int, 0, len(b.choices))
	for i := range b.choices {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)

	resp := &Response{ID: b.id, Model: b.model, Usage: b.usage}
	for _, i := range idxs {
		cs := b.choices[i]
		for _, p := range cs.parts {
			if t, ok := p.(*ToolUsePart); ok && t.ArgsJSON == "" {
				t.ArgsJSON = "{}"
			}
		}
		parts := cs.parts
		if len(parts) == 0 {
			parts = []Part{&TextPart{}}
		}
		resp.Choices = append(resp.Choices, Choice{
			Index:        i,
			Message:      Message{Role: RoleAssistant, Parts: parts},
			FinishReason: cs.finish,
		})
	}
	return resp
}
