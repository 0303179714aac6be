package anthropic

import (
	"context"
	"errors"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/upstream"
	wireanthropic "github.com/luthienresearch/luthien/wire/anthropic"
)

// streamer adapts an Anthropic Messages event stream to upstream.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) upstream.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return model.Chunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	conv := newEventConverter(s.emit)
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					err = classify(err)
				}
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		if err := conv.Handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emit(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// eventConverter folds Anthropic streaming events into canonical chunks.
// Tool call and thinking state is tracked per content block index; the
// terminal chunk carries the stop reason and usage from message_delta.
type eventConverter struct {
	emit func(model.Chunk) error

	id         string
	model      string
	toolBlocks map[int]string
	stopReason string
	usage      *model.TokenUsage
}

func newEventConverter(emit func(model.Chunk) error) *eventConverter {
	return &eventConverter{emit: emit, toolBlocks: make(map[int]string)}
}

func (c *eventConverter) Handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		c.id = ev.Message.ID
		c.model = string(ev.Message.Model)
		if in := ev.Message.Usage.InputTokens; in != 0 {
			c.usage = &model.TokenUsage{PromptTokens: in}
		}
		return c.emit(model.Chunk{ID: c.id, Model: c.model, Delta: model.Delta{Role: model.RoleAssistant}})

	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" || toolUse.Name == "" {
				return errors.New("tool use block missing id or name")
			}
			c.toolBlocks[int(ev.Index)] = toolUse.ID
			return c.emit(model.Chunk{
				ID:    c.id,
				Model: c.model,
				Delta: model.Delta{ToolCall: &model.ToolCallDelta{ID: toolUse.ID, Name: toolUse.Name}},
			})
		}
		return nil

	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return c.emit(model.Chunk{ID: c.id, Model: c.model, Delta: model.Delta{Text: delta.Text}})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			if _, ok := c.toolBlocks[int(ev.Index)]; !ok {
				return nil
			}
			return c.emit(model.Chunk{
				ID:    c.id,
				Model: c.model,
				Delta: model.Delta{ToolCall: &model.ToolCallDelta{ArgsDelta: delta.PartialJSON}},
			})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return c.emit(model.Chunk{ID: c.id, Model: c.model, Delta: model.Delta{Thinking: delta.Thinking}})
		default:
			// Signature deltas and unknown variants carry nothing the
			// canonical stream represents.
			return nil
		}

	case sdk.ContentBlockStopEvent:
		delete(c.toolBlocks, int(ev.Index))
		return nil

	case sdk.MessageDeltaEvent:
		c.stopReason = string(ev.Delta.StopReason)
		u := c.usage
		if u == nil {
			u = &model.TokenUsage{}
		}
		u.CompletionTokens = ev.Usage.OutputTokens
		if ev.Usage.InputTokens != 0 {
			u.PromptTokens = ev.Usage.InputTokens
		}
		c.usage = u
		return nil

	case sdk.MessageStopEvent:
		return c.emit(model.Chunk{
			ID:           c.id,
			Model:        c.model,
			FinishReason: wireanthropic.Finish(c.stopReason),
			Usage:        c.usage,
		})
	}
	return nil
}
