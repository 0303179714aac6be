package openai

import (
	"context"
	"errors"
	"io"
	"sync"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/upstream"
)

// streamer adapts an OpenAI chat completion chunk stream to
// upstream.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk]) upstream.Streamer {
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

	conv := newChunkConverter(s.emit)
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
			} else if err := conv.Flush(); err != nil {
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

// chunkConverter folds OpenAI streaming chunks into canonical chunks.
// Finish chunks are held back until usage arrives: with stream_options
// include_usage set, the provider sends usage in a trailing chunk after
// the choices have finished, and the canonical terminal chunk must carry
// both the finish reason and the usage.
type chunkConverter struct {
	emit func(model.Chunk) error

	id       string
	model    string
	toolIDs  map[int64]string
	usage    *model.TokenUsage
	finished []model.Chunk
}

func newChunkConverter(emit func(model.Chunk) error) *chunkConverter {
	return &chunkConverter{emit: emit, toolIDs: make(map[int64]string)}
}

func (c *chunkConverter) Handle(chunk sdk.ChatCompletionChunk) error {
	if c.id == "" {
		c.id = chunk.ID
	}
	if c.model == "" {
		c.model = chunk.Model
	}
	if u := chunk.Usage; u.PromptTokens != 0 || u.CompletionTokens != 0 {
		c.usage = &model.TokenUsage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
		}
	}
	for _, choice := range chunk.Choices {
		if err := c.handleChoice(choice); err != nil {
			return err
		}
	}
	return nil
}

func (c *chunkConverter) handleChoice(choice sdk.ChatCompletionChunkChoice) error {
	idx := int(choice.Index)
	delta := choice.Delta

	if delta.Role != "" {
		err := c.emit(model.Chunk{
			ID:          c.id,
			Model:       c.model,
			ChoiceIndex: idx,
			Delta:       model.Delta{Role: model.Role(delta.Role)},
		})
		if err != nil {
			return err
		}
	}
	text := delta.Content
	if text == "" {
		text = delta.Refusal
	}
	if text != "" {
		err := c.emit(model.Chunk{
			ID:          c.id,
			Model:       c.model,
			ChoiceIndex: idx,
			Delta:       model.Delta{Text: text},
		})
		if err != nil {
			return err
		}
	}
	for _, tc := range delta.ToolCalls {
		if tc.ID != "" {
			c.toolIDs[tc.Index] = tc.ID
		}
		tcd := &model.ToolCallDelta{ArgsDelta: tc.Function.Arguments}
		if tc.ID != "" || tc.Function.Name != "" {
			tcd.ID = c.toolIDs[tc.Index]
			tcd.Name = tc.Function.Name
		}
		if tcd.ID == "" && tcd.Name == "" && tcd.ArgsDelta == "" {
			continue
		}
		err := c.emit(model.Chunk{
			ID:          c.id,
			Model:       c.model,
			ChoiceIndex: idx,
			Delta:       model.Delta{ToolCall: tcd},
		})
		if err != nil {
			return err
		}
	}
	if choice.FinishReason != "" {
		c.finished = append(c.finished, model.Chunk{
			ID:           c.id,
			Model:        c.model,
			ChoiceIndex:  idx,
			FinishReason: finishReason(choice.FinishReason),
		})
	}
	return nil
}

// Flush emits the held finish chunks once the stream ends, attaching the
// usage from the trailing chunk when it arrived.
func (c *chunkConverter) Flush() error {
	for _, chunk := range c.finished {
		chunk.Usage = c.usage
		if err := c.emit(chunk); err != nil {
			return err
		}
	}
	c.finished = nil
	return nil
}
