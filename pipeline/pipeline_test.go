package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthienresearch/luthien/events"
	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/policy"
	"github.com/luthienresearch/luthien/record"
	"github.com/luthienresearch/luthien/upstream"
	"github.com/luthienresearch/luthien/wire"
)

// stubClient returns a fixed response or a scripted chunk stream.
type stubClient struct {
	resp   *model.Response
	chunks []model.Chunk
	delay  time.Duration
	err    error
}

func (c *stubClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func (c *stubClient) Stream(ctx context.Context, req *model.Request) (upstream.Streamer, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &stubStreamer{ctx: ctx, chunks: c.chunks, delay: c.delay, closed: make(chan struct{})}, nil
}

type stubStreamer struct {
	ctx    context.Context
	chunks []model.Chunk
	delay  time.Duration
	i      int

	mu       sync.Mutex
	closed   chan struct{}
	closedAt time.Time
}

func (s *stubStreamer) Recv() (model.Chunk, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return model.Chunk{}, s.ctx.Err()
		case <-s.closed:
			return model.Chunk{}, io.EOF
		}
	}
	if s.i >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	chunk := s.chunks[s.i]
	s.i++
	return chunk, nil
}

func (s *stubStreamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
	default:
		s.closedAt = time.Now()
		close(s.closed)
	}
	return nil
}

func (s *stubStreamer) closeTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedAt
}

// testFormatter renders chunks as plain frames for assertions.
type testFormatter struct{}

func (testFormatter) FormatChunk(c model.Chunk) []wire.Frame {
	switch {
	case c.FinishReason != "":
		return []wire.Frame{{Event: "finish", Data: []byte(c.FinishReason)}}
	case c.Delta.Text != "":
		return []wire.Frame{{Event: "text", Data: []byte(c.Delta.Text)}}
	case c.Delta.ToolCall != nil:
		return []wire.Frame{{Event: "tool", Data: []byte(c.Delta.ToolCall.ID + c.Delta.ToolCall.ArgsDelta)}}
	default:
		return nil
	}
}

func (testFormatter) Finish() []wire.Frame {
	return []wire.Frame{{Event: "done"}}
}

func (testFormatter) FormatStreamError(e *wire.Error) []wire.Frame {
	return []wire.Frame{{Event: "error", Data: []byte(e.Kind)}}
}

// frameSink collects written frames.
type frameSink struct {
	mu     sync.Mutex
	frames []wire.Frame
}

func (s *frameSink) WriteFrame(f wire.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *frameSink) all() []wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Frame(nil), s.frames...)
}

func (s *frameSink) eventNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Event
	}
	return out
}

// hookPolicy scripts individual hooks for tests.
type hookPolicy struct {
	policy.Base
	name      string
	buffering bool
	onRequest func(ctx context.Context, pctx *policy.Context, req *model.Request) (*model.Request, error)
	onContent func(ctx context.Context, pctx *policy.Context, text string) (policy.Decision, error)
	onBlock   func(ctx context.Context, pctx *policy.Context, block model.Block) (policy.Decision, error)
}

func (p *hookPolicy) Name() string    { return p.name }
func (p *hookPolicy) Buffering() bool { return p.buffering }

func (p *hookPolicy) OnRequest(ctx context.Context, pctx *policy.Context, req *model.Request) (*model.Request, error) {
	if p.onRequest != nil {
		return p.onRequest(ctx, pctx, req)
	}
	return req, nil
}

func (p *hookPolicy) OnContentDelta(ctx context.Context, pctx *policy.Context, text string) (policy.Decision, error) {
	if p.onContent != nil {
		return p.onContent(ctx, pctx, text)
	}
	return policy.Pass(), nil
}

func (p *hookPolicy) OnBlockComplete(ctx context.Context, pctx *policy.Context, block model.Block) (policy.Decision, error) {
	if p.onBlock != nil {
		return p.onBlock(ctx, pctx, block)
	}
	return policy.Pass(), nil
}

func userRequest(stream bool) *model.Request {
	return &model.Request{
		Model:     "gpt-4o",
		Stream:    stream,
		SessionID: "s1",
		Messages:  []model.Message{{Role: model.RoleUser, Parts: []model.Part{&model.TextPart{Text: "hi"}}}},
	}
}

func newProcessor(t *testing.T, client upstream.Client, chain *policy.Chain, opts func(*Options)) (*Processor, *record.MemoryStore, *events.Recorder) {
	t.Helper()
	router, err := upstream.NewRouter([]upstream.Route{{Pattern: "*", Client: client}})
	require.NoError(t, err)
	store := record.NewMemoryStore()
	rec := events.NewRecorder()
	o := Options{Router: router, Chain: chain, Store: store, Emitter: rec, PolicyClass: "test"}
	if opts != nil {
		opts(&o)
	}
	p, err := New(o)
	require.NoError(t, err)
	return p, store, rec
}

func TestCompleteHappyPath(t *testing.T) {
	client := &stubClient{resp: &model.Response{
		ID:    "resp1",
		Model: "gpt-4o",
		Choices: []model.Choice{{
			Message:      model.Message{Role: model.RoleAssistant, Parts: []model.Part{&model.TextPart{Text: "hello"}}},
			FinishReason: model.FinishStop,
		}},
	}}
	p, store, rec := newProcessor(t, client, nil, nil)

	tx, err := p.Begin(context.Background(), &Inbound{Request: userRequest(false), ClientFormat: "openai"})
	require.NoError(t, err)
	require.NotEmpty(t, tx.ID())

	resp, err := tx.Complete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Choices[0].Message.Text())

	stored, ok := store.Transaction(tx.ID())
	require.True(t, ok)
	assert.Equal(t, record.StatusCompleted, stored.Status)
	assert.Equal(t, "s1", stored.SessionID)
	require.NotNil(t, stored.OriginalRequest)
	require.NotNil(t, stored.FinalResponse)
	assert.False(t, stored.CompletedAt.IsZero())

	types := rec.Types()
	assert.Equal(t, events.TypeClientRequest, types[0])
	assert.Contains(t, types, events.TypeUpstreamRequest)
	assert.Contains(t, types, events.TypeFinalResponse)
	for _, ev := range rec.Events() {
		assert.Equal(t, tx.ID(), ev.TransactionID)
	}
}

func TestCompletePolicyRejection(t *testing.T) {
	reject := &hookPolicy{name: "gate", onRequest: func(context.Context, *policy.Context, *model.Request) (*model.Request, error) {
		return nil, &policy.Rejection{Message: "not allowed", Status: 422}
	}}
	p, store, _ := newProcessor(t, &stubClient{}, policy.NewChain(reject), nil)

	tx, err := p.Begin(context.Background(), &Inbound{Request: userRequest(false), ClientFormat: "openai"})
	require.NoError(t, err)

	_, err = tx.Complete(context.Background())
	require.Error(t, err)
	werr := wire.Classify(err)
	assert.Equal(t, wire.KindPolicyRejection, werr.Kind)
	assert.Equal(t, 422, werr.Status)
	assert.Equal(t, "not allowed", werr.Message)

	stored, _ := store.Transaction(tx.ID())
	assert.Equal(t, record.StatusTerminated, stored.Status)
}

func TestCompleteUpstreamFailure(t *testing.T) {
	client := &stubClient{err: wire.NewError(wire.KindUpstreamUnavailable, "down")}
	p, store, _ := newProcessor(t, client, nil, nil)

	tx, err := p.Begin(context.Background(), &Inbound{Request: userRequest(false), ClientFormat: "openai"})
	require.NoError(t, err)

	_, err = tx.Complete(context.Background())
	require.Error(t, err)
	assert.Equal(t, wire.KindUpstreamUnavailable, wire.Classify(err).Kind)

	stored, _ := store.Transaction(tx.ID())
	assert.Equal(t, record.StatusFailed, stored.Status)
}

func streamChunks() []model.Chunk {
	return []model.Chunk{
		{ID: "r1", Delta: model.Delta{Role: model.RoleAssistant}},
		{ID: "r1", Delta: model.Delta{Text: "Hello "}},
		{ID: "r1", Delta: model.Delta{Text: "world"}},
		{ID: "r1", FinishReason: model.FinishStop, Usage: &model.TokenUsage{PromptTokens: 3, CompletionTokens: 2}},
	}
}

func TestStreamHappyPath(t *testing.T) {
	client := &stubClient{chunks: streamChunks()}
	p, store, rec := newProcessor(t, client, nil, nil)

	tx, err := p.Begin(context.Background(), &Inbound{Request: userRequest(true), ClientFormat: "openai"})
	require.NoError(t, err)

	s, err := tx.OpenStream(context.Background())
	require.NoError(t, err)

	sink := &frameSink{}
	require.NoError(t, s.Run(testFormatter{}, sink))

	names := sink.eventNames()
	assert.Equal(t, []string{"text", "text", "finish", "done"}, names)

	stored, _ := store.Transaction(tx.ID())
	assert.Equal(t, record.StatusCompleted, stored.Status)
	require.NotNil(t, stored.FinalResponse)
	assert.Equal(t, "Hello world", stored.FinalResponse.Choices[0].Message.Text())
	require.NotNil(t, stored.OriginalResponse)
	assert.Equal(t, "Hello world", stored.OriginalResponse.Choices[0].Message.Text())

	assert.Contains(t, rec.Types(), events.TypeResponseRecorded)
	assert.Contains(t, rec.Types(), events.TypeFinalResponse)
}

func TestStreamPolicyReplacesContent(t *testing.T) {
	redact := &hookPolicy{name: "redact", onContent: func(_ context.Context, pctx *policy.Context, text string) (policy.Decision, error) {
		if strings.Contains(text, "world") {
			return policy.Replace(model.TextChunk(pctx.LastChunk().ID, "[gone]")), nil
		}
		return policy.Pass(), nil
	}}
	client := &stubClient{chunks: streamChunks()}
	p, store, _ := newProcessor(t, client, policy.NewChain(redact), nil)

	tx, err := p.Begin(context.Background(), &Inbound{Request: userRequest(true), ClientFormat: "openai"})
	require.NoError(t, err)
	s, err := tx.OpenStream(context.Background())
	require.NoError(t, err)

	sink := &frameSink{}
	require.NoError(t, s.Run(testFormatter{}, sink))

	var text strings.Builder
	for _, f := range sink.all() {
		if f.Event == "text" {
			text.Write(f.Data)
		}
	}
	assert.Equal(t, "Hello [gone]", text.String())

	stored, _ := store.Transaction(tx.ID())
	assert.Equal(t, "Hello [gone]", stored.FinalResponse.Choices[0].Message.Text())
	// The upstream side is recorded unmodified.
	assert.Equal(t, "Hello world", stored.OriginalResponse.Choices[0].Message.Text())
}

func TestStreamPolicyTerminates(t *testing.T) {
	kill := &hookPolicy{name: "kill", onContent: func(_ context.Context, pctx *policy.Context, text string) (policy.Decision, error) {
		if strings.Contains(text, "world") {
			return policy.Terminate(model.FinishContentFilter, model.TextChunk(pctx.LastChunk().ID, "[blocked]")), nil
		}
		return policy.Pass(), nil
	}}
	client := &stubClient{chunks: streamChunks()}
	p, store, rec := newProcessor(t, client, policy.NewChain(kill), nil)

	tx, err := p.Begin(context.Background(), &Inbound{Request: userRequest(true), ClientFormat: "openai"})
	require.NoError(t, err)
	s, err := tx.OpenStream(context.Background())
	require.NoError(t, err)

	sink := &frameSink{}
	require.NoError(t, s.Run(testFormatter{}, sink))

	names := sink.eventNames()
	assert.Equal(t, []string{"text", "text", "finish", "done"}, names)
	frames := sink.all()
	assert.Equal(t, "[blocked]", string(frames[1].Data))
	assert.Equal(t, string(model.FinishContentFilter), string(frames[2].Data))

	stored, _ := store.Transaction(tx.ID())
	assert.Equal(t, record.StatusTerminated, stored.Status)
	assert.Contains(t, rec.Types(), events.TypePolicyTerminated)
}

func TestStreamBufferedBlockReplacement(t *testing.T) {
	block := &hookPolicy{name: "block-tools", buffering: true, onBlock: func(_ context.Context, pctx *policy.Context, b model.Block) (policy.Decision, error) {
		if tc, ok := b.(*model.ToolCallBlock); ok && tc.Name == "rm" {
			return policy.Replace(model.TextChunk(pctx.LastChunk().ID, "tool blocked")), nil
		}
		return policy.Pass(), nil
	}}
	client := &stubClient{chunks: []model.Chunk{
		{ID: "r1", Delta: model.Delta{ToolCall: &model.ToolCallDelta{ID: "c1", Name: "rm"}}},
		{ID: "r1", Delta: model.Delta{ToolCall: &model.ToolCallDelta{ArgsDelta: `{"path":"/"}`}}},
		{ID: "r1", FinishReason: model.FinishToolCalls},
	}}
	p, _, _ := newProcessor(t, client, policy.NewChain(block), nil)

	tx, err := p.Begin(context.Background(), &Inbound{Request: userRequest(true), ClientFormat: "openai"})
	require.NoError(t, err)
	s, err := tx.OpenStream(context.Background())
	require.NoError(t, err)

	sink := &frameSink{}
	require.NoError(t, s.Run(testFormatter{}, sink))

	// The buffered tool call never reaches the client; the replacement does.
	names := sink.eventNames()
	assert.Equal(t, []string{"text", "finish", "done"}, names)
	frames := sink.all()
	assert.Equal(t, "tool blocked", string(frames[0].Data))
	// With every tool call replaced the client must not be told to run
	// one, so the finish reason downgrades to a plain stop.
	assert.Equal(t, string(model.FinishStop), string(frames[1].Data))
}

func TestStreamBufferedSlowHooksAreProgress(t *testing.T) {
	// Each hook finishes well inside the stall threshold but their sum
	// exceeds it, and buffering keeps frames off the wire the whole
	// time. Hook completions must count as forward progress.
	slow := &hookPolicy{name: "judge", buffering: true, onContent: func(context.Context, *policy.Context, string) (policy.Decision, error) {
		time.Sleep(150 * time.Millisecond)
		return policy.Pass(), nil
	}}
	client := &stubClient{chunks: streamChunks()}
	p, store, _ := newProcessor(t, client, policy.NewChain(slow), func(o *Options) {
		o.StallThreshold = 250 * time.Millisecond
	})

	tx, err := p.Begin(context.Background(), &Inbound{Request: userRequest(true), ClientFormat: "openai"})
	require.NoError(t, err)
	s, err := tx.OpenStream(context.Background())
	require.NoError(t, err)

	sink := &frameSink{}
	require.NoError(t, s.Run(testFormatter{}, sink))
	assert.Equal(t, []string{"text", "text", "finish", "done"}, sink.eventNames())

	stored, _ := store.Transaction(tx.ID())
	assert.Equal(t, record.StatusCompleted, stored.Status)
}

func TestStreamStallProducesTimeout(t *testing.T) {
	slow := &hookPolicy{name: "slow", onContent: func(ctx context.Context, _ *policy.Context, _ string) (policy.Decision, error) {
		time.Sleep(500 * time.Millisecond)
		return policy.Pass(), nil
	}}
	client := &stubClient{chunks: streamChunks()}
	p, _, rec := newProcessor(t, client, policy.NewChain(slow), func(o *Options) {
		o.StallThreshold = 50 * time.Millisecond
	})

	tx, err := p.Begin(context.Background(), &Inbound{Request: userRequest(true), ClientFormat: "openai"})
	require.NoError(t, err)
	s, err := tx.OpenStream(context.Background())
	require.NoError(t, err)

	sink := &frameSink{}
	start := time.Now()
	err = s.Run(testFormatter{}, sink)
	require.Error(t, err)
	assert.Equal(t, wire.KindPolicyTimeout, wire.Classify(err).Kind)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	names := sink.eventNames()
	require.NotEmpty(t, names)
	assert.Equal(t, "error", names[len(names)-1])
	assert.Contains(t, rec.Types(), events.TypePolicyTimeout)
}

func TestStreamClientDisconnect(t *testing.T) {
	chunks := make([]model.Chunk, 0, 101)
	for i := 0; i < 100; i++ {
		chunks = append(chunks, model.Chunk{ID: "r1", Delta: model.Delta{Text: fmt.Sprintf("c%d ", i)}})
	}
	chunks = append(chunks, model.Chunk{ID: "r1", FinishReason: model.FinishStop})
	client := &stubClient{chunks: chunks, delay: 5 * time.Millisecond}
	p, store, rec := newProcessor(t, client, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	tx, err := p.Begin(ctx, &Inbound{Request: userRequest(true), ClientFormat: "openai"})
	require.NoError(t, err)
	s, err := tx.OpenStream(ctx)
	require.NoError(t, err)

	sink := &frameSink{}
	var cancelAt time.Time
	go func() {
		time.Sleep(60 * time.Millisecond)
		cancelAt = time.Now()
		cancel()
	}()
	err = s.Run(testFormatter{}, sink)
	require.Error(t, err)
	assert.Equal(t, wire.KindClientDisconnected, wire.Classify(err).Kind)

	// Upstream cancelled promptly after the disconnect.
	streamer := findStreamer(t, s)
	require.False(t, streamer.closeTime().IsZero())
	assert.WithinDuration(t, cancelAt, streamer.closeTime(), 200*time.Millisecond)

	// No completion record was written; the record still reflects the
	// request phase.
	stored, _ := store.Transaction(tx.ID())
	assert.NotEqual(t, record.StatusCompleted, stored.Status)
	assert.Contains(t, rec.Types(), events.TypeClientDisconnected)
}

func findStreamer(t *testing.T, s *Stream) *stubStreamer {
	t.Helper()
	streamer, ok := s.upstream.(*stubStreamer)
	require.True(t, ok)
	return streamer
}
