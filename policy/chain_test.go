package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthienresearch/luthien/model"
)

// scripted returns fixed decisions from selected hooks.
type scripted struct {
	Base
	name      string
	buffering bool

	onContent  func(text string) (Decision, error)
	onComplete func(block model.Block) (Decision, error)
	onRequest  func(req *model.Request) (*model.Request, error)
}

func (s *scripted) Name() string    { return s.name }
func (s *scripted) Buffering() bool { return s.buffering }

func (s *scripted) OnContentDelta(_ context.Context, _ *Context, text string) (Decision, error) {
	if s.onContent == nil {
		return Pass(), nil
	}
	return s.onContent(text)
}

func (s *scripted) OnBlockComplete(_ context.Context, _ *Context, block model.Block) (Decision, error) {
	if s.onComplete == nil {
		return Pass(), nil
	}
	return s.onComplete(block)
}

func (s *scripted) OnRequest(_ context.Context, _ *Context, req *model.Request) (*model.Request, error) {
	if s.onRequest == nil {
		return req, nil
	}
	return s.onRequest(req)
}

func testCtx() *Context {
	return NewContext("tx1", "", &model.Request{Model: "m"}, nil)
}

func TestChainNoopEquivalence(t *testing.T) {
	// A chain of no-op policies leaves the outbound set untouched.
	chain := NewChain(&noopPolicy{}, &noopPolicy{})
	ev := Event{Type: EventContentDelta, Text: "hi", Chunk: model.TextChunk("r1", "hi")}
	outbound := []model.Chunk{model.TextChunk("r1", "hi")}

	out, err := chain.Apply(context.Background(), testCtx(), ev, outbound)
	require.NoError(t, err)
	assert.Equal(t, outbound, out.Chunks)
	assert.False(t, out.Terminated)
	assert.False(t, chain.Buffering())
}

func TestChainFoldOrder(t *testing.T) {
	// The second policy sees the first policy's output.
	first := &scripted{name: "first", onContent: func(string) (Decision, error) {
		return Replace(model.TextChunk("r1", "FIRST")), nil
	}}
	var sawReplacement bool
	second := &scripted{name: "second", onContent: func(text string) (Decision, error) {
		// Hook arguments carry the assembler event, not the fold state;
		// the fold state is the outbound set.
		sawReplacement = true
		return Inject(model.TextChunk("r1", "pre")), nil
	}}
	chain := NewChain(first, second)

	out, err := chain.Apply(context.Background(), testCtx(), Event{Type: EventContentDelta, Text: "x"}, []model.Chunk{model.TextChunk("r1", "x")})
	require.NoError(t, err)
	assert.True(t, sawReplacement)
	assert.True(t, out.Replaced)
	require.Len(t, out.Chunks, 2)
	assert.Equal(t, "pre", out.Chunks[0].Delta.Text)
	assert.Equal(t, "FIRST", out.Chunks[1].Delta.Text)
}

func TestChainSuppress(t *testing.T) {
	p := &scripted{name: "mute", onContent: func(string) (Decision, error) { return Suppress(), nil }}
	out, err := NewChain(p).Apply(context.Background(), testCtx(), Event{Type: EventContentDelta, Text: "x"}, []model.Chunk{model.TextChunk("r1", "x")})
	require.NoError(t, err)
	assert.Empty(t, out.Chunks)
}

func TestChainTerminateStopsFold(t *testing.T) {
	var secondCalled bool
	first := &scripted{name: "guard", onContent: func(string) (Decision, error) {
		return Terminate(model.FinishContentFilter, model.TextChunk("r1", "blocked")), nil
	}}
	second := &scripted{name: "later", onContent: func(string) (Decision, error) {
		secondCalled = true
		return Pass(), nil
	}}

	out, err := NewChain(first, second).Apply(context.Background(), testCtx(), Event{Type: EventContentDelta, Text: "x"}, []model.Chunk{model.TextChunk("r1", "x")})
	require.NoError(t, err)
	assert.True(t, out.Terminated)
	assert.Equal(t, model.FinishContentFilter, out.Reason)
	require.Len(t, out.Chunks, 1)
	assert.Equal(t, "blocked", out.Chunks[0].Delta.Text)
	assert.False(t, secondCalled)
}

func TestChainOnRequestRejection(t *testing.T) {
	p := &scripted{name: "deny", onRequest: func(*model.Request) (*model.Request, error) {
		return nil, &Rejection{Message: "blocked", Status: 403}
	}}

	_, err := NewChain(&noopPolicy{}, p).OnRequest(context.Background(), testCtx(), &model.Request{Model: "m"})
	require.Error(t, err)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "blocked", rej.Message)
	assert.Equal(t, 403, rej.HTTPStatus())
}

func TestChainHookErrorNamesPolicy(t *testing.T) {
	p := &scripted{name: "flaky", onContent: func(string) (Decision, error) {
		return Pass(), errors.New("boom")
	}}
	_, err := NewChain(p).Apply(context.Background(), testCtx(), Event{Type: EventContentDelta, Text: "x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy flaky")
}

func TestChainBuffering(t *testing.T) {
	assert.False(t, NewChain(&noopPolicy{}).Buffering())
	assert.True(t, NewChain(&noopPolicy{}, &scripted{name: "buf", buffering: true}).Buffering())
}

func TestContextScratchpad(t *testing.T) {
	pctx := testCtx()
	_, ok := pctx.Get("k")
	assert.False(t, ok)
	pctx.Put("k", 42)
	v, ok := pctx.Get("k")
	require.True(t, ok)
	assert.Equal(t, 42, v)
}
