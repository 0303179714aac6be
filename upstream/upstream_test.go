package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/wire"
)

type stubClient struct {
	name  string
	calls int
	errs  []error
	resp  *model.Response
}

func (c *stubClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return c.resp, nil
}

func (c *stubClient) Stream(ctx context.Context, req *model.Request) (Streamer, error) {
	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func TestRouterResolve(t *testing.T) {
	anthropic := &stubClient{name: "anthropic"}
	openai := &stubClient{name: "openai"}
	exact := &stubClient{name: "exact"}

	r, err := NewRouter([]Route{
		{Pattern: "claude-*", Client: anthropic},
		{Pattern: "gpt-*", Client: openai},
		{Pattern: "gpt-4o-mini", Client: exact},
		{Pattern: "*", Client: openai},
	})
	require.NoError(t, err)

	cases := []struct {
		model string
		want  *stubClient
	}{
		{"claude-sonnet-4-5", anthropic},
		{"gpt-4o", openai},
		{"gpt-4o-mini", exact},
		{"llama-3", openai},
	}
	for _, tc := range cases {
		got, err := r.Resolve(tc.model)
		require.NoError(t, err, tc.model)
		assert.Same(t, tc.want, got, tc.model)
	}
}

func TestRouterNoRoute(t *testing.T) {
	r, err := NewRouter([]Route{{Pattern: "claude-*", Client: &stubClient{}}})
	require.NoError(t, err)

	_, err = r.Resolve("gpt-4o")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestNewRouterValidation(t *testing.T) {
	_, err := NewRouter([]Route{{Pattern: "", Client: &stubClient{}}})
	require.Error(t, err)

	_, err = NewRouter([]Route{{Pattern: "m", Client: nil}})
	require.Error(t, err)

	_, err = NewRouter([]Route{
		{Pattern: "m", Client: &stubClient{}},
		{Pattern: "m", Client: &stubClient{}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestRetryRetriesUnavailable(t *testing.T) {
	unavailable := wire.NewError(wire.KindUpstreamUnavailable, "down")
	stub := &stubClient{
		errs: []error{unavailable, unavailable, nil},
		resp: &model.Response{ID: "r1"},
	}
	c := &retryClient{next: stub, attempts: 2, backoff: time.Millisecond}

	resp, err := c.Complete(context.Background(), &model.Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, 3, stub.calls)
}

func TestRetryStopsAtAttemptLimit(t *testing.T) {
	unavailable := wire.NewError(wire.KindUpstreamUnavailable, "down")
	stub := &stubClient{errs: []error{unavailable, unavailable, unavailable}}
	c := &retryClient{next: stub, attempts: 2, backoff: time.Millisecond}

	_, err := c.Complete(context.Background(), &model.Request{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, wire.KindUpstreamUnavailable, wire.Classify(err).Kind)
	assert.Equal(t, 3, stub.calls)
}

func TestRetryDoesNotRetryTerminalErrors(t *testing.T) {
	terminal := wire.NewError(wire.KindUpstreamError, "bad request")
	stub := &stubClient{errs: []error{terminal}}
	c := &retryClient{next: stub, attempts: 2, backoff: time.Millisecond}

	_, err := c.Complete(context.Background(), &model.Request{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, 1, stub.calls)
}

func TestRetryHonorsContextDuringBackoff(t *testing.T) {
	unavailable := wire.NewError(wire.KindUpstreamUnavailable, "down")
	stub := &stubClient{errs: []error{unavailable, unavailable, unavailable}}
	c := &retryClient{next: stub, attempts: 2, backoff: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Complete(ctx, &model.Request{Model: "m"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, stub.calls)
}

func TestWithRetryZeroAttemptsIsPassthrough(t *testing.T) {
	stub := &stubClient{}
	assert.Same(t, Client(stub), WithRetry(stub, 0))
}
