package upstream

import (
	"context"
	"math/rand"
	"time"

	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/wire"
)

type retryClient struct {
	next     Client
	attempts int
	backoff  time.Duration
}

// Retry default tuning. Only upstream_unavailable failures are retried;
// everything else surfaces immediately.
const (
	DefaultRetryAttempts = 2
	defaultRetryBackoff  = 250 * time.Millisecond
)

// WithRetry wraps a client so that retryable failures are retried up to
// attempts extra times with jittered exponential backoff.
func WithRetry(next Client, attempts int) Client {
	if attempts <= 0 {
		return next
	}
	return &retryClient{next: next, attempts: attempts, backoff: defaultRetryBackoff}
}

func (c *retryClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	var resp *model.Response
	err := c.retry(ctx, func() error {
		var err error
		resp, err = c.next.Complete(ctx, req)
		return err
	})
	return resp, err
}

func (c *retryClient) Stream(ctx context.Context, req *model.Request) (Streamer, error) {
	var s Streamer
	err := c.retry(ctx, func() error {
		var err error
		s, err = c.next.Stream(ctx, req)
		return err
	})
	return s, err
}

func (c *retryClient) retry(ctx context.Context, call func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = call()
		if err == nil || !retryable(err) || attempt == c.attempts {
			return err
		}
		delay := c.backoff << attempt
		delay += time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func retryable(err error) bool {
	return wire.Classify(err).Kind == wire.KindUpstreamUnavailable
}
