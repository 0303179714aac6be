// Package pulse publishes pipeline events to a goa.design/pulse stream
// backed by Redis and lets activity-stream connections subscribe to it.
// Callers build the Redis client, pass it to New, and hand the resulting
// topic to the pipeline as its emitter.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/luthienresearch/luthien/events"
)

// DefaultStream is the Pulse stream all pipeline events are published to.
const DefaultStream = "luthien/activity"

type (
	// Options configures the topic.
	Options struct {
		// Redis is the connection backing the Pulse stream. Required
		// unless Handle is supplied.
		Redis *redis.Client
		// Stream names the Pulse stream. Defaults to DefaultStream.
		Stream string
		// StreamMaxLen bounds the number of entries kept. Zero uses
		// Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual publish operations. Zero
		// means no timeout.
		OperationTimeout time.Duration
		// Handle substitutes the underlying stream, for tests.
		Handle Stream
	}

	// Stream is the subset of Pulse stream operations the topic needs.
	Stream interface {
		// Add publishes an event with the given name and payload,
		// returning the Redis-assigned event ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group for reading events.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	}

	// Sink mirrors the subset of Pulse sinks the subscriber needs.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	// Topic is an events.Emitter that publishes to one Pulse stream and
	// spawns subscribers reading it back. Safe for concurrent use.
	Topic struct {
		stream  Stream
		timeout time.Duration
		buffer  int
	}
)

// New constructs a topic on the named Pulse stream, creating the stream
// if needed.
func New(opts Options) (*Topic, error) {
	handle := opts.Handle
	if handle == nil {
		if opts.Redis == nil {
			return nil, errors.New("redis client is required")
		}
		name := opts.Stream
		if name == "" {
			name = DefaultStream
		}
		var streamOptions []streamopts.Stream
		if opts.StreamMaxLen > 0 {
			streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(opts.StreamMaxLen))
		}
		str, err := streaming.NewStream(name, opts.Redis, streamOptions...)
		if err != nil {
			return nil, fmt.Errorf("create pulse stream: %w", err)
		}
		handle = &streamHandle{stream: str}
	}
	return &Topic{stream: handle, timeout: opts.OperationTimeout, buffer: 64}, nil
}

// Emit publishes the event. Implements events.Emitter.
func (t *Topic) Emit(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	if _, err := t.stream.Add(ctx, ev.Type, payload); err != nil {
		return fmt.Errorf("pulse add: %w", err)
	}
	return nil
}

// Subscribe opens a dedicated consumer group and returns channels for
// events and errors. Each subscription gets its own group so every
// connection observes the full event flow. The returned cancel function
// stops consumption, closes the sink, and closes both channels.
func (t *Topic) Subscribe(ctx context.Context) (<-chan events.Event, <-chan error, context.CancelFunc, error) {
	sink, err := t.stream.NewSink(ctx, fmt.Sprintf("activity-%s", uuid.NewString()))
	if err != nil {
		return nil, nil, nil, err
	}
	out := make(chan events.Event, t.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go t.consume(runCtx, sink, out, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return out, errs, cancelFunc, nil
}

// consume reads from the sink, decodes payloads, and emits events until
// the context is cancelled or the sink channel closes. Each event is
// acked after successful emission.
func (t *Topic) consume(ctx context.Context, sink Sink, out chan<- events.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var decoded events.Event
			if err := json.Unmarshal(evt.Payload, &decoded); err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}

// streamHandle adapts a Pulse stream to the narrow Stream interface.
type streamHandle struct {
	stream *streaming.Stream
}

func (h *streamHandle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return h.stream.Add(ctx, event, payload)
}

func (h *streamHandle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

// sinkAdapter adapts streaming.Sink to the Sink interface, making Close
// match the expected signature.
type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}

// Pinger reports Redis connectivity for the health endpoint.
type Pinger struct {
	rdb *redis.Client
}

// NewPinger returns a health pinger for the given Redis connection.
func NewPinger(rdb *redis.Client) *Pinger { return &Pinger{rdb: rdb} }

// Name implements health.Pinger.
func (p *Pinger) Name() string { return "redis" }

// Ping implements health.Pinger.
func (p *Pinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
