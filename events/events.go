// Package events defines the pipeline event surface: structured activity
// events published at pipeline boundaries and by policy hooks. Emitter
// implementations fan the events out to pub/sub (events/pulse) or keep
// them in memory for tests.
package events

import (
	"context"
	"sync"
	"time"
)

// Event type names. The pipeline.* events mark transaction boundaries,
// policy.* events come from the policy engine, and transaction.* events
// acknowledge persistence writes.
const (
	TypeClientRequest      = "pipeline.client_request"
	TypeUpstreamRequest    = "pipeline.upstream_request"
	TypeFinalResponse      = "pipeline.final_response"
	TypeClientDisconnected = "pipeline.client_disconnected"

	TypePolicyOnRequest  = "policy.on_request"
	TypePolicyOnChunk    = "policy.on_chunk"
	TypePolicyTerminated = "policy.terminated"
	TypePolicyTimeout    = "policy.timeout"
	TypePolicyError      = "policy.error"

	TypeRequestRecorded  = "transaction.request_recorded"
	TypeResponseRecorded = "transaction.response_recorded"
)

type (
	// Event is one pipeline activity event. Events are ordered per
	// transaction but may interleave across transactions.
	Event struct {
		// Type names the event (see the Type* constants).
		Type string `json:"type"`
		// TransactionID links the event to its transaction.
		TransactionID string `json:"transaction_id"`
		// SessionID groups events across transactions when the client
		// supplied a session marker.
		SessionID string `json:"session_id,omitempty"`
		// Timestamp records when the event was emitted (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries event-specific data.
		Payload map[string]any `json:"payload,omitempty"`
	}

	// Emitter publishes events. Implementations must be safe for
	// concurrent use; emission is best-effort and must never block a
	// request on a slow consumer.
	Emitter interface {
		Emit(ctx context.Context, ev Event) error
	}
)

// nopEmitter discards everything.
type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, Event) error { return nil }

// Nop returns an emitter that discards all events.
func Nop() Emitter { return nopEmitter{} }

// Recorder is an in-memory emitter for tests and development.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Emit appends the event.
func (r *Recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the event type names in emission order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// multiEmitter fans out to several emitters, returning the first error
// after all have been attempted.
type multiEmitter []Emitter

func (m multiEmitter) Emit(ctx context.Context, ev Event) error {
	var first error
	for _, e := range m {
		if err := e.Emit(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Multi combines emitters. Nil entries are skipped; an empty result
// collapses to Nop.
func Multi(emitters ...Emitter) Emitter {
	var out multiEmitter
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return Nop()
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// Broker is an in-process emitter that fans events out to live
// subscribers. It backs the activity stream when no pub/sub backend is
// configured. A slow subscriber drops events rather than block emission.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Event), buffer: 64}
}

// Emit delivers the event to every current subscriber.
func (b *Broker) Emit(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned cancel function
// unregisters it and closes both channels. The shape mirrors the pulse
// topic so the activity stream can use either interchangeably.
func (b *Broker) Subscribe(ctx context.Context) (<-chan Event, <-chan error, context.CancelFunc, error) {
	sub := make(chan Event, b.buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	out := make(chan Event, b.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		defer close(errs)
		defer func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		}()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev := <-sub:
				select {
				case out <- ev:
				case <-runCtx.Done():
					return
				}
			}
		}
	}()
	return out, errs, context.CancelFunc(cancel), nil
}

// New builds an event with the timestamp set.
func New(eventType, transactionID, sessionID string, payload map[string]any) Event {
	return Event{
		Type:          eventType,
		TransactionID: transactionID,
		SessionID:     sessionID,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}
