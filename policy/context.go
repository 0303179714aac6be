package policy

import (
	"context"

	"github.com/luthienresearch/luthien/model"
)

type (
	// Emitter publishes structured pipeline events. The activity stream
	// implementation lives elsewhere; policies only see this surface.
	Emitter interface {
		Emit(ctx context.Context, event string, payload map[string]any)
	}

	// Context is the per-request state shared by all policies handling one
	// transaction. It is created before request hooks fire and discarded
	// after response completion. Only the request task touches it.
	Context struct {
		// TransactionID identifies the transaction, equal to the call_id
		// echoed to the client.
		TransactionID string

		// SessionID groups transactions of one agent session, if known.
		SessionID string

		// Request is the current canonical request. Policies treat it as
		// read only; OnRequest returns a new value to change it.
		Request *model.Request

		emitter    Emitter
		scratchpad map[string]any

		// streaming state, maintained by the policy executor
		blocks    []model.Block
		lastChunk *model.Chunk
	}
)

// NewContext returns a context for one transaction. A nil emitter is
// replaced with a no-op.
func NewContext(transactionID, sessionID string, req *model.Request, emitter Emitter) *Context {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &Context{
		TransactionID: transactionID,
		SessionID:     sessionID,
		Request:       req,
		emitter:       emitter,
		scratchpad:    make(map[string]any),
	}
}

// Put stores a scratchpad value. The scratchpad is the only place a policy
// may keep per-request state.
func (c *Context) Put(key string, value any) {
	c.scratchpad[key] = value
}

// Get returns a scratchpad value.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.scratchpad[key]
	return v, ok
}

// Emit publishes a pipeline event tagged with the transaction id.
func (c *Context) Emit(ctx context.Context, event string, payload map[string]any) {
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["transaction_id"] = c.TransactionID
	c.emitter.Emit(ctx, event, payload)
}

// Blocks returns the blocks assembled so far, in wire order.
func (c *Context) Blocks() []model.Block { return c.blocks }

// LastChunk returns the most recently received chunk, nil before the first.
func (c *Context) LastChunk() *model.Chunk { return c.lastChunk }

// SetStreamState is called by the policy executor before each event batch.
func (c *Context) SetStreamState(blocks []model.Block, last *model.Chunk) {
	c.blocks = blocks
	c.lastChunk = last
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, string, map[string]any) {}
