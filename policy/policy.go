// Package policy defines the gateway's policy engine: the Policy hook
// interface, the per-request Context, the block assembler that turns chunk
// streams into lifecycle events, and the Chain that composes configured
// policies over those events.
package policy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/luthienresearch/luthien/model"
)

type (
	// Policy observes and optionally rewrites model traffic. Concrete
	// policies embed Base and override the hooks they care about; every
	// hook defaults to identity.
	//
	// Hooks must not mutate their arguments. Per-request state belongs in
	// the Context scratchpad and is discarded after OnResponseComplete.
	// Hooks receive a context.Context and may perform I/O, including calls
	// to upstream models.
	Policy interface {
		// Name identifies the policy in logs and events.
		Name() string

		// Buffering reports whether outbound chunks must be held until the
		// enclosing block completes, so the policy can judge whole blocks
		// before any byte reaches the client.
		Buffering() bool

		// OnRequest may rewrite or reject the request before it is sent
		// upstream. Returning a *Rejection error declines the request.
		OnRequest(ctx context.Context, pctx *Context, req *model.Request) (*model.Request, error)

		// OnResponse may rewrite a non-streaming response.
		OnResponse(ctx context.Context, pctx *Context, resp *model.Response) (*model.Response, error)

		// OnChunkReceived fires for every chunk before assembly.
		OnChunkReceived(ctx context.Context, pctx *Context, chunk model.Chunk) (Decision, error)

		// OnBlockStarted fires when a block opens.
		OnBlockStarted(ctx context.Context, pctx *Context, block model.Block) (Decision, error)

		// OnContentDelta fires for each text delta.
		OnContentDelta(ctx context.Context, pctx *Context, text string) (Decision, error)

		// OnToolCallDelta fires for each tool call fragment. ID and name
		// are set on the first fragment of a call.
		OnToolCallDelta(ctx context.Context, pctx *Context, id, name, args string) (Decision, error)

		// OnThinkingDelta fires for each reasoning delta.
		OnThinkingDelta(ctx context.Context, pctx *Context, text string) (Decision, error)

		// OnBlockComplete fires when a block closes. For buffering policies
		// a Replace decision here substitutes the whole buffered block.
		OnBlockComplete(ctx context.Context, pctx *Context, block model.Block) (Decision, error)

		// OnResponseComplete fires exactly once, after the last content
		// event of the stream.
		OnResponseComplete(ctx context.Context, pctx *Context, reason model.FinishReason, usage *model.TokenUsage) error
	}

	// Lifecycle is implemented by policies holding process-wide state.
	// Initialize runs once at startup, Shutdown once at server stop.
	Lifecycle interface {
		Initialize(ctx context.Context, settings map[string]any) error
		Shutdown(ctx context.Context) error
	}

	// Base provides identity implementations of every hook. Embed it to
	// implement only a subset.
	Base struct{}

	// Rejection is returned from OnRequest to decline a request. The
	// message is surfaced to the client verbatim.
	Rejection struct {
		// Message is the client-facing explanation.
		Message string
		// Status is the HTTP status; 0 means 400.
		Status int
	}
)

func (Base) Buffering() bool { return false }

func (Base) OnRequest(_ context.Context, _ *Context, req *model.Request) (*model.Request, error) {
	return req, nil
}

func (Base) OnResponse(_ context.Context, _ *Context, resp *model.Response) (*model.Response, error) {
	return resp, nil
}

func (Base) OnChunkReceived(context.Context, *Context, model.Chunk) (Decision, error) {
	return Pass(), nil
}

func (Base) OnBlockStarted(context.Context, *Context, model.Block) (Decision, error) {
	return Pass(), nil
}

func (Base) OnContentDelta(context.Context, *Context, string) (Decision, error) {
	return Pass(), nil
}

func (Base) OnToolCallDelta(_ context.Context, _ *Context, _, _, _ string) (Decision, error) {
	return Pass(), nil
}

func (Base) OnThinkingDelta(context.Context, *Context, string) (Decision, error) {
	return Pass(), nil
}

func (Base) OnBlockComplete(context.Context, *Context, model.Block) (Decision, error) {
	return Pass(), nil
}

func (Base) OnResponseComplete(context.Context, *Context, model.FinishReason, *model.TokenUsage) error {
	return nil
}

// Error implements error.
func (r *Rejection) Error() string {
	return fmt.Sprintf("policy rejection: %s", r.Message)
}

// HTTPStatus returns the status to surface, defaulting to 400.
func (r *Rejection) HTTPStatus() int {
	if r.Status == 0 {
		return http.StatusBadRequest
	}
	return r.Status
}
