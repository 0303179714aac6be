package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/luthienresearch/luthien/model"
)

type (
	// Chain composes policies in configured order. Every hook is a
	// left-to-right fold: each policy sees the canonical output of the
	// previous one.
	Chain struct {
		policies []Policy
	}

	// Outcome is the result of applying the chain to one event: the chunks
	// to send onward and whether a policy terminated the stream.
	Outcome struct {
		// Chunks is the outbound chunk set after the fold.
		Chunks []model.Chunk
		// Replaced reports that a policy substituted the outbound chunks.
		Replaced bool
		// Terminated reports that a policy closed the stream.
		Terminated bool
		// Reason is the finish reason supplied by the terminating policy.
		Reason model.FinishReason
	}
)

// NewChain returns a chain over the given policies.
func NewChain(policies ...Policy) *Chain {
	return &Chain{policies: policies}
}

// Policies returns the composed policies in order.
func (c *Chain) Policies() []Policy { return c.policies }

// Buffering reports whether any policy requires block buffering.
func (c *Chain) Buffering() bool {
	for _, p := range c.policies {
		if p.Buffering() {
			return true
		}
	}
	return false
}

// OnRequest folds the request hooks. A *Rejection error from any policy
// stops the fold and declines the request.
func (c *Chain) OnRequest(ctx context.Context, pctx *Context, req *model.Request) (*model.Request, error) {
	for _, p := range c.policies {
		next, err := p.OnRequest(ctx, pctx, req)
		if err != nil {
			return nil, policyErr(p, err)
		}
		if next == nil {
			return nil, fmt.Errorf("policy %s: OnRequest returned nil request", p.Name())
		}
		req = next
	}
	return req, nil
}

// OnResponse folds the non-streaming response hooks.
func (c *Chain) OnResponse(ctx context.Context, pctx *Context, resp *model.Response) (*model.Response, error) {
	for _, p := range c.policies {
		next, err := p.OnResponse(ctx, pctx, resp)
		if err != nil {
			return nil, policyErr(p, err)
		}
		if next == nil {
			return nil, fmt.Errorf("policy %s: OnResponse returned nil response", p.Name())
		}
		resp = next
	}
	return resp, nil
}

// Apply folds one assembler event through the chain. The outbound argument
// is the chunk set the event would emit with no policies; the outcome
// carries the set after all decisions.
func (c *Chain) Apply(ctx context.Context, pctx *Context, ev Event, outbound []model.Chunk) (Outcome, error) {
	out := Outcome{Chunks: outbound}
	for _, p := range c.policies {
		d, err := c.invoke(ctx, pctx, p, ev)
		if err != nil {
			return Outcome{}, policyErr(p, err)
		}
		switch d.kind {
		case decisionPass:
		case decisionReplace:
			out.Chunks = append([]model.Chunk(nil), d.chunks...)
			out.Replaced = true
		case decisionSuppress:
			out.Chunks = nil
		case decisionInject:
			out.Chunks = append(append([]model.Chunk(nil), d.chunks...), out.Chunks...)
		case decisionTerminate:
			if len(d.chunks) > 0 {
				out.Chunks = append([]model.Chunk(nil), d.chunks...)
			}
			out.Terminated = true
			out.Reason = d.reason
			return out, nil
		}
	}
	return out, nil
}

func (c *Chain) invoke(ctx context.Context, pctx *Context, p Policy, ev Event) (Decision, error) {
	switch ev.Type {
	case EventChunkReceived:
		return p.OnChunkReceived(ctx, pctx, ev.Chunk)
	case EventBlockStarted:
		return p.OnBlockStarted(ctx, pctx, ev.Block)
	case EventContentDelta:
		return p.OnContentDelta(ctx, pctx, ev.Text)
	case EventToolCallDelta:
		return p.OnToolCallDelta(ctx, pctx, ev.ToolID, ev.ToolName, ev.Args)
	case EventThinkingDelta:
		return p.OnThinkingDelta(ctx, pctx, ev.Text)
	case EventBlockComplete:
		return p.OnBlockComplete(ctx, pctx, ev.Block)
	case EventResponseComplete:
		return Pass(), p.OnResponseComplete(ctx, pctx, ev.Finish, ev.Usage)
	default:
		return Pass(), fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// policyErr wraps hook failures with the policy name. Rejections pass
// through untouched so the HTTP layer can surface their message and status.
func policyErr(p Policy, err error) error {
	var rej *Rejection
	if errors.As(err, &rej) {
		return err
	}
	return fmt.Errorf("policy %s: %w", p.Name(), err)
}
