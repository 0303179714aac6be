package pipeline

import (
	"context"

	"github.com/luthienresearch/luthien/model"
	"github.com/luthienresearch/luthien/policy"
)

// executor drives the block assembler and the policy chain over one
// response stream. When any policy buffers, outbound chunks are held per
// open block and released at block completion so a block-complete
// decision can replace the whole block.
type executor struct {
	chain     *policy.Chain
	pctx      *policy.Context
	asm       *policy.Assembler
	buffering bool
	mark      func()

	pending    []model.Chunk
	terminated bool
	reason     model.FinishReason
	completed  bool

	toolBlocks    int
	replacedTools int
}

// newExecutor returns an executor. onProgress is invoked every time a
// chain application returns, so buffered streams count hook completions
// as forward progress for the stall monitor.
func newExecutor(chain *policy.Chain, pctx *policy.Context, onProgress func()) *executor {
	if onProgress == nil {
		onProgress = func() {}
	}
	return &executor{
		chain:     chain,
		pctx:      pctx,
		asm:       policy.NewAssembler(),
		buffering: chain.Buffering(),
		mark:      onProgress,
	}
}

// process folds one upstream chunk through assembly and the chain,
// returning the chunks ready for the client. After a terminating
// decision the executor reports terminated and must not be fed again.
func (e *executor) process(ctx context.Context, chunk model.Chunk) ([]model.Chunk, error) {
	evs := e.asm.Feed(chunk)
	e.pctx.SetStreamState(e.asm.Blocks(), &chunk)

	current := []model.Chunk{chunk}
	var flushed []model.Chunk
	for _, ev := range evs {
		if ev.Type == policy.EventResponseComplete {
			e.completed = true
		}
		isToolBlock := false
		if ev.Type == policy.EventBlockComplete {
			_, isToolBlock = ev.Block.(*model.ToolCallBlock)
			if isToolBlock {
				e.toolBlocks++
			}
		}
		if e.buffering && ev.Type == policy.EventBlockComplete {
			out, err := e.chain.Apply(ctx, e.pctx, ev, e.pending)
			if err != nil {
				return nil, err
			}
			e.mark()
			if out.Replaced {
				if isToolBlock {
					e.replacedTools++
				}
				// The substitute content must not merge into whatever
				// block the formatter last had open.
				if len(out.Chunks) > 0 {
					out.Chunks[0].NewBlock = true
				}
			}
			flushed = append(flushed, out.Chunks...)
			e.pending = nil
			if out.Terminated {
				e.terminated = true
				e.reason = out.Reason
				return flushed, nil
			}
			continue
		}
		out, err := e.chain.Apply(ctx, e.pctx, ev, current)
		if err != nil {
			return nil, err
		}
		e.mark()
		current = out.Chunks
		if out.Terminated {
			e.terminated = true
			e.reason = out.Reason
			return e.rewriteFinish(append(flushed, current...)), nil
		}
	}
	if e.buffering && e.blockOpen() {
		e.pending = append(e.pending, current...)
		return flushed, nil
	}
	return e.rewriteFinish(append(flushed, current...)), nil
}

// finishStream handles a stream that ended without a finish chunk:
// closes open blocks, releases any buffered chunks, and fires the
// terminal policy event.
func (e *executor) finishStream(ctx context.Context) ([]model.Chunk, error) {
	current := e.pending
	e.pending = nil
	for _, ev := range e.asm.Finish() {
		if ev.Type == policy.EventResponseComplete {
			e.completed = true
		}
		if ev.Type == policy.EventBlockComplete {
			if _, ok := ev.Block.(*model.ToolCallBlock); ok {
				e.toolBlocks++
			}
		}
		out, err := e.chain.Apply(ctx, e.pctx, ev, current)
		if err != nil {
			return nil, err
		}
		e.mark()
		if out.Replaced && len(out.Chunks) > 0 {
			out.Chunks[0].NewBlock = true
			if _, ok := ev.Block.(*model.ToolCallBlock); ok && ev.Type == policy.EventBlockComplete {
				e.replacedTools++
			}
		}
		current = out.Chunks
		if out.Terminated {
			e.terminated = true
			e.reason = out.Reason
			break
		}
	}
	return e.rewriteFinish(current), nil
}

// rewriteFinish downgrades a tool_calls finish to stop once every tool
// call block in the stream was replaced. The client never saw a tool
// call, so it must not be told to run one.
func (e *executor) rewriteFinish(chunks []model.Chunk) []model.Chunk {
	if e.toolBlocks == 0 || e.replacedTools < e.toolBlocks {
		return chunks
	}
	for i := range chunks {
		if chunks[i].FinishReason == model.FinishToolCalls {
			chunks[i].FinishReason = model.FinishStop
		}
	}
	return chunks
}

func (e *executor) blockOpen() bool {
	blocks := e.asm.Blocks()
	for _, b := range blocks {
		if !b.Complete() {
			return true
		}
	}
	return false
}
